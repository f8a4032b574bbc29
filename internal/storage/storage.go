// Package storage is the persistence boundary: Postgres (via GORM) for
// profiles, memberships and call invites, Redis for the presence mirror.
package storage

import (
	"classmate/backend/internal/models"
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrConflict is returned when a conditional update lost to a concurrent
	// writer, e.g. an invite that is no longer pending.
	ErrConflict = errors.New("storage: conflicting update")
)

// ProfileStore resolves identities and context memberships.
type ProfileStore interface {
	GetProfile(ctx context.Context, id string) (*models.Profile, error)
	IsGroupMember(ctx context.Context, groupID, profileID string) (bool, error)
	// StudyRoomRole returns the member's role, or false when not a member.
	StudyRoomRole(ctx context.Context, roomID, profileID string) (models.ParticipantRole, bool, error)
}

// InviteStore persists call invites.
type InviteStore interface {
	CreateInvite(ctx context.Context, invite *models.CallInvite) error
	GetInvite(ctx context.Context, id string) (*models.CallInvite, error)
	// TransitionInvite moves a pending invite to status. It never overwrites a
	// terminal status: if the invite is no longer pending the current row is
	// returned together with ErrConflict.
	TransitionInvite(ctx context.Context, id string, status models.InviteStatus, respondedAt *time.Time) (*models.CallInvite, error)
	ListPendingInvites(ctx context.Context, inviteeID string, createdAfter time.Time) ([]models.CallInvite, error)
	ListInvitesByID(ctx context.Context, ids []string) ([]models.CallInvite, error)
	// CancelStaleInvites moves pending invites created before the cutoff to
	// cancelled and returns them with their new status.
	CancelStaleInvites(ctx context.Context, createdBefore time.Time) ([]models.CallInvite, error)
}

// PresenceMirror keeps a queryable copy of who is online per topic.
type PresenceMirror interface {
	TouchPresence(ctx context.Context, topic, identity string, at time.Time) error
	RemovePresence(ctx context.Context, topic, identity string) error
	OnlineIdentities(ctx context.Context, topic string, since time.Time) ([]string, error)
}

// Storage is everything the service persists.
type Storage interface {
	ProfileStore
	InviteStore
	PresenceMirror
}

// Service implements Storage on Postgres and Redis.
type Service struct {
	DB    *gorm.DB
	Redis *redis.Client
}

// NewStorageService Constructor
func NewStorageService(db *gorm.DB, rdb *redis.Client) *Service {
	return &Service{
		DB:    db,
		Redis: rdb,
	}
}

// Migrate creates or updates the tables owned by this service.
func (s *Service) Migrate() error {
	return s.DB.AutoMigrate(
		&models.Profile{},
		&models.GroupMember{},
		&models.StudyRoomMember{},
		&models.CallInvite{},
	)
}

// GetProfile loads a profile by id.
func (s *Service) GetProfile(ctx context.Context, id string) (*models.Profile, error) {
	var profile models.Profile
	err := s.DB.WithContext(ctx).Where("id = ?", id).First(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &profile, nil
}

// IsGroupMember reports whether profileID belongs to groupID.
func (s *Service) IsGroupMember(ctx context.Context, groupID, profileID string) (bool, error) {
	var count int64
	err := s.DB.WithContext(ctx).Model(&models.GroupMember{}).
		Where("group_id = ? AND profile_id = ?", groupID, profileID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// StudyRoomRole returns the stored role of profileID in roomID.
func (s *Service) StudyRoomRole(ctx context.Context, roomID, profileID string) (models.ParticipantRole, bool, error) {
	var member models.StudyRoomMember
	err := s.DB.WithContext(ctx).
		Where("study_room_id = ? AND profile_id = ?", roomID, profileID).
		First(&member).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	role := models.ParticipantRole(member.Role)
	if !role.Valid() {
		role = models.RoleListener
	}
	return role, true, nil
}
