package storage

import (
	"classmate/backend/internal/models"
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CreateInvite inserts a new invite row. ID and status are filled in by the
// model's BeforeCreate hook.
func (s *Service) CreateInvite(ctx context.Context, invite *models.CallInvite) error {
	if invite.CreatedAt.IsZero() {
		invite.CreatedAt = time.Now()
	}
	return s.DB.WithContext(ctx).Create(invite).Error
}

// GetInvite loads an invite by id.
func (s *Service) GetInvite(ctx context.Context, id string) (*models.CallInvite, error) {
	var invite models.CallInvite
	err := s.DB.WithContext(ctx).Where("id = ?", id).First(&invite).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &invite, nil
}

// TransitionInvite is a compare-and-swap on status: the UPDATE only matches
// rows that are still pending, so of two racing writers exactly one wins.
func (s *Service) TransitionInvite(ctx context.Context, id string, status models.InviteStatus, respondedAt *time.Time) (*models.CallInvite, error) {
	updates := map[string]interface{}{"status": status}
	if respondedAt != nil {
		updates["responded_at"] = *respondedAt
	}

	res := s.DB.WithContext(ctx).Model(&models.CallInvite{}).
		Where("id = ? AND status = ?", id, models.InviteStatusPending).
		Updates(updates)
	if res.Error != nil {
		return nil, res.Error
	}

	invite, err := s.GetInvite(ctx, id)
	if err != nil {
		return nil, err
	}
	if res.RowsAffected == 0 {
		return invite, ErrConflict
	}
	return invite, nil
}

// ListPendingInvites returns pending invites for inviteeID created after the
// given time, oldest first.
func (s *Service) ListPendingInvites(ctx context.Context, inviteeID string, createdAfter time.Time) ([]models.CallInvite, error) {
	var invites []models.CallInvite
	err := s.DB.WithContext(ctx).
		Where("invitee_id = ? AND status = ? AND created_at >= ?", inviteeID, models.InviteStatusPending, createdAfter).
		Order("created_at asc").
		Find(&invites).Error
	if err != nil {
		return nil, err
	}
	return invites, nil
}

// ListInvitesByID loads the invites with the given ids; missing ids are skipped.
func (s *Service) ListInvitesByID(ctx context.Context, ids []string) ([]models.CallInvite, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var invites []models.CallInvite
	if err := s.DB.WithContext(ctx).Where("id IN ?", ids).Find(&invites).Error; err != nil {
		return nil, err
	}
	return invites, nil
}

// CancelStaleInvites cancels pending invites created before the cutoff and
// returns the cancelled rows.
func (s *Service) CancelStaleInvites(ctx context.Context, createdBefore time.Time) ([]models.CallInvite, error) {
	var cancelled []models.CallInvite
	err := s.DB.WithContext(ctx).Model(&cancelled).
		Clauses(clause.Returning{}).
		Where("status = ? AND created_at < ?", models.InviteStatusPending, createdBefore).
		Update("status", models.InviteStatusCancelled).Error
	if err != nil {
		return nil, err
	}
	return cancelled, nil
}
