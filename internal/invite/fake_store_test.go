package invite_test

import (
	"classmate/backend/internal/models"
	"classmate/backend/internal/storage"
	"context"
	"sync"
	"time"
)

// memStore is an in-memory invite.Store with the same compare-and-swap
// semantics as the Postgres implementation.
type memStore struct {
	mu       sync.Mutex
	profiles map[string]*models.Profile
	invites  map[string]*models.CallInvite
	// members maps a group or study room id to its member ids.
	members map[string]map[string]bool
	polls   int
}

func newMemStore(profiles ...*models.Profile) *memStore {
	s := &memStore{
		profiles: make(map[string]*models.Profile),
		invites:  make(map[string]*models.CallInvite),
		members:  make(map[string]map[string]bool),
	}
	for _, p := range profiles {
		s.profiles[p.ID] = p
	}
	return s
}

func (s *memStore) GetProfile(ctx context.Context, id string) (*models.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return p, nil
}

// join adds profile ids to a group or study room.
func (s *memStore) join(contextID string, ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.members[contextID] == nil {
		s.members[contextID] = make(map[string]bool)
	}
	for _, id := range ids {
		s.members[contextID][id] = true
	}
}

func (s *memStore) IsGroupMember(ctx context.Context, groupID, profileID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.members[groupID][profileID], nil
}

func (s *memStore) StudyRoomRole(ctx context.Context, roomID, profileID string) (models.ParticipantRole, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.members[roomID][profileID] {
		return "", false, nil
	}
	return models.RoleSpeaker, true, nil
}

func (s *memStore) CreateInvite(ctx context.Context, invite *models.CallInvite) error {
	if err := invite.BeforeCreate(nil); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *invite
	s.invites[invite.ID] = &cp
	return nil
}

// put inserts or replaces an invite directly, bypassing the service.
func (s *memStore) put(invite models.CallInvite) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invites[invite.ID] = &invite
}

func (s *memStore) GetInvite(ctx context.Context, id string) (*models.CallInvite, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invites[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *inv
	return &cp, nil
}

func (s *memStore) TransitionInvite(ctx context.Context, id string, status models.InviteStatus, respondedAt *time.Time) (*models.CallInvite, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invites[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if inv.Status != models.InviteStatusPending {
		cp := *inv
		return &cp, storage.ErrConflict
	}
	inv.Status = status
	if respondedAt != nil {
		at := *respondedAt
		inv.RespondedAt = &at
	}
	cp := *inv
	return &cp, nil
}

func (s *memStore) ListPendingInvites(ctx context.Context, inviteeID string, createdAfter time.Time) ([]models.CallInvite, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.polls++
	var out []models.CallInvite
	for _, inv := range s.invites {
		if inv.InviteeID == inviteeID && inv.Status == models.InviteStatusPending && !inv.CreatedAt.Before(createdAfter) {
			out = append(out, *inv)
		}
	}
	return out, nil
}

func (s *memStore) ListInvitesByID(ctx context.Context, ids []string) ([]models.CallInvite, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.CallInvite
	for _, id := range ids {
		if inv, ok := s.invites[id]; ok {
			out = append(out, *inv)
		}
	}
	return out, nil
}

func (s *memStore) CancelStaleInvites(ctx context.Context, createdBefore time.Time) ([]models.CallInvite, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.CallInvite
	for _, inv := range s.invites {
		if inv.Status == models.InviteStatusPending && inv.CreatedAt.Before(createdBefore) {
			inv.Status = models.InviteStatusCancelled
			out = append(out, *inv)
		}
	}
	return out, nil
}

func (s *memStore) pollCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.polls
}
