// Package storagetest provides a testify mock of storage.Storage.
package storagetest

import (
	"classmate/backend/internal/models"
	"classmate/backend/internal/storage"
	"context"
	"time"

	"github.com/stretchr/testify/mock"
)

var _ storage.Storage = (*MockStorage)(nil)

type MockStorage struct {
	mock.Mock
}

func (m *MockStorage) GetProfile(ctx context.Context, id string) (*models.Profile, error) {
	args := m.Called(id)
	if p, ok := args.Get(0).(*models.Profile); ok {
		return p, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockStorage) IsGroupMember(ctx context.Context, groupID, profileID string) (bool, error) {
	args := m.Called(groupID, profileID)
	return args.Bool(0), args.Error(1)
}

func (m *MockStorage) StudyRoomRole(ctx context.Context, roomID, profileID string) (models.ParticipantRole, bool, error) {
	args := m.Called(roomID, profileID)
	return args.Get(0).(models.ParticipantRole), args.Bool(1), args.Error(2)
}

func (m *MockStorage) CreateInvite(ctx context.Context, invite *models.CallInvite) error {
	args := m.Called(invite)
	return args.Error(0)
}

func (m *MockStorage) GetInvite(ctx context.Context, id string) (*models.CallInvite, error) {
	args := m.Called(id)
	if inv, ok := args.Get(0).(*models.CallInvite); ok {
		return inv, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockStorage) TransitionInvite(ctx context.Context, id string, status models.InviteStatus, respondedAt *time.Time) (*models.CallInvite, error) {
	args := m.Called(id, status, respondedAt)
	if inv, ok := args.Get(0).(*models.CallInvite); ok {
		return inv, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockStorage) ListPendingInvites(ctx context.Context, inviteeID string, createdAfter time.Time) ([]models.CallInvite, error) {
	args := m.Called(inviteeID, createdAfter)
	if list, ok := args.Get(0).([]models.CallInvite); ok {
		return list, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockStorage) ListInvitesByID(ctx context.Context, ids []string) ([]models.CallInvite, error) {
	args := m.Called(ids)
	if list, ok := args.Get(0).([]models.CallInvite); ok {
		return list, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockStorage) CancelStaleInvites(ctx context.Context, createdBefore time.Time) ([]models.CallInvite, error) {
	args := m.Called(createdBefore)
	if list, ok := args.Get(0).([]models.CallInvite); ok {
		return list, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockStorage) TouchPresence(ctx context.Context, topic, identity string, at time.Time) error {
	args := m.Called(topic, identity)
	return args.Error(0)
}

func (m *MockStorage) RemovePresence(ctx context.Context, topic, identity string) error {
	args := m.Called(topic, identity)
	return args.Error(0)
}

func (m *MockStorage) OnlineIdentities(ctx context.Context, topic string, since time.Time) ([]string, error) {
	args := m.Called(topic)
	if ids, ok := args.Get(0).([]string); ok {
		return ids, args.Error(1)
	}
	return nil, args.Error(1)
}
