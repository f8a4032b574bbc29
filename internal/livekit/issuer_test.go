package livekit_test

import (
	"classmate/backend/internal/config"
	"classmate/backend/internal/livekit"
	"classmate/backend/internal/models"
	"classmate/backend/internal/storage"
	"classmate/backend/internal/storage/storagetest"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var issuedAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newIssuer(store *storagetest.MockStorage) *livekit.Issuer {
	cfg := &config.Config{
		LiveKitAPIKey:    "APIkey",
		LiveKitAPISecret: "secret-secret-secret",
		LiveKitURL:       "wss://media.example.test",
	}
	return livekit.NewIssuer(cfg, store).WithClock(func() time.Time { return issuedAt })
}

func TestRequestToken_ListenerCannotPublish(t *testing.T) {
	store := new(storagetest.MockStorage)
	store.On("StudyRoomRole", "r1", "alice").Return(models.RoleSpeaker, true, nil)
	store.On("GetProfile", "alice").Return(&models.Profile{ID: "alice", DisplayName: "Alice"}, nil)
	issuer := newIssuer(store)

	tok, err := issuer.RequestToken(context.Background(), "alice", livekit.TokenRequest{
		RoomName:    "sr:r1",
		ContextType: models.ContextStudyRoom,
		ContextID:   "r1",
		Role:        models.RoleListener,
	})
	require.NoError(t, err)
	assert.Equal(t, models.RoleListener, tok.Role)
	assert.Equal(t, "alice", tok.Identity)
	assert.Equal(t, "Alice", tok.Name)
	assert.Equal(t, "wss://media.example.test", tok.URL)
	assert.Equal(t, issuedAt.Add(time.Hour), tok.ExpiresAt)

	claims, err := issuer.ParseToken(tok.Token)
	require.NoError(t, err)
	require.NotNil(t, claims.Video)
	assert.False(t, claims.Video.Publishes())
	assert.True(t, claims.Video.Subscribes())
	assert.True(t, claims.Video.PublishesData())
	assert.Equal(t, "sr:r1", claims.Video.Room)
	assert.Equal(t, "alice", claims.Subject)
	assert.Equal(t, "APIkey", claims.Issuer)
	assert.Equal(t, config.MediaTokenTTL, claims.ExpiresAt.Sub(claims.NotBefore.Time))
	store.AssertExpectations(t)
}

func TestRequestToken_SpeakerCanPublish(t *testing.T) {
	store := new(storagetest.MockStorage)
	store.On("IsGroupMember", "g1", "alice").Return(true, nil)
	store.On("GetProfile", "alice").Return(&models.Profile{ID: "alice", DisplayName: "Alice"}, nil)
	issuer := newIssuer(store)

	tok, err := issuer.RequestToken(context.Background(), "alice", livekit.TokenRequest{
		RoomName:    "gc:g1",
		ContextType: models.ContextGroup,
		ContextID:   "g1",
		Role:        models.RoleSpeaker,
	})
	require.NoError(t, err)

	claims, err := issuer.ParseToken(tok.Token)
	require.NoError(t, err)
	assert.True(t, claims.Video.Publishes())
	assert.True(t, claims.Video.Subscribes())
}

func TestRequestToken_StudyRoomRoleCappedByMembership(t *testing.T) {
	store := new(storagetest.MockStorage)
	store.On("StudyRoomRole", "r1", "bob").Return(models.RoleListener, true, nil)
	store.On("GetProfile", "bob").Return(&models.Profile{ID: "bob", DisplayName: "Bob"}, nil)
	issuer := newIssuer(store)

	tok, err := issuer.RequestToken(context.Background(), "bob", livekit.TokenRequest{
		RoomName:    "sr:r1",
		ContextType: models.ContextStudyRoom,
		ContextID:   "r1",
		Role:        models.RoleHost,
	})
	require.NoError(t, err)
	assert.Equal(t, models.RoleListener, tok.Role, "a listener cannot ask for host rights")
}

func TestRequestToken_DMBothParticipants(t *testing.T) {
	store := new(storagetest.MockStorage)
	store.On("GetProfile", "alice").Return(&models.Profile{ID: "alice", DisplayName: "Alice"}, nil)
	store.On("GetProfile", "bob").Return(&models.Profile{ID: "bob", DisplayName: "Bob"}, nil)
	issuer := newIssuer(store)

	room, err := livekit.DeriveRoomName(models.ContextDM, "bob", "alice")
	require.NoError(t, err)

	for caller, peer := range map[string]string{"alice": "bob", "bob": "alice"} {
		tok, err := issuer.RequestToken(context.Background(), caller, livekit.TokenRequest{
			RoomName:    room,
			ContextType: models.ContextDM,
			ContextID:   peer,
		})
		require.NoError(t, err, caller)
		assert.Equal(t, models.RoleSpeaker, tok.Role)
		assert.Equal(t, room, tok.RoomName)
	}
}

func TestRequestToken_Errors(t *testing.T) {
	tests := []struct {
		name    string
		caller  string
		req     livekit.TokenRequest
		setup   func(*storagetest.MockStorage)
		wantErr error
	}{
		{
			name:    "unauthenticated",
			caller:  "",
			req:     livekit.TokenRequest{RoomName: "gc:g1", ContextType: models.ContextGroup, ContextID: "g1"},
			wantErr: livekit.ErrUnauthenticated,
		},
		{
			name:    "dm outsider",
			caller:  "mallory",
			req:     livekit.TokenRequest{RoomName: "dm:alice:bob", ContextType: models.ContextDM, ContextID: "bob"},
			wantErr: livekit.ErrAccessDenied,
		},
		{
			name:   "not a group member",
			caller: "mallory",
			req:    livekit.TokenRequest{RoomName: "gc:g1", ContextType: models.ContextGroup, ContextID: "g1"},
			setup: func(s *storagetest.MockStorage) {
				s.On("IsGroupMember", "g1", "mallory").Return(false, nil)
			},
			wantErr: livekit.ErrAccessDenied,
		},
		{
			name:    "room does not match context id",
			caller:  "alice",
			req:     livekit.TokenRequest{RoomName: "gc:g2", ContextType: models.ContextGroup, ContextID: "g1"},
			wantErr: livekit.ErrAccessDenied,
		},
		{
			name:   "not a study room member",
			caller: "mallory",
			req:    livekit.TokenRequest{RoomName: "sr:r1", ContextType: models.ContextStudyRoom, ContextID: "r1"},
			setup: func(s *storagetest.MockStorage) {
				s.On("StudyRoomRole", "r1", "mallory").Return(models.ParticipantRole(""), false, nil)
			},
			wantErr: livekit.ErrAccessDenied,
		},
		{
			name:    "malformed room",
			caller:  "alice",
			req:     livekit.TokenRequest{RoomName: "dm:bob:alice", ContextType: models.ContextDM, ContextID: "bob"},
			wantErr: livekit.ErrInvalidRequest,
		},
		{
			name:    "context type mismatch",
			caller:  "alice",
			req:     livekit.TokenRequest{RoomName: "gc:g1", ContextType: models.ContextStudyRoom, ContextID: "g1"},
			wantErr: livekit.ErrInvalidRequest,
		},
		{
			name:    "unknown role",
			caller:  "alice",
			req:     livekit.TokenRequest{RoomName: "gc:g1", ContextType: models.ContextGroup, ContextID: "g1", Role: "owner"},
			wantErr: livekit.ErrInvalidRequest,
		},
		{
			name:   "profile missing",
			caller: "alice",
			req:    livekit.TokenRequest{RoomName: "gc:g1", ContextType: models.ContextGroup, ContextID: "g1"},
			setup: func(s *storagetest.MockStorage) {
				s.On("IsGroupMember", "g1", "alice").Return(true, nil)
				s.On("GetProfile", "alice").Return(nil, storage.ErrNotFound)
			},
			wantErr: livekit.ErrProfileNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := new(storagetest.MockStorage)
			if tt.setup != nil {
				tt.setup(store)
			}
			_, err := newIssuer(store).RequestToken(context.Background(), tt.caller, tt.req)
			assert.ErrorIs(t, err, tt.wantErr)
			store.AssertExpectations(t)
		})
	}
}

func TestRequestToken_MisconfiguredBeforeAnyLookup(t *testing.T) {
	store := new(storagetest.MockStorage)
	issuer := livekit.NewIssuer(&config.Config{LiveKitAPIKey: "k"}, store)

	_, err := issuer.RequestToken(context.Background(), "alice", livekit.TokenRequest{
		RoomName: "gc:g1", ContextType: models.ContextGroup, ContextID: "g1",
	})
	assert.ErrorIs(t, err, livekit.ErrMisconfigured)
	store.AssertNotCalled(t, "IsGroupMember", "g1", "alice")
}

func TestRequestToken_StoreFailureIsNotAccessDenied(t *testing.T) {
	store := new(storagetest.MockStorage)
	store.On("IsGroupMember", "g1", "alice").Return(false, errors.New("connection reset"))

	_, err := newIssuer(store).RequestToken(context.Background(), "alice", livekit.TokenRequest{
		RoomName: "gc:g1", ContextType: models.ContextGroup, ContextID: "g1",
	})
	require.Error(t, err)
	assert.False(t, errors.Is(err, livekit.ErrAccessDenied))
}

func TestParseToken_RejectsForeignSecret(t *testing.T) {
	store := new(storagetest.MockStorage)
	store.On("IsGroupMember", "g1", "alice").Return(true, nil)
	store.On("GetProfile", "alice").Return(&models.Profile{ID: "alice"}, nil)

	tok, err := newIssuer(store).RequestToken(context.Background(), "alice", livekit.TokenRequest{
		RoomName: "gc:g1", ContextType: models.ContextGroup, ContextID: "g1",
	})
	require.NoError(t, err)

	other := livekit.NewIssuer(&config.Config{
		LiveKitAPIKey: "APIkey", LiveKitAPISecret: "another-secret", LiveKitURL: "wss://x",
	}, store).WithClock(func() time.Time { return issuedAt })
	_, err = other.ParseToken(tok.Token)
	assert.Error(t, err)
}
