package invite_test

import (
	"classmate/backend/internal/config"
	"classmate/backend/internal/invite"
	"classmate/backend/internal/models"
	"classmate/backend/internal/pubsub"
	"classmate/backend/internal/storage"
	"classmate/backend/internal/storage/storagetest"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

var (
	alice = &models.Profile{ID: "alice", DisplayName: "Alice", AvatarURL: "a.png"}
	bob   = &models.Profile{ID: "bob", DisplayName: "Bob"}
)

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func receive(t *testing.T, ch <-chan models.Envelope) models.Envelope {
	t.Helper()
	select {
	case env := <-ch:
		return env
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for envelope")
		return models.Envelope{}
	}
}

type recordingNotifier struct {
	invites []models.CallInvite
}

func (n *recordingNotifier) NotifyIncoming(ctx context.Context, inv models.CallInvite, invitee *models.Profile) {
	n.invites = append(n.invites, inv)
}

func TestCreateInvite_DM(t *testing.T) {
	bus := pubsub.NewMemoryBus()
	feed, cancel, err := bus.Subscribe(context.Background(), config.InviteTopic("bob"))
	require.NoError(t, err)
	defer cancel()

	store := newMemStore(alice, bob)
	notifier := &recordingNotifier{}
	svc := invite.NewService(store, bus, notifier).WithClock(fixedClock(t0))

	inv, err := svc.CreateInvite(context.Background(), "alice", invite.CreateRequest{
		InviteeID:   "bob",
		CallType:    models.CallTypeVideo,
		ContextType: models.ContextDM,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, inv.ID)
	assert.Equal(t, models.InviteStatusPending, inv.Status)
	assert.Equal(t, "dm:alice:bob", inv.RoomName)
	assert.Equal(t, "bob", inv.ContextID)
	assert.Equal(t, "Alice", inv.InviterName)
	assert.Equal(t, "a.png", inv.InviterAvatar)
	assert.Equal(t, t0, inv.CreatedAt)

	env := receive(t, feed)
	assert.Equal(t, models.EventInviteCreated, env.Event)
	var got models.CallInvite
	require.NoError(t, env.Decode(&got))
	assert.Equal(t, inv.ID, got.ID)

	require.Len(t, notifier.invites, 1)
	assert.Equal(t, inv.ID, notifier.invites[0].ID)
}

func TestCreateInvite_UnknownInviteeWritesNothing(t *testing.T) {
	store := new(storagetest.MockStorage)
	store.On("GetProfile", "alice").Return(alice, nil)
	store.On("GetProfile", "ghost").Return(nil, storage.ErrNotFound)
	svc := invite.NewService(store, pubsub.NewMemoryBus(), nil)

	_, err := svc.CreateInvite(context.Background(), "alice", invite.CreateRequest{
		InviteeID: "ghost", CallType: models.CallTypeVoice, ContextType: models.ContextDM,
	})
	assert.ErrorIs(t, err, invite.ErrUnknownProfile)
	store.AssertNotCalled(t, "CreateInvite", mock.Anything)
}

func TestCreateInvite_ProfileLookupFailureAborts(t *testing.T) {
	store := new(storagetest.MockStorage)
	store.On("GetProfile", "alice").Return(nil, errors.New("db down"))
	svc := invite.NewService(store, pubsub.NewMemoryBus(), nil)

	_, err := svc.CreateInvite(context.Background(), "alice", invite.CreateRequest{
		InviteeID: "bob", CallType: models.CallTypeVoice, ContextType: models.ContextDM,
	})
	assert.ErrorIs(t, err, invite.ErrUnknownProfile)
	store.AssertNotCalled(t, "CreateInvite", mock.Anything)
}

func TestCreateInvite_Validation(t *testing.T) {
	blocked := &models.Profile{ID: "carol", BlockedCallers: []string{"alice"}}
	store := newMemStore(alice, bob, blocked)
	svc := invite.NewService(store, pubsub.NewMemoryBus(), nil)

	tests := []struct {
		name    string
		req     invite.CreateRequest
		wantErr error
	}{
		{"self call", invite.CreateRequest{InviteeID: "alice", CallType: models.CallTypeVoice, ContextType: models.ContextDM}, invite.ErrInvalidInvite},
		{"bad call type", invite.CreateRequest{InviteeID: "bob", CallType: "hologram", ContextType: models.ContextDM}, invite.ErrInvalidInvite},
		{"bad context", invite.CreateRequest{InviteeID: "bob", CallType: models.CallTypeVoice, ContextType: "forum"}, invite.ErrInvalidInvite},
		{"group without id", invite.CreateRequest{InviteeID: "bob", CallType: models.CallTypeVoice, ContextType: models.ContextGroup}, invite.ErrInvalidInvite},
		{"room mismatch", invite.CreateRequest{InviteeID: "bob", CallType: models.CallTypeVoice, ContextType: models.ContextDM, RoomName: "dm:alice:mallory"}, invite.ErrInvalidInvite},
		{"blocked", invite.CreateRequest{InviteeID: "carol", CallType: models.CallTypeVoice, ContextType: models.ContextDM}, invite.ErrBlocked},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreateInvite(context.Background(), "alice", tt.req)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
	assert.Empty(t, store.invites)
}

func TestCreateInvite_StudyRoomUsesContextRoom(t *testing.T) {
	store := newMemStore(alice, bob)
	store.join("r7", "alice", "bob")
	svc := invite.NewService(store, pubsub.NewMemoryBus(), nil)

	inv, err := svc.CreateInvite(context.Background(), "alice", invite.CreateRequest{
		InviteeID: "bob", CallType: models.CallTypeVoice, ContextType: models.ContextStudyRoom, ContextID: "r7",
	})
	require.NoError(t, err)
	assert.Equal(t, "sr:r7", inv.RoomName)
}

func TestCreateInvite_RequiresContextMembership(t *testing.T) {
	store := newMemStore(alice, bob)
	store.join("g1", "alice", "bob")
	store.join("g2", "alice")
	store.join("r1", "bob")
	svc := invite.NewService(store, pubsub.NewMemoryBus(), nil)

	tests := []struct {
		name    string
		req     invite.CreateRequest
		wantErr error
	}{
		{"both in group", invite.CreateRequest{InviteeID: "bob", CallType: models.CallTypeVoice, ContextType: models.ContextGroup, ContextID: "g1"}, nil},
		{"invitee outside group", invite.CreateRequest{InviteeID: "bob", CallType: models.CallTypeVoice, ContextType: models.ContextGroup, ContextID: "g2"}, invite.ErrNotInContext},
		{"inviter outside study room", invite.CreateRequest{InviteeID: "bob", CallType: models.CallTypeVideo, ContextType: models.ContextStudyRoom, ContextID: "r1"}, invite.ErrNotInContext},
		{"unknown group", invite.CreateRequest{InviteeID: "bob", CallType: models.CallTypeVoice, ContextType: models.ContextGroup, ContextID: "g404"}, invite.ErrNotInContext},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreateInvite(context.Background(), "alice", tt.req)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
	assert.Len(t, store.invites, 1, "only the valid group call is stored")
}

func TestCreateInvite_MembershipLookupFails(t *testing.T) {
	store := new(storagetest.MockStorage)
	store.On("GetProfile", "alice").Return(alice, nil)
	store.On("GetProfile", "bob").Return(bob, nil)
	store.On("IsGroupMember", "g1", "alice").Return(false, errors.New("db down"))
	svc := invite.NewService(store, pubsub.NewMemoryBus(), nil)

	_, err := svc.CreateInvite(context.Background(), "alice", invite.CreateRequest{
		InviteeID: "bob", CallType: models.CallTypeVoice, ContextType: models.ContextGroup, ContextID: "g1",
	})
	assert.ErrorContains(t, err, "db down")
	assert.NotErrorIs(t, err, invite.ErrNotInContext)
	store.AssertNotCalled(t, "CreateInvite", mock.Anything)
}

func pendingInvite(id string, created time.Time) models.CallInvite {
	return models.CallInvite{
		ID: id, InviterID: "alice", InviteeID: "bob", Status: models.InviteStatusPending,
		CallType: models.CallTypeVoice, RoomName: "dm:alice:bob", ContextType: models.ContextDM,
		ContextID: "bob", CreatedAt: created,
	}
}

func TestRespond_AcceptStampsRespondedAt(t *testing.T) {
	bus := pubsub.NewMemoryBus()
	inviterFeed, cancel, err := bus.Subscribe(context.Background(), config.InviteTopic("alice"))
	require.NoError(t, err)
	defer cancel()

	store := newMemStore(alice, bob)
	store.put(pendingInvite("inv-1", t0))
	now := t0.Add(5 * time.Second)
	svc := invite.NewService(store, bus, nil).WithClock(fixedClock(now))

	inv, err := svc.Respond(context.Background(), "inv-1", "bob", true)
	require.NoError(t, err)
	assert.Equal(t, models.InviteStatusAccepted, inv.Status)
	require.NotNil(t, inv.RespondedAt)
	assert.Equal(t, now, *inv.RespondedAt)

	env := receive(t, inviterFeed)
	assert.Equal(t, models.EventInviteUpdated, env.Event)
}

func TestRespond_Decline(t *testing.T) {
	store := newMemStore(alice, bob)
	store.put(pendingInvite("inv-1", t0))
	svc := invite.NewService(store, pubsub.NewMemoryBus(), nil).WithClock(fixedClock(t0.Add(time.Second)))

	inv, err := svc.Respond(context.Background(), "inv-1", "bob", false)
	require.NoError(t, err)
	assert.Equal(t, models.InviteStatusDeclined, inv.Status)
}

func TestRespond_Rejections(t *testing.T) {
	store := newMemStore(alice, bob)
	store.put(pendingInvite("fresh", t0))
	store.put(pendingInvite("old", t0.Add(-2*time.Minute)))
	done := pendingInvite("done", t0)
	done.Status = models.InviteStatusCancelled
	store.put(done)
	svc := invite.NewService(store, pubsub.NewMemoryBus(), nil).WithClock(fixedClock(t0.Add(time.Second)))

	_, err := svc.Respond(context.Background(), "fresh", "alice", true)
	assert.ErrorIs(t, err, invite.ErrNotParticipant, "the inviter cannot accept their own call")

	_, err = svc.Respond(context.Background(), "done", "bob", true)
	assert.ErrorIs(t, err, invite.ErrInviteNotPending)

	_, err = svc.Respond(context.Background(), "old", "bob", true)
	assert.ErrorIs(t, err, invite.ErrInviteStale)

	_, err = svc.Respond(context.Background(), "missing", "bob", true)
	assert.ErrorIs(t, err, invite.ErrInviteNotFound)
}

func TestCancel_OnlyInviter(t *testing.T) {
	bus := pubsub.NewMemoryBus()
	inviteeFeed, cancel, err := bus.Subscribe(context.Background(), config.InviteTopic("bob"))
	require.NoError(t, err)
	defer cancel()

	store := newMemStore(alice, bob)
	store.put(pendingInvite("inv-1", t0))
	svc := invite.NewService(store, bus, nil).WithClock(fixedClock(t0))

	_, err = svc.Cancel(context.Background(), "inv-1", "bob")
	assert.ErrorIs(t, err, invite.ErrNotParticipant)

	inv, err := svc.Cancel(context.Background(), "inv-1", "alice")
	require.NoError(t, err)
	assert.Equal(t, models.InviteStatusCancelled, inv.Status)
	assert.Nil(t, inv.RespondedAt)

	env := receive(t, inviteeFeed)
	var got models.CallInvite
	require.NoError(t, env.Decode(&got))
	assert.Equal(t, models.InviteStatusCancelled, got.Status)
}

func TestCancelAcceptRace_ExactlyOneWins(t *testing.T) {
	store := newMemStore(alice, bob)
	store.put(pendingInvite("inv-1", t0))
	svc := invite.NewService(store, pubsub.NewMemoryBus(), nil).WithClock(fixedClock(t0.Add(time.Second)))

	type result struct {
		inv *models.CallInvite
		err error
	}
	results := make(chan result, 2)
	go func() {
		inv, err := svc.Cancel(context.Background(), "inv-1", "alice")
		results <- result{inv, err}
	}()
	go func() {
		inv, err := svc.Respond(context.Background(), "inv-1", "bob", true)
		results <- result{inv, err}
	}()

	first, second := <-results, <-results
	wins := 0
	for _, r := range []result{first, second} {
		if r.err == nil {
			wins++
		} else {
			assert.ErrorIs(t, r.err, invite.ErrInviteNotPending)
		}
	}
	assert.Equal(t, 1, wins)

	final, err := store.GetInvite(context.Background(), "inv-1")
	require.NoError(t, err)
	assert.True(t, final.IsTerminal())
}

func TestTransitionConflictFromStore(t *testing.T) {
	pending := pendingInvite("inv-1", t0)
	cancelled := pending
	cancelled.Status = models.InviteStatusCancelled

	store := new(storagetest.MockStorage)
	store.On("GetInvite", "inv-1").Return(&pending, nil)
	store.On("TransitionInvite", "inv-1", models.InviteStatusAccepted, mock.Anything).Return(&cancelled, storage.ErrConflict)
	svc := invite.NewService(store, pubsub.NewMemoryBus(), nil).WithClock(fixedClock(t0.Add(time.Second)))

	inv, err := svc.Respond(context.Background(), "inv-1", "bob", true)
	assert.ErrorIs(t, err, invite.ErrInviteNotPending)
	assert.Equal(t, models.InviteStatusCancelled, inv.Status, "caller learns the winning status")
}

func TestExpireStale(t *testing.T) {
	expired := []models.CallInvite{pendingInvite("a", t0.Add(-2*time.Minute)), pendingInvite("b", t0.Add(-3*time.Minute))}
	for i := range expired {
		expired[i].Status = models.InviteStatusCancelled
	}
	store := new(storagetest.MockStorage)
	store.On("CancelStaleInvites", t0.Add(-time.Minute)).Return(expired, nil)
	svc := invite.NewService(store, pubsub.NewMemoryBus(), nil).WithClock(fixedClock(t0))

	n, err := svc.ExpireStale(context.Background(), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	store.AssertExpectations(t)
}

func TestExpireStale_PublishesToBothParties(t *testing.T) {
	store := newMemStore(alice, bob)
	store.put(pendingInvite("old", t0.Add(-2*time.Minute)))
	store.put(pendingInvite("fresh", t0.Add(-10*time.Second)))
	bus := pubsub.NewMemoryBus()
	ctx := context.Background()

	callerFeed, stopCaller, err := bus.Subscribe(ctx, config.InviteTopic("alice"))
	require.NoError(t, err)
	defer stopCaller()
	calleeFeed, stopCallee, err := bus.Subscribe(ctx, config.InviteTopic("bob"))
	require.NoError(t, err)
	defer stopCallee()

	svc := invite.NewService(store, bus, nil).WithClock(fixedClock(t0))
	n, err := svc.ExpireStale(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	for _, feed := range []<-chan models.Envelope{callerFeed, calleeFeed} {
		env := receive(t, feed)
		assert.Equal(t, models.EventInviteUpdated, env.Event)
		var inv models.CallInvite
		require.NoError(t, env.Decode(&inv))
		assert.Equal(t, "old", inv.ID)
		assert.Equal(t, models.InviteStatusCancelled, inv.Status)
	}

	fresh, err := store.GetInvite(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, models.InviteStatusPending, fresh.Status)
}

func TestPendingFor(t *testing.T) {
	store := newMemStore(alice, bob)
	store.put(pendingInvite("fresh", t0.Add(-10*time.Second)))
	store.put(pendingInvite("old", t0.Add(-5*time.Minute)))
	svc := invite.NewService(store, pubsub.NewMemoryBus(), nil).WithClock(fixedClock(t0))

	list, err := svc.PendingFor(context.Background(), "bob")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "fresh", list[0].ID)
}
