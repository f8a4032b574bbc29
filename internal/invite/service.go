// Package invite owns the call invite lifecycle: creation, the pending ->
// accepted|declined|cancelled state machine, and at-most-once delivery of
// incoming invites to the invitee.
package invite

import (
	"classmate/backend/internal/config"
	"classmate/backend/internal/livekit"
	"classmate/backend/internal/logging"
	"classmate/backend/internal/metrics"
	"classmate/backend/internal/models"
	"classmate/backend/internal/pubsub"
	"classmate/backend/internal/storage"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

var (
	ErrInviteNotFound   = errors.New("invite: not found")
	ErrInviteNotPending = errors.New("invite: no longer pending")
	ErrInviteStale      = errors.New("invite: expired")
	ErrNotParticipant   = errors.New("invite: caller is not allowed to change this invite")
	ErrUnknownProfile   = errors.New("invite: participant could not be resolved")
	ErrBlocked          = errors.New("invite: invitee does not accept calls from this caller")
	ErrInvalidInvite    = errors.New("invite: invalid request")
	ErrNotInContext     = errors.New("invite: both participants must belong to the group or study room")
)

// Store is the persistence the invite service needs.
type Store interface {
	storage.ProfileStore
	storage.InviteStore
}

// Notifier is told about every new invite, e.g. to reach an invitee who is
// offline. Implementations must not block.
type Notifier interface {
	NotifyIncoming(ctx context.Context, invite models.CallInvite, invitee *models.Profile)
}

// CreateRequest describes a call attempt from the authenticated inviter.
type CreateRequest struct {
	InviteeID   string             `json:"invitee_id" binding:"required"`
	SessionID   *string            `json:"session_id"`
	CallType    models.CallType    `json:"call_type" binding:"required"`
	ContextType models.ContextType `json:"context_type" binding:"required"`
	// ContextID is the group or study room id. For DMs it defaults to the invitee.
	ContextID string `json:"context_id"`
	// RoomName is optional; when set it must match the derived name.
	RoomName string `json:"room_name"`
}

// Service creates and transitions invites.
type Service struct {
	store      Store
	bus        pubsub.Bus
	notifier   Notifier
	staleAfter time.Duration
	now        func() time.Time
	logger     zerolog.Logger
}

// NewService creates an invite service. notifier may be nil.
func NewService(store Store, bus pubsub.Bus, notifier Notifier) *Service {
	return &Service{
		store:      store,
		bus:        bus,
		notifier:   notifier,
		staleAfter: config.InviteStaleAfter,
		now:        time.Now,
		logger:     logging.Component("invite"),
	}
}

// WithClock replaces the time source; used by tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// CreateInvite resolves both participants and inserts a pending invite. Group
// and study room calls also require both sides to be members of the context.
// Any lookup failure aborts before a row is written.
func (s *Service) CreateInvite(ctx context.Context, inviterID string, req CreateRequest) (*models.CallInvite, error) {
	if inviterID == "" || req.InviteeID == "" || inviterID == req.InviteeID {
		return nil, fmt.Errorf("%w: inviter and invitee must be two different people", ErrInvalidInvite)
	}
	if !req.CallType.Valid() {
		return nil, fmt.Errorf("%w: unknown call type %q", ErrInvalidInvite, req.CallType)
	}
	if !req.ContextType.Valid() {
		return nil, fmt.Errorf("%w: unknown context type %q", ErrInvalidInvite, req.ContextType)
	}

	contextID := req.ContextID
	var roomName string
	var err error
	if req.ContextType == models.ContextDM {
		if contextID == "" {
			contextID = req.InviteeID
		}
		roomName, err = livekit.DeriveRoomName(models.ContextDM, inviterID, req.InviteeID)
	} else {
		roomName, err = livekit.DeriveRoomName(req.ContextType, contextID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInvite, err)
	}
	if req.RoomName != "" && req.RoomName != roomName {
		return nil, fmt.Errorf("%w: room %q does not belong to this context", ErrInvalidInvite, req.RoomName)
	}

	inviter, err := s.resolve(ctx, inviterID)
	if err != nil {
		return nil, err
	}
	invitee, err := s.resolve(ctx, req.InviteeID)
	if err != nil {
		return nil, err
	}
	if invitee.HasBlocked(inviterID) {
		return nil, ErrBlocked
	}
	if err := s.checkMembership(ctx, req.ContextType, contextID, inviterID, req.InviteeID); err != nil {
		return nil, err
	}

	invite := &models.CallInvite{
		SessionID:     req.SessionID,
		InviterID:     inviterID,
		InviteeID:     req.InviteeID,
		Status:        models.InviteStatusPending,
		CallType:      req.CallType,
		RoomName:      roomName,
		ContextType:   req.ContextType,
		ContextID:     contextID,
		InviterName:   inviter.DisplayName,
		InviterAvatar: inviter.AvatarURL,
		CreatedAt:     s.now(),
	}
	if err := s.store.CreateInvite(ctx, invite); err != nil {
		return nil, fmt.Errorf("create invite: %w", err)
	}
	metrics.InvitesCreated.WithLabelValues(string(invite.CallType)).Inc()
	s.logger.Info().Str("invite_id", invite.ID).Str("inviter", inviterID).Str("invitee", invite.InviteeID).
		Str("room", roomName).Msg("Call invite created")

	s.publish(ctx, models.EventInviteCreated, *invite, invite.InviteeID, invite.InviterID)
	if s.notifier != nil {
		s.notifier.NotifyIncoming(ctx, *invite, invitee)
	}
	return invite, nil
}

// Respond lets the invitee accept or decline a pending invite.
func (s *Service) Respond(ctx context.Context, inviteID, responder string, accept bool) (*models.CallInvite, error) {
	invite, err := s.load(ctx, inviteID)
	if err != nil {
		return nil, err
	}
	if invite.InviteeID != responder {
		return nil, ErrNotParticipant
	}
	if invite.IsTerminal() {
		return invite, ErrInviteNotPending
	}
	now := s.now()
	if invite.IsStale(now, s.staleAfter) {
		return invite, ErrInviteStale
	}

	status := models.InviteStatusDeclined
	if accept {
		status = models.InviteStatusAccepted
	}
	return s.transition(ctx, invite, status, &now)
}

// Cancel lets the inviter withdraw a pending invite.
func (s *Service) Cancel(ctx context.Context, inviteID, actor string) (*models.CallInvite, error) {
	invite, err := s.load(ctx, inviteID)
	if err != nil {
		return nil, err
	}
	if invite.InviterID != actor {
		return nil, ErrNotParticipant
	}
	if invite.IsTerminal() {
		return invite, ErrInviteNotPending
	}
	return s.transition(ctx, invite, models.InviteStatusCancelled, nil)
}

// PendingFor lists the invites still ringing for invitee.
func (s *Service) PendingFor(ctx context.Context, inviteeID string) ([]models.CallInvite, error) {
	return s.store.ListPendingInvites(ctx, inviteeID, s.now().Add(-s.staleAfter))
}

// ExpireStale cancels pending invites older than olderThan and publishes
// the cancellation to both parties, which ends any ringing or ringback.
func (s *Service) ExpireStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	expired, err := s.store.CancelStaleInvites(ctx, s.now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("expire invites: %w", err)
	}
	for _, inv := range expired {
		s.publish(ctx, models.EventInviteUpdated, inv, inv.InviteeID, inv.InviterID)
	}
	n := int64(len(expired))
	if n > 0 {
		metrics.InviteTransitions.WithLabelValues(string(models.InviteStatusCancelled), "expired").Add(float64(n))
		s.logger.Info().Int64("count", n).Msg("Expired stale invites")
	}
	return n, nil
}

func (s *Service) transition(ctx context.Context, invite *models.CallInvite, status models.InviteStatus, respondedAt *time.Time) (*models.CallInvite, error) {
	updated, err := s.store.TransitionInvite(ctx, invite.ID, status, respondedAt)
	if errors.Is(err, storage.ErrConflict) {
		metrics.InviteTransitions.WithLabelValues(string(status), "conflict").Inc()
		if updated == nil {
			updated = invite
		}
		s.logger.Info().Str("invite_id", invite.ID).Str("wanted", string(status)).
			Str("current", string(updated.Status)).Msg("Invite transition lost the race")
		return updated, ErrInviteNotPending
	}
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrInviteNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update invite: %w", err)
	}
	metrics.InviteTransitions.WithLabelValues(string(status), "ok").Inc()

	s.publish(ctx, models.EventInviteUpdated, *updated, updated.InviteeID, updated.InviterID)
	return updated, nil
}

func (s *Service) publish(ctx context.Context, event string, invite models.CallInvite, recipients ...string) {
	for _, id := range recipients {
		topic := config.InviteTopic(id)
		env, err := models.NewEnvelope(event, topic, invite.InviterID, invite)
		if err != nil {
			s.logger.Error().Err(err).Msg("Failed to encode invite event")
			return
		}
		// The poll path still delivers if this fails.
		if err := s.bus.Publish(ctx, topic, env); err != nil {
			s.logger.Warn().Err(err).Str("topic", topic).Msg("Invite publish failed")
		}
	}
}

func (s *Service) checkMembership(ctx context.Context, contextType models.ContextType, contextID string, ids ...string) error {
	for _, id := range ids {
		var member bool
		var err error
		switch contextType {
		case models.ContextGroup:
			member, err = s.store.IsGroupMember(ctx, contextID, id)
		case models.ContextStudyRoom:
			_, member, err = s.store.StudyRoomRole(ctx, contextID, id)
		default:
			return nil
		}
		if err != nil {
			return fmt.Errorf("check membership of %s: %w", id, err)
		}
		if !member {
			return fmt.Errorf("%w: %s is not in %s %s", ErrNotInContext, id, contextType, contextID)
		}
	}
	return nil
}

func (s *Service) resolve(ctx context.Context, id string) (*models.Profile, error) {
	profile, err := s.store.GetProfile(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProfile, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnknownProfile, id, err)
	}
	return profile, nil
}

func (s *Service) load(ctx context.Context, id string) (*models.CallInvite, error) {
	invite, err := s.store.GetInvite(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrInviteNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load invite: %w", err)
	}
	return invite, nil
}
