package chathub

import (
	"classmate/backend/internal/config"
	"classmate/backend/internal/invite"
	"classmate/backend/internal/logging"
	"classmate/backend/internal/models"
	"classmate/backend/internal/notify"
	"classmate/backend/internal/presence"
	"classmate/backend/internal/pubsub"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	ErrUnknownEvent  = errors.New("chathub: unknown event")
	ErrBadPayload    = errors.New("chathub: malformed payload")
	ErrNotInRoom     = errors.New("chathub: not in that room")
	ErrSessionClosed = errors.New("chathub: session closed")
)

// GlobalRoom is the room key of the app-wide presence channel.
const GlobalRoom = "global"

// SessionDeps are the shared services a session talks to.
type SessionDeps struct {
	Bus     pubsub.Bus
	Invites invite.InviteReader
	Mirror  presence.Mirror

	// Presence and Typing override channel tuning; zero values use defaults.
	Presence presence.Options
	Typing   presence.TypingOptions
	Invite   invite.SubscriberOptions
}

type joinPayload struct {
	Room        string               `json:"room"`
	DisplayName string               `json:"display_name,omitempty"`
	AvatarRef   string               `json:"avatar_ref,omitempty"`
	Flags       models.PresenceFlags `json:"flags"`
	StudyTitle  *string              `json:"study_title,omitempty"`
}

type updatePayload struct {
	Room  string               `json:"room"`
	Patch models.PresencePatch `json:"patch"`
}

type roomPayload struct {
	Room string `json:"room"`
}

type typingPayload struct {
	ConversationID string `json:"conversation_id"`
	IsTyping       bool   `json:"is_typing"`
}

// SyncPayload is sent with presence.sync.
type SyncPayload struct {
	Room         string                  `json:"room"`
	Participants []models.PresenceRecord `json:"participants"`
}

// TypingUpdatePayload is sent with typing.update.
type TypingUpdatePayload struct {
	ConversationID string              `json:"conversation_id"`
	Typers         []models.TypingUser `json:"typers"`
}

// TonePayload is sent with notify.tone.
type TonePayload struct {
	Tone   notify.Tone `json:"tone"`
	Action string      `json:"action"` // "play" or "stop"
	Loop   bool        `json:"loop,omitempty"`
	URL    string      `json:"url,omitempty"`
}

// VibratePayload is sent with notify.vibrate.
type VibratePayload struct {
	PatternMS []int64 `json:"pattern_ms"`
}

// ErrorPayload is sent with error.
type ErrorPayload struct {
	Event   string `json:"event,omitempty"`
	Message string `json:"message"`
}

type joinedRoom struct {
	channel *presence.Channel
	leave   func()
}

// Session is the state of one connected client: the rooms it joined, the
// conversations it watches for typing, its incoming call subscription and
// its notification player. Everything is torn down by Close.
type Session struct {
	profile models.Profile
	deps    SessionDeps
	send    func(models.Envelope) bool
	logger  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	typing *presence.Typing
	player *notify.Player

	mu          sync.Mutex
	rooms       map[string]*joinedRoom
	stopInvites func()
	ringing     map[string]bool
	outgoing    map[string]bool
	closed      bool
}

// NewSession creates the session of profile; send queues frames for the client.
func NewSession(profile models.Profile, deps SessionDeps, send func(models.Envelope) bool) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		profile:  profile,
		deps:     deps,
		send:     send,
		logger:   logging.Component("session").With().Str("user", profile.ID).Logger(),
		ctx:      ctx,
		cancel:   cancel,
		rooms:    make(map[string]*joinedRoom),
		ringing:  make(map[string]bool),
		outgoing: make(map[string]bool),
	}

	typingOpts := deps.Typing
	typingOpts.OnUpdate = func(conversationID string, typers []models.TypingUser) {
		s.emit(models.EventTypingUpdate, TypingUpdatePayload{ConversationID: conversationID, Typers: typers})
	}
	s.typing = presence.NewTyping(deps.Bus, profile.ID, profile.DisplayName, typingOpts)
	s.player = notify.NewPlayer(sessionSink{s}, sessionSink{s})
	return s
}

// Identity returns the authenticated user id.
func (s *Session) Identity() string { return s.profile.ID }

// Player returns the session's notification player.
func (s *Session) Player() *notify.Player { return s.player }

// Handle dispatches one client frame.
func (s *Session) Handle(ctx context.Context, env models.Envelope) error {
	if s.isClosed() {
		return ErrSessionClosed
	}

	switch env.Event {
	case models.EventPresenceJoin:
		var p joinPayload
		if err := decode(env, &p); err != nil {
			return err
		}
		return s.join(ctx, p)

	case models.EventPresenceUpdate:
		var p updatePayload
		if err := decode(env, &p); err != nil {
			return err
		}
		room := s.room(roomKey(p.Room))
		if room == nil {
			return ErrNotInRoom
		}
		_, err := room.channel.UpdateSelf(ctx, p.Patch)
		return err

	case models.EventPresenceLeave:
		var p roomPayload
		if err := decode(env, &p); err != nil {
			return err
		}
		return s.leave(roomKey(p.Room))

	case models.EventTypingSend:
		var p typingPayload
		if err := decode(env, &p); err != nil {
			return err
		}
		if p.ConversationID == "" {
			return fmt.Errorf("%w: conversation_id is required", ErrBadPayload)
		}
		return s.typing.SendTyping(ctx, p.ConversationID, p.IsTyping)

	case models.EventTypingWatch:
		var p typingPayload
		if err := decode(env, &p); err != nil {
			return err
		}
		if p.ConversationID == "" {
			return fmt.Errorf("%w: conversation_id is required", ErrBadPayload)
		}
		_, err := s.typing.Watch(s.ctx, p.ConversationID)
		return err

	case models.EventTypingUnwatch:
		var p typingPayload
		if err := decode(env, &p); err != nil {
			return err
		}
		s.typing.Unwatch(p.ConversationID)
		return nil

	case models.EventInviteSubscribe:
		return s.subscribeInvites()
	}
	return fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
}

func decode(env models.Envelope, v any) error {
	if len(env.Payload) == 0 {
		return fmt.Errorf("%w: empty payload for %s", ErrBadPayload, env.Event)
	}
	if err := env.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	return nil
}

func roomKey(room string) string {
	if room == "" {
		return GlobalRoom
	}
	return room
}

func roomTopic(key string) string {
	if key == GlobalRoom {
		return config.GlobalPresenceTopic
	}
	return config.StudyRoomPresenceTopic(key)
}

func (s *Session) join(ctx context.Context, p joinPayload) error {
	key := roomKey(p.Room)

	s.mu.Lock()
	if _, ok := s.rooms[key]; ok {
		s.mu.Unlock()
		return presence.ErrAlreadyJoined
	}
	s.mu.Unlock()

	self := models.PresenceRecord{
		Identity:    s.profile.ID,
		DisplayName: s.profile.DisplayName,
		AvatarRef:   s.profile.AvatarURL,
		Flags:       p.Flags,
		StudyTitle:  p.StudyTitle,
	}
	if p.DisplayName != "" {
		self.DisplayName = p.DisplayName
	}
	if p.AvatarRef != "" {
		self.AvatarRef = p.AvatarRef
	}

	opts := s.deps.Presence
	opts.Mirror = s.deps.Mirror
	opts.OnSync = func(topic string, participants []models.PresenceRecord) {
		s.emit(models.EventPresenceSync, SyncPayload{Room: key, Participants: participants})
	}
	ch := presence.NewChannel(s.deps.Bus, opts)
	leave, err := ch.Join(s.ctx, roomTopic(key), self)
	if err != nil {
		return fmt.Errorf("join %s: %w", key, err)
	}

	s.mu.Lock()
	if _, dup := s.rooms[key]; dup || s.closed {
		s.mu.Unlock()
		leave()
		return presence.ErrAlreadyJoined
	}
	s.rooms[key] = &joinedRoom{channel: ch, leave: leave}
	s.mu.Unlock()

	s.logger.Debug().Str("room", key).Msg("Joined presence room")
	return nil
}

func (s *Session) room(key string) *joinedRoom {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rooms[key]
}

func (s *Session) leave(key string) error {
	s.mu.Lock()
	room, ok := s.rooms[key]
	delete(s.rooms, key)
	s.mu.Unlock()
	if !ok {
		return ErrNotInRoom
	}
	room.leave()
	return nil
}

// Participants returns the snapshot of a joined room.
func (s *Session) Participants(room string) ([]models.PresenceRecord, error) {
	r := s.room(roomKey(room))
	if r == nil {
		return nil, ErrNotInRoom
	}
	return r.channel.ListParticipants(), nil
}

func (s *Session) subscribeInvites() error {
	s.mu.Lock()
	if s.stopInvites != nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	// One subscription on our invite topic carries both incoming calls and
	// status updates of the calls we placed.
	opts := s.deps.Invite
	opts.OnStatus = s.onInviteStatus
	sub := invite.NewSubscriber(s.deps.Invites, s.deps.Bus, opts)
	stop := sub.SubscribeIncoming(s.ctx, s.profile.ID, s.onIncoming, s.onCancelled)

	s.mu.Lock()
	s.stopInvites = stop
	s.mu.Unlock()
	return nil
}

func (s *Session) onIncoming(inv models.CallInvite) {
	s.mu.Lock()
	s.ringing[inv.ID] = true
	s.mu.Unlock()

	s.emit(models.EventInviteIncoming, inv)
	s.player.PlayRingtone()
}

func (s *Session) onCancelled(inv models.CallInvite) {
	s.emit(models.EventInviteCanceled, inv)
	if s.stopRinging(inv.ID) {
		s.player.PlayCallEnd()
	}
}

// stopRinging forgets id and silences the ringtone once nothing is ringing.
// It reports whether the ringtone was stopped.
func (s *Session) stopRinging(id string) bool {
	s.mu.Lock()
	_, was := s.ringing[id]
	delete(s.ringing, id)
	idle := len(s.ringing) == 0
	s.mu.Unlock()

	if was && idle {
		s.player.StopRingtone()
		return true
	}
	return false
}

// onInviteStatus drives the ringback of calls we placed and stops ringing
// when another device of ours answered.
func (s *Session) onInviteStatus(inv models.CallInvite) {
	switch s.profile.ID {
	case inv.InviterID:
		s.mu.Lock()
		_, tracked := s.outgoing[inv.ID]
		if inv.Status == models.InviteStatusPending {
			s.outgoing[inv.ID] = true
		} else {
			delete(s.outgoing, inv.ID)
		}
		idle := len(s.outgoing) == 0
		s.mu.Unlock()

		switch {
		case inv.Status == models.InviteStatusPending && !tracked:
			s.player.PlayRingback()
		case inv.Status == models.InviteStatusAccepted && idle:
			s.player.StopRingback()
		case inv.IsTerminal() && idle:
			s.player.PlayCallEnd()
		}

	case inv.InviteeID:
		if inv.Status == models.InviteStatusAccepted || inv.Status == models.InviteStatusDeclined {
			s.stopRinging(inv.ID)
		}
	}
}

func (s *Session) emit(event string, payload any) {
	env, err := models.NewEnvelope(event, "", "", payload)
	if err != nil {
		s.logger.Error().Err(err).Str("event", event).Msg("Failed to encode frame")
		return
	}
	if !s.send(env) {
		s.logger.Debug().Str("event", event).Msg("Client queue full or closed, frame dropped")
	}
}

// SendError reports a failed client frame back to the client.
func (s *Session) SendError(event string, err error) {
	s.emit(models.EventError, ErrorPayload{Event: event, Message: err.Error()})
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close leaves every room, stops every subscription and silences any tone.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	rooms := s.rooms
	s.rooms = make(map[string]*joinedRoom)
	stopInvites := s.stopInvites
	s.stopInvites = nil
	s.mu.Unlock()

	s.player.StopAll()
	if stopInvites != nil {
		stopInvites()
	}
	for _, r := range rooms {
		r.leave()
	}
	s.typing.Close()
	s.cancel()
	s.logger.Debug().Msg("Session closed")
}

// sessionSink forwards tones and vibrations to the client as cue frames; the
// browser renders them. Errors only mean the frame was dropped.
type sessionSink struct {
	s *Session
}

var errClientGone = errors.New("client not reachable")

func (k sessionSink) Play(tone notify.Tone, loop bool) error {
	return k.cue(models.EventNotifyTone, TonePayload{Tone: tone, Action: "play", Loop: loop, URL: "/api/v1/tones/" + string(tone)})
}

func (k sessionSink) Stop(tone notify.Tone) error {
	return k.cue(models.EventNotifyTone, TonePayload{Tone: tone, Action: "stop"})
}

func (k sessionSink) Vibrate(pattern []time.Duration) error {
	ms := make([]int64, len(pattern))
	for i, d := range pattern {
		ms[i] = d.Milliseconds()
	}
	return k.cue(models.EventNotifyVibrate, VibratePayload{PatternMS: ms})
}

func (k sessionSink) cue(event string, payload any) error {
	env, err := models.NewEnvelope(event, "", "", payload)
	if err != nil {
		return err
	}
	if !k.s.send(env) {
		return errClientGone
	}
	return nil
}
