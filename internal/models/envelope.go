package models

import (
	"encoding/json"
	"time"
)

// Event names carried in an Envelope.
const (
	// pub/sub fabric
	EventPresenceTrack   = "presence.track"
	EventPresenceUntrack = "presence.untrack"
	EventPresenceSyncReq = "presence.sync_request"
	EventTyping          = "typing"
	EventInviteCreated   = "invite.created"
	EventInviteUpdated   = "invite.updated"
	// EventBusResubscribed is generated locally by a bus whose subscription to
	// the topic was restored after a connection loss. Anything published in
	// between was missed.
	EventBusResubscribed = "bus.resubscribed"

	// client -> server
	EventPresenceJoin    = "presence.join"
	EventPresenceUpdate  = "presence.update"
	EventPresenceLeave   = "presence.leave"
	EventTypingSend      = "typing.send"
	EventTypingWatch     = "typing.watch"
	EventTypingUnwatch   = "typing.unwatch"
	EventInviteSubscribe = "invite.subscribe"

	// server -> client
	EventPresenceSync   = "presence.sync"
	EventTypingUpdate   = "typing.update"
	EventInviteIncoming = "invite.incoming"
	EventInviteCanceled = "invite.cancelled"
	EventNotifyTone     = "notify.tone"
	EventNotifyVibrate  = "notify.vibrate"
	EventError          = "error"
)

// Envelope is the unit carried over the pub/sub fabric and the client websocket.
type Envelope struct {
	Event   string          `json:"event"`
	Topic   string          `json:"topic,omitempty"`
	From    string          `json:"from,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	SentAt  time.Time       `json:"sent_at"`
}

// NewEnvelope marshals payload into a new Envelope stamped with the current time.
func NewEnvelope(event, topic, from string, payload any) (Envelope, error) {
	env := Envelope{Event: event, Topic: topic, From: from, SentAt: time.Now()}
	if payload == nil {
		return env, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return env, err
	}
	env.Payload = data
	return env, nil
}

// Decode unmarshals the envelope payload into v.
func (e Envelope) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}
