package config

import "time"

const (
	// Presence
	HeartbeatInterval = 15 * time.Second
	PresenceTTL       = 45 * time.Second
	SweepInterval     = 5 * time.Second

	// Typing
	TypingExpiry = 4 * time.Second

	// Invites
	InvitePollInterval = 2 * time.Second
	InviteStaleAfter   = 60 * time.Second
	DedupRetention     = 10 * time.Minute

	// Tokens
	MediaTokenTTL   = time.Hour
	SessionTokenTTL = 72 * time.Hour
	SessionIssuer   = "classmate-realtime"
)

// Pub/sub topic prefixes.
const (
	GlobalPresenceTopic     = "presence:global"
	StudyRoomPresencePrefix = "study-room-presence:"
	TypingTopicPrefix       = "typing:"
	InviteTopicPrefix       = "call-invites:"
)

// StudyRoomPresenceTopic returns the presence topic for a study room.
func StudyRoomPresenceTopic(roomID string) string {
	return StudyRoomPresencePrefix + roomID
}

// TypingTopic returns the broadcast topic for a conversation.
func TypingTopic(conversationID string) string {
	return TypingTopicPrefix + conversationID
}

// InviteTopic returns the invite notification topic for an invitee.
func InviteTopic(inviteeID string) string {
	return InviteTopicPrefix + inviteeID
}
