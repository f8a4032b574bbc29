package livekit

import "classmate/backend/internal/models"

// VideoGrant is the "video" claim of a LiveKit access token.
type VideoGrant struct {
	Room           string `json:"room,omitempty"`
	RoomJoin       bool   `json:"roomJoin,omitempty"`
	RoomAdmin      bool   `json:"roomAdmin,omitempty"`
	CanPublish     *bool  `json:"canPublish,omitempty"`
	CanSubscribe   *bool  `json:"canSubscribe,omitempty"`
	CanPublishData *bool  `json:"canPublishData,omitempty"`
}

// Publishes reports whether the grant allows publishing media tracks.
func (g VideoGrant) Publishes() bool { return g.CanPublish != nil && *g.CanPublish }

// Subscribes reports whether the grant allows receiving tracks.
func (g VideoGrant) Subscribes() bool { return g.CanSubscribe != nil && *g.CanSubscribe }

// PublishesData reports whether the grant allows data/chat messages.
func (g VideoGrant) PublishesData() bool { return g.CanPublishData != nil && *g.CanPublishData }

// GrantsFor returns the room grant for role. Listeners may subscribe and send
// data but never publish media.
func GrantsFor(room string, role models.ParticipantRole) VideoGrant {
	publish := role != models.RoleListener
	return VideoGrant{
		Room:           room,
		RoomJoin:       true,
		RoomAdmin:      role == models.RoleHost || role == models.RoleModerator,
		CanPublish:     boolPtr(publish),
		CanSubscribe:   boolPtr(true),
		CanPublishData: boolPtr(true),
	}
}

// DefaultRole is the role used when a request names none.
func DefaultRole(contextType models.ContextType) models.ParticipantRole {
	if contextType == models.ContextStudyRoom {
		return models.RoleListener
	}
	return models.RoleSpeaker
}

var roleRank = map[models.ParticipantRole]int{
	models.RoleListener:  0,
	models.RoleSpeaker:   1,
	models.RoleModerator: 2,
	models.RoleHost:      3,
}

// capRole lowers requested to ceiling when it ranks higher.
func capRole(requested, ceiling models.ParticipantRole) models.ParticipantRole {
	if roleRank[requested] > roleRank[ceiling] {
		return ceiling
	}
	return requested
}

func boolPtr(b bool) *bool { return &b }
