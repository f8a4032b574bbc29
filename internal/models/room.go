package models

// ContextType is the kind of conversation a call or room belongs to.
type ContextType string

const (
	ContextDM        ContextType = "dm"
	ContextGroup     ContextType = "group"
	ContextStudyRoom ContextType = "study_room"
)

// Valid reports whether c is a known context type.
func (c ContextType) Valid() bool {
	switch c {
	case ContextDM, ContextGroup, ContextStudyRoom:
		return true
	}
	return false
}

// ParticipantRole determines what a participant may publish in a media session.
type ParticipantRole string

const (
	RoleHost      ParticipantRole = "host"
	RoleModerator ParticipantRole = "moderator"
	RoleSpeaker   ParticipantRole = "speaker"
	RoleListener  ParticipantRole = "listener"
)

// Valid reports whether r is a known role.
func (r ParticipantRole) Valid() bool {
	switch r {
	case RoleHost, RoleModerator, RoleSpeaker, RoleListener:
		return true
	}
	return false
}
