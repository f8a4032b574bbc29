package models

import "time"

// PresenceFlags are the live status toggles shown next to a participant.
type PresenceFlags struct {
	MicOn      bool `json:"mic_on"`
	VideoOn    bool `json:"video_on"`
	HandRaised bool `json:"hand_raised"`
}

// PresenceRecord describes one identity connected to a presence room.
// Records are ephemeral and are never persisted to Postgres.
type PresenceRecord struct {
	Identity     string        `json:"identity"`
	DisplayName  string        `json:"display_name"`
	AvatarRef    string        `json:"avatar_ref,omitempty"`
	JoinedAt     time.Time     `json:"joined_at"`
	LastActiveAt time.Time     `json:"last_active_at"`
	Flags        PresenceFlags `json:"flags"`
	StudyTitle   *string       `json:"study_title,omitempty"`
	// ConnID identifies the connection that published the record. One
	// identity may be joined from several tabs at once.
	ConnID string `json:"conn_id,omitempty"`
}

// PresencePatch is a partial update of a PresenceRecord. Nil fields are left
// untouched when the patch is applied.
type PresencePatch struct {
	DisplayName *string `json:"display_name,omitempty"`
	AvatarRef   *string `json:"avatar_ref,omitempty"`
	MicOn       *bool   `json:"mic_on,omitempty"`
	VideoOn     *bool   `json:"video_on,omitempty"`
	HandRaised  *bool   `json:"hand_raised,omitempty"`
	StudyTitle  *string `json:"study_title,omitempty"`
	// ClearStudyTitle removes the study title; an empty StudyTitle is stored as is.
	ClearStudyTitle bool `json:"clear_study_title,omitempty"`
}

// Apply returns a copy of r with the non-nil fields of p merged in.
func (p PresencePatch) Apply(r PresenceRecord) PresenceRecord {
	if p.DisplayName != nil {
		r.DisplayName = *p.DisplayName
	}
	if p.AvatarRef != nil {
		r.AvatarRef = *p.AvatarRef
	}
	if p.MicOn != nil {
		r.Flags.MicOn = *p.MicOn
	}
	if p.VideoOn != nil {
		r.Flags.VideoOn = *p.VideoOn
	}
	if p.HandRaised != nil {
		r.Flags.HandRaised = *p.HandRaised
	}
	if p.StudyTitle != nil {
		title := *p.StudyTitle
		r.StudyTitle = &title
	}
	if p.ClearStudyTitle {
		r.StudyTitle = nil
	}
	return r
}

// TypingEvent is a fire-and-forget typing notification for a conversation.
type TypingEvent struct {
	Identity       string `json:"identity"`
	DisplayName    string `json:"display_name"`
	ConversationID string `json:"conversation_id"`
	IsTyping       bool   `json:"is_typing"`
}

// TypingUser is one currently typing identity as seen by a client.
type TypingUser struct {
	Identity    string    `json:"identity"`
	DisplayName string    `json:"display_name"`
	Since       time.Time `json:"since"`
}
