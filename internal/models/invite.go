package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// InviteStatus is the lifecycle state of a call invite.
type InviteStatus string

const (
	InviteStatusPending   InviteStatus = "pending"
	InviteStatusAccepted  InviteStatus = "accepted"
	InviteStatusDeclined  InviteStatus = "declined"
	InviteStatusCancelled InviteStatus = "cancelled"
)

// CallType distinguishes audio-only from video calls.
type CallType string

const (
	CallTypeVoice CallType = "voice"
	CallTypeVideo CallType = "video"
)

// Valid reports whether t is a known call type.
func (t CallType) Valid() bool {
	return t == CallTypeVoice || t == CallTypeVideo
}

// CallInvite is one call-initiation attempt between two identities.
// Rows are never deleted in normal flow; cancellation is a status update.
type CallInvite struct {
	// ID is the invite UUID, assigned in BeforeCreate.
	ID string `gorm:"primaryKey;type:uuid" json:"id"`
	// SessionID optionally groups invites that belong to one group call.
	SessionID *string `gorm:"type:text;index" json:"session_id,omitempty"`
	InviterID string  `gorm:"type:text;not null;index" json:"inviter_id"`
	InviteeID string  `gorm:"type:text;not null;index:idx_invitee_status" json:"invitee_id"`
	// Status only ever moves out of pending; every other value is terminal.
	Status   InviteStatus `gorm:"type:text;not null;index:idx_invitee_status" json:"status"`
	CallType CallType     `gorm:"type:text;not null" json:"call_type"`
	RoomName string       `gorm:"type:text;not null" json:"room_name"`

	ContextType ContextType `gorm:"type:text;not null" json:"context_type"`
	ContextID   string      `gorm:"type:text;not null" json:"context_id"`

	// InviterName and InviterAvatar are denormalized for the ringing banner.
	InviterName   string `gorm:"type:text" json:"inviter_name"`
	InviterAvatar string `gorm:"type:text" json:"inviter_avatar,omitempty"`

	CreatedAt   time.Time  `gorm:"not null;index" json:"created_at"`
	RespondedAt *time.Time `json:"responded_at,omitempty"`
}

// BeforeCreate assigns an ID and defaults the status to pending.
func (i *CallInvite) BeforeCreate(tx *gorm.DB) (err error) {
	if i.ID == "" {
		i.ID = uuid.New().String()
	}
	if i.Status == "" {
		i.Status = InviteStatusPending
	}
	return
}

// IsTerminal reports whether the invite can no longer change state.
func (i *CallInvite) IsTerminal() bool {
	return i.Status != InviteStatusPending
}

// IsStale reports whether the invite is older than maxAge at time now.
func (i *CallInvite) IsStale(now time.Time, maxAge time.Duration) bool {
	return now.Sub(i.CreatedAt) > maxAge
}
