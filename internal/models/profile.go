package models

import (
	"github.com/google/uuid"
	"github.com/lib/pq"
	"gorm.io/gorm"
)

// Profile represents a platform user as seen by the realtime layer.
// Only the fields needed for presence, invites and token issuance live here.
type Profile struct {
	ID          string `gorm:"primaryKey" json:"id"`
	DisplayName string `gorm:"type:text;not null" json:"display_name"`
	AvatarURL   string `gorm:"type:text" json:"avatar_url"`
	// TelegramChatID is set when the user linked the notification bot.
	TelegramChatID *int64 `gorm:"uniqueIndex" json:"-"`
	// Language selects the translation used for out-of-band notifications.
	Language string `gorm:"type:text;default:en" json:"language"`
	// BlockedCallers holds identities that may not ring this user.
	BlockedCallers pq.StringArray `gorm:"type:text[]" json:"-"`
}

// BeforeCreate is a GORM hook that assigns a UUID when no ID is set.
func (p *Profile) BeforeCreate(tx *gorm.DB) (err error) {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	return
}

// HasBlocked reports whether identity is in the profile's block list.
func (p *Profile) HasBlocked(identity string) bool {
	for _, id := range p.BlockedCallers {
		if id == identity {
			return true
		}
	}
	return false
}

// GroupMember links a profile to a group chat.
type GroupMember struct {
	GroupID   string `gorm:"primaryKey;type:text"`
	ProfileID string `gorm:"primaryKey;type:text;index"`
}

// StudyRoomMember links a profile to a study room.
type StudyRoomMember struct {
	StudyRoomID string `gorm:"primaryKey;type:text"`
	ProfileID   string `gorm:"primaryKey;type:text;index"`
	// Role is the participant role granted inside the room ("host", "listener", ...).
	Role string `gorm:"type:text;not null;default:listener"`
}
