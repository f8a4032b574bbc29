// Package livekit derives media room names and issues LiveKit access tokens
// after checking, server-side, that the caller may enter the room.
package livekit

import (
	"classmate/backend/internal/models"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrInvalidRoomName is returned for names that do not follow the grammar
// dm:<id>:<id>, gc:<groupId> or sr:<studyRoomId>.
var ErrInvalidRoomName = errors.New("livekit: invalid room name")

const (
	prefixDM        = "dm"
	prefixGroup     = "gc"
	prefixStudyRoom = "sr"
)

// RoomRef is a parsed room name.
type RoomRef struct {
	ContextType models.ContextType
	// IDs holds the two sorted participant ids for a DM, or the single group /
	// study room id otherwise.
	IDs []string
}

// Includes reports whether identity is one of the DM participants.
func (r RoomRef) Includes(identity string) bool {
	for _, id := range r.IDs {
		if id == identity {
			return true
		}
	}
	return false
}

// DeriveRoomName builds the deterministic room name for a context. DM ids are
// sorted so both participants derive the same name.
func DeriveRoomName(contextType models.ContextType, ids ...string) (string, error) {
	for _, id := range ids {
		if !validSegment(id) {
			return "", fmt.Errorf("%w: bad id %q", ErrInvalidRoomName, id)
		}
	}

	switch contextType {
	case models.ContextDM:
		if len(ids) != 2 || ids[0] == ids[1] {
			return "", fmt.Errorf("%w: dm needs two distinct ids", ErrInvalidRoomName)
		}
		pair := []string{ids[0], ids[1]}
		sort.Strings(pair)
		return prefixDM + ":" + pair[0] + ":" + pair[1], nil
	case models.ContextGroup:
		if len(ids) != 1 {
			return "", fmt.Errorf("%w: group needs one id", ErrInvalidRoomName)
		}
		return prefixGroup + ":" + ids[0], nil
	case models.ContextStudyRoom:
		if len(ids) != 1 {
			return "", fmt.Errorf("%w: study room needs one id", ErrInvalidRoomName)
		}
		return prefixStudyRoom + ":" + ids[0], nil
	default:
		return "", fmt.Errorf("%w: unknown context %q", ErrInvalidRoomName, contextType)
	}
}

// ParseRoomName validates the prefix and segment count of name.
func ParseRoomName(name string) (RoomRef, error) {
	parts := strings.Split(name, ":")
	for _, p := range parts[1:] {
		if !validSegment(p) {
			return RoomRef{}, ErrInvalidRoomName
		}
	}

	switch {
	case parts[0] == prefixDM && len(parts) == 3:
		if parts[1] >= parts[2] {
			// Unsorted or identical ids never come out of DeriveRoomName.
			return RoomRef{}, ErrInvalidRoomName
		}
		return RoomRef{ContextType: models.ContextDM, IDs: []string{parts[1], parts[2]}}, nil
	case parts[0] == prefixGroup && len(parts) == 2:
		return RoomRef{ContextType: models.ContextGroup, IDs: []string{parts[1]}}, nil
	case parts[0] == prefixStudyRoom && len(parts) == 2:
		return RoomRef{ContextType: models.ContextStudyRoom, IDs: []string{parts[1]}}, nil
	}
	return RoomRef{}, ErrInvalidRoomName
}

func validSegment(s string) bool {
	return s != "" && !strings.ContainsAny(s, ": \t\n")
}
