package handler

import (
	"classmate/backend/internal/invite"
	"classmate/backend/internal/livekit"
	"classmate/backend/internal/models"
	"classmate/backend/internal/notify"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// RequestMediaToken issues a LiveKit token for the caller.
func (h *Handler) RequestMediaToken(c *gin.Context) {
	var req livekit.TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	token, err := h.Issuer.RequestToken(c.Request.Context(), currentUser(c), req)
	if err != nil {
		status := tokenErrorStatus(err)
		if status == http.StatusInternalServerError {
			log.Error().Err(err).Str("room", req.RoomName).Msg("Media token request failed")
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, token)
}

func tokenErrorStatus(err error) int {
	switch {
	case errors.Is(err, livekit.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, livekit.ErrAccessDenied):
		return http.StatusForbidden
	case errors.Is(err, livekit.ErrProfileNotFound):
		return http.StatusNotFound
	case errors.Is(err, livekit.ErrInvalidRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// RoomName derives the canonical media room name for a conversation.
// DMs take the peer id, groups and study rooms their own id.
func (h *Handler) RoomName(c *gin.Context) {
	contextType := models.ContextType(c.Query("context_type"))
	contextID := c.Query("context_id")

	var name string
	var err error
	if contextType == models.ContextDM {
		name, err = livekit.DeriveRoomName(contextType, currentUser(c), contextID)
	} else {
		name, err = livekit.DeriveRoomName(contextType, contextID)
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"room_name": name})
}

// CreateInvite starts ringing the invitee.
func (h *Handler) CreateInvite(c *gin.Context) {
	var req invite.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	created, err := h.Invites.CreateInvite(c.Request.Context(), currentUser(c), req)
	if err != nil {
		writeInviteError(c, err, nil)
		return
	}

	c.JSON(http.StatusCreated, created)
}

type respondRequest struct {
	Accept *bool `json:"accept" binding:"required"`
}

// RespondInvite accepts or declines an invite addressed to the caller.
func (h *Handler) RespondInvite(c *gin.Context) {
	var req respondRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	updated, err := h.Invites.Respond(c.Request.Context(), c.Param("id"), currentUser(c), *req.Accept)
	if err != nil {
		writeInviteError(c, err, updated)
		return
	}

	c.JSON(http.StatusOK, updated)
}

// CancelInvite withdraws an invite the caller sent.
func (h *Handler) CancelInvite(c *gin.Context) {
	updated, err := h.Invites.Cancel(c.Request.Context(), c.Param("id"), currentUser(c))
	if err != nil {
		writeInviteError(c, err, updated)
		return
	}

	c.JSON(http.StatusOK, updated)
}

// PendingInvites lists invites still ringing for the caller.
func (h *Handler) PendingInvites(c *gin.Context) {
	invites, err := h.Invites.PendingFor(c.Request.Context(), currentUser(c))
	if err != nil {
		log.Error().Err(err).Msg("Pending invite lookup failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load invites"})
		return
	}
	if invites == nil {
		invites = []models.CallInvite{}
	}

	c.JSON(http.StatusOK, gin.H{"invites": invites})
}

// writeInviteError maps service errors to responses. A lost race also
// returns the invite's current state so the client can reconcile.
func writeInviteError(c *gin.Context, err error, current *models.CallInvite) {
	switch {
	case errors.Is(err, invite.ErrInvalidInvite):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, invite.ErrNotParticipant), errors.Is(err, invite.ErrBlocked), errors.Is(err, invite.ErrNotInContext):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, invite.ErrInviteNotFound), errors.Is(err, invite.ErrUnknownProfile):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, invite.ErrInviteNotPending), errors.Is(err, invite.ErrInviteStale):
		body := gin.H{"error": err.Error()}
		if current != nil {
			body["invite"] = current
		}
		c.JSON(http.StatusConflict, body)
	default:
		log.Error().Err(err).Msg("Invite operation failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Invite operation failed"})
	}
}

// Tone serves a notification tone as a WAV file.
func (h *Handler) Tone(c *gin.Context) {
	data, err := notify.WAV(notify.Tone(c.Param("tone")))
	if errors.Is(err, notify.ErrUnknownTone) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.Header("Cache-Control", "public, max-age=86400")
	c.Data(http.StatusOK, "audio/wav", data)
}
