package handler

import (
	"classmate/backend/internal/chathub"
	"classmate/backend/internal/storage"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// TODO: restrict to the web app origin once it is served from a fixed domain.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeWebSocket upgrades an authenticated request and starts a session.
func (h *Handler) ServeWebSocket(c *gin.Context) {
	userID := currentUser(c)

	profile, err := h.Profiles.GetProfile(c.Request.Context(), userID)
	if errors.Is(err, storage.ErrNotFound) {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "Profile not found"})
		return
	}
	if err != nil {
		log.Error().Err(err).Str("user", userID).Msg("Profile lookup failed")
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Profile lookup failed"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		log.Debug().Err(err).Msg("Websocket upgrade failed")
		return
	}

	client := chathub.NewWebSocketClient(h.Hub, conn, *profile)
	h.Hub.RegisterCh <- client
	client.Run()
}
