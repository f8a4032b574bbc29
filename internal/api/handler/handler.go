package handler

import (
	"classmate/backend/internal/chathub"
	"classmate/backend/internal/config"
	"classmate/backend/internal/invite"
	"classmate/backend/internal/livekit"
	"classmate/backend/internal/storage"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler holds the services behind the HTTP API.
type Handler struct {
	Hub      *chathub.ManagerService
	Profiles storage.ProfileStore
	Invites  *invite.Service
	Issuer   *livekit.Issuer
	Config   *config.Config
}

func NewHandler(cfg *config.Config, hub *chathub.ManagerService, profiles storage.ProfileStore, invites *invite.Service, issuer *livekit.Issuer) *Handler {
	return &Handler{
		Hub:      hub,
		Profiles: profiles,
		Invites:  invites,
		Issuer:   issuer,
		Config:   cfg,
	}
}

// RegisterRoutes mounts every endpoint on r.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/healthz", h.Health)

	if h.Config.IsDevelopment() {
		r.POST("/dev/token", h.DevToken)
	}

	r.GET("/ws", h.AuthMiddleware(), h.ServeWebSocket)

	api := r.Group("/api/v1")
	api.GET("/tones/:tone", h.Tone)

	authed := api.Group("", h.AuthMiddleware())
	authed.POST("/livekit/token", h.RequestMediaToken)
	authed.GET("/rooms/name", h.RoomName)
	authed.POST("/invites", h.CreateInvite)
	authed.GET("/invites/pending", h.PendingInvites)
	authed.POST("/invites/:id/respond", h.RespondInvite)
	authed.POST("/invites/:id/cancel", h.CancelInvite)
}

// Health reports liveness and the number of sessions on this instance.
func (h *Handler) Health(c *gin.Context) {
	online := 0
	if h.Hub != nil {
		online = h.Hub.Online()
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "sessions": online})
}
