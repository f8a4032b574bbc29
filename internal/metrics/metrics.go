package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "classmate_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "classmate_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Realtime metrics
	SessionsOnline = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "classmate_sessions_online",
			Help: "Websocket sessions currently connected to this instance",
		},
	)

	PresencePublishes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "classmate_presence_publishes_total",
			Help: "Presence track/untrack publishes",
		},
		[]string{"event"},
	)

	PresenceEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "classmate_presence_evictions_total",
			Help: "Presence records evicted after missing heartbeats",
		},
	)

	// Invite metrics
	InvitesCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "classmate_invites_created_total",
			Help: "Call invites created",
		},
		[]string{"call_type"},
	)

	InviteTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "classmate_invite_transitions_total",
			Help: "Invite status transitions, including lost races",
		},
		[]string{"status", "result"}, // result: "ok" or "conflict"
	)

	InviteDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "classmate_invite_deliveries_total",
			Help: "Invite observations per delivery path",
		},
		[]string{"path", "outcome"}, // path: "realtime", "poll" or "telegram"
	)

	// Token metrics
	TokensIssued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "classmate_media_tokens_issued_total",
			Help: "Media session tokens issued",
		},
		[]string{"role"},
	)

	TokenDenials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "classmate_media_token_denials_total",
			Help: "Rejected media token requests",
		},
		[]string{"reason"},
	)
)

// Middleware records request counts and latencies for gin routes.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}
