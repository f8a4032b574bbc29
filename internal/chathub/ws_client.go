package chathub

import (
	"classmate/backend/internal/models"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8 * 1024
	sendBuffer     = 256
)

// WebSocketClient implements Client for a browser connection.
type WebSocketClient struct {
	UserID    string
	SessionID string
	Conn      *websocket.Conn
	Hub       *ManagerService
	Session   *Session

	send      chan models.Envelope
	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
}

// NewWebSocketClient wires a connection to a fresh session for profile.
func NewWebSocketClient(hub *ManagerService, conn *websocket.Conn, profile models.Profile) *WebSocketClient {
	c := &WebSocketClient{
		UserID:    profile.ID,
		SessionID: uuid.New().String(),
		Conn:      conn,
		Hub:       hub,
		send:      make(chan models.Envelope, sendBuffer),
	}
	c.Session = NewSession(profile, hub.Deps, c.Deliver)
	return c
}

func (c *WebSocketClient) GetUserID() string    { return c.UserID }
func (c *WebSocketClient) GetSessionID() string { return c.SessionID }

// Deliver queues env for the write pump without blocking.
func (c *WebSocketClient) Deliver(env models.Envelope) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- env:
		return true
	default:
		return false
	}
}

// Run starts the pumps.
func (c *WebSocketClient) Run() {
	go c.writePump()
	go c.readPump()
}

// Close tears down the session and closes the send queue, which stops the
// write pump and with it the connection.
func (c *WebSocketClient) Close() {
	c.closeOnce.Do(func() {
		c.Session.Close()

		c.mu.Lock()
		c.closed = true
		close(c.send)
		c.mu.Unlock()
	})
}

func (c *WebSocketClient) readPump() {
	defer func() {
		select {
		case c.Hub.UnregisterCh <- c:
		case <-c.Hub.done:
			c.Close()
		}
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.Session.logger.Warn().Err(err).Msg("Unexpected websocket close")
			}
			break
		}

		var env models.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			c.Session.SendError("", err)
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), writeWait)
		err = c.Session.Handle(ctx, env)
		cancel()
		if err != nil {
			c.Session.logger.Debug().Err(err).Str("event", env.Event).Msg("Client frame rejected")
			c.Session.SendError(env.Event, err)
		}
	}
}

// writePump sends queued envelopes and keeps the connection alive with pings.
func (c *WebSocketClient) writePump() {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case env, ok := <-c.send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteJSON(env); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
