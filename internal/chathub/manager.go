// Package chathub keeps track of connected client sessions. Each session is
// an explicit controller object that owns the presence rooms, typing watches,
// invite subscription and notification player of one connection.
package chathub

import (
	"classmate/backend/internal/logging"
	"classmate/backend/internal/metrics"
	"sync"

	"github.com/rs/zerolog"
)

// ManagerService is the registry of connected clients on this instance.
type ManagerService struct {
	// Clients maps user id -> session id -> client.
	Clients map[string]map[string]Client

	RegisterCh   chan Client
	UnregisterCh chan Client

	// Deps are handed to every session created for this hub.
	Deps SessionDeps

	mu     sync.RWMutex
	done   chan struct{}
	logger zerolog.Logger
}

// NewManagerService creates a hub whose sessions use deps.
func NewManagerService(deps SessionDeps) *ManagerService {
	return &ManagerService{
		Clients:      make(map[string]map[string]Client),
		RegisterCh:   make(chan Client),
		UnregisterCh: make(chan Client),
		Deps:         deps,
		done:         make(chan struct{}),
		logger:       logging.Component("hub"),
	}
}

// Run processes registrations until Stop is called.
func (m *ManagerService) Run() {
	m.logger.Info().Msg("Hub started")
	for {
		select {
		case client := <-m.RegisterCh:
			m.register(client)
		case client := <-m.UnregisterCh:
			m.unregister(client)
		case <-m.done:
			m.closeAll()
			m.logger.Info().Msg("Hub stopped")
			return
		}
	}
}

// Stop closes every client and ends Run.
func (m *ManagerService) Stop() {
	close(m.done)
}

func (m *ManagerService) register(client Client) {
	m.mu.Lock()
	sessions, ok := m.Clients[client.GetUserID()]
	if !ok {
		sessions = make(map[string]Client)
		m.Clients[client.GetUserID()] = sessions
	}
	sessions[client.GetSessionID()] = client
	m.mu.Unlock()

	metrics.SessionsOnline.Inc()
	m.logger.Debug().Str("user", client.GetUserID()).Str("session", client.GetSessionID()).Msg("Client registered")
}

func (m *ManagerService) unregister(client Client) {
	m.mu.Lock()
	sessions, ok := m.Clients[client.GetUserID()]
	if ok {
		if _, ok = sessions[client.GetSessionID()]; ok {
			delete(sessions, client.GetSessionID())
			if len(sessions) == 0 {
				delete(m.Clients, client.GetUserID())
			}
		}
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	metrics.SessionsOnline.Dec()
	client.Close()
	m.logger.Debug().Str("user", client.GetUserID()).Str("session", client.GetSessionID()).Msg("Client unregistered")
}

func (m *ManagerService) closeAll() {
	m.mu.Lock()
	var all []Client
	for _, sessions := range m.Clients {
		for _, c := range sessions {
			all = append(all, c)
		}
	}
	m.Clients = make(map[string]map[string]Client)
	m.mu.Unlock()

	for _, c := range all {
		metrics.SessionsOnline.Dec()
		c.Close()
	}
}

// Online returns the number of connected sessions.
func (m *ManagerService) Online() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, sessions := range m.Clients {
		n += len(sessions)
	}
	return n
}

// IsConnected reports whether userID has at least one session here. The call
// notifier uses it to skip invitees who are already connected.
func (m *ManagerService) IsConnected(userID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.Clients[userID]) > 0
}
