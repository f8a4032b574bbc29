package chathub_test

import (
	"classmate/backend/internal/models"
	"sync"
)

type MockClient struct {
	userID    string
	sessionID string

	mu     sync.Mutex
	closed bool
}

func newMockClient(userID, sessionID string) *MockClient {
	return &MockClient{userID: userID, sessionID: sessionID}
}

func (c *MockClient) GetUserID() string    { return c.userID }
func (c *MockClient) GetSessionID() string { return c.sessionID }

func (c *MockClient) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *MockClient) Run() {
	// Not needed for testing
}

func (c *MockClient) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// frames collects what a Session sends to its client.
type frames struct {
	mu   sync.Mutex
	envs []models.Envelope
}

func (f *frames) send(env models.Envelope) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.envs = append(f.envs, env)
	return true
}

func (f *frames) byEvent(event string) []models.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Envelope
	for _, e := range f.envs {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

func (f *frames) last(event string) (models.Envelope, bool) {
	all := f.byEvent(event)
	if len(all) == 0 {
		return models.Envelope{}, false
	}
	return all[len(all)-1], true
}
