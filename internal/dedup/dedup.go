// Package dedup provides an idempotent-delivery set: any number of transport
// paths may report the same event id, and only the first report wins.
package dedup

import (
	"sync"
	"time"
)

// Set remembers event ids for a retention window.
type Set struct {
	mu        sync.Mutex
	seen      map[string]time.Time
	retention time.Duration
	now       func() time.Time
}

// New creates a Set that forgets ids retention after they were first marked.
// A zero retention keeps ids for the life of the Set.
func New(retention time.Duration) *Set {
	return &Set{
		seen:      make(map[string]time.Time),
		retention: retention,
		now:       time.Now,
	}
}

// WithClock replaces the time source; used by tests.
func (s *Set) WithClock(now func() time.Time) *Set {
	s.now = now
	return s
}

// MarkIfNew records id and reports true if it had not been seen before.
func (s *Set) MarkIfNew(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.pruneLocked(now)
	if _, ok := s.seen[id]; ok {
		return false
	}
	s.seen[id] = now
	return true
}

// Len returns the number of remembered ids.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

func (s *Set) pruneLocked(now time.Time) {
	if s.retention <= 0 {
		return
	}
	for id, at := range s.seen {
		if now.Sub(at) > s.retention {
			delete(s.seen, id)
		}
	}
}
