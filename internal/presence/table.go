// Package presence tracks who is connected to a room and who is typing.
//
// Membership is a heartbeat-plus-TTL table: every participant re-announces
// itself periodically and records that stop refreshing are evicted, so a
// dropped connection disappears even when no leave message is ever delivered.
package presence

import (
	"classmate/backend/internal/models"
	"sort"
	"sync"
	"time"
)

type entry struct {
	record    models.PresenceRecord
	heartbeat time.Time
}

// Table holds at most one record per identity.
type Table struct {
	mu      sync.RWMutex
	records map[string]entry
	ttl     time.Duration
}

// NewTable creates a table that evicts records not refreshed within ttl.
func NewTable(ttl time.Duration) *Table {
	return &Table{
		records: make(map[string]entry),
		ttl:     ttl,
	}
}

// Upsert stores rec as the current record for its identity and refreshes its
// heartbeat. It reports whether the visible record changed.
func (t *Table) Upsert(rec models.PresenceRecord, at time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev, ok := t.records[rec.Identity]
	t.records[rec.Identity] = entry{record: rec, heartbeat: at}
	return !ok || !sameRecord(prev.record, rec)
}

// Remove deletes identity and reports whether it was present.
func (t *Table) Remove(identity string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.records[identity]; !ok {
		return false
	}
	delete(t.records, identity)
	return true
}

// Sweep evicts every record whose last heartbeat is older than the TTL,
// except keep, and returns the evicted identities.
func (t *Table) Sweep(now time.Time, keep string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var evicted []string
	for id, e := range t.records {
		if id == keep {
			continue
		}
		if now.Sub(e.heartbeat) > t.ttl {
			delete(t.records, id)
			evicted = append(evicted, id)
		}
	}
	sort.Strings(evicted)
	return evicted
}

// Get returns the record for identity.
func (t *Table) Get(identity string) (models.PresenceRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.records[identity]
	return e.record, ok
}

// Snapshot returns all records ordered by join time, then identity.
func (t *Table) Snapshot() []models.PresenceRecord {
	t.mu.RLock()
	out := make([]models.PresenceRecord, 0, len(t.records))
	for _, e := range t.records {
		out = append(out, e.record)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].Identity < out[j].Identity
	})
	return out
}

// Len returns the number of records.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.records)
}

// Clear drops every record.
func (t *Table) Clear() {
	t.mu.Lock()
	t.records = make(map[string]entry)
	t.mu.Unlock()
}

// sameRecord ignores LastActiveAt so plain heartbeats do not count as changes.
func sameRecord(a, b models.PresenceRecord) bool {
	if a.Identity != b.Identity || a.DisplayName != b.DisplayName || a.AvatarRef != b.AvatarRef {
		return false
	}
	if !a.JoinedAt.Equal(b.JoinedAt) || a.Flags != b.Flags {
		return false
	}
	switch {
	case a.StudyTitle == nil && b.StudyTitle == nil:
		return true
	case a.StudyTitle == nil || b.StudyTitle == nil:
		return false
	default:
		return *a.StudyTitle == *b.StudyTitle
	}
}
