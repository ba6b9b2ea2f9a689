package payment

import (
	"sync"
	"time"
)

// DedupWindow is how long a processed webhook event id is remembered.
const DedupWindow = 24 * time.Hour

// EventDedup is the idempotency port for webhook intake. MarkProcessed and
// Seen are keyed by the provider-assigned event id; entries expire after the
// dedup window.
type EventDedup interface {
	Seen(eventID string) (bool, error)
	MarkProcessed(eventID string, expiresAt time.Time) error
}

// MemoryDedup remembers event ids in memory with lazy eviction of expired
// entries. It does not survive restarts; the postgres implementation does.
type MemoryDedup struct {
	mu        sync.Mutex
	entries   map[string]time.Time
	lastSweep time.Time
	now       func() time.Time
}

func NewMemoryDedup() *MemoryDedup {
	return &MemoryDedup{
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

func (d *MemoryDedup) Seen(eventID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.sweepLocked()

	expiresAt, ok := d.entries[eventID]
	if !ok {
		return false, nil
	}
	if d.now().After(expiresAt) {
		delete(d.entries, eventID)
		return false, nil
	}
	return true, nil
}

func (d *MemoryDedup) MarkProcessed(eventID string, expiresAt time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.sweepLocked()
	d.entries[eventID] = expiresAt
	return nil
}

// sweepLocked drops expired entries at most once a minute so neither call
// pays a full scan on every event.
func (d *MemoryDedup) sweepLocked() {
	now := d.now()
	if now.Sub(d.lastSweep) < time.Minute {
		return
	}
	d.lastSweep = now

	for id, expiresAt := range d.entries {
		if now.After(expiresAt) {
			delete(d.entries, id)
		}
	}
}
