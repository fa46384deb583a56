// Package cooldown enforces a minimum interval between accepted
// notifications for the same entity.
package cooldown

import (
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

// DefaultCapacity bounds the number of entities a ledger remembers
const DefaultCapacity = 65536

// Ledger maps entity ids to the time their last notification was accepted.
// One ledger belongs to one active configuration.
type Ledger struct {
	mu       sync.Mutex
	capacity int
	entries  *lru.Cache
}

// NewLedger creates a ledger holding at most capacity entities.
// A non-positive capacity selects DefaultCapacity.
func NewLedger(capacity int) (*Ledger, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	entries, err := lru.New(capacity)
	if err != nil {
		return nil, fmt.Errorf("failed to create cooldown ledger: %w", err)
	}
	return &Ledger{capacity: capacity, entries: entries}, nil
}

// Allow reports whether a notification for entityID at now may pass.
// A passing notification is recorded; a rejected one leaves the ledger
// untouched so it never extends the window. A cooldown <= 0 disables the
// gate and records nothing.
//
// When the ledger is full, elapsed entries are dropped before the least
// recently used one is evicted. Only an entity still inside its window can
// be evicted, and only once more than capacity entities are in theirs.
func Allow(l *Ledger, cooldown time.Duration, entityID string, now time.Time) bool {
	if cooldown <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if v, ok := l.entries.Get(entityID); ok {
		if now.Sub(v.(time.Time)) < cooldown {
			return false
		}
	}
	if l.entries.Len() >= l.capacity && !l.entries.Contains(entityID) {
		l.pruneLocked(now, cooldown)
	}
	l.entries.Add(entityID, now)
	return true
}

// Last returns the last accepted time for entityID
func (l *Ledger) Last(entityID string) (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	v, ok := l.entries.Peek(entityID)
	if !ok {
		return time.Time{}, false
	}
	return v.(time.Time), true
}

// Len returns the number of tracked entities
func (l *Ledger) Len() int {
	return l.entries.Len()
}

// Prune drops entries whose window has already elapsed at now. Such an
// entry would allow the next notification anyway, so removing it does not
// change any decision. Returns the number of entries removed.
func (l *Ledger) Prune(now time.Time, cooldown time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	if cooldown <= 0 {
		n := l.entries.Len()
		l.entries.Purge()
		return n
	}
	return l.pruneLocked(now, cooldown)
}

func (l *Ledger) pruneLocked(now time.Time, cooldown time.Duration) int {
	removed := 0
	for _, key := range l.entries.Keys() {
		v, ok := l.entries.Peek(key)
		if !ok {
			continue
		}
		if now.Sub(v.(time.Time)) >= cooldown {
			l.entries.Remove(key)
			removed++
		}
	}
	return removed
}

// Snapshot copies the ledger contents
func (l *Ledger) Snapshot() map[string]time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[string]time.Time, l.entries.Len())
	for _, key := range l.entries.Keys() {
		if v, ok := l.entries.Peek(key); ok {
			out[key.(string)] = v.(time.Time)
		}
	}
	return out
}
