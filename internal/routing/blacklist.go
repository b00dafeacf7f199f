package routing

import (
	"sync"
	"time"
)

// Blacklist tracks candidates that reported rate limiting, each with its own
// expiry deadline. A blocked candidate is skipped without an adapter call
// until its deadline passes; expiry is lazy, so no background timer is
// required for correctness. Safe for concurrent use.
type Blacklist struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time // replaceable in tests
}

// NewBlacklist returns an empty blacklist.
func NewBlacklist() *Blacklist {
	return &Blacklist{
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

// Block marks key as rate limited for d from now. Re-blocking an already
// blocked key never shortens its remaining window: the later deadline wins.
func (b *Blacklist) Block(key string, d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	deadline := b.now().Add(d)
	if cur, ok := b.entries[key]; ok && cur.After(deadline) {
		return
	}
	b.entries[key] = deadline
}

// Blocked reports whether key is currently rate limited. Expired entries are
// removed as a side effect.
func (b *Blacklist) Blocked(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	deadline, ok := b.entries[key]
	if !ok {
		return false
	}
	if !b.now().Before(deadline) {
		delete(b.entries, key)
		return false
	}
	return true
}

// Len returns the number of live entries, dropping any that expired. Exposed
// for the blacklist size gauge and the debug endpoint.
func (b *Blacklist) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	for key, deadline := range b.entries {
		if !now.Before(deadline) {
			delete(b.entries, key)
		}
	}
	return len(b.entries)
}

// Snapshot returns the live entries and their deadlines, for the debug
// routing endpoint.
func (b *Blacklist) Snapshot() map[string]time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	out := make(map[string]time.Time, len(b.entries))
	for key, deadline := range b.entries {
		if now.Before(deadline) {
			out[key] = deadline
		}
	}
	return out
}
