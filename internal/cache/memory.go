// Package cache provides response caching for the relay.
//
// Two backends are available:
//   - RedisCache  — Redis-backed, recommended when running multiple replicas.
//   - MemoryCache — in-process bounded cache, zero external dependencies.
//     Ideal for single-instance deployments or local development.
//
// Both implement the Cache interface so they are fully interchangeable.
package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// DefaultMemoryEntries bounds the in-process cache: only the most recently
// stored responses are retained.
const DefaultMemoryEntries = 10

type memEntry struct {
	key       string
	data      []byte
	expiresAt time.Time
}

// MemoryCache is an in-process cache holding at most maxEntries responses,
// each with its own TTL. When the bound is reached the oldest entry is
// evicted, so the cache always holds the most recent responses.
//
// Safe for concurrent use. Use RedisCache instead when several replicas must
// share one cache.
type MemoryCache struct {
	mu         sync.Mutex
	entries    map[string]*list.Element
	order      *list.List // front = newest
	maxEntries int
}

// NewMemoryCache creates a MemoryCache bounded to maxEntries. A non-positive
// bound falls back to DefaultMemoryEntries.
func NewMemoryCache(maxEntries int) *MemoryCache {
	if maxEntries <= 0 {
		maxEntries = DefaultMemoryEntries
	}
	return &MemoryCache{
		entries:    make(map[string]*list.Element),
		order:      list.New(),
		maxEntries: maxEntries,
	}
}

// Get returns the cached value for key. Returns (nil, false) on a miss or if
// the entry has expired. Expired entries are removed lazily on access.
func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	ent := el.Value.(*memEntry)
	if time.Now().After(ent.expiresAt) {
		c.remove(el)
		return nil, false
	}
	return ent.data, true
}

// Set stores value under key for the duration of ttl, evicting the oldest
// entry when the bound is reached. A zero or negative ttl is treated as a
// 1-hour TTL.
func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.Hour
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		c.remove(el)
	}
	for c.order.Len() >= c.maxEntries {
		c.remove(c.order.Back())
	}
	ent := &memEntry{key: key, data: value, expiresAt: time.Now().Add(ttl)}
	c.entries[key] = c.order.PushFront(ent)
	return nil
}

// Delete removes key from the cache. Returns nil if the key did not exist.
func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		c.remove(el)
	}
	return nil
}

// Len returns the number of entries currently held.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *MemoryCache) remove(el *list.Element) {
	ent := el.Value.(*memEntry)
	delete(c.entries, ent.key)
	c.order.Remove(el)
}
