// Package cache implements a TTL-based key/value store holding the most
// recent decoded payload per logical stream.
//
// Entries are logically expired once now-storedAt exceeds their TTL,
// regardless of physical eviction; expiry is enforced lazily on read.
// Capacity overruns evict the least-recently-stored entry first.
package cache

import (
	"sync"
	"time"
)

// DefaultMaxEntries bounds the store when no limit is configured.
const DefaultMaxEntries = 128

type entry struct {
	value    any
	storedAt time.Time
	ttl      time.Duration
}

// Cache is a bounded TTL store. Safe for concurrent use.
type Cache struct {
	mu         sync.Mutex
	entries    map[string]entry
	maxEntries int

	now func() time.Time // Injectable for tests
}

// New creates a cache bounded to maxEntries.
func New(maxEntries int) *Cache {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Cache{
		entries:    make(map[string]entry),
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// Store inserts or overwrites the value for key with the given TTL.
func (c *Cache) Store(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		c.evictOldestLocked()
	}
	c.entries[key] = entry{value: value, storedAt: c.now(), ttl: ttl}
}

// Retrieve returns the stored value, or nil when the key is absent or the
// entry has outlived its TTL. Expired entries are pruned on read.
func (c *Cache) Retrieve(key string) any {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil
	}
	if c.now().Sub(e.storedAt) > e.ttl {
		delete(c.entries, key)
		return nil
	}
	return e.value
}

// Len returns the number of physically present entries, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Clear discards all entries.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]entry)
}

// evictOldestLocked removes the entry with the earliest storedAt.
// Caller holds c.mu.
func (c *Cache) evictOldestLocked() {
	var (
		oldestKey string
		oldestAt  time.Time
		found     bool
	)
	for k, e := range c.entries {
		if !found || e.storedAt.Before(oldestAt) {
			oldestKey = k
			oldestAt = e.storedAt
			found = true
		}
	}
	if found {
		delete(c.entries, oldestKey)
	}
}
