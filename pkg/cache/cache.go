// Package cache provides a thread-safe in-memory response cache with
// per-entry TTLs and explicit invalidation.
//
// Expiry is checked lazily on read; there is no background sweeper. Entries
// that are never read again stay resident until explicitly invalidated, so
// callers that care about size bounds should invalidate proactively (for
// example on filter or sort changes).
package cache

import (
	"strings"
	"sync"
	"time"
)

// entry represents a cached value with its creation time and TTL.
type entry struct {
	value     any
	createdAt time.Time
	ttl       time.Duration
}

// expired reports whether the entry is past its TTL at the given time.
func (e entry) expired(now time.Time) bool {
	return now.Sub(e.createdAt) > e.ttl
}

// Stats holds cache performance counters.
type Stats struct {
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	Sets        int64 `json:"sets"`
	Evictions   int64 `json:"evictions"`
	CurrentSize int   `json:"current_size"`
}

// Cache is an in-memory TTL cache keyed by caller-chosen strings.
// It is safe for concurrent use without caller-side locking.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]entry
	stats   Stats

	// now is swappable for tests.
	now func() time.Time
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{
		entries: make(map[string]entry),
		now:     time.Now,
	}
}

// Get retrieves a value from the cache. An expired entry is evicted and
// reported as a miss. There is no sliding expiration: reading an entry does
// not refresh its TTL.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.stats.Misses++
		return nil, false
	}

	if e.expired(c.now()) {
		delete(c.entries, key)
		c.stats.Misses++
		c.stats.Evictions++
		return nil, false
	}

	c.stats.Hits++
	return e.value, true
}

// Set stores a value with the given TTL, overwriting any existing entry for
// the same key regardless of its expiry state.
func (c *Cache) Set(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = entry{
		value:     value,
		createdAt: c.now(),
		ttl:       ttl,
	}
	c.stats.Sets++
}

// Invalidate removes a single entry.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// InvalidateAll removes every entry.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]entry)
}

// InvalidateMatching removes every entry whose key contains the given
// substring. This is the only place the cache looks at key structure;
// callers typically prefix keys with a server or screen identifier so a
// whole group can be dropped at once.
func (c *Cache) InvalidateMatching(substring string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := 0
	for key := range c.entries {
		if strings.Contains(key, substring) {
			delete(c.entries, key)
			count++
		}
	}
	return count
}

// Stats returns a snapshot of cache counters.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := c.stats
	stats.CurrentSize = len(c.entries)
	return stats
}

// GetTyped retrieves a value and asserts it to T. A present entry of the
// wrong type is reported as a miss.
func GetTyped[T any](c *Cache, key string) (T, bool) {
	var zero T
	v, ok := c.Get(key)
	if !ok {
		return zero, false
	}
	typed, ok := v.(T)
	if !ok {
		return zero, false
	}
	return typed, true
}
