// Package cache provides a generic in-memory TTL cache used for connector
// working sets: the GitHub poller's PR freshness cache and the dedupe
// transform's suppression window. Thread-safe via sync.RWMutex.
//
// Expiry is lazy on Get plus an explicit EvictExpired sweep so long-lived
// pollers can amortize cleanup on their own cadence.
package cache

import (
	"sync"
	"time"
)

// DefaultTTL applies when Options.TTL is zero.
const DefaultTTL = 30 * time.Second

// DefaultMaxEntries applies when Options.MaxEntries is zero.
const DefaultMaxEntries = 1000

// Options configures a Cache instance.
type Options struct {
	// TTL is the time-to-live for each entry. Zero uses DefaultTTL.
	TTL time.Duration

	// MaxEntries caps the cache; the oldest entry is evicted at capacity.
	// Zero uses DefaultMaxEntries.
	MaxEntries int
}

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// Cache is a generic TTL cache with insertion-order eviction at capacity.
type Cache[K comparable, V any] struct {
	mu         sync.RWMutex
	entries    map[K]entry[V]
	order      []K
	ttl        time.Duration
	maxEntries int
}

// New creates a Cache with the given options.
func New[K comparable, V any](opts Options) *Cache[K, V] {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	maxEntries := opts.MaxEntries
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Cache[K, V]{
		entries:    make(map[K]entry[V]),
		ttl:        ttl,
		maxEntries: maxEntries,
	}
}

// Get retrieves a value by key. Expired entries are removed lazily and
// reported as missing.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		var zero V
		return zero, false
	}
	if time.Now().After(e.expiresAt) {
		c.mu.Lock()
		c.removeLocked(key)
		c.mu.Unlock()
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set adds or refreshes an entry. Refreshing resets the entry's TTL. At
// capacity, expired entries are swept first, then the oldest entry goes.
func (c *Cache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; exists {
		c.entries[key] = entry[V]{value: value, expiresAt: time.Now().Add(c.ttl)}
		return
	}

	if len(c.entries) >= c.maxEntries {
		c.evictExpiredLocked(time.Now())
	}
	if len(c.entries) >= c.maxEntries && len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}

	c.entries[key] = entry[V]{value: value, expiresAt: time.Now().Add(c.ttl)}
	c.order = append(c.order, key)
}

// Delete removes a single entry. No-op for unknown keys.
func (c *Cache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(key)
}

// Len returns the number of entries, including expired-but-unswept ones.
func (c *Cache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Keys returns the live keys in insertion order.
func (c *Cache[K, V]) Keys() []K {
	c.mu.RLock()
	defer c.mu.RUnlock()
	now := time.Now()
	out := make([]K, 0, len(c.order))
	for _, k := range c.order {
		if e, ok := c.entries[k]; ok && !now.After(e.expiresAt) {
			out = append(out, k)
		}
	}
	return out
}

// EvictExpired sweeps all expired entries and reports how many were removed.
// Callers with their own cadence (the GitHub poller's 30-day PR sweep)
// invoke this amortized rather than per-operation.
func (c *Cache[K, V]) EvictExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictExpiredLocked(time.Now())
}

func (c *Cache[K, V]) removeLocked(key K) {
	if _, ok := c.entries[key]; !ok {
		return
	}
	delete(c.entries, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

func (c *Cache[K, V]) evictExpiredLocked(now time.Time) int {
	removed := 0
	var remaining []K
	for _, k := range c.order {
		if e, ok := c.entries[k]; ok && now.After(e.expiresAt) {
			delete(c.entries, k)
			removed++
		} else {
			remaining = append(remaining, k)
		}
	}
	c.order = remaining
	return removed
}
