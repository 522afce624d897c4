// Package cache provides the read-through TTL cache that sits in front of
// the chain client. The redis subpackage holds the shared Redis adapters.
package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/alanyoungcy/lpkeeper/internal/clock"
	"github.com/alanyoungcy/lpkeeper/internal/domain"
)

// OnChainKey is the cache key for a position account read.
func OnChainKey(address string) string { return "onchain:" + address }

// ActiveBinKey is the cache key for a pool's active bin.
func ActiveBinKey(pool string) string { return "activebin:" + pool }

type entry[V any] struct {
	value     V
	fetchedAt time.Time
	ttl       time.Duration
}

func (e entry[V]) fresh(now time.Time) bool {
	return now.Before(e.fetchedAt.Add(e.ttl))
}

// Cache is a TTL read-through cache keyed by caller-built strings. Entries
// are replaced as a unit, expired entries are evicted lazily on read or by
// Sweep, and fetch errors are never stored. It is safe for concurrent use.
type Cache[V any] struct {
	mu      sync.RWMutex
	entries map[string]entry[V]
	clock   domain.Clock
	group   singleflight.Group
}

// New creates an empty Cache. A nil clock selects the system clock.
func New[V any](c domain.Clock) *Cache[V] {
	if c == nil {
		c = clock.System{}
	}
	return &Cache[V]{
		entries: make(map[string]entry[V]),
		clock:   c,
	}
}

// GetOrFetch returns the cached value for key if it is younger than its ttl,
// otherwise calls fetch, stores the result and returns it. Concurrent misses
// on the same key share one fetch.
func (c *Cache[V]) GetOrFetch(ctx context.Context, key string, ttl time.Duration, fetch func(ctx context.Context) (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}

	res, err, _ := c.group.Do(key, func() (any, error) {
		// Another caller may have filled the entry while we waited.
		if v, ok := c.Get(key); ok {
			return v, nil
		}
		v, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		c.Set(key, v, ttl)
		return v, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return res.(V), nil
}

// Get returns a fresh cached value. An expired entry is evicted.
func (c *Cache[V]) Get(key string) (V, bool) {
	now := c.clock.Now()

	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if ok && e.fresh(now) {
		return e.value, true
	}
	if ok {
		c.mu.Lock()
		if cur, still := c.entries[key]; still && !cur.fresh(now) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
	}
	var zero V
	return zero, false
}

// Set stores value under key with a fresh timestamp.
func (c *Cache[V]) Set(key string, value V, ttl time.Duration) {
	c.mu.Lock()
	c.entries[key] = entry[V]{value: value, fetchedAt: c.clock.Now(), ttl: ttl}
	c.mu.Unlock()
}

// Invalidate drops the given keys. Callers that change remote state must
// invalidate the keys that describe it; there is no cross-key invalidation.
func (c *Cache[V]) Invalidate(keys ...string) {
	c.mu.Lock()
	for _, k := range keys {
		delete(c.entries, k)
	}
	c.mu.Unlock()
}

// Sweep removes every expired entry and returns how many were removed.
func (c *Cache[V]) Sweep() int {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for k, e := range c.entries {
		if !e.fresh(now) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored entries, fresh or not.
func (c *Cache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Sweeper is implemented by caches the monitor loop sweeps opportunistically.
type Sweeper interface {
	Sweep() int
}

var _ Sweeper = (*Cache[int])(nil)
