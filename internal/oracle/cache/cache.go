// Package cache implements the short-TTL, feed-keyed cache that sits
// between the aggregation engine and the request path. Get treats an
// entry past its TTL as a miss; the entry stays stored (and GetStale
// still returns it, flagged as stale) until Sweep removes it.
package cache

import (
	"sync"
	"time"

	"github.com/sawpanic/priceoracle/internal/oracle/feed"
)

// DefaultTTL is deliberately short: the freshness gate upstream already
// bounds data age, so the cache only collapses bursts of identical
// requests rather than retaining data.
const DefaultTTL = 1000 * time.Millisecond

// Stats reports cumulative hit/miss counters.
type Stats struct {
	Hits   int64
	Misses int64
}

type entry struct {
	value     feed.AggregatedPrice
	expiresAt time.Time
}

// Cache is a concurrent FeedId -> AggregatedPrice map with per-entry
// write time and a configurable TTL.
type Cache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]entry
	hits    int64
	misses  int64
}

// New creates a Cache with the given TTL. A zero TTL defaults to
// DefaultTTL.
func New(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		ttl:     ttl,
		entries: make(map[string]entry),
	}
}

// Get returns the cached aggregated price for id if it has not exceeded
// its TTL. A second return of false means "miss"; the caller should
// request fresh aggregation.
func (c *Cache) Get(id feed.ID) (feed.AggregatedPrice, bool) {
	c.mu.RLock()
	e, ok := c.entries[id.Key()]
	c.mu.RUnlock()

	if !ok || time.Now().After(e.expiresAt) {
		c.mu.Lock()
		c.misses++
		c.mu.Unlock()
		return feed.AggregatedPrice{}, false
	}

	c.mu.Lock()
	c.hits++
	c.mu.Unlock()
	return e.value, true
}

// Set stores value for id, overwriting any existing entry and resetting
// its TTL clock.
func (c *Cache) Set(id feed.ID, value feed.AggregatedPrice) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[id.Key()] = entry{value: value, expiresAt: time.Now().Add(c.ttl)}
}

// GetStale returns the cached value for id regardless of TTL expiry,
// alongside whether it was found at all and whether it is still fresh.
// The request handler uses this to serve a stale-but-present value with
// a stale flag instead of failing the request outright.
func (c *Cache) GetStale(id feed.ID) (value feed.AggregatedPrice, found bool, fresh bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[id.Key()]
	if !ok {
		return feed.AggregatedPrice{}, false, false
	}
	return e.value, true, !time.Now().After(e.expiresAt)
}

// Stats returns a snapshot of hit/miss counters.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{Hits: c.hits, Misses: c.misses}
}

// Len returns the number of entries currently stored, including ones that
// may have already expired but not yet been evicted by Sweep.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Sweep removes expired entries. It is safe to call periodically from a
// background goroutine; Get/Set never depend on it for correctness since
// both check expiry inline.
func (c *Cache) Sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}
