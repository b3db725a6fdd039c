// Package cache provides a small in-memory TTL cache used in front of the
// account store. Every mutation path must call Invalidate so callers never
// act on stale credentials.
package cache

import (
	"sync"
	"sync/atomic"
	"time"
)

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// TTLCache is a concurrency-safe map with per-entry expiry and explicit
// invalidation. Expired entries are lazily removed on access plus a
// background sweep.
type TTLCache[V any] struct {
	mu         sync.RWMutex
	data       map[string]entry[V]
	defaultTTL time.Duration
	maxItems   int
	stop       chan struct{}
	stopOnce   sync.Once

	hits   atomic.Int64
	misses atomic.Int64
}

// Config configures a TTLCache.
type Config struct {
	DefaultTTL    time.Duration
	MaxItems      int
	SweepInterval time.Duration
}

// New creates a TTLCache and starts its cleanup goroutine.
func New[V any](cfg Config) *TTLCache[V] {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 5 * time.Minute
	}
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = 10000
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}

	c := &TTLCache[V]{
		data:       make(map[string]entry[V]),
		defaultTTL: cfg.DefaultTTL,
		maxItems:   cfg.MaxItems,
		stop:       make(chan struct{}),
	}
	go c.sweepLoop(cfg.SweepInterval)
	return c
}

// Get returns the cached value for key if present and unexpired.
func (c *TTLCache[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	e, ok := c.data[key]
	c.mu.RUnlock()

	if !ok || time.Now().After(e.expiresAt) {
		if ok {
			c.mu.Lock()
			delete(c.data, key)
			c.mu.Unlock()
		}
		c.misses.Add(1)
		var zero V
		return zero, false
	}
	c.hits.Add(1)
	return e.value, true
}

// Set stores value under key with the default TTL.
func (c *TTLCache[V]) Set(key string, value V) {
	c.SetTTL(key, value, c.defaultTTL)
}

// SetTTL stores value under key with an explicit TTL.
func (c *TTLCache[V]) SetTTL(key string, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.data) >= c.maxItems {
		c.evictOldestLocked()
	}
	c.data[key] = entry[V]{value: value, expiresAt: time.Now().Add(ttl)}
}

// Invalidate removes key from the cache. Safe to call for absent keys.
func (c *TTLCache[V]) Invalidate(key string) {
	c.mu.Lock()
	delete(c.data, key)
	c.mu.Unlock()
}

// InvalidateAll drops every entry.
func (c *TTLCache[V]) InvalidateAll() {
	c.mu.Lock()
	c.data = make(map[string]entry[V])
	c.mu.Unlock()
}

// Stats returns hit/miss counters.
func (c *TTLCache[V]) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// Close stops the background sweep.
func (c *TTLCache[V]) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *TTLCache[V]) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time
	first := true
	for k, e := range c.data {
		if first || e.expiresAt.Before(oldest) {
			oldestKey, oldest = k, e.expiresAt
			first = false
		}
	}
	if !first {
		delete(c.data, oldestKey)
	}
}

func (c *TTLCache[V]) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			for k, e := range c.data {
				if now.After(e.expiresAt) {
					delete(c.data, k)
				}
			}
			c.mu.Unlock()
		}
	}
}
