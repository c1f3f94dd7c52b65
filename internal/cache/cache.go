// Package cache implements a TTL cache whose misses are coalesced: however many
// goroutines ask for the same cold key at once, the producer runs once and every
// caller observes its single result.
package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"soundboard.app/internal/obs"
)

// Producer hydrates the value for one key.
type Producer[V any] func(ctx context.Context) (V, error)

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// Cache is a string-keyed TTL cache with single-flight population.
type Cache[V any] struct {
	name string
	ttl  time.Duration
	now  func() time.Time

	mu      sync.RWMutex
	entries map[string]entry[V]
	// keys being hydrated; true once invalidated mid-flight
	pending map[string]bool

	// one in-flight call per key; its mutex is only held to find or install the call
	flights singleflight.Group

	janitor   time.Duration
	stop      chan struct{}
	closeOnce sync.Once
}

// Option configures a Cache.
type Option func(*options)

type options struct {
	now     func() time.Time
	janitor time.Duration
}

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(o *options) {
		if fn != nil {
			o.now = fn
		}
	}
}

// WithJanitor sweeps expired entries every interval until Close is called.
func WithJanitor(interval time.Duration) Option {
	return func(o *options) { o.janitor = interval }
}

// New builds a cache; name labels its metrics.
func New[V any](name string, ttl time.Duration, opts ...Option) *Cache[V] {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	c := &Cache[V]{
		name:    name,
		ttl:     ttl,
		now:     o.now,
		entries: make(map[string]entry[V]),
		pending: make(map[string]bool),
		janitor: o.janitor,
		stop:    make(chan struct{}),
	}
	if c.janitor > 0 {
		go c.sweepLoop()
	}
	return c
}

// Get returns an unexpired cached value.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		var zero V
		return zero, false
	}
	if !c.now().Before(e.expiresAt) {
		c.mu.Lock()
		if cur, ok := c.entries[key]; ok && !c.now().Before(cur.expiresAt) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set stores v for the cache TTL.
func (c *Cache[V]) Set(key string, v V) {
	c.mu.Lock()
	c.entries[key] = entry[V]{value: v, expiresAt: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

// GetOrPopulate returns the cached value for key or hydrates it with produce.
// Concurrent misses for the same key share one producer call. The value is stored
// before waiters are released, so a waiter that re-checks always sees it. A failed
// hydration is handed to every waiter and nothing is cached. Neither is a result
// whose key was invalidated while the producer ran; waiters still receive it.
func (c *Cache[V]) GetOrPopulate(ctx context.Context, key string, produce Producer[V]) (V, error) {
	if v, ok := c.Get(key); ok {
		obs.CacheLookups.WithLabelValues(c.name, "hit").Inc()
		return v, nil
	}

	ran := false
	ch := c.flights.DoChan(key, func() (any, error) {
		ran = true
		// A flight that finished between our miss and this call already stored the value.
		if v, ok := c.Get(key); ok {
			return v, nil
		}
		c.mu.Lock()
		c.pending[key] = false
		c.mu.Unlock()

		v, err := produce(context.WithoutCancel(ctx))

		c.mu.Lock()
		stale := c.pending[key]
		delete(c.pending, key)
		if err == nil && !stale {
			c.entries[key] = entry[V]{value: v, expiresAt: c.now().Add(c.ttl)}
		}
		c.mu.Unlock()

		switch {
		case err != nil:
			obs.CacheHydrations.WithLabelValues(c.name, "error").Inc()
		case stale:
			obs.CacheHydrations.WithLabelValues(c.name, "stale").Inc()
		default:
			obs.CacheHydrations.WithLabelValues(c.name, "ok").Inc()
		}
		return v, err
	})

	select {
	case res := <-ch:
		if ran {
			obs.CacheLookups.WithLabelValues(c.name, "miss").Inc()
		} else {
			obs.CacheLookups.WithLabelValues(c.name, "shared").Inc()
		}
		if res.Err != nil {
			var zero V
			return zero, res.Err
		}
		return res.Val.(V), nil
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	}
}

// Invalidate drops key. An in-flight hydration for it completes but is not stored.
func (c *Cache[V]) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	if _, ok := c.pending[key]; ok {
		c.pending[key] = true
	}
	c.mu.Unlock()
}

// InvalidateAll empties the cache and discards every in-flight hydration.
func (c *Cache[V]) InvalidateAll() {
	c.mu.Lock()
	c.entries = make(map[string]entry[V])
	for k := range c.pending {
		c.pending[k] = true
	}
	c.mu.Unlock()
}

// Len counts stored entries, expired ones included until swept.
func (c *Cache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Sweep removes expired entries and reports how many were dropped.
func (c *Cache[V]) Sweep() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// Close stops the janitor.
func (c *Cache[V]) Close() {
	c.closeOnce.Do(func() { close(c.stop) })
}

func (c *Cache[V]) sweepLoop() {
	ticker := time.NewTicker(c.janitor)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.Sweep()
		case <-c.stop:
			return
		}
	}
}
