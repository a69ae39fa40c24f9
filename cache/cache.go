package cache

import (
	"sync"
	"time"
)

// Process-wide memoizing cache with per-key TTL. All schedule and
// realtime lookups go through this; values are idempotent
// recomputations, so last-writer-wins on concurrent sets is fine.

type Cache struct {
	mutex   sync.Mutex
	entries map[string]entry

	// Overridable for tests.
	TimeNow func() time.Time

	// Optional observation hooks, called outside the lock.
	OnHit  func()
	OnMiss func()
}

type entry struct {
	value      any
	expiration time.Time
}

func New() *Cache {
	return &Cache{
		entries: map[string]entry{},
		TimeNow: time.Now,
	}
}

func (c *Cache) Get(key string) (any, bool) {
	c.mutex.Lock()
	e, ok := c.entries[key]
	hit := ok && e.expiration.After(c.TimeNow())
	c.mutex.Unlock()

	if !hit {
		if c.OnMiss != nil {
			c.OnMiss()
		}
		return nil, false
	}
	if c.OnHit != nil {
		c.OnHit()
	}
	return e.value, true
}

func (c *Cache) Set(key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		return
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.entries[key] = entry{
		value:      value,
		expiration: c.TimeNow().Add(ttl),
	}
}

// Purge drops all expired entries. Long-running processes should call
// this periodically; the cache never cleans up on its own.
func (c *Cache) Purge() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	now := c.TimeNow()
	for key, e := range c.entries {
		if !e.expiration.After(now) {
			delete(c.entries, key)
		}
	}
}

func (c *Cache) Len() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return len(c.entries)
}

// Result lets a compute function override the cache TTL for the value
// it returns. A TTL <= 0 means the value is served but not stored.
type Result[T any] struct {
	Value T
	TTL   time.Duration
}

// Cached returns the value under key, computing and storing it on a
// miss. The value is stored with defaultTTL. Compute errors propagate
// and nothing is stored.
func Cached[T any](c *Cache, key string, defaultTTL time.Duration, compute func() (T, error)) (T, error) {
	if v, ok := c.Get(key); ok {
		return v.(T), nil
	}

	v, err := compute()
	if err != nil {
		var zero T
		return zero, err
	}

	c.Set(key, v, defaultTTL)
	return v, nil
}

// CachedTTL is Cached for compute functions that decide the TTL
// themselves, e.g. from upstream freshness hints.
func CachedTTL[T any](c *Cache, key string, compute func() (Result[T], error)) (T, error) {
	if v, ok := c.Get(key); ok {
		return v.(T), nil
	}

	res, err := compute()
	if err != nil {
		var zero T
		return zero, err
	}

	c.Set(key, res.Value, res.TTL)
	return res.Value, nil
}
