package cache_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stopboard/stopboard/cache"
)

func testCache(now *time.Time) *cache.Cache {
	c := cache.New()
	c.TimeNow = func() time.Time { return *now }
	return c
}

func TestCacheGetSet(t *testing.T) {
	now := time.Date(2020, 1, 15, 12, 0, 0, 0, time.UTC)
	c := testCache(&now)

	_, ok := c.Get("k")
	assert.False(t, ok)

	c.Set("k", 42, time.Minute)
	v, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, 42, v)

	// Expired entries are misses
	now = now.Add(time.Minute + time.Second)
	_, ok = c.Get("k")
	assert.False(t, ok)
}

func TestCacheSetZeroTTL(t *testing.T) {
	now := time.Date(2020, 1, 15, 12, 0, 0, 0, time.UTC)
	c := testCache(&now)

	c.Set("k", 42, 0)
	_, ok := c.Get("k")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestCachePurge(t *testing.T) {
	now := time.Date(2020, 1, 15, 12, 0, 0, 0, time.UTC)
	c := testCache(&now)

	c.Set("a", 1, time.Minute)
	c.Set("b", 2, time.Hour)
	now = now.Add(30 * time.Minute)
	c.Purge()

	assert.Equal(t, 1, c.Len())
	_, ok := c.Get("b")
	assert.True(t, ok)
}

func TestCachedComputesOnMissOnly(t *testing.T) {
	now := time.Date(2020, 1, 15, 12, 0, 0, 0, time.UTC)
	c := testCache(&now)

	calls := 0
	compute := func() (string, error) {
		calls++
		return "v", nil
	}

	v, err := cache.Cached(c, "k", time.Minute, compute)
	require.NoError(t, err)
	assert.Equal(t, "v", v)

	v, err = cache.Cached(c, "k", time.Minute, compute)
	require.NoError(t, err)
	assert.Equal(t, "v", v)
	assert.Equal(t, 1, calls)

	now = now.Add(2 * time.Minute)
	_, err = cache.Cached(c, "k", time.Minute, compute)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestCachedErrorNotStored(t *testing.T) {
	now := time.Date(2020, 1, 15, 12, 0, 0, 0, time.UTC)
	c := testCache(&now)

	boom := errors.New("boom")
	_, err := cache.Cached(c, "k", time.Minute, func() (int, error) {
		return 0, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, c.Len())
}

func TestCachedTTL(t *testing.T) {
	now := time.Date(2020, 1, 15, 12, 0, 0, 0, time.UTC)
	c := testCache(&now)

	calls := 0
	v, err := cache.CachedTTL(c, "k", func() (cache.Result[int], error) {
		calls++
		return cache.Result[int]{Value: 7, TTL: 10 * time.Second}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 7, v)

	now = now.Add(5 * time.Second)
	_, err = cache.CachedTTL(c, "k", func() (cache.Result[int], error) {
		calls++
		return cache.Result[int]{Value: 8, TTL: 10 * time.Second}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	now = now.Add(6 * time.Second)
	v, err = cache.CachedTTL(c, "k", func() (cache.Result[int], error) {
		calls++
		return cache.Result[int]{Value: 8, TTL: 10 * time.Second}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 8, v)
	assert.Equal(t, 2, calls)
}

func TestCachedTTLNonPositiveSkipsStore(t *testing.T) {
	now := time.Date(2020, 1, 15, 12, 0, 0, 0, time.UTC)
	c := testCache(&now)

	calls := 0
	for i := 0; i < 2; i++ {
		v, err := cache.CachedTTL(c, "k", func() (cache.Result[int], error) {
			calls++
			return cache.Result[int]{Value: calls, TTL: 0}, nil
		})
		require.NoError(t, err)
		assert.Equal(t, calls, v)
	}
	assert.Equal(t, 2, calls)
}
