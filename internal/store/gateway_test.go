package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kljama/netmon/internal/cache"
	"github.com/kljama/netmon/internal/config"
	"github.com/kljama/netmon/internal/device"
)

func TestCachedLoadReadThrough(t *testing.T) {
	c := cache.New()
	calls := 0
	load := func() ([]string, error) {
		calls++
		return []string{"a", "b"}, nil
	}

	got, err := cachedLoad(c, "k", time.Minute, load)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got)

	got, err = cachedLoad(c, "k", time.Minute, load)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got)
	assert.Equal(t, 1, calls, "second read must be served from the cache")
}

func TestCachedLoadErrorsAreNotCached(t *testing.T) {
	c := cache.New()
	boom := errors.New("boom")
	calls := 0
	load := func() (int, error) {
		calls++
		if calls == 1 {
			return 0, boom
		}
		return 7, nil
	}

	_, err := cachedLoad(c, "k", time.Minute, load)
	require.ErrorIs(t, err, boom)

	got, err := cachedLoad(c, "k", time.Minute, load)
	require.NoError(t, err)
	assert.Equal(t, 7, got, "the retry must reach the loader")
}

func TestCachedLoadNilCacheFallsThrough(t *testing.T) {
	calls := 0
	load := func() (int, error) {
		calls++
		return calls, nil
	}
	got, _ := cachedLoad[int](nil, "k", time.Minute, load)
	assert.Equal(t, 1, got)
	got, _ = cachedLoad[int](nil, "k", time.Minute, load)
	assert.Equal(t, 2, got)
}

func TestLatestStateBulkServesCachedEntries(t *testing.T) {
	c := cache.New()
	g := &Gateway{cache: c, ttl: config.CacheConfig{DeviceDetailTTLSec: 30}}

	want := LatestState{DeviceID: "dev-1", DeviceIP: "10.1.2.5", Reachable: true}
	c.Set(cache.DeviceKey("dev-1"), want, time.Minute)

	got, err := g.LatestStateBulk(context.Background(), []device.ID{"dev-1"})
	require.NoError(t, err)
	assert.Equal(t, want, got["dev-1"])
}

func TestTransitionEvictsCachedDeviceState(t *testing.T) {
	c := cache.New()
	c.Set(cache.DeviceKey("dev-1"), LatestState{DeviceID: "dev-1", Reachable: true}, time.Minute)
	c.OnTransition("dev-1")

	// The entry is gone, so the next bulk read falls through to the store.
	_, ok := c.Get(cache.DeviceKey("dev-1"))
	assert.False(t, ok)
}

func TestScopeFilterCacheKeyIsStable(t *testing.T) {
	isp := true
	a := ScopeFilter{ISPLink: &isp, Branch: "hq"}
	b := ScopeFilter{ISPLink: &isp, Branch: "hq"}
	assert.Equal(t, a.CacheKey(), b.CacheKey())

	assert.NotEqual(t, a.CacheKey(), ScopeFilter{Branch: "hq"}.CacheKey())
	assert.NotEqual(t, ScopeFilter{}.CacheKey(), ScopeFilter{Region: "north"}.CacheKey())
	assert.NotEqual(t, ScopeFilter{DeviceType: "switch"}.CacheKey(), ScopeFilter{Branch: "switch"}.CacheKey(),
		"fields must not collide positionally")
}
