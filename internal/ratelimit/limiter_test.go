package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestLimiterAllowsUpToCeiling(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	l := New(NewMemoryStore(), WithLimit(3), WithWindow(time.Minute), WithClock(clock.Now))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "10.0.0.1", "alice")
		require.NoError(t, err)
		assert.True(t, ok, "request %d should pass", i+1)
	}

	ok, err := l.Allow(ctx, "10.0.0.1", "alice")
	require.NoError(t, err)
	assert.False(t, ok, "request past the ceiling should be denied")

	err = l.Check(ctx, "10.0.0.1", "alice")
	assert.True(t, errors.Is(err, ErrLimitExceeded))
}

func TestLimiterResetsAfterWindow(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	l := New(nil, WithLimit(2), WithWindow(time.Minute), WithClock(clock.Now))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		require.NoError(t, l.Check(ctx, "a", "u"))
	}
	require.Error(t, l.Check(ctx, "a", "u"))

	clock.Advance(time.Minute + time.Second)

	assert.NoError(t, l.Check(ctx, "a", "u"))
}

func TestLimiterKeysByAddressAndUser(t *testing.T) {
	l := New(nil, WithLimit(1))
	ctx := context.Background()

	require.NoError(t, l.Check(ctx, "a", "u1"))
	assert.NoError(t, l.Check(ctx, "a", "u2"))
	assert.NoError(t, l.Check(ctx, "b", "u1"))
	assert.ErrorIs(t, l.Check(ctx, "a", "u1"), ErrLimitExceeded)
}

func TestDefaults(t *testing.T) {
	l := New(nil)
	assert.Equal(t, DefaultLimit, l.limit)
	assert.Equal(t, DefaultWindow, l.window)
}

func TestMemoryStoreConcurrentTakesNeverExceedLimit(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now()

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.Take(context.Background(), "k", 60, time.Minute, now)
			if err == nil && ok {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(60), allowed.Load())
}

func setupRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	store, err := NewRedisStore(context.Background(), fmt.Sprintf("redis://%s", mr.Addr()))
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = store.Close()
	})
	return store, mr
}

func TestRedisStoreFixedWindow(t *testing.T) {
	store, mr := setupRedisStore(t)
	l := New(store, WithLimit(3), WithWindow(time.Minute))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Check(ctx, "10.0.0.1", "alice"))
	}
	assert.ErrorIs(t, l.Check(ctx, "10.0.0.1", "alice"), ErrLimitExceeded)

	key := redisKeyPrefix + windowKey("10.0.0.1", "alice")
	assert.True(t, mr.Exists(key))
	assert.Greater(t, mr.TTL(key), time.Duration(0))

	mr.FastForward(time.Minute + time.Second)

	assert.NoError(t, l.Check(ctx, "10.0.0.1", "alice"))
}

func TestRedisStoreSeparatesUsers(t *testing.T) {
	store, _ := setupRedisStore(t)
	l := New(store, WithLimit(1))
	ctx := context.Background()

	require.NoError(t, l.Check(ctx, "a", "u1"))
	assert.NoError(t, l.Check(ctx, "a", "u2"))
}

func TestNewRedisStoreRejectsBadURL(t *testing.T) {
	_, err := NewRedisStore(context.Background(), "not a url")
	assert.Error(t, err)
}

func TestRedisStoreErrorsSurface(t *testing.T) {
	store, mr := setupRedisStore(t)
	l := New(store)

	mr.Close()

	_, err := l.Allow(context.Background(), "a", "u")
	assert.Error(t, err)
}
