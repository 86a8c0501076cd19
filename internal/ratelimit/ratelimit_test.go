package ratelimit

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
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
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newMemory(limit int, window time.Duration) (*MemoryLimiter, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := NewMemoryLimiter(Config{Limit: limit, Window: window, Prefix: "test"})
	l.now = clock.Now
	return l, clock
}

func TestMemoryLimiterBoundary(t *testing.T) {
	ctx := context.Background()
	l, clock := newMemory(3, time.Minute)

	for i := 0; i < 3; i++ {
		res, err := l.Check(ctx, "s1")
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, 2-i, res.Remaining)
		clock.Advance(time.Second)
	}

	res, err := l.Check(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Greater(t, res.RetryAfter, time.Duration(0))
	assert.Equal(t, 57*time.Second, res.RetryAfter)

	// Other keys are independent.
	res, err = l.Check(ctx, "s2")
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	// Once the first request leaves the window a slot frees up.
	clock.Advance(57 * time.Second)
	res, err = l.Check(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestMemoryLimiterSlidesInsteadOfResetting(t *testing.T) {
	ctx := context.Background()
	l, clock := newMemory(2, 10*time.Second)

	clock.Advance(9 * time.Second)
	_, _ = l.Check(ctx, "k")
	_, _ = l.Check(ctx, "k")

	// A fixed bucket would reset at t=10s; the sliding window does not.
	clock.Advance(2 * time.Second)
	res, _ := l.Check(ctx, "k")
	assert.False(t, res.Allowed)

	clock.Advance(8 * time.Second)
	res, _ = l.Check(ctx, "k")
	assert.True(t, res.Allowed)
}

func TestMemoryLimiterConcurrentCallers(t *testing.T) {
	l, _ := newMemory(20, time.Minute)
	var allowed int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := l.Check(context.Background(), "hot")
			if err == nil && res.Allowed {
				atomic.AddInt64(&allowed, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(20), allowed)
}

func TestMemoryLimiterPrune(t *testing.T) {
	l, clock := newMemory(5, time.Second)
	_, _ = l.Check(context.Background(), "a")
	_, _ = l.Check(context.Background(), "b")
	clock.Advance(2 * time.Second)
	assert.Equal(t, 2, l.Prune())
	assert.Empty(t, l.logs)
}

func TestRedisLimiterBoundary(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	ctx := context.Background()
	l := NewRedisLimiter(client, Config{Limit: 2, Window: time.Minute, Prefix: "test:" + uuid.NewString()})

	for i := 0; i < 2; i++ {
		res, err := l.Check(ctx, "s1")
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	}
	res, err := l.Check(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Greater(t, res.RetryAfter, time.Duration(0))
}
