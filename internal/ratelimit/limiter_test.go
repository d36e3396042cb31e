package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
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

func newTestBackend() (*MemoryBackend, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}
	backend := NewMemoryBackend()
	backend.now = clock.Now
	return backend, clock
}

type brokenBackend struct{}

func (brokenBackend) Incr(context.Context, string, time.Duration) (int64, error) {
	return 0, errors.New("connection refused")
}

func TestLimiterFixedWindow(t *testing.T) {
	backend, clock := newTestBackend()
	limiter := New(backend, true)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, err := limiter.Allow(ctx, "relay:client-1", 3, time.Minute)
		assert.Nil(t, err)
		assert.True(t, allowed, "call %d must be allowed", i+1)
	}

	allowed, err := limiter.Allow(ctx, "relay:client-1", 3, time.Minute)
	assert.Nil(t, err)
	assert.False(t, allowed, "4th call within the window must be denied")

	// other keys are not affected
	allowed, _ = limiter.Allow(ctx, "relay:client-2", 3, time.Minute)
	assert.True(t, allowed)

	clock.Advance(time.Minute)

	allowed, err = limiter.Allow(ctx, "relay:client-1", 3, time.Minute)
	assert.Nil(t, err)
	assert.True(t, allowed, "a new window must allow calls again")
}

func TestLimiterAllowAction(t *testing.T) {
	backend, _ := newTestBackend()
	limiter := New(backend, true)
	rule := Rule{Limit: 1, Window: time.Second}

	allowed, _ := limiter.AllowAction(context.Background(), ActionJoin, "client-1", rule)
	assert.True(t, allowed)

	allowed, _ = limiter.AllowAction(context.Background(), ActionJoin, "client-1", rule)
	assert.False(t, allowed)

	allowed, _ = limiter.AllowAction(context.Background(), ActionNext, "client-1", rule)
	assert.True(t, allowed, "actions are counted separately")
}

func TestLimiterConcurrentIncrements(t *testing.T) {
	backend, _ := newTestBackend()
	limiter := New(backend, true)

	var (
		wg      sync.WaitGroup
		allowed int64
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := limiter.Allow(context.Background(), "k", 10, time.Minute); ok {
				atomic.AddInt64(&allowed, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(10), allowed)
}

func TestLimiterBackendUnavailable(t *testing.T) {
	t.Run("fail open", func(t *testing.T) {
		allowed, err := New(brokenBackend{}, true).Allow(context.Background(), "k", 1, time.Second)
		assert.True(t, allowed)
		assert.True(t, errors.Is(err, ErrBackendUnavailable))
	})

	t.Run("fail closed", func(t *testing.T) {
		allowed, err := New(brokenBackend{}, false).Allow(context.Background(), "k", 1, time.Second)
		assert.False(t, allowed)
		assert.True(t, errors.Is(err, ErrBackendUnavailable))
	})
}

func TestMemoryBackendCleanup(t *testing.T) {
	backend, clock := newTestBackend()
	ctx := context.Background()

	backend.Incr(ctx, "short", time.Second)
	backend.Incr(ctx, "long", time.Hour)
	assert.Equal(t, 2, backend.size())

	clock.Advance(2 * time.Second)
	assert.Equal(t, 1, backend.Cleanup())
	assert.Equal(t, 1, backend.size())
}

func TestRedisBackendUnreachable(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer rdb.Close()

	limiter := New(NewRedisBackend(rdb), true)

	allowed, err := limiter.Allow(context.Background(), "relay:client-1", 3, time.Minute)
	assert.True(t, allowed)
	assert.True(t, errors.Is(err, ErrBackendUnavailable))
}
