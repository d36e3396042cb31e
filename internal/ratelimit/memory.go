package ratelimit

import (
	"context"
	"sync"
	"time"
)

type counter struct {
	count       int64
	windowStart time.Time
	window      time.Duration
}

func (c *counter) expired(now time.Time) bool {
	return now.Sub(c.windowStart) >= c.window
}

// MemoryBackend keeps the counters of a single process
type MemoryBackend struct {
	mu       sync.Mutex
	counters map[string]*counter
	now      func() time.Time
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		counters: make(map[string]*counter),
		now:      time.Now,
	}
}

func (b *MemoryBackend) Incr(_ context.Context, key string, window time.Duration) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()

	c, ok := b.counters[key]
	if !ok || c.expired(now) {
		c = &counter{windowStart: now, window: window}
		b.counters[key] = c
	}
	c.count++

	return c.count, nil
}

// Cleanup removes counters whose window has elapsed
func (b *MemoryBackend) Cleanup() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	removed := 0
	for key, c := range b.counters {
		if c.expired(now) {
			delete(b.counters, key)
			removed++
		}
	}
	return removed
}

// Run calls Cleanup every interval until ctx is done
func (b *MemoryBackend) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.Cleanup()
		}
	}
}

func (b *MemoryBackend) size() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.counters)
}
