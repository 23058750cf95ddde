// Package ratelimit limits requests per API key over fixed windows. The
// gateway checks a per-minute and a per-day window for keys that set them.
// Supports both in-memory (single instance) and Redis (distributed) backends.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

const (
	Minute = time.Minute
	Day    = 24 * time.Hour
)

// RateLimiter returns whether the request is allowed, the remaining quota and
// when the window resets.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (allowed bool, remaining int, resetAt time.Time, err error)
}

type InMemoryRateLimiter struct {
	mu      sync.Mutex
	windows map[windowKey]*counter
}

type windowKey struct {
	key    string
	window time.Duration
}

type counter struct {
	count   int
	resetAt time.Time
}

func NewInMemoryRateLimiter() *InMemoryRateLimiter {
	return &InMemoryRateLimiter{
		windows: make(map[windowKey]*counter),
	}
}

func (r *InMemoryRateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, int, time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	wk := windowKey{key: key, window: window}

	c, ok := r.windows[wk]
	if !ok || now.After(c.resetAt) {
		c = &counter{resetAt: now.Add(window)}
		r.windows[wk] = c
	}

	if c.count >= limit {
		return false, 0, c.resetAt, nil
	}

	c.count++
	return true, limit - c.count, c.resetAt, nil
}
