package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRateLimiter shares fixed-window counters between gateway replicas.
// Each window gets its own key, so counters reset without a sweep.
type RedisRateLimiter struct {
	client *redis.Client
}

func NewRedisRateLimiter(redisURL string) (*RedisRateLimiter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &RedisRateLimiter{client: client}, nil
}

// windowBounds returns the start of the window containing now and its reset time.
func windowBounds(now time.Time, window time.Duration) (time.Time, time.Time) {
	start := now.Truncate(window)
	return start, start.Add(window)
}

func counterKey(key string, window time.Duration, start time.Time) string {
	return fmt.Sprintf("llmmux:ratelimit:%s:%d:%d", key, int64(window/time.Second), start.Unix())
}

func (r *RedisRateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, int, time.Time, error) {
	start, resetAt := windowBounds(time.Now(), window)
	k := counterKey(key, window, start)

	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, k)
	pipe.ExpireAt(ctx, k, resetAt.Add(time.Minute))
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, time.Time{}, fmt.Errorf("increment %s: %w", k, err)
	}

	count := int(incr.Val())
	if count > limit {
		return false, 0, resetAt, nil
	}
	return true, limit - count, resetAt, nil
}

func (r *RedisRateLimiter) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisRateLimiter) Close() error {
	return r.client.Close()
}
