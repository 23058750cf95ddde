package notifications

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduplicator decides whether a server state change still needs announcing.
// Replicas that observe the same transition agree on a single sender.
type Deduplicator interface {
	ShouldNotify(ctx context.Context, server string, t NotificationType) bool
}

// InMemoryDeduplicator remembers the last announced state per server.
type InMemoryDeduplicator struct {
	mu   sync.Mutex
	last map[string]NotificationType
}

func NewInMemoryDeduplicator() *InMemoryDeduplicator {
	return &InMemoryDeduplicator{last: make(map[string]NotificationType)}
}

func (d *InMemoryDeduplicator) ShouldNotify(ctx context.Context, server string, t NotificationType) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if prev, ok := d.last[server]; ok && prev == t {
		return false
	}
	d.last[server] = t
	return true
}

// RedisDeduplicator shares the last announced state across gateway instances.
// An entry expires after ttl, after which the same state may be announced again.
type RedisDeduplicator struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisDeduplicator(redisURL string, ttl time.Duration) (*RedisDeduplicator, error) {
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

	return &RedisDeduplicator{client: client, ttl: ttl}, nil
}

func stateKey(server string) string {
	return "llmmux:notify:" + server
}

// ShouldNotify swaps in the new state with SET GET, so exactly one caller
// sees the previous value differ. Redis errors fail open.
func (d *RedisDeduplicator) ShouldNotify(ctx context.Context, server string, t NotificationType) bool {
	prev, err := d.client.SetArgs(ctx, stateKey(server), string(t), redis.SetArgs{Get: true, TTL: d.ttl}).Result()
	if errors.Is(err, redis.Nil) {
		return true
	}
	if err != nil {
		slog.Warn("notification dedup unavailable, sending anyway", "server", server, "error", err)
		return true
	}
	return prev != string(t)
}

func (d *RedisDeduplicator) Forget(ctx context.Context, server string) error {
	return d.client.Del(ctx, stateKey(server)).Err()
}

func (d *RedisDeduplicator) Close() error {
	return d.client.Close()
}

// DedupNotifier drops notifications the Deduplicator has already seen.
type DedupNotifier struct {
	next  Notifier
	dedup Deduplicator
}

func NewDedupNotifier(next Notifier, dedup Deduplicator) *DedupNotifier {
	return &DedupNotifier{next: next, dedup: dedup}
}

func (n *DedupNotifier) Send(ctx context.Context, notification Notification) error {
	if !n.dedup.ShouldNotify(ctx, notification.Server, notification.Type) {
		slog.Debug("notification already sent by another instance",
			"type", notification.Type,
			"server", notification.Server,
		)
		return nil
	}
	return n.next.Send(ctx, notification)
}
