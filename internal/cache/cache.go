// Package cache keeps recently validated API-key records so that every
// request does not hit the key store. It supports both in-memory (single
// instance) and Redis (shared across replicas) backends.
package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/felipepmaragno/llmmux/internal/domain"
)

// KeyCache stores API-key records under the hash of the plaintext key.
type KeyCache interface {
	Get(ctx context.Context, keyHash string) (*domain.APIKey, bool)
	Set(ctx context.Context, keyHash string, key *domain.APIKey, ttl time.Duration) error
	Delete(ctx context.Context, keyHash string) error
}

func cacheKey(keyHash string) string {
	return "apikey:" + keyHash
}

type InMemoryCache struct {
	mu    sync.RWMutex
	items map[string]*cacheItem
	stop  chan struct{}
	once  sync.Once
}

type cacheItem struct {
	key       domain.APIKey
	expiresAt time.Time
}

func NewInMemoryCache() *InMemoryCache {
	c := &InMemoryCache{
		items: make(map[string]*cacheItem),
		stop:  make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Get returns a copy so callers cannot mutate the cached record.
func (c *InMemoryCache) Get(ctx context.Context, keyHash string) (*domain.APIKey, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	item, ok := c.items[cacheKey(keyHash)]
	if !ok || time.Now().After(item.expiresAt) {
		return nil, false
	}

	key := item.key
	return &key, true
}

func (c *InMemoryCache) Set(ctx context.Context, keyHash string, key *domain.APIKey, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items[cacheKey(keyHash)] = &cacheItem{
		key:       *key,
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}

func (c *InMemoryCache) Delete(ctx context.Context, keyHash string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.items, cacheKey(keyHash))
	return nil
}

func (c *InMemoryCache) Close() error {
	c.once.Do(func() { close(c.stop) })
	return nil
}

func (c *InMemoryCache) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
		}

		c.mu.Lock()
		now := time.Now()
		for k, item := range c.items {
			if now.After(item.expiresAt) {
				delete(c.items, k)
			}
		}
		c.mu.Unlock()
	}
}

type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisCache{client: client}, nil
}

// cachedKey carries the hash that domain.APIKey hides from JSON.
type cachedKey struct {
	domain.APIKey
	Hash string `json:"keyHash"`
}

func (c *RedisCache) Get(ctx context.Context, keyHash string) (*domain.APIKey, bool) {
	data, err := c.client.Get(ctx, cacheKey(keyHash)).Bytes()
	if err != nil {
		return nil, false
	}

	var entry cachedKey
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, false
	}

	key := entry.APIKey
	key.KeyHash = entry.Hash
	return &key, true
}

func (c *RedisCache) Set(ctx context.Context, keyHash string, key *domain.APIKey, ttl time.Duration) error {
	data, err := json.Marshal(cachedKey{APIKey: *key, Hash: keyHash})
	if err != nil {
		return err
	}

	return c.client.Set(ctx, cacheKey(keyHash), data, ttl).Err()
}

func (c *RedisCache) Delete(ctx context.Context, keyHash string) error {
	return c.client.Del(ctx, cacheKey(keyHash)).Err()
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
