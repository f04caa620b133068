package usecase

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

// Cache abstracts the Redis operations used to memoize model scores.
type Cache interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Get(ctx context.Context, key string) (string, error)
}

// RedisCache is a concrete implementation backed by go-redis. Keys are
// namespaced with an optional prefix so several deployments can share a server.
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache constructs a new Redis-backed cache adapter.
func NewRedisCache(client *redis.Client, prefix string) *RedisCache {
	return &RedisCache{client: client, prefix: prefix}
}

// Set writes a value to Redis.
func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return c.client.Set(ctx, c.prefix+key, value, expiration).Err()
}

// Get retrieves a cached value from Redis. A missing key yields redis.Nil.
func (c *RedisCache) Get(ctx context.Context, key string) (string, error) {
	return c.client.Get(ctx, c.prefix+key).Result()
}
