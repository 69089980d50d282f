package repository

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// CacheRepository wraps the Redis client with the small counter surface the
// quota layer consumes. Missing keys read as zero.
type CacheRepository struct {
	client *redis.Client
}

// NewCacheRepository constructs the repository.
func NewCacheRepository(client *redis.Client) *CacheRepository {
	return &CacheRepository{client: client}
}

// Incr atomically increments a counter.
func (r *CacheRepository) Incr(ctx context.Context, key string) (int64, error) {
	return r.client.Incr(ctx, key).Result()
}

// IncrBy atomically adds value to a counter.
func (r *CacheRepository) IncrBy(ctx context.Context, key string, value int64) (int64, error) {
	return r.client.IncrBy(ctx, key, value).Result()
}

// DecrBy atomically subtracts value from a counter.
func (r *CacheRepository) DecrBy(ctx context.Context, key string, value int64) (int64, error) {
	return r.client.DecrBy(ctx, key, value).Result()
}

// Expire sets a TTL on a key.
func (r *CacheRepository) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return r.client.Expire(ctx, key, ttl).Err()
}

// Get reads a counter; a missing key is zero, not an error.
func (r *CacheRepository) Get(ctx context.Context, key string) (int64, error) {
	value, err := r.client.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return value, err
}
