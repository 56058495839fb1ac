package data

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mrlancelot/fantastic-spork-sub001/internal/core"
)

const clearScanCount = 500

// RedisCacheRepo implements the CacheRepository interface using Redis.
type RedisCacheRepo struct {
	client redis.UniversalClient
}

var _ core.CacheRepository = (*RedisCacheRepo)(nil)

// NewRedisCacheRepo creates a new RedisCacheRepo with the given Redis client.
func NewRedisCacheRepo(client redis.UniversalClient) *RedisCacheRepo {
	return &RedisCacheRepo{client: client}
}

// Set stores a value in Redis with the given key and TTL.
func (r *RedisCacheRepo) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return errors.New("key cannot be empty")
	}

	return r.client.Set(ctx, key, value, ttl).Err()
}

// Get retrieves a value from Redis by key.
func (r *RedisCacheRepo) Get(ctx context.Context, key string) ([]byte, error) {
	if key == "" {
		return nil, errors.New("key cannot be empty")
	}

	result, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil // Key doesn't exist
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}

	return result, nil
}

// Delete removes a key from Redis.
func (r *RedisCacheRepo) Delete(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, errors.New("key cannot be empty")
	}

	result, err := r.client.Del(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("redis del: %w", err)
	}

	return result > 0, nil
}

// Clear deletes every key matching prefix*. SCAN is used instead of KEYS so large
// keyspaces do not block the server. On a cluster client each master is scanned.
func (r *RedisCacheRepo) Clear(ctx context.Context, prefix string) (int, error) {
	if prefix == "" {
		return 0, errors.New("prefix cannot be empty")
	}
	pattern := prefix + "*"

	if cluster, ok := r.client.(*redis.ClusterClient); ok {
		// ForEachMaster runs the callback concurrently.
		var total atomic.Int64
		err := cluster.ForEachMaster(ctx, func(ctx context.Context, node *redis.Client) error {
			n, err := clearNode(ctx, node, pattern)
			total.Add(int64(n))
			return err
		})
		return int(total.Load()), err
	}
	return clearNode(ctx, r.client, pattern)
}

func clearNode(ctx context.Context, c redis.Cmdable, pattern string) (int, error) {
	var (
		cursor uint64
		total  int
	)
	for {
		keys, next, err := c.Scan(ctx, cursor, pattern, clearScanCount).Result()
		if err != nil {
			return total, fmt.Errorf("redis scan: %w", err)
		}
		for _, key := range keys {
			n, err := c.Del(ctx, key).Result()
			if err != nil {
				return total, fmt.Errorf("redis del: %w", err)
			}
			total += int(n)
		}
		if next == 0 {
			return total, nil
		}
		cursor = next
	}
}

// Health checks the health of the Redis connection.
func (r *RedisCacheRepo) Health(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
