package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mrlancelot/fantastic-spork-sub001/internal/domain/fingerprint"
)

// CacheRepository defines the interface for caching operations.
// The core defines the interface and internal/data provides memory and Redis implementations.
type CacheRepository interface {
	// Set stores a value with the given key and TTL. A zero TTL never expires.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Get retrieves a value by key.
	// Returns nil if the key doesn't exist or has expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes a key from the cache.
	// Returns true if the key was deleted, false if it didn't exist.
	Delete(ctx context.Context, key string) (bool, error)

	// Clear removes every key that starts with prefix and returns how many were removed.
	Clear(ctx context.Context, prefix string) (int, error)

	// Health checks the health of the cache backend.
	Health(ctx context.Context) error
}

// ResultCacheConfig holds configuration for the result cache.
type ResultCacheConfig struct {
	KeyPrefix  string
	DefaultTTL time.Duration
}

// DefaultResultCacheConfig returns a ResultCacheConfig with sensible defaults.
func DefaultResultCacheConfig() ResultCacheConfig {
	return ResultCacheConfig{
		KeyPrefix:  "result:",
		DefaultTTL: 15 * time.Minute,
	}
}

// ResultCacheOptions bundles dependencies for NewResultCache.
type ResultCacheOptions struct {
	Repo   CacheRepository // Required
	Config ResultCacheConfig
	Logger *slog.Logger
}

// ResultCache maps request fingerprints to previously computed results.
// Concurrent callers may both miss and both recompute; there is no get-then-set transaction.
type ResultCache struct {
	repo   CacheRepository
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

// NewResultCache creates a new ResultCache.
func NewResultCache(opts ResultCacheOptions) (*ResultCache, error) {
	if opts.Repo == nil {
		return nil, errors.New("CacheRepository is required")
	}

	cfg := opts.Config
	def := DefaultResultCacheConfig()
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = def.KeyPrefix
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = def.DefaultTTL
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "result_cache")
	}

	return &ResultCache{repo: opts.Repo, prefix: cfg.KeyPrefix, ttl: cfg.DefaultTTL, logger: logger}, nil
}

// DefaultTTL returns the TTL used when Set is called with ttl <= 0.
func (c *ResultCache) DefaultTTL() time.Duration { return c.ttl }

// Key returns the cache key for params under namespace.
func (c *ResultCache) Key(namespace string, params any) (string, error) {
	fp, err := fingerprint.Of(namespace, params)
	if err != nil {
		return "", fmt.Errorf("fingerprint %s: %w", namespace, err)
	}
	return c.prefix + namespace + ":" + fp, nil
}

// Get decodes the cached value for params into dest. It reports false on a miss
// or when the entry has expired.
func (c *ResultCache) Get(ctx context.Context, namespace string, params, dest any) (bool, error) {
	key, err := c.Key(namespace, params)
	if err != nil {
		return false, err
	}

	raw, err := c.repo.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("cache get %s: %w", namespace, err)
	}
	if raw == nil {
		return false, nil
	}

	if err := json.Unmarshal(raw, dest); err != nil {
		// A value that no longer decodes is treated as a miss and dropped.
		if _, delErr := c.repo.Delete(ctx, key); delErr != nil && c.logger != nil {
			c.logger.WarnContext(ctx, "failed to drop undecodable cache entry", "key", key, "error", delErr)
		}
		return false, nil
	}
	return true, nil
}

// Set stores value for params, replacing any prior entry. ttl <= 0 uses the default TTL.
func (c *ResultCache) Set(ctx context.Context, namespace string, params, value any, ttl time.Duration) error {
	key, err := c.Key(namespace, params)
	if err != nil {
		return err
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache encode %s: %w", namespace, err)
	}

	if ttl <= 0 {
		ttl = c.ttl
	}
	if err := c.repo.Set(ctx, key, raw, ttl); err != nil {
		return fmt.Errorf("cache set %s: %w", namespace, err)
	}
	return nil
}

// Invalidate removes the entry for params if present.
func (c *ResultCache) Invalidate(ctx context.Context, namespace string, params any) error {
	key, err := c.Key(namespace, params)
	if err != nil {
		return err
	}
	_, err = c.repo.Delete(ctx, key)
	return err
}

// Clear drops all entries owned by this cache.
func (c *ResultCache) Clear(ctx context.Context) (int, error) {
	n, err := c.repo.Clear(ctx, c.prefix)
	if err != nil {
		return 0, fmt.Errorf("cache clear: %w", err)
	}
	if c.logger != nil {
		c.logger.InfoContext(ctx, "result cache cleared", "removed", n)
	}
	return n, nil
}

// Health checks the backing store.
func (c *ResultCache) Health(ctx context.Context) error {
	return c.repo.Health(ctx)
}
