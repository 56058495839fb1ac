package data

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/coder/quartz"

	"github.com/mrlancelot/fantastic-spork-sub001/internal/core"
)

type memoryCacheEntry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

func (e memoryCacheEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryCacheRepo implements core.CacheRepository with a mutex-guarded map.
// Expired entries are evicted when read.
type MemoryCacheRepo struct {
	mu      sync.Mutex
	entries map[string]memoryCacheEntry
	clock   quartz.Clock
}

var _ core.CacheRepository = (*MemoryCacheRepo)(nil)

// NewMemoryCacheRepo creates an empty MemoryCacheRepo. A nil clock uses the real clock.
func NewMemoryCacheRepo(clock quartz.Clock) *MemoryCacheRepo {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &MemoryCacheRepo{entries: make(map[string]memoryCacheEntry), clock: clock}
}

// Set stores a copy of value with the given TTL.
func (r *MemoryCacheRepo) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return errors.New("key cannot be empty")
	}

	entry := memoryCacheEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		entry.expiresAt = r.clock.Now().Add(ttl)
	}

	r.mu.Lock()
	r.entries[key] = entry
	r.mu.Unlock()
	return nil
}

// Get returns a copy of the stored value, or nil when missing or expired.
func (r *MemoryCacheRepo) Get(_ context.Context, key string) ([]byte, error) {
	if key == "" {
		return nil, errors.New("key cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok {
		return nil, nil
	}
	if entry.expired(r.clock.Now()) {
		delete(r.entries, key)
		return nil, nil
	}
	return append([]byte(nil), entry.value...), nil
}

// Delete removes a key.
func (r *MemoryCacheRepo) Delete(_ context.Context, key string) (bool, error) {
	if key == "" {
		return false, errors.New("key cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	delete(r.entries, key)
	return ok && !entry.expired(r.clock.Now()), nil
}

// Clear removes every key with the prefix. An empty prefix clears everything.
func (r *MemoryCacheRepo) Clear(_ context.Context, prefix string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for key := range r.entries {
		if strings.HasPrefix(key, prefix) {
			delete(r.entries, key)
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored entries, including ones that expired but were not yet read.
func (r *MemoryCacheRepo) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Health always succeeds.
func (r *MemoryCacheRepo) Health(context.Context) error { return nil }
