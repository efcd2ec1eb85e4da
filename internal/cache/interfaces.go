package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Cache defines the interface for caching operations.
// The memory cache serves single-instance deployments; the Redis cache lets
// several API instances share dashboard aggregates.
type Cache interface {
	// Get retrieves a value by key. Returns ErrCacheMiss if not found.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value with the given TTL.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes the given keys.
	Delete(ctx context.Context, keys ...string) error

	// GetOrSet retrieves a value or computes and stores it if missing.
	GetOrSet(ctx context.Context, key string, ttl time.Duration, fn func() ([]byte, error)) ([]byte, error)

	// Clear removes all entries owned by this cache.
	Clear(ctx context.Context) error

	// Close releases background resources.
	Close() error
}

// Common cache errors
type CacheError string

func (e CacheError) Error() string { return string(e) }

const (
	// ErrCacheMiss indicates the key was not found in cache.
	ErrCacheMiss CacheError = "cache miss"
)

// Keys used by the services.
const (
	KeyDashboardStats = "stats:dashboard"
)

// GetOrSetJSON is GetOrSet for JSON-encoded values. hit reports whether the
// value came from the cache.
func GetOrSetJSON[T any](ctx context.Context, c Cache, key string, ttl time.Duration, fn func() (T, error)) (value T, hit bool, err error) {
	hit = true
	raw, err := c.GetOrSet(ctx, key, ttl, func() ([]byte, error) {
		hit = false
		v, err := fn()
		if err != nil {
			return nil, err
		}
		return json.Marshal(v)
	})
	if err != nil {
		return value, false, err
	}
	if err := json.Unmarshal(raw, &value); err != nil {
		// A corrupt entry is dropped and recomputed once.
		_ = c.Delete(ctx, key)
		if hit {
			v, err := fn()
			return v, false, err
		}
		return value, false, err
	}
	return value, hit, nil
}

// IsMiss reports whether err is a cache miss.
func IsMiss(err error) bool {
	return errors.Is(err, ErrCacheMiss)
}
