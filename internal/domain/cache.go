package domain

import (
	"context"
	"time"
)

// Cache defines the interface for caching operations. The community tier
// uses a local LRU; the pro tier layers Redis behind it for distributed
// profile caching and intake rate counters.
type Cache interface {
	// Get retrieves a value from cache. Returns nil, nil if key not found.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value in cache with expiration.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from cache.
	Delete(ctx context.Context, key string) error

	// IncrementCounter atomically increments a windowed counter and returns
	// the new value. Used for per-account intake rate accounting.
	IncrementCounter(ctx context.Context, key string, window time.Duration) (int64, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is "memory" or "redis"
	Type string

	// Redis specific
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// EnableTwoPhase layers the local LRU in front of Redis.
	EnableTwoPhase bool

	// Local LRU settings
	LocalMaxSize int
	LocalTTL     time.Duration
}
