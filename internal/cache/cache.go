package cache

import (
	"context"
	"errors"
	"time"
)

// Common errors
var (
	ErrNotFound     = errors.New("key not found in cache")
	ErrNotConnected = errors.New("not connected to cache")
)

// Cache is the shared cache / counter store contract. Rate windows rely on
// IncrementWithTTL being atomic enough that a key created by an increment
// carries the window expiry.
type Cache interface {
	// Connect establishes a connection to the cache
	Connect() error

	// Close closes the connection to the cache
	Close() error

	// IsConnected returns true if the cache is connected
	IsConnected() bool

	// Type returns the type of the cache (e.g., "redis", "memcached")
	Type() string

	// Get retrieves a value from the cache
	Get(ctx context.Context, key string) (string, error)

	// Set stores a value in the cache with an optional expiration
	Set(ctx context.Context, key string, value string, expiration time.Duration) error

	// Delete removes a value from the cache
	Delete(ctx context.Context, key string) error

	// Exists checks if a key exists in the cache
	Exists(ctx context.Context, key string) (bool, error)

	// Increment increments a numeric value by the given amount
	Increment(ctx context.Context, key string, amount int64) (int64, error)

	// Decrement decrements a numeric value by the given amount
	Decrement(ctx context.Context, key string, amount int64) (int64, error)

	// IncrementWithTTL increments a numeric value and, when the increment
	// created the key, applies the given expiry so the counter behaves as a
	// fixed window
	IncrementWithTTL(ctx context.Context, key string, amount int64, ttl time.Duration) (int64, error)

	// Expire sets an expiration time on a key
	Expire(ctx context.Context, key string, expiration time.Duration) error

	// FlushAll removes all keys from the cache
	FlushAll(ctx context.Context) error
}

// Config represents the configuration for a cache
type Config struct {
	Type     string // Type of cache (redis, memcached, memory)
	Host     string // Hostname or IP address
	Port     int    // Port number
	Password string // Password for authentication
	Database int    // Database number (for Redis)
}

// Factory creates cache instances based on configuration
func Factory(config Config) (Cache, error) {
	switch config.Type {
	case "redis":
		return NewRedis(config), nil
	case "memcached":
		return NewMemcached(config), nil
	case "memory":
		return NewMemory(), nil
	default:
		return nil, errors.New("unsupported cache type: " + config.Type)
	}
}
