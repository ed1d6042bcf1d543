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

// Cache is a key/value store shared with other processes. Values are opaque
// bytes; callers pick the encoding.
type Cache interface {
	// Connect establishes a connection to the cache
	Connect() error

	// Close closes the connection to the cache
	Close() error

	// IsConnected returns true if the cache is connected
	IsConnected() bool

	// Name returns the name of the cache
	Name() string

	// Type returns the type of the cache ("memory", "redis" or "memcached")
	Type() string

	// Get retrieves a value, or ErrNotFound
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value; a zero expiration keeps it until deleted
	Set(ctx context.Context, key string, value []byte, expiration time.Duration) error

	// Delete removes a value. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// Config represents the configuration for a cache
type Config struct {
	Type     string // memory, redis or memcached
	Name     string // Name of this cache instance
	Host     string
	Port     int // 0 selects the backend default
	Password string
	Database int // Redis only
	Timeout  time.Duration
}

// Factory creates cache instances based on configuration
func Factory(config Config) (Cache, error) {
	switch config.Type {
	case "redis":
		return NewRedis(config), nil
	case "memcached":
		return NewMemcached(config), nil
	case "memory":
		return NewMemory(config), nil
	default:
		return nil, errors.New("unsupported cache type: " + config.Type)
	}
}
