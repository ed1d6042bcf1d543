package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

// Memcached implements the Cache interface for Memcached. The client has no
// context support; calls are bounded by the client timeout instead.
type Memcached struct {
	config Config

	mu     sync.RWMutex
	client *memcache.Client
}

// NewMemcached creates a new Memcached cache
func NewMemcached(config Config) *Memcached {
	if config.Host == "" {
		config.Host = "localhost"
	}
	if config.Port == 0 {
		config.Port = 11211
	}
	return &Memcached{config: config}
}

// Connect establishes a connection to the Memcached server
func (m *Memcached) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.client != nil {
		return nil
	}

	client := memcache.New(fmt.Sprintf("%s:%d", m.config.Host, m.config.Port))
	if m.config.Timeout > 0 {
		client.Timeout = m.config.Timeout
	}
	if err := client.Ping(); err != nil {
		return fmt.Errorf("failed to connect to Memcached: %w", err)
	}

	m.client = client
	return nil
}

// Close closes the connection to the Memcached server
func (m *Memcached) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// idle connections are reaped by the client itself
	m.client = nil
	return nil
}

// IsConnected returns true if the cache is connected
func (m *Memcached) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.client != nil
}

// Name returns the name of this cache instance
func (m *Memcached) Name() string { return m.config.Name }

// Type returns the type of this cache
func (m *Memcached) Type() string { return "memcached" }

func (m *Memcached) conn() (*memcache.Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.client == nil {
		return nil, ErrNotConnected
	}
	return m.client, nil
}

// Get retrieves a value from Memcached
func (m *Memcached) Get(ctx context.Context, key string) ([]byte, error) {
	client, err := m.conn()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	it, err := client.Get(key)
	if errors.Is(err, memcache.ErrCacheMiss) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return it.Value, nil
}

// Set stores a value in Memcached. Expirations are rounded up to whole
// seconds.
func (m *Memcached) Set(ctx context.Context, key string, value []byte, expiration time.Duration) error {
	client, err := m.conn()
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return client.Set(&memcache.Item{
		Key:        key,
		Value:      value,
		Expiration: expirySeconds(expiration),
	})
}

// Delete removes a value from Memcached
func (m *Memcached) Delete(ctx context.Context, key string) error {
	client, err := m.conn()
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	err = client.Delete(key)
	if errors.Is(err, memcache.ErrCacheMiss) {
		return nil
	}
	return err
}

func expirySeconds(d time.Duration) int32 {
	if d <= 0 {
		return 0
	}
	secs := (d + time.Second - 1) / time.Second
	// memcached treats values above 30 days as absolute unix timestamps
	if secs > 30*24*60*60 {
		secs = 30 * 24 * 60 * 60
	}
	return int32(secs)
}
