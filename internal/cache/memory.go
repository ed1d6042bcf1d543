package cache

import (
	"context"
	"sync"
	"time"
)

type item struct {
	value      []byte
	expiration time.Time // zero means no expiry
}

func (i item) expired(now time.Time) bool {
	return !i.expiration.IsZero() && now.After(i.expiration)
}

// Memory is a process-local Cache, used when no shared cache is configured
// and in tests.
type Memory struct {
	config    Config
	items     map[string]item
	mu        sync.RWMutex
	connected bool
	stopChan  chan struct{}
	now       func() time.Time
}

// NewMemory creates a new in-memory cache
func NewMemory(config Config) *Memory {
	return &Memory{
		config: config,
		items:  make(map[string]item),
		now:    time.Now,
	}
}

// Connect starts the janitor that drops expired items
func (m *Memory) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.connected {
		return nil
	}
	m.stopChan = make(chan struct{})
	go m.janitor(m.stopChan)
	m.connected = true
	return nil
}

func (m *Memory) janitor(stop <-chan struct{}) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.deleteExpired()
		case <-stop:
			return
		}
	}
}

func (m *Memory) deleteExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for k, it := range m.items {
		if it.expired(now) {
			delete(m.items, k)
		}
	}
}

// Close stops the janitor and drops all items
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return nil
	}
	close(m.stopChan)
	m.items = make(map[string]item)
	m.connected = false
	return nil
}

// IsConnected returns true if the cache is connected
func (m *Memory) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// Name returns the name of this cache instance
func (m *Memory) Name() string { return m.config.Name }

// Type returns the type of this cache
func (m *Memory) Type() string { return "memory" }

// Get retrieves a value from the cache
func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.connected {
		return nil, ErrNotConnected
	}
	it, ok := m.items[key]
	if !ok || it.expired(m.now()) {
		return nil, ErrNotFound
	}
	return append([]byte(nil), it.value...), nil
}

// Set stores a value in the cache
func (m *Memory) Set(_ context.Context, key string, value []byte, expiration time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return ErrNotConnected
	}
	it := item{value: append([]byte(nil), value...)}
	if expiration > 0 {
		it.expiration = m.now().Add(expiration)
	}
	m.items[key] = it
	return nil
}

// Delete removes a value from the cache
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return ErrNotConnected
	}
	delete(m.items, key)
	return nil
}
