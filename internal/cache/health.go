package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/busybox42/mailq/internal/queue"
)

// DefaultHealthKey is where health snapshots are stored when no key is set
const DefaultHealthKey = "mailq:health"

// HealthPublisher stores each queue health snapshot in a cache so that
// pollers in other processes can read it without reaching the queue.
type HealthPublisher struct {
	cache Cache
	key   string
	ttl   time.Duration
}

// NewHealthPublisher creates a publisher. A ttl of zero keeps the last
// snapshot until it is overwritten.
func NewHealthPublisher(c Cache, key string, ttl time.Duration) *HealthPublisher {
	if key == "" {
		key = DefaultHealthKey
	}
	return &HealthPublisher{cache: c, key: key, ttl: ttl}
}

// PublishHealth implements queue.HealthSink
func (p *HealthPublisher) PublishHealth(ctx context.Context, status queue.HealthStatus) error {
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("encode health snapshot: %w", err)
	}
	if err := p.cache.Set(ctx, p.key, data, p.ttl); err != nil {
		return fmt.Errorf("publish health to %s cache: %w", p.cache.Type(), err)
	}
	return nil
}

// ReadHealth returns the last published snapshot
func (p *HealthPublisher) ReadHealth(ctx context.Context) (queue.HealthStatus, error) {
	var status queue.HealthStatus
	data, err := p.cache.Get(ctx, p.key)
	if err != nil {
		return status, err
	}
	if err := json.Unmarshal(data, &status); err != nil {
		return status, fmt.Errorf("decode health snapshot: %w", err)
	}
	return status, nil
}

var _ queue.HealthSink = (*HealthPublisher)(nil)
