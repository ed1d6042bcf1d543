package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthScore(t *testing.T) {
	tests := []struct {
		name        string
		errorRate   float64
		utilization float64
		dead        int
		want        float64
	}{
		{"idle", 0, 0, 0, 1.0},
		{"some errors", 0.06, 0, 0, 0.9},
		{"many errors", 0.11, 0, 0, 0.7},
		{"busy", 0, 0.75, 0, 0.8},
		{"nearly full", 0, 0.95, 0, 0.6},
		{"dead letters", 0, 0, 11, 0.8},
		{"at threshold", 0, 0, 10, 1.0},
		{"everything", 0.5, 0.99, 100, 0.1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, HealthScore(tt.errorRate, tt.utilization, tt.dead, 10), 1e-9)
		})
	}
}

func TestHealthStatusReportsQueueState(t *testing.T) {
	cfg := testConfig()
	cfg.Capacity = 10
	q, clock := newTestQueue(t, cfg)

	for i := 0; i < 8; i++ {
		_, err := q.Enqueue(testPayload(), PriorityNormal, 0)
		require.NoError(t, err)
	}
	rec, _ := q.Dequeue()
	clock.Advance(2 * time.Second)
	require.NoError(t, q.MarkSuccess(rec.ID))
	rec, _ = q.Dequeue()
	require.NoError(t, q.MarkFailure(rec.ID, "busy"))
	clock.Advance(8 * time.Second)

	h := q.HealthStatus()
	assert.Equal(t, 7, h.MessagesInQueue)
	assert.Equal(t, 0, h.MessagesInFlight)
	assert.InDelta(t, 0.7, h.QueueUtilization, 1e-9)
	assert.InDelta(t, 0.5, h.ErrorRate, 1e-9)
	// error rate > 10% costs 0.3, utilisation 70% is not above the 0.7 mark
	assert.InDelta(t, 0.7, h.Score, 1e-9)
	assert.Equal(t, StatusDegraded, h.Status)
	assert.Equal(t, 2*time.Second, h.AvgProcessingTime)
	assert.InDelta(t, 0.2, h.Throughput, 1e-9)
	assert.Equal(t, 7*1024, h.MemoryUsage)
	assert.Equal(t, clock.Now(), h.LastCheck)

	// Health reads must not change counters.
	before := q.MetricsSnapshot()
	_ = q.HealthStatus()
	assert.Equal(t, before, q.MetricsSnapshot())
}

type failingSink struct {
	mu       sync.Mutex
	statuses []HealthStatus
}

func (s *failingSink) PublishHealth(_ context.Context, h HealthStatus) error {
	s.mu.Lock()
	s.statuses = append(s.statuses, h)
	s.mu.Unlock()
	return errors.New("cache unavailable")
}

func (s *failingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.statuses)
}

func TestCheckHealthCountsFailures(t *testing.T) {
	cfg := testConfig()
	cfg.Capacity = 2
	cfg.DeadLetterThreshold = 0
	cfg.MaxRetryAttempts = 1
	sink := &failingSink{}
	q, _ := newTestQueue(t, cfg, WithHealthSink(sink))

	// One dead letter with a 100% error rate and a full queue.
	_, err := q.Enqueue(testPayload(), PriorityNormal, 0)
	require.NoError(t, err)
	rec, _ := q.Dequeue()
	require.NoError(t, q.MarkFailure(rec.ID, "550 no such user"))
	for i := 0; i < 2; i++ {
		_, err := q.Enqueue(testPayload(), PriorityNormal, 0)
		require.NoError(t, err)
	}

	q.checkHealth(context.Background())

	h := q.CachedHealth()
	assert.InDelta(t, 0.1, h.Score, 1e-9)
	assert.Equal(t, StatusUnhealthy, h.Status)
	assert.False(t, h.Healthy())
	assert.Equal(t, uint64(1), q.MetricsSnapshot().HealthCheckFailures)
	assert.Equal(t, 1, sink.count(), "publish errors are logged, not fatal")
}

func TestCachedHealthBeforeFirstCheck(t *testing.T) {
	q, _ := newTestQueue(t, testConfig())
	h := q.CachedHealth()
	assert.Equal(t, 1.0, h.Score)
	assert.True(t, h.Healthy())
}
