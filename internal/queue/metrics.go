package queue

import (
	"sync/atomic"
	"time"
)

// metrics holds the aggregate counters of one queue instance. Each counter is
// individually atomic; readers may see counters from slightly different
// instants.
type metrics struct {
	enqueued            atomic.Uint64
	totalProcessed      atomic.Uint64
	succeeded           atomic.Uint64
	failed              atomic.Uint64
	retried             atomic.Uint64
	deadLettered        atomic.Uint64
	expired             atomic.Uint64
	requeued            atomic.Uint64
	occupancy           atomic.Int64
	peakOccupancy       atomic.Int64
	processingTimeNanos atomic.Int64
	overflows           atomic.Uint64
	healthCheckFailures atomic.Uint64
}

func (m *metrics) addOccupancy(delta int64) int64 {
	n := m.occupancy.Add(delta)
	for {
		peak := m.peakOccupancy.Load()
		if n <= peak || m.peakOccupancy.CompareAndSwap(peak, n) {
			return n
		}
	}
}

func (m *metrics) snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		TotalEnqueued:       m.enqueued.Load(),
		TotalProcessed:      m.totalProcessed.Load(),
		Succeeded:           m.succeeded.Load(),
		Failed:              m.failed.Load(),
		Retried:             m.retried.Load(),
		DeadLettered:        m.deadLettered.Load(),
		Expired:             m.expired.Load(),
		Requeued:            m.requeued.Load(),
		CurrentQueueSize:    int(m.occupancy.Load()),
		PeakQueueSize:       int(m.peakOccupancy.Load()),
		TotalProcessingTime: time.Duration(m.processingTimeNanos.Load()),
		Overflows:           m.overflows.Load(),
		HealthCheckFailures: m.healthCheckFailures.Load(),
	}
}

// MetricsSnapshot is a read-only copy of the queue counters
type MetricsSnapshot struct {
	TotalEnqueued       uint64        `json:"total_enqueued"`
	TotalProcessed      uint64        `json:"total_processed"`
	Succeeded           uint64        `json:"successful_deliveries"`
	Failed              uint64        `json:"failed_deliveries"`
	Retried             uint64        `json:"retry_attempts"`
	DeadLettered        uint64        `json:"dead_lettered"`
	Expired             uint64        `json:"expired"`
	Requeued            uint64        `json:"requeued"`
	CurrentQueueSize    int           `json:"current_queue_size"`
	PeakQueueSize       int           `json:"peak_queue_size"`
	TotalProcessingTime time.Duration `json:"total_processing_time"`
	Overflows           uint64        `json:"queue_overflows"`
	HealthCheckFailures uint64        `json:"health_check_failures"`
}

func percent(n, d uint64) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d) * 100
}

// SuccessRate is the percentage of processed attempts that succeeded
func (s MetricsSnapshot) SuccessRate() float64 { return percent(s.Succeeded, s.TotalProcessed) }

// RetryRate is the percentage of processed attempts that were rescheduled
func (s MetricsSnapshot) RetryRate() float64 { return percent(s.Retried, s.TotalProcessed) }

// DeadLetterRate is the percentage of processed attempts that dead-lettered
func (s MetricsSnapshot) DeadLetterRate() float64 { return percent(s.DeadLettered, s.TotalProcessed) }

// AverageProcessingTime is the mean attempt duration of successful deliveries
func (s MetricsSnapshot) AverageProcessingTime() time.Duration {
	if s.Succeeded == 0 {
		return 0
	}
	return s.TotalProcessingTime / time.Duration(s.Succeeded)
}
