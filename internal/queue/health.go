package queue

import "time"

// Health status labels
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// unhealthyScore is the threshold below which a health check counts as failed
const unhealthyScore = 0.5

// approxRecordBytes is the rough per-record memory estimate
const approxRecordBytes = 1024

// HealthStatus is a point-in-time health snapshot
type HealthStatus struct {
	Score             float64       `json:"health_score"`
	Status            string        `json:"status"`
	MessagesInQueue   int           `json:"messages_in_queue"`
	MessagesInFlight  int           `json:"messages_in_flight"`
	DeadLetterCount   int           `json:"dead_letter_count"`
	AvgProcessingTime time.Duration `json:"avg_processing_time"`
	Throughput        float64       `json:"throughput_per_second"`
	ErrorRate         float64       `json:"error_rate"`
	QueueUtilization  float64       `json:"queue_utilization"`
	MemoryUsage       int           `json:"memory_usage_bytes"`
	Paused            bool          `json:"paused"`
	LastCheck         time.Time     `json:"last_check"`
}

// Healthy reports whether the score is at or above the failure threshold
func (h HealthStatus) Healthy() bool {
	return h.Score >= unhealthyScore
}

// HealthScore combines error rate, occupancy and dead-letter backlog into a
// value in [0, 1]. It is an alerting heuristic, not an admission signal.
func HealthScore(errorRate, utilization float64, deadLetters, threshold int) float64 {
	score := 1.0

	switch {
	case errorRate > 0.10:
		score -= 0.3
	case errorRate > 0.05:
		score -= 0.1
	}

	switch {
	case utilization > 0.90:
		score -= 0.4
	case utilization > 0.70:
		score -= 0.2
	}

	if deadLetters > threshold {
		score -= 0.2
	}

	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

func statusLabel(score float64) string {
	switch {
	case score >= 0.8:
		return StatusHealthy
	case score >= unhealthyScore:
		return StatusDegraded
	default:
		return StatusUnhealthy
	}
}

// HealthStatus computes a fresh snapshot. It does not change queue state.
func (q *Queue) HealthStatus() HealthStatus {
	cfg := q.config()

	q.bucketsMu.RLock()
	q.inFlightMu.RLock()
	q.deadMu.RLock()
	queued := int(q.metrics.occupancy.Load())
	inFlight := len(q.inFlight)
	dead := len(q.dead)
	q.deadMu.RUnlock()
	q.inFlightMu.RUnlock()
	q.bucketsMu.RUnlock()

	snap := q.metrics.snapshot()
	now := q.clock.Now()

	processed := snap.TotalProcessed
	if processed == 0 {
		processed = 1
	}
	errorRate := float64(snap.Failed) / float64(processed)
	utilization := float64(queued) / float64(cfg.Capacity)

	var throughput float64
	if uptime := now.Sub(q.startedAt).Seconds(); uptime > 0 {
		throughput = float64(snap.TotalProcessed) / uptime
	}

	score := HealthScore(errorRate, utilization, dead, cfg.DeadLetterThreshold)
	return HealthStatus{
		Score:             score,
		Status:            statusLabel(score),
		MessagesInQueue:   queued,
		MessagesInFlight:  inFlight,
		DeadLetterCount:   dead,
		AvgProcessingTime: snap.AverageProcessingTime(),
		Throughput:        throughput,
		ErrorRate:         errorRate,
		QueueUtilization:  utilization,
		MemoryUsage:       (queued + inFlight) * approxRecordBytes,
		Paused:            q.paused.Load(),
		LastCheck:         now,
	}
}

// CachedHealth returns the snapshot last produced by the maintenance loop
func (q *Queue) CachedHealth() HealthStatus {
	q.healthMu.RLock()
	defer q.healthMu.RUnlock()
	return q.cachedHealth
}

func (q *Queue) storeHealth(h HealthStatus) {
	q.healthMu.Lock()
	q.cachedHealth = h
	q.healthMu.Unlock()
}
