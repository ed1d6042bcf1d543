package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/busybox42/mailq/internal/queue"
)

// LifecycleMetrics is a queue observer that records per-event distributions
// the aggregate counters cannot express.
type LifecycleMetrics struct {
	transitions     *prometheus.CounterVec
	attemptDuration *prometheus.HistogramVec
	retryDelay      prometheus.Histogram
	attemptsAtEnd   *prometheus.HistogramVec
}

// NewLifecycleMetrics registers the lifecycle metrics with reg
func NewLifecycleMetrics(reg prometheus.Registerer) *LifecycleMetrics {
	factory := promauto.With(reg)
	return &LifecycleMetrics{
		transitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "message_transitions_total",
				Help:      "Message lifecycle transitions by kind and priority",
			},
			[]string{"kind", "priority"},
		),
		attemptDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "delivery_attempt_seconds",
				Help:      "Duration of successful delivery attempts",
				Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
			},
			[]string{"priority"},
		),
		retryDelay: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "retry_delay_seconds",
				Help:      "Delay assigned to rescheduled messages",
				Buckets:   []float64{60, 300, 900, 3600, 14400, 86400},
			},
		),
		attemptsAtEnd: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "attempts_per_message",
				Help:      "Attempts used by messages that reached a final state",
				Buckets:   prometheus.LinearBuckets(1, 1, 10),
			},
			[]string{"outcome"},
		),
	}
}

// Observe implements queue.Observer
func (m *LifecycleMetrics) Observe(ev queue.LifecycleEvent) {
	priority := "none"
	if ev.Record != nil {
		priority = ev.Record.Priority.String()
	}
	m.transitions.WithLabelValues(string(ev.Kind), priority).Inc()

	switch ev.Kind {
	case queue.KindDelivered:
		m.attemptDuration.WithLabelValues(priority).Observe(ev.Delay.Seconds())
		m.attemptsAtEnd.WithLabelValues("delivered").Observe(float64(ev.Record.AttemptCount))
	case queue.KindRetryScheduled:
		m.retryDelay.Observe(ev.Delay.Seconds())
	case queue.KindDeadLettered:
		m.attemptsAtEnd.WithLabelValues("dead_lettered").Observe(float64(ev.Record.AttemptCount))
	}
}

var _ queue.Observer = (*LifecycleMetrics)(nil)
