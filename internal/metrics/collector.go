package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/busybox42/mailq/internal/queue"
)

const namespace = "mailq"

// Source is the part of a queue the collector reads
type Source interface {
	MetricsSnapshot() queue.MetricsSnapshot
	CachedHealth() queue.HealthStatus
	DeadLetterCount() int
	InFlightCount() int
	BucketLen(p queue.Priority) int
	Paused() bool
}

// Collector exposes the counters of one queue instance. Values are read on
// every scrape, so nothing is duplicated in global state.
type Collector struct {
	source Source

	enqueued            *prometheus.Desc
	processed           *prometheus.Desc
	resolutions         *prometheus.Desc
	retried             *prometheus.Desc
	expired             *prometheus.Desc
	requeued            *prometheus.Desc
	overflows           *prometheus.Desc
	healthCheckFailures *prometheus.Desc
	processingSeconds   *prometheus.Desc
	queued              *prometheus.Desc
	peakQueued          *prometheus.Desc
	inFlight            *prometheus.Desc
	deadLetters         *prometheus.Desc
	healthScore         *prometheus.Desc
	utilization         *prometheus.Desc
	paused              *prometheus.Desc
}

// NewCollector creates a collector for source
func NewCollector(source Source) *Collector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "queue", name), help, labels, nil)
	}
	return &Collector{
		source:              source,
		enqueued:            desc("enqueued_total", "Messages admitted to the queue"),
		processed:           desc("processed_total", "Delivery attempts resolved"),
		resolutions:         desc("resolutions_total", "Delivery attempts by outcome", "outcome"),
		retried:             desc("retries_total", "Failed attempts rescheduled for retry"),
		expired:             desc("expired_total", "Messages discarded by the age sweep"),
		requeued:            desc("requeued_total", "Dead letters moved back to the queue"),
		overflows:           desc("overflows_total", "Admissions refused because the queue was full"),
		healthCheckFailures: desc("health_check_failures_total", "Health checks that scored below the failure threshold"),
		processingSeconds:   desc("processing_seconds_total", "Cumulative duration of successful attempts"),
		queued:              desc("messages", "Messages waiting in the queue", "priority"),
		peakQueued:          desc("messages_peak", "Highest number of queued messages seen"),
		inFlight:            desc("in_flight", "Messages handed to workers and not yet resolved"),
		deadLetters:         desc("dead_letters", "Messages in the dead-letter store"),
		healthScore:         desc("health_score", "Health score from the last check, 0 to 1"),
		utilization:         desc("utilization_ratio", "Queued messages divided by capacity at the last check"),
		paused:              desc("paused", "1 while dequeue is paused"),
	}
}

// Describe implements prometheus.Collector
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.enqueued, c.processed, c.resolutions, c.retried, c.expired, c.requeued,
		c.overflows, c.healthCheckFailures, c.processingSeconds, c.queued,
		c.peakQueued, c.inFlight, c.deadLetters, c.healthScore, c.utilization, c.paused,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	m := c.source.MetricsSnapshot()
	h := c.source.CachedHealth()

	counter := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v, labels...)
	}
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}

	counter(c.enqueued, float64(m.TotalEnqueued))
	counter(c.processed, float64(m.TotalProcessed))
	counter(c.resolutions, float64(m.Succeeded), "success")
	counter(c.resolutions, float64(m.Failed), "failure")
	counter(c.resolutions, float64(m.DeadLettered), "dead_letter")
	counter(c.retried, float64(m.Retried))
	counter(c.expired, float64(m.Expired))
	counter(c.requeued, float64(m.Requeued))
	counter(c.overflows, float64(m.Overflows))
	counter(c.healthCheckFailures, float64(m.HealthCheckFailures))
	counter(c.processingSeconds, m.TotalProcessingTime.Seconds())

	for _, p := range queue.Priorities() {
		gauge(c.queued, float64(c.source.BucketLen(p)), p.String())
	}
	gauge(c.peakQueued, float64(m.PeakQueueSize))
	gauge(c.inFlight, float64(c.source.InFlightCount()))
	gauge(c.deadLetters, float64(c.source.DeadLetterCount()))
	gauge(c.healthScore, h.Score)
	gauge(c.utilization, h.QueueUtilization)

	var paused float64
	if c.source.Paused() {
		paused = 1
	}
	gauge(c.paused, paused)
}

var _ prometheus.Collector = (*Collector)(nil)
