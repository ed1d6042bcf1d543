package queue

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/busybox42/mailq/internal/logging"
)

// Queue is the in-memory outbound queue: five priority buckets, the
// in-flight tracker and the dead-letter store.
//
// Lock order is bucketsMu, then inFlightMu, then deadMu. Any operation that
// moves a record between structures holds the locks of both sides so that a
// concurrent reader never sees it in two places or in none.
type Queue struct {
	cfg        atomic.Pointer[Config]
	clock      Clock
	logger     *slog.Logger
	msgLogger  *logging.MessageLogger
	observers  []Observer
	healthSink HealthSink

	bucketsMu sync.RWMutex
	buckets   [numPriorities][]*Record

	inFlightMu sync.RWMutex
	inFlight   map[MessageID]*Record

	deadMu sync.RWMutex
	dead   []*Record

	// lastID is the last identifier handed out; guarded by bucketsMu for
	// writes.
	lastID    atomic.Uint64
	paused    atomic.Bool
	startedAt time.Time
	metrics   metrics

	healthMu     sync.RWMutex
	cachedHealth HealthStatus

	running  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// Option customises a Queue
type Option func(*Queue)

// WithClock replaces the wall clock
func WithClock(c Clock) Option {
	return func(q *Queue) { q.clock = c }
}

// WithLogger sets the base logger
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// WithObserver registers a lifecycle observer
func WithObserver(o Observer) Option {
	return func(q *Queue) { q.observers = append(q.observers, o) }
}

// WithHealthSink publishes health snapshots from the maintenance loop
func WithHealthSink(s HealthSink) Option {
	return func(q *Queue) { q.healthSink = s }
}

// New creates a queue. An invalid configuration is returned as a
// *ConfigurationError.
func New(cfg Config, opts ...Option) (*Queue, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	q := &Queue{
		clock:    realClock{},
		logger:   slog.Default(),
		inFlight: make(map[MessageID]*Record),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = q.logger.With("component", "queue")
	q.msgLogger = logging.NewMessageLogger(q.logger)

	c := cfg.clone()
	q.cfg.Store(&c)
	q.startedAt = q.clock.Now()
	q.cachedHealth = HealthStatus{Score: 1, Status: StatusHealthy, LastCheck: q.startedAt}

	q.logger.Info("queue created",
		"capacity", c.Capacity,
		"max_retry_attempts", c.MaxRetryAttempts,
		"retry_intervals", c.RetryIntervals,
		"max_message_age", c.MaxMessageAge)
	return q, nil
}

// Config returns a copy of the active configuration
func (q *Queue) Config() Config {
	return q.cfg.Load().clone()
}

func (q *Queue) config() *Config {
	return q.cfg.Load()
}

// UpdateConfig validates and installs a new configuration. Records already
// queued keep their schedule; the new values apply to later transitions.
func (q *Queue) UpdateConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	c := cfg.clone()
	old := q.cfg.Swap(&c)
	q.logger.Info("queue configuration reloaded",
		"capacity", c.Capacity,
		"previous_capacity", old.Capacity,
		"max_retry_attempts", c.MaxRetryAttempts)
	return nil
}

func validatePayload(cfg *Config, p Payload, prio Priority, delay time.Duration) error {
	switch {
	case len(p.Recipients) == 0:
		return &InvalidMessageError{Reason: "message has no recipients"}
	case p.Size < 0:
		return &InvalidMessageError{Reason: fmt.Sprintf("message size %d is negative", p.Size)}
	case p.Size > cfg.MaxMessageSize:
		return &InvalidMessageError{Reason: fmt.Sprintf("message size %d exceeds %d byte limit", p.Size, cfg.MaxMessageSize)}
	case !prio.Valid():
		return &InvalidMessageError{Reason: fmt.Sprintf("unknown %s", prio)}
	case delay < 0:
		return &InvalidMessageError{Reason: fmt.Sprintf("negative delay %s", delay)}
	}
	return nil
}

// allocateID hands out the next identifier. Caller holds bucketsMu.
func (q *Queue) allocateID() (MessageID, error) {
	last := q.lastID.Load()
	if last == math.MaxUint64 {
		return 0, &ResourceExhaustedError{Resource: "message_id", Current: last, Limit: math.MaxUint64}
	}
	q.lastID.Store(last + 1)
	return MessageID(last + 1), nil
}

// Enqueue admits a payload at the given priority, eligible after delay.
func (q *Queue) Enqueue(p Payload, prio Priority, delay time.Duration) (MessageID, error) {
	cfg := q.config()
	if err := validatePayload(cfg, p, prio, delay); err != nil {
		q.msgLogger.LogRejected(logging.MessageContext{
			Priority: prio.String(),
			From:     p.ReturnPath,
			To:       p.Recipients,
			Size:     p.Size,
			Reason:   err.Error(),
		})
		q.notify(LifecycleEvent{Kind: KindRejected, Reason: err.Error(), Time: q.clock.Now()})
		return 0, err
	}

	now := q.clock.Now()
	rec := &Record{
		Payload:     p,
		Priority:    prio,
		CreatedAt:   now,
		ScheduledAt: now.Add(delay),
	}
	rec = rec.Clone()

	q.bucketsMu.Lock()
	// a reload may have landed since validation; capacity is checked against
	// the configuration current under the lock
	cfg = q.config()
	current := int(q.metrics.occupancy.Load())
	if current >= cfg.Capacity {
		q.bucketsMu.Unlock()
		q.metrics.overflows.Add(1)
		err := &QueueFullError{Current: current, Max: cfg.Capacity}
		q.msgLogger.LogRejected(logging.MessageContext{
			Priority:  prio.String(),
			From:      p.ReturnPath,
			To:        p.Recipients,
			Size:      p.Size,
			Reason:    err.Error(),
			QueueSize: int64(current),
		})
		q.notify(LifecycleEvent{Kind: KindRejected, Reason: err.Error(), Time: now})
		return 0, err
	}
	id, err := q.allocateID()
	if err != nil {
		q.bucketsMu.Unlock()
		q.logger.Error("identifier space exhausted", "error", err)
		return 0, err
	}
	rec.ID = id
	q.buckets[prio] = append(q.buckets[prio], rec)
	size := q.metrics.addOccupancy(1)
	snapshot := rec.Clone()
	q.bucketsMu.Unlock()

	q.metrics.enqueued.Add(1)

	ctx := messageContext(snapshot, now)
	ctx.Delay = delay
	ctx.QueueSize = size
	q.msgLogger.LogEnqueued(ctx)
	q.notifyRecord(KindEnqueued, snapshot, "", delay, now)
	return id, nil
}

// Dequeue hands the highest-priority eligible record to the caller and moves
// it in flight. It never blocks; ok is false when nothing is eligible or the
// queue is paused.
func (q *Queue) Dequeue() (rec *Record, ok bool) {
	if q.paused.Load() {
		return nil, false
	}
	now := q.clock.Now()

	q.bucketsMu.Lock()
	for prio := range q.buckets {
		bucket := q.buckets[prio]
		for i, candidate := range bucket {
			if candidate.ScheduledAt.After(now) {
				continue
			}
			q.buckets[prio] = removeAt(bucket, i)

			candidate.AttemptCount++
			candidate.LastAttemptAt = now

			q.inFlightMu.Lock()
			q.inFlight[candidate.ID] = candidate
			q.inFlightMu.Unlock()
			q.metrics.addOccupancy(-1)

			out := candidate.Clone()
			q.bucketsMu.Unlock()

			q.msgLogger.LogDequeued(messageContext(out, now))
			q.notifyRecord(KindDequeued, out, "", 0, now)
			return out, true
		}
	}
	q.bucketsMu.Unlock()
	return nil, false
}

// removeAt deletes bucket[i] keeping the order of the remaining records
func removeAt(bucket []*Record, i int) []*Record {
	copy(bucket[i:], bucket[i+1:])
	bucket[len(bucket)-1] = nil
	return bucket[:len(bucket)-1]
}

// insertByID places rec before the first record with a larger identifier
func insertByID(bucket []*Record, rec *Record) []*Record {
	i := len(bucket)
	for j, r := range bucket {
		if r.ID > rec.ID {
			i = j
			break
		}
	}
	bucket = append(bucket, nil)
	copy(bucket[i+1:], bucket[i:])
	bucket[i] = rec
	return bucket
}

// Release returns an in-flight record to its bucket without resolving it.
// The attempt taken by Dequeue is given back and no failure is recorded, so
// a worker that could not attempt delivery leaves the record as it found it.
// LastAttemptAt keeps the time the record was handed out. Capacity is not
// checked since the record was already admitted.
func (q *Queue) Release(id MessageID) error {
	q.bucketsMu.Lock()
	q.inFlightMu.Lock()
	rec, ok := q.inFlight[id]
	if ok {
		delete(q.inFlight, id)
	}
	q.inFlightMu.Unlock()
	if !ok {
		q.bucketsMu.Unlock()
		return q.notFound(id, "release")
	}
	if rec.AttemptCount > rec.RetryBase {
		rec.AttemptCount--
	}
	q.buckets[rec.Priority] = insertByID(q.buckets[rec.Priority], rec)
	size := q.metrics.addOccupancy(1)
	q.bucketsMu.Unlock()

	q.logger.Debug("in-flight message released",
		"message_id", uint64(id),
		"priority", rec.Priority.String(),
		"attempts", rec.AttemptCount,
		"queue_size", size)
	return nil
}

// MarkSuccess resolves an in-flight record as delivered.
func (q *Queue) MarkSuccess(id MessageID) error {
	q.inFlightMu.Lock()
	rec, ok := q.inFlight[id]
	if ok {
		delete(q.inFlight, id)
	}
	q.inFlightMu.Unlock()

	if !ok {
		return q.notFound(id, "success")
	}

	now := q.clock.Now()
	elapsed := now.Sub(rec.LastAttemptAt)
	if elapsed < 0 {
		elapsed = 0
	}
	q.metrics.succeeded.Add(1)
	q.metrics.totalProcessed.Add(1)
	q.metrics.processingTimeNanos.Add(int64(elapsed))

	ctx := messageContext(rec, now)
	ctx.Delay = elapsed
	q.msgLogger.LogDelivery(ctx)
	q.notifyRecord(KindDelivered, rec, "", elapsed, now)
	return nil
}

// MarkFailure resolves an in-flight record as failed. The record is
// rescheduled while it has attempts left and dead-lettered otherwise.
func (q *Queue) MarkFailure(id MessageID, reason string) error {
	cfg := q.config()
	reason = normalizeReason(reason)

	q.bucketsMu.Lock()
	q.inFlightMu.Lock()
	rec, ok := q.inFlight[id]
	if !ok {
		q.inFlightMu.Unlock()
		q.bucketsMu.Unlock()
		return q.notFound(id, "failure")
	}
	delete(q.inFlight, id)

	now := q.clock.Now()
	rec.FailureHistory = append(rec.FailureHistory, Failure{
		Attempt: rec.AttemptCount,
		Reason:  reason,
		Time:    now,
	})
	q.metrics.failed.Add(1)
	q.metrics.totalProcessed.Add(1)

	if shouldRetry(*cfg, rec) {
		delay := RetryDelay(*cfg, rec.attemptsInBudget())
		rec.ScheduledAt = nextSchedule(now, delay, rec.ScheduledAt)
		q.buckets[rec.Priority] = append(q.buckets[rec.Priority], rec)
		q.metrics.addOccupancy(1)
		q.metrics.retried.Add(1)
		snapshot := rec.Clone()
		q.inFlightMu.Unlock()
		q.bucketsMu.Unlock()

		ctx := messageContext(snapshot, now)
		ctx.Delay = delay
		ctx.Reason = reason
		q.msgLogger.LogDeferral(ctx)
		q.notifyRecord(KindRetryScheduled, snapshot, reason, delay, now)
		return nil
	}

	q.deadMu.Lock()
	q.dead = append(q.dead, rec)
	q.deadMu.Unlock()
	q.metrics.deadLettered.Add(1)
	snapshot := rec.Clone()
	q.inFlightMu.Unlock()
	q.bucketsMu.Unlock()

	ctx := messageContext(snapshot, now)
	ctx.Reason = reason
	q.msgLogger.LogDeadLetter(ctx)
	q.notifyRecord(KindDeadLettered, snapshot, reason, 0, now)
	return nil
}

func (q *Queue) notFound(id MessageID, resolution string) error {
	err := &MessageNotFoundError{ID: id}
	// A resolution for an id that is not in flight is a worker bug: a
	// double resolution or a stale id.
	q.logger.Error("resolution for message not in flight",
		"message_id", uint64(id),
		"resolution", resolution,
		"error", err)
	return err
}

// Len returns the number of queued records
func (q *Queue) Len() int {
	return int(q.metrics.occupancy.Load())
}

// InFlightCount returns the number of records awaiting resolution
func (q *Queue) InFlightCount() int {
	q.inFlightMu.RLock()
	defer q.inFlightMu.RUnlock()
	return len(q.inFlight)
}

// BucketLen returns the number of queued records of one priority
func (q *Queue) BucketLen(p Priority) int {
	if !p.Valid() {
		return 0
	}
	q.bucketsMu.RLock()
	defer q.bucketsMu.RUnlock()
	return len(q.buckets[p])
}

// Pause stops Dequeue from handing out records. Admission continues.
func (q *Queue) Pause() {
	if q.paused.CompareAndSwap(false, true) {
		q.logger.Info("queue paused")
	}
}

// Resume re-enables Dequeue
func (q *Queue) Resume() {
	if q.paused.CompareAndSwap(true, false) {
		q.logger.Info("queue resumed")
	}
}

// Paused reports whether dequeue is suspended
func (q *Queue) Paused() bool {
	return q.paused.Load()
}

// MetricsSnapshot returns a copy of the aggregate counters
func (q *Queue) MetricsSnapshot() MetricsSnapshot {
	return q.metrics.snapshot()
}

func messageContext(rec *Record, now time.Time) logging.MessageContext {
	ctx := logging.MessageContext{
		MessageID:   uint64(rec.ID),
		Priority:    rec.Priority.String(),
		From:        rec.Payload.ReturnPath,
		To:          rec.Payload.Recipients,
		Size:        rec.Payload.Size,
		Attempt:     rec.AttemptCount,
		CreatedAt:   rec.CreatedAt,
		ScheduledAt: rec.ScheduledAt,
		EventTime:   now,
	}
	if rec.Payload.SourceIP != nil {
		ctx.ClientIP = rec.Payload.SourceIP.String()
	}
	return ctx
}

func (q *Queue) notifyRecord(kind EventKind, rec *Record, reason string, delay time.Duration, now time.Time) {
	if len(q.observers) == 0 {
		return
	}
	q.notify(LifecycleEvent{Kind: kind, Record: rec, Reason: reason, Delay: delay, Time: now})
}

// notify fans an event out to the observers. A panicking observer is logged
// and skipped.
func (q *Queue) notify(ev LifecycleEvent) {
	for _, o := range q.observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					q.logger.Error("lifecycle observer panicked",
						"event_kind", ev.Kind,
						"panic", r)
				}
			}()
			evCopy := ev
			if ev.Record != nil {
				evCopy.Record = ev.Record.Clone()
			}
			o.Observe(evCopy)
		}()
	}
}
