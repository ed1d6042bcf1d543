package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AdminEventKind names an administrative request
type AdminEventKind string

const (
	EventPause   AdminEventKind = "pause"
	EventResume  AdminEventKind = "resume"
	EventReload  AdminEventKind = "reload"
	EventRequeue AdminEventKind = "requeue"
)

// AdminEvent is consumed by the maintenance loop. Reply, when set, should be
// buffered; the loop never blocks on it.
type AdminEvent struct {
	ID     string
	Kind   AdminEventKind
	Config *Config     // EventReload
	IDs    []MessageID // EventRequeue, empty means all
	Reply  chan error
}

// NewAdminEvent builds an event with a fresh correlation id and a
// one-slot reply channel.
func NewAdminEvent(kind AdminEventKind) AdminEvent {
	return AdminEvent{
		ID:    uuid.NewString(),
		Kind:  kind,
		Reply: make(chan error, 1),
	}
}

// ErrAlreadyRunning is returned by Run when a loop is already active
var ErrAlreadyRunning = errors.New("maintenance loop already running")

// healthPublishTimeout bounds a single health sink publication
const healthPublishTimeout = 5 * time.Second

// Run drives periodic expiry, health snapshots and administrative events
// until Shutdown is called or ctx is cancelled. A sweep in progress always
// completes before the loop returns.
func (q *Queue) Run(ctx context.Context, events <-chan AdminEvent) error {
	if !q.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(q.doneCh)

	cfg := q.config()
	refresh := time.NewTicker(cfg.RefreshInterval)
	defer refresh.Stop()
	health := time.NewTicker(cfg.HealthCheckInterval)
	defer health.Stop()

	q.logger.Info("maintenance loop started",
		"refresh_interval", cfg.RefreshInterval,
		"health_check_interval", cfg.HealthCheckInterval)
	q.checkHealth(ctx)

	for {
		select {
		case <-q.stopCh:
			q.logger.Info("maintenance loop stopped", "reason", "shutdown")
			return nil
		case <-ctx.Done():
			q.logger.Info("maintenance loop stopped", "reason", ctx.Err())
			return ctx.Err()
		case <-health.C:
			q.checkHealth(ctx)
		case <-refresh.C:
			q.ExpireStale()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			q.handleEvent(ev)
			if ev.Kind == EventReload {
				next := q.config()
				refresh.Reset(next.RefreshInterval)
				health.Reset(next.HealthCheckInterval)
			}
		}
	}
}

// Shutdown asks the maintenance loop to stop after its current step. It is
// safe to call more than once.
func (q *Queue) Shutdown() {
	q.stopOnce.Do(func() {
		q.logger.Info("initiating graceful queue shutdown")
		close(q.stopCh)
	})
}

// Done is closed when Run has returned
func (q *Queue) Done() <-chan struct{} {
	return q.doneCh
}

// checkHealth refreshes the cached snapshot and publishes it
func (q *Queue) checkHealth(ctx context.Context) {
	h := q.HealthStatus()
	q.storeHealth(h)

	if !h.Healthy() {
		q.metrics.healthCheckFailures.Add(1)
		q.logger.Warn("queue health check failed",
			"health_score", h.Score,
			"messages_in_queue", h.MessagesInQueue,
			"messages_in_flight", h.MessagesInFlight,
			"dead_letter_count", h.DeadLetterCount,
			"error_rate", h.ErrorRate)
	} else {
		q.logger.Debug("queue health check",
			"health_score", h.Score,
			"status", h.Status,
			"messages_in_queue", h.MessagesInQueue)
	}

	if q.healthSink == nil {
		return
	}
	pctx, cancel := context.WithTimeout(ctx, healthPublishTimeout)
	defer cancel()
	if err := q.healthSink.PublishHealth(pctx, h); err != nil {
		q.logger.Warn("failed to publish health snapshot", "error", err)
	}
}

// ExpireStale discards queued and dead-lettered records older than the
// configured maximum age and returns how many were removed. Expired records
// are not dead-lettered.
func (q *Queue) ExpireStale() int {
	cfg := q.config()
	start := time.Now()
	now := q.clock.Now()

	isStale := func(rec *Record) bool { return rec.Age(now) > cfg.MaxMessageAge }

	var expired []*Record
	q.bucketsMu.Lock()
	queuedExpired := 0
	for p := range q.buckets {
		var removed []*Record
		q.buckets[p], removed = partition(q.buckets[p], isStale)
		queuedExpired += len(removed)
		expired = append(expired, removed...)
	}
	if queuedExpired > 0 {
		q.metrics.addOccupancy(-int64(queuedExpired))
	}
	q.bucketsMu.Unlock()

	q.deadMu.Lock()
	var removed []*Record
	q.dead, removed = partition(q.dead, isStale)
	q.deadMu.Unlock()
	expired = append(expired, removed...)

	if len(expired) == 0 {
		return 0
	}
	q.metrics.expired.Add(uint64(len(expired)))

	for _, rec := range expired {
		q.msgLogger.LogExpired(messageContext(rec, now))
		q.notifyRecord(KindExpired, rec, "", 0, now)
	}
	q.logger.Info("cleaned up expired messages",
		"expired", len(expired),
		"from_queue", queuedExpired,
		"from_dead_letter", len(expired)-queuedExpired)

	if took := time.Since(start); took > 100*time.Millisecond {
		q.logger.Warn("maintenance took longer than expected", "duration", took)
	}
	return len(expired)
}

// partition splits records into kept and removed, preserving order, reusing
// the backing array for kept.
func partition(records []*Record, remove func(*Record) bool) (kept, removed []*Record) {
	kept = records[:0]
	for _, rec := range records {
		if remove(rec) {
			removed = append(removed, rec)
		} else {
			kept = append(kept, rec)
		}
	}
	for i := len(kept); i < len(records); i++ {
		records[i] = nil
	}
	return kept, removed
}

func (q *Queue) handleEvent(ev AdminEvent) {
	logger := q.logger.With("event_id", ev.ID, "event_kind", ev.Kind)
	logger.Debug("processing queue event")

	var err error
	switch ev.Kind {
	case EventPause:
		q.Pause()
	case EventResume:
		q.Resume()
	case EventReload:
		if ev.Config == nil {
			err = &ConfigurationError{Parameter: "config", Reason: "reload event carries no configuration"}
		} else {
			err = q.UpdateConfig(*ev.Config)
		}
	case EventRequeue:
		var n int
		n, err = q.RequeueDeadLetters(ev.IDs)
		logger.Info("dead letters requeued", "count", n)
	default:
		err = fmt.Errorf("unknown queue event %q", ev.Kind)
	}

	if err != nil {
		logger.Error("queue event failed", "error", err)
	} else {
		logger.Info("queue event processed")
	}

	if ev.Reply != nil {
		select {
		case ev.Reply <- err:
		default:
			logger.Warn("queue event reply dropped")
		}
	}
}
