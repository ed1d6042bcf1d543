package queue

import (
	"context"
	"time"
)

// EventKind names a lifecycle transition
type EventKind string

const (
	KindEnqueued       EventKind = "enqueued"
	KindRejected       EventKind = "rejected"
	KindDequeued       EventKind = "dequeued"
	KindDelivered      EventKind = "delivered"
	KindRetryScheduled EventKind = "retry_scheduled"
	KindDeadLettered   EventKind = "dead_lettered"
	KindExpired        EventKind = "expired"
	KindRequeued       EventKind = "requeued"
)

// LifecycleEvent describes one transition. Record is a private copy and may
// be retained by the observer. Record is nil for KindRejected.
type LifecycleEvent struct {
	Kind   EventKind
	Record *Record
	Reason string
	// Delay is the retry delay for KindRetryScheduled and the attempt
	// duration for KindDelivered
	Delay time.Duration
	Time  time.Time
}

// Observer receives lifecycle events synchronously, outside the queue locks.
// Implementations must return quickly; slow sinks should buffer.
type Observer interface {
	Observe(ev LifecycleEvent)
}

// ObserverFunc adapts a function to Observer
type ObserverFunc func(ev LifecycleEvent)

func (f ObserverFunc) Observe(ev LifecycleEvent) { f(ev) }

// HealthSink receives every health snapshot computed by the maintenance loop
type HealthSink interface {
	PublishHealth(ctx context.Context, status HealthStatus) error
}
