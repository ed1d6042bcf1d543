package metrics

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/busybox42/mailq/internal/queue"
)

const storeWriteTimeout = 2 * time.Second

type storeWrite struct {
	counter string
	at      time.Time
	failure *RecentError
}

// Recorder mirrors queue lifecycle events into a CounterStore. Observe never
// blocks: writes go through a bounded buffer and are dropped when it is full.
type Recorder struct {
	store  CounterStore
	logger *slog.Logger

	writes  chan storeWrite
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once

	written atomic.Uint64
	dropped atomic.Uint64
	errors  atomic.Uint64
}

// NewRecorder starts a recorder writing to store
func NewRecorder(store CounterStore, buffer int, logger *slog.Logger) *Recorder {
	if buffer <= 0 {
		buffer = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{
		store:   store,
		logger:  logger.With("component", "metrics-recorder"),
		writes:  make(chan storeWrite, buffer),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go r.run()
	return r
}

func counterFor(kind queue.EventKind) (string, bool) {
	switch kind {
	case queue.KindEnqueued:
		return CounterEnqueued, true
	case queue.KindRejected:
		return CounterRejected, true
	case queue.KindDelivered:
		return CounterDelivered, true
	case queue.KindRetryScheduled:
		return CounterDeferred, true
	case queue.KindDeadLettered:
		return CounterDeadLettered, true
	case queue.KindExpired:
		return CounterExpired, true
	case queue.KindRequeued:
		return CounterRequeued, true
	}
	return "", false
}

// Observe implements queue.Observer
func (r *Recorder) Observe(ev queue.LifecycleEvent) {
	counter, ok := counterFor(ev.Kind)
	if !ok {
		return
	}
	w := storeWrite{counter: counter, at: ev.Time}
	if ev.Kind == queue.KindDeadLettered && ev.Record != nil {
		e := RecentError{
			MessageID: uint64(ev.Record.ID),
			Error:     ev.Reason,
			Timestamp: ev.Time,
		}
		if len(ev.Record.Payload.Recipients) > 0 {
			e.Recipient = ev.Record.Payload.Recipients[0]
		}
		w.failure = &e
	}

	select {
	case <-r.done:
		return
	default:
	}
	select {
	case r.writes <- w:
	default:
		if r.dropped.Add(1)%100 == 1 {
			r.logger.Warn("metrics store is falling behind, dropping counters",
				"dropped", r.dropped.Load())
		}
	}
}

func (r *Recorder) run() {
	defer close(r.stopped)
	for {
		select {
		case w := <-r.writes:
			r.write(w)
		case <-r.done:
			for {
				select {
				case w := <-r.writes:
					r.write(w)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) write(w storeWrite) {
	ctx, cancel := context.WithTimeout(context.Background(), storeWriteTimeout)
	defer cancel()

	if err := r.store.Incr(ctx, w.counter, w.at); err != nil {
		r.errors.Add(1)
		r.logger.Debug("failed to record counter", "counter", w.counter, "error", err)
		return
	}
	if w.failure != nil {
		if err := r.store.AddRecentError(ctx, *w.failure); err != nil {
			r.errors.Add(1)
			r.logger.Debug("failed to record dead-letter reason", "error", err)
		}
	}
	r.written.Add(1)
}

// Close flushes buffered writes and closes the store
func (r *Recorder) Close() {
	r.once.Do(func() {
		close(r.done)
		<-r.stopped
		r.store.Close()
		r.logger.Info("metrics recorder stopped",
			"written", r.written.Load(),
			"dropped", r.dropped.Load(),
			"errors", r.errors.Load())
	})
}

// RecorderStats reports recorder activity
type RecorderStats struct {
	Written uint64 `json:"written"`
	Dropped uint64 `json:"dropped"`
	Errors  uint64 `json:"errors"`
}

// Stats returns the recorder counters
func (r *Recorder) Stats() RecorderStats {
	return RecorderStats{
		Written: r.written.Load(),
		Dropped: r.dropped.Load(),
		Errors:  r.errors.Load(),
	}
}

var _ queue.Observer = (*Recorder)(nil)
