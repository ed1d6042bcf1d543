package queue

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Capacity = 100
	cfg.RefreshInterval = 10 * time.Millisecond
	cfg.HealthCheckInterval = 10 * time.Millisecond
	return cfg
}

func newTestQueue(t *testing.T, cfg Config, opts ...Option) (*Queue, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	opts = append([]Option{WithClock(clock), WithLogger(discardLogger())}, opts...)
	q, err := New(cfg, opts...)
	require.NoError(t, err)
	return q, clock
}

func testPayload(rcpt ...string) Payload {
	if len(rcpt) == 0 {
		rcpt = []string{"rcpt@example.com"}
	}
	return Payload{
		ReturnPath: "sender@example.com",
		Recipients: rcpt,
		Size:       2048,
	}
}

// recorder collects lifecycle events
type recorder struct {
	mu     sync.Mutex
	events []LifecycleEvent
}

func (r *recorder) Observe(ev LifecycleEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventKind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}

func (r *recorder) snapshot() []LifecycleEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]LifecycleEvent(nil), r.events...)
}

// count returns how many events of kind were seen, for id or for any record
// when id is zero
func (r *recorder) count(kind EventKind, id MessageID) int {
	n := 0
	for _, ev := range r.snapshot() {
		if ev.Kind != kind {
			continue
		}
		if id == 0 || (ev.Record != nil && ev.Record.ID == id) {
			n++
		}
	}
	return n
}

// conserved checks that every admitted record is accounted for exactly once
func conserved(t *testing.T, q *Queue) {
	t.Helper()
	m := q.MetricsSnapshot()
	held := uint64(q.Len() + q.InFlightCount() + q.DeadLetterCount())
	require.Equal(t, m.TotalEnqueued-m.Succeeded-m.Expired, held)
}
