package queue

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Capacity = 0

	q, err := New(cfg)
	assert.Nil(t, q)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConfiguration))

	var cerr *ConfigurationError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "capacity", cerr.Parameter)
}

func TestEnqueueAssignsIncreasingIDs(t *testing.T) {
	q, clock := newTestQueue(t, testConfig())

	var last MessageID
	for i := 0; i < 5; i++ {
		id, err := q.Enqueue(testPayload(), PriorityNormal, 0)
		require.NoError(t, err)
		assert.Greater(t, id, last)
		last = id
	}
	assert.Equal(t, 5, q.Len())
	assert.Equal(t, 5, q.BucketLen(PriorityNormal))

	rec, ok := q.Dequeue()
	require.True(t, ok)
	assert.Equal(t, MessageID(1), rec.ID)
	assert.Equal(t, clock.Now(), rec.CreatedAt)
	assert.Equal(t, clock.Now(), rec.ScheduledAt)
}

func TestEnqueueValidation(t *testing.T) {
	cfg := testConfig()
	cfg.MaxMessageSize = 1000

	tests := []struct {
		name    string
		payload Payload
		prio    Priority
		delay   time.Duration
	}{
		{"no recipients", Payload{ReturnPath: "a@example.com", Size: 10}, PriorityNormal, 0},
		{"too large", Payload{Recipients: []string{"b@example.com"}, Size: 1001}, PriorityNormal, 0},
		{"negative size", Payload{Recipients: []string{"b@example.com"}, Size: -1}, PriorityNormal, 0},
		{"unknown priority", Payload{Recipients: []string{"b@example.com"}, Size: 10}, Priority(9), 0},
		{"negative delay", Payload{Recipients: []string{"b@example.com"}, Size: 10}, PriorityNormal, -time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, _ := newTestQueue(t, cfg)
			_, err := q.Enqueue(tt.payload, tt.prio, tt.delay)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidMessage))
			assert.Equal(t, 0, q.Len())
			assert.Equal(t, uint64(0), q.MetricsSnapshot().TotalEnqueued)
		})
	}
}

func TestEnqueueAtSizeLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxMessageSize = 1000
	q, _ := newTestQueue(t, cfg)

	p := testPayload()
	p.Size = 1000
	_, err := q.Enqueue(p, PriorityNormal, 0)
	assert.NoError(t, err)
}

// Scenario A
func TestDequeueHighestPriorityFirst(t *testing.T) {
	q, _ := newTestQueue(t, testConfig())

	for _, p := range []Priority{PriorityNormal, PriorityHigh, PriorityCritical} {
		_, err := q.Enqueue(testPayload(), p, 0)
		require.NoError(t, err)
	}

	var got []Priority
	for i := 0; i < 3; i++ {
		rec, ok := q.Dequeue()
		require.True(t, ok)
		got = append(got, rec.Priority)
	}
	assert.Equal(t, []Priority{PriorityCritical, PriorityHigh, PriorityNormal}, got)

	_, ok := q.Dequeue()
	assert.False(t, ok)
}

func TestDequeueStrictPriorityOrder(t *testing.T) {
	q, clock := newTestQueue(t, testConfig())

	// Bulk has been eligible for an hour, Critical just became eligible.
	_, err := q.Enqueue(testPayload(), PriorityBulk, 0)
	require.NoError(t, err)
	_, err = q.Enqueue(testPayload(), PriorityLow, 0)
	require.NoError(t, err)
	_, err = q.Enqueue(testPayload(), PriorityCritical, time.Hour)
	require.NoError(t, err)
	_, err = q.Enqueue(testPayload(), PriorityNormal, 0)
	require.NoError(t, err)
	_, err = q.Enqueue(testPayload(), PriorityHigh, 0)
	require.NoError(t, err)
	clock.Advance(time.Hour)

	var got []Priority
	for {
		rec, ok := q.Dequeue()
		if !ok {
			break
		}
		got = append(got, rec.Priority)
	}
	assert.Equal(t, Priorities(), got)
}

func TestDequeueFIFOWithinBucket(t *testing.T) {
	q, _ := newTestQueue(t, testConfig())

	var ids []MessageID
	for i := 0; i < 4; i++ {
		id, err := q.Enqueue(testPayload(), PriorityLow, 0)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	for _, want := range ids {
		rec, ok := q.Dequeue()
		require.True(t, ok)
		assert.Equal(t, want, rec.ID)
	}
}

func TestDequeueEligibilityGating(t *testing.T) {
	q, clock := newTestQueue(t, testConfig())

	delayed, err := q.Enqueue(testPayload(), PriorityHigh, 10*time.Minute)
	require.NoError(t, err)

	_, ok := q.Dequeue()
	assert.False(t, ok, "delayed record must not be returned early")

	clock.Advance(10*time.Minute - time.Second)
	_, ok = q.Dequeue()
	assert.False(t, ok)

	// A later, lower priority record that is eligible now does not block the
	// scan past the ineligible head.
	ready, err := q.Enqueue(testPayload(), PriorityBulk, 0)
	require.NoError(t, err)
	rec, ok := q.Dequeue()
	require.True(t, ok)
	assert.Equal(t, ready, rec.ID)

	clock.Advance(time.Second)
	rec, ok = q.Dequeue()
	require.True(t, ok)
	assert.Equal(t, delayed, rec.ID)
}

func TestDequeueSkipsIneligibleHead(t *testing.T) {
	q, _ := newTestQueue(t, testConfig())

	_, err := q.Enqueue(testPayload(), PriorityNormal, time.Hour)
	require.NoError(t, err)
	second, err := q.Enqueue(testPayload(), PriorityNormal, 0)
	require.NoError(t, err)

	rec, ok := q.Dequeue()
	require.True(t, ok)
	assert.Equal(t, second, rec.ID)
	assert.Equal(t, 1, q.BucketLen(PriorityNormal))
}

func TestDequeueMovesRecordInFlight(t *testing.T) {
	q, clock := newTestQueue(t, testConfig())

	_, err := q.Enqueue(testPayload(), PriorityNormal, 0)
	require.NoError(t, err)
	clock.Advance(time.Second)

	rec, ok := q.Dequeue()
	require.True(t, ok)
	assert.Equal(t, uint32(1), rec.AttemptCount)
	assert.Equal(t, clock.Now(), rec.LastAttemptAt)
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, 1, q.InFlightCount())

	// The returned record is a copy.
	rec.Payload.Recipients[0] = "changed@example.com"
	snap := q.Export()
	require.Len(t, snap.InFlight, 1)
	assert.Equal(t, "rcpt@example.com", snap.InFlight[0].Payload.Recipients[0])
}

func TestMarkSuccess(t *testing.T) {
	q, clock := newTestQueue(t, testConfig())

	_, err := q.Enqueue(testPayload(), PriorityNormal, 0)
	require.NoError(t, err)
	rec, ok := q.Dequeue()
	require.True(t, ok)

	clock.Advance(3 * time.Second)
	require.NoError(t, q.MarkSuccess(rec.ID))

	m := q.MetricsSnapshot()
	assert.Equal(t, uint64(1), m.Succeeded)
	assert.Equal(t, uint64(1), m.TotalProcessed)
	assert.Equal(t, 3*time.Second, m.TotalProcessingTime)
	assert.Equal(t, 3*time.Second, m.AverageProcessingTime())
	assert.Equal(t, 0, q.InFlightCount())
	conserved(t, q)
}

func TestDoubleResolutionIsNotFound(t *testing.T) {
	q, _ := newTestQueue(t, testConfig())

	_, err := q.Enqueue(testPayload(), PriorityNormal, 0)
	require.NoError(t, err)
	_, err = q.Enqueue(testPayload(), PriorityNormal, 0)
	require.NoError(t, err)

	a, _ := q.Dequeue()
	b, _ := q.Dequeue()

	require.NoError(t, q.MarkSuccess(a.ID))
	err = q.MarkSuccess(a.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMessageNotFound))

	require.NoError(t, q.MarkFailure(b.ID, "timeout"))
	err = q.MarkFailure(b.ID, "timeout")
	var nf *MessageNotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, b.ID, nf.ID)
	assert.Equal(t, fmt.Sprintf("message not found: %d", b.ID), err.Error())
}

func TestResolveUnknownID(t *testing.T) {
	q, _ := newTestQueue(t, testConfig())

	assert.ErrorIs(t, q.MarkSuccess(42), ErrMessageNotFound)
	assert.ErrorIs(t, q.MarkFailure(42, "x"), ErrMessageNotFound)
	assert.Equal(t, uint64(0), q.MetricsSnapshot().TotalProcessed)
}

func TestMarkFailureSchedulesRetry(t *testing.T) {
	q, clock := newTestQueue(t, testConfig())

	id, err := q.Enqueue(testPayload(), PriorityHigh, 0)
	require.NoError(t, err)
	rec, _ := q.Dequeue()

	require.NoError(t, q.MarkFailure(rec.ID, "421 try again later"))
	assert.Equal(t, 1, q.BucketLen(PriorityHigh))
	assert.Equal(t, 0, q.InFlightCount())

	m := q.MetricsSnapshot()
	assert.Equal(t, uint64(1), m.Failed)
	assert.Equal(t, uint64(1), m.Retried)
	assert.Equal(t, uint64(0), m.DeadLettered)

	_, ok := q.Dequeue()
	assert.False(t, ok, "retry must wait for the first interval")

	clock.Advance(time.Minute)
	rec, ok = q.Dequeue()
	require.True(t, ok)
	assert.Equal(t, id, rec.ID)
	assert.Equal(t, uint32(2), rec.AttemptCount)
	require.Len(t, rec.FailureHistory, 1)
	assert.Equal(t, uint32(1), rec.FailureHistory[0].Attempt)
	assert.Equal(t, "421 try again later", rec.FailureHistory[0].Reason)
}

func TestRetryMonotonicity(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetryAttempts = 10
	q, clock := newTestQueue(t, cfg)

	_, err := q.Enqueue(testPayload(), PriorityNormal, 0)
	require.NoError(t, err)

	var previous time.Time
	for i := 0; i < 9; i++ {
		rec, ok := q.Dequeue()
		require.True(t, ok, "attempt %d", i+1)
		require.NoError(t, q.MarkFailure(rec.ID, "deferred"))

		snap := q.Export()
		require.Len(t, snap.Queued, 1)
		scheduled := snap.Queued[0].ScheduledAt
		assert.False(t, scheduled.Before(previous), "scheduled time moved earlier after failure %d", i+1)
		previous = scheduled

		clock.Advance(scheduled.Sub(clock.Now()))
	}
}

// Scenario B
func TestDeadLetterAfterMaxAttempts(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetryAttempts = 2
	cfg.RetryIntervals = []time.Duration{time.Second}
	rec := &recorder{}
	q, clock := newTestQueue(t, cfg, WithObserver(rec))

	id, err := q.Enqueue(testPayload(), PriorityNormal, 0)
	require.NoError(t, err)

	first, ok := q.Dequeue()
	require.True(t, ok)
	require.NoError(t, q.MarkFailure(first.ID, "first"))

	clock.Advance(time.Second)
	second, ok := q.Dequeue()
	require.True(t, ok)
	require.NoError(t, q.MarkFailure(second.ID, "second"))

	clock.Advance(24 * time.Hour)
	_, ok = q.Dequeue()
	assert.False(t, ok, "dead letter must never be dequeued")

	assert.Equal(t, 1, q.DeadLetterCount())
	dead := q.DeadLetters()
	require.Len(t, dead, 1)
	assert.Equal(t, id, dead[0].ID)
	assert.Equal(t, uint32(2), dead[0].AttemptCount)
	require.Len(t, dead[0].FailureHistory, 2)
	assert.Equal(t, "second", dead[0].FailureHistory[1].Reason)

	m := q.MetricsSnapshot()
	assert.Equal(t, uint64(1), m.DeadLettered)
	assert.Equal(t, uint64(1), m.Retried)
	assert.Equal(t, uint64(2), m.Failed)
	assert.Equal(t, uint64(2), m.TotalProcessed)

	assert.Equal(t, []EventKind{
		KindEnqueued, KindDequeued, KindRetryScheduled, KindDequeued, KindDeadLettered,
	}, rec.kinds())
	conserved(t, q)
}

// Scenario C
func TestCapacityEnforcement(t *testing.T) {
	cfg := testConfig()
	cfg.Capacity = 2
	q, _ := newTestQueue(t, cfg)

	_, err := q.Enqueue(testPayload(), PriorityNormal, 0)
	require.NoError(t, err)
	_, err = q.Enqueue(testPayload(), PriorityNormal, 0)
	require.NoError(t, err)

	_, err = q.Enqueue(testPayload(), PriorityNormal, 0)
	var full *QueueFullError
	require.ErrorAs(t, err, &full)
	assert.Equal(t, 2, full.Current)
	assert.Equal(t, 2, full.Max)
	assert.Equal(t, "queue is full: 2 messages (max: 2)", err.Error())
	assert.True(t, errors.Is(err, ErrQueueFull))
	assert.Equal(t, 2, q.Len())
	assert.Equal(t, uint64(1), q.MetricsSnapshot().Overflows)

	rec, ok := q.Dequeue()
	require.True(t, ok)
	require.NoError(t, q.MarkSuccess(rec.ID))

	_, err = q.Enqueue(testPayload(), PriorityNormal, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, q.MetricsSnapshot().PeakQueueSize)
	conserved(t, q)
}

func TestCapacityCheckUsesReloadedConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Capacity = 5
	q, _ := newTestQueue(t, cfg)
	for i := 0; i < 3; i++ {
		_, err := q.Enqueue(testPayload(), PriorityNormal, 0)
		require.NoError(t, err)
	}

	// Hold admission while the capacity is lowered underneath a pending
	// Enqueue that has already validated its payload.
	q.bucketsMu.Lock()
	done := make(chan error, 1)
	go func() {
		_, err := q.Enqueue(testPayload(), PriorityNormal, 0)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	lower := testConfig()
	lower.Capacity = 3
	require.NoError(t, q.UpdateConfig(lower))
	q.bucketsMu.Unlock()

	err := <-done
	var full *QueueFullError
	require.ErrorAs(t, err, &full)
	assert.Equal(t, 3, full.Max)
	assert.Equal(t, 3, q.Len())
}

func TestReleaseReturnsRecordUncharged(t *testing.T) {
	rec := &recorder{}
	q, clock := newTestQueue(t, testConfig(), WithObserver(rec))

	a, err := q.Enqueue(testPayload(), PriorityNormal, 0)
	require.NoError(t, err)
	b, err := q.Enqueue(testPayload(), PriorityNormal, 0)
	require.NoError(t, err)

	got, ok := q.Dequeue()
	require.True(t, ok)
	require.Equal(t, a, got.ID)
	require.Equal(t, uint32(1), got.AttemptCount)

	clock.Advance(time.Second)
	require.NoError(t, q.Release(a))
	assert.Equal(t, 2, q.Len())
	assert.Equal(t, 0, q.InFlightCount())

	// It goes back ahead of the record admitted after it.
	got, ok = q.Dequeue()
	require.True(t, ok)
	assert.Equal(t, a, got.ID)
	assert.Equal(t, uint32(1), got.AttemptCount)
	assert.Empty(t, got.FailureHistory)
	require.NoError(t, q.MarkSuccess(a))

	got, ok = q.Dequeue()
	require.True(t, ok)
	assert.Equal(t, b, got.ID)

	m := q.MetricsSnapshot()
	assert.Equal(t, uint64(0), m.Failed)
	assert.Equal(t, uint64(0), m.Retried)
	assert.NotContains(t, rec.kinds(), KindRetryScheduled)

	assert.ErrorIs(t, q.Release(a), ErrMessageNotFound)
	conserved(t, q)
}

func TestRetryReinsertionIgnoresCapacity(t *testing.T) {
	cfg := testConfig()
	cfg.Capacity = 1
	q, _ := newTestQueue(t, cfg)

	_, err := q.Enqueue(testPayload(), PriorityNormal, 0)
	require.NoError(t, err)
	rec, _ := q.Dequeue()
	_, err = q.Enqueue(testPayload(), PriorityNormal, 0)
	require.NoError(t, err)

	require.NoError(t, q.MarkFailure(rec.ID, "busy"))
	assert.Equal(t, 2, q.Len())
	conserved(t, q)
}

func TestConcurrentAdmissionRespectsCapacity(t *testing.T) {
	cfg := testConfig()
	cfg.Capacity = 50
	q, _ := newTestQueue(t, cfg)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
		rejected int
	)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := q.Enqueue(testPayload(), Priority(i%5), 0)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				assert.ErrorIs(t, err, ErrQueueFull)
				rejected++
				return
			}
			accepted++
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 50, accepted)
	assert.Equal(t, 150, rejected)
	assert.Equal(t, 50, q.Len())
	assert.Equal(t, uint64(150), q.MetricsSnapshot().Overflows)
}

func TestConcurrentWorkersConserveRecords(t *testing.T) {
	cfg := testConfig()
	cfg.Capacity = 1000
	cfg.RetryIntervals = nil
	cfg.BackoffBase = time.Nanosecond
	cfg.BackoffCap = 0
	cfg.MaxRetryAttempts = 3
	q, clock := newTestQueue(t, cfg)

	for i := 0; i < 300; i++ {
		_, err := q.Enqueue(testPayload(), Priority(i%5), 0)
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for n := 0; ; n++ {
				rec, ok := q.Dequeue()
				if !ok {
					if q.Len() == 0 {
						return
					}
					clock.Advance(time.Millisecond)
					continue
				}
				if (int(rec.ID)+n)%3 == 0 {
					assert.NoError(t, q.MarkFailure(rec.ID, "flaky"))
				} else {
					assert.NoError(t, q.MarkSuccess(rec.ID))
				}
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, 0, q.InFlightCount())
	conserved(t, q)
	m := q.MetricsSnapshot()
	assert.Equal(t, uint64(300), m.Succeeded+m.DeadLettered)
}

func TestPauseBlocksDequeueOnly(t *testing.T) {
	q, _ := newTestQueue(t, testConfig())

	q.Pause()
	assert.True(t, q.Paused())
	_, err := q.Enqueue(testPayload(), PriorityNormal, 0)
	require.NoError(t, err)
	_, ok := q.Dequeue()
	assert.False(t, ok)

	q.Resume()
	_, ok = q.Dequeue()
	assert.True(t, ok)
}

func TestUpdateConfig(t *testing.T) {
	q, _ := newTestQueue(t, testConfig())

	bad := testConfig()
	bad.RetryIntervals = []time.Duration{time.Hour, time.Minute}
	err := q.UpdateConfig(bad)
	require.ErrorIs(t, err, ErrConfiguration)
	assert.Equal(t, 100, q.Config().Capacity)

	good := testConfig()
	good.Capacity = 7
	require.NoError(t, q.UpdateConfig(good))
	assert.Equal(t, 7, q.Config().Capacity)

	// Config returns a copy.
	c := q.Config()
	c.RetryIntervals[0] = time.Hour
	assert.Equal(t, time.Minute, q.Config().RetryIntervals[0])
}

func TestObserverPanicIsContained(t *testing.T) {
	rec := &recorder{}
	q, _ := newTestQueue(t, testConfig(),
		WithObserver(ObserverFunc(func(LifecycleEvent) { panic("boom") })),
		WithObserver(rec))

	_, err := q.Enqueue(testPayload(), PriorityNormal, 0)
	require.NoError(t, err)
	assert.Equal(t, []EventKind{KindEnqueued}, rec.kinds())
}

func TestRejectedEventHasNoRecord(t *testing.T) {
	rec := &recorder{}
	q, _ := newTestQueue(t, testConfig(), WithObserver(rec))

	_, err := q.Enqueue(Payload{}, PriorityNormal, 0)
	require.Error(t, err)
	require.Len(t, rec.events, 1)
	assert.Equal(t, KindRejected, rec.events[0].Kind)
	assert.Nil(t, rec.events[0].Record)
	assert.Contains(t, rec.events[0].Reason, "no recipients")
}

func TestFailureReasonIsNormalised(t *testing.T) {
	q, _ := newTestQueue(t, testConfig())

	_, err := q.Enqueue(testPayload(), PriorityNormal, 0)
	require.NoError(t, err)
	rec, _ := q.Dequeue()
	require.NoError(t, q.MarkFailure(rec.ID, "550 rejected\r\nX-Injected: yes\x00"))

	snap := q.Export()
	require.Len(t, snap.Queued, 1)
	last, ok := snap.Queued[0].LastFailure()
	require.True(t, ok)
	assert.Equal(t, "550 rejected  X-Injected: yes", last.Reason)
}
