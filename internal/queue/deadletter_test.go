package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// deadLetter drives one record through MaxRetryAttempts failures
func deadLetter(t *testing.T, q *Queue, clock *fakeClock, prio Priority) MessageID {
	t.Helper()
	id, err := q.Enqueue(testPayload(), prio, 0)
	require.NoError(t, err)
	for {
		rec, ok := q.Dequeue()
		require.True(t, ok)
		require.Equal(t, id, rec.ID)
		require.NoError(t, q.MarkFailure(rec.ID, "550 mailbox unavailable"))
		if q.DeadLetterCount() > 0 && q.DeadLetters()[q.DeadLetterCount()-1].ID == id {
			return id
		}
		clock.Advance(24 * time.Hour)
	}
}

func TestRequeueDeadLetters(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetryAttempts = 2
	rec := &recorder{}
	q, clock := newTestQueue(t, cfg, WithObserver(rec))

	a := deadLetter(t, q, clock, PriorityHigh)
	b := deadLetter(t, q, clock, PriorityLow)
	require.Equal(t, 2, q.DeadLetterCount())

	n, err := q.RequeueDeadLetters([]MessageID{b})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, q.DeadLetterCount())
	assert.Equal(t, a, q.DeadLetters()[0].ID)

	// Eligible now, attempt count kept, budget reset.
	got, ok := q.Dequeue()
	require.True(t, ok)
	assert.Equal(t, b, got.ID)
	assert.Equal(t, uint32(3), got.AttemptCount)
	require.NoError(t, q.MarkFailure(got.ID, "again"))
	assert.Equal(t, 1, q.Len(), "a fresh budget allows another retry")
	assert.Equal(t, 1, q.DeadLetterCount())

	assert.Equal(t, uint64(1), q.MetricsSnapshot().Requeued)
	assert.Contains(t, rec.kinds(), KindRequeued)
	conserved(t, q)
}

func TestRequeueAllDeadLetters(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetryAttempts = 1
	q, clock := newTestQueue(t, cfg)

	for i := 0; i < 3; i++ {
		deadLetter(t, q, clock, PriorityNormal)
	}

	n, err := q.RequeueDeadLetters(nil)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 0, q.DeadLetterCount())
	assert.Equal(t, 3, q.BucketLen(PriorityNormal))
}

func TestRequeueRespectsCapacity(t *testing.T) {
	cfg := testConfig()
	cfg.Capacity = 2
	cfg.MaxRetryAttempts = 1
	q, clock := newTestQueue(t, cfg)

	for i := 0; i < 3; i++ {
		deadLetter(t, q, clock, PriorityNormal)
	}
	_, err := q.Enqueue(testPayload(), PriorityNormal, 0)
	require.NoError(t, err)

	n, err := q.RequeueDeadLetters(nil)
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, q.Len())
	assert.Equal(t, 2, q.DeadLetterCount())
	conserved(t, q)
}

func TestRequeueUnknownID(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetryAttempts = 1
	q, clock := newTestQueue(t, cfg)
	id := deadLetter(t, q, clock, PriorityNormal)

	n, err := q.RequeueDeadLetters([]MessageID{id, 9999})
	assert.ErrorIs(t, err, ErrMessageNotFound)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, q.DeadLetterCount())
}

func TestDeadLettersReturnsCopies(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetryAttempts = 1
	q, clock := newTestQueue(t, cfg)
	deadLetter(t, q, clock, PriorityNormal)

	dead := q.DeadLetters()
	dead[0].FailureHistory[0].Reason = "tampered"
	assert.Equal(t, "550 mailbox unavailable", q.DeadLetters()[0].FailureHistory[0].Reason)
}
