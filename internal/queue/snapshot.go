package queue

import (
	"fmt"
	"time"
)

// Snapshot is a point-in-time export of every record held by a queue, for
// an external persistence collaborator.
type Snapshot struct {
	LastID      MessageID `json:"last_id"`
	Queued      []*Record `json:"queued"`
	InFlight    []*Record `json:"in_flight"`
	DeadLetters []*Record `json:"dead_letters"`
	TakenAt     time.Time `json:"taken_at"`
}

// Len returns the number of records in the snapshot
func (s Snapshot) Len() int {
	return len(s.Queued) + len(s.InFlight) + len(s.DeadLetters)
}

// Export copies all records. Queued records are listed in service order.
func (q *Queue) Export() Snapshot {
	q.bucketsMu.RLock()
	q.inFlightMu.RLock()
	q.deadMu.RLock()
	defer q.deadMu.RUnlock()
	defer q.inFlightMu.RUnlock()
	defer q.bucketsMu.RUnlock()

	s := Snapshot{
		LastID:  MessageID(q.lastID.Load()),
		TakenAt: q.clock.Now(),
	}
	for _, bucket := range q.buckets {
		for _, rec := range bucket {
			s.Queued = append(s.Queued, rec.Clone())
		}
	}
	for _, rec := range q.inFlight {
		s.InFlight = append(s.InFlight, rec.Clone())
	}
	for _, rec := range q.dead {
		s.DeadLetters = append(s.DeadLetters, rec.Clone())
	}
	return s
}

// Import loads a snapshot into an empty queue. In-flight records are put
// back in their bucket in identifier order, eligible now: the worker that held them is gone and
// the attempt it started stays counted. Capacity is not enforced because
// every record was admitted before.
func (q *Queue) Import(s Snapshot) error {
	q.bucketsMu.Lock()
	q.inFlightMu.Lock()
	q.deadMu.Lock()
	defer q.deadMu.Unlock()
	defer q.inFlightMu.Unlock()
	defer q.bucketsMu.Unlock()

	if q.metrics.occupancy.Load() != 0 || len(q.inFlight) != 0 || len(q.dead) != 0 || q.lastID.Load() != 0 {
		return fmt.Errorf("import into a non-empty queue")
	}

	now := q.clock.Now()
	seen := make(map[MessageID]bool, s.Len())
	lastID := s.LastID
	check := func(rec *Record) error {
		if rec == nil {
			return &InvalidMessageError{Reason: "snapshot contains a nil record"}
		}
		if !rec.Priority.Valid() {
			return &InvalidMessageError{Reason: fmt.Sprintf("record %d has %s", rec.ID, rec.Priority)}
		}
		if seen[rec.ID] {
			return &InvalidMessageError{Reason: fmt.Sprintf("duplicate record %d in snapshot", rec.ID)}
		}
		seen[rec.ID] = true
		if rec.ID > lastID {
			lastID = rec.ID
		}
		return nil
	}

	var buckets [numPriorities][]*Record
	for _, rec := range s.Queued {
		if err := check(rec); err != nil {
			return err
		}
		buckets[rec.Priority] = append(buckets[rec.Priority], rec.Clone())
	}
	for _, rec := range s.InFlight {
		if err := check(rec); err != nil {
			return err
		}
		c := rec.Clone()
		c.ScheduledAt = nextSchedule(now, 0, c.ScheduledAt)
		buckets[c.Priority] = insertByID(buckets[c.Priority], c)
	}
	dead := make([]*Record, 0, len(s.DeadLetters))
	for _, rec := range s.DeadLetters {
		if err := check(rec); err != nil {
			return err
		}
		dead = append(dead, rec.Clone())
	}

	queued := 0
	for p := range buckets {
		queued += len(buckets[p])
	}
	q.buckets = buckets
	q.dead = dead
	q.lastID.Store(uint64(lastID))
	q.metrics.addOccupancy(int64(queued))
	q.metrics.enqueued.Add(uint64(queued + len(dead)))

	q.logger.Info("queue snapshot imported",
		"queued", queued,
		"restored_in_flight", len(s.InFlight),
		"dead_letters", len(dead),
		"last_id", uint64(lastID))
	return nil
}
