package queue

// DeadLetters returns copies of the dead-lettered records, oldest first
func (q *Queue) DeadLetters() []*Record {
	q.deadMu.RLock()
	defer q.deadMu.RUnlock()

	out := make([]*Record, len(q.dead))
	for i, rec := range q.dead {
		out[i] = rec.Clone()
	}
	return out
}

// DeadLetterCount returns the size of the dead-letter store
func (q *Queue) DeadLetterCount() int {
	q.deadMu.RLock()
	defer q.deadMu.RUnlock()
	return len(q.dead)
}

// RequeueDeadLetters moves dead letters back to their priority bucket,
// eligible immediately and with a fresh retry budget. An empty ids requeues
// the whole store in FIFO order. Requeue stops at capacity; records that do
// not fit stay dead-lettered and a *QueueFullError is returned together with
// the number moved. Unknown ids yield a *MessageNotFoundError for the first
// one after the others have been processed.
func (q *Queue) RequeueDeadLetters(ids []MessageID) (int, error) {
	cfg := q.config()

	var want map[MessageID]bool
	if len(ids) > 0 {
		want = make(map[MessageID]bool, len(ids))
		for _, id := range ids {
			want[id] = true
		}
	}

	q.bucketsMu.Lock()
	q.deadMu.Lock()
	now := q.clock.Now()

	var (
		moved   []*Record
		fullErr error
	)
	kept := q.dead[:0]
	for _, rec := range q.dead {
		selected := want == nil || want[rec.ID]
		if !selected {
			kept = append(kept, rec)
			continue
		}
		delete(want, rec.ID)

		current := int(q.metrics.occupancy.Load())
		if current >= cfg.Capacity {
			if fullErr == nil {
				fullErr = &QueueFullError{Current: current, Max: cfg.Capacity}
			}
			kept = append(kept, rec)
			continue
		}

		rec.RetryBase = rec.AttemptCount
		rec.ScheduledAt = nextSchedule(now, 0, rec.ScheduledAt)
		q.buckets[rec.Priority] = append(q.buckets[rec.Priority], rec)
		q.metrics.addOccupancy(1)
		moved = append(moved, rec.Clone())
	}
	for i := len(kept); i < len(q.dead); i++ {
		q.dead[i] = nil
	}
	q.dead = kept
	q.deadMu.Unlock()
	q.bucketsMu.Unlock()

	q.metrics.requeued.Add(uint64(len(moved)))
	for _, rec := range moved {
		q.msgLogger.LogRequeued(messageContext(rec, now))
		q.notifyRecord(KindRequeued, rec, "", 0, now)
	}

	if fullErr != nil {
		q.logger.Warn("dead-letter requeue stopped at capacity",
			"requeued", len(moved),
			"error", fullErr)
		return len(moved), fullErr
	}
	for _, id := range ids {
		if want[id] {
			return len(moved), &MessageNotFoundError{ID: id}
		}
	}
	return len(moved), nil
}
