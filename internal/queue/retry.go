package queue

import (
	"math"
	"time"
)

// RetryDelay returns how long a record waits after its attempt'th failure
// within the current retry budget. The result depends only on attempt and
// cfg.
func RetryDelay(cfg Config, attempt uint32) time.Duration {
	if attempt >= 1 && int(attempt) <= len(cfg.RetryIntervals) {
		return cfg.RetryIntervals[attempt-1]
	}
	shift := attempt
	if shift > cfg.BackoffCap {
		shift = cfg.BackoffCap
	}
	if cfg.BackoffBase > time.Duration(math.MaxInt64>>shift) {
		return time.Duration(math.MaxInt64)
	}
	return cfg.BackoffBase << shift
}

// shouldRetry decides between the retry and dead-letter paths.
func shouldRetry(cfg Config, rec *Record) bool {
	return rec.attemptsInBudget() < cfg.MaxRetryAttempts
}

// nextSchedule computes the eligibility time after a failure. It never moves
// a record earlier than it was already scheduled.
func nextSchedule(now time.Time, delay time.Duration, previous time.Time) time.Time {
	next := now.Add(delay)
	if next.Before(previous) {
		return previous
	}
	return next
}
