package queue

import (
	"net"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// MessageID identifies a record for its whole lifetime in one queue instance.
type MessageID uint64

// Payload is the delivery content produced by the inbound/policy layer.
// The queue only looks at the recipient count and the size.
type Payload struct {
	ReturnPath string            `json:"return_path"`
	Recipients []string          `json:"recipients"`
	Size       int64             `json:"size"`
	SourceIP   net.IP            `json:"source_ip,omitempty"`
	SourcePort int               `json:"source_port,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Failure is one entry of a record's failure history
type Failure struct {
	Attempt uint32    `json:"attempt"`
	Reason  string    `json:"reason"`
	Time    time.Time `json:"time"`
}

// Record is a queued message plus its scheduling state.
type Record struct {
	ID             MessageID `json:"id"`
	Payload        Payload   `json:"payload"`
	Priority       Priority  `json:"priority"`
	AttemptCount   uint32    `json:"attempt_count"`
	CreatedAt      time.Time `json:"created_at"`
	ScheduledAt    time.Time `json:"scheduled_at"`
	LastAttemptAt  time.Time `json:"last_attempt_at,omitempty"`
	FailureHistory []Failure `json:"failure_history,omitempty"`

	// RetryBase is the attempt count at the last operator requeue. The retry
	// budget and the backoff table are applied to AttemptCount-RetryBase.
	RetryBase uint32 `json:"retry_base,omitempty"`
}

// Clone returns a deep copy of the record
func (r *Record) Clone() *Record {
	c := *r
	c.Payload.Recipients = append([]string(nil), r.Payload.Recipients...)
	if r.Payload.SourceIP != nil {
		c.Payload.SourceIP = append(net.IP(nil), r.Payload.SourceIP...)
	}
	if r.Payload.Metadata != nil {
		c.Payload.Metadata = make(map[string]string, len(r.Payload.Metadata))
		for k, v := range r.Payload.Metadata {
			c.Payload.Metadata[k] = v
		}
	}
	c.FailureHistory = append([]Failure(nil), r.FailureHistory...)
	return &c
}

// LastFailure returns the most recent failure, if any
func (r *Record) LastFailure() (Failure, bool) {
	if len(r.FailureHistory) == 0 {
		return Failure{}, false
	}
	return r.FailureHistory[len(r.FailureHistory)-1], true
}

// attemptsInBudget is the number of attempts made since the last requeue.
func (r *Record) attemptsInBudget() uint32 {
	return r.AttemptCount - r.RetryBase
}

// Age returns how long the record has existed at now
func (r *Record) Age(now time.Time) time.Duration {
	return now.Sub(r.CreatedAt)
}

const maxReasonLength = 1024

// normalizeReason folds a delivery error into a single NFC line that is safe
// to store in the history and to log.
func normalizeReason(reason string) string {
	reason = norm.NFC.String(reason)
	var b strings.Builder
	for _, r := range reason {
		switch {
		case r == '\r' || r == '\n' || r == '\t':
			b.WriteByte(' ')
		case unicode.IsControl(r):
		default:
			b.WriteRune(r)
		}
	}
	out := strings.TrimSpace(b.String())
	if runes := []rune(out); len(runes) > maxReasonLength {
		out = string(runes[:maxReasonLength])
	}
	if out == "" {
		out = "unspecified failure"
	}
	return out
}
