package logging

import (
	"log/slog"
	"time"
)

// MessageLogger provides structured logging for queue lifecycle events
type MessageLogger struct {
	logger *slog.Logger
}

// NewMessageLogger creates a new message logger
func NewMessageLogger(logger *slog.Logger) *MessageLogger {
	return &MessageLogger{
		logger: logger.With("component", "message-lifecycle"),
	}
}

// MessageContext contains all context about a message for logging
type MessageContext struct {
	MessageID   uint64
	Priority    string
	From        string
	To          []string
	Size        int64
	ClientIP    string
	Attempt     uint32
	CreatedAt   time.Time
	ScheduledAt time.Time
	EventTime   time.Time
	Delay       time.Duration
	Reason      string
	QueueSize   int64
}

func (ctx MessageContext) base(eventType string) []any {
	return []any{
		"event_type", eventType,
		"message_id", ctx.MessageID,
		"priority", ctx.Priority,
		"from", ctx.From,
		"recipient_count", len(ctx.To),
		"size", ctx.Size,
		"attempt", ctx.Attempt,
	}
}

func (ctx MessageContext) age() time.Duration {
	if ctx.CreatedAt.IsZero() || ctx.EventTime.IsZero() {
		return 0
	}
	return ctx.EventTime.Sub(ctx.CreatedAt)
}

// LogEnqueued logs admission of a message
func (ml *MessageLogger) LogEnqueued(ctx MessageContext) {
	fields := append(ctx.base("enqueued"),
		"to", ctx.To,
		"client_ip", ctx.ClientIP,
		"scheduled_at", ctx.ScheduledAt.Format(time.RFC3339),
		"delay_ms", ctx.Delay.Milliseconds(),
		"queue_size", ctx.QueueSize,
	)
	ml.logger.Info("message_enqueued", fields...)
}

// LogRejected logs an admission refusal (capacity or validation)
func (ml *MessageLogger) LogRejected(ctx MessageContext) {
	fields := append(ctx.base("rejected"),
		"rejection_reason", ctx.Reason,
		"queue_size", ctx.QueueSize,
		"status", "rejected",
	)
	ml.logger.Warn("message_rejected", fields...)
}

// LogDequeued logs the start of a delivery attempt
func (ml *MessageLogger) LogDequeued(ctx MessageContext) {
	fields := append(ctx.base("dequeued"),
		"queue_delay_ms", ctx.age().Milliseconds(),
	)
	ml.logger.Debug("message_dequeued", fields...)
}

// LogDelivery logs successful message delivery
func (ml *MessageLogger) LogDelivery(ctx MessageContext) {
	fields := append(ctx.base("delivery"),
		"to", ctx.To,
		"delivery_time", ctx.EventTime.Format(time.RFC3339),
		"attempt_duration_ms", ctx.Delay.Milliseconds(),
		"total_delay_ms", ctx.age().Milliseconds(),
		"status", "delivered",
	)
	ml.logger.Info("message_delivery", fields...)
}

// LogDeferral logs when a message is deferred for retry
func (ml *MessageLogger) LogDeferral(ctx MessageContext) {
	fields := append(ctx.base("deferral"),
		"next_retry", ctx.ScheduledAt.Format(time.RFC3339),
		"next_retry_in_seconds", int(ctx.Delay.Seconds()),
		"total_delay_ms", ctx.age().Milliseconds(),
		"deferral_reason", ctx.Reason,
		"status", "deferred",
	)
	ml.logger.Warn("message_deferral", fields...)
}

// LogDeadLetter logs when a message exhausts its retries
func (ml *MessageLogger) LogDeadLetter(ctx MessageContext) {
	fields := append(ctx.base("dead_letter"),
		"to", ctx.To,
		"dead_letter_time", ctx.EventTime.Format(time.RFC3339),
		"total_delay_ms", ctx.age().Milliseconds(),
		"bounce_reason", ctx.Reason,
		"status", "dead_lettered",
	)
	ml.logger.Error("message_dead_letter", fields...)
}

// LogExpired logs a message discarded by the age sweep
func (ml *MessageLogger) LogExpired(ctx MessageContext) {
	fields := append(ctx.base("expired"),
		"age_seconds", int(ctx.age().Seconds()),
		"status", "expired",
	)
	ml.logger.Warn("message_expired", fields...)
}

// LogRequeued logs an operator moving a dead letter back to the queue
func (ml *MessageLogger) LogRequeued(ctx MessageContext) {
	fields := append(ctx.base("requeue"),
		"scheduled_at", ctx.ScheduledAt.Format(time.RFC3339),
		"status", "requeued",
	)
	ml.logger.Info("message_requeued", fields...)
}
