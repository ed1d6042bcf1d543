package queue

import (
	"errors"
	"fmt"
)

// Sentinels for matching queue errors with errors.Is.
var (
	ErrQueueFull         = errors.New("queue is full")
	ErrInvalidMessage    = errors.New("invalid message")
	ErrMessageNotFound   = errors.New("message not found")
	ErrConfiguration     = errors.New("configuration error")
	ErrResourceExhausted = errors.New("resource exhausted")
)

// QueueFullError is returned by Enqueue when admission would exceed capacity.
// The producer is expected to back off or reject upstream.
type QueueFullError struct {
	Current int
	Max     int
}

func (e *QueueFullError) Error() string {
	return fmt.Sprintf("queue is full: %d messages (max: %d)", e.Current, e.Max)
}

func (e *QueueFullError) Is(target error) bool { return target == ErrQueueFull }

// InvalidMessageError is returned when a payload fails the boundary checks.
type InvalidMessageError struct {
	Reason string
}

func (e *InvalidMessageError) Error() string {
	return "invalid message: " + e.Reason
}

func (e *InvalidMessageError) Is(target error) bool { return target == ErrInvalidMessage }

// MessageNotFoundError means a resolution was requested for an id that is
// not in flight: a double resolution or a stale id.
type MessageNotFoundError struct {
	ID MessageID
}

func (e *MessageNotFoundError) Error() string {
	return fmt.Sprintf("message not found: %d", e.ID)
}

func (e *MessageNotFoundError) Is(target error) bool { return target == ErrMessageNotFound }

// ConfigurationError reports an invalid configuration parameter.
type ConfigurationError struct {
	Parameter string
	Reason    string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error for '%s': %s", e.Parameter, e.Reason)
}

func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

// ResourceExhaustedError reports that an internal resource ran out.
type ResourceExhaustedError struct {
	Resource string
	Current  uint64
	Limit    uint64
}

func (e *ResourceExhaustedError) Error() string {
	return fmt.Sprintf("resource '%s' exhausted: %d / %d limit", e.Resource, e.Current, e.Limit)
}

func (e *ResourceExhaustedError) Is(target error) bool { return target == ErrResourceExhausted }
