package queue

import (
	"fmt"
	"time"
)

// Config holds the tunables of a queue instance
type Config struct {
	// Capacity bounds the number of queued (not in-flight) records
	Capacity int `json:"capacity"`
	// MaxMessageSize is the largest payload size accepted, in bytes
	MaxMessageSize int64 `json:"max_message_size"`
	// RetryIntervals is indexed by attempt-1; attempts past the table use
	// BackoffBase * 2^min(attempt, BackoffCap)
	RetryIntervals   []time.Duration `json:"retry_intervals"`
	MaxRetryAttempts uint32          `json:"max_retry_attempts"`
	BackoffBase      time.Duration   `json:"backoff_base"`
	BackoffCap       uint32          `json:"backoff_cap"`
	// DeadLetterThreshold only affects the health score
	DeadLetterThreshold int `json:"dead_letter_threshold"`

	RefreshInterval     time.Duration `json:"refresh_interval"`
	HealthCheckInterval time.Duration `json:"health_check_interval"`
	MaxMessageAge       time.Duration `json:"max_message_age"`
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		Capacity:       10000,
		MaxMessageSize: 100 * 1024 * 1024, // 100MB
		RetryIntervals: []time.Duration{
			time.Minute,
			5 * time.Minute,
			15 * time.Minute,
			time.Hour,
			4 * time.Hour,
		},
		MaxRetryAttempts:    5,
		BackoffBase:         time.Minute,
		BackoffCap:          10,
		DeadLetterThreshold: 10,
		RefreshInterval:     time.Second,
		HealthCheckInterval: 30 * time.Second,
		MaxMessageAge:       7 * 24 * time.Hour,
	}
}

// maxBackoffCap bounds the exponent of the fallback backoff
const maxBackoffCap = 30

// Validate checks the configuration and returns a *ConfigurationError
// naming the first bad parameter.
func (c Config) Validate() error {
	switch {
	case c.Capacity <= 0:
		return &ConfigurationError{Parameter: "capacity", Reason: "must be positive"}
	case c.MaxMessageSize <= 0:
		return &ConfigurationError{Parameter: "max_message_size", Reason: "must be positive"}
	case c.MaxRetryAttempts == 0:
		return &ConfigurationError{Parameter: "max_retry_attempts", Reason: "must be at least 1"}
	case c.BackoffBase <= 0:
		return &ConfigurationError{Parameter: "backoff_base", Reason: "must be positive"}
	case c.BackoffCap > maxBackoffCap:
		return &ConfigurationError{Parameter: "backoff_cap", Reason: fmt.Sprintf("must not exceed %d", maxBackoffCap)}
	case c.DeadLetterThreshold < 0:
		return &ConfigurationError{Parameter: "dead_letter_threshold", Reason: "must not be negative"}
	case c.RefreshInterval <= 0:
		return &ConfigurationError{Parameter: "refresh_interval", Reason: "must be positive"}
	case c.HealthCheckInterval <= 0:
		return &ConfigurationError{Parameter: "health_check_interval", Reason: "must be positive"}
	case c.MaxMessageAge <= 0:
		return &ConfigurationError{Parameter: "max_message_age", Reason: "must be positive"}
	}

	for i, d := range c.RetryIntervals {
		if d <= 0 {
			return &ConfigurationError{
				Parameter: "retry_intervals",
				Reason:    fmt.Sprintf("interval %d must be positive, got %s", i, d),
			}
		}
		if i > 0 && d < c.RetryIntervals[i-1] {
			return &ConfigurationError{
				Parameter: "retry_intervals",
				Reason:    fmt.Sprintf("interval %d (%s) is shorter than interval %d (%s)", i, d, i-1, c.RetryIntervals[i-1]),
			}
		}
	}
	return nil
}

func (c Config) clone() Config {
	c.RetryIntervals = append([]time.Duration(nil), c.RetryIntervals...)
	return c
}
