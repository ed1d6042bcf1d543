package config

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/busybox42/mailq/internal/api"
	"github.com/busybox42/mailq/internal/logging"
	"github.com/busybox42/mailq/internal/queue"
)

// Config represents the application configuration
type Config struct {
	// Queue engine tunables
	Queue struct {
		Capacity            int        `toml:"capacity"`
		MaxMessageSize      int64      `toml:"max_message_size"`
		RetryIntervals      []Duration `toml:"retry_intervals"`
		MaxRetryAttempts    uint32     `toml:"max_retry_attempts"`
		BackoffBase         Duration   `toml:"backoff_base"`
		BackoffCap          uint32     `toml:"backoff_cap"`
		DeadLetterThreshold int        `toml:"dead_letter_threshold"`
		RefreshInterval     Duration   `toml:"refresh_interval"`
		HealthCheckInterval Duration   `toml:"health_check_interval"`
		MaxMessageAge       Duration   `toml:"max_message_age"`
	} `toml:"queue"`

	// Delivery workers
	Workers struct {
		Enabled         bool     `toml:"enabled"`
		Size            int      `toml:"size"`
		PollInterval    Duration `toml:"poll_interval"`
		DeliveryTimeout Duration `toml:"delivery_timeout"`
		// Circuit breaker open period
		BreakerTimeout Duration `toml:"breaker_timeout"`
		// Simulated transport
		FailureRate float64  `toml:"failure_rate"`
		Latency     Duration `toml:"latency"`
	} `toml:"workers"`

	Logging logging.Config `toml:"logging"`

	// Admin HTTP API
	API struct {
		Enabled      bool     `toml:"enabled"`
		Listen       string   `toml:"listen"`
		ReplyTimeout Duration `toml:"reply_timeout"`
		// Per-client limit on producer submissions
		RateLimit api.RateLimitConfig `toml:"rate_limit"`
	} `toml:"api"`

	// Prometheus endpoint and optional Redis counters
	Metrics struct {
		Enabled       bool     `toml:"enabled"`
		RedisAddr     string   `toml:"redis_addr"`
		RedisPassword string   `toml:"redis_password"`
		RedisDB       int      `toml:"redis_db"`
		KeyPrefix     string   `toml:"key_prefix"`
		Retention     Duration `toml:"retention"`
	} `toml:"metrics"`

	// Health snapshot publishing
	Cache struct {
		Type     string   `toml:"type"` // "", "memory", "redis" or "memcached"
		Host     string   `toml:"host"`
		Port     int      `toml:"port"` // 0 selects the backend default
		Password string   `toml:"password"`
		Database int      `toml:"database"`
		Key      string   `toml:"key"`
		TTL      Duration `toml:"ttl"`
	} `toml:"cache"`

	// Dead-letter archive
	Archive struct {
		Enabled bool   `toml:"enabled"`
		Driver  string `toml:"driver"` // sqlite3, postgres or mysql
		DSN     string `toml:"dsn"`
	} `toml:"archive"`

	// Queue snapshot taken on shutdown and restored on start
	Snapshot struct {
		Enabled bool   `toml:"enabled"`
		Path    string `toml:"path"`
	} `toml:"snapshot"`
}

// DefaultConfig returns a configuration with the queue defaults and every
// optional component disabled.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.SetQueueConfig(queue.DefaultConfig())

	cfg.Workers.Enabled = true
	cfg.Workers.Size = 5
	cfg.Workers.PollInterval = Duration(250 * time.Millisecond)
	cfg.Workers.DeliveryTimeout = Duration(60 * time.Second)
	cfg.Workers.BreakerTimeout = Duration(30 * time.Second)
	cfg.Workers.FailureRate = 0.05
	cfg.Workers.Latency = Duration(20 * time.Millisecond)

	cfg.Logging = logging.Config{Level: "info", Format: "text"}

	cfg.API.Enabled = true
	cfg.API.Listen = "127.0.0.1:8025"
	cfg.API.ReplyTimeout = Duration(5 * time.Second)
	cfg.API.RateLimit = api.RateLimitConfig{Enabled: true, RequestsPerSecond: 100, Burst: 200}

	cfg.Metrics.Enabled = true
	cfg.Metrics.KeyPrefix = "mailq:metrics:"
	cfg.Metrics.Retention = Duration(24 * time.Hour)

	cfg.Cache.Key = "mailq:health"
	cfg.Cache.TTL = Duration(5 * time.Minute)

	cfg.Archive.Driver = "sqlite3"
	cfg.Archive.DSN = "/var/lib/mailq/deadletter.db"

	cfg.Snapshot.Path = "/var/lib/mailq/queue.snapshot"
	return cfg
}

// QueueConfig converts the [queue] section for the engine
func (c *Config) QueueConfig() queue.Config {
	q := c.Queue
	return queue.Config{
		Capacity:            q.Capacity,
		MaxMessageSize:      q.MaxMessageSize,
		RetryIntervals:      durations(q.RetryIntervals),
		MaxRetryAttempts:    q.MaxRetryAttempts,
		BackoffBase:         q.BackoffBase.Std(),
		BackoffCap:          q.BackoffCap,
		DeadLetterThreshold: q.DeadLetterThreshold,
		RefreshInterval:     q.RefreshInterval.Std(),
		HealthCheckInterval: q.HealthCheckInterval.Std(),
		MaxMessageAge:       q.MaxMessageAge.Std(),
	}
}

// SetQueueConfig fills the [queue] section from an engine configuration
func (c *Config) SetQueueConfig(qc queue.Config) {
	c.Queue.Capacity = qc.Capacity
	c.Queue.MaxMessageSize = qc.MaxMessageSize
	c.Queue.RetryIntervals = make([]Duration, len(qc.RetryIntervals))
	for i, d := range qc.RetryIntervals {
		c.Queue.RetryIntervals[i] = Duration(d)
	}
	c.Queue.MaxRetryAttempts = qc.MaxRetryAttempts
	c.Queue.BackoffBase = Duration(qc.BackoffBase)
	c.Queue.BackoffCap = qc.BackoffCap
	c.Queue.DeadLetterThreshold = qc.DeadLetterThreshold
	c.Queue.RefreshInterval = Duration(qc.RefreshInterval)
	c.Queue.HealthCheckInterval = Duration(qc.HealthCheckInterval)
	c.Queue.MaxMessageAge = Duration(qc.MaxMessageAge)
}

// ErrNoConfigFile is returned by FindConfigFile when no location matched
var ErrNoConfigFile = errors.New("no config file found")

// FindConfigFile looks for a configuration file in common locations
func FindConfigFile(configPath string) (string, error) {
	// If a specific path is provided, check only that
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			return configPath, nil
		}
		return "", fmt.Errorf("config file not found at specified path: %s", configPath)
	}

	locations := []string{
		"./mailq.toml",
		"./config/mailq.toml",
		os.ExpandEnv("$HOME/.mailq.toml"),
		"/etc/mailq/mailq.toml",
	}

	for _, loc := range locations {
		slog.Debug("checking for config", "path", loc)
		if _, err := os.Stat(loc); err == nil {
			return loc, nil
		}
	}

	return "", ErrNoConfigFile
}

// LoadConfig loads a configuration from a file. Without an explicit path and
// with no file in the usual locations the defaults are returned.
func LoadConfig(configPath string) (*Config, error) {
	configFile, err := FindConfigFile(configPath)
	if errors.Is(err, ErrNoConfigFile) {
		slog.Info("no config file found, using defaults")
		return DefaultConfig(), nil
	}
	if err != nil {
		return nil, err
	}

	cfg, err := DecodeFile(configFile)
	if err != nil {
		return nil, err
	}

	result := cfg.Validate()
	if !result.Valid {
		return nil, result.Err()
	}
	for _, w := range result.Warnings {
		slog.Warn("configuration warning", "field", w.Field, "message", w.Message)
	}

	slog.Info("configuration loaded", "path", configFile)
	return cfg, nil
}

// DecodeFile reads configFile over the defaults without validating it
func DecodeFile(configFile string) (*Config, error) {
	if err := NewSecurityValidator().ValidateConfigFileSize(configFile); err != nil {
		return nil, fmt.Errorf("config file security validation failed: %w", err)
	}

	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := Decode(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing %s: %w", configFile, err)
	}
	return cfg, nil
}

// Decode parses TOML over cfg. Unknown keys are rejected.
func Decode(data []byte, cfg *Config) error {
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return fmt.Errorf("unknown configuration keys: %s", strict.String())
		}
		return err
	}
	return nil
}

// Encode renders cfg as TOML
func (c *Config) Encode() ([]byte, error) {
	return toml.Marshal(c)
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error in field '%s': %s (current value: %v)", e.Field, e.Message, e.Value)
}

// ValidationResult holds the results of configuration validation
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
	Valid    bool
}

// AddError adds a validation error
func (vr *ValidationResult) AddError(field string, value interface{}, message string) {
	vr.Errors = append(vr.Errors, ValidationError{Field: field, Value: value, Message: message})
	vr.Valid = false
}

// AddWarning adds a validation warning
func (vr *ValidationResult) AddWarning(field string, value interface{}, message string) {
	vr.Warnings = append(vr.Warnings, ValidationError{Field: field, Value: value, Message: message})
}

// Err folds the errors into one, or returns nil
func (vr *ValidationResult) Err() error {
	if vr.Valid {
		return nil
	}
	msgs := make([]string, len(vr.Errors))
	for i, e := range vr.Errors {
		msgs[i] = e.Error()
	}
	return fmt.Errorf("configuration validation failed: %s", strings.Join(msgs, "; "))
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() *ValidationResult {
	result := &ValidationResult{Valid: true}
	sv := NewSecurityValidator()

	c.validateQueue(result)
	c.validateWorkers(result)
	c.validateLogging(result, sv)
	c.validateAPI(result, sv)
	c.validateMetrics(result, sv)
	c.validateCache(result, sv)
	c.validateArchive(result, sv)
	c.validateSnapshot(result, sv)

	return result
}

// validateQueue delegates to the engine's own checks so that both report
// the same parameter names.
func (c *Config) validateQueue(result *ValidationResult) {
	err := c.QueueConfig().Validate()
	var cerr *queue.ConfigurationError
	if errors.As(err, &cerr) {
		result.AddError("queue."+cerr.Parameter, c.queueField(cerr.Parameter), cerr.Reason)
	}
	if c.Queue.Capacity > 1_000_000 {
		result.AddWarning("queue.capacity", c.Queue.Capacity, "very large in-memory queue")
	}
}

func (c *Config) queueField(parameter string) interface{} {
	q := c.Queue
	switch parameter {
	case "capacity":
		return q.Capacity
	case "max_message_size":
		return q.MaxMessageSize
	case "retry_intervals":
		return q.RetryIntervals
	case "max_retry_attempts":
		return q.MaxRetryAttempts
	case "backoff_base":
		return q.BackoffBase.Std()
	case "backoff_cap":
		return q.BackoffCap
	case "dead_letter_threshold":
		return q.DeadLetterThreshold
	case "refresh_interval":
		return q.RefreshInterval.Std()
	case "health_check_interval":
		return q.HealthCheckInterval.Std()
	case "max_message_age":
		return q.MaxMessageAge.Std()
	}
	return nil
}

func (c *Config) validateWorkers(result *ValidationResult) {
	w := c.Workers
	if !w.Enabled {
		return
	}
	if w.Size <= 0 || w.Size > maxWorkers {
		result.AddError("workers.size", w.Size, fmt.Sprintf("must be between 1 and %d", maxWorkers))
	}
	if w.PollInterval <= 0 {
		result.AddError("workers.poll_interval", w.PollInterval.Std(), "must be positive")
	}
	if w.DeliveryTimeout <= 0 {
		result.AddError("workers.delivery_timeout", w.DeliveryTimeout.Std(), "must be positive")
	}
	if w.FailureRate < 0 || w.FailureRate > 1 {
		result.AddError("workers.failure_rate", w.FailureRate, "must be between 0 and 1")
	}
	if w.Latency < 0 {
		result.AddError("workers.latency", w.Latency.Std(), "must not be negative")
	}
}

func (c *Config) validateLogging(result *ValidationResult, sv *SecurityValidator) {
	if _, err := logging.StringToLevel(c.Logging.Level); err != nil {
		result.AddError("logging.level", c.Logging.Level, "must be debug, info, warn or error")
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		result.AddError("logging.format", c.Logging.Format, "must be text or json")
	}
	if err := sv.ValidatePath(c.Logging.File, "logging.file"); err != nil {
		result.AddError("logging.file", c.Logging.File, err.Error())
	}
}

func (c *Config) validateAPI(result *ValidationResult, sv *SecurityValidator) {
	if !c.API.Enabled {
		return
	}
	if err := sv.ValidateNetworkAddress(c.API.Listen, "api.listen"); err != nil {
		result.AddError("api.listen", c.API.Listen, err.Error())
	}
	if c.API.ReplyTimeout <= 0 {
		result.AddError("api.reply_timeout", c.API.ReplyTimeout.Std(), "must be positive")
	}
	rl := c.API.RateLimit
	if rl.Enabled {
		if rl.RequestsPerSecond < 0 {
			result.AddError("api.rate_limit.requests_per_second", rl.RequestsPerSecond, "must not be negative")
		}
		if rl.Burst < 0 {
			result.AddError("api.rate_limit.burst", rl.Burst, "must not be negative")
		}
		for _, proxy := range rl.TrustedProxies {
			if !api.ValidProxy(proxy) {
				result.AddError("api.rate_limit.trusted_proxies", proxy, "must be an IP address or CIDR")
			}
		}
	}
}

func (c *Config) validateMetrics(result *ValidationResult, sv *SecurityValidator) {
	if c.Metrics.RedisAddr == "" {
		return
	}
	if err := sv.ValidateNetworkAddress(c.Metrics.RedisAddr, "metrics.redis_addr"); err != nil {
		result.AddError("metrics.redis_addr", c.Metrics.RedisAddr, err.Error())
	}
	if c.Metrics.Retention <= 0 {
		result.AddError("metrics.retention", c.Metrics.Retention.Std(), "must be positive")
	}
}

func (c *Config) validateCache(result *ValidationResult, sv *SecurityValidator) {
	switch c.Cache.Type {
	case "":
		return
	case "memory":
	case "redis", "memcached":
		if err := sv.ValidateHostname(c.Cache.Host, "cache.host"); err != nil {
			result.AddError("cache.host", c.Cache.Host, err.Error())
		}
		if c.Cache.Port != 0 {
			if err := sv.ValidatePort(c.Cache.Port, "cache.port"); err != nil {
				result.AddError("cache.port", c.Cache.Port, err.Error())
			}
		}
	default:
		result.AddError("cache.type", c.Cache.Type, "must be memory, redis or memcached")
		return
	}
	if c.Cache.Key == "" {
		result.AddError("cache.key", c.Cache.Key, "must not be empty")
	}
	if c.Cache.TTL < 0 {
		result.AddError("cache.ttl", c.Cache.TTL.Std(), "must not be negative")
	}
}

func (c *Config) validateArchive(result *ValidationResult, sv *SecurityValidator) {
	if !c.Archive.Enabled {
		return
	}
	switch c.Archive.Driver {
	case "sqlite3", "postgres", "mysql":
	default:
		result.AddError("archive.driver", c.Archive.Driver, "must be sqlite3, postgres or mysql")
		return
	}
	if c.Archive.DSN == "" {
		result.AddError("archive.dsn", c.Archive.DSN, "must not be empty")
		return
	}
	if err := sv.ValidateDSN(c.Archive.Driver, c.Archive.DSN, "archive.dsn"); err != nil {
		result.AddError("archive.dsn", "<redacted>", err.Error())
	}
}

func (c *Config) validateSnapshot(result *ValidationResult, sv *SecurityValidator) {
	if !c.Snapshot.Enabled {
		return
	}
	if c.Snapshot.Path == "" {
		result.AddError("snapshot.path", c.Snapshot.Path, "must not be empty")
		return
	}
	if err := sv.ValidatePath(c.Snapshot.Path, "snapshot.path"); err != nil {
		result.AddError("snapshot.path", c.Snapshot.Path, err.Error())
	}
}
