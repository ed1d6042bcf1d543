package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode"
)

// Config controls the process-wide slog handler
type Config struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // "text" or "json"
	File   string `toml:"file"`   // optional, logs go to stdout and this file
}

// sanitizeMessage normalizes a log message to a single line and removes
// potentially dangerous control characters that can be used for log injection.
func sanitizeMessage(msg string) string {
	// Replace CR/LF with spaces to avoid multi-line injection
	msg = strings.ReplaceAll(msg, "\r", " ")
	msg = strings.ReplaceAll(msg, "\n", " ")

	// Drop other control characters except tab
	var b strings.Builder
	for _, r := range msg {
		if r == '\t' || !unicode.IsControl(r) {
			b.WriteRune(r)
		}
	}

	return b.String()
}

var sensitiveFieldKeys = []string{
	"password",
	"pass",
	"token",
	"secret",
	"authorization",
	"auth_header",
}

func isSensitiveKey(key string) bool {
	keyLower := strings.ToLower(key)
	for _, sk := range sensitiveFieldKeys {
		if strings.Contains(keyLower, sk) {
			return true
		}
	}
	return false
}

// sanitizeAttr redacts sensitive values and flattens string values.
func sanitizeAttr(a slog.Attr) slog.Attr {
	if isSensitiveKey(a.Key) {
		return slog.String(a.Key, "***REDACTED***")
	}
	switch a.Value.Kind() {
	case slog.KindString:
		return slog.String(a.Key, sanitizeMessage(a.Value.String()))
	case slog.KindGroup:
		attrs := a.Value.Group()
		out := make([]any, len(attrs))
		for i, ga := range attrs {
			out[i] = sanitizeAttr(ga)
		}
		return slog.Group(a.Key, out...)
	case slog.KindAny:
		if ss, ok := a.Value.Any().([]string); ok {
			clean := make([]string, len(ss))
			for i, v := range ss {
				clean[i] = sanitizeMessage(v)
			}
			return slog.Any(a.Key, clean)
		}
	}
	return a
}

// SanitizingHandler wraps a slog.Handler and scrubs every record before it is
// written: string values are forced onto one line and sensitive keys are
// redacted.
type SanitizingHandler struct {
	next slog.Handler
}

// NewSanitizingHandler wraps next
func NewSanitizingHandler(next slog.Handler) *SanitizingHandler {
	return &SanitizingHandler{next: next}
}

func (h *SanitizingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *SanitizingHandler) Handle(ctx context.Context, r slog.Record) error {
	clean := slog.NewRecord(r.Time, r.Level, sanitizeMessage(r.Message), r.PC)
	r.Attrs(func(a slog.Attr) bool {
		clean.AddAttrs(sanitizeAttr(a))
		return true
	})
	return h.next.Handle(ctx, clean)
}

func (h *SanitizingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clean := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		clean[i] = sanitizeAttr(a)
	}
	return &SanitizingHandler{next: h.next.WithAttrs(clean)}
}

func (h *SanitizingHandler) WithGroup(name string) slog.Handler {
	return &SanitizingHandler{next: h.next.WithGroup(name)}
}

// LogLevelManager manages runtime log level adjustment
type LogLevelManager struct {
	level *slog.LevelVar
	mu    sync.RWMutex
}

var globalLogLevelManager = &LogLevelManager{
	level: new(slog.LevelVar), // zero value is INFO
}

// GetLogLevelManager returns the global log level manager
func GetLogLevelManager() *LogLevelManager {
	return globalLogLevelManager
}

// SetLevel sets the current log level
func (m *LogLevelManager) SetLevel(level slog.Level) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.level.Set(level)
}

// GetLevel returns the current log level
func (m *LogLevelManager) GetLevel() slog.Level {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.level.Level()
}

// Leveler exposes the dynamic level for handler options
func (m *LogLevelManager) Leveler() slog.Leveler {
	return m.level
}

// LevelToString converts slog.Level to string
func LevelToString(level slog.Level) string {
	switch level {
	case slog.LevelDebug:
		return "DEBUG"
	case slog.LevelInfo:
		return "INFO"
	case slog.LevelWarn:
		return "WARN"
	case slog.LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// StringToLevel converts string to slog.Level
func StringToLevel(levelStr string) (slog.Level, error) {
	switch levelStr {
	case "DEBUG", "debug":
		return slog.LevelDebug, nil
	case "INFO", "info", "":
		return slog.LevelInfo, nil
	case "WARN", "warn", "WARNING", "warning":
		return slog.LevelWarn, nil
	case "ERROR", "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, errors.New("invalid log level")
	}
}

// NewHandler builds the handler described by cfg on top of w
func NewHandler(cfg Config, w io.Writer) (slog.Handler, error) {
	opts := &slog.HandlerOptions{Level: globalLogLevelManager.Leveler()}

	var h slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "", "text":
		h = slog.NewTextHandler(w, opts)
	case "json":
		h = slog.NewJSONHandler(w, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.Format)
	}
	return NewSanitizingHandler(h), nil
}

// InitializeLogging installs the default slog logger. It returns a closer for
// the log file, if one was opened.
func InitializeLogging(cfg Config) (io.Closer, error) {
	level, err := StringToLevel(cfg.Level)
	if err != nil {
		slog.Warn("invalid log level in config, defaulting to INFO",
			"configured_level", cfg.Level)
	}
	globalLogLevelManager.SetLevel(level)

	var (
		w      io.Writer = os.Stdout
		closer io.Closer = io.NopCloser(nil)
	)
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		logFile, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		w = io.MultiWriter(os.Stdout, logFile)
		closer = logFile
	}

	handler, err := NewHandler(cfg, w)
	if err != nil {
		_ = closer.Close()
		return nil, err
	}
	slog.SetDefault(slog.New(handler))

	slog.Info("logging initialized",
		"log_level", LevelToString(level),
		"log_format", cfg.Format,
		"log_file", cfg.File)
	return closer, nil
}
