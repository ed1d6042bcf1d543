package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/valkey-io/valkey-go"
)

// Counter names mirrored into the shared store
const (
	CounterEnqueued     = "enqueued"
	CounterRejected     = "rejected"
	CounterDelivered    = "delivered"
	CounterDeferred     = "deferred"
	CounterDeadLettered = "dead_lettered"
	CounterExpired      = "expired"
	CounterRequeued     = "requeued"
)

var allCounters = []string{
	CounterEnqueued, CounterRejected, CounterDelivered, CounterDeferred,
	CounterDeadLettered, CounterExpired, CounterRequeued,
}

// CounterNames returns the mirrored counters in display order
func CounterNames() []string {
	return append([]string(nil), allCounters...)
}

const (
	hourFormat      = "2006-01-02:15"
	maxRecentErrors = 100
)

// Totals holds lifetime counters, shared by every queue that writes to the
// same prefix.
type Totals struct {
	Counters    map[string]int64 `json:"counters"`
	LastUpdated time.Time        `json:"last_updated"`
}

// HourlyStats holds one hour of counters
type HourlyStats struct {
	Hour     string           `json:"hour"`
	Counters map[string]int64 `json:"counters"`
}

// RecentError is a dead-lettered message's final failure
type RecentError struct {
	MessageID uint64    `json:"message_id"`
	Recipient string    `json:"recipient"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// CounterStore persists lifecycle counters outside the process
type CounterStore interface {
	Incr(ctx context.Context, counter string, at time.Time) error
	AddRecentError(ctx context.Context, e RecentError) error
	Close()
}

// ValkeyStoreConfig configures a ValkeyStore
type ValkeyStoreConfig struct {
	Addr      string
	Password  string
	DB        int
	Prefix    string
	Retention time.Duration // lifetime of hourly keys
}

// ValkeyStore provides metrics storage in Valkey or Redis
type ValkeyStore struct {
	client    valkey.Client
	prefix    string
	retention time.Duration
}

// NewValkeyStore creates a new Valkey-backed metrics store
func NewValkeyStore(cfg ValkeyStoreConfig) (*ValkeyStore, error) {
	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress: []string{cfg.Addr},
		Password:    cfg.Password,
		SelectDB:    cfg.DB,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to metrics store %s: %w", cfg.Addr, err)
	}

	if cfg.Prefix == "" {
		cfg.Prefix = "mailq:metrics:"
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}
	return &ValkeyStore{
		client:    client,
		prefix:    cfg.Prefix,
		retention: cfg.Retention,
	}, nil
}

// Close closes the Valkey connection
func (s *ValkeyStore) Close() {
	s.client.Close()
}

func (s *ValkeyStore) hourKey(hour time.Time, counter string) string {
	return s.prefix + "hourly:" + hour.UTC().Format(hourFormat) + ":" + counter
}

// Incr bumps a lifetime counter and its hourly bucket in one round trip
func (s *ValkeyStore) Incr(ctx context.Context, counter string, at time.Time) error {
	hourKey := s.hourKey(at, counter)
	cmds := valkey.Commands{
		s.client.B().Incr().Key(s.prefix + counter).Build(),
		s.client.B().Incr().Key(hourKey).Build(),
		s.client.B().Expire().Key(hourKey).Seconds(int64(s.retention / time.Second)).Build(),
		s.client.B().Set().Key(s.prefix + "last_updated").Value(at.UTC().Format(time.RFC3339)).Build(),
	}
	for _, resp := range s.client.DoMulti(ctx, cmds...) {
		if err := resp.Error(); err != nil {
			return err
		}
	}
	return nil
}

func (s *ValkeyStore) getInt(ctx context.Context, key string) int64 {
	n, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).AsInt64()
	if err != nil {
		return 0
	}
	return n
}

// GetTotals retrieves the lifetime counters
func (s *ValkeyStore) GetTotals(ctx context.Context) (*Totals, error) {
	totals := &Totals{Counters: make(map[string]int64, len(allCounters))}
	for _, c := range allCounters {
		totals.Counters[c] = s.getInt(ctx, s.prefix+c)
	}

	lastUpdated, err := s.client.Do(ctx, s.client.B().Get().Key(s.prefix+"last_updated").Build()).ToString()
	if err != nil && !valkey.IsValkeyNil(err) {
		return nil, err
	}
	totals.LastUpdated, _ = time.Parse(time.RFC3339, lastUpdated)
	return totals, nil
}

// GetHourlyStats retrieves the last hours of counters, oldest first
func (s *ValkeyStore) GetHourlyStats(ctx context.Context, hours int, now time.Time) ([]HourlyStats, error) {
	stats := make([]HourlyStats, hours)
	for i := 0; i < hours; i++ {
		hour := now.Add(-time.Duration(hours-1-i) * time.Hour)
		stats[i] = HourlyStats{
			Hour:     hour.UTC().Format("2006-01-02 15:00"),
			Counters: make(map[string]int64, len(allCounters)),
		}
		for _, c := range allCounters {
			stats[i].Counters[c] = s.getInt(ctx, s.hourKey(hour, c))
		}
	}
	return stats, nil
}

// AddRecentError stores a dead-letter reason, keeping the newest entries
func (s *ValkeyStore) AddRecentError(ctx context.Context, e RecentError) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}

	key := s.prefix + "recent_errors"
	cmds := valkey.Commands{
		s.client.B().Lpush().Key(key).Element(string(data)).Build(),
		s.client.B().Ltrim().Key(key).Start(0).Stop(maxRecentErrors - 1).Build(),
	}
	for _, resp := range s.client.DoMulti(ctx, cmds...) {
		if err := resp.Error(); err != nil {
			return err
		}
	}
	return nil
}

// GetRecentErrors retrieves recent dead-letter reasons, newest first
func (s *ValkeyStore) GetRecentErrors(ctx context.Context, limit int64) ([]RecentError, error) {
	key := s.prefix + "recent_errors"
	result, err := s.client.Do(ctx, s.client.B().Lrange().Key(key).Start(0).Stop(limit-1).Build()).AsStrSlice()
	if err != nil {
		return nil, err
	}

	out := make([]RecentError, 0, len(result))
	for _, item := range result {
		var e RecentError
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}
