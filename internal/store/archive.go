package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/busybox42/mailq/internal/queue"
)

const (
	archiveTable        = "dead_letters"
	archiveWriteTimeout = 5 * time.Second
	defaultListLimit    = 100
)

// ArchivedMessage is one dead-lettered record as stored in the archive
type ArchivedMessage struct {
	MessageID      uint64          `json:"message_id"`
	Priority       string          `json:"priority"`
	Attempts       uint32          `json:"attempts"`
	ReturnPath     string          `json:"return_path"`
	Recipients     []string        `json:"recipients"`
	Reason         string          `json:"reason"`
	FailureHistory []queue.Failure `json:"failure_history"`
	CreatedAt      time.Time       `json:"created_at"`
	DeadLetteredAt time.Time       `json:"dead_lettered_at"`
	RequeuedAt     *time.Time      `json:"requeued_at,omitempty"`
}

type dialect struct {
	driver     string
	primaryKey string
}

var dialects = map[string]dialect{
	"sqlite3":  {driver: "sqlite3", primaryKey: "INTEGER PRIMARY KEY AUTOINCREMENT"},
	"postgres": {driver: "postgres", primaryKey: "BIGSERIAL PRIMARY KEY"},
	"mysql":    {driver: "mysql", primaryKey: "BIGINT AUTO_INCREMENT PRIMARY KEY"},
}

// SupportedDrivers lists the database drivers the archive can use
func SupportedDrivers() []string {
	return []string{"sqlite3", "postgres", "mysql"}
}

// bind rewrites ? placeholders for drivers that number them
func (d dialect) bind(query string) string {
	if d.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type archiveOp struct {
	barrier chan struct{}
	requeue bool
	rec     *queue.Record
	reason  string
	at      time.Time
}

// SQLArchive keeps a durable history of dead-lettered messages. It is a
// queue.Observer; inserts happen on a background goroutine.
type SQLArchive struct {
	db      *sql.DB
	dialect dialect
	logger  *slog.Logger

	ops     chan archiveOp
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once

	written atomic.Uint64
	dropped atomic.Uint64
}

// OpenSQLArchive connects to the database and creates the archive table
func OpenSQLArchive(driver, dsn string, logger *slog.Logger) (*SQLArchive, error) {
	d, ok := dialects[driver]
	if !ok {
		return nil, fmt.Errorf("unsupported archive driver %q", driver)
	}
	if logger == nil {
		logger = slog.Default()
	}

	if driver == "sqlite3" && !strings.HasPrefix(dsn, "file:") && dsn != ":memory:" {
		if dir := filepath.Dir(dsn); dir != "." && dir != "/" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create directory for archive database: %w", err)
			}
		}
	}

	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive database: %w", err)
	}
	if driver == "sqlite3" {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(5)
		db.SetMaxIdleConns(2)
	}
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), archiveWriteTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping archive database: %w", err)
	}

	a := &SQLArchive{
		db:      db,
		dialect: d,
		logger:  logger.With("component", "deadletter-archive", "driver", driver),
		ops:     make(chan archiveOp, 256),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	if err := a.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize archive schema: %w", err)
	}

	go a.run()
	a.logger.Info("dead-letter archive ready")
	return a, nil
}

func (a *SQLArchive) initSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id %s,
			message_id BIGINT NOT NULL,
			priority VARCHAR(16) NOT NULL,
			attempts INTEGER NOT NULL,
			return_path VARCHAR(512) NOT NULL,
			recipients TEXT NOT NULL,
			reason TEXT NOT NULL,
			failure_history TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			dead_lettered_at BIGINT NOT NULL,
			requeued_at BIGINT
		)
	`, archiveTable, a.dialect.primaryKey)
	_, err := a.db.ExecContext(ctx, ddl)
	return err
}

// Observe implements queue.Observer
func (a *SQLArchive) Observe(ev queue.LifecycleEvent) {
	var op archiveOp
	switch ev.Kind {
	case queue.KindDeadLettered:
		op = archiveOp{rec: ev.Record, reason: ev.Reason, at: ev.Time}
	case queue.KindRequeued:
		op = archiveOp{requeue: true, rec: ev.Record, at: ev.Time}
	default:
		return
	}
	if op.rec == nil {
		return
	}

	select {
	case <-a.done:
		return
	default:
	}
	select {
	case a.ops <- op:
	default:
		a.dropped.Add(1)
		a.logger.Warn("archive buffer full, dropping record",
			"msg_id", uint64(op.rec.ID),
			"kind", string(ev.Kind))
	}
}

func (a *SQLArchive) run() {
	defer close(a.stopped)
	for {
		select {
		case op := <-a.ops:
			a.apply(op)
		case <-a.done:
			for {
				select {
				case op := <-a.ops:
					a.apply(op)
				default:
					return
				}
			}
		}
	}
}

func (a *SQLArchive) apply(op archiveOp) {
	if op.barrier != nil {
		close(op.barrier)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), archiveWriteTimeout)
	defer cancel()

	var err error
	if op.requeue {
		err = a.markRequeued(ctx, op.rec.ID, op.at)
	} else {
		err = a.insert(ctx, op.rec, op.reason, op.at)
	}
	if err != nil {
		a.logger.Error("failed to write dead-letter archive",
			"msg_id", uint64(op.rec.ID),
			"error", err)
		return
	}
	a.written.Add(1)
}

func (a *SQLArchive) insert(ctx context.Context, rec *queue.Record, reason string, at time.Time) error {
	recipients, err := json.Marshal(rec.Payload.Recipients)
	if err != nil {
		return err
	}
	history, err := json.Marshal(rec.FailureHistory)
	if err != nil {
		return err
	}
	query := a.dialect.bind(fmt.Sprintf(`
		INSERT INTO %s (
			message_id, priority, attempts, return_path, recipients,
			reason, failure_history, created_at, dead_lettered_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, archiveTable))
	_, err = a.db.ExecContext(ctx, query,
		int64(rec.ID),
		rec.Priority.String(),
		rec.AttemptCount,
		rec.Payload.ReturnPath,
		string(recipients),
		reason,
		string(history),
		rec.CreatedAt.UnixMilli(),
		at.UnixMilli(),
	)
	return err
}

// markRequeued stamps the newest open archive row for id
func (a *SQLArchive) markRequeued(ctx context.Context, id queue.MessageID, at time.Time) error {
	var rowID int64
	err := a.db.QueryRowContext(ctx, a.dialect.bind(fmt.Sprintf(`
		SELECT id FROM %s
		WHERE message_id = ? AND requeued_at IS NULL
		ORDER BY id DESC LIMIT 1
	`, archiveTable)), int64(id)).Scan(&rowID)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = a.db.ExecContext(ctx, a.dialect.bind(fmt.Sprintf(
		"UPDATE %s SET requeued_at = ? WHERE id = ?", archiveTable)),
		at.UnixMilli(), rowID)
	return err
}

// List returns up to limit archived messages, newest first
func (a *SQLArchive) List(ctx context.Context, limit int) ([]ArchivedMessage, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := a.db.QueryContext(ctx, a.dialect.bind(fmt.Sprintf(`
		SELECT message_id, priority, attempts, return_path, recipients,
			reason, failure_history, created_at, dead_lettered_at, requeued_at
		FROM %s
		ORDER BY id DESC
		LIMIT ?
	`, archiveTable)), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query archive: %w", err)
	}
	defer rows.Close()

	var out []ArchivedMessage
	for rows.Next() {
		var (
			m                     ArchivedMessage
			messageID             int64
			recipients, history   string
			created, deadLettered int64
			requeued              sql.NullInt64
		)
		if err := rows.Scan(&messageID, &m.Priority, &m.Attempts, &m.ReturnPath,
			&recipients, &m.Reason, &history, &created, &deadLettered, &requeued); err != nil {
			return nil, fmt.Errorf("failed to scan archive row: %w", err)
		}
		if err := json.Unmarshal([]byte(recipients), &m.Recipients); err != nil {
			return nil, fmt.Errorf("corrupt recipients for message %d: %w", messageID, err)
		}
		if err := json.Unmarshal([]byte(history), &m.FailureHistory); err != nil {
			return nil, fmt.Errorf("corrupt failure history for message %d: %w", messageID, err)
		}
		m.MessageID = uint64(messageID)
		m.CreatedAt = time.UnixMilli(created).UTC()
		m.DeadLetteredAt = time.UnixMilli(deadLettered).UTC()
		if requeued.Valid {
			t := time.UnixMilli(requeued.Int64).UTC()
			m.RequeuedAt = &t
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Flush blocks until every write queued before the call has been applied
func (a *SQLArchive) Flush(ctx context.Context) error {
	barrier := make(chan struct{})
	select {
	case a.ops <- archiveOp{barrier: barrier}:
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-barrier:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains pending writes and closes the database
func (a *SQLArchive) Close() error {
	var err error
	a.once.Do(func() {
		close(a.done)
		<-a.stopped
		err = a.db.Close()
		a.logger.Info("dead-letter archive closed",
			"written", a.written.Load(),
			"dropped", a.dropped.Load())
	})
	return err
}

var _ queue.Observer = (*SQLArchive)(nil)
