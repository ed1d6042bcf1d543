package store

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"github.com/busybox42/mailq/internal/queue"
)

// ErrNoSnapshot is returned by Load when nothing has been saved yet
var ErrNoSnapshot = errors.New("no queue snapshot stored")

var (
	snapshotBucket = []byte("snapshot")
	metaKey        = []byte("meta")
	sectionQueued  = []byte("queued")
	sectionFlight  = []byte("in_flight")
	sectionDead    = []byte("dead_letters")
)

type snapshotMeta struct {
	LastID  queue.MessageID `json:"last_id"`
	TakenAt time.Time       `json:"taken_at"`
	Queued  int             `json:"queued"`
	Flight  int             `json:"in_flight"`
	Dead    int             `json:"dead_letters"`
}

// BoltSnapshotter keeps the latest queue snapshot in a bbolt file. Records
// are stored one per key, in queue order, under a section bucket.
type BoltSnapshotter struct {
	db     *bbolt.DB
	logger *slog.Logger
}

// OpenBoltSnapshotter opens (or creates) the snapshot file at path
func OpenBoltSnapshotter(path string, logger *slog.Logger) (*BoltSnapshotter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot file %s: %w", path, err)
	}
	return &BoltSnapshotter{
		db:     db,
		logger: logger.With("component", "snapshot-store", "path", path),
	}, nil
}

// Close closes the database
func (s *BoltSnapshotter) Close() error {
	return s.db.Close()
}

func positionKey(i int) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(i))
	return k
}

// Save replaces the stored snapshot atomically
func (s *BoltSnapshotter) Save(snap queue.Snapshot) error {
	meta := snapshotMeta{
		LastID:  snap.LastID,
		TakenAt: snap.TakenAt,
		Queued:  len(snap.Queued),
		Flight:  len(snap.InFlight),
		Dead:    len(snap.DeadLetters),
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket(snapshotBucket) != nil {
			if err := tx.DeleteBucket(snapshotBucket); err != nil {
				return err
			}
		}
		root, err := tx.CreateBucket(snapshotBucket)
		if err != nil {
			return err
		}

		data, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		if err := root.Put(metaKey, data); err != nil {
			return err
		}

		for _, section := range []struct {
			name    []byte
			records []*queue.Record
		}{
			{sectionQueued, snap.Queued},
			{sectionFlight, snap.InFlight},
			{sectionDead, snap.DeadLetters},
		} {
			b, err := root.CreateBucket(section.name)
			if err != nil {
				return err
			}
			for i, rec := range section.records {
				data, err := json.Marshal(rec)
				if err != nil {
					return fmt.Errorf("encode record %d: %w", rec.ID, err)
				}
				if err := b.Put(positionKey(i), data); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save queue snapshot: %w", err)
	}

	s.logger.Info("queue snapshot saved",
		"queued", meta.Queued,
		"in_flight", meta.Flight,
		"dead_letters", meta.Dead,
		"last_id", uint64(meta.LastID))
	return nil
}

// Load returns the stored snapshot, or ErrNoSnapshot
func (s *BoltSnapshotter) Load() (queue.Snapshot, error) {
	var snap queue.Snapshot

	err := s.db.View(func(tx *bbolt.Tx) error {
		root := tx.Bucket(snapshotBucket)
		if root == nil {
			return ErrNoSnapshot
		}

		var meta snapshotMeta
		if err := json.Unmarshal(root.Get(metaKey), &meta); err != nil {
			return fmt.Errorf("decode snapshot metadata: %w", err)
		}
		snap.LastID = meta.LastID
		snap.TakenAt = meta.TakenAt

		read := func(name []byte) ([]*queue.Record, error) {
			b := root.Bucket(name)
			if b == nil {
				return nil, fmt.Errorf("snapshot section %s missing", name)
			}
			var out []*queue.Record
			err := b.ForEach(func(_, v []byte) error {
				rec := &queue.Record{}
				if err := json.Unmarshal(v, rec); err != nil {
					return fmt.Errorf("decode %s record: %w", name, err)
				}
				out = append(out, rec)
				return nil
			})
			return out, err
		}

		var err error
		if snap.Queued, err = read(sectionQueued); err != nil {
			return err
		}
		if snap.InFlight, err = read(sectionFlight); err != nil {
			return err
		}
		snap.DeadLetters, err = read(sectionDead)
		return err
	})
	return snap, err
}

// Restore loads the stored snapshot into q, which must be empty. A missing
// snapshot is not an error.
func (s *BoltSnapshotter) Restore(q *queue.Queue) (int, error) {
	snap, err := s.Load()
	if errors.Is(err, ErrNoSnapshot) {
		s.logger.Info("no queue snapshot to restore")
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if err := q.Import(snap); err != nil {
		return 0, fmt.Errorf("failed to restore queue snapshot: %w", err)
	}
	s.logger.Info("queue snapshot restored",
		"records", snap.Len(),
		"taken_at", snap.TakenAt)
	return snap.Len(), nil
}
