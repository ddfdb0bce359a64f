// Package deadletter keeps a local record of batches the forwarder gave up on.
package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"hubstream/internal/model"
)

var bucketLostBatches = []byte("lost_batches")

// Record describes one lost batch
type Record struct {
	BatchID    string          `json:"batch_id"`
	Reason     string          `json:"reason"`
	Error      string          `json:"error,omitempty"`
	Attempts   int             `json:"attempts"`
	EventCount int             `json:"event_count"`
	LostAt     time.Time       `json:"lost_at"`
	Events     json.RawMessage `json:"events"`
}

// BoltStore implements the dead-letter log on BoltDB
type BoltStore struct {
	db  *bolt.DB
	now func() time.Time
}

// NewBoltStore opens or creates the dead-letter database at path
func NewBoltStore(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create dead-letter directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open dead-letter database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketLostBatches); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucketLostBatches, err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db, now: time.Now}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Record stores a lost batch with the reason it was dropped
func (s *BoltStore) Record(ctx context.Context, batch *model.EventBatch, reason string, cause error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	events, err := json.Marshal(batch.Events)
	if err != nil {
		return fmt.Errorf("failed to encode events: %w", err)
	}

	record := Record{
		BatchID:    batch.ID.String(),
		Reason:     reason,
		Attempts:   batch.Attempts,
		EventCount: batch.Len(),
		LostAt:     s.now().UTC(),
		Events:     events,
	}
	if cause != nil {
		record.Error = cause.Error()
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}

	key := []byte(fmt.Sprintf("%020d-%s", record.LostAt.UnixNano(), record.BatchID))
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLostBatches).Put(key, data)
	})
}

// List returns up to limit records, newest first. A limit <= 0 returns all.
func (s *BoltStore) List(limit int) ([]*Record, error) {
	var records []*Record
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketLostBatches).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(records) >= limit {
				break
			}
			var record Record
			if err := json.Unmarshal(v, &record); err != nil {
				return err
			}
			records = append(records, &record)
		}
		return nil
	})
	return records, err
}

// Count returns the number of recorded batches
func (s *BoltStore) Count() (int, error) {
	var count int
	err := s.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket(bucketLostBatches).Stats().KeyN
		return nil
	})
	return count, err
}
