// Package localstate is the per-node durable store backing the task
// engine's rate limiter: a rolling count of claims made in the last
// hour, kept in bbolt so a crash-loop cannot silently reset the
// MAX_TASKS_PER_HOUR budget (spec §4.4).
package localstate

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"time"

	json "github.com/goccy/go-json"
	bolt "go.etcd.io/bbolt"
)

var bucketClaims = []byte("claims")

// Store wraps a bbolt database holding this node's local rate-limit
// bookkeeping. It is never synchronized via git — only the node that
// wrote it ever reads it.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if needed) the local state database under dataDir.
func Open(dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, "dgrid-localstate.db")
	db, err := bolt.Open(dbPath, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open local state database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketClaims)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create claims bucket: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

type claimRecord struct {
	Timestamp time.Time `json:"timestamp"`
}

// RecordClaim persists one claim event at t, keyed by a monotonically
// increasing bucket sequence so claims within the same second never
// collide.
func (s *Store) RecordClaim(t time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketClaims)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		data, err := json.Marshal(claimRecord{Timestamp: t.UTC()})
		if err != nil {
			return err
		}
		return b.Put(itob(seq), data)
	})
}

// TasksClaimedLastHour counts claim records timestamped within the
// hour preceding now, pruning anything older from the bucket at the
// same time so the store does not grow without bound.
func (s *Store) TasksClaimedLastHour(now time.Time) (int, error) {
	cutoff := now.Add(-1 * time.Hour)
	count := 0
	var stale [][]byte

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketClaims)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec claimRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				stale = append(stale, append([]byte{}, k...))
				continue
			}
			if rec.Timestamp.Before(cutoff) {
				stale = append(stale, append([]byte{}, k...))
				continue
			}
			count++
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("count claims in last hour: %w", err)
	}
	return count, nil
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
