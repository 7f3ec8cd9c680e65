// Package storage provides persistent data storage for the checkpoint forecaster.
// It uses BoltDB as the underlying storage engine for checkpoints, observations,
// status records, model artifacts with their active pointers, training jobs and
// emitted predictions.
//
// Time-series buckets are keyed as "<id>|<zero-padded unix nanos>|<suffix>" so that a
// cursor Seek gives inclusive, time-ordered range scans per checkpoint.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

const (
	checkpointsBucket  = "checkpoints"
	observationsBucket = "observations"
	statusBucket       = "status"
	artifactsBucket    = "artifacts"
	activeBucket       = "active"
	jobsBucket         = "jobs"
	predictionsBucket  = "predictions"

	// DBFile is the database file name inside the data directory.
	DBFile = "forecast.db"

	sep = '|'
)

var buckets = []string{
	checkpointsBucket, observationsBucket, statusBucket,
	artifactsBucket, activeBucket, jobsBucket, predictionsBucket,
}

// Store provides persistent storage backed by BoltDB. It is safe for concurrent use.
type Store struct {
	db *bbolt.DB
}

// New opens (or creates) the database under dataPath and creates all buckets.
func New(dataPath string) (*Store, error) {
	dbPath := filepath.Join(dataPath, DBFile)

	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create %s bucket: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the database connection gracefully.
func (s *Store) Close() error {
	if s.db != nil {
		err := s.db.Close()
		s.db = nil
		return err
	}
	return nil
}

func timeKey(id string, t time.Time, suffix string) []byte {
	return []byte(fmt.Sprintf("%s%c%020d%c%s", id, sep, t.UnixNano(), sep, suffix))
}

// scanRange visits values of bucket whose keys fall in [id|from, id|to|*], in key order.
func (s *Store) scanRange(ctx context.Context, bucket, id string, from, to time.Time, fn func(v []byte) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(bucket)).Cursor()

		prefix := []byte(id + string(sep))
		startKey := timeKey(id, from, "")
		endKey := append(timeKey(id, to, ""), 0xff)

		for k, v := c.Seek(startKey); k != nil && bytes.Compare(k, endKey) <= 0; k, v = c.Next() {
			if !bytes.HasPrefix(k, prefix) {
				continue
			}
			if err := fn(v); err != nil {
				return err
			}
		}
		return nil
	})
}

func putJSON(b *bbolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return b.Put(key, data)
}
