package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"go.etcd.io/bbolt"

	"checkpoint-forecast/internal/domain"
)

// SaveCheckpoint stores or replaces checkpoint reference data.
func (s *Store) SaveCheckpoint(ctx context.Context, cp domain.Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if cp.ID == "" {
		return fmt.Errorf("checkpoint id is required")
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return putJSON(tx.Bucket([]byte(checkpointsBucket)), []byte(cp.ID), cp)
	})
}

// SaveObservations stores observations keyed by checkpoint, timestamp and id. Writing the
// same observation twice is idempotent.
func (s *Store) SaveObservations(ctx context.Context, obs ...domain.Observation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(observationsBucket))
		for _, o := range obs {
			if o.CheckpointID == "" || o.Timestamp.IsZero() {
				return fmt.Errorf("observation %q needs a checkpoint and a timestamp", o.ID)
			}
			if err := putJSON(b, timeKey(o.CheckpointID, o.Timestamp, o.ID), o); err != nil {
				return err
			}
		}
		return nil
	})
}

// SaveStatusRecords appends ground-truth status records.
func (s *Store) SaveStatusRecords(ctx context.Context, recs ...domain.StatusRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(statusBucket))
		for _, r := range recs {
			if r.CheckpointID == "" || r.Timestamp.IsZero() || !r.Status.Valid() {
				return fmt.Errorf("invalid status record for %q at %s", r.CheckpointID, r.Timestamp)
			}
			if err := putJSON(b, timeKey(r.CheckpointID, r.Timestamp, r.Provenance), r); err != nil {
				return err
			}
		}
		return nil
	})
}

// Checkpoints returns all checkpoints ordered by id.
func (s *Store) Checkpoints(ctx context.Context) ([]domain.Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []domain.Checkpoint
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(checkpointsBucket)).ForEach(func(k, v []byte) error {
			var cp domain.Checkpoint
			if err := json.Unmarshal(v, &cp); err != nil {
				log.Warn().Err(err).Str("key", string(k)).Msg("Skipping unreadable checkpoint")
				return nil
			}
			out = append(out, cp)
			return nil
		})
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, err
}

// Checkpoint returns one checkpoint or domain.ErrCheckpointNotFound.
func (s *Store) Checkpoint(ctx context.Context, id string) (domain.Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return domain.Checkpoint{}, err
	}
	var cp domain.Checkpoint
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket([]byte(checkpointsBucket)).Get([]byte(id))
		if v == nil {
			return fmt.Errorf("%q: %w", id, domain.ErrCheckpointNotFound)
		}
		return json.Unmarshal(v, &cp)
	})
	return cp, err
}

// Observations returns the observations of a checkpoint with from <= timestamp <= to.
func (s *Store) Observations(ctx context.Context, checkpointID string, from, to time.Time) ([]domain.Observation, error) {
	var out []domain.Observation
	err := s.scanRange(ctx, observationsBucket, checkpointID, from, to, func(v []byte) error {
		var o domain.Observation
		if err := json.Unmarshal(v, &o); err != nil || o.CheckpointID != checkpointID {
			return nil // Skip malformed records
		}
		out = append(out, o)
		return nil
	})
	return out, err
}

// StatusHistory returns the status records of a checkpoint with from <= timestamp <= to.
func (s *Store) StatusHistory(ctx context.Context, checkpointID string, from, to time.Time) ([]domain.StatusRecord, error) {
	var out []domain.StatusRecord
	err := s.scanRange(ctx, statusBucket, checkpointID, from, to, func(v []byte) error {
		var r domain.StatusRecord
		if err := json.Unmarshal(v, &r); err != nil || r.CheckpointID != checkpointID {
			return nil
		}
		out = append(out, r)
		return nil
	})
	return out, err
}
