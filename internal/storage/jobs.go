package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"checkpoint-forecast/internal/domain"
)

func jobKey(j domain.TrainingJob) []byte {
	return []byte(fmt.Sprintf("%020d%c%s", j.StartedAt.UnixNano(), sep, j.ID))
}

// SaveJob inserts or updates a training job. Jobs are keyed by start time and id, so
// StartedAt must not change between updates.
func (s *Store) SaveJob(ctx context.Context, j domain.TrainingJob) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if j.ID == "" || j.StartedAt.IsZero() {
		return fmt.Errorf("training job needs an id and a start time")
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return putJSON(tx.Bucket([]byte(jobsBucket)), jobKey(j), j)
	})
}

// ListJobs returns up to limit jobs, newest first. An empty horizon matches both.
func (s *Store) ListJobs(ctx context.Context, h domain.Horizon, limit int) ([]domain.TrainingJob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []domain.TrainingJob
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(jobsBucket)).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var j domain.TrainingJob
			if err := json.Unmarshal(v, &j); err != nil {
				continue
			}
			if h != "" && j.Horizon != h {
				continue
			}
			out = append(out, j)
		}
		return nil
	})
	return out, err
}

// SavePrediction stores an emitted prediction. It implements ml.PredictionSink.
func (s *Store) SavePrediction(ctx context.Context, p domain.Prediction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		key := timeKey(p.CheckpointID, p.Timestamp, string(p.Horizon))
		return putJSON(tx.Bucket([]byte(predictionsBucket)), key, p)
	})
}

// Predictions returns stored predictions of a checkpoint and horizon with
// from <= timestamp <= to. An empty horizon matches both.
func (s *Store) Predictions(ctx context.Context, checkpointID string, h domain.Horizon, from, to time.Time) ([]domain.Prediction, error) {
	var out []domain.Prediction
	err := s.scanRange(ctx, predictionsBucket, checkpointID, from, to, func(v []byte) error {
		var p domain.Prediction
		if err := json.Unmarshal(v, &p); err != nil || p.CheckpointID != checkpointID {
			return nil
		}
		if h == "" || p.Horizon == h {
			out = append(out, p)
		}
		return nil
	})
	return out, err
}
