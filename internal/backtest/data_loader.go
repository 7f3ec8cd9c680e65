package backtest

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"checkpoint-forecast/internal/domain"
)

// WindowSource reports how far back the extractor looks for a reference time.
// *features.Extractor implements it.
type WindowSource interface {
	ObservationWindow(h domain.Horizon, ref time.Time) (from, to time.Time, err error)
	HistoryWindow(h domain.Horizon, ref time.Time) (from, to time.Time, err error)
}

// CheckpointData is everything the replay needs for one checkpoint, loaded once.
type CheckpointData struct {
	Checkpoint   domain.Checkpoint
	Observations []domain.Observation
	History      []domain.StatusRecord
}

// DataLoader reads replay inputs from a repository.
type DataLoader struct {
	repo    domain.Repository
	windows WindowSource
}

// NewDataLoader creates a loader over repo.
func NewDataLoader(repo domain.Repository, windows WindowSource) *DataLoader {
	return &DataLoader{repo: repo, windows: windows}
}

// Checkpoints resolves ids, or every known checkpoint when ids is empty.
func (dl *DataLoader) Checkpoints(ctx context.Context, ids []string) ([]domain.Checkpoint, error) {
	if len(ids) == 0 {
		return dl.repo.Checkpoints(ctx)
	}
	out := make([]domain.Checkpoint, 0, len(ids))
	for _, id := range ids {
		cp, err := dl.repo.Checkpoint(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("checkpoint %s: %w", id, err)
		}
		out = append(out, cp)
	}
	return out, nil
}

// Load reads the observations and status history covering every anchor in cfg plus the
// label horizon after the last one.
func (dl *DataLoader) Load(ctx context.Context, cp domain.Checkpoint, cfg Config) (CheckpointData, error) {
	obsFrom, _, err := dl.windows.ObservationWindow(cfg.Horizon, cfg.From)
	if err != nil {
		return CheckpointData{}, err
	}
	histFrom, _, err := dl.windows.HistoryWindow(cfg.Horizon, cfg.From)
	if err != nil {
		return CheckpointData{}, err
	}

	obs, err := dl.repo.Observations(ctx, cp.ID, obsFrom, cfg.To)
	if err != nil {
		return CheckpointData{}, fmt.Errorf("observations for %s: %w", cp.ID, err)
	}
	hist, err := dl.repo.StatusHistory(ctx, cp.ID, histFrom, cfg.labelsUntil())
	if err != nil {
		return CheckpointData{}, fmt.Errorf("status history for %s: %w", cp.ID, err)
	}

	log.Debug().
		Str("checkpoint", cp.ID).
		Int("observations", len(obs)).
		Int("status_records", len(hist)).
		Msg("Loaded replay data")
	return CheckpointData{Checkpoint: cp, Observations: obs, History: hist}, nil
}
