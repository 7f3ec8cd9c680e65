package training

import (
	"context"
	"fmt"
	"sort"
	"time"

	"checkpoint-forecast/internal/domain"
	"checkpoint-forecast/internal/features"
)

// FeatureExtractor is the part of features.Extractor the pipeline depends on.
type FeatureExtractor interface {
	Schema(h domain.Horizon) (*features.Schema, error)
	ObservationWindow(h domain.Horizon, ref time.Time) (from, to time.Time, err error)
	HistoryWindow(h domain.Horizon, ref time.Time) (from, to time.Time, err error)
	Local(t time.Time) time.Time
	Extract(cp domain.Checkpoint, ref time.Time, h domain.Horizon,
		obs []domain.Observation, hist []domain.StatusRecord) (features.Vector, error)
}

// sample is one labelled row: features computed at At, label observed at LabelAt.
type sample struct {
	CheckpointID string
	At           time.Time
	LabelAt      time.Time
	X            []float64
	Y            int
}

// minLabelClasses is the number of distinct labels both sides of the split must carry.
const minLabelClasses = 2

// labelClasses counts the distinct labels in samples.
func labelClasses(samples []sample) int {
	seen := make(map[int]struct{}, domain.NumClasses)
	for _, s := range samples {
		seen[s.Y] = struct{}{}
	}
	return len(seen)
}

// series is the raw history of one checkpoint over the whole training range, ascending.
type series struct {
	checkpoint domain.Checkpoint
	obs        []domain.Observation
	hist       []domain.StatusRecord
}

// anchors returns the sampling instants of a run at asOf: a grid aligned to the sample
// step, stopping where the label target would pass asOf.
func anchors(cfg Config, asOf time.Time) []time.Time {
	start := asOf.Add(-cfg.Window).Truncate(cfg.SampleStep)
	var out []time.Time
	for t := start; !t.Add(cfg.LabelOffset).After(asOf); t = t.Add(cfg.SampleStep) {
		if t.Before(asOf.Add(-cfg.Window)) {
			continue
		}
		out = append(out, t)
	}
	return out
}

// load reads every checkpoint's observations and status records needed for the anchors
// and counts the distinct days, in the extractor's calendar timezone, that carry ground
// truth inside the training window.
func (p *Pipeline) load(ctx context.Context, h domain.Horizon, cfg Config, asOf time.Time,
	grid []time.Time) ([]series, int, error) {
	checkpoints, err := p.repo.Checkpoints(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("list checkpoints: %w", err)
	}
	if len(grid) == 0 {
		return nil, 0, nil
	}

	obsFrom, _, err := p.extractor.ObservationWindow(h, grid[0])
	if err != nil {
		return nil, 0, err
	}
	histFrom, _, err := p.extractor.HistoryWindow(h, grid[0])
	if err != nil {
		return nil, 0, err
	}
	windowStart := asOf.Add(-cfg.Window)

	days := make(map[string]struct{})
	out := make([]series, 0, len(checkpoints))
	for _, cp := range checkpoints {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}
		obs, err := p.repo.Observations(ctx, cp.ID, obsFrom, asOf)
		if err != nil {
			return nil, 0, fmt.Errorf("observations of %s: %w", cp.ID, err)
		}
		hist, err := p.repo.StatusHistory(ctx, cp.ID, histFrom, asOf)
		if err != nil {
			return nil, 0, fmt.Errorf("status history of %s: %w", cp.ID, err)
		}

		s := series{
			checkpoint: cp,
			obs:        make([]domain.Observation, 0, len(obs)),
			hist:       make([]domain.StatusRecord, 0, len(hist)),
		}
		for _, o := range obs {
			if !o.Timestamp.After(asOf) {
				s.obs = append(s.obs, o)
			}
		}
		for _, r := range hist {
			if !r.Status.Valid() || r.Timestamp.After(asOf) {
				continue
			}
			s.hist = append(s.hist, r)
			if !r.Timestamp.Before(windowStart) {
				days[p.extractor.Local(r.Timestamp).Format(time.DateOnly)] = struct{}{}
			}
		}
		sort.SliceStable(s.obs, func(i, j int) bool { return s.obs[i].Timestamp.Before(s.obs[j].Timestamp) })
		sort.SliceStable(s.hist, func(i, j int) bool {
			if !s.hist[i].Timestamp.Equal(s.hist[j].Timestamp) {
				return s.hist[i].Timestamp.Before(s.hist[j].Timestamp)
			}
			return s.hist[i].Provenance < s.hist[j].Provenance
		})
		out = append(out, s)
	}
	return out, len(days), nil
}

// featurize builds the labelled samples. The extractor only ever sees observations at or
// before an anchor and status records strictly before it, and every label lies strictly
// after its anchor.
func (p *Pipeline) featurize(ctx context.Context, h domain.Horizon, cfg Config, asOf time.Time,
	grid []time.Time, data []series) ([]sample, error) {
	var out []sample
	for _, s := range data {
		for n, t := range grid {
			if n%64 == 0 {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
			}
			label, ok := AlignLabel(s.hist, t, t.Add(cfg.LabelOffset), cfg.LabelTolerance, asOf)
			if !ok {
				continue
			}

			obsFrom, _, err := p.extractor.ObservationWindow(h, t)
			if err != nil {
				return nil, err
			}
			histFrom, _, err := p.extractor.HistoryWindow(h, t)
			if err != nil {
				return nil, err
			}
			lo := sort.Search(len(s.obs), func(i int) bool { return !s.obs[i].Timestamp.Before(obsFrom) })
			hi := sort.Search(len(s.obs), func(i int) bool { return s.obs[i].Timestamp.After(t) })
			hlo := sort.Search(len(s.hist), func(i int) bool { return !s.hist[i].Timestamp.Before(histFrom) })
			hhi := sort.Search(len(s.hist), func(i int) bool { return !s.hist[i].Timestamp.Before(t) })

			v, err := p.extractor.Extract(s.checkpoint, t, h, s.obs[lo:hi], s.hist[hlo:hhi])
			if err != nil {
				return nil, fmt.Errorf("features of %s at %s: %w", s.checkpoint.ID, t.Format(time.RFC3339), err)
			}
			out = append(out, sample{
				CheckpointID: s.checkpoint.ID,
				At:           t,
				LabelAt:      label.Timestamp,
				X:            v.Values,
				Y:            label.Status.Index(),
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].At.Equal(out[j].At) {
			return out[i].At.Before(out[j].At)
		}
		return out[i].CheckpointID < out[j].CheckpointID
	})
	return out, nil
}

// AlignLabel picks the status record nearest to target within tol. Only records after
// anchor and not after asOf qualify; on equal distance the earlier record wins.
func AlignLabel(hist []domain.StatusRecord, anchor, target time.Time, tol time.Duration,
	asOf time.Time) (domain.StatusRecord, bool) {
	i := sort.Search(len(hist), func(i int) bool { return !hist[i].Timestamp.Before(target) })

	best := -1
	var bestDist time.Duration
	for _, j := range []int{i - 1, i} {
		if j < 0 || j >= len(hist) {
			continue
		}
		ts := hist[j].Timestamp
		if !ts.After(anchor) || ts.After(asOf) {
			continue
		}
		d := ts.Sub(target)
		if d < 0 {
			d = -d
		}
		if d > tol {
			continue
		}
		if best < 0 || d < bestDist {
			best, bestDist = j, d
		}
	}
	if best < 0 {
		return domain.StatusRecord{}, false
	}
	return hist[best], true
}

// chronologicalSplit holds out the last fraction of the anchor time range. Training rows
// whose label falls at or after the cutoff are dropped so no label inside the evaluation
// range is learned from.
func chronologicalSplit(samples []sample, holdout float64) (train, test []sample, cutoff time.Time) {
	if len(samples) == 0 {
		return nil, nil, time.Time{}
	}
	first, last := samples[0].At, samples[len(samples)-1].At
	cutoff = last.Add(-time.Duration(float64(last.Sub(first)) * holdout))
	for _, s := range samples {
		switch {
		case !s.At.Before(cutoff):
			test = append(test, s)
		case s.LabelAt.Before(cutoff):
			train = append(train, s)
		}
	}
	return train, test, cutoff
}

func matrix(samples []sample) ([][]float64, []int) {
	X := make([][]float64, len(samples))
	y := make([]int, len(samples))
	for i, s := range samples {
		X[i], y[i] = s.X, s.Y
	}
	return X, y
}
