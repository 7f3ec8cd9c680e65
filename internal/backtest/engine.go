// Package backtest replays the active model over past anchors and scores its
// predictions against the status records that were later observed.
package backtest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"checkpoint-forecast/internal/domain"
	"checkpoint-forecast/internal/ml"
	"checkpoint-forecast/internal/training"
)

// Predictor scores preloaded inputs. *ml.Engine implements it.
type Predictor interface {
	PredictFrom(cp domain.Checkpoint, h domain.Horizon, at time.Time,
		obs []domain.Observation, hist []domain.StatusRecord) (domain.Prediction, error)
}

// Config selects the replayed range. Anchors run from From to To inclusive every Step.
type Config struct {
	Horizon        domain.Horizon
	From           time.Time
	To             time.Time
	Step           time.Duration
	LabelOffset    time.Duration
	LabelTolerance time.Duration
	Checkpoints    []string
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	switch {
	case !c.Horizon.Valid():
		return fmt.Errorf("invalid horizon %q", c.Horizon)
	case c.From.IsZero() || c.To.IsZero() || c.To.Before(c.From):
		return fmt.Errorf("invalid range %s to %s", c.From, c.To)
	case c.Step <= 0:
		return fmt.Errorf("step must be positive, got %s", c.Step)
	case c.LabelOffset <= 0:
		return fmt.Errorf("label offset must be positive, got %s", c.LabelOffset)
	case c.LabelTolerance < 0:
		return fmt.Errorf("label tolerance must not be negative, got %s", c.LabelTolerance)
	}
	return nil
}

func (c Config) labelsUntil() time.Time {
	return c.To.Add(c.LabelOffset + c.LabelTolerance)
}

// Replay is one scored prediction.
type Replay struct {
	CheckpointID  string        `json:"checkpoint_id"`
	At            time.Time     `json:"at"`
	PredictionFor time.Time     `json:"prediction_for"`
	Predicted     domain.Status `json:"predicted"`
	Actual        domain.Status `json:"actual"`
	Confidence    float64       `json:"confidence"`
	ModelVersion  int           `json:"model_version"`
}

// Correct reports whether the predicted status matched the observed one.
func (r Replay) Correct() bool { return r.Predicted == r.Actual }

// Results holds the outcome of a replay.
type Results struct {
	Horizon      domain.Horizon     `json:"horizon"`
	From         time.Time          `json:"from"`
	To           time.Time          `json:"to"`
	Replays      []Replay           `json:"replays"`
	Unlabeled    int                `json:"unlabeled"`
	NoSignal     int                `json:"no_signal"`
	Metrics      domain.EvalMetrics `json:"metrics"`
	ModelVersion int                `json:"model_version"`
}

// Engine runs replays.
type Engine struct {
	cfg       Config
	predictor Predictor
	data      *DataLoader
}

// NewEngine creates a replay engine.
func NewEngine(cfg Config, predictor Predictor, data *DataLoader) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{cfg: cfg, predictor: predictor, data: data}, nil
}

// Run replays every anchor of every selected checkpoint. A missing model or a schema
// mismatch aborts the run; anchors without a label or without any signal are counted
// and skipped.
func (e *Engine) Run(ctx context.Context) (*Results, error) {
	log.Info().
		Str("horizon", string(e.cfg.Horizon)).
		Time("start", e.cfg.From).
		Time("end", e.cfg.To).
		Strs("checkpoints", e.cfg.Checkpoints).
		Msg("Starting backtest")

	cps, err := e.data.Checkpoints(ctx, e.cfg.Checkpoints)
	if err != nil {
		return nil, err
	}

	res := &Results{Horizon: e.cfg.Horizon, From: e.cfg.From, To: e.cfg.To}
	for _, cp := range cps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := e.data.Load(ctx, cp, e.cfg)
		if err != nil {
			return nil, err
		}
		if err := e.replayCheckpoint(data, res); err != nil {
			return nil, err
		}
	}

	sort.SliceStable(res.Replays, func(i, j int) bool {
		if !res.Replays[i].At.Equal(res.Replays[j].At) {
			return res.Replays[i].At.Before(res.Replays[j].At)
		}
		return res.Replays[i].CheckpointID < res.Replays[j].CheckpointID
	})
	e.calculateMetrics(res)

	log.Info().
		Int("replays", len(res.Replays)).
		Int("unlabeled", res.Unlabeled).
		Int("no_signal", res.NoSignal).
		Float64("balanced_accuracy", res.Metrics.BalancedAccuracy).
		Msg("Backtest complete")
	return res, nil
}

func (e *Engine) replayCheckpoint(data CheckpointData, res *Results) error {
	asOf := e.cfg.labelsUntil()
	for at := e.cfg.From; !at.After(e.cfg.To); at = at.Add(e.cfg.Step) {
		label, ok := training.AlignLabel(data.History, at, at.Add(e.cfg.LabelOffset), e.cfg.LabelTolerance, asOf)
		if !ok || !label.Status.Valid() {
			res.Unlabeled++
			continue
		}

		p, err := e.predictor.PredictFrom(data.Checkpoint, e.cfg.Horizon, at, data.Observations, data.History)
		if errors.Is(err, domain.ErrInsufficientSignal) {
			res.NoSignal++
			continue
		}
		if err != nil {
			return fmt.Errorf("replay %s at %s: %w", data.Checkpoint.ID, at.Format(time.RFC3339), err)
		}

		res.ModelVersion = p.ModelVersion
		res.Replays = append(res.Replays, Replay{
			CheckpointID:  data.Checkpoint.ID,
			At:            at,
			PredictionFor: p.PredictionFor,
			Predicted:     p.PredictedStatus,
			Actual:        label.Status,
			Confidence:    p.Confidence,
			ModelVersion:  p.ModelVersion,
		})
	}
	return nil
}

func (e *Engine) calculateMetrics(res *Results) {
	if len(res.Replays) == 0 {
		return
	}
	y := make([]int, len(res.Replays))
	pred := make([]int, len(res.Replays))
	for i, r := range res.Replays {
		y[i] = r.Actual.Index()
		pred[i] = r.Predicted.Index()
	}
	res.Metrics = ml.Score(y, pred)
}
