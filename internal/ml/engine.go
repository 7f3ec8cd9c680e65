package ml

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/floats"

	"checkpoint-forecast/internal/domain"
	"checkpoint-forecast/internal/features"
)

// DefaultMaxPenalty is the confidence reduction applied when every signal is missing.
const DefaultMaxPenalty = 0.5

// MetricsInterface defines metrics methods needed by the registry and the engine
type MetricsInterface interface {
	PredictionsInc(horizon, outcome string)
	PredictionLatencyObserve(horizon string, seconds float64)
	ConfidenceObserve(horizon string, v float64)
	SchemaMismatchesInc(horizon string)
	ActiveVersionSet(horizon string, version int)
}

// PredictionSink receives every successful prediction. Sink failures are logged and
// never fail the prediction.
type PredictionSink interface {
	SavePrediction(ctx context.Context, p domain.Prediction) error
}

// EngineConfig tunes confidence reporting and the prediction target offsets.
type EngineConfig struct {
	MaxPenalty   map[domain.Horizon]float64
	LabelOffsets map[domain.Horizon]time.Duration
}

// HealthStatus summarises what the engine can currently serve.
type HealthStatus struct {
	Healthy        bool                   `json:"healthy"`
	ActiveVersions map[domain.Horizon]int `json:"active_versions"`
	Predictions    int64                  `json:"predictions"`
	Failures       int64                  `json:"failures"`
	LastError      string                 `json:"last_error,omitempty"`
	LastPrediction time.Time              `json:"last_prediction,omitempty"`
}

// Engine produces predictions from the active model of each horizon. It holds no
// mutable model state; concurrent calls share the registry's immutable snapshots.
type Engine struct {
	models    ModelSource
	extractor *features.Extractor
	repo      domain.Repository
	sinks     []PredictionSink
	metrics   MetricsInterface
	cfg       EngineConfig

	predictions atomic.Int64
	failures    atomic.Int64
	lastError   atomic.Value // string
	lastPredict atomic.Value // time.Time
}

// NewEngine wires an engine. repo is only needed by Predict; metrics may be nil.
func NewEngine(models ModelSource, extractor *features.Extractor, repo domain.Repository,
	cfg EngineConfig, metrics MetricsInterface, sinks ...PredictionSink) *Engine {
	return &Engine{
		models:    models,
		extractor: extractor,
		repo:      repo,
		sinks:     sinks,
		metrics:   metrics,
		cfg:       cfg,
	}
}

// ReportedConfidence down-weights raw by the share of missing-signal flags:
// raw * (1 - maxPenalty*missing/total). It never increases as missing grows.
func ReportedConfidence(raw float64, missing, total int, maxPenalty float64) float64 {
	if total <= 0 || missing <= 0 {
		return raw
	}
	if missing > total {
		missing = total
	}
	maxPenalty = math.Min(math.Max(maxPenalty, 0), 1)
	return raw * (1 - maxPenalty*float64(missing)/float64(total))
}

func (e *Engine) maxPenalty(h domain.Horizon) float64 {
	if p, ok := e.cfg.MaxPenalty[h]; ok {
		return p
	}
	return DefaultMaxPenalty
}

func (e *Engine) labelOffset(h domain.Horizon) time.Duration {
	if d, ok := e.cfg.LabelOffsets[h]; ok && d > 0 {
		return d
	}
	return h.DefaultLabelOffset()
}

// Predict loads the checkpoint's observation and history windows from the repository and
// scores them. Results are forwarded to the configured sinks.
func (e *Engine) Predict(ctx context.Context, checkpointID string, h domain.Horizon, at time.Time) (domain.Prediction, error) {
	if _, err := e.models.GetActive(h); err != nil {
		e.fail(h, err)
		return domain.Prediction{}, err
	}
	if e.repo == nil {
		return domain.Prediction{}, errors.New("engine has no repository")
	}

	cp, err := e.repo.Checkpoint(ctx, checkpointID)
	if err != nil {
		e.fail(h, err)
		return domain.Prediction{}, fmt.Errorf("checkpoint %s: %w", checkpointID, err)
	}
	from, to, err := e.extractor.ObservationWindow(h, at)
	if err != nil {
		return domain.Prediction{}, err
	}
	obs, err := e.repo.Observations(ctx, checkpointID, from, to)
	if err != nil {
		e.fail(h, err)
		return domain.Prediction{}, fmt.Errorf("observations for %s: %w", checkpointID, err)
	}
	from, to, err = e.extractor.HistoryWindow(h, at)
	if err != nil {
		return domain.Prediction{}, err
	}
	hist, err := e.repo.StatusHistory(ctx, checkpointID, from, to)
	if err != nil {
		e.fail(h, err)
		return domain.Prediction{}, fmt.Errorf("status history for %s: %w", checkpointID, err)
	}

	p, err := e.PredictFrom(cp, h, at, obs, hist)
	if err != nil {
		return domain.Prediction{}, err
	}
	for _, s := range e.sinks {
		if err := s.SavePrediction(ctx, p); err != nil {
			log.Error().Err(err).Str("checkpoint", checkpointID).Str("horizon", string(h)).
				Msg("Failed to deliver prediction")
		}
	}
	return p, nil
}

// PredictFrom scores already-loaded inputs. The model snapshot is read once, so a
// concurrent publish never affects a call in progress.
func (e *Engine) PredictFrom(cp domain.Checkpoint, h domain.Horizon, at time.Time,
	obs []domain.Observation, hist []domain.StatusRecord) (domain.Prediction, error) {
	start := time.Now()

	lm, err := e.models.GetActive(h)
	if err != nil {
		e.fail(h, err)
		return domain.Prediction{}, err
	}

	vec, err := e.extractor.Extract(cp, at, h, obs, hist)
	if err != nil {
		e.fail(h, err)
		return domain.Prediction{}, fmt.Errorf("extract features: %w", err)
	}

	if vec.SchemaVersion != lm.Artifact.SchemaVersion || len(vec.Values) != lm.Model.NumFeatures() {
		err := &domain.SchemaMismatchError{Horizon: h, Artifact: lm.Artifact.SchemaVersion, Vector: vec.SchemaVersion}
		log.Error().Str("horizon", string(h)).Int("model_version", lm.Artifact.Version).
			Str("artifact_schema", lm.Artifact.SchemaVersion).Str("vector_schema", vec.SchemaVersion).
			Msg("Feature schema mismatch, retrain required")
		if e.metrics != nil {
			e.metrics.SchemaMismatchesInc(string(h))
		}
		e.fail(h, err)
		return domain.Prediction{}, err
	}

	if vec.NoSignal() {
		e.fail(h, domain.ErrInsufficientSignal)
		return domain.Prediction{}, fmt.Errorf("checkpoint %s: %w", cp.ID, domain.ErrInsufficientSignal)
	}

	probs, err := lm.Model.PredictProba(vec.Values)
	if err != nil {
		e.fail(h, err)
		return domain.Prediction{}, fmt.Errorf("score %s v%d: %w", h, lm.Artifact.Version, err)
	}
	if sum := floats.Sum(probs); sum > 0 && math.Abs(sum-1) > 1e-9 {
		floats.Scale(1/sum, probs)
	}
	dist, err := domain.DistributionFrom(probs)
	if err != nil {
		e.fail(h, err)
		return domain.Prediction{}, err
	}

	best := ArgMax(probs)
	missing, total := vec.Flags()
	raw := probs[best]
	conf := ReportedConfidence(raw, missing, total, e.maxPenalty(h))

	p := domain.Prediction{
		CheckpointID:    cp.ID,
		Horizon:         h,
		Timestamp:       at,
		PredictionFor:   at.Add(e.labelOffset(h)),
		PredictedStatus: domain.Statuses[best],
		Probabilities:   dist,
		Confidence:      conf,
		RawConfidence:   raw,
		MissingSignals:  missing,
		ModelVersion:    lm.Artifact.Version,
		SchemaVersion:   lm.Artifact.SchemaVersion,
	}

	e.predictions.Add(1)
	e.lastPredict.Store(time.Now())
	if e.metrics != nil {
		e.metrics.PredictionsInc(string(h), "ok")
		e.metrics.PredictionLatencyObserve(string(h), time.Since(start).Seconds())
		e.metrics.ConfidenceObserve(string(h), conf)
	}
	return p, nil
}

func (e *Engine) fail(h domain.Horizon, err error) {
	e.failures.Add(1)
	e.lastError.Store(err.Error())
	if e.metrics != nil {
		e.metrics.PredictionsInc(string(h), outcome(err))
	}
}

func outcome(err error) string {
	var mismatch *domain.SchemaMismatchError
	switch {
	case errors.Is(err, domain.ErrNoModelAvailable):
		return "no_model"
	case errors.Is(err, domain.ErrInsufficientSignal):
		return "insufficient_signal"
	case errors.As(err, &mismatch):
		return "schema_mismatch"
	case errors.Is(err, domain.ErrCheckpointNotFound):
		return "not_found"
	default:
		return "error"
	}
}

// Health reports the active versions and serving counters. The engine is healthy when at
// least one horizon has an active model.
func (e *Engine) Health() HealthStatus {
	hs := HealthStatus{
		ActiveVersions: make(map[domain.Horizon]int, len(domain.Horizons)),
		Predictions:    e.predictions.Load(),
		Failures:       e.failures.Load(),
	}
	for _, h := range domain.Horizons {
		if lm, err := e.models.GetActive(h); err == nil {
			hs.ActiveVersions[h] = lm.Artifact.Version
			hs.Healthy = true
		}
	}
	if v, ok := e.lastError.Load().(string); ok {
		hs.LastError = v
	}
	if v, ok := e.lastPredict.Load().(time.Time); ok {
		hs.LastPrediction = v
	}
	return hs
}
