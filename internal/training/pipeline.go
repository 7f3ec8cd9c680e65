package training

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"checkpoint-forecast/internal/domain"
	"checkpoint-forecast/internal/ml"
)

// JobStore records training job transitions.
type JobStore interface {
	SaveJob(ctx context.Context, j domain.TrainingJob) error
}

// JobNotifier is told about every finished job. Failures are logged only.
type JobNotifier interface {
	PublishJob(ctx context.Context, j domain.TrainingJob) error
}

// ModelPublisher makes a trained artifact the active version of its horizon.
type ModelPublisher interface {
	Publish(ctx context.Context, h domain.Horizon, a domain.ModelArtifact) (int, error)
}

// MetricsInterface receives training counters. Implementations must be safe for
// concurrent use.
type MetricsInterface interface {
	TrainingJobsInc(horizon, status string)
	TrainingDurationObserve(horizon string, seconds float64)
	TrainingSamplesSet(horizon string, n int)
}

// Dependencies are the collaborators of a Pipeline. Notifier and Metrics may be nil.
type Dependencies struct {
	Repo       domain.Repository
	Extractor  FeatureExtractor
	Classifier ml.Classifier
	Models     ModelPublisher
	Jobs       JobStore
	Notifier   JobNotifier
	Metrics    MetricsInterface
}

// Pipeline trains one model per horizon. Runs of the same horizon are mutually exclusive;
// runs of different horizons share no mutable state.
type Pipeline struct {
	repo       domain.Repository
	extractor  FeatureExtractor
	classifier ml.Classifier
	models     ModelPublisher
	jobs       JobStore
	notifier   JobNotifier
	metrics    MetricsInterface
	configs    map[domain.Horizon]Config
	now        func() time.Time

	running map[domain.Horizon]*sync.Mutex
}

// NewPipeline validates configs and wires deps. Horizons missing from configs use
// DefaultConfig.
func NewPipeline(deps Dependencies, configs map[domain.Horizon]Config) (*Pipeline, error) {
	switch {
	case deps.Repo == nil:
		return nil, errors.New("training pipeline needs a repository")
	case deps.Extractor == nil:
		return nil, errors.New("training pipeline needs a feature extractor")
	case deps.Classifier == nil:
		return nil, errors.New("training pipeline needs a classifier")
	case deps.Models == nil:
		return nil, errors.New("training pipeline needs a model publisher")
	case deps.Jobs == nil:
		return nil, errors.New("training pipeline needs a job store")
	}

	p := &Pipeline{
		repo:       deps.Repo,
		extractor:  deps.Extractor,
		classifier: deps.Classifier,
		models:     deps.Models,
		jobs:       deps.Jobs,
		notifier:   deps.Notifier,
		metrics:    deps.Metrics,
		configs:    make(map[domain.Horizon]Config, len(domain.Horizons)),
		now:        time.Now,
		running:    make(map[domain.Horizon]*sync.Mutex, len(domain.Horizons)),
	}
	for _, h := range domain.Horizons {
		c, ok := configs[h]
		if !ok {
			c = DefaultConfig(h)
		}
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("%s training config: %w", h, err)
		}
		p.configs[h] = c
		p.running[h] = &sync.Mutex{}
	}
	return p, nil
}

// Config returns the training parameters of h.
func (p *Pipeline) Config(h domain.Horizon) Config {
	return p.configs[h]
}

// Run trains a model for h using only data up to asOf.
//
// Every outcome of an attempted run (insufficient data, failure, rejection, success) is
// recorded in the returned job and the error is nil. An error is returned only when the
// run could not start: an invalid horizon, or domain.ErrTrainingInProgress when a run for
// h is already active.
func (p *Pipeline) Run(ctx context.Context, h domain.Horizon, asOf time.Time) (domain.TrainingJob, error) {
	guard, ok := p.running[h]
	if !ok {
		return domain.TrainingJob{}, fmt.Errorf("invalid horizon %q", h)
	}
	if !guard.TryLock() {
		return domain.TrainingJob{}, fmt.Errorf("%s horizon: %w", h, domain.ErrTrainingInProgress)
	}
	defer guard.Unlock()

	cfg := p.configs[h]
	job := domain.TrainingJob{
		ID:        uuid.NewString(),
		Horizon:   h,
		AsOf:      asOf.UTC(),
		StartedAt: p.now().UTC(),
		Status:    domain.JobPending,
	}
	p.record(ctx, job)

	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	job.Status = domain.JobRunning
	p.record(ctx, job)
	log.Info().Str("job", job.ID).Str("horizon", string(h)).Time("as_of", job.AsOf).Msg("Training started")

	func() {
		defer func() {
			if r := recover(); r != nil {
				job.Status = domain.JobFailed
				job.Error = fmt.Sprintf("panic: %v", r)
				job.ResultingVersion = nil
			}
		}()
		p.train(ctx, cfg, &job)
	}()

	job.FinishedAt = p.now().UTC()
	p.finish(context.WithoutCancel(ctx), job)
	return job, nil
}

// train fills in the outcome of job. Nothing is published unless every step succeeded
// and the context is still live.
func (p *Pipeline) train(ctx context.Context, cfg Config, job *domain.TrainingJob) {
	h := job.Horizon
	fail := func(err error) {
		job.Status = domain.JobFailed
		job.Error = err.Error()
	}

	schema, err := p.extractor.Schema(h)
	if err != nil {
		fail(err)
		return
	}

	grid := anchors(cfg, job.AsOf)
	data, days, err := p.load(ctx, h, cfg, job.AsOf, grid)
	if err != nil {
		fail(err)
		return
	}
	if days < cfg.MinDays {
		p.insufficient(job, &domain.DataInsufficientError{Days: days, MinDays: cfg.MinDays})
		return
	}

	samples, err := p.featurize(ctx, h, cfg, job.AsOf, grid, data)
	if err != nil {
		fail(err)
		return
	}
	job.SampleCount = len(samples)
	if p.metrics != nil {
		p.metrics.TrainingSamplesSet(string(h), len(samples))
	}
	if len(samples) < cfg.MinSamples {
		p.insufficient(job, &domain.DataInsufficientError{
			Days: days, MinDays: cfg.MinDays, Samples: len(samples), MinSamples: cfg.MinSamples,
		})
		return
	}

	train, test, cutoff := chronologicalSplit(samples, cfg.HoldoutFraction)
	if len(train) == 0 || len(test) == 0 {
		p.insufficient(job, &domain.DataInsufficientError{
			Days: days, MinDays: cfg.MinDays, Samples: len(train), MinSamples: cfg.MinSamples,
		})
		return
	}
	if n := min(labelClasses(train), labelClasses(test)); n < minLabelClasses {
		p.insufficient(job, &domain.DataInsufficientError{
			Days: days, MinDays: cfg.MinDays, Samples: len(samples), MinSamples: cfg.MinSamples,
			Classes: n, MinClasses: minLabelClasses,
		})
		return
	}
	log.Debug().Str("job", job.ID).Int("train", len(train)).Int("test", len(test)).
		Time("cutoff", cutoff).Msg("Chronological split")

	X, y := matrix(train)
	model, err := p.classifier.Fit(ctx, X, y)
	if err != nil {
		fail(fmt.Errorf("fit %s: %w", p.classifier.Name(), err))
		return
	}

	Xt, yt := matrix(test)
	metrics, err := ml.Evaluate(model, Xt, yt)
	if err != nil {
		fail(fmt.Errorf("evaluate: %w", err))
		return
	}
	metrics.TrainSamples = len(train)
	if cfg.ImportanceTop > 0 {
		imp, err := ml.PermutationImportance(model, Xt, yt, schema.Names, cfg.Seed, cfg.ImportanceTop)
		if err != nil {
			fail(fmt.Errorf("feature importance: %w", err))
			return
		}
		metrics.FeatureImportance = imp
	}
	job.Metrics = &metrics

	if metrics.BalancedAccuracy <= cfg.MetricFloor {
		rej := &domain.QualityGateRejected{Metric: "balanced_accuracy", Value: metrics.BalancedAccuracy, Floor: cfg.MetricFloor}
		job.Status = domain.JobSucceeded
		job.Rejected = true
		job.Error = rej.Error()
		log.Warn().Str("job", job.ID).Str("horizon", string(h)).Float64("balanced_accuracy", metrics.BalancedAccuracy).
			Float64("floor", cfg.MetricFloor).Msg("Model rejected by quality gate")
		return
	}

	state, err := model.MarshalBinary()
	if err != nil {
		fail(fmt.Errorf("serialise model: %w", err))
		return
	}
	if err := ctx.Err(); err != nil {
		fail(err)
		return
	}

	names := make([]string, len(schema.Names))
	copy(names, schema.Names)
	artifact := domain.ModelArtifact{
		Horizon:       h,
		SchemaVersion: schema.Version,
		FeatureNames:  names,
		Classifier:    p.classifier.Name(),
		State:         state,
		CreatedAt:     p.now().UTC(),
		TrainedFrom:   samples[0].At,
		TrainedTo:     job.AsOf,
		Metrics:       metrics,
	}
	version, err := p.models.Publish(ctx, h, artifact)
	if err != nil {
		fail(fmt.Errorf("publish: %w", err))
		return
	}
	job.Status = domain.JobSucceeded
	job.ResultingVersion = &version
}

func (p *Pipeline) insufficient(job *domain.TrainingJob, err *domain.DataInsufficientError) {
	job.Status = domain.JobInsufficientData
	job.Error = err.Error()
	log.Info().Str("job", job.ID).Str("horizon", string(job.Horizon)).
		Int("days", err.Days).Int("samples", err.Samples).Int("classes", err.Classes).Msg("Not enough data to train")
}

func (p *Pipeline) record(ctx context.Context, job domain.TrainingJob) {
	if err := p.jobs.SaveJob(ctx, job); err != nil {
		log.Error().Err(err).Str("job", job.ID).Str("status", string(job.Status)).Msg("Failed to record training job")
	}
}

func (p *Pipeline) finish(ctx context.Context, job domain.TrainingJob) {
	p.record(ctx, job)

	elapsed := job.FinishedAt.Sub(job.StartedAt).Seconds()
	if p.metrics != nil {
		p.metrics.TrainingJobsInc(string(job.Horizon), string(job.Status))
		p.metrics.TrainingDurationObserve(string(job.Horizon), elapsed)
	}
	if p.notifier != nil {
		if err := p.notifier.PublishJob(ctx, job); err != nil {
			log.Warn().Err(err).Str("job", job.ID).Msg("Failed to publish training job")
		}
	}

	evt := log.Info()
	if job.Status == domain.JobFailed {
		evt = log.Error()
	}
	evt = evt.Str("job", job.ID).Str("horizon", string(job.Horizon)).Str("status", string(job.Status)).
		Int("samples", job.SampleCount).Float64("seconds", elapsed)
	if job.ResultingVersion != nil {
		evt = evt.Int("version", *job.ResultingVersion)
	}
	if job.Error != "" {
		evt = evt.Str("error", job.Error)
	}
	evt.Msg("Training finished")
}
