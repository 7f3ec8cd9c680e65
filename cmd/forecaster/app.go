package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"

	"checkpoint-forecast/internal/cfg"
	"checkpoint-forecast/internal/common"
	"checkpoint-forecast/internal/domain"
	"checkpoint-forecast/internal/features"
	"checkpoint-forecast/internal/metrics"
	"checkpoint-forecast/internal/ml"
	"checkpoint-forecast/internal/publish"
	"checkpoint-forecast/internal/source"
	"checkpoint-forecast/internal/storage"
	"checkpoint-forecast/internal/stream"
	"checkpoint-forecast/internal/training"
)

// app holds every long-lived component of the forecaster.
type app struct {
	settings cfg.Settings
	metrics  *metrics.Metrics
	mw       *metrics.MetricsWrapper

	store    *storage.Store
	postgres *source.Postgres
	redis    *publish.Redis
	repo     domain.Repository
	sink     stream.Sink

	extractor *features.Extractor
	registry  *ml.Registry
	engine    *ml.Engine
	pipeline  *training.Pipeline
}

// buildApp opens storage and the optional collaborators and wires the core around them.
func buildApp(ctx context.Context, c cfg.Settings, m *metrics.Metrics) (_ *app, err error) {
	a := &app{settings: c, metrics: m, mw: metrics.NewWrapper(m)}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if err := os.MkdirAll(c.DataPath, 0o755); err != nil {
		return nil, fmt.Errorf("create data path: %w", err)
	}
	a.store = initializeStorage(c)
	if a.store == nil {
		return nil, fmt.Errorf("storage unavailable at %s", c.DataPath)
	}
	a.repo = a.store
	a.sink = a.store

	if c.PostgresDSN != "" {
		a.postgres, err = source.NewPostgres(ctx, c.PostgresDSN, a.mw)
		if err != nil {
			return nil, err
		}
		if err := a.postgres.EnsureSchema(ctx); err != nil {
			return nil, err
		}
	}

	switch c.Source {
	case common.SourceREST:
		a.repo = source.NewREST(source.RESTConfig{
			BaseURL: c.RESTBaseURL,
			Timeout: c.RESTTimeout,
			Rate:    c.RESTRate,
			Burst:   c.RESTBurst,
		}, a.mw)
	case common.SourcePostgres:
		a.repo = a.postgres
		a.sink = a.postgres
	}
	log.Info().Str("source", c.Source).Str("data_path", c.DataPath).Msg("Repository selected")

	if c.RedisURL != "" {
		a.redis, err = publish.Dial(ctx, c.RedisURL, c.RedisPrefix, a.mw)
		if err != nil {
			return nil, err
		}
	}

	cal, err := c.Calendar()
	if err != nil {
		return nil, err
	}
	a.extractor, err = features.NewExtractor(cal, c.FeatureParams(), a.mw)
	if err != nil {
		return nil, fmt.Errorf("feature extractor: %w", err)
	}

	forest := ml.NewRandomForest(c.Forest)
	a.registry = ml.NewRegistry(a.store, ml.NewClassifierSet(forest), a.mw)
	if err := a.registry.Load(ctx); err != nil {
		return nil, fmt.Errorf("load active models: %w", err)
	}

	a.engine = ml.NewEngine(a.registry, a.extractor, a.repo, c.EngineConfig(), a.mw, a.predictionSinks()...)

	deps := training.Dependencies{
		Repo:       a.repo,
		Extractor:  a.extractor,
		Classifier: forest,
		Models:     a.registry,
		Jobs:       a.store,
		Metrics:    a.mw,
	}
	if a.redis != nil {
		deps.Notifier = a.redis
	}
	a.pipeline, err = training.NewPipeline(deps, c.TrainingConfigs())
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (a *app) predictionSinks() []ml.PredictionSink {
	sinks := []ml.PredictionSink{a.store}
	if a.postgres != nil {
		sinks = append(sinks, a.postgres)
	}
	if a.redis != nil {
		sinks = append(sinks, a.redis)
	}
	return sinks
}

// Close releases storage and connections. It is safe on a partially built app.
func (a *app) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close redis")
		}
	}
	if a.postgres != nil {
		a.postgres.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close storage")
		}
	}
}

// initializeStorage opens the bolt store under DATA_PATH.
func initializeStorage(c cfg.Settings) *storage.Store {
	store, err := storage.New(c.DataPath)
	if err != nil {
		log.Error().Err(err).Str("path", c.DataPath).Msg("storage initialization failed")
		return nil
	}
	return store
}

// parseHorizons resolves a --horizon flag. "all" and "" select every horizon.
func parseHorizons(v string) ([]domain.Horizon, error) {
	if v == "" || v == "all" {
		return domain.Horizons, nil
	}
	h, err := domain.ParseHorizon(v)
	if err != nil {
		return nil, err
	}
	return []domain.Horizon{h}, nil
}
