package training

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"checkpoint-forecast/internal/domain"
)

// Runner is the part of Pipeline the scheduler drives.
type Runner interface {
	Run(ctx context.Context, h domain.Horizon, asOf time.Time) (domain.TrainingJob, error)
	Config(h domain.Horizon) Config
}

// Scheduler retrains every horizon on its own interval. A horizon with a zero interval is
// never scheduled.
type Scheduler struct {
	runner     Runner
	runOnStart bool
	now        func() time.Time
}

// NewScheduler creates a scheduler. With runOnStart each horizon trains once immediately.
func NewScheduler(runner Runner, runOnStart bool) *Scheduler {
	return &Scheduler{runner: runner, runOnStart: runOnStart, now: time.Now}
}

// Run blocks until ctx is done. Job outcomes, failures included, never stop the loop.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, h := range domain.Horizons {
		interval := s.runner.Config(h).Interval
		if interval <= 0 {
			log.Info().Str("horizon", string(h)).Msg("Scheduled training disabled")
			continue
		}
		g.Go(func() error {
			s.loop(ctx, h, interval)
			return nil
		})
	}
	return g.Wait()
}

func (s *Scheduler) loop(ctx context.Context, h domain.Horizon, interval time.Duration) {
	log.Info().Str("horizon", string(h)).Dur("interval", interval).Msg("Training scheduler started")
	if s.runOnStart {
		s.tick(ctx, h)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("horizon", string(h)).Msg("Training scheduler stopped")
			return
		case <-ticker.C:
			s.tick(ctx, h)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, h domain.Horizon) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("horizon", string(h)).Msg("Training run panicked")
		}
	}()

	_, err := s.runner.Run(ctx, h, s.now())
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrTrainingInProgress):
		log.Debug().Str("horizon", string(h)).Msg("Skipping tick, training already running")
	default:
		log.Error().Err(err).Str("horizon", string(h)).Msg("Training run could not start")
	}
}
