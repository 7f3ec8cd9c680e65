package training

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"checkpoint-forecast/internal/domain"
)

type fakeRunner struct {
	mu        sync.Mutex
	calls     map[domain.Horizon]int
	intervals map[domain.Horizon]time.Duration
	err       error
	panics    bool
}

func (r *fakeRunner) Run(_ context.Context, h domain.Horizon, asOf time.Time) (domain.TrainingJob, error) {
	r.mu.Lock()
	r.calls[h]++
	n := r.calls[h]
	r.mu.Unlock()
	if r.panics && n == 1 {
		panic("boom")
	}
	return domain.TrainingJob{Horizon: h, AsOf: asOf, Status: domain.JobSucceeded}, r.err
}

func (r *fakeRunner) Config(h domain.Horizon) Config {
	return Config{Interval: r.intervals[h]}
}

func (r *fakeRunner) count(h domain.Horizon) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[h]
}

func TestSchedulerRunsEachHorizon(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		panics bool
	}{
		{"succeeding runs", nil, false},
		{"busy horizon", fmt.Errorf("short: %w", domain.ErrTrainingInProgress), false},
		{"run cannot start", fmt.Errorf("store closed"), false},
		{"panicking run", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{
				calls: make(map[domain.Horizon]int),
				intervals: map[domain.Horizon]time.Duration{
					domain.HorizonShort: 5 * time.Millisecond,
				},
				err:    tt.err,
				panics: tt.panics,
			}
			s := NewScheduler(runner, true)

			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan error, 1)
			go func() { done <- s.Run(ctx) }()

			require.Eventually(t, func() bool { return runner.count(domain.HorizonShort) >= 3 },
				2*time.Second, 5*time.Millisecond)
			cancel()

			select {
			case err := <-done:
				assert.NoError(t, err)
			case <-time.After(2 * time.Second):
				t.Fatal("scheduler did not stop")
			}
			assert.Zero(t, runner.count(domain.HorizonLong), "long horizon has no interval")
		})
	}
}

func TestSchedulerWithoutRunOnStart(t *testing.T) {
	runner := &fakeRunner{
		calls:     make(map[domain.Horizon]int),
		intervals: map[domain.Horizon]time.Duration{domain.HorizonLong: time.Hour},
	}
	s := NewScheduler(runner, false)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	require.NoError(t, s.Run(ctx))
	assert.Zero(t, runner.count(domain.HorizonLong))
}
