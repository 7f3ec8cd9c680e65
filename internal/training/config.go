// Package training assembles labelled datasets from history, fits the horizon classifiers
// and publishes the models that pass the quality gate.
package training

import (
	"fmt"
	"time"

	"checkpoint-forecast/internal/domain"
)

// Config holds the per-horizon training parameters. The two horizons never share one.
type Config struct {
	LabelOffset     time.Duration
	LabelTolerance  time.Duration
	Window          time.Duration
	SampleStep      time.Duration
	MinDays         int
	MinSamples      int
	HoldoutFraction float64
	MetricFloor     float64
	Interval        time.Duration
	Timeout         time.Duration
	ImportanceTop   int
	Seed            int64
}

// DefaultConfig returns the training defaults for h.
func DefaultConfig(h domain.Horizon) Config {
	if h == domain.HorizonLong {
		return Config{
			LabelOffset:     h.DefaultLabelOffset(),
			LabelTolerance:  6 * time.Hour,
			Window:          120 * 24 * time.Hour,
			SampleStep:      6 * time.Hour,
			MinDays:         14,
			MinSamples:      200,
			HoldoutFraction: 0.2,
			MetricFloor:     0.35,
			Interval:        24 * time.Hour,
			Timeout:         30 * time.Minute,
			ImportanceTop:   15,
			Seed:            42,
		}
	}
	return Config{
		LabelOffset:     h.DefaultLabelOffset(),
		LabelTolerance:  30 * time.Minute,
		Window:          30 * 24 * time.Hour,
		SampleStep:      time.Hour,
		MinDays:         7,
		MinSamples:      200,
		HoldoutFraction: 0.2,
		MetricFloor:     0.4,
		Interval:        6 * time.Hour,
		Timeout:         10 * time.Minute,
		ImportanceTop:   15,
		Seed:            42,
	}
}

// Validate reports the first invalid parameter.
func (c Config) Validate() error {
	switch {
	case c.LabelOffset <= 0:
		return fmt.Errorf("label offset must be positive, got %s", c.LabelOffset)
	case c.LabelTolerance < 0 || c.LabelTolerance >= c.LabelOffset:
		return fmt.Errorf("label tolerance must be in [0, %s), got %s", c.LabelOffset, c.LabelTolerance)
	case c.Window <= c.LabelOffset:
		return fmt.Errorf("training window %s must exceed the label offset %s", c.Window, c.LabelOffset)
	case c.SampleStep <= 0:
		return fmt.Errorf("sample step must be positive, got %s", c.SampleStep)
	case c.MinDays < 1:
		return fmt.Errorf("min days must be at least 1, got %d", c.MinDays)
	case c.MinSamples < 2:
		return fmt.Errorf("min samples must be at least 2, got %d", c.MinSamples)
	case c.HoldoutFraction <= 0 || c.HoldoutFraction >= 1:
		return fmt.Errorf("holdout fraction must be in (0, 1), got %g", c.HoldoutFraction)
	case c.MetricFloor < 0 || c.MetricFloor >= 1:
		return fmt.Errorf("metric floor must be in [0, 1), got %g", c.MetricFloor)
	case c.Interval < 0 || c.Timeout < 0:
		return fmt.Errorf("interval and timeout must not be negative")
	}
	return nil
}
