package cfg

import (
	"fmt"
	"os"
	"strings"
	"time"

	"checkpoint-forecast/internal/common"
	"checkpoint-forecast/internal/domain"
	"checkpoint-forecast/internal/features"
	"checkpoint-forecast/internal/ml"
	"checkpoint-forecast/internal/training"
)

// HorizonSettings carries every tunable of one forecast horizon: feature weighting,
// label alignment, training gates and schedule, and the confidence penalty.
type HorizonSettings struct {
	LabelOffset       time.Duration   `yaml:"labelOffset"`
	LabelTolerance    time.Duration   `yaml:"labelTolerance"`
	SubWindows        []time.Duration `yaml:"subWindows"`
	DecayHalfLife     time.Duration   `yaml:"decayHalfLife"`
	HistoryLookback   time.Duration   `yaml:"historyLookback"`
	TrendDays         int             `yaml:"trendDays"`
	TrainingWindow    time.Duration   `yaml:"trainingWindow"`
	SampleStep        time.Duration   `yaml:"sampleStep"`
	MinDays           int             `yaml:"minDays"`
	MinSamples        int             `yaml:"minSamples"`
	HoldoutFraction   float64         `yaml:"holdoutFraction"`
	MetricFloor       float64         `yaml:"metricFloor"`
	TrainingInterval  time.Duration   `yaml:"trainingInterval"`
	TrainingTimeout   time.Duration   `yaml:"trainingTimeout"`
	ImportanceTop     int             `yaml:"importanceTop"`
	ConfidencePenalty float64         `yaml:"confidencePenalty"`
}

// DefaultHorizonSettings returns the built-in settings for h.
func DefaultHorizonSettings(h domain.Horizon) HorizonSettings {
	p := features.DefaultParams(h)
	t := training.DefaultConfig(h)
	return HorizonSettings{
		LabelOffset:       t.LabelOffset,
		LabelTolerance:    t.LabelTolerance,
		SubWindows:        append([]time.Duration(nil), p.SubWindows...),
		DecayHalfLife:     p.DecayHalfLife,
		HistoryLookback:   p.HistoryLookback,
		TrendDays:         p.TrendDays,
		TrainingWindow:    t.Window,
		SampleStep:        t.SampleStep,
		MinDays:           t.MinDays,
		MinSamples:        t.MinSamples,
		HoldoutFraction:   t.HoldoutFraction,
		MetricFloor:       t.MetricFloor,
		TrainingInterval:  t.Interval,
		TrainingTimeout:   t.Timeout,
		ImportanceTop:     t.ImportanceTop,
		ConfidencePenalty: ml.DefaultMaxPenalty,
	}
}

// SocialLookback is the observation window of the horizon: its largest sub-window.
func (hs HorizonSettings) SocialLookback() time.Duration {
	if len(hs.SubWindows) == 0 {
		return 0
	}
	return hs.SubWindows[len(hs.SubWindows)-1]
}

func (hs HorizonSettings) featureParams(regions []string) features.Params {
	return features.Params{
		SubWindows:      hs.SubWindows,
		DecayHalfLife:   hs.DecayHalfLife,
		HistoryLookback: hs.HistoryLookback,
		TrendDays:       hs.TrendDays,
		Regions:         regions,
	}
}

func (hs HorizonSettings) trainingConfig(seed int64) training.Config {
	return training.Config{
		LabelOffset:     hs.LabelOffset,
		LabelTolerance:  hs.LabelTolerance,
		Window:          hs.TrainingWindow,
		SampleStep:      hs.SampleStep,
		MinDays:         hs.MinDays,
		MinSamples:      hs.MinSamples,
		HoldoutFraction: hs.HoldoutFraction,
		MetricFloor:     hs.MetricFloor,
		Interval:        hs.TrainingInterval,
		Timeout:         hs.TrainingTimeout,
		ImportanceTop:   hs.ImportanceTop,
		Seed:            seed,
	}
}

// Horizon returns the settings for h, falling back to the defaults.
func (s *Settings) Horizon(h domain.Horizon) HorizonSettings {
	if hs, ok := s.Horizons[h]; ok {
		return hs
	}
	return DefaultHorizonSettings(h)
}

// FeatureParams returns the extractor parameters of every horizon.
func (s *Settings) FeatureParams() map[domain.Horizon]features.Params {
	regions := s.Regions
	if len(regions) == 0 {
		regions = features.DefaultRegions
	}
	out := make(map[domain.Horizon]features.Params, len(domain.Horizons))
	for _, h := range domain.Horizons {
		out[h] = s.Horizon(h).featureParams(regions)
	}
	return out
}

// TrainingConfigs returns the pipeline configuration of every horizon. Training shares
// the forest seed so a rerun over the same data reproduces the same model.
func (s *Settings) TrainingConfigs() map[domain.Horizon]training.Config {
	out := make(map[domain.Horizon]training.Config, len(domain.Horizons))
	for _, h := range domain.Horizons {
		out[h] = s.Horizon(h).trainingConfig(s.Forest.Seed)
	}
	return out
}

// EngineConfig returns the prediction engine's penalty and offset settings.
func (s *Settings) EngineConfig() ml.EngineConfig {
	ec := ml.EngineConfig{
		MaxPenalty:   make(map[domain.Horizon]float64, len(domain.Horizons)),
		LabelOffsets: make(map[domain.Horizon]time.Duration, len(domain.Horizons)),
	}
	for _, h := range domain.Horizons {
		hs := s.Horizon(h)
		ec.MaxPenalty[h] = hs.ConfidencePenalty
		ec.LabelOffsets[h] = hs.LabelOffset
	}
	return ec
}

// Calendar builds the holiday calendar in the configured zone.
func (s *Settings) Calendar() (*features.Calendar, error) {
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", s.Timezone, err)
	}
	return features.NewCalendar(loc, s.Holidays)
}

func horizonEnvKey(h domain.Horizon, key string) string {
	return strings.ToUpper(string(h)) + "_" + key
}

// applyHorizonEnv overrides the most commonly tuned horizon values, e.g. SHORT_METRIC_FLOOR.
func applyHorizonEnv(h domain.Horizon, hs HorizonSettings) HorizonSettings {
	hs.MetricFloor = getFloatOrDefault(horizonEnvKey(h, common.EnvHorizonMetricFloor), hs.MetricFloor)
	hs.TrainingInterval = getDurationOrDefault(horizonEnvKey(h, common.EnvHorizonInterval), hs.TrainingInterval)
	hs.TrainingTimeout = getDurationOrDefault(horizonEnvKey(h, common.EnvHorizonTimeout), hs.TrainingTimeout)
	hs.MinSamples = getIntOrDefault(horizonEnvKey(h, common.EnvHorizonMinSamples), hs.MinSamples)
	hs.MinDays = getIntOrDefault(horizonEnvKey(h, common.EnvHorizonMinDays), hs.MinDays)
	hs.ConfidencePenalty = getFloatOrDefault(horizonEnvKey(h, common.EnvHorizonPenalty), hs.ConfidencePenalty)
	return hs
}

func validateHorizon(h domain.Horizon, hs HorizonSettings, regions []string) error {
	if err := hs.featureParams(regions).Validate(); err != nil {
		return fmt.Errorf("%s horizon: %w", h, err)
	}
	if err := hs.trainingConfig(0).Validate(); err != nil {
		return fmt.Errorf("%s horizon: %w", h, err)
	}
	if hs.ConfidencePenalty < 0 || hs.ConfidencePenalty > 1 {
		return fmt.Errorf("%s horizon: confidence penalty must be between 0 and 1, got %f", h, hs.ConfidencePenalty)
	}
	if hs.TrainingInterval != 0 && hs.TrainingInterval < common.MinTrainInterval {
		return fmt.Errorf("%s horizon: training interval must be 0 (disabled) or at least %v, got %v",
			h, common.MinTrainInterval, hs.TrainingInterval)
	}
	if hs.ImportanceTop < 0 {
		return fmt.Errorf("%s horizon: importance top must not be negative, got %d", h, hs.ImportanceTop)
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func splitOrDefault(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		return splitList(v)
	}
	return def
}
