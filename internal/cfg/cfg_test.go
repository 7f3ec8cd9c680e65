package cfg

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"checkpoint-forecast/internal/common"
	"checkpoint-forecast/internal/domain"
	"checkpoint-forecast/internal/ml"
)

func TestLoadFromEnv(t *testing.T) {
	tests := []struct {
		name     string
		envVars  map[string]string
		wantErr  string
		validate func(t *testing.T, settings Settings)
	}{
		{
			name:    "defaults",
			envVars: map[string]string{},
			validate: func(t *testing.T, settings Settings) {
				if settings.DataPath != common.DefaultDataPath {
					t.Errorf("expected default data path, got %s", settings.DataPath)
				}
				if settings.Source != common.SourceBolt {
					t.Errorf("expected bolt source, got %s", settings.Source)
				}
				if settings.MetricsPort != 8080 || settings.APIPort != 8081 {
					t.Errorf("expected ports 8080/8081, got %d/%d", settings.MetricsPort, settings.APIPort)
				}
				if !settings.TrainOnStart {
					t.Error("expected training on start by default")
				}
				if settings.Forest != ml.DefaultForestConfig() {
					t.Errorf("expected default forest, got %+v", settings.Forest)
				}
				short := settings.Horizons[domain.HorizonShort]
				if short.LabelOffset != 2*time.Hour || short.DecayHalfLife != 45*time.Minute {
					t.Errorf("unexpected short defaults: offset %v half-life %v", short.LabelOffset, short.DecayHalfLife)
				}
				long := settings.Horizons[domain.HorizonLong]
				if long.LabelOffset != 18*time.Hour || long.DecayHalfLife != 12*time.Hour {
					t.Errorf("unexpected long defaults: offset %v half-life %v", long.LabelOffset, long.DecayHalfLife)
				}
				if long.SocialLookback() != 72*time.Hour {
					t.Errorf("expected 72h long social lookback, got %v", long.SocialLookback())
				}
			},
		},
		{
			name: "overrides",
			envVars: map[string]string{
				"DATA_PATH":      "/var/lib/forecast/db",
				"METRICS_PORT":   "9090",
				"LOG_LEVEL":      "DEBUG",
				"LOG_FORMAT":     "console",
				"SOURCE":         "rest",
				"REST_BASE_URL":  "http://collector:8000",
				"REST_TIMEOUT":   "10s",
				"REST_RATE":      "2.5",
				"REDIS_URL":      "redis://localhost:6379/0",
				"HOLIDAYS":       "2024-04-10, 2024-06-16",
				"TRAIN_ON_START": "false",
				"FOREST_TREES":   "50",
				"FOREST_SEED":    "7",
			},
			validate: func(t *testing.T, settings Settings) {
				if settings.DataPath != "/var/lib/forecast/db" {
					t.Errorf("expected DataPath override, got %s", settings.DataPath)
				}
				if settings.MetricsPort != 9090 {
					t.Errorf("expected MetricsPort 9090, got %d", settings.MetricsPort)
				}
				if settings.LogLevel != "debug" || settings.LogFormat != "console" {
					t.Errorf("expected debug/console logging, got %s/%s", settings.LogLevel, settings.LogFormat)
				}
				if settings.Source != common.SourceREST || settings.RESTBaseURL != "http://collector:8000" {
					t.Errorf("expected rest source, got %s at %s", settings.Source, settings.RESTBaseURL)
				}
				if settings.RESTTimeout != 10*time.Second || settings.RESTRate != 2.5 {
					t.Errorf("expected 10s/2.5rps, got %v/%f", settings.RESTTimeout, settings.RESTRate)
				}
				if len(settings.Holidays) != 2 || settings.Holidays[1] != "2024-06-16" {
					t.Errorf("expected trimmed holidays, got %v", settings.Holidays)
				}
				if settings.TrainOnStart {
					t.Error("expected TrainOnStart false")
				}
				if settings.Forest.Trees != 50 || settings.Forest.Seed != 7 {
					t.Errorf("expected 50 trees seed 7, got %d seed %d", settings.Forest.Trees, settings.Forest.Seed)
				}
			},
		},
		{
			name: "horizon overrides stay per horizon",
			envVars: map[string]string{
				"SHORT_METRIC_FLOOR":      "0.5",
				"LONG_TRAINING_INTERVAL":  "12h",
				"LONG_CONFIDENCE_PENALTY": "0.8",
				"SHORT_MIN_SAMPLES":       "300",
			},
			validate: func(t *testing.T, settings Settings) {
				short := settings.Horizons[domain.HorizonShort]
				long := settings.Horizons[domain.HorizonLong]
				if short.MetricFloor != 0.5 || long.MetricFloor != 0.35 {
					t.Errorf("expected floors 0.5/0.35, got %f/%f", short.MetricFloor, long.MetricFloor)
				}
				if long.TrainingInterval != 12*time.Hour || short.TrainingInterval != 6*time.Hour {
					t.Errorf("expected intervals 6h/12h, got %v/%v", short.TrainingInterval, long.TrainingInterval)
				}
				if long.ConfidencePenalty != 0.8 || short.ConfidencePenalty != ml.DefaultMaxPenalty {
					t.Errorf("unexpected penalties %f/%f", short.ConfidencePenalty, long.ConfidencePenalty)
				}
				if short.MinSamples != 300 {
					t.Errorf("expected 300 short min samples, got %d", short.MinSamples)
				}
			},
		},
		{
			name:    "malformed values keep defaults",
			envVars: map[string]string{"METRICS_PORT": "not-a-port", "REST_TIMEOUT": "soon"},
			validate: func(t *testing.T, settings Settings) {
				if settings.MetricsPort != common.DefaultMetricsPort {
					t.Errorf("expected default metrics port, got %d", settings.MetricsPort)
				}
				if settings.RESTTimeout != common.DefaultRESTTimeout {
					t.Errorf("expected default REST timeout, got %v", settings.RESTTimeout)
				}
			},
		},
		{
			name:    "rest source without base url",
			envVars: map[string]string{"SOURCE": "rest"},
			wantErr: "REST base URL is required",
		},
		{
			name:    "unknown source",
			envVars: map[string]string{"SOURCE": "mqtt"},
			wantErr: "source must be one of",
		},
		{
			name:    "invalid horizon override",
			envVars: map[string]string{"LONG_METRIC_FLOOR": "1.5"},
			wantErr: "long horizon: metric floor",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearTestEnv(t)
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}

			settings, err := loadFromEnv()
			if tt.wantErr != "" {
				if err == nil {
					t.Fatalf("expected error containing %q, got nil", tt.wantErr)
				}
				if !strings.Contains(err.Error(), tt.wantErr) {
					t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			tt.validate(t, settings)
		})
	}
}

func TestLoadFromYAML(t *testing.T) {
	tests := []struct {
		name     string
		yaml     string
		envVars  map[string]string
		wantErr  string
		validate func(t *testing.T, settings Settings)
	}{
		{
			name: "partial file keeps defaults",
			yaml: `
system:
  dataPath: /tmp/forecast.db
  metricsPort: 9100
source:
  kind: postgres
  postgresDSN: postgres://forecast@localhost/forecast
features:
  timezone: UTC
  holidays: ["2024-12-25"]
training:
  forest:
    trees: 20
    maxDepth: 8
horizons:
  short:
    subWindows: [30m, 2h, 4h]
    metricFloor: 0.45
  long:
    trainingInterval: 48h
`,
			validate: func(t *testing.T, settings Settings) {
				if settings.DataPath != "/tmp/forecast.db" || settings.MetricsPort != 9100 {
					t.Errorf("unexpected system settings %s:%d", settings.DataPath, settings.MetricsPort)
				}
				if settings.APIPort != common.DefaultAPIPort {
					t.Errorf("expected default API port, got %d", settings.APIPort)
				}
				if settings.Source != common.SourcePostgres {
					t.Errorf("expected postgres source, got %s", settings.Source)
				}
				if settings.Forest.Trees != 20 || settings.Forest.MaxDepth != 8 {
					t.Errorf("expected forest 20x8, got %+v", settings.Forest)
				}
				if settings.Forest.MinSamplesLeaf != 5 || !settings.Forest.Balanced {
					t.Errorf("expected forest defaults kept, got %+v", settings.Forest)
				}
				short := settings.Horizons[domain.HorizonShort]
				if len(short.SubWindows) != 3 || short.SocialLookback() != 4*time.Hour {
					t.Errorf("expected sub-windows up to 4h, got %v", short.SubWindows)
				}
				if short.MetricFloor != 0.45 || short.DecayHalfLife != 45*time.Minute {
					t.Errorf("unexpected short horizon %+v", short)
				}
				long := settings.Horizons[domain.HorizonLong]
				if long.TrainingInterval != 48*time.Hour || long.LabelOffset != 18*time.Hour {
					t.Errorf("unexpected long horizon %+v", long)
				}
			},
		},
		{
			name: "environment overrides file",
			yaml: `
system:
  metricsPort: 9100
  logLevel: warn
`,
			envVars: map[string]string{"METRICS_PORT": "9200", "SHORT_TRAINING_TIMEOUT": "5m"},
			validate: func(t *testing.T, settings Settings) {
				if settings.MetricsPort != 9200 {
					t.Errorf("expected env MetricsPort 9200, got %d", settings.MetricsPort)
				}
				if settings.LogLevel != "warn" {
					t.Errorf("expected warn from file, got %s", settings.LogLevel)
				}
				if got := settings.Horizons[domain.HorizonShort].TrainingTimeout; got != 5*time.Minute {
					t.Errorf("expected 5m short timeout, got %v", got)
				}
			},
		},
		{
			name:    "invalid yaml",
			yaml:    "system: [unclosed",
			wantErr: "failed to parse config file",
		},
		{
			name:    "invalid duration",
			yaml:    "horizons:\n  short:\n    labelOffset: soon\n",
			wantErr: "failed to parse config file",
		},
		{
			name:    "invalid holiday",
			yaml:    "features:\n  holidays: [\"10/04/2024\"]\n",
			wantErr: "invalid holiday",
		},
		{
			name:    "overlapping horizons",
			yaml:    "horizons:\n  short:\n    labelOffset: 20h\n    labelTolerance: 1h\n",
			wantErr: "must be below the long label offset",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearTestEnv(t)
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}

			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(tt.yaml), 0o644); err != nil {
				t.Fatalf("failed to write config: %v", err)
			}

			settings, err := loadFromYAML(path)
			if tt.wantErr != "" {
				if err == nil {
					t.Fatalf("expected error containing %q, got nil", tt.wantErr)
				}
				if !strings.Contains(err.Error(), tt.wantErr) {
					t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			tt.validate(t, settings)
		})
	}

	t.Run("missing file", func(t *testing.T) {
		clearTestEnv(t)
		_, err := loadFromYAML(filepath.Join(t.TempDir(), "absent.yaml"))
		if err == nil || !strings.Contains(err.Error(), "failed to read config file") {
			t.Errorf("expected read error, got %v", err)
		}
	})
}

func TestLoad(t *testing.T) {
	t.Run("uses CONFIG_FILE when set", func(t *testing.T) {
		clearTestEnv(t)
		path := filepath.Join(t.TempDir(), "config.yaml")
		if err := os.WriteFile(path, []byte("system:\n  apiPort: 9300\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		t.Setenv("CONFIG_FILE", path)

		settings, err := Load()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if settings.APIPort != 9300 {
			t.Errorf("expected APIPort from file, got %d", settings.APIPort)
		}
	})

	t.Run("falls back to environment", func(t *testing.T) {
		clearTestEnv(t)
		t.Setenv("API_PORT", "9400")

		settings, err := Load()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if settings.APIPort != 9400 {
			t.Errorf("expected APIPort from env, got %d", settings.APIPort)
		}
	})
}

func TestSettingsConversions(t *testing.T) {
	clearTestEnv(t)
	settings, err := loadFromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	settings.Forest.Seed = 99
	long := settings.Horizons[domain.HorizonLong]
	long.ConfidencePenalty = 0.25
	settings.Horizons[domain.HorizonLong] = long

	params := settings.FeatureParams()
	if len(params) != 2 {
		t.Fatalf("expected params for 2 horizons, got %d", len(params))
	}
	if params[domain.HorizonLong].TrendDays != 14 || len(params[domain.HorizonShort].Regions) == 0 {
		t.Errorf("unexpected feature params %+v", params)
	}

	configs := settings.TrainingConfigs()
	for _, h := range domain.Horizons {
		if configs[h].Seed != 99 {
			t.Errorf("%s: expected forest seed on training config, got %d", h, configs[h].Seed)
		}
		if err := configs[h].Validate(); err != nil {
			t.Errorf("%s: invalid training config: %v", h, err)
		}
	}
	if configs[domain.HorizonShort].Window != 30*24*time.Hour {
		t.Errorf("expected 30d short window, got %v", configs[domain.HorizonShort].Window)
	}

	ec := settings.EngineConfig()
	if ec.MaxPenalty[domain.HorizonLong] != 0.25 || ec.MaxPenalty[domain.HorizonShort] != ml.DefaultMaxPenalty {
		t.Errorf("unexpected penalties %v", ec.MaxPenalty)
	}
	if ec.LabelOffsets[domain.HorizonLong] != 18*time.Hour {
		t.Errorf("unexpected offsets %v", ec.LabelOffsets)
	}

	cal, err := settings.Calendar()
	if err != nil || cal == nil {
		t.Fatalf("expected calendar, got %v", err)
	}
	if got := settings.Horizon("weekly"); got.LabelOffset != 2*time.Hour {
		t.Errorf("unknown horizon should fall back to defaults, got %+v", got)
	}
}

// clearTestEnv blanks every key the loader reads; empty values count as unset.
func clearTestEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		common.EnvConfigFile, common.EnvDataPath, common.EnvMetricsPort, common.EnvAPIPort,
		common.EnvLogLevel, common.EnvLogFormat, common.EnvSource, common.EnvRESTBaseURL,
		common.EnvRESTTimeout, common.EnvRESTRate, common.EnvRESTBurst, common.EnvPostgresDSN,
		common.EnvRedisURL, common.EnvRedisPrefix, common.EnvStreamURL, common.EnvPingInterval,
		common.EnvTimezone, common.EnvHolidays, common.EnvTrainOnStart, common.EnvForestTrees,
		common.EnvForestMaxDepth, common.EnvForestSeed,
	}
	for _, h := range domain.Horizons {
		for _, k := range []string{
			common.EnvHorizonMetricFloor, common.EnvHorizonInterval, common.EnvHorizonTimeout,
			common.EnvHorizonMinSamples, common.EnvHorizonMinDays, common.EnvHorizonPenalty,
		} {
			keys = append(keys, horizonEnvKey(h, k))
		}
	}
	for _, k := range keys {
		t.Setenv(k, "")
	}
}
