package cfg

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"checkpoint-forecast/internal/common"
	"checkpoint-forecast/internal/domain"
	"checkpoint-forecast/internal/ml"
)

type Settings struct {
	DataPath    string
	MetricsPort int
	APIPort     int
	LogLevel    string
	LogFormat   string

	Source      string
	RESTBaseURL string
	RESTTimeout time.Duration
	RESTRate    float64
	RESTBurst   int
	PostgresDSN string

	RedisURL    string
	RedisPrefix string

	StreamURL string
	Ping      time.Duration

	Timezone string
	Holidays []string
	Regions  []string

	TrainOnStart bool
	Forest       ml.ForestConfig
	Horizons     map[domain.Horizon]HorizonSettings
}

type ConfigFile struct {
	System struct {
		DataPath    string `yaml:"dataPath"`
		MetricsPort int    `yaml:"metricsPort"`
		APIPort     int    `yaml:"apiPort"`
		LogLevel    string `yaml:"logLevel"`
		LogFormat   string `yaml:"logFormat"`
	} `yaml:"system"`

	Source struct {
		Kind        string        `yaml:"kind"`
		RESTBaseURL string        `yaml:"restBaseURL"`
		RESTTimeout time.Duration `yaml:"restTimeout"`
		RESTRate    float64       `yaml:"restRate"`
		RESTBurst   int           `yaml:"restBurst"`
		PostgresDSN string        `yaml:"postgresDSN"`
	} `yaml:"source"`

	Redis struct {
		URL    string `yaml:"url"`
		Prefix string `yaml:"prefix"`
	} `yaml:"redis"`

	Stream struct {
		URL          string        `yaml:"url"`
		PingInterval time.Duration `yaml:"pingInterval"`
	} `yaml:"stream"`

	Features struct {
		Timezone string   `yaml:"timezone"`
		Holidays []string `yaml:"holidays"`
		Regions  []string `yaml:"regions"`
	} `yaml:"features"`

	Training struct {
		RunOnStart bool            `yaml:"runOnStart"`
		Forest     ml.ForestConfig `yaml:"forest"`
	} `yaml:"training"`

	Horizons struct {
		Short HorizonSettings `yaml:"short"`
		Long  HorizonSettings `yaml:"long"`
	} `yaml:"horizons"`
}

func Load() (Settings, error) {
	// Try to load from YAML file first
	if configPath := os.Getenv(common.EnvConfigFile); configPath != "" {
		return loadFromYAML(configPath)
	}

	// Fallback to environment variables
	return loadFromEnv()
}

// defaultConfigFile is the configuration used for every key the YAML file and the
// environment leave unset.
func defaultConfigFile() ConfigFile {
	var c ConfigFile
	c.System.DataPath = common.DefaultDataPath
	c.System.MetricsPort = common.DefaultMetricsPort
	c.System.APIPort = common.DefaultAPIPort
	c.System.LogLevel = common.DefaultLogLevel
	c.System.LogFormat = common.DefaultLogFormat
	c.Source.Kind = common.DefaultSource
	c.Source.RESTTimeout = common.DefaultRESTTimeout
	c.Source.RESTRate = common.DefaultRESTRate
	c.Source.RESTBurst = common.DefaultRESTBurst
	c.Redis.Prefix = common.DefaultRedisPrefix
	c.Stream.PingInterval = common.DefaultPingInterval
	c.Features.Timezone = common.DefaultTimezone
	c.Training.RunOnStart = true
	c.Training.Forest = ml.DefaultForestConfig()
	c.Horizons.Short = DefaultHorizonSettings(domain.HorizonShort)
	c.Horizons.Long = DefaultHorizonSettings(domain.HorizonLong)
	return c
}

func loadFromYAML(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	// Keys missing from the file keep their defaults
	config := defaultConfigFile()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return Settings{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	return finalize(config)
}

func loadFromEnv() (Settings, error) {
	return finalize(defaultConfigFile())
}

// finalize applies environment overrides on top of config and validates the result.
func finalize(config ConfigFile) (Settings, error) {
	settings := Settings{
		DataPath:     getEnvOrDefault(common.EnvDataPath, config.System.DataPath),
		MetricsPort:  getIntOrDefault(common.EnvMetricsPort, config.System.MetricsPort),
		APIPort:      getIntOrDefault(common.EnvAPIPort, config.System.APIPort),
		LogLevel:     strings.ToLower(getEnvOrDefault(common.EnvLogLevel, config.System.LogLevel)),
		LogFormat:    strings.ToLower(getEnvOrDefault(common.EnvLogFormat, config.System.LogFormat)),
		Source:       strings.ToLower(getEnvOrDefault(common.EnvSource, config.Source.Kind)),
		RESTBaseURL:  getEnvOrDefault(common.EnvRESTBaseURL, config.Source.RESTBaseURL),
		RESTTimeout:  getDurationOrDefault(common.EnvRESTTimeout, config.Source.RESTTimeout),
		RESTRate:     getFloatOrDefault(common.EnvRESTRate, config.Source.RESTRate),
		RESTBurst:    getIntOrDefault(common.EnvRESTBurst, config.Source.RESTBurst),
		PostgresDSN:  getEnvOrDefault(common.EnvPostgresDSN, config.Source.PostgresDSN),
		RedisURL:     getEnvOrDefault(common.EnvRedisURL, config.Redis.URL),
		RedisPrefix:  getEnvOrDefault(common.EnvRedisPrefix, config.Redis.Prefix),
		StreamURL:    getEnvOrDefault(common.EnvStreamURL, config.Stream.URL),
		Ping:         getDurationOrDefault(common.EnvPingInterval, config.Stream.PingInterval),
		Timezone:     getEnvOrDefault(common.EnvTimezone, config.Features.Timezone),
		Holidays:     splitOrDefault(common.EnvHolidays, config.Features.Holidays),
		Regions:      config.Features.Regions,
		TrainOnStart: getBoolOrDefault(common.EnvTrainOnStart, config.Training.RunOnStart),
		Forest:       config.Training.Forest,
		Horizons: map[domain.Horizon]HorizonSettings{
			domain.HorizonShort: applyHorizonEnv(domain.HorizonShort, config.Horizons.Short),
			domain.HorizonLong:  applyHorizonEnv(domain.HorizonLong, config.Horizons.Long),
		},
	}
	settings.Forest.Trees = getIntOrDefault(common.EnvForestTrees, settings.Forest.Trees)
	settings.Forest.MaxDepth = getIntOrDefault(common.EnvForestMaxDepth, settings.Forest.MaxDepth)
	settings.Forest.Seed = int64(getIntOrDefault(common.EnvForestSeed, int(settings.Forest.Seed)))

	// Validate configuration
	if err := validateSettings(&settings); err != nil {
		return Settings{}, fmt.Errorf("configuration validation failed: %w", err)
	}

	return settings, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func getFloatOrDefault(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

// validateSettings performs comprehensive validation of configuration values
func validateSettings(settings *Settings) error {
	if settings.DataPath == "" {
		return fmt.Errorf("data path cannot be empty")
	}

	// Validate ports
	if settings.MetricsPort < common.MinPort || settings.MetricsPort > common.MaxPort {
		return fmt.Errorf("metrics port must be between %d and %d, got %d", common.MinPort, common.MaxPort, settings.MetricsPort)
	}
	if settings.APIPort < common.MinPort || settings.APIPort > common.MaxPort {
		return fmt.Errorf("API port must be between %d and %d, got %d", common.MinPort, common.MaxPort, settings.APIPort)
	}
	if settings.APIPort == settings.MetricsPort {
		return fmt.Errorf("API port and metrics port must differ, both are %d", settings.APIPort)
	}

	// Validate logging
	if _, err := zerolog.ParseLevel(settings.LogLevel); err != nil || settings.LogLevel == "" {
		return fmt.Errorf("invalid log level %q", settings.LogLevel)
	}
	if settings.LogFormat != "json" && settings.LogFormat != "console" {
		return fmt.Errorf("log format must be json or console, got %q", settings.LogFormat)
	}

	// Validate the data source
	switch settings.Source {
	case common.SourceBolt:
	case common.SourceREST:
		if settings.RESTBaseURL == "" {
			return fmt.Errorf("REST base URL is required for source %q", common.SourceREST)
		}
	case common.SourcePostgres:
		if settings.PostgresDSN == "" {
			return fmt.Errorf("postgres DSN is required for source %q", common.SourcePostgres)
		}
	default:
		return fmt.Errorf("source must be one of bolt, rest or postgres, got %q", settings.Source)
	}
	if settings.RESTTimeout < common.MinRESTTimeout || settings.RESTTimeout > common.MaxRESTTimeout {
		return fmt.Errorf("REST timeout must be between 1s and 1m, got %v", settings.RESTTimeout)
	}
	if settings.RESTRate <= 0 || settings.RESTRate > common.MaxRESTRate {
		return fmt.Errorf("REST rate must be between 0 and %g requests per second, got %f", common.MaxRESTRate, settings.RESTRate)
	}
	if settings.RESTBurst < 1 {
		return fmt.Errorf("REST burst must be at least 1, got %d", settings.RESTBurst)
	}

	// Validate the stream
	if settings.StreamURL != "" {
		if settings.Ping < common.MinPingInterval || settings.Ping > common.MaxPingInterval {
			return fmt.Errorf("ping interval must be between 1s and 5m, got %v", settings.Ping)
		}
	}
	if settings.RedisURL != "" && settings.RedisPrefix == "" {
		return fmt.Errorf("redis prefix cannot be empty")
	}

	// Validate the calendar
	if _, err := settings.Calendar(); err != nil {
		return err
	}

	// Validate forest hyper-parameters
	f := settings.Forest
	if f.Trees < 1 || f.Trees > common.MaxForestTrees {
		return fmt.Errorf("forest trees must be between 1 and %d, got %d", common.MaxForestTrees, f.Trees)
	}
	if f.MaxDepth < 1 || f.MaxDepth > common.MaxForestDepth {
		return fmt.Errorf("forest max depth must be between 1 and %d, got %d", common.MaxForestDepth, f.MaxDepth)
	}
	if f.MinSamplesLeaf < 1 {
		return fmt.Errorf("forest min samples leaf must be at least 1, got %d", f.MinSamplesLeaf)
	}
	if f.MaxFeatures < 0 {
		return fmt.Errorf("forest max features must not be negative, got %d", f.MaxFeatures)
	}

	// Validate horizons
	regions := settings.Regions
	for _, h := range domain.Horizons {
		hs, ok := settings.Horizons[h]
		if !ok {
			return fmt.Errorf("missing settings for the %s horizon", h)
		}
		if err := validateHorizon(h, hs, regions); err != nil {
			return err
		}
	}
	short, long := settings.Horizons[domain.HorizonShort], settings.Horizons[domain.HorizonLong]
	if short.LabelOffset >= long.LabelOffset {
		return fmt.Errorf("short label offset %v must be below the long label offset %v", short.LabelOffset, long.LabelOffset)
	}

	return nil
}
