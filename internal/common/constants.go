package common

import "time"

// Source kinds
const (
	SourceBolt     = "bolt"
	SourceREST     = "rest"
	SourcePostgres = "postgres"
)

// Environment variable keys
const (
	EnvConfigFile         = "CONFIG_FILE"
	EnvDataPath           = "DATA_PATH"
	EnvMetricsPort        = "METRICS_PORT"
	EnvAPIPort            = "API_PORT"
	EnvLogLevel           = "LOG_LEVEL"
	EnvLogFormat          = "LOG_FORMAT"
	EnvSource             = "SOURCE"
	EnvRESTBaseURL        = "REST_BASE_URL"
	EnvRESTTimeout        = "REST_TIMEOUT"
	EnvRESTRate           = "REST_RATE"
	EnvRESTBurst          = "REST_BURST"
	EnvPostgresDSN        = "POSTGRES_DSN"
	EnvRedisURL           = "REDIS_URL"
	EnvRedisPrefix        = "REDIS_PREFIX"
	EnvStreamURL          = "STREAM_URL"
	EnvPingInterval       = "PING_INTERVAL"
	EnvTimezone           = "TIMEZONE"
	EnvHolidays           = "HOLIDAYS"
	EnvTrainOnStart       = "TRAIN_ON_START"
	EnvForestTrees        = "FOREST_TREES"
	EnvForestMaxDepth     = "FOREST_MAX_DEPTH"
	EnvForestSeed         = "FOREST_SEED"
	EnvTestPostgresDSN    = "FORECAST_TEST_POSTGRES_DSN"
	EnvHorizonMetricFloor = "METRIC_FLOOR"       // prefixed with SHORT_ or LONG_
	EnvHorizonInterval    = "TRAINING_INTERVAL"  // prefixed with SHORT_ or LONG_
	EnvHorizonTimeout     = "TRAINING_TIMEOUT"   // prefixed with SHORT_ or LONG_
	EnvHorizonMinSamples  = "MIN_SAMPLES"        // prefixed with SHORT_ or LONG_
	EnvHorizonMinDays     = "MIN_DAYS"           // prefixed with SHORT_ or LONG_
	EnvHorizonPenalty     = "CONFIDENCE_PENALTY" // prefixed with SHORT_ or LONG_
)

// Configuration defaults
const (
	DefaultDataPath     = "data"
	DefaultMetricsPort  = 8080
	DefaultAPIPort      = 8081
	DefaultLogLevel     = "info"
	DefaultLogFormat    = "json"
	DefaultSource       = SourceBolt
	DefaultRESTTimeout  = 5 * time.Second
	DefaultRESTRate     = 10.0
	DefaultRESTBurst    = 5
	DefaultRedisPrefix  = "forecast"
	DefaultPingInterval = 15 * time.Second
	DefaultTimezone     = "Asia/Hebron"
)

// Validation constants
const (
	MinPort          = 1024
	MaxPort          = 65535
	MinRESTTimeout   = time.Second
	MaxRESTTimeout   = time.Minute
	MinPingInterval  = time.Second
	MaxPingInterval  = 5 * time.Minute
	MaxForestTrees   = 1000
	MaxForestDepth   = 64
	MaxRESTRate      = 1000.0
	MinTrainInterval = time.Minute
)
