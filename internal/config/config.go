package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds application configuration derived from environment variables.
type Config struct {
	Port          string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	RedisAddr     string
	PostgresDSN   string
	ClickHouseDSN string
	ServiceName   string

	// Partner token authentication
	TokenSecret string
	TokenTTL    time.Duration

	// Scheduling parameters
	SlotDuration     time.Duration // slot granularity G
	Horizon          time.Duration // forward window H
	RebuildInterval  time.Duration // timeline rebuild cadence per device
	GraceSlots       int           // extra slots before SCHEDULED entries expire
	ShardCount       int           // device partitions, one worker each
	DefaultLookahead time.Duration // queue pull lookahead when unspecified

	// Pricing
	MinRate       float64 // floor applied to every adjusted rate
	DemandDefault float64 // demand level assumed when the gauge is unavailable
	PriceCacheTTL time.Duration

	// Device liveness
	OfflineAfter  time.Duration // missed-heartbeat window before OFFLINE
	SweepInterval time.Duration

	// Per-device queue pull rate limiting
	RateLimitEnabled bool
	PullRatePerSec   int
	PullBurst        int

	// AI oracles (all optional; null implementations used when unset)
	ModeratorURL     string
	OptimizerURL     string
	AnalyzerURL      string
	OracleTimeout    time.Duration
	OracleCacheTTL   time.Duration
	OptimizerEnabled bool

	// Telemetry fan-out worker queue
	WorkerCount     int
	WorkerQueueSize int

	// Catalog hot reload
	ReloadInterval time.Duration

	// Database connection pooling configuration
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration
	DBConnMaxIdleTime time.Duration

	// ClickHouse connection pooling configuration
	CHMaxOpenConns int

	// Tracing configuration
	TracingEnabled    bool
	TempoEndpoint     string
	TracingSampleRate float64
}

// Load parses environment variables and returns a Config populated with
// defaults when variables are absent.
func Load() Config {
	cfg := Config{}

	cfg.Port = getenv("PORT", "8787")
	cfg.ReadTimeout = envDuration("READ_TIMEOUT", 5*time.Second)
	cfg.WriteTimeout = envDuration("WRITE_TIMEOUT", 10*time.Second)
	cfg.RedisAddr = getenv("REDIS_ADDR", "localhost:6379")
	cfg.PostgresDSN = getenv("POSTGRES_DSN", "postgres://postgres@127.0.0.1:5432/postgres?sslmode=disable")
	cfg.ClickHouseDSN = getenv("CLICKHOUSE_DSN", "clickhouse://default:@localhost:9000/default?async_insert=1&wait_for_async_insert=1")
	cfg.ServiceName = getenv("SERVICE_NAME", "doohserve")

	cfg.TokenSecret = getenv("TOKEN_SECRET", "")
	cfg.TokenTTL = envDuration("TOKEN_TTL", 30*time.Minute)

	cfg.SlotDuration = envDuration("SLOT_DURATION", 5*time.Minute)
	cfg.Horizon = envDuration("SCHEDULE_HORIZON", time.Hour)
	cfg.RebuildInterval = envDuration("REBUILD_INTERVAL", time.Hour)
	cfg.GraceSlots = envInt("GRACE_SLOTS", 1)
	cfg.ShardCount = envInt("SHARD_COUNT", 8)
	cfg.DefaultLookahead = envDuration("DEFAULT_LOOKAHEAD", 5*time.Minute)

	cfg.MinRate = envFloat("MIN_RATE", 0.10)
	cfg.DemandDefault = envFloat("DEMAND_DEFAULT", 0.5)
	cfg.PriceCacheTTL = envDuration("PRICE_CACHE_TTL", 30*time.Second)

	cfg.OfflineAfter = envDuration("OFFLINE_AFTER", 2*time.Minute)
	cfg.SweepInterval = envDuration("SWEEP_INTERVAL", 30*time.Second)

	cfg.RateLimitEnabled = envBool("RATE_LIMIT_ENABLED", true)
	cfg.PullRatePerSec = envInt("PULL_RATE_PER_SEC", 1)
	cfg.PullBurst = envInt("PULL_BURST", 3)

	cfg.ModeratorURL = getenv("MODERATOR_URL", "")
	cfg.OptimizerURL = getenv("OPTIMIZER_URL", "")
	cfg.AnalyzerURL = getenv("ANALYZER_URL", "")
	cfg.OracleTimeout = envDuration("ORACLE_TIMEOUT", 500*time.Millisecond)
	cfg.OracleCacheTTL = envDuration("ORACLE_CACHE_TTL", 5*time.Minute)
	cfg.OptimizerEnabled = envBool("OPTIMIZER_ENABLED", false)

	cfg.WorkerCount = envInt("WORKER_COUNT", 4)
	cfg.WorkerQueueSize = envInt("WORKER_QUEUE_SIZE", 1024)

	// default to 30 seconds between automatic catalog reloads
	cfg.ReloadInterval = envDuration("RELOAD_INTERVAL", 30*time.Second)

	cfg.DBMaxOpenConns = envInt("DB_MAX_OPEN_CONNS", 25)
	cfg.DBMaxIdleConns = envInt("DB_MAX_IDLE_CONNS", 5)
	cfg.DBConnMaxLifetime = envDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute)
	cfg.DBConnMaxIdleTime = envDuration("DB_CONN_MAX_IDLE_TIME", 1*time.Minute)

	cfg.CHMaxOpenConns = envInt("CH_MAX_OPEN_CONNS", 25)

	cfg.TracingEnabled = envBool("TRACING_ENABLED", false)
	cfg.TempoEndpoint = getenv("TEMPO_ENDPOINT", "tempo:4317")
	cfg.TracingSampleRate = envFloat("TRACING_SAMPLE_RATE", 1.0)

	return cfg
}

// getenv returns the value of the environment variable if set, otherwise def.
func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// envDuration parses an environment variable into a time.Duration.
// The value can be a duration string (e.g. "5s") or a number of seconds.
// If the variable is unset or invalid, def is returned.
func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return def
}

// envBool parses a boolean environment variable. Accepted values are those
// supported by strconv.ParseBool. When unset or invalid, def is returned.
func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if b, err := strconv.ParseBool(v); err == nil {
		return b
	}
	return def
}

// envInt parses an integer environment variable. When unset or invalid, def is returned.
func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if i, err := strconv.Atoi(v); err == nil {
		return i
	}
	return def
}

// envFloat parses a float64 environment variable. When unset or invalid, def is returned.
func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	return def
}
