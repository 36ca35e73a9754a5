package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds kernel configuration.
type Config struct {
	StoreDriver string
	DatabaseURL string
	SQLitePath  string
	LogLevel    string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	OutboxBatchSize    int
	OutboxPollInterval time.Duration
	OutboxRateLimit    float64
	OutboxBackoffBase  int64
	OutboxBackoffMax   int64
	OutboxMaxJitter    int64

	ProjectionBatchSize    int
	ProjectionPollInterval time.Duration

	GraphMaxDepth  int
	GraphMaxFanout int

	ProfilesPath   string
	DefaultProfile string

	OTelEnabled  bool
	OTelEndpoint string
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		StoreDriver: env("STORE_DRIVER", "memory"),
		DatabaseURL: env("DATABASE_URL", "postgres://kernel@localhost:5432/kernel?sslmode=disable"),
		SQLitePath:  env("SQLITE_PATH", "data/kernel.db"),
		LogLevel:    env("LOG_LEVEL", "INFO"),

		RedisAddr:     env("REDIS_ADDR", "localhost:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       envInt("REDIS_DB", 0),

		OutboxBatchSize:    envInt("OUTBOX_BATCH_SIZE", 100),
		OutboxPollInterval: envDuration("OUTBOX_POLL_INTERVAL", time.Second),
		OutboxRateLimit:    envFloat("OUTBOX_RATE_LIMIT", 200),
		OutboxBackoffBase:  int64(envInt("OUTBOX_BACKOFF_BASE_MS", 100)),
		OutboxBackoffMax:   int64(envInt("OUTBOX_BACKOFF_MAX_MS", 30_000)),
		OutboxMaxJitter:    int64(envInt("OUTBOX_MAX_JITTER_MS", 250)),

		ProjectionBatchSize:    envInt("PROJECTION_BATCH_SIZE", 500),
		ProjectionPollInterval: envDuration("PROJECTION_POLL_INTERVAL", 500*time.Millisecond),

		GraphMaxDepth:  envInt("GRAPH_MAX_DEPTH", 10),
		GraphMaxFanout: envInt("GRAPH_MAX_FANOUT", 1000),

		ProfilesPath:   env("PROFILES_PATH", "config/profiles.yaml"),
		DefaultProfile: env("DEFAULT_PROFILE", "default"),

		OTelEnabled:  os.Getenv("OTEL_ENABLED") == "true",
		OTelEndpoint: env("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
	}
}

// DSN returns the data source name for the configured driver.
func (c *Config) DSN() string {
	if c.StoreDriver == "sqlite" {
		return c.SQLitePath
	}
	return c.DatabaseURL
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// Malformed numbers fall back to the default.
func envInt(key string, def int) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	f, err := strconv.ParseFloat(os.Getenv(key), 64)
	if err != nil {
		return def
	}
	return f
}

func envDuration(key string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(os.Getenv(key))
	if err != nil {
		return def
	}
	return d
}
