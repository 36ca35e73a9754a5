package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sgttomas/solver-ralph-sub008/pkg/config"
)

var keys = []string{
	"STORE_DRIVER", "DATABASE_URL", "SQLITE_PATH", "LOG_LEVEL",
	"REDIS_ADDR", "REDIS_PASSWORD", "REDIS_DB",
	"OUTBOX_BATCH_SIZE", "OUTBOX_POLL_INTERVAL", "OUTBOX_RATE_LIMIT",
	"OUTBOX_BACKOFF_BASE_MS", "OUTBOX_BACKOFF_MAX_MS", "OUTBOX_MAX_JITTER_MS",
	"PROJECTION_BATCH_SIZE", "PROJECTION_POLL_INTERVAL",
	"GRAPH_MAX_DEPTH", "GRAPH_MAX_FANOUT",
	"PROFILES_PATH", "DEFAULT_PROFILE", "OTEL_ENABLED", "OTEL_EXPORTER_OTLP_ENDPOINT",
}

func clearEnv(t *testing.T) {
	for _, k := range keys {
		t.Setenv(k, "")
	}
}

// The kernel boots on defaults with nothing set.
func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg := config.Load()

	assert.Equal(t, "memory", cfg.StoreDriver)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Contains(t, cfg.DatabaseURL, "localhost")
	assert.Equal(t, 100, cfg.OutboxBatchSize)
	assert.Equal(t, time.Second, cfg.OutboxPollInterval)
	assert.Equal(t, float64(200), cfg.OutboxRateLimit)
	assert.Equal(t, int64(30_000), cfg.OutboxBackoffMax)
	assert.Equal(t, 500*time.Millisecond, cfg.ProjectionPollInterval)
	assert.Equal(t, 10, cfg.GraphMaxDepth)
	assert.Equal(t, 1000, cfg.GraphMaxFanout)
	assert.Equal(t, "config/profiles.yaml", cfg.ProfilesPath)
	assert.False(t, cfg.OTelEnabled)
}

func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("STORE_DRIVER", "sqlite")
	t.Setenv("SQLITE_PATH", "/tmp/k.db")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("OUTBOX_POLL_INTERVAL", "250ms")
	t.Setenv("OUTBOX_RATE_LIMIT", "12.5")
	t.Setenv("GRAPH_MAX_DEPTH", "4")
	t.Setenv("OTEL_ENABLED", "true")

	cfg := config.Load()

	assert.Equal(t, "/tmp/k.db", cfg.DSN())
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, 3, cfg.RedisDB)
	assert.Equal(t, 250*time.Millisecond, cfg.OutboxPollInterval)
	assert.Equal(t, 12.5, cfg.OutboxRateLimit)
	assert.Equal(t, 4, cfg.GraphMaxDepth)
	assert.True(t, cfg.OTelEnabled)
}

func TestLoad_MalformedNumbersUseDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("OUTBOX_BATCH_SIZE", "lots")
	t.Setenv("PROJECTION_POLL_INTERVAL", "soon")

	cfg := config.Load()
	assert.Equal(t, 100, cfg.OutboxBatchSize)
	assert.Equal(t, 500*time.Millisecond, cfg.ProjectionPollInterval)
}
