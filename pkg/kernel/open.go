package kernel

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sgttomas/solver-ralph-sub008/pkg/artifacts"
	"github.com/sgttomas/solver-ralph-sub008/pkg/config"
	"github.com/sgttomas/solver-ralph-sub008/pkg/database"
	"github.com/sgttomas/solver-ralph-sub008/pkg/graph"
	"github.com/sgttomas/solver-ralph-sub008/pkg/observability"
	"github.com/sgttomas/solver-ralph-sub008/pkg/outbox"
	"github.com/sgttomas/solver-ralph-sub008/pkg/projection"
	"github.com/sgttomas/solver-ralph-sub008/pkg/store"
)

// Open builds a kernel from configuration. SQLite databases are migrated
// on open; Postgres expects the migrate command to have run. The returned
// func releases everything Open acquired.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Kernel, func() error, error) {
	if logger == nil {
		logger = slog.Default()
	}
	reg, err := NewRegistry()
	if err != nil {
		return nil, nil, err
	}

	var closers []func() error
	closeAll := func() error {
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			errs = append(errs, closers[i]())
		}
		return errors.Join(errs...)
	}
	fail := func(err error) (*Kernel, func() error, error) {
		_ = closeAll()
		return nil, nil, err
	}

	obsCfg := observability.DefaultConfig()
	obsCfg.Enabled = cfg.OTelEnabled
	obsCfg.OTLPEndpoint = cfg.OTelEndpoint
	obs, err := observability.New(ctx, obsCfg)
	if err != nil {
		return fail(fmt.Errorf("observability: %w", err))
	}
	closers = append(closers, func() error { return obs.Shutdown(context.Background()) })

	var (
		st   store.EventStore
		rows projection.RowStore
	)
	switch cfg.StoreDriver {
	case "", "memory":
		st = store.NewMemoryStore(store.WithValidator(reg))
		rows = projection.NewMemoryRowStore()
	default:
		dialect, err := database.ParseDialect(cfg.StoreDriver)
		if err != nil {
			return fail(err)
		}
		db, err := database.Open(dialect, cfg.DSN())
		if err != nil {
			return fail(err)
		}
		closers = append(closers, db.Close)
		if dialect == database.SQLite {
			if err := database.Migrate(ctx, db, dialect); err != nil {
				return fail(err)
			}
		}
		st = store.NewSQLStore(db, dialect, store.WithValidator(reg))
		rows = projection.NewSQLRowStore(db, dialect)
	}

	blobs, err := artifacts.NewStoreFromEnv(ctx)
	if err != nil {
		return fail(fmt.Errorf("artifact store: %w", err))
	}
	profiles, err := config.LoadProfiles(cfg.ProfilesPath, cfg.DefaultProfile)
	if err != nil {
		return fail(err)
	}

	var transport outbox.Transport = outbox.LogTransport{Logger: logger.With("component", "outbox")}
	if cfg.RedisAddr != "" {
		rt := outbox.NewRedisTransport(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, 0)
		closers = append(closers, rt.Close)
		transport = rt
	}

	k, err := New(st,
		WithRowStore(rows),
		WithGraphLimits(graph.Limits{MaxDepth: cfg.GraphMaxDepth, MaxFanout: cfg.GraphMaxFanout}),
		WithArtifactStore(blobs),
		WithProfiles(profiles),
		WithLogger(logger),
		WithObservability(obs),
		WithProjectionOptions(
			projection.WithBatchSize(cfg.ProjectionBatchSize),
			projection.WithPollInterval(cfg.ProjectionPollInterval),
		),
		WithTransport(transport,
			outbox.WithBatchSize(cfg.OutboxBatchSize),
			outbox.WithPollInterval(cfg.OutboxPollInterval),
			outbox.WithRateLimit(cfg.OutboxRateLimit),
			outbox.WithBackoff(outbox.BackoffPolicy{
				BaseMs:      cfg.OutboxBackoffBase,
				MaxMs:       cfg.OutboxBackoffMax,
				MaxJitterMs: cfg.OutboxMaxJitter,
			}),
		),
	)
	if err != nil {
		return fail(err)
	}
	logger.InfoContext(ctx, "kernel opened", "store", cfg.StoreDriver, "profiles", profiles.Names())
	return k, closeAll, nil
}

// MigrateDatabase applies schema migrations for a SQL store driver.
func MigrateDatabase(ctx context.Context, cfg *config.Config) error {
	dialect, err := database.ParseDialect(cfg.StoreDriver)
	if err != nil {
		return err
	}
	db, err := database.Open(dialect, cfg.DSN())
	if err != nil {
		return err
	}
	defer func(db *sql.DB) { _ = db.Close() }(db)
	return database.Migrate(ctx, db, dialect)
}
