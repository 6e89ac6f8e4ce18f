package main

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/dmitrymomot/clustertasks/pkg/blob"
	"github.com/dmitrymomot/clustertasks/pkg/db"
	"github.com/dmitrymomot/clustertasks/pkg/health"
	"github.com/dmitrymomot/clustertasks/pkg/provider"
	"github.com/dmitrymomot/clustertasks/pkg/provider/memory"
	"github.com/dmitrymomot/clustertasks/pkg/provider/mysql"
	"github.com/dmitrymomot/clustertasks/pkg/provider/offload"
	"github.com/dmitrymomot/clustertasks/pkg/provider/postgres"
	"github.com/dmitrymomot/clustertasks/pkg/provider/sqlite"
	"github.com/dmitrymomot/clustertasks/pkg/redis"
)

// backend is the opened storage of a node: the provider handed to the
// service plus the connections behind it.
type backend struct {
	store   provider.Provider
	checks  health.Checks
	closers []func(context.Context) error
}

// openBackend connects to the configured database and, when enabled, wraps
// the provider with body offload. Connections opened before a failure are closed.
func openBackend(ctx context.Context, cfg Config, log *slog.Logger) (*backend, error) {
	b := &backend{checks: health.Checks{}}

	store, err := b.openStore(ctx, cfg, log)
	if err != nil {
		return nil, errors.Join(err, b.shutdown(ctx))
	}

	blobs, err := b.openBlobs(ctx, cfg)
	if err != nil {
		return nil, errors.Join(err, b.shutdown(ctx))
	}
	if blobs != nil {
		store = offload.Wrap(store, blobs, cfg.OffloadThreshold, offload.WithLogger(log))
	}

	b.store = store
	return b, nil
}

func (b *backend) openStore(ctx context.Context, cfg Config, log *slog.Logger) (provider.Provider, error) {
	settings := cfg.settings()

	switch cfg.Backend {
	case backendPostgres:
		pool, err := db.Connect(ctx, cfg.Postgres)
		if err != nil {
			return nil, err
		}
		b.checks[backendPostgres] = db.Healthcheck(pool)
		b.closers = append(b.closers, db.Shutdown(pool))

		return postgres.New(pool,
			postgres.WithSettings(settings),
			postgres.WithLogger(log),
			postgres.WithMigrationsTable(cfg.Postgres.MigrationsTable),
		)

	case backendMySQL:
		gdb, err := mysql.Open(ctx, cfg.MySQL)
		if err != nil {
			return nil, err
		}
		sqlDB, err := gdb.DB()
		if err != nil {
			return nil, err
		}
		b.checks[backendMySQL] = db.SQLHealthcheck(sqlDB)
		b.closers = append(b.closers, db.SQLShutdown(sqlDB))

		return mysql.New(gdb,
			mysql.WithSettings(settings),
			mysql.WithLogger(log),
			mysql.WithMigrationsTable(cfg.MySQL.MigrationsTable),
		)

	case backendSQLite:
		sqlDB, err := sqlite.Open(ctx, cfg.SQLite)
		if err != nil {
			return nil, err
		}
		b.checks[backendSQLite] = db.SQLHealthcheck(sqlDB)
		b.closers = append(b.closers, db.SQLShutdown(sqlDB))

		return sqlite.New(sqlDB,
			sqlite.WithSettings(settings),
			sqlite.WithLogger(log),
			sqlite.WithMigrationsTable(cfg.SQLite.MigrationsTable),
		)

	case backendMemory:
		return memory.New(memory.WithSettings(settings)), nil
	}

	return nil, ErrUnknownBackend
}

func (b *backend) openBlobs(ctx context.Context, cfg Config) (blob.Store, error) {
	switch cfg.Offload {
	case offloadRedis:
		client, err := redis.Open(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		b.checks[offloadRedis] = redis.Healthcheck(client)
		b.closers = append(b.closers, redis.Shutdown(client))
		return blob.NewRedis(client, blob.WithRedisTTL(cfg.OffloadTTL)), nil

	case offloadS3:
		return blob.NewS3(cfg.S3)

	case offloadNone:
		return nil, nil
	}

	return nil, ErrUnknownOffload
}

// shutdown closes every connection in parallel.
func (b *backend) shutdown(ctx context.Context) error {
	var g errgroup.Group
	for _, fn := range b.closers {
		g.Go(func() error { return fn(ctx) })
	}
	return g.Wait()
}
