package db

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Shutdown returns a function that closes the pool, for use as a shutdown
// hook once the task service has stopped using it.
func Shutdown(pool *pgxpool.Pool) func(ctx context.Context) error {
	return func(context.Context) error {
		pool.Close()
		return nil
	}
}

// Healthcheck returns a closure that pings the pool, compatible with health.CheckFunc.
func Healthcheck(pool *pgxpool.Pool) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if pool == nil {
			return ErrHealthcheckFailed
		}
		return ping(pool.Ping(ctx))
	}
}

// SQLShutdown is Shutdown for the database/sql handles behind the MySQL and
// SQLite providers.
func SQLShutdown(sqlDB *sql.DB) func(ctx context.Context) error {
	return func(context.Context) error {
		return sqlDB.Close()
	}
}

// SQLHealthcheck is Healthcheck for database/sql handles.
func SQLHealthcheck(sqlDB *sql.DB) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if sqlDB == nil {
			return ErrHealthcheckFailed
		}
		return ping(sqlDB.PingContext(ctx))
	}
}

func ping(err error) error {
	if err != nil {
		return errors.Join(ErrHealthcheckFailed, err)
	}
	return nil
}
