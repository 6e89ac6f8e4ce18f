package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

// Goose dialect names understood by Migrate.
const (
	DialectPostgres = "postgres"
	DialectMySQL    = "mysql"
	DialectSQLite   = "sqlite3"
)

// DefaultMigrationsTable keeps the schema history when no table is configured.
const DefaultMigrationsTable = "cts_schema_history"

// goose keeps its settings in package globals, so runs are serialized.
var migrateMu sync.Mutex

// Migrate applies every migration found at the root of migrations to db.
// The migration history is kept in migrationTable, DefaultMigrationsTable if empty.
func Migrate(ctx context.Context, db *sql.DB, dialect string, migrations fs.FS, migrationTable string, log *slog.Logger) error {
	migrateMu.Lock()
	defer migrateMu.Unlock()

	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	if migrationTable == "" {
		migrationTable = DefaultMigrationsTable
	}

	goose.SetBaseFS(migrations)
	goose.SetLogger(&gooseLoggerAdapter{log})
	goose.SetTableName(migrationTable)

	if err := goose.SetDialect(dialect); err != nil {
		return errors.Join(ErrSetDialect, err)
	}

	if err := goose.UpContext(ctx, db, "."); err != nil {
		return errors.Join(ErrApplyMigrations, err)
	}

	return nil
}

// MigratePool runs Migrate against a pgx pool.
func MigratePool(ctx context.Context, pool *pgxpool.Pool, migrations fs.FS, migrationTable string, log *slog.Logger) error {
	// The wrapper shares the pool's connections, so it is not closed here.
	return Migrate(ctx, stdlib.OpenDBFromPool(pool), DialectPostgres, migrations, migrationTable, log)
}

type gooseLoggerAdapter struct {
	log *slog.Logger
}

func (g *gooseLoggerAdapter) Printf(format string, args ...any) {
	g.log.Info(fmt.Sprintf(format, args...))
}

func (g *gooseLoggerAdapter) Fatalf(format string, args ...any) {
	// goose returns the error as well, so logging is enough here.
	g.log.Error(fmt.Sprintf(format, args...))
}
