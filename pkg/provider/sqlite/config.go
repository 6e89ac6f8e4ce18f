package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

var ErrFailedToOpenDB = errors.New("sqlite: failed to open database")

// Config holds the SQLite database location for a single-host deployment.
type Config struct {
	Path            string        `env:"SQLITE_PATH" envDefault:"clustertasks.db" yaml:"path"`
	MigrationsTable string        `env:"SQLITE_MIGRATIONS_TABLE" envDefault:"cts_schema_history" yaml:"migrations_table"`
	BusyTimeout     time.Duration `env:"SQLITE_BUSY_TIMEOUT" envDefault:"5s" yaml:"busy_timeout"`
}

// Open opens the database file in WAL mode. Write transactions start
// immediately so processes sharing the file serialize their claims, and the
// pool is limited to one connection.
func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	dsn := fmt.Sprintf(
		"file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_txlock=immediate",
		cfg.Path, busy.Milliseconds(),
	)

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Join(ErrFailedToOpenDB, err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, errors.Join(ErrFailedToOpenDB, err)
	}
	return sqlDB, nil
}
