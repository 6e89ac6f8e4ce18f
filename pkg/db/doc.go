// Package db holds the relational plumbing shared by the SQL storage providers.
//
// It wraps [github.com/jackc/pgx/v5/pgxpool] for PostgreSQL pools and
// [github.com/pressly/goose/v3] for schema provisioning of every supported
// dialect.
//
// # Configuration
//
// [Config] is populated from environment variables:
//
//	DATABASE_CONN_URL           - PostgreSQL connection URL
//	DATABASE_MIGRATIONS_TABLE   - Schema history table (default: cts_schema_history)
//	DATABASE_MAX_OPEN_CONNS     - Maximum open connections (default: 10)
//	DATABASE_MIN_CONNS          - Minimum idle connections (default: 2)
//	DATABASE_HEALTHCHECK_PERIOD - Health check interval (default: 1m)
//	DATABASE_MAX_CONN_IDLE_TIME - Maximum connection idle time (default: 10m)
//	DATABASE_MAX_CONN_LIFETIME  - Maximum connection lifetime (default: 30m)
//	DATABASE_RETRY_ATTEMPTS     - Connection retry attempts (default: 3)
//	DATABASE_RETRY_INTERVAL     - Base retry interval (default: 5s)
//
// # Usage
//
//	pool, err := db.Connect(ctx, cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer pool.Close()
//
//	err = db.WithTx(ctx, pool, func(tx pgx.Tx) error {
//		_, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(42)")
//		return err
//	})
//
// # Migrations
//
// [Migrate] runs embedded goose migrations against any *sql.DB; [MigratePool]
// bridges a pgx pool through [github.com/jackc/pgx/v5/stdlib]:
//
//	//go:embed migrations/*.sql
//	var migrations embed.FS
//
//	sub, _ := fs.Sub(migrations, "migrations")
//	err := db.MigratePool(ctx, pool, sub, "cts_schema_history", logger)
//
// # Error Handling
//
//   - [ErrFailedToParseDBConfig] - Invalid connection string format
//   - [ErrFailedToOpenDBConnection] - Connection failed after all retries
//   - [ErrHealthcheckFailed] - Database ping failed
//   - [ErrSetDialect] - Migration dialect configuration error
//   - [ErrApplyMigrations] - Migration execution failed
//
// Errors are wrapped using [errors.Join] to preserve the original error context.
package db
