package mysql

import (
	"context"
	"errors"
	"time"

	driver "github.com/go-sql-driver/mysql"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var (
	ErrFailedToParseDSN      = errors.New("mysql: failed to parse dsn")
	ErrFailedToOpenDB        = errors.New("mysql: failed to open database")
	ErrFailedToConfigurePool = errors.New("mysql: failed to configure pool")
)

// Config holds MySQL connection parameters for a task storage node.
type Config struct {
	// DSN in go-sql-driver format (user:pass@tcp(host:3306)/db).
	// parseTime is always enabled and the location defaults to UTC.
	DSN string `env:"MYSQL_DSN" yaml:"dsn"`

	MigrationsTable string `env:"MYSQL_MIGRATIONS_TABLE" envDefault:"cts_schema_history" yaml:"migrations_table"`

	MaxOpenConns    int           `env:"MYSQL_MAX_OPEN_CONNS" envDefault:"10" yaml:"max_open_conns"`
	MaxIdleConns    int           `env:"MYSQL_MAX_IDLE_CONNS" envDefault:"2" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `env:"MYSQL_CONN_MAX_LIFETIME" envDefault:"30m" yaml:"conn_max_lifetime"`
}

// Open connects to MySQL through gorm and verifies the connection.
func Open(ctx context.Context, cfg Config) (*gorm.DB, error) {
	dsn, err := driver.ParseDSN(cfg.DSN)
	if err != nil {
		return nil, errors.Join(ErrFailedToParseDSN, err)
	}
	dsn.ParseTime = true
	if dsn.Loc == nil {
		dsn.Loc = time.UTC
	}

	gdb, err := gorm.Open(gormmysql.New(gormmysql.Config{DSN: dsn.FormatDSN()}), &gorm.Config{
		Logger:                 gormlogger.Discard,
		SkipDefaultTransaction: true,
		TranslateError:         true,
	})
	if err != nil {
		return nil, errors.Join(ErrFailedToOpenDB, err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, errors.Join(ErrFailedToConfigurePool, err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, errors.Join(ErrFailedToOpenDB, err)
	}
	return gdb, nil
}
