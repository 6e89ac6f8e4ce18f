package db

import "errors"

// Connection errors.
var (
	ErrFailedToParseDBConfig    = errors.New("db: failed to parse database configuration")
	ErrFailedToOpenDBConnection = errors.New("db: failed to open database connection")
	ErrHealthcheckFailed        = errors.New("db: healthcheck failed")
)

// Schema provisioning errors.
var (
	ErrSetDialect      = errors.New("db: unsupported migration dialect")
	ErrApplyMigrations = errors.New("db: failed to provision the task schema")
)
