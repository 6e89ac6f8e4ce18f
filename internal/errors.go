package internal

import "errors"

// Lifecycle errors.
var (
	// ErrNotReady rejects calls made before initialization completed.
	ErrNotReady = errors.New("clustertasks: service is not ready")

	// ErrInitFailed rejects calls on a service whose initialization failed.
	// It is joined with the cause.
	ErrInitFailed = errors.New("clustertasks: service initialization failed")

	// ErrStopped rejects calls on a stopped service.
	ErrStopped = errors.New("clustertasks: service stopped")

	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("clustertasks: already started")

	// ErrNotStarted is returned by Stop on a service that was never started.
	ErrNotStarted = errors.New("clustertasks: not started")
)

// Configuration errors.
var (
	ErrNoProvider    = errors.New("clustertasks: no storage provider configured")
	ErrConfigFailed  = errors.New("clustertasks: host configuration failed")
	ErrMigrateFailed = errors.New("clustertasks: schema migration failed")
	ErrProviderDown  = errors.New("clustertasks: storage provider is not ready")
)

// Submission errors.
var (
	ErrUnknownProviderKind  = errors.New("clustertasks: unknown provider kind")
	ErrInvalidProcessorType = errors.New("clustertasks: invalid processor type")
	ErrNoTasks              = errors.New("clustertasks: no tasks to enqueue")
	ErrNilTask              = errors.New("clustertasks: nil task")
)

// Registration errors. Rejected processors are logged and excluded.
var (
	ErrNilProcessor       = errors.New("clustertasks: nil processor")
	ErrDuplicateProcessor = errors.New("clustertasks: duplicate processor type")
	ErrTooManyProcessors  = errors.New("clustertasks: processor registry is full")
	ErrInvalidConcurrency = errors.New("clustertasks: processor concurrency must be positive")
	ErrUnknownProcessor   = errors.New("clustertasks: unknown processor type")
	ErrNotRecurring       = errors.New("clustertasks: processor is not recurring")
	ErrProcessorPanic     = errors.New("clustertasks: processor panicked")
	ErrScheduledBootstrap = errors.New("clustertasks: scheduled task bootstrap failed")
)
