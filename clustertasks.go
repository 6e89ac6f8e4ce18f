package clustertasks

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/dmitrymomot/clustertasks/internal"
	"github.com/dmitrymomot/clustertasks/pkg/logger"
	"github.com/dmitrymomot/clustertasks/pkg/processor"
	"github.com/dmitrymomot/clustertasks/pkg/provider"
	"github.com/dmitrymomot/clustertasks/pkg/task"
)

// Type aliases - public API
type (
	// Service is one node of the task cluster.
	Service = internal.Service

	// Option configures the service.
	Option = internal.Option

	// RunOption configures Run.
	RunOption = internal.RunOption

	// State is a step of the service lifecycle.
	State = internal.State

	// FailurePolicy decides what happens to tasks whose processor failed.
	FailurePolicy = internal.FailurePolicy

	// Observer receives enqueue, claim, finish and tick events.
	Observer = internal.Observer

	// ClusterTask is the public submission shape.
	ClusterTask = task.ClusterTask

	// PersistenceResult reports what happened to one submitted task.
	PersistenceResult = task.PersistenceResult

	// Processor handles tasks of a single processor type.
	Processor = processor.Processor

	// ProviderKind selects which configured provider a submission goes to.
	ProviderKind = provider.Kind

	// ContextExtractor extracts a slog attribute from context.
	ContextExtractor = logger.ContextExtractor
)

// Lifecycle states.
const (
	StateUninitialized  = internal.StateUninitialized
	StateAwaitingConfig = internal.StateAwaitingConfig
	StateInitializing   = internal.StateInitializing
	StateReady          = internal.StateReady
	StateFailed         = internal.StateFailed
	StateStopped        = internal.StateStopped
)

// Failure policies.
const (
	FailureFinish       = internal.FailureFinish
	FailureLeaveRunning = internal.FailureLeaveRunning
)

// ParseFailurePolicy maps "finish" and "leave_running" to a policy. Anything else finishes.
func ParseFailurePolicy(s string) FailurePolicy {
	return internal.ParseFailurePolicy(s)
}

// KindDB is the relational-storage provider kind.
const KindDB = provider.KindDB

// Control loop bounds.
const (
	MinPollInterval     = internal.MinPollInterval
	DefaultPollInterval = internal.DefaultPollInterval
	MinGCInterval       = internal.MinGCInterval
	DefaultGCInterval   = internal.DefaultGCInterval
)

// Errors
var (
	ErrNotReady             = internal.ErrNotReady
	ErrInitFailed           = internal.ErrInitFailed
	ErrStopped              = internal.ErrStopped
	ErrNoProvider           = internal.ErrNoProvider
	ErrConfigFailed         = internal.ErrConfigFailed
	ErrUnknownProviderKind  = internal.ErrUnknownProviderKind
	ErrInvalidProcessorType = internal.ErrInvalidProcessorType
	ErrNoTasks              = internal.ErrNoTasks
	ErrNilTask              = internal.ErrNilTask
	ErrUnknownProcessor     = internal.ErrUnknownProcessor
	ErrNotRecurring         = internal.ErrNotRecurring
)

// Constructors

// New creates a service with the given options.
//
// Example:
//
//	svc := clustertasks.New(
//	    clustertasks.WithLogger(log),
//	    clustertasks.WithProvider(clustertasks.KindDB, store),
//	    clustertasks.WithProcessors(
//	        processor.New("send_report", sendReport, processor.WithConcurrency(4)),
//	    ),
//	)
//
//	err := clustertasks.Run(svc, clustertasks.ShutdownHook(db.Shutdown(pool)))
func New(opts ...Option) *Service {
	return internal.New(opts...)
}

// Run starts svc and blocks until SIGINT or SIGTERM, then shuts down gracefully.
func Run(svc *Service, opts ...RunOption) error {
	return internal.Run(svc, opts...)
}

// Service options

// WithLogger sets the service logger.
// If nil, logging is disabled.
func WithLogger(l *slog.Logger) Option {
	return internal.WithLogger(l)
}

// WithComponentLogger creates a JSON logger with a component name and
// optional extractors. Use logger.TaskExtractors to get task attributes on
// records logged by processors through their context.
//
// Example:
//
//	clustertasks.New(
//	    clustertasks.WithComponentLogger("worker", logger.TaskExtractors()...),
//	)
func WithComponentLogger(component string, extractors ...ContextExtractor) Option {
	return internal.WithLogger(logger.New(extractors...).With("component", component))
}

// WithInstanceID overrides the generated ULID node instance id.
func WithInstanceID(id string) Option {
	return internal.WithInstanceID(id)
}

// WithProvider routes submissions of kind to p.
// The first configured provider also holds the scheduled tasks.
func WithProvider(kind ProviderKind, p provider.Provider) Option {
	return internal.WithProvider(kind, p)
}

// WithProcessors adds processors. Invalid ones are logged and skipped at start.
func WithProcessors(ps ...Processor) Option {
	return internal.WithProcessors(ps...)
}

// WithPollInterval sets how often tasks are claimed. Defaults to 1023ms, never below 703ms.
func WithPollInterval(d time.Duration) Option {
	return internal.WithPollInterval(d)
}

// WithGCInterval sets how often maintenance runs. Defaults to 13039ms, never below 7131ms.
func WithGCInterval(d time.Duration) Option {
	return internal.WithGCInterval(d)
}

// WithConfigReady delays initialization until the host reports on ch.
func WithConfigReady(ch <-chan error) Option {
	return internal.WithConfigReady(ch)
}

// WithObserver receives service activity, e.g. a *metrics.Metrics.
func WithObserver(o Observer) Option {
	return internal.WithObserver(o)
}

// WithFailurePolicy decides what happens to tasks whose processor fails.
func WithFailurePolicy(p FailurePolicy) Option {
	return internal.WithFailurePolicy(p)
}

// Run options

// Address sets the HTTP server address. Defaults to ":8080".
func Address(addr string) RunOption {
	return internal.Address(addr)
}

// Handler serves h next to the service.
func Handler(h http.Handler) RunOption {
	return internal.Handler(h)
}

// Logger sets the runtime logger.
func Logger(l *slog.Logger) RunOption {
	return internal.Logger(l)
}

// ShutdownTimeout bounds graceful shutdown. Defaults to 30 seconds.
func ShutdownTimeout(d time.Duration) RunOption {
	return internal.ShutdownTimeout(d)
}

// ShutdownHook registers a cleanup function to run after the service stopped.
func ShutdownHook(fn func(context.Context) error) RunOption {
	return internal.ShutdownHook(fn)
}

// WithContext sets a custom base context for signal handling.
func WithContext(ctx context.Context) RunOption {
	return internal.WithContext(ctx)
}
