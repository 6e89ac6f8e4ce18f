package internal

import (
	"log/slog"
	"time"

	"github.com/dmitrymomot/clustertasks/pkg/processor"
	"github.com/dmitrymomot/clustertasks/pkg/provider"
)

// Control loop intervals. Values below the minimum are raised to it so a
// misconfigured node cannot hammer the shared store.
const (
	MinPollInterval     = 703 * time.Millisecond
	DefaultPollInterval = 1023 * time.Millisecond
	MinGCInterval       = 7131 * time.Millisecond
	DefaultGCInterval   = 13039 * time.Millisecond
)

// Scheduled task bootstrap retries failed inserts this many times, pausing in between.
const (
	DefaultBootstrapAttempts = 20
	DefaultBootstrapPause    = 3 * time.Second
)

// Option configures the service.
type Option func(*Service)

// WithLogger sets the service logger. The node instance id is added to it.
// If nil, logging is disabled.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

// WithInstanceID overrides the generated node instance id, e.g. to share it
// with metrics labels created before the service.
func WithInstanceID(id string) Option {
	return func(s *Service) {
		if id != "" {
			s.instanceID = id
		}
	}
}

// WithProvider routes submissions of kind to p.
// The first configured provider also holds the scheduled tasks.
//
// Example:
//
//	clustertasks.New(
//	    clustertasks.WithProvider(provider.KindDB, store),
//	)
func WithProvider(kind provider.Kind, p provider.Provider) Option {
	return func(s *Service) {
		if kind == "" || p == nil {
			return
		}
		for i := range s.providers {
			if s.providers[i].kind == kind {
				s.providers[i].p = p
				return
			}
		}
		s.providers = append(s.providers, namedProvider{kind: kind, p: p})
	}
}

// WithProcessors adds processor candidates. They are validated when the
// service starts; invalid ones are logged and skipped.
func WithProcessors(ps ...processor.Processor) Option {
	return func(s *Service) {
		s.candidates = append(s.candidates, ps...)
	}
}

// WithPollInterval sets how often the dispatch loop claims tasks.
// Zero means DefaultPollInterval; values below MinPollInterval are raised to it.
func WithPollInterval(d time.Duration) Option {
	return func(s *Service) {
		s.pollInterval = d
	}
}

// WithGCInterval sets how often the maintenance loop runs.
// Zero means DefaultGCInterval; values below MinGCInterval are raised to it.
func WithGCInterval(d time.Duration) Option {
	return func(s *Service) {
		s.gcInterval = d
	}
}

// WithConfigReady delays initialization until the host reports on ch.
// Receiving nil, or ch being closed, means the configuration is ready;
// a non-nil error moves the service to FAILED.
//
// Example:
//
//	ready := make(chan error, 1)
//	svc := clustertasks.New(clustertasks.WithConfigReady(ready), ...)
//	go svc.Start(ctx)
//	// later, once secrets are loaded
//	ready <- nil
func WithConfigReady(ch <-chan error) Option {
	return func(s *Service) {
		s.configReady = ch
	}
}

// WithObserver receives enqueue, claim, finish and tick events.
func WithObserver(o Observer) Option {
	return func(s *Service) {
		if o != nil {
			s.observer = o
		}
	}
}

// WithFailurePolicy decides what happens to tasks whose processor fails.
// Defaults to FailureFinish.
func WithFailurePolicy(p FailurePolicy) Option {
	return func(s *Service) {
		s.failurePolicy = p
	}
}

func withBootstrapRetry(attempts int, pause time.Duration) Option {
	return func(s *Service) {
		s.bootstrapAttempts = attempts
		s.bootstrapPause = pause
	}
}

func withKeyGenerator(fn func() string) Option {
	return func(s *Service) {
		s.newKey = fn
	}
}

func normalizeInterval(d, floor, def time.Duration) time.Duration {
	if d == 0 {
		return def
	}
	return max(d, floor)
}
