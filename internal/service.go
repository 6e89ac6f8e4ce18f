package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/clustertasks/pkg/health"
	"github.com/dmitrymomot/clustertasks/pkg/id"
	"github.com/dmitrymomot/clustertasks/pkg/logger"
	"github.com/dmitrymomot/clustertasks/pkg/processor"
	"github.com/dmitrymomot/clustertasks/pkg/provider"
)

type namedProvider struct {
	p    provider.Provider
	kind provider.Kind
}

// Service is one node of the task cluster. It owns the processor registry,
// the dispatch and maintenance loops and the configured storage providers.
// Configuration is done via New; Start and Stop drive the lifecycle.
type Service struct {
	log         *slog.Logger
	observer    Observer
	configReady <-chan error
	newKey      func() string
	registry    *Registry
	dispatcher  *Dispatcher
	maintainer  *Maintainer
	cancel      context.CancelFunc
	initErr     error
	done        chan struct{}
	instanceID  string
	providers   []namedProvider
	candidates  []processor.Processor

	pollInterval      time.Duration
	gcInterval        time.Duration
	bootstrapPause    time.Duration
	bootstrapAttempts int
	failurePolicy     FailurePolicy

	loops     sync.WaitGroup
	bootstrap sync.WaitGroup
	mu        sync.Mutex
	state     atomic.Int32
}

// New creates a service with the given options. Nothing touches storage
// until Start is called.
//
// Example:
//
//	svc := clustertasks.New(
//	    clustertasks.WithLogger(log),
//	    clustertasks.WithProvider(provider.KindDB, store),
//	    clustertasks.WithProcessors(
//	        processor.New("send_report", sendReport, processor.WithConcurrency(4)),
//	        processor.NewScheduled("purge_sessions", 10*time.Minute, purgeSessions),
//	    ),
//	)
func New(opts ...Option) *Service {
	s := &Service{
		log:               logger.NewNope(),
		observer:          nopObserver{},
		newKey:            uuid.NewString,
		instanceID:        id.NewULID(),
		done:              make(chan struct{}),
		bootstrapAttempts: DefaultBootstrapAttempts,
		bootstrapPause:    DefaultBootstrapPause,
	}

	for _, opt := range opts {
		opt(s)
	}

	s.log = s.log.With(slog.String("node_id", s.instanceID))
	s.pollInterval = normalizeInterval(s.pollInterval, MinPollInterval, DefaultPollInterval)
	s.gcInterval = normalizeInterval(s.gcInterval, MinGCInterval, DefaultGCInterval)

	return s
}

// InstanceID is the ULID identifying this node in logs and metrics.
func (s *Service) InstanceID() string {
	return s.instanceID
}

// State returns the current lifecycle state.
func (s *Service) State() State {
	return State(s.state.Load())
}

// Readiness reports the outcome of initialization: (false, nil) while it is
// pending, (true, nil) once ready and (false, cause) after a failure.
func (s *Service) Readiness() (bool, error) {
	switch s.State() {
	case StateReady:
		return true, nil
	case StateFailed:
		return false, errors.Join(ErrInitFailed, s.initErr)
	case StateStopped:
		return false, ErrStopped
	default:
		return false, nil
	}
}

// Done is closed once Stop has completed.
func (s *Service) Done() <-chan struct{} {
	return s.done
}

// Start initializes the service and blocks until it is READY or FAILED.
//
// With WithConfigReady the service first waits in AWAITING_CONFIG for the
// host signal or for ctx to end. Initialization then migrates the schema of
// providers that provision their own, checks every provider is ready, builds
// the processor registry and starts both control loops. Scheduled task
// bootstrap runs in the background once the service is READY.
//
// A failed start is terminal: every later submission is rejected with ErrInitFailed.
func (s *Service) Start(ctx context.Context) error {
	first := StateInitializing
	if s.configReady != nil {
		first = StateAwaitingConfig
	}
	if !s.state.CompareAndSwap(int32(StateUninitialized), int32(first)) {
		return ErrAlreadyStarted
	}

	if s.configReady != nil {
		s.log.InfoContext(ctx, "awaiting host configuration")
		select {
		case err, ok := <-s.configReady:
			if ok && err != nil {
				return s.fail(ctx, errors.Join(ErrConfigFailed, err))
			}
		case <-ctx.Done():
			return s.fail(ctx, errors.Join(ErrConfigFailed, ctx.Err()))
		}
		s.state.Store(int32(StateInitializing))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.initialize(ctx); err != nil {
		return s.fail(ctx, err)
	}

	runCtx, cancel := context.WithCancel(logger.WithNodeID(context.WithoutCancel(ctx), s.instanceID))
	s.cancel = cancel

	s.loops.Add(2)
	go s.loop(runCtx, s.pollInterval, s.dispatcher.Tick)
	go s.loop(runCtx, s.gcInterval, s.maintainer.Tick)

	s.state.Store(int32(StateReady))
	s.log.InfoContext(ctx, "task service ready",
		slog.Int("processors", s.registry.Len()),
		slog.Int("providers", len(s.providers)),
		slog.Duration("poll_interval", s.pollInterval),
		slog.Duration("gc_interval", s.gcInterval),
	)

	if len(s.registry.Recurring()) > 0 {
		s.bootstrap.Add(1)
		go func() {
			defer s.bootstrap.Done()
			s.bootstrapScheduled(runCtx)
		}()
	}

	return nil
}

func (s *Service) initialize(ctx context.Context) error {
	if len(s.providers) == 0 {
		return ErrNoProvider
	}

	for _, np := range s.providers {
		if m, ok := np.p.(provider.Migrator); ok {
			if err := m.Migrate(ctx); err != nil {
				return errors.Join(ErrMigrateFailed, fmt.Errorf("%s: %w", np.kind, err))
			}
		}
		if !np.p.Ready(ctx) {
			return fmt.Errorf("%w: %s", ErrProviderDown, np.kind)
		}
	}

	registry, rejected := NewRegistry(s.log, s.candidates...)
	if len(rejected) > 0 {
		s.log.WarnContext(ctx, "some processors were not registered",
			slog.Int("rejected", len(rejected)),
			slog.Int("registered", registry.Len()),
		)
	}
	s.registry = registry

	workerCtx := logger.WithNodeID(context.WithoutCancel(ctx), s.instanceID)
	s.dispatcher = newDispatcher(workerCtx, s.log, s.observer, s.providers, registry, s.failurePolicy)
	s.maintainer = newMaintainer(s.log, s.observer, s.providers, registry)

	return nil
}

func (s *Service) fail(ctx context.Context, err error) error {
	s.initErr = err
	s.state.Store(int32(StateFailed))
	s.log.ErrorContext(ctx, "task service initialization failed", slog.Any("error", err))
	return err
}

func (s *Service) loop(ctx context.Context, every time.Duration, tick func(context.Context) error) {
	defer s.loops.Done()

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Ticks log their own failures and retry on the next tick.
			_ = tick(ctx)
		}
	}
}

// Stop stops claiming, waits for in-flight tasks until ctx ends and closes
// the providers. Tasks still running when ctx ends are left RUNNING and are
// recovered as stale by another node.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.State() {
	case StateReady, StateFailed:
	case StateUninitialized, StateStopped:
		return ErrNotStarted
	default:
		return ErrNotReady
	}
	s.state.Store(int32(StateStopped))

	if s.dispatcher != nil {
		s.dispatcher.stop()
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.loops.Wait()

	drained := make(chan struct{})
	go func() {
		s.bootstrap.Wait()
		if s.dispatcher != nil {
			s.dispatcher.wait()
		}
		close(drained)
	}()

	var errs []error
	select {
	case <-drained:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("clustertasks: drain workers: %w", ctx.Err()))
	}

	for _, np := range s.providers {
		if err := np.p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("clustertasks: close %s provider: %w", np.kind, err))
		}
	}

	close(s.done)

	if err := errors.Join(errs...); err != nil {
		s.log.ErrorContext(ctx, "task service stopped with errors", slog.Any("error", err))
		return err
	}
	s.log.InfoContext(ctx, "task service stopped")
	return nil
}

// Shutdown returns a shutdown hook for Run.
func (s *Service) Shutdown() func(context.Context) error {
	return s.Stop
}

// Healthcheck returns a check that fails unless the service is READY and
// every provider reports ready.
//
// Example:
//
//	health.ReadinessHandler(health.Checks{"tasks": svc.Healthcheck()})
func (s *Service) Healthcheck() health.CheckFunc {
	return func(ctx context.Context) error {
		if err := s.checkReady(); err != nil {
			return err
		}
		for _, np := range s.providers {
			if !np.p.Ready(ctx) {
				return fmt.Errorf("%w: %s", ErrProviderDown, np.kind)
			}
		}
		return nil
	}
}

func (s *Service) checkReady() error {
	switch s.State() {
	case StateReady:
		return nil
	case StateFailed:
		return errors.Join(ErrInitFailed, s.initErr)
	case StateStopped:
		return ErrStopped
	default:
		return ErrNotReady
	}
}

func (s *Service) providerFor(kind provider.Kind) (namedProvider, error) {
	if kind == "" {
		return namedProvider{}, ErrUnknownProviderKind
	}
	for _, np := range s.providers {
		if np.kind == kind {
			return np, nil
		}
	}
	return namedProvider{}, fmt.Errorf("%w: %s", ErrUnknownProviderKind, kind)
}

// scheduledProvider holds the singleton scheduled tasks: the first configured one.
func (s *Service) scheduledProvider() namedProvider {
	return s.providers[0]
}
