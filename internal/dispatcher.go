package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/dmitrymomot/clustertasks/pkg/logger"
	"github.com/dmitrymomot/clustertasks/pkg/processor"
	"github.com/dmitrymomot/clustertasks/pkg/provider"
	"github.com/dmitrymomot/clustertasks/pkg/task"
)

// slowProbe is how long an Enabled probe may take before it is reported.
const slowProbe = 5 * time.Millisecond

// pool bounds the tasks of one processor type running on this node.
type pool struct {
	proc     processor.Processor
	sem      *semaphore.Weighted
	size     int64
	running  atomic.Int64
	lastTake atomic.Int64
}

// Dispatcher is the node side of the dispatch loop. Each tick it asks every
// provider to claim tasks for the spare capacity of the worker pools and runs
// the claimed tasks.
type Dispatcher struct {
	workerCtx context.Context
	log       *slog.Logger
	observer  Observer
	now       func() time.Time
	pools     map[string]*pool
	providers []namedProvider
	types     []string
	wg        sync.WaitGroup
	policy    FailurePolicy
	stopping  atomic.Bool
}

func newDispatcher(workerCtx context.Context, log *slog.Logger, obs Observer, providers []namedProvider, r *Registry, policy FailurePolicy) *Dispatcher {
	d := &Dispatcher{
		workerCtx: workerCtx,
		log:       log,
		observer:  obs,
		now:       time.Now,
		pools:     make(map[string]*pool, r.Len()),
		providers: providers,
		types:     r.Types(),
		policy:    policy,
	}
	for _, typ := range d.types {
		p, _ := r.Get(typ)
		size := int64(p.Concurrency())
		d.pools[typ] = &pool{proc: p, sem: semaphore.NewWeighted(size), size: size}
	}
	return d
}

// Tick runs one claim round against every provider. Failures are logged and
// returned; the next tick simply tries again.
func (d *Dispatcher) Tick(ctx context.Context) error {
	start := time.Now()

	var errs []error
	for _, np := range d.providers {
		if err := np.p.ClaimAndDispatch(ctx, claimTarget{d: d, np: np}); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", np.kind, err))
		}
	}

	err := errors.Join(errs...)
	if err != nil {
		d.log.ErrorContext(ctx, "dispatch tick failed", slog.Any("error", err))
	}
	d.observer.TickCompleted("dispatch", time.Since(start), err)
	return err
}

// Capacity returns the free slots per processor type. Disabled processors
// and processors still inside their take interval report none.
func (d *Dispatcher) Capacity() map[string]int {
	if d.stopping.Load() {
		return nil
	}

	out := make(map[string]int, len(d.types))
	for _, typ := range d.types {
		pl := d.pools[typ]
		free := pl.size - pl.running.Load()
		if free <= 0 || !d.enabled(pl.proc) {
			continue
		}
		if ti, ok := pl.proc.(processor.TakeIntervaler); ok && ti.TakeInterval() > 0 {
			last := pl.lastTake.Load()
			if last != 0 && d.now().Sub(time.Unix(0, last)) < ti.TakeInterval() {
				continue
			}
			free = 1
		}
		out[typ] = int(free)
	}
	return out
}

func (d *Dispatcher) enabled(p processor.Processor) bool {
	e, ok := p.(processor.Enabler)
	if !ok {
		return true
	}
	start := time.Now()
	enabled := e.Enabled()
	if took := time.Since(start); took > slowProbe {
		d.log.Warn("slow processor enablement probe",
			slog.String("processor_type", p.Type()),
			slog.Duration("took", took),
		)
	}
	return enabled
}

// claimTarget binds claimed tasks to the provider that claimed them, so the
// worker loads bodies from and finishes tasks on the right store.
type claimTarget struct {
	d  *Dispatcher
	np namedProvider
}

func (c claimTarget) Capacity() map[string]int { return c.d.Capacity() }

func (c claimTarget) Dispatch(t task.Task) { c.d.dispatch(c.np, t) }

func (d *Dispatcher) dispatch(np namedProvider, t task.Task) {
	pl, ok := d.pools[t.ProcessorType]
	if !ok {
		// The row stays RUNNING and is recovered once its budget elapses.
		d.log.Error("claimed task has no local processor",
			slog.String("processor_type", t.ProcessorType),
			slog.Int64("task_id", t.ID),
		)
		return
	}

	pl.running.Add(1)
	pl.lastTake.Store(d.now().UnixNano())
	d.observer.TaskClaimed(t.ProcessorType)

	d.wg.Add(1)
	go d.work(pl, np, t)
}

func (d *Dispatcher) work(pl *pool, np namedProvider, t task.Task) {
	defer d.wg.Done()
	defer pl.running.Add(-1)

	ctx := logger.WithProcessorType(logger.WithTaskID(d.workerCtx, t.ID), t.ProcessorType)
	if err := pl.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer pl.sem.Release(1)

	start := time.Now()
	err := d.process(ctx, pl.proc, np.p, t)
	d.observer.TaskFinished(t.ProcessorType, time.Since(start), err)

	if err != nil {
		d.log.ErrorContext(ctx, "task processing failed",
			slog.Int64("task_id", t.ID),
			slog.String("processor_type", t.ProcessorType),
			slog.String("failure_policy", d.policy.String()),
			slog.Any("error", err),
		)
		if d.policy == FailureLeaveRunning {
			return
		}
	}

	if err := np.p.MarkFinished(ctx, t.ID); err != nil {
		d.log.ErrorContext(ctx, "failed to mark task finished",
			slog.Int64("task_id", t.ID),
			slog.Any("error", err),
		)
		return
	}

	if t.Type == task.TypeScheduled {
		if err := np.p.ReinsertScheduled(ctx, t); err != nil {
			d.log.WarnContext(ctx, "failed to re-arm scheduled task, maintenance will retry",
				slog.String("processor_type", t.ProcessorType),
				slog.Any("error", err),
			)
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, p processor.Processor, prov provider.Provider, t task.Task) (err error) {
	if t.HasBody && t.Body == "" {
		body, err := prov.RetrieveBody(ctx, t.ID, t.PartitionIndex)
		if err != nil {
			return fmt.Errorf("retrieve body: %w", err)
		}
		t.Body = body
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrProcessorPanic, r)
		}
	}()

	return p.Process(ctx, t)
}

func (d *Dispatcher) stop() {
	d.stopping.Store(true)
}

func (d *Dispatcher) wait() {
	d.wg.Wait()
}
