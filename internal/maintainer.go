package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Maintainer is the node side of the maintenance loop: it re-arms scheduled
// tasks that lost their successor, then lets every provider collect garbage
// and recover stale tasks.
type Maintainer struct {
	log       *slog.Logger
	observer  Observer
	registry  *Registry
	providers []namedProvider
}

func newMaintainer(log *slog.Logger, obs Observer, providers []namedProvider, r *Registry) *Maintainer {
	return &Maintainer{
		log:       log,
		observer:  obs,
		registry:  r,
		providers: providers,
	}
}

// Tick runs one maintenance pass. Each step runs even if an earlier one failed.
func (m *Maintainer) Tick(ctx context.Context) error {
	start := time.Now()
	types := m.registry.RecurringTypes()

	var errs []error
	for _, np := range m.providers {
		if len(types) > 0 {
			if err := m.reschedule(ctx, np, types); err != nil {
				errs = append(errs, fmt.Errorf("%s: reschedule: %w", np.kind, err))
			}
		}
		if err := np.p.SweepGarbageAndStale(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: sweep: %w", np.kind, err))
		}
	}

	err := errors.Join(errs...)
	if err != nil {
		m.log.ErrorContext(ctx, "maintenance tick failed", slog.Any("error", err))
	}
	m.observer.TickCompleted("maintenance", time.Since(start), err)
	return err
}

func (m *Maintainer) reschedule(ctx context.Context, np namedProvider, types []string) error {
	candidates, err := np.p.ScheduledCandidates(ctx, types...)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		return nil
	}

	for _, c := range candidates {
		m.log.DebugContext(ctx, "re-arming scheduled task",
			slog.String("processor_type", c.ProcessorType),
			slog.Int64("previous_id", c.ID),
		)
	}
	return np.p.ReinsertScheduled(ctx, candidates...)
}
