package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dmitrymomot/clustertasks/pkg/processor"
	"github.com/dmitrymomot/clustertasks/pkg/task"
)

// bootstrapScheduled makes sure every recurring processor has its singleton
// task. Failures are logged; they do not affect the rest of the service.
func (s *Service) bootstrapScheduled(ctx context.Context) {
	np := s.scheduledProvider()
	for _, rec := range s.registry.Recurring() {
		if err := s.bootstrapOne(ctx, np, rec); err != nil {
			s.log.ErrorContext(ctx, "scheduled task bootstrap gave up",
				slog.String("processor_type", rec.Type()),
				slog.Any("error", err),
			)
		}
	}
}

func (s *Service) bootstrapOne(ctx context.Context, np namedProvider, rec processor.Recurring) error {
	t := scheduledTask(rec)

	var lastErr error
	for attempt := 1; attempt <= s.bootstrapAttempts; attempt++ {
		res := task.Failed(errors.New("provider returned no result"))
		if results := np.p.StoreTasks(ctx, t); len(results) == 1 {
			res = results[0]
		}

		switch res.Status {
		case task.PersistSuccess:
			s.log.InfoContext(ctx, "scheduled task created",
				slog.String("processor_type", t.ProcessorType),
				slog.Int64("task_id", res.ID),
				slog.Duration("interval", t.Interval),
			)
			return nil
		case task.PersistUniqueConstraint:
			// A peer node or an earlier run of this one already created it.
			if f, ok := rec.(processor.IntervalForcer); ok && f.ForceInterval() {
				if err := np.p.SetScheduledInterval(ctx, t.ProcessorType, t.Interval); err != nil {
					return fmt.Errorf("%w: force interval: %w", ErrScheduledBootstrap, err)
				}
			}
			return nil
		}

		lastErr = res.Err
		s.log.WarnContext(ctx, "scheduled task bootstrap attempt failed",
			slog.String("processor_type", t.ProcessorType),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", s.bootstrapAttempts),
			slog.Any("error", res.Err),
		)
		if attempt == s.bootstrapAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return errors.Join(ErrScheduledBootstrap, ctx.Err())
		case <-time.After(s.bootstrapPause):
		}
	}

	return errors.Join(ErrScheduledBootstrap, lastErr)
}

func scheduledTask(rec processor.Recurring) task.Task {
	t := task.Task{
		ProcessorType:  rec.Type(),
		UniquenessKey:  rec.Type(),
		ConcurrencyKey: rec.Type(),
		Type:           task.TypeScheduled,
		Interval:       rec.Interval(),
		MaxTimeToRun:   task.DefaultMaxTimeToRun,
	}
	if b, ok := rec.(processor.Budgeted); ok && b.MaxTimeToRun() > 0 {
		t.MaxTimeToRun = b.MaxTimeToRun()
	}
	return t
}

// Reschedule changes the interval of a recurring processor on this node and
// persists it on the scheduled task. The occurrence already pending or
// running keeps its eligibility time; its successor uses the new interval.
func (s *Service) Reschedule(ctx context.Context, processorType string, interval time.Duration) error {
	if err := s.checkReady(); err != nil {
		return err
	}
	p, ok := s.registry.Get(processorType)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProcessor, processorType)
	}
	rec, ok := p.(processor.Recurring)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRecurring, processorType)
	}

	rec.SetInterval(interval)
	np := s.scheduledProvider()
	if err := np.p.SetScheduledInterval(ctx, processorType, rec.Interval()); err != nil {
		return fmt.Errorf("clustertasks: reschedule %s: %w", processorType, err)
	}

	s.log.InfoContext(ctx, "scheduled task rescheduled",
		slog.String("processor_type", processorType),
		slog.Duration("interval", rec.Interval()),
	)
	return nil
}
