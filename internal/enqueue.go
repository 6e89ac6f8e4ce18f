package internal

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dmitrymomot/clustertasks/pkg/provider"
	"github.com/dmitrymomot/clustertasks/pkg/task"
)

// Enqueue submits tasks of processorType to the provider of kind and returns
// one result per task, in order.
//
// It is rejected before reaching storage when the service is not READY, the
// kind is unknown, the processor type is invalid, tasks is empty or any task
// is nil. A uniqueness collision is a PersistUniqueConstraint result, not an error.
//
// Example:
//
//	results, err := svc.Enqueue(ctx, provider.KindDB, "send_report",
//	    task.New(`{"account_id":"42"}`).WithConcurrencyKey("account:42"),
//	)
func (s *Service) Enqueue(ctx context.Context, kind provider.Kind, processorType string, tasks ...*task.ClusterTask) ([]task.PersistenceResult, error) {
	if err := s.checkReady(); err != nil {
		return nil, err
	}
	np, err := s.providerFor(kind)
	if err != nil {
		return nil, err
	}
	if err := task.ValidateProcessorType(processorType); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidProcessorType, err)
	}
	if len(tasks) == 0 {
		return nil, ErrNoTasks
	}
	for i, ct := range tasks {
		if ct == nil {
			return nil, fmt.Errorf("%w at position %d", ErrNilTask, i)
		}
	}

	converted := make([]task.Task, len(tasks))
	for i, ct := range tasks {
		converted[i] = s.convert(ctx, processorType, ct)
	}

	results := np.p.StoreTasks(ctx, converted...)
	for _, r := range results {
		s.observer.TaskEnqueued(processorType, r.Status)
	}
	return results, nil
}

// convert builds the persisted form of a submitted task. A uniqueness key
// doubles as the concurrency key; tasks without one get a random key so the
// unique index never treats them as duplicates.
func (s *Service) convert(ctx context.Context, processorType string, ct *task.ClusterTask) task.Task {
	t := task.Task{
		ProcessorType: processorType,
		Type:          task.TypeRegular,
		Body:          ct.Body,
		Delay:         max(ct.Delay, 0),
		MaxTimeToRun:  ct.MaxTimeToRun,
	}
	if t.MaxTimeToRun <= 0 {
		t.MaxTimeToRun = task.DefaultMaxTimeToRun
	}

	if ct.UniquenessKey != "" {
		if ct.ConcurrencyKey != "" && ct.ConcurrencyKey != ct.UniquenessKey {
			s.log.WarnContext(ctx, "concurrency key ignored, the uniqueness key is used instead",
				slog.String("processor_type", processorType),
				slog.String("uniqueness_key", ct.UniquenessKey),
				slog.String("concurrency_key", ct.ConcurrencyKey),
			)
		}
		t.UniquenessKey = ct.UniquenessKey
		t.ConcurrencyKey = ct.UniquenessKey
		return t
	}

	t.UniquenessKey = s.newKey()
	t.ConcurrencyKey = ct.ConcurrencyKey
	return t
}
