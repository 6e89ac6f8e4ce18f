package internal

import (
	"context"
	"fmt"

	"github.com/dmitrymomot/clustertasks/pkg/provider"
	"github.com/dmitrymomot/clustertasks/pkg/task"
)

// CountTasks returns how many tasks of processorType are stored in the
// provider of kind, narrowed to statuses when any are given. It is meant for
// diagnostics and tests.
func (s *Service) CountTasks(ctx context.Context, kind provider.Kind, processorType string, statuses ...task.Status) (int, error) {
	return s.count(ctx, kind, provider.CountFilter{ProcessorType: processorType, Statuses: statuses})
}

// CountTasksByKey is CountTasks narrowed to one concurrency key.
func (s *Service) CountTasksByKey(ctx context.Context, kind provider.Kind, processorType, concurrencyKey string, statuses ...task.Status) (int, error) {
	return s.count(ctx, kind, provider.CountFilter{
		ProcessorType:  processorType,
		ConcurrencyKey: concurrencyKey,
		Statuses:       statuses,
	})
}

// CountByStatus returns the number of tasks in status per processor type.
func (s *Service) CountByStatus(ctx context.Context, kind provider.Kind, status task.Status) (map[string]int, error) {
	if err := s.checkReady(); err != nil {
		return nil, err
	}
	np, err := s.providerFor(kind)
	if err != nil {
		return nil, err
	}
	if !status.Valid() {
		return nil, fmt.Errorf("clustertasks: invalid status %q", status)
	}
	return np.p.CountByStatus(ctx, status)
}

func (s *Service) count(ctx context.Context, kind provider.Kind, f provider.CountFilter) (int, error) {
	if err := s.checkReady(); err != nil {
		return 0, err
	}
	np, err := s.providerFor(kind)
	if err != nil {
		return 0, err
	}
	if err := task.ValidateProcessorType(f.ProcessorType); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidProcessorType, err)
	}
	return np.p.CountTasks(ctx, f)
}
