package internal

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/dmitrymomot/clustertasks/pkg/processor"
	"github.com/dmitrymomot/clustertasks/pkg/task"
)

// MaxProcessors is the largest number of processors one service accepts.
const MaxProcessors = 500

// Registry maps processor types to processors. It is built once at startup
// and never changes afterwards.
type Registry struct {
	byType map[string]processor.Processor
	types  []string
}

// NewRegistry validates candidates one by one. Invalid, duplicate or excess
// candidates are logged, excluded and reported in the returned slice; the
// remaining ones are registered.
func NewRegistry(log *slog.Logger, candidates ...processor.Processor) (*Registry, []error) {
	r := &Registry{byType: make(map[string]processor.Processor, len(candidates))}

	var rejected []error
	for i, p := range candidates {
		if err := r.validate(p); err != nil {
			name := ""
			if p != nil {
				name = p.Type()
			}
			log.Warn("processor rejected",
				slog.Int("position", i),
				slog.String("processor_type", name),
				slog.Any("error", err),
			)
			rejected = append(rejected, err)
			continue
		}
		r.byType[p.Type()] = p
		r.types = append(r.types, p.Type())
	}
	slices.Sort(r.types)

	return r, rejected
}

func (r *Registry) validate(p processor.Processor) error {
	if p == nil {
		return ErrNilProcessor
	}
	typ := p.Type()
	if err := task.ValidateProcessorType(typ); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidProcessorType, err)
	}
	if _, ok := r.byType[typ]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateProcessor, typ)
	}
	if p.Concurrency() < 1 {
		return fmt.Errorf("%w: %s", ErrInvalidConcurrency, typ)
	}
	if len(r.byType) >= MaxProcessors {
		return fmt.Errorf("%w: %s", ErrTooManyProcessors, typ)
	}
	return nil
}

// Get returns the processor registered for typ.
func (r *Registry) Get(typ string) (processor.Processor, bool) {
	p, ok := r.byType[typ]
	return p, ok
}

// Types returns the registered processor types in sorted order.
func (r *Registry) Types() []string {
	return slices.Clone(r.types)
}

// Recurring returns the recurring processors in type order.
func (r *Registry) Recurring() []processor.Recurring {
	var out []processor.Recurring
	for _, typ := range r.types {
		if rec, ok := r.byType[typ].(processor.Recurring); ok {
			out = append(out, rec)
		}
	}
	return out
}

// RecurringTypes returns the types of the recurring processors.
func (r *Registry) RecurringTypes() []string {
	rec := r.Recurring()
	out := make([]string, len(rec))
	for i, p := range rec {
		out[i] = p.Type()
	}
	return out
}

func (r *Registry) Len() int {
	return len(r.types)
}
