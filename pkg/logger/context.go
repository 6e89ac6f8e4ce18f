package logger

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	taskIDKey ctxKey = iota
	processorTypeKey
	nodeIDKey
)

// WithTaskID stores the id of the task being handled in ctx.
func WithTaskID(ctx context.Context, id int64) context.Context {
	return context.WithValue(ctx, taskIDKey, id)
}

// WithProcessorType stores the processor type of the task being handled in ctx.
func WithProcessorType(ctx context.Context, typ string) context.Context {
	return context.WithValue(ctx, processorTypeKey, typ)
}

// WithNodeID stores the instance id of the local node in ctx.
func WithNodeID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, nodeIDKey, id)
}

// TaskID returns the task id stored by WithTaskID.
func TaskID(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(taskIDKey).(int64)
	return id, ok
}

// ProcessorType returns the processor type stored by WithProcessorType.
func ProcessorType(ctx context.Context) (string, bool) {
	typ, ok := ctx.Value(processorTypeKey).(string)
	return typ, ok && typ != ""
}

// NodeID returns the node id stored by WithNodeID.
func NodeID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(nodeIDKey).(string)
	return id, ok && id != ""
}

// TaskIDExtractor adds task_id to records logged with a task context.
func TaskIDExtractor() ContextExtractor {
	return func(ctx context.Context) (slog.Attr, bool) {
		if id, ok := TaskID(ctx); ok {
			return slog.Int64("task_id", id), true
		}
		return slog.Attr{}, false
	}
}

// ProcessorTypeExtractor adds processor_type to records logged with a task context.
func ProcessorTypeExtractor() ContextExtractor {
	return func(ctx context.Context) (slog.Attr, bool) {
		if typ, ok := ProcessorType(ctx); ok {
			return slog.String("processor_type", typ), true
		}
		return slog.Attr{}, false
	}
}

// NodeIDExtractor adds node_id to records logged with a node context.
func NodeIDExtractor() ContextExtractor {
	return func(ctx context.Context) (slog.Attr, bool) {
		if id, ok := NodeID(ctx); ok {
			return slog.String("node_id", id), true
		}
		return slog.Attr{}, false
	}
}

// TaskExtractors returns the node, processor type and task id extractors.
func TaskExtractors() []ContextExtractor {
	return []ContextExtractor{NodeIDExtractor(), ProcessorTypeExtractor(), TaskIDExtractor()}
}
