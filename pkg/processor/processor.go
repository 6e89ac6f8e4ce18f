// Package processor defines the processing units the service dispatches tasks to.
//
// Every processor declares a type name and a per-node concurrency level.
// Optional capabilities are expressed as small interfaces checked at
// registration time: [Recurring] for scheduled singletons, [Enabler] to pause
// taking new tasks, [TakeIntervaler] to space out consecutive takes and
// [Budgeted] to give scheduled tasks their own time budget.
package processor

import (
	"context"
	"time"

	"github.com/dmitrymomot/clustertasks/pkg/task"
)

// Processor handles tasks of a single processor type.
type Processor interface {
	Type() string
	// Concurrency is the maximum number of tasks of this type running at once on one node.
	Concurrency() int
	Process(ctx context.Context, t task.Task) error
}

// Recurring processors own a SCHEDULED singleton task re-armed after every run.
type Recurring interface {
	Processor
	Interval() time.Duration
	SetInterval(d time.Duration)
}

// Enabler lets a processor stop taking new tasks without being unregistered.
type Enabler interface {
	Enabled() bool
}

// TakeIntervaler declares a minimal pause between two consecutive takes on a node.
type TakeIntervaler interface {
	TakeInterval() time.Duration
}

// Budgeted overrides the default time budget of system-created tasks.
type Budgeted interface {
	MaxTimeToRun() time.Duration
}

// IntervalForcer asks bootstrap to overwrite a persisted interval with the configured one.
type IntervalForcer interface {
	ForceInterval() bool
}

// HandlerFunc is the business logic invoked for each claimed task.
type HandlerFunc func(ctx context.Context, t task.Task) error
