// Package provider defines the storage provider contract the service and its
// control loops are written against, plus the claim fairness policy shared by
// every backend.
//
// A provider is the only component with cross-node visibility: it owns every
// authoritative state transition (claim, finish, staleness recovery, garbage
// collection, scheduled re-arm). Backends live in sub-packages:
//
//	memory   - in-process store, one instance shared by services simulates a cluster
//	postgres - PostgreSQL via pgx
//	mysql    - MySQL 8 via gorm
//	sqlite   - SQLite via modernc.org/sqlite
//	offload  - decorator keeping large bodies in a blob store
//
// Every backend is verified by the providertest conformance suite.
package provider

import (
	"context"
	"time"

	"github.com/dmitrymomot/clustertasks/pkg/task"
)

// Kind selects which configured provider a submission is routed to.
type Kind string

// KindDB is the relational-storage provider kind.
const KindDB Kind = "db"

// Provider is the storage contract implemented once per backend.
type Provider interface {
	// Ready reports whether the backend can accept operations.
	Ready(ctx context.Context) bool

	// StoreTasks persists each task with its body and returns one result per
	// input task, in order. Failures are isolated per task and a live
	// (processor type, uniqueness key) collision yields PersistUniqueConstraint.
	StoreTasks(ctx context.Context, tasks ...task.Task) []task.PersistenceResult

	// ClaimAndDispatch claims eligible PENDING tasks for every processor type
	// with spare capacity, moves them to RUNNING and hands each one to d.
	// Claims are exclusive across nodes and follow SelectFair.
	ClaimAndDispatch(ctx context.Context, d Dispatcher) error

	// RetrieveBody loads the body of a task from its partition.
	RetrieveBody(ctx context.Context, taskID, partition int64) (string, error)

	// MarkFinished moves a task to FINISHED. Unknown or finished ids are a no-op.
	MarkFinished(ctx context.Context, taskID int64) error

	// SweepGarbageAndStale deletes FINISHED tasks past the retention point
	// together with orphaned bodies, then applies the stale policy to RUNNING
	// tasks that exceeded their time budget.
	SweepGarbageAndStale(ctx context.Context) error

	// ReinsertScheduled inserts the next occurrence of each SCHEDULED
	// candidate. A uniqueness collision means a peer already did it and is
	// not an error. When the candidate's finished row still exists its
	// persisted interval wins and the delay is what remains of it.
	ReinsertScheduled(ctx context.Context, candidates ...task.Task) error

	// ScheduledCandidates returns, for each of the given processor types, the
	// latest FINISHED scheduled task that has no live successor.
	ScheduledCandidates(ctx context.Context, processorTypes ...string) ([]task.Task, error)

	// SetScheduledInterval persists a new interval on the scheduled task of a type.
	SetScheduledInterval(ctx context.Context, processorType string, interval time.Duration) error

	// CountTasks returns a point-in-time count narrowed by f.
	CountTasks(ctx context.Context, f CountFilter) (int, error)

	// CountByStatus returns counts of tasks in status grouped by processor type.
	CountByStatus(ctx context.Context, status task.Status) (map[string]int, error)

	Close() error
}

// Dispatcher is the node-local side of a claim: it reports spare worker slots
// and accepts claimed tasks.
type Dispatcher interface {
	// Capacity returns free slots per processor type. Types without free
	// slots are omitted.
	Capacity() map[string]int

	// Dispatch hands a claimed task to the worker pool of its processor type.
	Dispatch(t task.Task)
}

// Migrator is implemented by providers that provision their own schema.
type Migrator interface {
	Migrate(ctx context.Context) error
}

// CountFilter narrows CountTasks. Empty fields match everything.
type CountFilter struct {
	ProcessorType  string
	ConcurrencyKey string
	Statuses       []task.Status
}
