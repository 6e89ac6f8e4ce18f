// Package task defines the task model shared by the service, the control loops
// and every storage provider.
//
// A [Task] is the persisted unit of work. Callers never build one directly:
// they submit [ClusterTask] values through the service, which converts them
// into tasks (assigning uniqueness keys, defaults and the task type) before
// handing them to a provider.
//
// # Lifecycle
//
//	PENDING -> RUNNING -> FINISHED
//	   ^          |
//	   +----------+  (staleness recovery)
//
// FINISHED is terminal and makes the row eligible for garbage collection.
//
// # Keys
//
// A uniqueness key allows at most one non-finished task per
// (processor type, key) pair. A concurrency key allows at most one RUNNING
// task per (processor type, key) pair across the whole cluster. When a caller
// supplies a uniqueness key it also becomes the concurrency key.
//
// # Persistence results
//
// Storing N tasks yields N [PersistenceResult] values in input order. A
// uniqueness collision is reported as [PersistUniqueConstraint], not as an
// error, so callers that only want "at most one" can treat it as success.
package task
