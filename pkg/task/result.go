package task

// PersistStatus is the outcome of storing one task.
type PersistStatus int

const (
	PersistSuccess PersistStatus = iota
	PersistUniqueConstraint
	PersistFailure
)

func (s PersistStatus) String() string {
	switch s {
	case PersistSuccess:
		return "SUCCESS"
	case PersistUniqueConstraint:
		return "UNIQUE_CONSTRAINT_FAILURE"
	default:
		return "FAILURE"
	}
}

// PersistenceResult reports what happened to a single submitted task.
type PersistenceResult struct {
	Err    error
	ID     int64
	Status PersistStatus
}

// Succeeded returns a successful result for the task stored under id.
func Succeeded(id int64) PersistenceResult {
	return PersistenceResult{ID: id, Status: PersistSuccess}
}

// UniqueViolation returns the result for a task rejected by its uniqueness key.
func UniqueViolation() PersistenceResult {
	return PersistenceResult{Status: PersistUniqueConstraint}
}

// Failed returns a failed result carrying err.
func Failed(err error) PersistenceResult {
	return PersistenceResult{Status: PersistFailure, Err: err}
}

// OK reports whether the task is known to be stored, either by this call or
// by an earlier one holding the same uniqueness key.
func (r PersistenceResult) OK() bool {
	return r.Status == PersistSuccess || r.Status == PersistUniqueConstraint
}
