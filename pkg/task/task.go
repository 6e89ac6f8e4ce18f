package task

import "time"

const (
	// MaxProcessorTypeLength is the longest accepted processor type name.
	MaxProcessorTypeLength = 40

	// DefaultMaxTimeToRun is applied when a task does not declare a time budget.
	DefaultMaxTimeToRun = 60 * time.Second
)

// Status is the lifecycle state of a persisted task.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusRunning  Status = "RUNNING"
	StatusFinished Status = "FINISHED"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusFinished:
		return true
	}
	return false
}

// Live reports whether a task in this status still counts against its uniqueness key.
func (s Status) Live() bool {
	return s == StatusPending || s == StatusRunning
}

// Type distinguishes caller-submitted tasks from system-managed recurring ones.
type Type string

const (
	// TypeRegular is a one-shot task submitted by a caller.
	TypeRegular Type = "REGULAR"
	// TypeScheduled is the recurring singleton of a scheduled processor.
	TypeScheduled Type = "SCHEDULED"
)

// Task is the persisted unit of work.
//
// ID, PartitionIndex, Status and the timestamps are owned by the storage
// provider. Everything else is set once at submission time.
type Task struct {
	CreatedAt  time.Time
	StartedAt  time.Time
	FinishedAt time.Time

	// OrderingFactor breaks claim ties before insertion order when set.
	OrderingFactor *int64

	ProcessorType  string
	UniquenessKey  string
	ConcurrencyKey string
	Body           string

	Type   Type
	Status Status

	ID             int64
	PartitionIndex int64

	Delay        time.Duration
	MaxTimeToRun time.Duration
	// Interval is the recurrence period of a scheduled task.
	Interval time.Duration

	// HasBody is set on claimed tasks whose body has not been loaded yet.
	HasBody bool
}

// EffectiveMaxTimeToRun returns the time budget, falling back to DefaultMaxTimeToRun.
func (t Task) EffectiveMaxTimeToRun() time.Duration {
	if t.MaxTimeToRun <= 0 {
		return DefaultMaxTimeToRun
	}
	return t.MaxTimeToRun
}

// ClusterTask is the public submission shape accepted by the service.
// All fields are optional.
type ClusterTask struct {
	UniquenessKey  string
	ConcurrencyKey string
	Body           string
	Delay          time.Duration
	MaxTimeToRun   time.Duration
}

// New returns a ClusterTask carrying body.
func New(body string) *ClusterTask {
	return &ClusterTask{Body: body}
}

// WithUniquenessKey sets the uniqueness key and returns t.
func (t *ClusterTask) WithUniquenessKey(key string) *ClusterTask {
	t.UniquenessKey = key
	return t
}

// WithConcurrencyKey sets the concurrency key and returns t.
func (t *ClusterTask) WithConcurrencyKey(key string) *ClusterTask {
	t.ConcurrencyKey = key
	return t
}

// WithDelay sets the minimum delay before the task becomes eligible.
func (t *ClusterTask) WithDelay(d time.Duration) *ClusterTask {
	t.Delay = d
	return t
}

// WithMaxTimeToRun sets the time budget after which a running task is stale.
func (t *ClusterTask) WithMaxTimeToRun(d time.Duration) *ClusterTask {
	t.MaxTimeToRun = d
	return t
}
