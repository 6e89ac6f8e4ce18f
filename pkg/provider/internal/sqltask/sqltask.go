// Package sqltask maps cts_tasks rows to the task model for SQL backends
// whose drivers scan timestamps natively.
package sqltask

import (
	"time"

	"github.com/dmitrymomot/clustertasks/pkg/task"
)

// Row mirrors the cts_tasks table.
type Row struct {
	CreatedAt          time.Time  `db:"created_at" gorm:"column:created_at"`
	StartedAt          *time.Time `db:"started_at" gorm:"column:started_at"`
	FinishedAt         *time.Time `db:"finished_at" gorm:"column:finished_at"`
	ConcurrencyKey     *string    `db:"concurrency_key" gorm:"column:concurrency_key"`
	OrderingFactor     *int64     `db:"ordering_factor" gorm:"column:ordering_factor"`
	BodyPartition      *int64     `db:"body_partition" gorm:"column:body_partition"`
	ProcessorType      string     `db:"processor_type" gorm:"column:processor_type"`
	UniquenessKey      string     `db:"uniqueness_key" gorm:"column:uniqueness_key"`
	TaskType           string     `db:"task_type" gorm:"column:task_type"`
	Status             string     `db:"status" gorm:"column:status"`
	ID                 int64      `db:"id" gorm:"column:id;primaryKey"`
	DelayByMillis      int64      `db:"delay_by_millis" gorm:"column:delay_by_millis"`
	MaxTimeToRunMillis int64      `db:"max_time_to_run_millis" gorm:"column:max_time_to_run_millis"`
	IntervalMillis     int64      `db:"interval_millis" gorm:"column:interval_millis"`
}

// TableName is the gorm table name.
func (Row) TableName() string { return "cts_tasks" }

// Columns is the select list matching Row.
const Columns = `id, processor_type, uniqueness_key, concurrency_key, ordering_factor, task_type, status, ` +
	`delay_by_millis, max_time_to_run_millis, interval_millis, body_partition, created_at, started_at, finished_at`

// Task converts the row into the task model.
func (r Row) Task() task.Task {
	t := task.Task{
		ID:             r.ID,
		ProcessorType:  r.ProcessorType,
		UniquenessKey:  r.UniquenessKey,
		OrderingFactor: r.OrderingFactor,
		Type:           task.Type(r.TaskType),
		Status:         task.Status(r.Status),
		Delay:          Duration(r.DelayByMillis),
		MaxTimeToRun:   Duration(r.MaxTimeToRunMillis),
		Interval:       Duration(r.IntervalMillis),
		CreatedAt:      r.CreatedAt,
	}
	if r.ConcurrencyKey != nil {
		t.ConcurrencyKey = *r.ConcurrencyKey
	}
	if r.BodyPartition != nil {
		t.HasBody = true
		t.PartitionIndex = *r.BodyPartition
	}
	if r.StartedAt != nil {
		t.StartedAt = *r.StartedAt
	}
	if r.FinishedAt != nil {
		t.FinishedAt = *r.FinishedAt
	}
	return t
}

// Millis converts a duration to the millisecond columns.
func Millis(d time.Duration) int64 {
	return max(d.Milliseconds(), 0)
}

// Duration converts a millisecond column to a duration.
func Duration(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// NullString maps the empty string to SQL NULL.
func NullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Scheduled builds the successor of a scheduled candidate.
func Scheduled(c task.Task) task.Task {
	return task.Task{
		ProcessorType:  c.ProcessorType,
		UniquenessKey:  c.ProcessorType,
		ConcurrencyKey: c.ProcessorType,
		Type:           task.TypeScheduled,
		MaxTimeToRun:   c.MaxTimeToRun,
		Interval:       c.Interval,
	}
}

// LatestPerType keeps the first task of each processor type, preserving order.
func LatestPerType(ts []task.Task) []task.Task {
	seen := make(map[string]bool, len(ts))
	out := make([]task.Task, 0, len(ts))
	for _, t := range ts {
		if seen[t.ProcessorType] {
			continue
		}
		seen[t.ProcessorType] = true
		out = append(out, t)
	}
	return out
}

// OrderLike reorders claimed tasks to follow ids; tasks missing from ids are dropped.
func OrderLike(ids []int64, ts []task.Task) []task.Task {
	byID := make(map[int64]task.Task, len(ts))
	for _, t := range ts {
		byID[t.ID] = t
	}
	out := make([]task.Task, 0, len(ts))
	for _, id := range ids {
		if t, ok := byID[id]; ok {
			out = append(out, t)
		}
	}
	return out
}
