package internal

import (
	"time"

	"github.com/dmitrymomot/clustertasks/pkg/task"
)

// Observer receives service activity. Implementations must be safe for
// concurrent use: worker goroutines call it in parallel.
// pkg/metrics provides a Prometheus implementation.
type Observer interface {
	TaskEnqueued(processorType string, status task.PersistStatus)
	TaskClaimed(processorType string)
	TaskFinished(processorType string, d time.Duration, err error)
	TickCompleted(loop string, d time.Duration, err error)
}

type nopObserver struct{}

func (nopObserver) TaskEnqueued(string, task.PersistStatus)    {}
func (nopObserver) TaskClaimed(string)                         {}
func (nopObserver) TaskFinished(string, time.Duration, error)  {}
func (nopObserver) TickCompleted(string, time.Duration, error) {}
