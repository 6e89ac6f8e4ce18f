package processor

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/dmitrymomot/clustertasks/pkg/task"
)

// Scheduled is a recurring processor running its singleton task every interval.
type Scheduled struct {
	handler       HandlerFunc
	typ           string
	maxTimeToRun  time.Duration
	interval      atomic.Int64
	enabled       atomic.Bool
	forceInterval bool
}

// NewScheduled returns a recurring processor for typ.
// An interval of zero re-arms the task as soon as it finishes.
//
// Example:
//
//	p := processor.NewScheduled("purge_sessions", 10*time.Minute, func(ctx context.Context, _ task.Task) error {
//	    return sessions.Purge(ctx)
//	})
func NewScheduled(typ string, interval time.Duration, h HandlerFunc, opts ...Option) *Scheduled {
	o := newOptions(opts...)
	s := &Scheduled{
		handler:       h,
		typ:           typ,
		maxTimeToRun:  o.maxTimeToRun,
		forceInterval: o.forceInterval,
	}
	s.interval.Store(int64(max(interval, 0)))
	s.enabled.Store(!o.disabled)
	return s
}

func (s *Scheduled) Type() string { return s.typ }

// Concurrency is always one: a scheduled task is a cluster-wide singleton.
func (s *Scheduled) Concurrency() int { return 1 }

func (s *Scheduled) Interval() time.Duration { return time.Duration(s.interval.Load()) }

// SetInterval changes the local interval. Use the service's Reschedule to
// propagate the change to the persisted task.
func (s *Scheduled) SetInterval(d time.Duration) { s.interval.Store(int64(max(d, 0))) }

func (s *Scheduled) MaxTimeToRun() time.Duration { return s.maxTimeToRun }

func (s *Scheduled) ForceInterval() bool { return s.forceInterval }

func (s *Scheduled) Enabled() bool { return s.enabled.Load() }

func (s *Scheduled) SetEnabled(v bool) { s.enabled.Store(v) }

func (s *Scheduled) Process(ctx context.Context, t task.Task) error {
	if s.handler == nil {
		return nil
	}
	return s.handler(ctx, t)
}
