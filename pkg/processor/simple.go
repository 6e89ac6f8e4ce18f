package processor

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/dmitrymomot/clustertasks/pkg/task"
)

// Simple is a regular processor backed by a HandlerFunc.
type Simple struct {
	handler      HandlerFunc
	typ          string
	concurrency  int
	takeInterval time.Duration
	enabled      atomic.Bool
}

// New returns a regular processor for typ.
//
// Example:
//
//	p := processor.New("send_report", func(ctx context.Context, t task.Task) error {
//	    return reports.Send(ctx, t.Body)
//	}, processor.WithConcurrency(5))
func New(typ string, h HandlerFunc, opts ...Option) *Simple {
	o := newOptions(opts...)
	s := &Simple{
		handler:      h,
		typ:          typ,
		concurrency:  o.concurrency,
		takeInterval: o.takeInterval,
	}
	s.enabled.Store(!o.disabled)
	return s
}

func (s *Simple) Type() string { return s.typ }

func (s *Simple) Concurrency() int { return s.concurrency }

func (s *Simple) TakeInterval() time.Duration { return s.takeInterval }

func (s *Simple) Enabled() bool { return s.enabled.Load() }

// SetEnabled pauses or resumes taking new tasks on this node.
func (s *Simple) SetEnabled(v bool) { s.enabled.Store(v) }

func (s *Simple) Process(ctx context.Context, t task.Task) error {
	if s.handler == nil {
		return nil
	}
	return s.handler(ctx, t)
}
