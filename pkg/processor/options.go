package processor

import "time"

type options struct {
	concurrency   int
	takeInterval  time.Duration
	maxTimeToRun  time.Duration
	forceInterval bool
	disabled      bool
}

// Option configures a processor built by this package.
type Option func(*options)

// WithConcurrency sets how many tasks of the type may run at once on a node.
// Values below 1 are ignored. Scheduled processors always run one task.
func WithConcurrency(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// WithTakeInterval sets the minimal pause between two takes on the same node.
func WithTakeInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.takeInterval = d
		}
	}
}

// WithMaxTimeToRun sets the time budget of the scheduled task the processor owns.
func WithMaxTimeToRun(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.maxTimeToRun = d
		}
	}
}

// WithForceInterval makes the configured interval win over a persisted one at startup.
func WithForceInterval() Option {
	return func(o *options) {
		o.forceInterval = true
	}
}

// WithDisabled registers the processor in the disabled state.
func WithDisabled() Option {
	return func(o *options) {
		o.disabled = true
	}
}

func newOptions(opts ...Option) options {
	o := options{concurrency: 1}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
