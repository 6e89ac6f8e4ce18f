package processor

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Cron is a recurring processor whose interval is derived from a cron expression.
type Cron struct {
	*Scheduled
	schedule cron.Schedule
	now      func() time.Time
	expr     string
}

// NewCron returns a recurring processor firing on the cron expression expr
// (five fields: min hour day month weekday, or a descriptor such as "@hourly").
//
// The interval is the period between the next two activations, so irregular
// expressions are approximated by their upcoming gap.
func NewCron(typ, expr string, h HandlerFunc, opts ...Option) (*Cron, error) {
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("processor: invalid cron schedule %q: %w", expr, err)
	}
	return &Cron{
		Scheduled: NewScheduled(typ, 0, h, opts...),
		schedule:  schedule,
		now:       time.Now,
		expr:      expr,
	}, nil
}

// Expression returns the cron expression the processor was built with.
func (c *Cron) Expression() string { return c.expr }

// Interval returns the explicit interval when one was set, otherwise the
// period between the next two activations.
func (c *Cron) Interval() time.Duration {
	if d := c.Scheduled.Interval(); d > 0 {
		return d
	}
	next := c.schedule.Next(c.now())
	return c.schedule.Next(next).Sub(next)
}
