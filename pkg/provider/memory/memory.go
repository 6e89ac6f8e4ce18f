// Package memory implements an in-process storage provider.
//
// All state lives in one mutex-guarded store, so several services sharing a
// single *Provider behave like nodes of a cluster sharing a database. It is
// meant for tests, local development and single-process deployments.
package memory

import (
	"cmp"
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/dmitrymomot/clustertasks/pkg/provider"
	"github.com/dmitrymomot/clustertasks/pkg/task"
)

// Provider is the in-memory storage provider.
type Provider struct {
	now      func() time.Time
	tasks    map[int64]*task.Task
	bodies   map[int64]string
	settings provider.Settings
	nextID   int64
	mu       sync.Mutex
	closed   bool
}

// Option configures the provider.
type Option func(*Provider)

// WithClock replaces time.Now, letting tests move time forward.
func WithClock(now func() time.Time) Option {
	return func(p *Provider) {
		if now != nil {
			p.now = now
		}
	}
}

// WithSettings sets the stale policy and finished retention.
func WithSettings(s provider.Settings) Option {
	return func(p *Provider) {
		p.settings = s
	}
}

// New returns an empty provider.
func New(opts ...Option) *Provider {
	p := &Provider{
		now:      time.Now,
		tasks:    make(map[int64]*task.Task),
		bodies:   make(map[int64]string),
		settings: provider.DefaultSettings(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Ready(context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.closed
}

func (p *Provider) StoreTasks(_ context.Context, tasks ...task.Task) []task.PersistenceResult {
	p.mu.Lock()
	defer p.mu.Unlock()

	results := make([]task.PersistenceResult, len(tasks))
	for i, t := range tasks {
		if p.closed {
			results[i] = task.Failed(provider.ErrClosed)
			continue
		}
		results[i] = p.insertLocked(t, t.Delay)
	}
	return results
}

func (p *Provider) insertLocked(t task.Task, delay time.Duration) task.PersistenceResult {
	if p.liveDuplicateLocked(t.ProcessorType, t.UniquenessKey) {
		return task.UniqueViolation()
	}

	p.nextID++
	now := p.now()
	row := t
	row.ID = p.nextID
	row.Status = task.StatusPending
	row.CreatedAt = now
	row.Delay = max(delay, 0)
	row.StartedAt = time.Time{}
	row.FinishedAt = time.Time{}
	row.HasBody = t.Body != ""
	row.Body = ""
	if row.HasBody {
		row.PartitionIndex = provider.PartitionFor(row.ID)
		p.bodies[row.ID] = t.Body
	}
	p.tasks[row.ID] = &row

	return task.Succeeded(row.ID)
}

func (p *Provider) liveDuplicateLocked(processorType, key string) bool {
	if key == "" {
		return false
	}
	for _, t := range p.tasks {
		if t.ProcessorType == processorType && t.UniquenessKey == key && t.Status.Live() {
			return true
		}
	}
	return false
}

func (p *Provider) ClaimAndDispatch(_ context.Context, d provider.Dispatcher) error {
	capacity := d.Capacity()
	if len(capacity) == 0 {
		return nil
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return provider.ErrClosed
	}

	now := p.now()
	var claimed []task.Task
	for _, typ := range slices.Sorted(maps.Keys(capacity)) {
		var (
			candidates []provider.Candidate
			running    = make(map[string]bool)
		)
		for _, t := range p.tasks {
			if t.ProcessorType != typ {
				continue
			}
			switch {
			case t.Status == task.StatusRunning && t.ConcurrencyKey != "":
				running[t.ConcurrencyKey] = true
			case t.Status == task.StatusPending && !t.CreatedAt.Add(t.Delay).After(now):
				candidates = append(candidates, provider.Candidate{
					ID:             t.ID,
					ConcurrencyKey: t.ConcurrencyKey,
					OrderingFactor: t.OrderingFactor,
				})
			}
		}

		for _, c := range provider.SelectFair(candidates, running, capacity[typ]) {
			t := p.tasks[c.ID]
			t.Status = task.StatusRunning
			t.StartedAt = now
			claimed = append(claimed, *t)
		}
	}
	p.mu.Unlock()

	for _, t := range claimed {
		d.Dispatch(t)
	}
	return nil
}

func (p *Provider) RetrieveBody(_ context.Context, taskID, _ int64) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	body, ok := p.bodies[taskID]
	if !ok {
		return "", provider.ErrBodyNotFound
	}
	return body, nil
}

func (p *Provider) MarkFinished(_ context.Context, taskID int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if t, ok := p.tasks[taskID]; ok && t.Status != task.StatusFinished {
		t.Status = task.StatusFinished
		t.FinishedAt = p.now()
	}
	return nil
}

func (p *Provider) SweepGarbageAndStale(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	for id, t := range p.tasks {
		if t.Status == task.StatusFinished && !t.FinishedAt.Add(p.settings.FinishedRetention).After(now) {
			delete(p.tasks, id)
		}
	}
	for id := range p.bodies {
		if _, ok := p.tasks[id]; !ok {
			delete(p.bodies, id)
		}
	}

	for _, t := range p.tasks {
		if t.Status != task.StatusRunning || !now.After(t.StartedAt.Add(t.EffectiveMaxTimeToRun())) {
			continue
		}
		switch p.settings.StalePolicy {
		case provider.StaleFail:
			t.Status = task.StatusFinished
			t.FinishedAt = now
		default:
			t.Status = task.StatusPending
			t.StartedAt = time.Time{}
			t.Delay = now.Sub(t.CreatedAt)
		}
	}
	return nil
}

func (p *Provider) ReinsertScheduled(_ context.Context, candidates ...task.Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return provider.ErrClosed
	}

	now := p.now()
	for _, c := range candidates {
		next := task.Task{
			ProcessorType:  c.ProcessorType,
			UniquenessKey:  c.ProcessorType,
			ConcurrencyKey: c.ProcessorType,
			Type:           task.TypeScheduled,
			MaxTimeToRun:   c.MaxTimeToRun,
			Interval:       c.Interval,
		}
		delay := c.Delay
		if prev, ok := p.tasks[c.ID]; ok && c.ID != 0 {
			next.Interval = prev.Interval
			next.MaxTimeToRun = prev.MaxTimeToRun
			delay = provider.NextDelay(prev.Interval, prev.FinishedAt, now)
		}
		p.insertLocked(next, delay)
	}
	return nil
}

func (p *Provider) ScheduledCandidates(_ context.Context, processorTypes ...string) ([]task.Task, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	wanted := make(map[string]bool, len(processorTypes))
	for _, typ := range processorTypes {
		wanted[typ] = true
	}

	live := make(map[string]bool)
	latest := make(map[string]*task.Task)
	for _, t := range p.tasks {
		if t.Type != task.TypeScheduled || !wanted[t.ProcessorType] {
			continue
		}
		if t.Status.Live() {
			live[t.ProcessorType] = true
			continue
		}
		if cur, ok := latest[t.ProcessorType]; !ok || t.ID > cur.ID {
			latest[t.ProcessorType] = t
		}
	}

	out := make([]task.Task, 0, len(latest))
	for typ, t := range latest {
		if !live[typ] {
			out = append(out, *t)
		}
	}
	slices.SortFunc(out, func(a, b task.Task) int { return cmp.Compare(a.ProcessorType, b.ProcessorType) })
	return out, nil
}

func (p *Provider) SetScheduledInterval(_ context.Context, processorType string, interval time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, t := range p.tasks {
		if t.Type == task.TypeScheduled && t.ProcessorType == processorType {
			t.Interval = interval
		}
	}
	return nil
}

func (p *Provider) CountTasks(_ context.Context, f provider.CountFilter) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, t := range p.tasks {
		if f.ProcessorType != "" && t.ProcessorType != f.ProcessorType {
			continue
		}
		if f.ConcurrencyKey != "" && t.ConcurrencyKey != f.ConcurrencyKey {
			continue
		}
		if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, t.Status) {
			continue
		}
		n++
	}
	return n, nil
}

func (p *Provider) CountByStatus(_ context.Context, status task.Status) (map[string]int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string]int)
	for _, t := range p.tasks {
		if t.Status == status {
			out[t.ProcessorType]++
		}
	}
	return out, nil
}

// Close marks the provider closed. It is safe to call more than once.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

var _ provider.Provider = (*Provider)(nil)
