package internal

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/clustertasks/pkg/provider"
	"github.com/dmitrymomot/clustertasks/pkg/provider/memory"
	"github.com/dmitrymomot/clustertasks/pkg/task"
)

type clock struct {
	now time.Time
	mu  sync.Mutex
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// newNode starts a service whose loops never tick on their own, so tests
// drive them with step and maintain.
func newNode(t *testing.T, store provider.Provider, opts ...Option) *Service {
	t.Helper()

	base := []Option{
		WithProvider(provider.KindDB, store),
		WithPollInterval(time.Hour),
		WithGCInterval(time.Hour),
		withBootstrapRetry(3, time.Millisecond),
	}
	s := New(append(base, opts...)...)
	require.NoError(t, s.Start(context.Background()))
	s.bootstrap.Wait()
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	return s
}

// step runs one dispatch tick on every node and waits for the claimed tasks.
func step(t *testing.T, nodes ...*Service) {
	t.Helper()

	for _, s := range nodes {
		require.NoError(t, s.dispatcher.Tick(context.Background()))
	}
	for _, s := range nodes {
		s.dispatcher.wait()
	}
}

func maintain(t *testing.T, nodes ...*Service) {
	t.Helper()

	for _, s := range nodes {
		require.NoError(t, s.maintainer.Tick(context.Background()))
	}
}

func count(t *testing.T, s *Service, processorType string, statuses ...task.Status) int {
	t.Helper()

	n, err := s.CountTasks(context.Background(), provider.KindDB, processorType, statuses...)
	require.NoError(t, err)
	return n
}

// recordingProvider keeps what the service asked the store to do.
type recordingProvider struct {
	*memory.Provider
	stored    []task.Task
	intervals map[string]time.Duration
	mu        sync.Mutex
}

func newRecordingProvider(opts ...memory.Option) *recordingProvider {
	return &recordingProvider{
		Provider:  memory.New(opts...),
		intervals: make(map[string]time.Duration),
	}
}

func (p *recordingProvider) StoreTasks(ctx context.Context, tasks ...task.Task) []task.PersistenceResult {
	p.mu.Lock()
	p.stored = append(p.stored, tasks...)
	p.mu.Unlock()
	return p.Provider.StoreTasks(ctx, tasks...)
}

func (p *recordingProvider) SetScheduledInterval(ctx context.Context, processorType string, interval time.Duration) error {
	p.mu.Lock()
	p.intervals[processorType] = interval
	p.mu.Unlock()
	return p.Provider.SetScheduledInterval(ctx, processorType, interval)
}

func (p *recordingProvider) Stored() []task.Task {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]task.Task(nil), p.stored...)
}

func (p *recordingProvider) Interval(processorType string) (time.Duration, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.intervals[processorType]
	return d, ok
}

type recordingObserver struct {
	enqueued map[task.PersistStatus]int
	claimed  int
	failed   int
	finished int
	ticks    map[string]int
	mu       sync.Mutex
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{
		enqueued: make(map[task.PersistStatus]int),
		ticks:    make(map[string]int),
	}
}

func (o *recordingObserver) TaskEnqueued(_ string, status task.PersistStatus) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.enqueued[status]++
}

func (o *recordingObserver) TaskClaimed(string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.claimed++
}

func (o *recordingObserver) TaskFinished(_ string, _ time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finished++
	if err != nil {
		o.failed++
	}
}

func (o *recordingObserver) TickCompleted(loop string, _ time.Duration, _ error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ticks[loop]++
}
