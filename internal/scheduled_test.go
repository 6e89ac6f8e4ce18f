package internal

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/clustertasks/pkg/processor"
	"github.com/dmitrymomot/clustertasks/pkg/provider"
	"github.com/dmitrymomot/clustertasks/pkg/provider/memory"
	"github.com/dmitrymomot/clustertasks/pkg/task"
)

func TestScheduled_RateIsIndependentOfClusterSize(t *testing.T) {
	t.Parallel()

	const (
		interval = 10 * time.Second
		window   = 100 * time.Second
	)

	for _, nodes := range []int{1, 3} {
		t.Run(fmt.Sprintf("%d nodes", nodes), func(t *testing.T) {
			t.Parallel()

			clk := newClock()
			store := memory.New(memory.WithClock(clk.Now))

			var (
				runs atomic.Int32
				mu   sync.Mutex
				seen = make(map[int64]int)
			)
			handler := func(_ context.Context, tk task.Task) error {
				runs.Add(1)
				mu.Lock()
				seen[tk.ID]++
				mu.Unlock()
				return nil
			}

			cluster := make([]*Service, nodes)
			for i := range cluster {
				cluster[i] = newNode(t, store, WithProcessors(processor.NewScheduled("heartbeat", interval, handler)))
			}
			require.Equal(t, 1, count(t, cluster[0], "heartbeat"), "bootstrap creates one task cluster-wide")

			for elapsed := time.Duration(0); elapsed < window; elapsed += time.Second {
				step(t, cluster...)
				if elapsed%interval == 0 {
					maintain(t, cluster...)
				}
				clk.Advance(time.Second)
			}

			got := int(runs.Load())
			assert.GreaterOrEqual(t, got, int(window/interval))
			assert.LessOrEqual(t, got, int(window/interval)+1)
			for id, n := range seen {
				assert.Equal(t, 1, n, "scheduled task %d processed more than once", id)
			}
		})
	}
}

func TestScheduled_Reschedule(t *testing.T) {
	t.Parallel()

	clk := newClock()
	var runs atomic.Int32
	p := processor.NewScheduled("digest", 10*time.Second, func(context.Context, task.Task) error {
		runs.Add(1)
		return nil
	})
	s := newNode(t, memory.New(memory.WithClock(clk.Now)),
		WithProcessors(p, processor.New("plain", nil)))
	ctx := context.Background()

	step(t, s)
	require.Equal(t, int32(1), runs.Load())

	require.NoError(t, s.Reschedule(ctx, "digest", 30*time.Second))
	assert.Equal(t, 30*time.Second, p.Interval())

	clk.Advance(10 * time.Second)
	step(t, s)
	assert.Equal(t, int32(2), runs.Load(), "the pending occurrence keeps its time")

	clk.Advance(10 * time.Second)
	step(t, s)
	assert.Equal(t, int32(2), runs.Load(), "the successor waits for the new interval")

	clk.Advance(20 * time.Second)
	step(t, s)
	assert.Equal(t, int32(3), runs.Load())

	require.ErrorIs(t, s.Reschedule(ctx, "missing", time.Second), ErrUnknownProcessor)
	require.ErrorIs(t, s.Reschedule(ctx, "plain", time.Second), ErrNotRecurring)
}

func TestScheduled_MaintenanceRearmsLostSuccessor(t *testing.T) {
	t.Parallel()

	clk := newClock()
	store := memory.New(memory.WithClock(clk.Now))
	s := newNode(t, store, WithProcessors(processor.NewScheduled("rollup", 5*time.Second, nil)))
	ctx := context.Background()

	// A node that crashed between finishing and re-arming leaves only the finished row.
	claimed := claimOne(t, store, "rollup")
	require.NoError(t, store.MarkFinished(ctx, claimed.ID))
	assert.Zero(t, count(t, s, "rollup", task.StatusPending))

	clk.Advance(2 * time.Second)
	maintain(t, s)
	assert.Equal(t, 1, count(t, s, "rollup", task.StatusPending))

	maintain(t, s)
	assert.Equal(t, 1, count(t, s, "rollup", task.StatusPending), "re-arming is idempotent")
}

func TestScheduled_BootstrapRetries(t *testing.T) {
	t.Parallel()

	t.Run("recovers", func(t *testing.T) {
		t.Parallel()

		store := &flakyProvider{Provider: memory.New(), failures: 2}
		s := newNode(t, store, WithProcessors(processor.NewScheduled("sync", time.Minute, nil)))

		assert.Equal(t, int32(3), store.calls.Load())
		assert.Equal(t, 1, count(t, s, "sync", task.StatusPending))
	})

	t.Run("gives up", func(t *testing.T) {
		t.Parallel()

		store := &flakyProvider{Provider: memory.New(), failures: 10}
		s := newNode(t, store, WithProcessors(processor.NewScheduled("sync", time.Minute, nil)))

		assert.Equal(t, int32(3), store.calls.Load())
		assert.Zero(t, count(t, s, "sync"))
		assert.Equal(t, StateReady, s.State(), "bootstrap failures are not fatal")
	})
}

func TestScheduled_BootstrapKeepsPersistedInterval(t *testing.T) {
	t.Parallel()

	store := newRecordingProvider()
	newNode(t, store, WithProcessors(processor.NewScheduled("report", 10*time.Second, nil)))
	newNode(t, store, WithProcessors(processor.NewScheduled("report", time.Minute, nil)))

	_, forced := store.Interval("report")
	assert.False(t, forced)

	newNode(t, store, WithProcessors(processor.NewScheduled("report", time.Hour, nil, processor.WithForceInterval())))
	got, forced := store.Interval("report")
	assert.True(t, forced)
	assert.Equal(t, time.Hour, got)

	stored := store.Stored()
	require.NotEmpty(t, stored)
	assert.Equal(t, task.TypeScheduled, stored[0].Type)
	assert.Equal(t, "report", stored[0].UniquenessKey)
	assert.Equal(t, "report", stored[0].ConcurrencyKey)
	assert.Equal(t, 10*time.Second, stored[0].Interval)
	assert.Equal(t, task.DefaultMaxTimeToRun, stored[0].MaxTimeToRun)
}

func TestScheduledTask_Budget(t *testing.T) {
	t.Parallel()

	tk := scheduledTask(processor.NewScheduled("report", time.Minute, nil, processor.WithMaxTimeToRun(5*time.Minute)))
	assert.Equal(t, 5*time.Minute, tk.MaxTimeToRun)
	assert.Equal(t, time.Minute, tk.Interval)
}

type flakyProvider struct {
	*memory.Provider
	failures int32
	calls    atomic.Int32
}

func (p *flakyProvider) StoreTasks(ctx context.Context, tasks ...task.Task) []task.PersistenceResult {
	if p.calls.Add(1) <= p.failures {
		out := make([]task.PersistenceResult, len(tasks))
		for i := range out {
			out[i] = task.Failed(provider.ErrNotReady)
		}
		return out
	}
	return p.Provider.StoreTasks(ctx, tasks...)
}

type capture struct {
	tasks []task.Task
	typ   string
}

func (c *capture) Capacity() map[string]int { return map[string]int{c.typ: 1} }
func (c *capture) Dispatch(t task.Task)     { c.tasks = append(c.tasks, t) }

// claimOne claims a task directly on the store, bypassing any worker.
func claimOne(t *testing.T, store provider.Provider, typ string) task.Task {
	t.Helper()

	c := &capture{typ: typ}
	require.NoError(t, store.ClaimAndDispatch(context.Background(), c))
	require.Len(t, c.tasks, 1)
	return c.tasks[0]
}
