// Package providertest is a conformance suite for provider.Provider implementations.
//
// Backends call Run from their own tests with a factory returning a fresh,
// empty provider configured with the given settings:
//
//	func TestConformance(t *testing.T) {
//	    providertest.Run(t, func(t *testing.T, s provider.Settings) provider.Provider {
//	        return memory.New(memory.WithSettings(s))
//	    })
//	}
//
// The suite relies on wall-clock time, so it works for backends that use the
// database clock as well as for in-process ones.
package providertest

import (
	"context"
	"maps"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/clustertasks/pkg/provider"
	"github.com/dmitrymomot/clustertasks/pkg/task"
)

// Factory returns a fresh, empty provider using settings s.
type Factory func(t *testing.T, s provider.Settings) provider.Provider

// Recorder is a provider.Dispatcher with fixed capacity that records dispatched tasks.
type Recorder struct {
	capacity map[string]int
	tasks    []task.Task
	mu       sync.Mutex
}

// NewRecorder returns a recorder reporting capacity on every call.
func NewRecorder(capacity map[string]int) *Recorder {
	return &Recorder{capacity: capacity}
}

func (r *Recorder) Capacity() map[string]int {
	return maps.Clone(r.capacity)
}

func (r *Recorder) Dispatch(t task.Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = append(r.tasks, t)
}

// Take returns the tasks dispatched since the previous call.
func (r *Recorder) Take() []task.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.tasks
	r.tasks = nil
	return out
}

func settings(policy provider.StalePolicy) provider.Settings {
	return provider.Settings{StalePolicy: policy}
}

func regular(typ, body string) task.Task {
	return task.Task{
		ProcessorType: typ,
		UniquenessKey: uuid.NewString(),
		Body:          body,
		Type:          task.TypeRegular,
		MaxTimeToRun:  task.DefaultMaxTimeToRun,
	}
}

func keyed(typ, key, body string) task.Task {
	t := regular(typ, body)
	t.ConcurrencyKey = key
	return t
}

func scheduled(typ string, interval time.Duration) task.Task {
	return task.Task{
		ProcessorType:  typ,
		UniquenessKey:  typ,
		ConcurrencyKey: typ,
		Type:           task.TypeScheduled,
		MaxTimeToRun:   task.DefaultMaxTimeToRun,
		Interval:       interval,
	}
}

func taskIDs(ts []task.Task) []int64 {
	out := make([]int64, 0, len(ts))
	for _, t := range ts {
		out = append(out, t.ID)
	}
	return out
}

func resultIDs(t *testing.T, rs []task.PersistenceResult) []int64 {
	t.Helper()
	out := make([]int64, 0, len(rs))
	for _, r := range rs {
		require.Equal(t, task.PersistSuccess, r.Status, "unexpected result: %v", r.Err)
		out = append(out, r.ID)
	}
	return out
}

func count(t *testing.T, p provider.Provider, typ string, statuses ...task.Status) int {
	t.Helper()
	n, err := p.CountTasks(context.Background(), provider.CountFilter{ProcessorType: typ, Statuses: statuses})
	require.NoError(t, err)
	return n
}

// Run executes the conformance suite.
func Run(t *testing.T, newProvider Factory) {
	t.Run("ready", func(t *testing.T) {
		p := newProvider(t, settings(provider.StaleRecover))
		assert.True(t, p.Ready(context.Background()))
	})

	t.Run("store and count", func(t *testing.T) {
		ctx := context.Background()
		p := newProvider(t, settings(provider.StaleRecover))

		results := p.StoreTasks(ctx, regular("alpha", "1"), regular("alpha", "2"), regular("beta", "3"))
		require.Len(t, results, 3)
		ids := resultIDs(t, results)
		assert.NotEqual(t, ids[0], ids[1])

		assert.Equal(t, 2, count(t, p, "alpha"))
		assert.Equal(t, 2, count(t, p, "alpha", task.StatusPending))
		assert.Equal(t, 0, count(t, p, "alpha", task.StatusRunning))
		assert.Equal(t, 3, count(t, p, ""))

		byType, err := p.CountByStatus(ctx, task.StatusPending)
		require.NoError(t, err)
		assert.Equal(t, map[string]int{"alpha": 2, "beta": 1}, byType)
	})

	t.Run("uniqueness key", func(t *testing.T) {
		ctx := context.Background()
		p := newProvider(t, settings(provider.StaleRecover))

		first := regular("unique", "a")
		first.UniquenessKey = "same"
		second := regular("unique", "b")
		second.UniquenessKey = "same"
		other := regular("other", "c")
		other.UniquenessKey = "same"

		results := p.StoreTasks(ctx, first, second, other)
		require.Len(t, results, 3)
		assert.Equal(t, task.PersistSuccess, results[0].Status)
		assert.Equal(t, task.PersistUniqueConstraint, results[1].Status)
		assert.Equal(t, task.PersistSuccess, results[2].Status)

		rec := NewRecorder(map[string]int{"unique": 1})
		require.NoError(t, p.ClaimAndDispatch(ctx, rec))
		claimed := rec.Take()
		require.Len(t, claimed, 1)
		require.NoError(t, p.MarkFinished(ctx, claimed[0].ID))

		again := p.StoreTasks(ctx, second)
		assert.Equal(t, task.PersistSuccess, again[0].Status, "finished tasks release their uniqueness key")
	})

	t.Run("claim respects capacity and fifo", func(t *testing.T) {
		ctx := context.Background()
		p := newProvider(t, settings(provider.StaleRecover))

		var batch []task.Task
		for _, body := range []string{"0", "1", "2", "3", "4"} {
			batch = append(batch, regular("fifo", body))
		}
		ids := resultIDs(t, p.StoreTasks(ctx, batch...))

		rec := NewRecorder(map[string]int{"fifo": 2})
		require.NoError(t, p.ClaimAndDispatch(ctx, rec))
		claimed := rec.Take()
		assert.Equal(t, ids[:2], taskIDs(claimed))
		for _, c := range claimed {
			assert.Equal(t, "fifo", c.ProcessorType)
			assert.True(t, c.HasBody)
		}
		assert.Equal(t, 2, count(t, p, "fifo", task.StatusRunning))

		require.NoError(t, p.ClaimAndDispatch(ctx, rec))
		assert.Equal(t, ids[2:4], taskIDs(rec.Take()))
	})

	t.Run("unregistered types are not claimed", func(t *testing.T) {
		ctx := context.Background()
		p := newProvider(t, settings(provider.StaleRecover))
		resultIDs(t, p.StoreTasks(ctx, regular("orphan", "x")))

		rec := NewRecorder(map[string]int{"known": 5})
		require.NoError(t, p.ClaimAndDispatch(ctx, rec))
		assert.Empty(t, rec.Take())
		assert.Equal(t, 1, count(t, p, "orphan", task.StatusPending))
	})

	t.Run("concurrency key serializes execution", func(t *testing.T) {
		ctx := context.Background()
		p := newProvider(t, settings(provider.StaleRecover))

		ids := resultIDs(t, p.StoreTasks(ctx,
			keyed("serial", "k", "1"),
			keyed("serial", "k", "2"),
			keyed("serial", "other", "3"),
		))

		rec := NewRecorder(map[string]int{"serial": 5})
		require.NoError(t, p.ClaimAndDispatch(ctx, rec))
		assert.ElementsMatch(t, []int64{ids[0], ids[2]}, taskIDs(rec.Take()))

		require.NoError(t, p.ClaimAndDispatch(ctx, rec))
		assert.Empty(t, rec.Take(), "key k is still running")

		require.NoError(t, p.MarkFinished(ctx, ids[0]))
		require.NoError(t, p.ClaimAndDispatch(ctx, rec))
		assert.Equal(t, []int64{ids[1]}, taskIDs(rec.Take()))
	})

	t.Run("delay defers eligibility", func(t *testing.T) {
		ctx := context.Background()
		p := newProvider(t, settings(provider.StaleRecover))

		delayed := regular("delayed", "d")
		delayed.Delay = 400 * time.Millisecond
		resultIDs(t, p.StoreTasks(ctx, delayed))

		rec := NewRecorder(map[string]int{"delayed": 1})
		require.NoError(t, p.ClaimAndDispatch(ctx, rec))
		assert.Empty(t, rec.Take())

		time.Sleep(1200 * time.Millisecond)
		require.NoError(t, p.ClaimAndDispatch(ctx, rec))
		assert.Len(t, rec.Take(), 1)
	})

	t.Run("bodies", func(t *testing.T) {
		ctx := context.Background()
		p := newProvider(t, settings(provider.StaleRecover))

		ids := resultIDs(t, p.StoreTasks(ctx, regular("bodies", "payload"), regular("bodies", "")))

		rec := NewRecorder(map[string]int{"bodies": 2})
		require.NoError(t, p.ClaimAndDispatch(ctx, rec))
		claimed := rec.Take()
		require.Len(t, claimed, 2)
		require.Equal(t, ids[0], claimed[0].ID)

		assert.True(t, claimed[0].HasBody)
		assert.Empty(t, claimed[0].Body)
		body, err := p.RetrieveBody(ctx, claimed[0].ID, claimed[0].PartitionIndex)
		require.NoError(t, err)
		assert.Equal(t, "payload", body)

		assert.False(t, claimed[1].HasBody)
	})

	t.Run("mark finished is idempotent", func(t *testing.T) {
		ctx := context.Background()
		p := newProvider(t, settings(provider.StaleRecover))

		ids := resultIDs(t, p.StoreTasks(ctx, regular("finish", "x")))
		require.NoError(t, p.MarkFinished(ctx, ids[0]))
		require.NoError(t, p.MarkFinished(ctx, ids[0]))
		require.NoError(t, p.MarkFinished(ctx, ids[0]+1000))
		assert.Equal(t, 1, count(t, p, "finish", task.StatusFinished))
	})

	t.Run("stale tasks are recovered", func(t *testing.T) {
		ctx := context.Background()
		p := newProvider(t, settings(provider.StaleRecover))

		short := regular("stale", "x")
		short.MaxTimeToRun = 50 * time.Millisecond
		ids := resultIDs(t, p.StoreTasks(ctx, short))

		rec := NewRecorder(map[string]int{"stale": 1})
		require.NoError(t, p.ClaimAndDispatch(ctx, rec))
		require.Len(t, rec.Take(), 1)

		time.Sleep(1200 * time.Millisecond)
		require.NoError(t, p.SweepGarbageAndStale(ctx))
		assert.Equal(t, 1, count(t, p, "stale", task.StatusPending))

		require.NoError(t, p.ClaimAndDispatch(ctx, rec))
		assert.Equal(t, ids, taskIDs(rec.Take()))
	})

	t.Run("stale tasks fail under fail policy", func(t *testing.T) {
		ctx := context.Background()
		p := newProvider(t, settings(provider.StaleFail))

		short := regular("stale_fail", "x")
		short.MaxTimeToRun = 50 * time.Millisecond
		resultIDs(t, p.StoreTasks(ctx, short))

		rec := NewRecorder(map[string]int{"stale_fail": 1})
		require.NoError(t, p.ClaimAndDispatch(ctx, rec))
		require.Len(t, rec.Take(), 1)

		time.Sleep(1200 * time.Millisecond)
		require.NoError(t, p.SweepGarbageAndStale(ctx))
		assert.Equal(t, 1, count(t, p, "stale_fail", task.StatusFinished))
		assert.Equal(t, 0, count(t, p, "stale_fail", task.StatusPending, task.StatusRunning))
	})

	t.Run("garbage collection keeps live rows", func(t *testing.T) {
		ctx := context.Background()
		p := newProvider(t, settings(provider.StaleRecover))

		ids := resultIDs(t, p.StoreTasks(ctx,
			regular("gc", "done"),
			regular("gc", "running"),
			regular("gc", "pending"),
		))

		rec := NewRecorder(map[string]int{"gc": 2})
		require.NoError(t, p.ClaimAndDispatch(ctx, rec))
		require.Len(t, rec.Take(), 2)
		require.NoError(t, p.MarkFinished(ctx, ids[0]))

		time.Sleep(20 * time.Millisecond)
		require.NoError(t, p.SweepGarbageAndStale(ctx))

		assert.Equal(t, 0, count(t, p, "gc", task.StatusFinished))
		assert.Equal(t, 1, count(t, p, "gc", task.StatusRunning))
		assert.Equal(t, 1, count(t, p, "gc", task.StatusPending))

		_, err := p.RetrieveBody(ctx, ids[0], provider.PartitionFor(ids[0]))
		require.Error(t, err, "body of a collected task is removed")

		body, err := p.RetrieveBody(ctx, ids[2], provider.PartitionFor(ids[2]))
		require.NoError(t, err)
		assert.Equal(t, "pending", body)
	})

	t.Run("scheduled reinsert", func(t *testing.T) {
		ctx := context.Background()
		p := newProvider(t, settings(provider.StaleRecover))

		results := p.StoreTasks(ctx, scheduled("sched", 0), scheduled("sched", 0))
		assert.Equal(t, task.PersistSuccess, results[0].Status)
		assert.Equal(t, task.PersistUniqueConstraint, results[1].Status)

		cands, err := p.ScheduledCandidates(ctx, "sched")
		require.NoError(t, err)
		assert.Empty(t, cands, "live scheduled task has no candidates")

		rec := NewRecorder(map[string]int{"sched": 1})
		require.NoError(t, p.ClaimAndDispatch(ctx, rec))
		claimed := rec.Take()
		require.Len(t, claimed, 1)
		assert.Equal(t, task.TypeScheduled, claimed[0].Type)
		require.NoError(t, p.MarkFinished(ctx, claimed[0].ID))

		cands, err = p.ScheduledCandidates(ctx, "sched", "unknown")
		require.NoError(t, err)
		require.Len(t, cands, 1)
		assert.Equal(t, claimed[0].ID, cands[0].ID)

		require.NoError(t, p.ReinsertScheduled(ctx, cands...))
		require.NoError(t, p.ReinsertScheduled(ctx, cands...), "duplicate reinsert is a no-op")
		assert.Equal(t, 1, count(t, p, "sched", task.StatusPending))

		cands, err = p.ScheduledCandidates(ctx, "sched")
		require.NoError(t, err)
		assert.Empty(t, cands)

		require.NoError(t, p.ClaimAndDispatch(ctx, rec))
		assert.Len(t, rec.Take(), 1, "zero interval successor is eligible at once")
	})

	t.Run("scheduled interval is persisted", func(t *testing.T) {
		ctx := context.Background()
		p := newProvider(t, settings(provider.StaleRecover))

		resultIDs(t, p.StoreTasks(ctx, scheduled("resched", 0)))
		require.NoError(t, p.SetScheduledInterval(ctx, "resched", time.Hour))

		rec := NewRecorder(map[string]int{"resched": 1})
		require.NoError(t, p.ClaimAndDispatch(ctx, rec))
		claimed := rec.Take()
		require.Len(t, claimed, 1, "changing the interval does not delay the current occurrence")
		assert.Equal(t, time.Hour, claimed[0].Interval)
		require.NoError(t, p.MarkFinished(ctx, claimed[0].ID))

		stale := claimed[0]
		stale.Interval = 0
		require.NoError(t, p.ReinsertScheduled(ctx, stale))
		assert.Equal(t, 1, count(t, p, "resched", task.StatusPending))

		require.NoError(t, p.ClaimAndDispatch(ctx, rec))
		assert.Empty(t, rec.Take(), "successor waits for the persisted interval")
	})
}
