package internal

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/clustertasks/pkg/logger"
	"github.com/dmitrymomot/clustertasks/pkg/processor"
	"github.com/dmitrymomot/clustertasks/pkg/provider"
	"github.com/dmitrymomot/clustertasks/pkg/provider/memory"
	"github.com/dmitrymomot/clustertasks/pkg/task"
)

func TestDispatch_BurstIsFIFO(t *testing.T) {
	t.Parallel()

	var (
		mu    sync.Mutex
		order []string
	)
	p := processor.New("burst", func(_ context.Context, tk task.Task) error {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, tk.Body)
		return nil
	})

	s := newNode(t, memory.New(), WithProcessors(p))
	ctx := context.Background()

	want := make([]string, 20)
	for i := range want {
		want[i] = strconv.Itoa(i)
		res, err := s.Enqueue(ctx, provider.KindDB, "burst", task.New(want[i]))
		require.NoError(t, err)
		require.Equal(t, task.PersistSuccess, res[0].Status)
	}

	for range want {
		step(t, s)
	}

	assert.Equal(t, want, order)
	assert.Equal(t, 20, count(t, s, "burst", task.StatusFinished))
}

func TestDispatch_ConcurrencyKeyIsExclusiveAcrossNodes(t *testing.T) {
	t.Parallel()

	var (
		mu      sync.Mutex
		running = make(map[string]int)
		peak    = make(map[string]int)
		seen    = make(map[int64]int)
	)
	handler := func(_ context.Context, tk task.Task) error {
		mu.Lock()
		seen[tk.ID]++
		if tk.ConcurrencyKey != "" {
			running[tk.ConcurrencyKey]++
			peak[tk.ConcurrencyKey] = max(peak[tk.ConcurrencyKey], running[tk.ConcurrencyKey])
		}
		mu.Unlock()

		time.Sleep(2 * time.Millisecond)

		mu.Lock()
		if tk.ConcurrencyKey != "" {
			running[tk.ConcurrencyKey]--
		}
		mu.Unlock()
		return nil
	}

	store := memory.New()
	a := newNode(t, store, WithProcessors(processor.New("sync", handler, processor.WithConcurrency(4))))
	b := newNode(t, store, WithProcessors(processor.New("sync", handler, processor.WithConcurrency(4))))
	ctx := context.Background()

	for range 6 {
		_, err := a.Enqueue(ctx, provider.KindDB, "sync",
			task.New("").WithConcurrencyKey("account:a"),
			task.New("").WithConcurrencyKey("account:b"),
		)
		require.NoError(t, err)
	}
	_, err := b.Enqueue(ctx, provider.KindDB, "sync", task.New(""), task.New(""), task.New(""), task.New(""))
	require.NoError(t, err)

	for range 20 {
		if count(t, a, "sync", task.StatusFinished) == 16 {
			break
		}
		step(t, a, b)
	}

	assert.Equal(t, 16, count(t, a, "sync", task.StatusFinished))
	assert.Equal(t, 1, peak["account:a"])
	assert.Equal(t, 1, peak["account:b"])
	assert.Len(t, seen, 16)
	for id, n := range seen {
		assert.Equal(t, 1, n, "task %d processed more than once", id)
	}
}

func TestDispatch_KeysDoNotStarveEachOther(t *testing.T) {
	t.Parallel()

	var (
		mu   sync.Mutex
		keys []string
	)
	p := processor.New("fair", func(_ context.Context, tk task.Task) error {
		mu.Lock()
		defer mu.Unlock()
		keys = append(keys, tk.ConcurrencyKey)
		return nil
	}, processor.WithConcurrency(3))

	s := newNode(t, memory.New(), WithProcessors(p))
	ctx := context.Background()

	for range 5 {
		_, err := s.Enqueue(ctx, provider.KindDB, "fair", task.New("").WithConcurrencyKey("flood"))
		require.NoError(t, err)
	}
	_, err := s.Enqueue(ctx, provider.KindDB, "fair", task.New("").WithConcurrencyKey("quiet"))
	require.NoError(t, err)
	_, err = s.Enqueue(ctx, provider.KindDB, "fair", task.New(""))
	require.NoError(t, err)

	step(t, s)

	assert.ElementsMatch(t, []string{"flood", "quiet", ""}, keys)
}

func TestDispatch_BodyIsLoaded(t *testing.T) {
	t.Parallel()

	got := make(chan string, 1)
	p := processor.New("body", func(_ context.Context, tk task.Task) error {
		got <- tk.Body
		return nil
	})
	s := newNode(t, memory.New(), WithProcessors(p))

	_, err := s.Enqueue(context.Background(), provider.KindDB, "body", task.New(`{"id":1}`))
	require.NoError(t, err)
	step(t, s)

	assert.Equal(t, `{"id":1}`, <-got)
}

func TestDispatch_FailurePolicies(t *testing.T) {
	t.Parallel()

	t.Run("finish", func(t *testing.T) {
		t.Parallel()

		obs := newRecordingObserver()
		p := processor.New("fails", func(context.Context, task.Task) error {
			return errors.New("upstream timeout")
		})
		s := newNode(t, memory.New(), WithProcessors(p), WithObserver(obs))

		_, err := s.Enqueue(context.Background(), provider.KindDB, "fails", task.New(""))
		require.NoError(t, err)
		step(t, s)

		assert.Equal(t, 1, count(t, s, "fails", task.StatusFinished))
		assert.Equal(t, 1, obs.failed)
	})

	t.Run("leave running until stale", func(t *testing.T) {
		t.Parallel()

		clk := newClock()
		var calls atomic.Int32
		p := processor.New("flaky", func(context.Context, task.Task) error {
			if calls.Add(1) == 1 {
				return errors.New("connection reset")
			}
			return nil
		})
		s := newNode(t, memory.New(memory.WithClock(clk.Now)), WithProcessors(p), WithFailurePolicy(FailureLeaveRunning))

		_, err := s.Enqueue(context.Background(), provider.KindDB, "flaky", task.New("").WithMaxTimeToRun(time.Second))
		require.NoError(t, err)

		step(t, s)
		assert.Equal(t, 1, count(t, s, "flaky", task.StatusRunning))

		step(t, s)
		assert.Equal(t, int32(1), calls.Load(), "a running task is not claimed again")

		clk.Advance(2 * time.Second)
		maintain(t, s)
		assert.Equal(t, 1, count(t, s, "flaky", task.StatusPending))

		step(t, s)
		assert.Equal(t, int32(2), calls.Load())
		assert.Equal(t, 1, count(t, s, "flaky", task.StatusFinished))
	})
}

func TestDispatch_PanicIsAFailure(t *testing.T) {
	t.Parallel()

	obs := newRecordingObserver()
	p := processor.New("panics", func(context.Context, task.Task) error {
		panic("nil map")
	})
	s := newNode(t, memory.New(), WithProcessors(p), WithObserver(obs))

	_, err := s.Enqueue(context.Background(), provider.KindDB, "panics", task.New(""))
	require.NoError(t, err)
	step(t, s)

	assert.Equal(t, 1, count(t, s, "panics", task.StatusFinished))
	assert.Equal(t, 1, obs.claimed)
	assert.Equal(t, 1, obs.failed)
	assert.Equal(t, 1, obs.ticks["dispatch"])
}

func TestDispatch_StaleTaskIsReclaimedByPeer(t *testing.T) {
	t.Parallel()

	clk := newClock()
	store := memory.New(memory.WithClock(clk.Now))

	release := make(chan struct{})
	var stuckCalls, peerCalls atomic.Int32
	stuck := newNode(t, store, WithProcessors(processor.New("job", func(context.Context, task.Task) error {
		stuckCalls.Add(1)
		<-release
		return nil
	})))
	peer := newNode(t, store, WithProcessors(processor.New("job", func(context.Context, task.Task) error {
		peerCalls.Add(1)
		return nil
	})))

	_, err := stuck.Enqueue(context.Background(), provider.KindDB, "job", task.New("").WithMaxTimeToRun(time.Second))
	require.NoError(t, err)

	require.NoError(t, stuck.dispatcher.Tick(context.Background()))
	require.Eventually(t, func() bool { return stuckCalls.Load() == 1 }, time.Second, time.Millisecond)

	step(t, peer)
	assert.Zero(t, peerCalls.Load())

	clk.Advance(2 * time.Second)
	maintain(t, peer)
	step(t, peer)
	assert.Equal(t, int32(1), peerCalls.Load())

	close(release)
	stuck.dispatcher.wait()
}

type stubProcessor struct {
	typ         string
	concurrency int
	enabled     bool
	probe       time.Duration
}

func (p *stubProcessor) Type() string                             { return p.typ }
func (p *stubProcessor) Concurrency() int                         { return p.concurrency }
func (p *stubProcessor) Process(context.Context, task.Task) error { return nil }

func (p *stubProcessor) Enabled() bool {
	time.Sleep(p.probe)
	return p.enabled
}

func TestDispatcher_Capacity(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	paced := processor.New("paced", nil, processor.WithConcurrency(5), processor.WithTakeInterval(time.Minute))
	r, rejected := NewRegistry(logger.NewNope(),
		processor.New("wide", nil, processor.WithConcurrency(3)),
		processor.New("paused", nil, processor.WithDisabled()),
		&stubProcessor{typ: "slow_probe", concurrency: 2, enabled: true, probe: 10 * time.Millisecond},
		paced,
	)
	require.Empty(t, rejected)

	d := newDispatcher(context.Background(), logger.NewNope(), nopObserver{}, nil, r, FailureFinish)
	d.now = func() time.Time { return now }

	assert.Equal(t, map[string]int{"wide": 3, "slow_probe": 2, "paced": 1}, d.Capacity())

	d.pools["wide"].running.Add(3)
	d.pools["paced"].lastTake.Store(now.Add(-30 * time.Second).UnixNano())
	assert.Equal(t, map[string]int{"slow_probe": 2}, d.Capacity())

	now = now.Add(time.Minute)
	assert.Equal(t, map[string]int{"slow_probe": 2, "paced": 1}, d.Capacity())

	d.stop()
	assert.Empty(t, d.Capacity())
}
