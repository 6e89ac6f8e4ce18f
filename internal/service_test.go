package internal

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/clustertasks/pkg/processor"
	"github.com/dmitrymomot/clustertasks/pkg/provider"
	"github.com/dmitrymomot/clustertasks/pkg/provider/memory"
	"github.com/dmitrymomot/clustertasks/pkg/task"
)

func TestNew_Intervals(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		poll, gc time.Duration
		wantPoll time.Duration
		wantGC   time.Duration
	}{
		{name: "defaults", wantPoll: DefaultPollInterval, wantGC: DefaultGCInterval},
		{name: "below floor", poll: time.Millisecond, gc: time.Second, wantPoll: MinPollInterval, wantGC: MinGCInterval},
		{name: "negative", poll: -time.Second, gc: -time.Second, wantPoll: MinPollInterval, wantGC: MinGCInterval},
		{name: "explicit", poll: 2 * time.Second, gc: time.Minute, wantPoll: 2 * time.Second, wantGC: time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := New(WithPollInterval(tt.poll), WithGCInterval(tt.gc))
			assert.Equal(t, tt.wantPoll, s.pollInterval)
			assert.Equal(t, tt.wantGC, s.gcInterval)
		})
	}
}

func TestService_Lifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New(WithProvider(provider.KindDB, memory.New()), WithPollInterval(time.Hour), WithGCInterval(time.Hour))
	require.Len(t, s.InstanceID(), 26)
	assert.Equal(t, StateUninitialized, s.State())

	_, err := s.Enqueue(ctx, provider.KindDB, "report", task.New("x"))
	require.ErrorIs(t, err, ErrNotReady)
	require.ErrorIs(t, s.Stop(ctx), ErrNotStarted)

	ready, err := s.Readiness()
	assert.False(t, ready)
	require.NoError(t, err)

	require.NoError(t, s.Start(ctx))
	assert.Equal(t, StateReady, s.State())
	require.ErrorIs(t, s.Start(ctx), ErrAlreadyStarted)

	ready, err = s.Readiness()
	assert.True(t, ready)
	require.NoError(t, err)

	results, err := s.Enqueue(ctx, provider.KindDB, "report", task.New("x"))
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, task.PersistSuccess, results[0].Status)

	require.NoError(t, s.Stop(ctx))
	assert.Equal(t, StateStopped, s.State())
	select {
	case <-s.Done():
	default:
		t.Fatal("Done is not closed after Stop")
	}

	_, err = s.Enqueue(ctx, provider.KindDB, "report", task.New("x"))
	require.ErrorIs(t, err, ErrStopped)
	require.ErrorIs(t, s.Stop(ctx), ErrNotStarted)
}

func TestService_StartWithoutProvider(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New()

	err := s.Start(ctx)
	require.ErrorIs(t, err, ErrNoProvider)
	assert.Equal(t, StateFailed, s.State())

	_, err = s.Enqueue(ctx, provider.KindDB, "report", task.New("x"))
	require.ErrorIs(t, err, ErrInitFailed)
	require.ErrorIs(t, err, ErrNoProvider)

	ready, err := s.Readiness()
	assert.False(t, ready)
	require.ErrorIs(t, err, ErrNoProvider)

	require.NoError(t, s.Stop(ctx))
}

func TestService_StartWithClosedProvider(t *testing.T) {
	t.Parallel()

	store := memory.New()
	require.NoError(t, store.Close())

	s := New(WithProvider(provider.KindDB, store))
	require.ErrorIs(t, s.Start(context.Background()), ErrProviderDown)
	assert.Equal(t, StateFailed, s.State())
}

type failingMigrator struct {
	*memory.Provider
}

func (failingMigrator) Migrate(context.Context) error {
	return errors.New("permission denied for schema public")
}

func TestService_StartMigrates(t *testing.T) {
	t.Parallel()

	s := New(WithProvider(provider.KindDB, failingMigrator{memory.New()}))
	err := s.Start(context.Background())
	require.ErrorIs(t, err, ErrMigrateFailed)
	assert.Contains(t, err.Error(), "permission denied")
}

func TestService_ConfigReady(t *testing.T) {
	t.Parallel()

	t.Run("ready", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		ready := make(chan error, 1)
		s := New(WithProvider(provider.KindDB, memory.New()), WithConfigReady(ready),
			WithPollInterval(time.Hour), WithGCInterval(time.Hour))
		t.Cleanup(func() { _ = s.Stop(ctx) })

		started := make(chan error, 1)
		go func() { started <- s.Start(ctx) }()

		require.Eventually(t, func() bool { return s.State() == StateAwaitingConfig }, time.Second, time.Millisecond)
		_, err := s.Enqueue(ctx, provider.KindDB, "report", task.New("x"))
		require.ErrorIs(t, err, ErrNotReady)

		ready <- nil
		require.NoError(t, <-started)
		assert.Equal(t, StateReady, s.State())
	})

	t.Run("closed channel means ready", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		ready := make(chan error)
		close(ready)
		s := New(WithProvider(provider.KindDB, memory.New()), WithConfigReady(ready),
			WithPollInterval(time.Hour), WithGCInterval(time.Hour))
		t.Cleanup(func() { _ = s.Stop(ctx) })

		require.NoError(t, s.Start(ctx))
		assert.Equal(t, StateReady, s.State())
	})

	t.Run("host failure", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		ready := make(chan error, 1)
		ready <- errors.New("secrets unavailable")
		s := New(WithProvider(provider.KindDB, memory.New()), WithConfigReady(ready))

		err := s.Start(ctx)
		require.ErrorIs(t, err, ErrConfigFailed)
		assert.Equal(t, StateFailed, s.State())

		_, err = s.Enqueue(ctx, provider.KindDB, "report", task.New("x"))
		require.ErrorIs(t, err, ErrInitFailed)
		assert.Contains(t, err.Error(), "secrets unavailable")
	})

	t.Run("context cancelled while waiting", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		s := New(WithProvider(provider.KindDB, memory.New()), WithConfigReady(make(chan error)))

		err := s.Start(ctx)
		require.ErrorIs(t, err, ErrConfigFailed)
		require.ErrorIs(t, err, context.Canceled)
	})
}

func TestService_EnqueueValidation(t *testing.T) {
	t.Parallel()

	store := memory.New()
	s := newNode(t, store)
	ctx := context.Background()

	tests := []struct {
		name    string
		kind    provider.Kind
		typ     string
		tasks   []*task.ClusterTask
		wantErr error
	}{
		{name: "empty kind", typ: "report", tasks: []*task.ClusterTask{task.New("")}, wantErr: ErrUnknownProviderKind},
		{name: "unknown kind", kind: "redis", typ: "report", tasks: []*task.ClusterTask{task.New("")}, wantErr: ErrUnknownProviderKind},
		{name: "empty type", kind: provider.KindDB, tasks: []*task.ClusterTask{task.New("")}, wantErr: ErrInvalidProcessorType},
		{name: "type too long", kind: provider.KindDB, typ: strings.Repeat("x", 41), tasks: []*task.ClusterTask{task.New("")}, wantErr: task.ErrProcessorTypeTooLong},
		{name: "no tasks", kind: provider.KindDB, typ: "report", wantErr: ErrNoTasks},
		{name: "nil task", kind: provider.KindDB, typ: "report", tasks: []*task.ClusterTask{task.New(""), nil}, wantErr: ErrNilTask},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			results, err := s.Enqueue(ctx, tt.kind, tt.typ, tt.tasks...)
			require.ErrorIs(t, err, tt.wantErr)
			assert.Nil(t, results)
		})
	}

	n, err := store.CountTasks(ctx, provider.CountFilter{})
	require.NoError(t, err)
	assert.Zero(t, n, "rejected submissions must not reach storage")
}

func TestService_EnqueueConversion(t *testing.T) {
	t.Parallel()

	store := newRecordingProvider()
	keys := 0
	s := newNode(t, store, withKeyGenerator(func() string {
		keys++
		return "generated-" + string(rune('a'+keys))
	}))

	_, err := s.Enqueue(context.Background(), provider.KindDB, "report",
		task.New("body"),
		task.New("").WithConcurrencyKey("account:1"),
		task.New("").WithUniquenessKey("daily").WithConcurrencyKey("account:2"),
		task.New("").WithDelay(-time.Second).WithMaxTimeToRun(5*time.Second),
	)
	require.NoError(t, err)

	stored := store.Stored()
	require.Len(t, stored, 4)

	for _, st := range stored {
		assert.Equal(t, "report", st.ProcessorType)
		assert.Equal(t, task.TypeRegular, st.Type)
		assert.NotEmpty(t, st.UniquenessKey)
	}

	assert.Equal(t, "body", stored[0].Body)
	assert.Equal(t, "generated-b", stored[0].UniquenessKey)
	assert.Empty(t, stored[0].ConcurrencyKey)
	assert.Equal(t, task.DefaultMaxTimeToRun, stored[0].MaxTimeToRun)

	assert.Equal(t, "account:1", stored[1].ConcurrencyKey)
	assert.Equal(t, "generated-c", stored[1].UniquenessKey)

	assert.Equal(t, "daily", stored[2].UniquenessKey)
	assert.Equal(t, "daily", stored[2].ConcurrencyKey, "uniqueness key doubles as concurrency key")

	assert.Zero(t, stored[3].Delay)
	assert.Equal(t, 5*time.Second, stored[3].MaxTimeToRun)
}

func TestService_UniquenessAcrossNodes(t *testing.T) {
	t.Parallel()

	store := memory.New()
	obs := newRecordingObserver()
	a := newNode(t, store, WithObserver(obs))
	b := newNode(t, store)
	ctx := context.Background()

	first, err := a.Enqueue(ctx, provider.KindDB, "report", task.New("1").WithUniquenessKey("monthly"))
	require.NoError(t, err)
	second, err := b.Enqueue(ctx, provider.KindDB, "report", task.New("2").WithUniquenessKey("monthly"))
	require.NoError(t, err)

	assert.Equal(t, task.PersistSuccess, first[0].Status)
	assert.Equal(t, task.PersistUniqueConstraint, second[0].Status)
	assert.True(t, second[0].OK())
	assert.Equal(t, 1, count(t, a, "report"))

	third, err := a.Enqueue(ctx, provider.KindDB, "report", task.New("3").WithUniquenessKey("monthly"))
	require.NoError(t, err)
	assert.Equal(t, task.PersistUniqueConstraint, third[0].Status)
	assert.Equal(t, 1, obs.enqueued[task.PersistSuccess])
	assert.Equal(t, 1, obs.enqueued[task.PersistUniqueConstraint])
}

func TestService_Counts(t *testing.T) {
	t.Parallel()

	s := newNode(t, memory.New())
	ctx := context.Background()

	_, err := s.Enqueue(ctx, provider.KindDB, "report",
		task.New("").WithConcurrencyKey("a"),
		task.New("").WithConcurrencyKey("a"),
		task.New("").WithConcurrencyKey("b"),
	)
	require.NoError(t, err)
	_, err = s.Enqueue(ctx, provider.KindDB, "export", task.New(""))
	require.NoError(t, err)

	assert.Equal(t, 3, count(t, s, "report"))
	assert.Equal(t, 3, count(t, s, "report", task.StatusPending))
	assert.Zero(t, count(t, s, "report", task.StatusRunning))

	n, err := s.CountTasksByKey(ctx, provider.KindDB, "report", "a")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	byType, err := s.CountByStatus(ctx, provider.KindDB, task.StatusPending)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"report": 3, "export": 1}, byType)

	_, err = s.CountByStatus(ctx, provider.KindDB, task.Status("DONE"))
	require.Error(t, err)
	_, err = s.CountTasks(ctx, provider.KindDB, "")
	require.ErrorIs(t, err, ErrInvalidProcessorType)
	_, err = s.CountTasks(ctx, "other", "report")
	require.ErrorIs(t, err, ErrUnknownProviderKind)
}

func TestService_Healthcheck(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.New()
	s := New(WithProvider(provider.KindDB, store), WithPollInterval(time.Hour), WithGCInterval(time.Hour))
	check := s.Healthcheck()

	require.ErrorIs(t, check(ctx), ErrNotReady)

	require.NoError(t, s.Start(ctx))
	require.NoError(t, check(ctx))

	require.NoError(t, store.Close())
	require.ErrorIs(t, check(ctx), ErrProviderDown)

	require.NoError(t, s.Stop(ctx))
	require.ErrorIs(t, check(ctx), ErrStopped)
}

func TestService_StopDrainTimeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	started := make(chan struct{})
	p := processor.New("slow", func(context.Context, task.Task) error {
		close(started)
		<-release
		return nil
	})

	store := memory.New()
	s := New(WithProvider(provider.KindDB, store), WithProcessors(p),
		WithPollInterval(time.Hour), WithGCInterval(time.Hour))
	require.NoError(t, s.Start(context.Background()))

	_, err := s.Enqueue(context.Background(), provider.KindDB, "slow", task.New(""))
	require.NoError(t, err)
	require.NoError(t, s.dispatcher.Tick(context.Background()))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, s.Stop(ctx), context.DeadlineExceeded)

	close(release)
	s.dispatcher.wait()

	select {
	case <-s.Done():
	default:
		t.Fatal("Done is not closed after a timed out Stop")
	}
}

func TestRun(t *testing.T) {
	t.Parallel()

	s := New(WithProvider(provider.KindDB, memory.New()), WithPollInterval(time.Hour), WithGCInterval(time.Hour))
	ctx, cancel := context.WithCancel(context.Background())

	var hookCalled bool
	go func() {
		defer cancel()
		assert.Eventually(t, func() bool { return s.State() == StateReady }, time.Second, time.Millisecond)
	}()

	err := Run(s, WithContext(ctx), ShutdownHook(func(context.Context) error {
		hookCalled = true
		return nil
	}))
	require.NoError(t, err)
	assert.True(t, hookCalled)
	assert.Equal(t, StateStopped, s.State())
}

func TestNew_InstanceID(t *testing.T) {
	t.Parallel()

	assert.Len(t, New().InstanceID(), 26)
	assert.Equal(t, "node-a", New(WithInstanceID("node-a")).InstanceID())
	assert.NotEmpty(t, New(WithInstanceID("")).InstanceID())
}
