package offload_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/clustertasks/pkg/blob"
	"github.com/dmitrymomot/clustertasks/pkg/provider"
	"github.com/dmitrymomot/clustertasks/pkg/provider/memory"
	"github.com/dmitrymomot/clustertasks/pkg/provider/offload"
	"github.com/dmitrymomot/clustertasks/pkg/provider/providertest"
	"github.com/dmitrymomot/clustertasks/pkg/task"
)

func TestConformance(t *testing.T) {
	t.Parallel()

	providertest.Run(t, func(t *testing.T, s provider.Settings) provider.Provider {
		return offload.Wrap(memory.New(memory.WithSettings(s)), blob.NewMemory(), 4)
	})
}

func newTask(key, body string) task.Task {
	return task.Task{
		ProcessorType: "big",
		UniquenessKey: key,
		Type:          task.TypeRegular,
		Body:          body,
	}
}

func TestLargeBodiesRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	inner := memory.New()
	store := blob.NewMemory()
	p := offload.Wrap(inner, store, 8)

	large := strings.Repeat("x", 32)
	results := p.StoreTasks(ctx, newTask("a", large), newTask("b", "small"))
	require.True(t, results[0].OK())
	require.True(t, results[1].OK())
	assert.Equal(t, 1, store.Len())

	raw, err := inner.RetrieveBody(ctx, results[0].ID, provider.PartitionFor(results[0].ID))
	require.NoError(t, err)
	assert.NotEqual(t, large, raw, "the wrapped provider only keeps a reference")

	rec := providertest.NewRecorder(map[string]int{"big": 2})
	require.NoError(t, p.ClaimAndDispatch(ctx, rec))
	claimed := rec.Take()
	require.Len(t, claimed, 2)

	body, err := p.RetrieveBody(ctx, claimed[0].ID, claimed[0].PartitionIndex)
	require.NoError(t, err)
	assert.Equal(t, large, body)

	body, err = p.RetrieveBody(ctx, claimed[1].ID, claimed[1].PartitionIndex)
	require.NoError(t, err)
	assert.Equal(t, "small", body)

	require.NoError(t, p.MarkFinished(ctx, claimed[0].ID))
	assert.Equal(t, 0, store.Len(), "finishing a task removes its blob")
}

func TestRejectedTasksDropTheirBlob(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := blob.NewMemory()
	p := offload.Wrap(memory.New(), store, 8)

	large := strings.Repeat("y", 16)
	results := p.StoreTasks(ctx, newTask("same", large), newTask("same", large))
	assert.Equal(t, task.PersistSuccess, results[0].Status)
	assert.Equal(t, task.PersistUniqueConstraint, results[1].Status)
	assert.Equal(t, 1, store.Len())
}

type keyRecorder struct {
	*blob.Memory
	keys []string
}

func (r *keyRecorder) Put(ctx context.Context, key string, data []byte) error {
	r.keys = append(r.keys, key)
	return r.Memory.Put(ctx, key, data)
}

func TestExpiredBlob(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := &keyRecorder{Memory: blob.NewMemory()}
	p := offload.Wrap(memory.New(), store, 8)

	results := p.StoreTasks(ctx, newTask("gone", strings.Repeat("z", 16)))
	require.True(t, results[0].OK())
	require.Len(t, store.keys, 1)
	require.NoError(t, store.Delete(ctx, store.keys[0]))

	_, err := p.RetrieveBody(ctx, results[0].ID, provider.PartitionFor(results[0].ID))
	require.ErrorIs(t, err, provider.ErrBodyNotFound)
}
