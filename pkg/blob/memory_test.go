package blob_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/clustertasks/pkg/blob"
)

func TestMemory(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := blob.NewMemory()

	_, err := m.Get(ctx, "missing")
	require.ErrorIs(t, err, blob.ErrNotFound)

	payload := []byte("payload")
	require.NoError(t, m.Put(ctx, "k", payload))
	payload[0] = 'X'

	got, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), got, "stored data is copied")
	assert.Equal(t, 1, m.Len())

	require.NoError(t, m.Delete(ctx, "k"))
	require.NoError(t, m.Delete(ctx, "k"))
	assert.Equal(t, 0, m.Len())
}
