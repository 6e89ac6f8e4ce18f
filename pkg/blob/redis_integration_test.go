//go:build integration

package blob_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/clustertasks/pkg/blob"
	"github.com/dmitrymomot/clustertasks/pkg/redis"
)

func TestRedis(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		url = "redis://localhost:6379/0"
	}
	ctx := context.Background()

	client, err := redis.Open(ctx, redis.Config{URL: url})
	require.NoError(t, err, "failed to connect to Redis")
	t.Cleanup(func() { _ = client.Close() })

	store := blob.NewRedis(client, blob.WithRedisPrefix("test-blob"), blob.WithRedisTTL(time.Minute))

	_, err = store.Get(ctx, "missing")
	require.ErrorIs(t, err, blob.ErrNotFound)

	require.NoError(t, store.Put(ctx, "k", []byte("payload")))
	got, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), got)

	ttl, err := client.TTL(ctx, "test-blob:k").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	require.NoError(t, store.Delete(ctx, "k"))
	_, err = store.Get(ctx, "k")
	require.ErrorIs(t, err, blob.ErrNotFound)
}
