package lease

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisBackend(t *testing.T) (*RedisBackend, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisBackend(client), mr
}

func TestRedisAcquireIsExclusive(t *testing.T) {
	backend, _ := newRedisBackend(t)
	ctx := context.Background()

	ok, err := backend.Acquire(ctx, nil, "itm-1", "agent-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = backend.Acquire(ctx, nil, "itm-1", "agent-2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// A different item is independent.
	ok, err = backend.Acquire(ctx, nil, "itm-2", "agent-2", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisExtendOnlyByHolder(t *testing.T) {
	backend, _ := newRedisBackend(t)
	ctx := context.Background()

	ok, err := backend.Acquire(ctx, nil, "itm-1", "agent-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = backend.Extend(ctx, nil, "itm-1", "agent-1", 2*time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = backend.Extend(ctx, nil, "itm-1", "agent-2", 2*time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisExtendAfterExpiry(t *testing.T) {
	backend, mr := newRedisBackend(t)
	ctx := context.Background()

	ok, err := backend.Acquire(ctx, nil, "itm-1", "agent-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Minute)

	ok, err = backend.Extend(ctx, nil, "itm-1", "agent-1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisReleaseFreesTheKey(t *testing.T) {
	backend, _ := newRedisBackend(t)
	ctx := context.Background()

	ok, err := backend.Acquire(ctx, nil, "itm-1", "agent-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// A non-holder cannot release.
	ok, err = backend.Release(ctx, nil, "itm-1", "agent-2")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = backend.Release(ctx, nil, "itm-1", "agent-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = backend.Acquire(ctx, nil, "itm-1", "agent-2", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}
