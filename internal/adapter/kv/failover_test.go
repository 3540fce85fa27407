package kv_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wavecraft/studio-core/internal/adapter/kv"
)

func newFailover(t *testing.T) (*kv.Failover, *miniredis.Miniredis, *kv.RedisStore) {
	t.Helper()
	mini := miniredis.RunT(t)
	remote := kv.NewRedisStore(redis.NewClient(&redis.Options{Addr: mini.Addr()}))
	f, err := kv.NewFailover(remote, 10*time.Millisecond)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	return f, mini, remote
}

func TestFailover_RoutesToRemoteWhileHealthy(t *testing.T) {
	t.Parallel()
	f, mini, _ := newFailover(t)
	ctx := context.Background()

	require.NoError(t, f.Set(ctx, "k", "v"))
	assert.True(t, f.Healthy())

	// The write landed on the remote, not the embedded fallback.
	got, err := mini.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)

	v, err := f.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)
}

func TestFailover_SwitchesToFallbackOnOutage(t *testing.T) {
	t.Parallel()
	f, mini, _ := newFailover(t)
	ctx := context.Background()

	mini.SetError("connection refused")
	require.NoError(t, f.Set(ctx, "k", "fallback"))
	assert.False(t, f.Healthy())

	v, err := f.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "fallback", v)
}

func TestFailover_ReconcilesOnRecovery(t *testing.T) {
	t.Parallel()
	f, mini, remote := newFailover(t)
	ctx := context.Background()

	mini.SetError("connection refused")
	require.NoError(t, f.Set(ctx, "orphan", "from-fallback"))
	require.NoError(t, f.SetEx(ctx, "orphan-ttl", "x", time.Hour))
	require.NoError(t, f.ZAdd(ctx, "zq", 3, "job-1"))
	require.False(t, f.Healthy())

	mini.SetError("")
	time.Sleep(20 * time.Millisecond) // let the probe window lapse
	require.NoError(t, f.Ping(ctx))
	assert.True(t, f.Healthy())

	v, err := remote.Get(ctx, "orphan")
	require.NoError(t, err)
	assert.Equal(t, "from-fallback", v)
	ttl, err := remote.TTL(ctx, "orphan-ttl")
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
	n, err := remote.ZCard(ctx, "zq")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestFailover_RemoteWinsOnConflict(t *testing.T) {
	t.Parallel()
	f, mini, _ := newFailover(t)
	ctx := context.Background()

	require.NoError(t, f.Set(ctx, "k", "remote"))

	mini.SetError("connection refused")
	require.NoError(t, f.Set(ctx, "k", "local"))

	mini.SetError("")
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, f.Ping(ctx))

	v, err := f.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "remote", v)
}

func TestFailover_PingAlwaysSucceeds(t *testing.T) {
	t.Parallel()
	f, mini, _ := newFailover(t)
	mini.SetError("connection refused")
	assert.NoError(t, f.Ping(context.Background()))
	assert.False(t, f.Healthy())
}
