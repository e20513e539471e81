package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedis(t *testing.T) (*miniredis.Miniredis, *RedisDedup) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)

	d, err := NewRedisDedup(context.Background(), RedisConfig{Addr: mr.Addr()})
	require.NoError(t, err)

	t.Cleanup(func() {
		d.Close()
		mr.Close()
	})
	return mr, d
}

func TestRedisDedup_FirstClaimWins(t *testing.T) {
	_, d := setupRedis(t)
	ctx := context.Background()

	ok, err := d.Claim(ctx, "dedup:whatsapp:wamid.1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = d.Claim(ctx, "dedup:whatsapp:wamid.1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = d.Claim(ctx, "dedup:instagram:wamid.1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "scopes are independent")
}

func TestRedisDedup_ExpiresWithWindow(t *testing.T) {
	mr, d := setupRedis(t)
	ctx := context.Background()

	ok, err := d.Claim(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Minute)

	ok, err = d.Claim(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisDedup_Release(t *testing.T) {
	mr, d := setupRedis(t)
	ctx := context.Background()

	ok, err := d.Claim(ctx, "dedup:whatsapp:wamid.2", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, d.Release(ctx, "dedup:whatsapp:wamid.2"))
	assert.False(t, mr.Exists("dedup:whatsapp:wamid.2"))

	ok, err = d.Claim(ctx, "dedup:whatsapp:wamid.2", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.NoError(t, d.Release(ctx, "never-claimed"))
}

func TestRedisDedup_ConcurrentClaims(t *testing.T) {
	_, d := setupRedis(t)
	ctx := context.Background()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, err := d.Claim(ctx, "same", time.Minute); err == nil && ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestRedisDedup_ErrorWhenDown(t *testing.T) {
	mr, d := setupRedis(t)
	mr.Close()

	_, err := d.Claim(context.Background(), "k", time.Minute)
	assert.Error(t, err)
}

func TestNewRedisDedup_Unreachable(t *testing.T) {
	_, err := NewRedisDedup(context.Background(), RedisConfig{Addr: "127.0.0.1:1"})
	assert.Error(t, err)
}
