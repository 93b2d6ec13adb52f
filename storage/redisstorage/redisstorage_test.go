package redisstorage_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/jrsteele09/jobboard-client/storage/redisstorage"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisStorage_SetGetRemove(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newTestRedis(t)
	s := redisstorage.New(rdb, "test:")

	_, ok, err := s.Get(ctx, "credential")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, "credential", "blob"))
	assert.True(t, mr.Exists("test:credential"))

	v, ok, err := s.Get(ctx, "credential")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "blob", v)

	require.NoError(t, s.Remove(ctx, "credential"))
	assert.False(t, mr.Exists("test:credential"))
	require.NoError(t, s.Remove(ctx, "credential"))
}

func TestRedisStorage_DefaultPrefix(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newTestRedis(t)
	s := redisstorage.New(rdb, "")

	require.NoError(t, s.Set(ctx, "k", "v"))
	assert.True(t, mr.Exists("jobboard:k"))
}

func TestRedisStorage_ServerDown(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newTestRedis(t)
	s := redisstorage.New(rdb, "")
	mr.Close()

	_, _, err := s.Get(ctx, "k")
	require.Error(t, err)
	require.Error(t, s.Set(ctx, "k", "v"))
}
