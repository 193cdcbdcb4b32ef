package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/resale-search-gateway/internal/clock/manual"
)

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis, *manual.Clock) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	clk := manual.New(epoch)
	return NewRedisStore(client, "test:", clk), mr, clk
}

func TestRedisStoreRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, mr, clk := newRedisStore(t)

	require.NoError(t, store.Set(ctx, "k", entryAt(clk, "shoe", time.Minute)))
	require.True(t, mr.Exists("test:k"))

	got, ok, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "shoe", got.Page.Items[0].Title)

	_, ok, err = store.Get(ctx, "absent")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRedisStoreHonorsTTL(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, mr, clk := newRedisStore(t)

	require.NoError(t, store.Set(ctx, "k", entryAt(clk, "shoe", time.Minute)))
	mr.FastForward(time.Minute)

	_, ok, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRedisStoreHidesEntriesExpiredByClock(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, _, clk := newRedisStore(t)

	require.NoError(t, store.Set(ctx, "k", entryAt(clk, "shoe", time.Minute)))
	clk.Advance(time.Minute)

	_, ok, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRedisStoreClearScopedToPrefix(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, mr, clk := newRedisStore(t)

	require.NoError(t, mr.Set("other:key", "untouched"))
	for _, key := range []string{"a", "b", "c"} {
		require.NoError(t, store.Set(ctx, key, entryAt(clk, key, time.Minute)))
	}

	require.Len(t, mr.Keys(), 4)

	require.NoError(t, store.Clear(ctx))
	require.Equal(t, []string{"other:key"}, mr.Keys())
}

func TestCacheStatsSkipsRedisKeyspace(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, mr, clk := newRedisStore(t)
	c := New(store, clk, nil)
	for _, key := range []string{"a", "b", "c"} {
		c.Store(ctx, key, samplePage(key), time.Minute)
	}
	_, ok := c.Lookup(ctx, "a")
	require.True(t, ok)

	before := mr.CommandCount()
	stats := c.Stats(ctx)
	require.Equal(t, before, mr.CommandCount())
	require.Nil(t, stats.Entries)
	require.Equal(t, int64(1), stats.Hits)
}

func TestNewRedisClientRequiresAddress(t *testing.T) {
	t.Parallel()
	_, err := NewRedisClient(context.Background(), RedisConfig{})
	require.ErrorIs(t, err, ErrEmptyAddress)
}

func TestNewRedisClientPings(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	client, err := NewRedisClient(context.Background(), RedisConfig{Address: mr.Addr()})
	require.NoError(t, err)
	require.NoError(t, client.Close())
}
