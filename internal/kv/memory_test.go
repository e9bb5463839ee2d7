package kv

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ztafinance/gateway/internal/clock"
)

func TestMemoryStore_SetGetTTL(t *testing.T) {
	clk := clock.NewManual(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	store := NewMemoryStoreWithClock(clk)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "a", []byte("1"), 10*time.Second))

	val, err := store.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), val)

	clk.Advance(11 * time.Second)

	_, err = store.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)

	exists, err := store.Exists(ctx, "a")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestMemoryStore_IncrExpire(t *testing.T) {
	clk := clock.NewManual(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	store := NewMemoryStoreWithClock(clk)
	ctx := context.Background()

	n, err := store.Incr(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, store.Expire(ctx, "counter", 60*time.Second))

	n, err = store.Incr(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// Counter resets once the window expires.
	clk.Advance(61 * time.Second)
	n, err = store.Incr(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestMemoryStore_ListOps(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for _, v := range []string{"one", "two", "three"} {
		require.NoError(t, store.LPush(ctx, "l", []byte(v)))
	}

	// LPUSH ordering: newest first.
	vals, err := store.LRange(ctx, "l", 0, -1)
	require.NoError(t, err)
	require.Len(t, vals, 3)
	assert.Equal(t, "three", string(vals[0]))
	assert.Equal(t, "one", string(vals[2]))

	require.NoError(t, store.LTrim(ctx, "l", 0, 1))
	vals, err = store.LRange(ctx, "l", 0, -1)
	require.NoError(t, err)
	assert.Len(t, vals, 2)
}

func TestMemoryStore_SetOps(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.SAdd(ctx, "s", "a", "b", "a"))
	members, err := store.SMembers(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, members)

	require.NoError(t, store.SRem(ctx, "s", "a"))
	members, err = store.SMembers(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, members)
}

func TestMemoryStore_ScanPrefix(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "device/u1/d1", []byte("x"), 0))
	require.NoError(t, store.Set(ctx, "device/u1/d2", []byte("y"), 0))
	require.NoError(t, store.Set(ctx, "device/u2/d1", []byte("z"), 0))

	keys, err := store.Scan(ctx, "device/u1/")
	require.NoError(t, err)
	assert.Equal(t, []string{"device/u1/d1", "device/u1/d2"}, keys)
}

func TestMemoryStore_ContextCancellation(t *testing.T) {
	store := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.Get(ctx, "a")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Error(t, store.Set(ctx, "a", []byte("1"), 0))
}
