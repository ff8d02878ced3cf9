package cache

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/autolog/internal/kvstore"
	"github.com/tonimelisma/autolog/internal/offline"
)

type vehicleRow struct {
	ID   string `json:"id"`
	Make string `json:"make"`
}

func newTestCache(t *testing.T) (*Cache, *kvstore.MemoryStore, *time.Time) {
	t.Helper()

	store := kvstore.NewMemoryStore()
	c := New(store, time.Hour, slog.Default())

	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	c.nowFunc = func() time.Time { return now }

	return c, store, &now
}

func TestCache_PutGet(t *testing.T) {
	t.Parallel()

	c, _, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, offline.EntityVehicle, []vehicleRow{{ID: "v1", Make: "Volvo"}}))

	var got []vehicleRow
	found, err := c.Get(ctx, offline.EntityVehicle, &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []vehicleRow{{ID: "v1", Make: "Volvo"}}, got)
}

func TestCache_ExpiredEntryIsDropped(t *testing.T) {
	t.Parallel()

	c, store, now := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, offline.EntityExpense, []string{"a"}))

	*now = now.Add(2 * time.Hour)

	var got []string
	found, err := c.Get(ctx, offline.EntityExpense, &got)
	require.NoError(t, err)
	assert.False(t, found)

	_, ok, err := store.Get(ctx, KeyPrefix+"expense")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCache_CorruptEntryIsDropped(t *testing.T) {
	t.Parallel()

	c, store, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, KeyPrefix+"vehicle", "garbage"))

	var got []vehicleRow
	found, err := c.Get(ctx, offline.EntityVehicle, &got)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCache_ClearLeavesQueueAlone(t *testing.T) {
	t.Parallel()

	c, store, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, offline.EntityVehicle, []string{}))
	require.NoError(t, c.Put(ctx, offline.EntityMaintenance, []string{}))
	require.NoError(t, store.Set(ctx, offline.StorageKey, "[]"))

	n, err := c.Clear(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, ok, err := store.Get(ctx, offline.StorageKey)
	require.NoError(t, err)
	assert.True(t, ok)
}
