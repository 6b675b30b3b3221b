package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"

	"github.com/Additional-Code/dispatch/internal/config"
)

type snapshot struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func TestMemoryStoreJSONRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemory(time.Minute)

	require.NoError(t, SetJSON(ctx, store, OrderKey("o-1"), snapshot{ID: "o-1", Status: "placed"}, 0))

	var got snapshot
	require.NoError(t, GetJSON(ctx, store, OrderKey("o-1"), &got))
	assert.Equal(t, snapshot{ID: "o-1", Status: "placed"}, got)

	require.NoError(t, store.Delete(ctx, OrderKey("o-1")))
	assert.ErrorIs(t, GetJSON(ctx, store, OrderKey("o-1"), &got), ErrCacheMiss)
}

func TestMemoryStoreExpires(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 1, 10, 12, 0, 0, 0, time.UTC)
	store := NewMemory(time.Minute).(*memoryStore)
	store.now = func() time.Time { return now }

	require.NoError(t, store.Set(ctx, "k", []byte("v"), 0))
	now = now.Add(59 * time.Second)
	got, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)

	now = now.Add(time.Second)
	_, err = store.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestMemoryStoreRejectsEmptyKey(t *testing.T) {
	assert.Error(t, NewMemory(0).Set(context.Background(), "", []byte("v"), 0))
}

func TestNoopStoreAlwaysMisses(t *testing.T) {
	ctx := context.Background()
	store := NewNoop()
	require.NoError(t, store.Set(ctx, "k", []byte("v"), time.Minute))
	_, err := store.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestNewStoreSelectsDriver(t *testing.T) {
	lc := fxtest.NewLifecycle(t)
	logger := zap.NewNop()

	disabled, err := NewStore(lc, config.Config{Cache: config.Cache{Enabled: false, Driver: "redis"}}, logger)
	require.NoError(t, err)
	assert.IsType(t, noopStore{}, disabled)

	memory, err := NewStore(lc, config.Config{Cache: config.Cache{Enabled: true, Driver: "memory"}}, logger)
	require.NoError(t, err)
	assert.IsType(t, &memoryStore{}, memory)

	_, err = NewStore(lc, config.Config{Cache: config.Cache{Enabled: true, Driver: "memcached"}}, logger)
	assert.Error(t, err)
}
