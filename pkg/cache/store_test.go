package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_RecordAndLookup(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, hit, err := store.Lookup(ctx, "fp-1")
	require.NoError(t, err)
	assert.False(t, hit)

	require.NoError(t, store.Record(ctx, Entry{
		Fingerprint: "fp-1",
		Provider:    "openai",
		Host:        "api.openai.com",
		BatchID:     "batch-1",
		CustomID:    "custom-1",
	}))

	entry, hit, err := store.Lookup(ctx, "fp-1")
	require.NoError(t, err)
	require.True(t, hit)
	assert.Equal(t, "batch-1", entry.BatchID)
	assert.Equal(t, "custom-1", entry.CustomID)
}

func TestMemoryStore_ByBatch(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Record(ctx, Entry{Fingerprint: "fp-1", BatchID: "batch-1", CustomID: "c1"}))
	require.NoError(t, store.Record(ctx, Entry{Fingerprint: "fp-2", BatchID: "batch-1", CustomID: "c2"}))
	require.NoError(t, store.Record(ctx, Entry{Fingerprint: "fp-3", BatchID: "batch-2", CustomID: "c3"}))

	entries, err := store.ByBatch(ctx, "batch-1")
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestMemoryStore_LookupIgnoresRowsPastRetention(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Record(ctx, Entry{
		Fingerprint: "fp-expired",
		BatchID:     "batch-1",
		CreatedAt:   time.Now().Add(-(Retention + time.Hour)),
	}))

	_, hit, err := store.Lookup(ctx, "fp-expired")
	require.NoError(t, err)
	assert.False(t, hit, "a row past the retention window must not be returned as a hit, even before Prune runs")
}

func TestMemoryStore_Prune(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Record(ctx, Entry{
		Fingerprint: "fp-old",
		BatchID:     "batch-1",
		CreatedAt:   time.Now().Add(-48 * time.Hour),
	}))
	require.NoError(t, store.Record(ctx, Entry{
		Fingerprint: "fp-new",
		BatchID:     "batch-1",
		CreatedAt:   time.Now(),
	}))

	require.NoError(t, store.Prune(ctx, time.Now().Add(-24*time.Hour)))

	_, hit, err := store.Lookup(ctx, "fp-old")
	require.NoError(t, err)
	assert.False(t, hit, "expected the stale entry to be pruned")

	_, hit, err = store.Lookup(ctx, "fp-new")
	require.NoError(t, err)
	assert.True(t, hit, "expected the fresh entry to survive pruning")
}
