package storage

import (
	"testing"
	"time"

	"github.com/campaign-sync/internal/models"
	"github.com/campaign-sync/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProgressCache_SetGet(t *testing.T) {
	cache := NewProgressCache(setupTestRedis(t), 10*time.Second)
	ctx := testContext(t)

	job := &models.SyncJob{
		ID:                 "job-1",
		Status:             types.JobStatusInProgress,
		TotalChunks:        10,
		CompletedChunks:    4,
		FailedChunks:       1,
		ProgressPercentage: 40,
	}

	require.NoError(t, cache.Set(ctx, job))

	snapshot, found, err := cache.Get(ctx, "job-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "job-1", snapshot.JobID)
	assert.Equal(t, types.JobStatusInProgress, snapshot.Status)
	assert.Equal(t, 10, snapshot.TotalChunks)
	assert.Equal(t, 4, snapshot.CompletedChunks)
	assert.Equal(t, 1, snapshot.FailedChunks)
	assert.Equal(t, 40, snapshot.ProgressPercentage)
	assert.False(t, snapshot.CachedAt.IsZero())
}

func TestProgressCache_Miss(t *testing.T) {
	cache := NewProgressCache(setupTestRedis(t), 10*time.Second)
	ctx := testContext(t)

	snapshot, found, err := cache.Get(ctx, "missing-job")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, snapshot)
}

func TestProgressCache_Invalidate(t *testing.T) {
	cache := NewProgressCache(setupTestRedis(t), 10*time.Second)
	ctx := testContext(t)

	job := &models.SyncJob{ID: "job-2", Status: types.JobStatusPending}
	require.NoError(t, cache.Set(ctx, job))

	require.NoError(t, cache.Invalidate(ctx, "job-2"))

	_, found, err := cache.Get(ctx, "job-2")
	require.NoError(t, err)
	assert.False(t, found, "snapshot should be gone after invalidation")
}
