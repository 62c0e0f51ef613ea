package storage

import (
	"testing"
	"time"

	"github.com/campaign-sync/internal/models"
	"github.com/campaign-sync/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestJob(t *testing.T, jobs *SyncJobRepository, accountID string, chunkCount int) *models.SyncJob {
	t.Helper()

	job := &models.SyncJob{
		AdAccountID: accountID,
		Phase:       types.PhaseRecent90Days,
		DateFrom:    time.Now().AddDate(0, 0, -90),
		DateTo:      time.Now(),
	}
	chunks := make([]*models.SyncJobChunk, 0, chunkCount)
	for i := 0; i < chunkCount; i++ {
		chunkType := types.ChunkTypeCampaignMetrics
		if i == 0 {
			chunkType = types.ChunkTypeStructure
		}
		chunks = append(chunks, &models.SyncJobChunk{
			ChunkType:  chunkType,
			ChunkOrder: i,
			MaxRetries: 3,
		})
	}
	require.NoError(t, jobs.CreateWithChunks(testContext(t), job, chunks))
	return job
}

func TestSyncJobRepository_CreateWithChunks(t *testing.T) {
	db := setupTestDB(t)
	accounts := NewAdAccountRepository(db)
	jobs := NewSyncJobRepository(db)
	chunks := NewSyncJobChunkRepository(db)
	ctx := testContext(t)

	account := newTestAccount(t, accounts)
	job := newTestJob(t, jobs, account.ID, 3)

	got, err := jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusPending, got.Status)
	assert.Equal(t, 3, got.TotalChunks)
	assert.Nil(t, got.StartedAt)

	planned, err := chunks.ListByJob(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, planned, 3)
	assert.Equal(t, types.ChunkTypeStructure, planned[0].ChunkType)
	for i, c := range planned {
		assert.Equal(t, i, c.ChunkOrder)
		assert.Equal(t, types.ChunkStatusPending, c.Status)
	}

	active, err := jobs.GetActiveByAccountAndPhase(ctx, account.ID, types.PhaseRecent90Days)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, job.ID, active.ID)
}

func TestSyncJobRepository_ClaimPending(t *testing.T) {
	db := setupTestDB(t)
	accounts := NewAdAccountRepository(db)
	jobs := NewSyncJobRepository(db)
	ctx := testContext(t)

	account := newTestAccount(t, accounts)
	job := newTestJob(t, jobs, account.ID, 1)

	won, err := jobs.ClaimPending(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, won)

	won, err = jobs.ClaimPending(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, won, "a job leaves pending exactly once")

	got, err := jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusInProgress, got.Status)
	assert.NotNil(t, got.StartedAt)
}

func TestSyncJobRepository_TerminalGuard(t *testing.T) {
	db := setupTestDB(t)
	accounts := NewAdAccountRepository(db)
	jobs := NewSyncJobRepository(db)
	ctx := testContext(t)

	account := newTestAccount(t, accounts)
	job := newTestJob(t, jobs, account.ID, 1)

	done, err := jobs.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, done)

	// Terminal jobs never move again, whatever arrives late.
	done, err = jobs.MarkCompleted(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, done)
	done, err = jobs.MarkFailed(ctx, job.ID, "late failure")
	require.NoError(t, err)
	assert.False(t, done)
	won, err := jobs.ClaimPending(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, won)

	got, err := jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCancelled, got.Status)
}

func TestSyncJobChunkRepository_ClaimNext(t *testing.T) {
	db := setupTestDB(t)
	accounts := NewAdAccountRepository(db)
	jobs := NewSyncJobRepository(db)
	chunks := NewSyncJobChunkRepository(db)
	ctx := testContext(t)

	account := newTestAccount(t, accounts)
	job := newTestJob(t, jobs, account.ID, 2)

	claimed, err := chunks.ClaimNext(ctx)
	require.NoError(t, err)
	// Another test's chunk may win the global queue; claim directly then.
	if claimed == nil || claimed.SyncJobID != job.ID {
		planned, err := chunks.ListByJob(ctx, job.ID)
		require.NoError(t, err)
		won, err := chunks.Claim(ctx, planned[0].ID)
		require.NoError(t, err)
		require.True(t, won)
		claimed, err = chunks.GetByID(ctx, planned[0].ID)
		require.NoError(t, err)
	}

	assert.Equal(t, types.ChunkStatusInProgress, claimed.Status)
	assert.NotNil(t, claimed.StartedAt)

	won, err := chunks.Claim(ctx, claimed.ID)
	require.NoError(t, err)
	assert.False(t, won, "claimed chunk cannot be claimed again")

	require.NoError(t, chunks.MarkCompleted(ctx, claimed.ID, 120, 3600))

	got, err := chunks.GetByID(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ChunkStatusCompleted, got.Status)
	assert.Equal(t, 120, got.EntitiesProcessed)
	assert.Equal(t, 3600, got.MetricsSynced)
	assert.NotNil(t, got.CompletedAt)
}

func TestSyncJobChunkRepository_RetryFlow(t *testing.T) {
	db := setupTestDB(t)
	accounts := NewAdAccountRepository(db)
	jobs := NewSyncJobRepository(db)
	chunks := NewSyncJobChunkRepository(db)
	ctx := testContext(t)

	account := newTestAccount(t, accounts)
	job := newTestJob(t, jobs, account.ID, 1)

	planned, err := chunks.ListByJob(ctx, job.ID)
	require.NoError(t, err)
	chunkID := planned[0].ID

	// Three failed attempts go back to pending, the fourth has no retries
	// left.
	for attempt := 0; attempt < 3; attempt++ {
		won, err := chunks.Claim(ctx, chunkID)
		require.NoError(t, err)
		require.True(t, won)

		requeued, err := chunks.RequeueForRetry(ctx, chunkID, "platform 500")
		require.NoError(t, err)
		assert.True(t, requeued, "attempt %d should requeue", attempt)
	}

	won, err := chunks.Claim(ctx, chunkID)
	require.NoError(t, err)
	require.True(t, won)

	requeued, err := chunks.RequeueForRetry(ctx, chunkID, "platform 500")
	require.NoError(t, err)
	assert.False(t, requeued, "retries exhausted")

	require.NoError(t, chunks.MarkFailed(ctx, chunkID, "platform 500"))

	got, err := chunks.GetByID(ctx, chunkID)
	require.NoError(t, err)
	assert.Equal(t, types.ChunkStatusFailed, got.Status)
	assert.Equal(t, 3, got.RetryCount)
}

func TestSyncJobRepository_Delete(t *testing.T) {
	db := setupTestDB(t)
	accounts := NewAdAccountRepository(db)
	jobs := NewSyncJobRepository(db)
	chunks := NewSyncJobChunkRepository(db)
	ctx := testContext(t)

	account := newTestAccount(t, accounts)
	job := newTestJob(t, jobs, account.ID, 2)

	require.NoError(t, jobs.Delete(ctx, job.ID))

	_, err := jobs.GetByID(ctx, job.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")

	orphans, err := chunks.ListByJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Empty(t, orphans, "chunks go with the job, atomically")
}

func TestSyncJobRepository_AppendChunks(t *testing.T) {
	db := setupTestDB(t)
	accounts := NewAdAccountRepository(db)
	jobs := NewSyncJobRepository(db)
	ctx := testContext(t)

	account := newTestAccount(t, accounts)
	job := newTestJob(t, jobs, account.ID, 1)

	extra := []*models.SyncJobChunk{
		{ChunkType: types.ChunkTypeAdSetMetrics, ChunkOrder: 1, MaxRetries: 3},
		{ChunkType: types.ChunkTypeAdMetrics, ChunkOrder: 2, MaxRetries: 3},
	}
	require.NoError(t, jobs.AppendChunks(ctx, job.ID, extra))

	got, err := jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.TotalChunks)

	// Terminal jobs cannot grow.
	_, err = jobs.Cancel(ctx, job.ID)
	require.NoError(t, err)
	err = jobs.AppendChunks(ctx, job.ID, []*models.SyncJobChunk{
		{ChunkType: types.ChunkTypeAdMetrics, ChunkOrder: 3, MaxRetries: 3},
	})
	require.Error(t, err)
}
