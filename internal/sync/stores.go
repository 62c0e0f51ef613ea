// Package sync contains the orchestration core: job planning, the chunk
// queue's retry policy, progress aggregation and the final-sync sweep.
// Everything here talks to storage through narrow interfaces so the engine
// can be exercised against in-memory fakes.
package sync

import (
	"context"
	"time"

	"github.com/campaign-sync/internal/models"
	"github.com/campaign-sync/internal/storage"
	"github.com/campaign-sync/internal/types"
)

// Store interfaces for dependency injection

// JobStore is the subset of the sync job repository the engine uses.
type JobStore interface {
	CreateWithChunks(ctx context.Context, job *models.SyncJob, chunks []*models.SyncJobChunk) error
	AppendChunks(ctx context.Context, jobID string, chunks []*models.SyncJobChunk) error
	GetByID(ctx context.Context, id string) (*models.SyncJob, error)
	GetActiveByAccountAndPhase(ctx context.Context, adAccountID string, phase types.SyncPhase) (*models.SyncJob, error)
	ClaimPending(ctx context.Context, id string) (bool, error)
	UpdateCursor(ctx context.Context, id string, chunkType types.ChunkType, entityOffset int) error
	ApplyProgress(ctx context.Context, id string, totalChunks, completedChunks, failedChunks, progressPercentage int) error
	AddSyncedCounters(ctx context.Context, id string, campaigns, adSets, ads int, metrics int64) error
	IncrementErrorCount(ctx context.Context, id string) error
	MarkCompleted(ctx context.Context, id string) (bool, error)
	MarkFailed(ctx context.Context, id string, errorMessage string) (bool, error)
}

// ChunkStore is the subset of the chunk repository the engine uses.
type ChunkStore interface {
	GetByID(ctx context.Context, id string) (*models.SyncJobChunk, error)
	ListByJob(ctx context.Context, jobID string) ([]*models.SyncJobChunk, error)
	ClaimNext(ctx context.Context) (*models.SyncJobChunk, error)
	Claim(ctx context.Context, id string) (bool, error)
	MarkCompleted(ctx context.Context, id string, entitiesProcessed int, metricsSynced int) error
	RequeueForRetry(ctx context.Context, id string, lastError string) (bool, error)
	MarkFailed(ctx context.Context, id string, lastError string) error
	MarkSkipped(ctx context.Context, id string, reason string) error
	CountByStatus(ctx context.Context, jobID string) (map[types.ChunkStatus]int, error)
	RecoverStale(ctx context.Context, staleAfter time.Duration) (requeued int, failed int, err error)
}

// EntityStore is the subset of the entity repository the engine uses.
type EntityStore interface {
	UpsertBatch(ctx context.Context, account *models.AdAccount, incoming []types.PlatformEntity) (*storage.UpsertStats, error)
	MarkAbsentDeleted(ctx context.Context, account *models.AdAccount, entityType types.EntityType, presentIDs []string) (int, error)
	GetByID(ctx context.Context, id string) (*models.Entity, error)
	ListPage(ctx context.Context, adAccountID string, entityType types.EntityType, offset, limit int) ([]*models.Entity, error)
	CountByType(ctx context.Context, adAccountID string) (map[types.EntityType]int, error)
}

// StatusChangeStore is the subset of the status change repository the
// final-sync sweep uses.
type StatusChangeStore interface {
	ListNeedingFinalSync(ctx context.Context, staleAfter time.Duration, limit int) ([]*models.StatusChangeRecord, error)
	ClaimForFinalSync(ctx context.Context, id string, staleAfter time.Duration) (bool, error)
	ReleaseFinalSync(ctx context.Context, id string, syncErr string) error
	MarkFinalSyncCompleted(ctx context.Context, id string) error
}

// MetricsStore writes fetched metric rows and reads lifetime summaries.
type MetricsStore interface {
	InsertBatch(ctx context.Context, platform types.Platform, adAccountID string, rows []models.EntityMetricsRow) error
	Summarize(ctx context.Context, adAccountID string, entityType types.EntityType, platformEntityID string) (*models.MetricsSummary, error)
}

// AccountStore resolves ad accounts for final-sync fetches.
type AccountStore interface {
	GetByID(ctx context.Context, id string) (*models.AdAccount, error)
}

// ProgressInvalidator drops the cached progress view after a write so the
// next read re-derives it. A nil invalidator disables caching.
type ProgressInvalidator interface {
	Invalidate(ctx context.Context, jobID string) error
}
