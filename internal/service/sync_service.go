package service

import (
	"context"
	"fmt"
	"time"

	"github.com/campaign-sync/internal/errors"
	"github.com/campaign-sync/internal/logging"
	"github.com/campaign-sync/internal/models"
	"github.com/campaign-sync/internal/storage"
	"github.com/campaign-sync/internal/sync"
	"github.com/campaign-sync/internal/types"
)

// AccountStore resolves ad accounts for ownership checks.
type AccountStore interface {
	GetByID(ctx context.Context, id string) (*models.AdAccount, error)
}

// SyncJobStore is the job surface the sync service reads and cancels through.
type SyncJobStore interface {
	GetByID(ctx context.Context, id string) (*models.SyncJob, error)
	GetActiveByAccountAndPhase(ctx context.Context, adAccountID string, phase types.SyncPhase) (*models.SyncJob, error)
	ListByAccount(ctx context.Context, adAccountID string, limit int) ([]*models.SyncJob, error)
	Cancel(ctx context.Context, id string) (bool, error)
}

// ChunkReader lists and resolves chunks for the job detail endpoints.
type ChunkReader interface {
	GetByID(ctx context.Context, id string) (*models.SyncJobChunk, error)
	ListByJob(ctx context.Context, jobID string) ([]*models.SyncJobChunk, error)
}

// ProgressStore is the cached progress view. May be nil to disable caching.
type ProgressStore interface {
	Get(ctx context.Context, jobID string) (*storage.CachedProgress, bool, error)
	Set(ctx context.Context, job *models.SyncJob) error
	Invalidate(ctx context.Context, jobID string) error
}

// SyncService handles sync job requests: ownership checks, job planning,
// progress reads and the chunk outcome surface the fetch executors report
// through.
type SyncService struct {
	accounts AccountStore
	jobs     SyncJobStore
	chunks   ChunkReader
	planner  *sync.Planner
	queue    *sync.Queue
	progress ProgressStore
}

// NewSyncService creates a new sync service. progress may be nil.
func NewSyncService(
	accounts AccountStore,
	jobs SyncJobStore,
	chunks ChunkReader,
	planner *sync.Planner,
	queue *sync.Queue,
	progress ProgressStore,
) *SyncService {
	return &SyncService{
		accounts: accounts,
		jobs:     jobs,
		chunks:   chunks,
		planner:  planner,
		queue:    queue,
		progress: progress,
	}
}

// ownedAccount resolves the account and enforces that userID owns it.
func (s *SyncService) ownedAccount(ctx context.Context, userID, adAccountID string) (*models.AdAccount, error) {
	account, err := s.accounts.GetByID(ctx, adAccountID)
	if err != nil {
		return nil, &types.ServiceError{
			Code:    "ACCOUNT_NOT_FOUND",
			Message: fmt.Sprintf("ad account not found: %s", adAccountID),
			Details: map[string]interface{}{"adAccountId": adAccountID},
		}
	}
	if account.UserID != userID {
		return nil, errors.NewNotAccountOwnerError(adAccountID)
	}
	return account, nil
}

// ownedJob resolves the job and enforces ownership through its account.
func (s *SyncService) ownedJob(ctx context.Context, userID, jobID string) (*models.SyncJob, error) {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, &types.ServiceError{
			Code:    "JOB_NOT_FOUND",
			Message: fmt.Sprintf("sync job not found: %s", jobID),
			Details: map[string]interface{}{"jobId": jobID},
		}
	}
	if _, err := s.ownedAccount(ctx, userID, job.AdAccountID); err != nil {
		return nil, err
	}
	return job, nil
}

// RequestSync plans a sync job for the account and phase. One active job per
// (account, phase) at a time: a second request while one is pending or running
// is a conflict carrying the existing job's ID.
func (s *SyncService) RequestSync(ctx context.Context, userID, adAccountID string, phase types.SyncPhase) (*models.SyncJob, error) {
	if !phase.Valid() {
		return nil, &types.ServiceError{
			Code:    "INVALID_PHASE",
			Message: fmt.Sprintf("invalid sync phase: %s", phase),
			Details: map[string]interface{}{"phase": string(phase)},
		}
	}

	account, err := s.ownedAccount(ctx, userID, adAccountID)
	if err != nil {
		return nil, err
	}
	if !account.Active {
		return nil, &types.ServiceError{
			Code:    "ACCOUNT_INACTIVE",
			Message: fmt.Sprintf("ad account is deactivated: %s", adAccountID),
			Details: map[string]interface{}{"adAccountId": adAccountID},
		}
	}

	if existing, err := s.jobs.GetActiveByAccountAndPhase(ctx, adAccountID, phase); err != nil {
		return nil, fmt.Errorf("failed to check for active job: %w", err)
	} else if existing != nil {
		return nil, &types.ServiceError{
			Code:    "JOB_ALREADY_ACTIVE",
			Message: fmt.Sprintf("a %s job is already active for this account", phase),
			Details: map[string]interface{}{
				"adAccountId":   adAccountID,
				"existingJobId": existing.ID,
			},
		}
	}

	job, err := s.planner.PlanJob(ctx, account, phase)
	if err != nil {
		return nil, fmt.Errorf("failed to plan sync job: %w", err)
	}

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"jobId":       job.ID,
		"adAccountId": adAccountID,
		"phase":       phase,
	}).Info("sync job requested")

	return job, nil
}

// GetJob returns one job, owner only.
func (s *SyncService) GetJob(ctx context.Context, userID, jobID string) (*models.SyncJob, error) {
	return s.ownedJob(ctx, userID, jobID)
}

// GetProgress returns the job's progress snapshot, serving from the cache
// when fresh and refilling it from the job row on a miss.
func (s *SyncService) GetProgress(ctx context.Context, userID, jobID string) (*storage.CachedProgress, error) {
	job, err := s.ownedJob(ctx, userID, jobID)
	if err != nil {
		return nil, err
	}

	if s.progress != nil {
		snapshot, found, err := s.progress.Get(ctx, jobID)
		if err != nil {
			logging.FromContext(ctx).WithError(err).WithField("jobId", jobID).
				Warn("progress cache read failed, serving from the job row")
		} else if found {
			return snapshot, nil
		}
	}

	snapshot := &storage.CachedProgress{
		JobID:              job.ID,
		Status:             job.Status,
		TotalChunks:        job.TotalChunks,
		CompletedChunks:    job.CompletedChunks,
		FailedChunks:       job.FailedChunks,
		ProgressPercentage: job.ProgressPercentage,
		CachedAt:           time.Now(),
	}

	if s.progress != nil {
		if err := s.progress.Set(ctx, job); err != nil {
			logging.FromContext(ctx).WithError(err).WithField("jobId", jobID).
				Warn("progress cache refill failed")
		}
	}

	return snapshot, nil
}

// ListJobs returns the account's jobs, newest first, owner only.
func (s *SyncService) ListJobs(ctx context.Context, userID, adAccountID string, limit int) ([]*models.SyncJob, error) {
	if _, err := s.ownedAccount(ctx, userID, adAccountID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	return s.jobs.ListByAccount(ctx, adAccountID, limit)
}

// ListChunks returns a job's chunks in plan order, owner only.
func (s *SyncService) ListChunks(ctx context.Context, userID, jobID string) ([]*models.SyncJobChunk, error) {
	if _, err := s.ownedJob(ctx, userID, jobID); err != nil {
		return nil, err
	}
	return s.chunks.ListByJob(ctx, jobID)
}

// CancelJob cancels a non-terminal job, owner only. Cancelling an already
// terminal job is a conflict.
func (s *SyncService) CancelJob(ctx context.Context, userID, jobID string) (*models.SyncJob, error) {
	if _, err := s.ownedJob(ctx, userID, jobID); err != nil {
		return nil, err
	}

	cancelled, err := s.jobs.Cancel(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to cancel job: %w", err)
	}
	if !cancelled {
		return nil, &types.ServiceError{
			Code:    "JOB_ALREADY_TERMINAL",
			Message: fmt.Sprintf("sync job is already terminal: %s", jobID),
			Details: map[string]interface{}{"jobId": jobID},
		}
	}

	if s.progress != nil {
		if err := s.progress.Invalidate(ctx, jobID); err != nil {
			logging.FromContext(ctx).WithError(err).WithField("jobId", jobID).
				Warn("progress cache invalidation failed after cancel")
		}
	}

	logging.FromContext(ctx).WithField("jobId", jobID).Info("sync job cancelled")
	return s.jobs.GetByID(ctx, jobID)
}

// ClaimNextChunk hands the next runnable chunk to a fetch executor. Returns
// nil when the queue is empty. Executors are internal, so no ownership check
// applies here.
func (s *SyncService) ClaimNextChunk(ctx context.Context) (*models.SyncJobChunk, error) {
	return s.queue.ClaimNext(ctx)
}

// ReportChunkOutcome finalizes a chunk attempt reported by a fetch executor.
// The chunk must be claimed (in progress); anything else is a conflict.
func (s *SyncService) ReportChunkOutcome(ctx context.Context, chunkID string, outcome sync.Outcome) (*models.SyncJobChunk, error) {
	chunk, err := s.chunks.GetByID(ctx, chunkID)
	if err != nil {
		return nil, &types.ServiceError{
			Code:    "CHUNK_NOT_FOUND",
			Message: fmt.Sprintf("chunk not found: %s", chunkID),
			Details: map[string]interface{}{"chunkId": chunkID},
		}
	}
	if chunk.Status != types.ChunkStatusInProgress {
		return nil, &types.ServiceError{
			Code:    "CHUNK_NOT_CLAIMED",
			Message: fmt.Sprintf("chunk is not claimed: %s", chunkID),
			Details: map[string]interface{}{
				"chunkId": chunkID,
				"status":  string(chunk.Status),
			},
		}
	}

	return s.queue.ReportOutcome(ctx, chunkID, outcome)
}
