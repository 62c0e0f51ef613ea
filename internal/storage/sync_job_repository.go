package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/campaign-sync/internal/models"
	"github.com/campaign-sync/internal/types"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// SyncJobRepository handles sync job persistence. Writes that touch both a
// job and its chunks (create, extend, delete) run in one transaction. A job
// in a terminal status is never moved again: every status write here is
// guarded on the current status.
type SyncJobRepository struct {
	db *PostgresDB
}

// NewSyncJobRepository creates a new sync job repository
func NewSyncJobRepository(db *PostgresDB) *SyncJobRepository {
	return &SyncJobRepository{db: db}
}

const syncJobColumns = `
	id, ad_account_id, phase, status, date_from, date_to,
	total_chunks, completed_chunks, failed_chunks, progress_percentage,
	current_chunk_type, current_entity_offset, started_at, completed_at,
	total_campaigns_synced, total_adsets_synced, total_ads_synced, total_metrics_synced,
	error_message, error_count, created_at, updated_at
`

func scanSyncJob(row pgx.Row) (*models.SyncJob, error) {
	var j models.SyncJob
	err := row.Scan(
		&j.ID,
		&j.AdAccountID,
		&j.Phase,
		&j.Status,
		&j.DateFrom,
		&j.DateTo,
		&j.TotalChunks,
		&j.CompletedChunks,
		&j.FailedChunks,
		&j.ProgressPercentage,
		&j.CurrentChunkType,
		&j.CurrentEntityOffset,
		&j.StartedAt,
		&j.CompletedAt,
		&j.TotalCampaignsSynced,
		&j.TotalAdSetsSynced,
		&j.TotalAdsSynced,
		&j.TotalMetricsSynced,
		&j.ErrorMessage,
		&j.ErrorCount,
		&j.CreatedAt,
		&j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// CreateWithChunks inserts a job and its initial chunk plan atomically.
// total_chunks is set from the plan, never trusted from the caller.
func (r *SyncJobRepository) CreateWithChunks(ctx context.Context, job *models.SyncJob, chunks []*models.SyncJobChunk) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if !job.Phase.Valid() {
		return fmt.Errorf("invalid sync phase: %s", job.Phase)
	}

	now := time.Now()
	job.Status = types.JobStatusPending
	job.TotalChunks = len(chunks)
	job.CreatedAt = now
	job.UpdatedAt = now

	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO sync_jobs (
			id, ad_account_id, phase, status, date_from, date_to,
			total_chunks, completed_chunks, failed_chunks, progress_percentage,
			current_chunk_type, current_entity_offset,
			total_campaigns_synced, total_adsets_synced, total_ads_synced, total_metrics_synced,
			error_count, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, 0, 0, NULL, 0, 0, 0, 0, 0, 0, $8, $9)
	`, job.ID, job.AdAccountID, job.Phase, job.Status, job.DateFrom, job.DateTo,
		job.TotalChunks, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create sync job: %w", err)
	}

	for _, chunk := range chunks {
		chunk.SyncJobID = job.ID
		if err := insertChunkTx(ctx, tx, chunk); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit sync job: %w", err)
	}

	return nil
}

// AppendChunks adds chunks to an existing job and bumps total_chunks by the
// same count, in one transaction. Only non-terminal jobs can grow.
func (r *SyncJobRepository) AppendChunks(ctx context.Context, jobID string, chunks []*models.SyncJobChunk) error {
	if len(chunks) == 0 {
		return nil
	}

	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	result, err := tx.Exec(ctx, `
		UPDATE sync_jobs
		SET total_chunks = total_chunks + $2, updated_at = NOW()
		WHERE id = $1 AND status NOT IN ('completed', 'failed', 'cancelled')
	`, jobID, len(chunks))
	if err != nil {
		return fmt.Errorf("failed to extend sync job: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("sync job not found or already terminal: %s", jobID)
	}

	for _, chunk := range chunks {
		chunk.SyncJobID = jobID
		if err := insertChunkTx(ctx, tx, chunk); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit job extension: %w", err)
	}

	return nil
}

func insertChunkTx(ctx context.Context, tx pgx.Tx, chunk *models.SyncJobChunk) error {
	if chunk.ID == "" {
		chunk.ID = uuid.New().String()
	}
	if !chunk.ChunkType.Valid() {
		return fmt.Errorf("invalid chunk type: %s", chunk.ChunkType)
	}

	now := time.Now()
	chunk.Status = types.ChunkStatusPending
	chunk.CreatedAt = now
	chunk.UpdatedAt = now

	_, err := tx.Exec(ctx, `
		INSERT INTO sync_job_chunks (
			id, sync_job_id, chunk_type, chunk_order, status,
			entity_offset, entity_limit, date_from, date_to,
			entities_processed, metrics_synced, retry_count, max_retries,
			created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 0, 0, 0, $10, $11, $12)
	`, chunk.ID, chunk.SyncJobID, chunk.ChunkType, chunk.ChunkOrder, chunk.Status,
		chunk.EntityOffset, chunk.EntityLimit, chunk.DateFrom, chunk.DateTo,
		chunk.MaxRetries, chunk.CreatedAt, chunk.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert chunk: %w", err)
	}
	return nil
}

// GetByID retrieves a sync job by ID
func (r *SyncJobRepository) GetByID(ctx context.Context, id string) (*models.SyncJob, error) {
	query := `SELECT ` + syncJobColumns + ` FROM sync_jobs WHERE id = $1`

	job, err := scanSyncJob(r.db.Pool().QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("sync job not found: %s", id)
		}
		return nil, fmt.Errorf("failed to get sync job: %w", err)
	}

	return job, nil
}

// GetActiveByAccountAndPhase returns the account's live job for a phase, or
// nil when no pending or in-progress job exists.
func (r *SyncJobRepository) GetActiveByAccountAndPhase(ctx context.Context, adAccountID string, phase types.SyncPhase) (*models.SyncJob, error) {
	query := `SELECT ` + syncJobColumns + ` FROM sync_jobs
		WHERE ad_account_id = $1 AND phase = $2 AND status IN ('pending', 'in_progress')
		ORDER BY created_at DESC
		LIMIT 1`

	job, err := scanSyncJob(r.db.Pool().QueryRow(ctx, query, adAccountID, phase))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get active sync job: %w", err)
	}

	return job, nil
}

// ListByAccount returns an account's jobs, newest first.
func (r *SyncJobRepository) ListByAccount(ctx context.Context, adAccountID string, limit int) ([]*models.SyncJob, error) {
	query := `SELECT ` + syncJobColumns + ` FROM sync_jobs
		WHERE ad_account_id = $1
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := r.db.Pool().Query(ctx, query, adAccountID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.SyncJob
	for rows.Next() {
		job, err := scanSyncJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync job: %w", err)
		}
		jobs = append(jobs, job)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync jobs: %w", err)
	}

	return jobs, nil
}

// ClaimPending moves a pending job to in_progress and stamps started_at once.
// Returns false when the job was already claimed or is past pending.
func (r *SyncJobRepository) ClaimPending(ctx context.Context, id string) (bool, error) {
	query := `
		UPDATE sync_jobs
		SET status = 'in_progress', started_at = COALESCE(started_at, NOW()), updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`

	result, err := r.db.Pool().Exec(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("failed to claim sync job: %w", err)
	}

	return result.RowsAffected() > 0, nil
}

// UpdateCursor records the resume position: the chunk type being worked and
// the entity offset reached inside it.
func (r *SyncJobRepository) UpdateCursor(ctx context.Context, id string, chunkType types.ChunkType, entityOffset int) error {
	query := `
		UPDATE sync_jobs
		SET current_chunk_type = $2, current_entity_offset = $3, updated_at = NOW()
		WHERE id = $1
	`

	result, err := r.db.Pool().Exec(ctx, query, id, chunkType, entityOffset)
	if err != nil {
		return fmt.Errorf("failed to update sync job cursor: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("sync job not found: %s", id)
	}

	return nil
}

// ApplyProgress overwrites the derived progress counters. The values are
// recomputed from chunk rows by the caller; this is a pure cache write.
func (r *SyncJobRepository) ApplyProgress(ctx context.Context, id string, totalChunks, completedChunks, failedChunks, progressPercentage int) error {
	query := `
		UPDATE sync_jobs
		SET total_chunks = $2, completed_chunks = $3, failed_chunks = $4,
		    progress_percentage = $5, updated_at = NOW()
		WHERE id = $1
	`

	result, err := r.db.Pool().Exec(ctx, query, id, totalChunks, completedChunks, failedChunks, progressPercentage)
	if err != nil {
		return fmt.Errorf("failed to apply sync job progress: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("sync job not found: %s", id)
	}

	return nil
}

// AddSyncedCounters accumulates per-job sync totals.
func (r *SyncJobRepository) AddSyncedCounters(ctx context.Context, id string, campaigns, adSets, ads int, metrics int64) error {
	query := `
		UPDATE sync_jobs
		SET total_campaigns_synced = total_campaigns_synced + $2,
		    total_adsets_synced = total_adsets_synced + $3,
		    total_ads_synced = total_ads_synced + $4,
		    total_metrics_synced = total_metrics_synced + $5,
		    updated_at = NOW()
		WHERE id = $1
	`

	result, err := r.db.Pool().Exec(ctx, query, id, campaigns, adSets, ads, metrics)
	if err != nil {
		return fmt.Errorf("failed to add sync counters: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("sync job not found: %s", id)
	}

	return nil
}

// IncrementErrorCount bumps the job's error counter by one.
func (r *SyncJobRepository) IncrementErrorCount(ctx context.Context, id string) error {
	query := `UPDATE sync_jobs SET error_count = error_count + 1, updated_at = NOW() WHERE id = $1`

	result, err := r.db.Pool().Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to increment error count: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("sync job not found: %s", id)
	}

	return nil
}

// MarkCompleted finalizes a job as completed. Returns false when the job was
// already terminal.
func (r *SyncJobRepository) MarkCompleted(ctx context.Context, id string) (bool, error) {
	query := `
		UPDATE sync_jobs
		SET status = 'completed', completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status NOT IN ('completed', 'failed', 'cancelled')
	`

	result, err := r.db.Pool().Exec(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("failed to complete sync job: %w", err)
	}

	return result.RowsAffected() > 0, nil
}

// MarkFailed finalizes a job as failed with a job-level error message.
// Returns false when the job was already terminal.
func (r *SyncJobRepository) MarkFailed(ctx context.Context, id string, errorMessage string) (bool, error) {
	query := `
		UPDATE sync_jobs
		SET status = 'failed', error_message = $2, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status NOT IN ('completed', 'failed', 'cancelled')
	`

	result, err := r.db.Pool().Exec(ctx, query, id, errorMessage)
	if err != nil {
		return false, fmt.Errorf("failed to mark sync job failed: %w", err)
	}

	return result.RowsAffected() > 0, nil
}

// Cancel moves a job to cancelled. In-flight chunks finish on their own; the
// status is a hint workers observe between chunks. Returns false when the job
// was already terminal.
func (r *SyncJobRepository) Cancel(ctx context.Context, id string) (bool, error) {
	query := `
		UPDATE sync_jobs
		SET status = 'cancelled', completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status NOT IN ('completed', 'failed', 'cancelled')
	`

	result, err := r.db.Pool().Exec(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("failed to cancel sync job: %w", err)
	}

	return result.RowsAffected() > 0, nil
}

// Delete removes a job and all its chunks in one transaction. Callers decide
// when deletion is allowed; the storage layer only guarantees atomicity.
func (r *SyncJobRepository) Delete(ctx context.Context, id string) error {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM sync_job_chunks WHERE sync_job_id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete sync job chunks: %w", err)
	}

	result, err := tx.Exec(ctx, `DELETE FROM sync_jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete sync job: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("sync job not found: %s", id)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit sync job deletion: %w", err)
	}

	return nil
}
