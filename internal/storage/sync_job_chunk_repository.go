package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/campaign-sync/internal/models"
	"github.com/campaign-sync/internal/types"
	"github.com/jackc/pgx/v5"
)

// SyncJobChunkRepository handles the chunk work queue. Chunks are inserted
// only through SyncJobRepository so total_chunks stays consistent; this
// repository owns claiming and outcome writes. Every state move is a single
// conditional update, so two workers can never hold the same chunk.
type SyncJobChunkRepository struct {
	db *PostgresDB
}

// NewSyncJobChunkRepository creates a new sync job chunk repository
func NewSyncJobChunkRepository(db *PostgresDB) *SyncJobChunkRepository {
	return &SyncJobChunkRepository{db: db}
}

const chunkColumns = `
	id, sync_job_id, chunk_type, chunk_order, status,
	entity_offset, entity_limit, date_from, date_to,
	entities_processed, metrics_synced, retry_count, max_retries,
	last_error, started_at, completed_at, created_at, updated_at
`

func scanChunk(row pgx.Row) (*models.SyncJobChunk, error) {
	var c models.SyncJobChunk
	err := row.Scan(
		&c.ID,
		&c.SyncJobID,
		&c.ChunkType,
		&c.ChunkOrder,
		&c.Status,
		&c.EntityOffset,
		&c.EntityLimit,
		&c.DateFrom,
		&c.DateTo,
		&c.EntitiesProcessed,
		&c.MetricsSynced,
		&c.RetryCount,
		&c.MaxRetries,
		&c.LastError,
		&c.StartedAt,
		&c.CompletedAt,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetByID retrieves a chunk by ID
func (r *SyncJobChunkRepository) GetByID(ctx context.Context, id string) (*models.SyncJobChunk, error) {
	query := `SELECT ` + chunkColumns + ` FROM sync_job_chunks WHERE id = $1`

	chunk, err := scanChunk(r.db.Pool().QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("chunk not found: %s", id)
		}
		return nil, fmt.Errorf("failed to get chunk: %w", err)
	}

	return chunk, nil
}

// ListByJob returns a job's chunks in plan order.
func (r *SyncJobChunkRepository) ListByJob(ctx context.Context, jobID string) ([]*models.SyncJobChunk, error) {
	query := `SELECT ` + chunkColumns + ` FROM sync_job_chunks
		WHERE sync_job_id = $1
		ORDER BY chunk_order ASC`

	rows, err := r.db.Pool().Query(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}
	defer rows.Close()

	var chunks []*models.SyncJobChunk
	for rows.Next() {
		chunk, err := scanChunk(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		chunks = append(chunks, chunk)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating chunks: %w", err)
	}

	return chunks, nil
}

// ClaimNext atomically claims the oldest pending chunk whose job is still
// runnable, moving it to in_progress. Returns nil when the queue is empty.
// SKIP LOCKED keeps concurrent claimers from serializing on the same row.
func (r *SyncJobChunkRepository) ClaimNext(ctx context.Context) (*models.SyncJobChunk, error) {
	query := `
		UPDATE sync_job_chunks
		SET status = 'in_progress', started_at = COALESCE(started_at, NOW()), updated_at = NOW()
		WHERE id = (
			SELECT c.id FROM sync_job_chunks c
			JOIN sync_jobs j ON j.id = c.sync_job_id
			WHERE c.status = 'pending' AND j.status IN ('pending', 'in_progress')
			ORDER BY c.created_at ASC, c.chunk_order ASC
			LIMIT 1
			FOR UPDATE OF c SKIP LOCKED
		)
		RETURNING ` + chunkColumns

	chunk, err := scanChunk(r.db.Pool().QueryRow(ctx, query))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to claim chunk: %w", err)
	}

	return chunk, nil
}

// Claim moves one specific pending chunk to in_progress. Returns false when
// another worker got there first or the chunk is past pending.
func (r *SyncJobChunkRepository) Claim(ctx context.Context, id string) (bool, error) {
	query := `
		UPDATE sync_job_chunks
		SET status = 'in_progress', started_at = COALESCE(started_at, NOW()), updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`

	result, err := r.db.Pool().Exec(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("failed to claim chunk: %w", err)
	}

	return result.RowsAffected() > 0, nil
}

// MarkCompleted finalizes an in-progress chunk with its work counts.
func (r *SyncJobChunkRepository) MarkCompleted(ctx context.Context, id string, entitiesProcessed int, metricsSynced int) error {
	query := `
		UPDATE sync_job_chunks
		SET status = 'completed', entities_processed = $2, metrics_synced = $3,
		    last_error = NULL, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'in_progress'
	`

	result, err := r.db.Pool().Exec(ctx, query, id, entitiesProcessed, metricsSynced)
	if err != nil {
		return fmt.Errorf("failed to complete chunk: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("chunk not in progress: %s", id)
	}

	return nil
}

// RequeueForRetry returns a failed attempt to the queue with the retry
// counter bumped. Returns false when the chunk has no retries left or is not
// in progress; the caller then marks it failed for good.
func (r *SyncJobChunkRepository) RequeueForRetry(ctx context.Context, id string, lastError string) (bool, error) {
	query := `
		UPDATE sync_job_chunks
		SET status = 'pending', retry_count = retry_count + 1, last_error = $2,
		    started_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'in_progress' AND retry_count < max_retries
	`

	result, err := r.db.Pool().Exec(ctx, query, id, lastError)
	if err != nil {
		return false, fmt.Errorf("failed to requeue chunk: %w", err)
	}

	return result.RowsAffected() > 0, nil
}

// MarkFailed finalizes an in-progress chunk as permanently failed.
func (r *SyncJobChunkRepository) MarkFailed(ctx context.Context, id string, lastError string) error {
	query := `
		UPDATE sync_job_chunks
		SET status = 'failed', last_error = $2, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'in_progress'
	`

	result, err := r.db.Pool().Exec(ctx, query, id, lastError)
	if err != nil {
		return fmt.Errorf("failed to mark chunk failed: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("chunk not in progress: %s", id)
	}

	return nil
}

// MarkSkipped finalizes a chunk as skipped. Skipped chunks count toward
// neither success nor failure; a pending chunk can be skipped directly when
// its work turns out to be empty.
func (r *SyncJobChunkRepository) MarkSkipped(ctx context.Context, id string, reason string) error {
	query := `
		UPDATE sync_job_chunks
		SET status = 'skipped', last_error = $2, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'in_progress')
	`

	result, err := r.db.Pool().Exec(ctx, query, id, reason)
	if err != nil {
		return fmt.Errorf("failed to skip chunk: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("chunk not pending or in progress: %s", id)
	}

	return nil
}

// CountByStatus returns the job's chunk counts grouped by status. Progress
// recomputation derives everything from this.
func (r *SyncJobChunkRepository) CountByStatus(ctx context.Context, jobID string) (map[types.ChunkStatus]int, error) {
	query := `
		SELECT status, COUNT(*) FROM sync_job_chunks
		WHERE sync_job_id = $1
		GROUP BY status
	`

	rows, err := r.db.Pool().Query(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to count chunks: %w", err)
	}
	defer rows.Close()

	counts := make(map[types.ChunkStatus]int)
	for rows.Next() {
		var (
			status types.ChunkStatus
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan chunk count: %w", err)
		}
		counts[status] = count
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating chunk counts: %w", err)
	}

	return counts, nil
}

// RecoverStale sweeps chunks whose worker died mid-flight. Attempts older
// than staleAfter go back to pending when retries remain, otherwise to
// failed. Returns how many chunks each path touched.
func (r *SyncJobChunkRepository) RecoverStale(ctx context.Context, staleAfter time.Duration) (requeued int, failed int, err error) {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	requeueResult, err := tx.Exec(ctx, `
		UPDATE sync_job_chunks
		SET status = 'pending', retry_count = retry_count + 1,
		    last_error = 'worker lost mid-chunk', started_at = NULL, updated_at = NOW()
		WHERE status = 'in_progress' AND started_at <= NOW() - $1::interval
		  AND retry_count < max_retries
	`, staleAfter)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to requeue stale chunks: %w", err)
	}

	failResult, err := tx.Exec(ctx, `
		UPDATE sync_job_chunks
		SET status = 'failed', last_error = 'worker lost mid-chunk',
		    completed_at = NOW(), updated_at = NOW()
		WHERE status = 'in_progress' AND started_at <= NOW() - $1::interval
		  AND retry_count >= max_retries
	`, staleAfter)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to fail stale chunks: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, 0, fmt.Errorf("failed to commit stale chunk recovery: %w", err)
	}

	return int(requeueResult.RowsAffected()), int(failResult.RowsAffected()), nil
}
