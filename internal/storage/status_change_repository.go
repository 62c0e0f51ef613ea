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

// StatusChangeRepository reads the append-only status transition history and
// drives the final sync lifecycle on it. Records are appended only by
// EntityRepository, inside the same transaction as the status write.
type StatusChangeRepository struct {
	db *PostgresDB
}

// NewStatusChangeRepository creates a new status change repository
func NewStatusChangeRepository(db *PostgresDB) *StatusChangeRepository {
	return &StatusChangeRepository{db: db}
}

const statusChangeColumns = `
	id, entity_id, entity_type, platform_entity_id, ad_account_id,
	user_id, platform, old_status, new_status,
	final_sync_completed, final_sync_in_progress, final_sync_attempted_at,
	final_sync_error, created_at
`

func scanStatusChange(row pgx.Row) (*models.StatusChangeRecord, error) {
	var rec models.StatusChangeRecord
	err := row.Scan(
		&rec.ID,
		&rec.EntityID,
		&rec.EntityType,
		&rec.PlatformEntityID,
		&rec.AdAccountID,
		&rec.UserID,
		&rec.Platform,
		&rec.OldStatus,
		&rec.NewStatus,
		&rec.FinalSyncCompleted,
		&rec.FinalSyncInProgress,
		&rec.FinalSyncAttemptedAt,
		&rec.FinalSyncError,
		&rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetByID retrieves a status change record by ID
func (r *StatusChangeRepository) GetByID(ctx context.Context, id string) (*models.StatusChangeRecord, error) {
	query := `SELECT ` + statusChangeColumns + ` FROM status_change_records WHERE id = $1`

	rec, err := scanStatusChange(r.db.Pool().QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("status change record not found: %s", id)
		}
		return nil, fmt.Errorf("failed to get status change record: %w", err)
	}

	return rec, nil
}

// ListByEntity returns the transition history for one entity, newest first.
func (r *StatusChangeRepository) ListByEntity(ctx context.Context, entityID string, limit int) ([]*models.StatusChangeRecord, error) {
	query := `SELECT ` + statusChangeColumns + ` FROM status_change_records
		WHERE entity_id = $1
		ORDER BY created_at DESC
		LIMIT $2`

	return r.queryRecords(ctx, query, entityID, limit)
}

// ListNeedingFinalSync returns records still owed a final metrics pull,
// oldest first: the transition left ACTIVE for PAUSED or DELETED, the final
// sync has not completed, and no live claim holds the record. Claims older
// than staleAfter are treated as abandoned and resurface here.
func (r *StatusChangeRepository) ListNeedingFinalSync(ctx context.Context, staleAfter time.Duration, limit int) ([]*models.StatusChangeRecord, error) {
	query := `SELECT ` + statusChangeColumns + ` FROM status_change_records
		WHERE final_sync_completed = FALSE
		  AND UPPER(old_status) = 'ACTIVE'
		  AND UPPER(new_status) IN ('PAUSED', 'DELETED')
		  AND (final_sync_in_progress = FALSE
		       OR final_sync_attempted_at <= NOW() - $1::interval)
		ORDER BY created_at ASC
		LIMIT $2`

	return r.queryRecords(ctx, query, staleAfter, limit)
}

// ListOpenByAccount returns an account's records still awaiting final sync,
// oldest first, regardless of claim state. A non-nil entityType narrows the
// listing to one level. Backs the status endpoint.
func (r *StatusChangeRepository) ListOpenByAccount(ctx context.Context, adAccountID string, entityType *types.EntityType, limit int) ([]*models.StatusChangeRecord, error) {
	query := `SELECT ` + statusChangeColumns + ` FROM status_change_records
		WHERE ad_account_id = $1
		  AND final_sync_completed = FALSE
		  AND UPPER(old_status) = 'ACTIVE'
		  AND UPPER(new_status) IN ('PAUSED', 'DELETED')
		  AND ($2::text IS NULL OR entity_type = $2)
		ORDER BY created_at ASC
		LIMIT $3`

	return r.queryRecords(ctx, query, adAccountID, entityType, limit)
}

// ClaimForFinalSync marks a record as being worked on. The claim is a single
// conditional update: it succeeds only when the record is still open and not
// held by a fresher claim, so concurrent workers cannot double-process it.
func (r *StatusChangeRepository) ClaimForFinalSync(ctx context.Context, id string, staleAfter time.Duration) (bool, error) {
	query := `
		UPDATE status_change_records
		SET final_sync_in_progress = TRUE, final_sync_attempted_at = NOW()
		WHERE id = $1
		  AND final_sync_completed = FALSE
		  AND (final_sync_in_progress = FALSE
		       OR final_sync_attempted_at <= NOW() - $2::interval)
	`

	result, err := r.db.Pool().Exec(ctx, query, id, staleAfter)
	if err != nil {
		return false, fmt.Errorf("failed to claim final sync: %w", err)
	}

	return result.RowsAffected() > 0, nil
}

// ReleaseFinalSync drops a claim after a failed attempt and records the
// error. The record stays open and will be picked up again.
func (r *StatusChangeRepository) ReleaseFinalSync(ctx context.Context, id string, syncErr string) error {
	var errMsg *string
	if syncErr != "" {
		errMsg = &syncErr
	}

	query := `
		UPDATE status_change_records
		SET final_sync_in_progress = FALSE, final_sync_error = $2
		WHERE id = $1 AND final_sync_completed = FALSE
	`

	result, err := r.db.Pool().Exec(ctx, query, id, errMsg)
	if err != nil {
		return fmt.Errorf("failed to release final sync claim: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("status change record not found or already completed: %s", id)
	}

	return nil
}

// MarkFinalSyncCompleted closes a record and stamps the entity's
// last_final_sync_at in the same transaction. Calling it again for an
// already-completed record is a no-op.
func (r *StatusChangeRepository) MarkFinalSyncCompleted(ctx context.Context, id string) error {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var entityID string
	err = tx.QueryRow(ctx, `
		UPDATE status_change_records
		SET final_sync_completed = TRUE, final_sync_in_progress = FALSE,
		    final_sync_error = NULL, final_sync_attempted_at = NOW()
		WHERE id = $1 AND final_sync_completed = FALSE
		RETURNING entity_id
	`, id).Scan(&entityID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Either already completed (idempotent success) or missing.
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM status_change_records WHERE id = $1)`, id).Scan(&exists); err != nil {
				return fmt.Errorf("failed to check status change record: %w", err)
			}
			if !exists {
				return fmt.Errorf("status change record not found: %s", id)
			}
			return nil
		}
		return fmt.Errorf("failed to complete final sync: %w", err)
	}

	_, err = tx.Exec(ctx, `UPDATE entities SET last_final_sync_at = NOW(), updated_at = NOW() WHERE id = $1`, entityID)
	if err != nil {
		return fmt.Errorf("failed to stamp entity final sync: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit final sync completion: %w", err)
	}

	return nil
}

// CountOpenByAccount returns how many records for the account still await a
// final sync.
func (r *StatusChangeRepository) CountOpenByAccount(ctx context.Context, adAccountID string) (int, error) {
	query := `
		SELECT COUNT(*) FROM status_change_records
		WHERE ad_account_id = $1
		  AND final_sync_completed = FALSE
		  AND UPPER(old_status) = 'ACTIVE'
		  AND UPPER(new_status) IN ('PAUSED', 'DELETED')
	`

	var count int
	if err := r.db.Pool().QueryRow(ctx, query, adAccountID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count open final syncs: %w", err)
	}

	return count, nil
}

func (r *StatusChangeRepository) queryRecords(ctx context.Context, query string, args ...any) ([]*models.StatusChangeRecord, error) {
	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list status change records: %w", err)
	}
	defer rows.Close()

	var records []*models.StatusChangeRecord
	for rows.Next() {
		rec, err := scanStatusChange(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan status change record: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating status change records: %w", err)
	}

	return records, nil
}
