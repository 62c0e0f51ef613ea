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

// EntityRepository handles campaign, ad set and ad persistence. Status writes
// and their status_change_records rows always commit in the same transaction;
// a record is appended only when an existing entity's status value actually
// changed, never on first insert.
type EntityRepository struct {
	db *PostgresDB
}

// NewEntityRepository creates a new entity repository
func NewEntityRepository(db *PostgresDB) *EntityRepository {
	return &EntityRepository{db: db}
}

// UpsertStats reports what a batch upsert did.
type UpsertStats struct {
	Created       int `json:"created"`
	Updated       int `json:"updated"`
	StatusChanges int `json:"statusChanges"`
}

const entityColumns = `
	id, ad_account_id, entity_type, platform_entity_id, parent_platform_id,
	name, status, previous_status, status_changed_at, last_final_sync_at,
	created_at, updated_at
`

func scanEntity(row pgx.Row) (*models.Entity, error) {
	var e models.Entity
	err := row.Scan(
		&e.ID,
		&e.AdAccountID,
		&e.EntityType,
		&e.PlatformEntityID,
		&e.ParentPlatformID,
		&e.Name,
		&e.Status,
		&e.PreviousStatus,
		&e.StatusChangedAt,
		&e.LastFinalSyncAt,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// UpsertBatch writes a page of platform entities for one account. New
// entities are inserted as-is. Existing entities are refreshed, and when the
// normalized status differs from the stored one the transition is recorded in
// status_change_records within the same transaction.
func (r *EntityRepository) UpsertBatch(ctx context.Context, account *models.AdAccount, incoming []types.PlatformEntity) (*UpsertStats, error) {
	stats := &UpsertStats{}
	if len(incoming) == 0 {
		return stats, nil
	}

	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, in := range incoming {
		newStatus := types.NormalizeEntityStatus(in.Status)

		var (
			entityID  string
			oldStatus string
		)
		err := tx.QueryRow(ctx, `
			SELECT id, status FROM entities
			WHERE ad_account_id = $1 AND entity_type = $2 AND platform_entity_id = $3
			FOR UPDATE
		`, account.ID, in.EntityType, in.PlatformEntityID).Scan(&entityID, &oldStatus)

		switch {
		case errors.Is(err, pgx.ErrNoRows):
			if err := insertEntity(ctx, tx, account.ID, in, newStatus); err != nil {
				return nil, err
			}
			stats.Created++

		case err != nil:
			return nil, fmt.Errorf("failed to look up entity: %w", err)

		default:
			changed := oldStatus != string(newStatus)
			if err := updateEntity(ctx, tx, entityID, in, newStatus, changed); err != nil {
				return nil, err
			}
			stats.Updated++
			if changed {
				if err := appendStatusChange(ctx, tx, account, entityID, in, oldStatus, string(newStatus)); err != nil {
					return nil, err
				}
				stats.StatusChanges++
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit entity batch: %w", err)
	}

	return stats, nil
}

// MarkAbsentDeleted transitions every entity of the given type that is not in
// presentIDs to DELETED, appending a status change record for each in the
// same transaction. Used by the existence check after a full structure fetch.
func (r *EntityRepository) MarkAbsentDeleted(ctx context.Context, account *models.AdAccount, entityType types.EntityType, presentIDs []string) (int, error) {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id, platform_entity_id, parent_platform_id, name, status FROM entities
		WHERE ad_account_id = $1 AND entity_type = $2 AND status <> $3
		  AND NOT (platform_entity_id = ANY($4))
		FOR UPDATE
	`, account.ID, entityType, types.EntityStatusDeleted, presentIDs)
	if err != nil {
		return 0, fmt.Errorf("failed to find absent entities: %w", err)
	}

	type absent struct {
		in        types.PlatformEntity
		entityID  string
		oldStatus string
	}
	var absents []absent
	for rows.Next() {
		a := absent{in: types.PlatformEntity{EntityType: entityType}}
		if err := rows.Scan(&a.entityID, &a.in.PlatformEntityID, &a.in.ParentPlatformID, &a.in.Name, &a.oldStatus); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan absent entity: %w", err)
		}
		absents = append(absents, a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("error iterating absent entities: %w", err)
	}

	for _, a := range absents {
		a.in.Status = string(types.EntityStatusDeleted)
		if err := updateEntity(ctx, tx, a.entityID, a.in, types.EntityStatusDeleted, true); err != nil {
			return 0, err
		}
		if err := appendStatusChange(ctx, tx, account, a.entityID, a.in, a.oldStatus, string(types.EntityStatusDeleted)); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit absent entity sweep: %w", err)
	}

	return len(absents), nil
}

func insertEntity(ctx context.Context, tx pgx.Tx, accountID string, in types.PlatformEntity, status types.EntityStatus) error {
	now := time.Now()
	_, err := tx.Exec(ctx, `
		INSERT INTO entities (
			id, ad_account_id, entity_type, platform_entity_id, parent_platform_id,
			name, status, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, uuid.New().String(), accountID, in.EntityType, in.PlatformEntityID, in.ParentPlatformID,
		in.Name, status, now, now)
	if err != nil {
		return fmt.Errorf("failed to insert entity: %w", err)
	}
	return nil
}

func updateEntity(ctx context.Context, tx pgx.Tx, entityID string, in types.PlatformEntity, status types.EntityStatus, statusChanged bool) error {
	var err error
	if statusChanged {
		_, err = tx.Exec(ctx, `
			UPDATE entities
			SET name = $2, parent_platform_id = $3,
			    previous_status = status, status = $4, status_changed_at = NOW(),
			    updated_at = NOW()
			WHERE id = $1
		`, entityID, in.Name, in.ParentPlatformID, status)
	} else {
		_, err = tx.Exec(ctx, `
			UPDATE entities
			SET name = $2, parent_platform_id = $3, updated_at = NOW()
			WHERE id = $1
		`, entityID, in.Name, in.ParentPlatformID)
	}
	if err != nil {
		return fmt.Errorf("failed to update entity: %w", err)
	}
	return nil
}

func appendStatusChange(ctx context.Context, tx pgx.Tx, account *models.AdAccount, entityID string, in types.PlatformEntity, oldStatus, newStatus string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO status_change_records (
			id, entity_id, entity_type, platform_entity_id, ad_account_id,
			user_id, platform, old_status, new_status,
			final_sync_completed, final_sync_in_progress, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, FALSE, FALSE, NOW())
	`, uuid.New().String(), entityID, in.EntityType, in.PlatformEntityID, account.ID,
		account.UserID, account.Platform, oldStatus, newStatus)
	if err != nil {
		return fmt.Errorf("failed to append status change record: %w", err)
	}
	return nil
}

// GetByID retrieves an entity by ID
func (r *EntityRepository) GetByID(ctx context.Context, id string) (*models.Entity, error) {
	query := `SELECT ` + entityColumns + ` FROM entities WHERE id = $1`

	entity, err := scanEntity(r.db.Pool().QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("entity not found: %s", id)
		}
		return nil, fmt.Errorf("failed to get entity: %w", err)
	}

	return entity, nil
}

// GetByPlatformID retrieves an entity by its platform-scoped identity.
func (r *EntityRepository) GetByPlatformID(ctx context.Context, adAccountID string, entityType types.EntityType, platformEntityID string) (*models.Entity, error) {
	query := `SELECT ` + entityColumns + ` FROM entities
		WHERE ad_account_id = $1 AND entity_type = $2 AND platform_entity_id = $3`

	entity, err := scanEntity(r.db.Pool().QueryRow(ctx, query, adAccountID, entityType, platformEntityID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("entity not found: %s/%s", entityType, platformEntityID)
		}
		return nil, fmt.Errorf("failed to get entity: %w", err)
	}

	return entity, nil
}

// ListPage returns a stable page of entities for metric chunk processing.
// Order is insertion order so offsets computed at planning time stay valid.
func (r *EntityRepository) ListPage(ctx context.Context, adAccountID string, entityType types.EntityType, offset, limit int) ([]*models.Entity, error) {
	query := `SELECT ` + entityColumns + ` FROM entities
		WHERE ad_account_id = $1 AND entity_type = $2
		ORDER BY created_at ASC, id ASC
		OFFSET $3 LIMIT $4`

	rows, err := r.db.Pool().Query(ctx, query, adAccountID, entityType, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list entities: %w", err)
	}
	defer rows.Close()

	var entities []*models.Entity
	for rows.Next() {
		entity, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entity: %w", err)
		}
		entities = append(entities, entity)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entities: %w", err)
	}

	return entities, nil
}

// CountByType returns how many entities of each type the account has. The
// planner sizes metric chunks from these counts.
func (r *EntityRepository) CountByType(ctx context.Context, adAccountID string) (map[types.EntityType]int, error) {
	query := `
		SELECT entity_type, COUNT(*) FROM entities
		WHERE ad_account_id = $1
		GROUP BY entity_type
	`

	rows, err := r.db.Pool().Query(ctx, query, adAccountID)
	if err != nil {
		return nil, fmt.Errorf("failed to count entities: %w", err)
	}
	defer rows.Close()

	counts := make(map[types.EntityType]int)
	for rows.Next() {
		var (
			entityType types.EntityType
			count      int
		)
		if err := rows.Scan(&entityType, &count); err != nil {
			return nil, fmt.Errorf("failed to scan entity count: %w", err)
		}
		counts[entityType] = count
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entity counts: %w", err)
	}

	return counts, nil
}
