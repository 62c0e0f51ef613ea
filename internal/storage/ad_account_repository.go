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

// AdAccountRepository handles ad account persistence, including the throttle
// gate timestamps. The gate claims are conditional updates: check and stamp
// happen in one statement, so of two concurrent callers exactly one wins.
type AdAccountRepository struct {
	db *PostgresDB
}

// NewAdAccountRepository creates a new ad account repository
func NewAdAccountRepository(db *PostgresDB) *AdAccountRepository {
	return &AdAccountRepository{db: db}
}

const adAccountColumns = `
	id, user_id, platform, external_account_id, name, active,
	last_quick_refresh_at, last_existence_check_at, created_at, updated_at
`

func scanAdAccount(row pgx.Row) (*models.AdAccount, error) {
	var a models.AdAccount
	err := row.Scan(
		&a.ID,
		&a.UserID,
		&a.Platform,
		&a.ExternalAccountID,
		&a.Name,
		&a.Active,
		&a.LastQuickRefreshAt,
		&a.LastExistenceCheckAt,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// Create creates a new ad account
func (r *AdAccountRepository) Create(ctx context.Context, account *models.AdAccount) error {
	if account.ID == "" {
		account.ID = uuid.New().String()
	}
	if !account.Platform.Valid() {
		return fmt.Errorf("invalid platform: %s", account.Platform)
	}

	now := time.Now()
	account.CreatedAt = now
	account.UpdatedAt = now

	query := `
		INSERT INTO ad_accounts (
			id, user_id, platform, external_account_id, name, active,
			created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := r.db.Pool().Exec(ctx, query,
		account.ID,
		account.UserID,
		account.Platform,
		account.ExternalAccountID,
		account.Name,
		account.Active,
		account.CreatedAt,
		account.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create ad account: %w", err)
	}

	return nil
}

// GetByID retrieves an ad account by ID
func (r *AdAccountRepository) GetByID(ctx context.Context, id string) (*models.AdAccount, error) {
	query := `SELECT ` + adAccountColumns + ` FROM ad_accounts WHERE id = $1`

	account, err := scanAdAccount(r.db.Pool().QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("ad account not found: %s", id)
		}
		return nil, fmt.Errorf("failed to get ad account: %w", err)
	}

	return account, nil
}

// GetByExternalID retrieves an ad account by platform and external ID
func (r *AdAccountRepository) GetByExternalID(ctx context.Context, platform types.Platform, externalID string) (*models.AdAccount, error) {
	query := `SELECT ` + adAccountColumns + ` FROM ad_accounts WHERE platform = $1 AND external_account_id = $2`

	account, err := scanAdAccount(r.db.Pool().QueryRow(ctx, query, platform, externalID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("ad account not found: %s/%s", platform, externalID)
		}
		return nil, fmt.Errorf("failed to get ad account: %w", err)
	}

	return account, nil
}

// ListByUser retrieves all ad accounts owned by a user
func (r *AdAccountRepository) ListByUser(ctx context.Context, userID string) ([]*models.AdAccount, error) {
	query := `SELECT ` + adAccountColumns + ` FROM ad_accounts WHERE user_id = $1 ORDER BY created_at ASC`

	rows, err := r.db.Pool().Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list ad accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*models.AdAccount
	for rows.Next() {
		account, err := scanAdAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ad account: %w", err)
		}
		accounts = append(accounts, account)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ad accounts: %w", err)
	}

	return accounts, nil
}

// ListActive retrieves all active ad accounts, oldest first. The scheduler
// sweeps this set.
func (r *AdAccountRepository) ListActive(ctx context.Context, limit int) ([]*models.AdAccount, error) {
	query := `SELECT ` + adAccountColumns + ` FROM ad_accounts WHERE active = TRUE ORDER BY created_at ASC LIMIT $1`

	rows, err := r.db.Pool().Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list active ad accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*models.AdAccount
	for rows.Next() {
		account, err := scanAdAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ad account: %w", err)
		}
		accounts = append(accounts, account)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ad accounts: %w", err)
	}

	return accounts, nil
}

// SetActive activates or deactivates an ad account. Accounts are never
// deleted: history under them stays reachable.
func (r *AdAccountRepository) SetActive(ctx context.Context, id string, active bool) error {
	query := `UPDATE ad_accounts SET active = $2, updated_at = NOW() WHERE id = $1`

	result, err := r.db.Pool().Exec(ctx, query, id, active)
	if err != nil {
		return fmt.Errorf("failed to update ad account: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("ad account not found: %s", id)
	}

	return nil
}

// ClaimQuickRefresh atomically stamps last_quick_refresh_at if at least
// interval has passed since the previous stamp (or none exists). Returns true
// when this caller won the claim.
func (r *AdAccountRepository) ClaimQuickRefresh(ctx context.Context, id string, interval time.Duration) (bool, error) {
	query := `
		UPDATE ad_accounts
		SET last_quick_refresh_at = NOW(), updated_at = NOW()
		WHERE id = $1
		  AND active = TRUE
		  AND (last_quick_refresh_at IS NULL OR last_quick_refresh_at <= NOW() - $2::interval)
	`

	result, err := r.db.Pool().Exec(ctx, query, id, interval)
	if err != nil {
		return false, fmt.Errorf("failed to claim quick refresh: %w", err)
	}

	return result.RowsAffected() > 0, nil
}

// ClaimExistenceCheck atomically stamps last_existence_check_at under the
// same conditional rules as ClaimQuickRefresh.
func (r *AdAccountRepository) ClaimExistenceCheck(ctx context.Context, id string, interval time.Duration) (bool, error) {
	query := `
		UPDATE ad_accounts
		SET last_existence_check_at = NOW(), updated_at = NOW()
		WHERE id = $1
		  AND active = TRUE
		  AND (last_existence_check_at IS NULL OR last_existence_check_at <= NOW() - $2::interval)
	`

	result, err := r.db.Pool().Exec(ctx, query, id, interval)
	if err != nil {
		return false, fmt.Errorf("failed to claim existence check: %w", err)
	}

	return result.RowsAffected() > 0, nil
}
