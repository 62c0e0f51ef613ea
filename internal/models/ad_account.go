package models

import (
	"time"

	"github.com/campaign-sync/internal/types"
)

// AdAccount represents a connected advertising account on one platform.
// One row per (platform, external account id); an account is owned by exactly
// one user. Accounts are deactivated rather than deleted so entity and metric
// history stays reachable.
type AdAccount struct {
	ID                   string         `json:"id" db:"id"`
	UserID               string         `json:"userId" db:"user_id"`
	Platform             types.Platform `json:"platform" db:"platform"`
	ExternalAccountID    string         `json:"externalAccountId" db:"external_account_id"`
	Name                 string         `json:"name" db:"name"`
	Active               bool           `json:"active" db:"active"`
	LastQuickRefreshAt   *time.Time     `json:"lastQuickRefreshAt,omitempty" db:"last_quick_refresh_at"`
	LastExistenceCheckAt *time.Time     `json:"lastExistenceCheckAt,omitempty" db:"last_existence_check_at"`
	CreatedAt            time.Time      `json:"createdAt" db:"created_at"`
	UpdatedAt            time.Time      `json:"updatedAt" db:"updated_at"`
}
