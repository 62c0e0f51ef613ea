// Package throttle enforces minimum intervals between expensive per-account
// operations. Admission is a single conditional UPDATE on the account row, so
// concurrent callers race on the database and at most one wins per interval.
package throttle

import (
	"context"
	"time"

	"github.com/campaign-sync/internal/config"
	"github.com/campaign-sync/internal/models"
)

// Default intervals applied when configuration leaves them unset.
const (
	DefaultQuickRefreshInterval   = 30 * time.Second
	DefaultExistenceCheckInterval = time.Hour
)

// AccountClaims is the subset of the ad account repository the gate needs.
// Both methods must check the timestamp and stamp it in one atomic statement.
type AccountClaims interface {
	ClaimQuickRefresh(ctx context.Context, id string, interval time.Duration) (bool, error)
	ClaimExistenceCheck(ctx context.Context, id string, interval time.Duration) (bool, error)
}

// Gate decides whether a throttled operation may run now for an account.
type Gate struct {
	accounts               AccountClaims
	quickRefreshInterval   time.Duration
	existenceCheckInterval time.Duration
}

// NewGate creates a gate with the configured intervals. Non-positive
// intervals fall back to the defaults.
func NewGate(accounts AccountClaims, cfg config.ThrottleConfig) *Gate {
	quickRefresh := cfg.QuickRefreshInterval
	if quickRefresh <= 0 {
		quickRefresh = DefaultQuickRefreshInterval
	}
	existenceCheck := cfg.ExistenceCheckInterval
	if existenceCheck <= 0 {
		existenceCheck = DefaultExistenceCheckInterval
	}

	return &Gate{
		accounts:               accounts,
		quickRefreshInterval:   quickRefresh,
		existenceCheckInterval: existenceCheck,
	}
}

// TryQuickRefresh claims the quick-refresh slot for the account. It returns
// true when the caller won the slot and the last-refresh timestamp was
// stamped; false means another caller ran recently enough.
func (g *Gate) TryQuickRefresh(ctx context.Context, accountID string) (bool, error) {
	return g.accounts.ClaimQuickRefresh(ctx, accountID, g.quickRefreshInterval)
}

// TryExistenceCheck claims the existence-check slot for the account.
func (g *Gate) TryExistenceCheck(ctx context.Context, accountID string) (bool, error) {
	return g.accounts.ClaimExistenceCheck(ctx, accountID, g.existenceCheckInterval)
}

// QuickRefreshInterval returns the configured quick-refresh interval.
func (g *Gate) QuickRefreshInterval() time.Duration {
	return g.quickRefreshInterval
}

// ExistenceCheckInterval returns the configured existence-check interval.
func (g *Gate) ExistenceCheckInterval() time.Duration {
	return g.existenceCheckInterval
}

// CanQuickRefresh reports whether a quick refresh would currently be admitted
// for the account. It reads the in-memory row only and never claims the slot;
// dashboards use it to render availability, admission always goes through
// TryQuickRefresh.
func (g *Gate) CanQuickRefresh(account *models.AdAccount, now time.Time) bool {
	return account.LastQuickRefreshAt == nil ||
		!now.Before(account.LastQuickRefreshAt.Add(g.quickRefreshInterval))
}

// CanCheckExistence reports whether an existence check would currently be
// admitted for the account. Read-only, like CanQuickRefresh.
func (g *Gate) CanCheckExistence(account *models.AdAccount, now time.Time) bool {
	return account.LastExistenceCheckAt == nil ||
		!now.Before(account.LastExistenceCheckAt.Add(g.existenceCheckInterval))
}

// QuickRefreshRetryAfter returns how long until the account's next quick
// refresh becomes admissible. Zero means it is admissible now.
func (g *Gate) QuickRefreshRetryAfter(account *models.AdAccount, now time.Time) time.Duration {
	if account.LastQuickRefreshAt == nil {
		return 0
	}
	remaining := account.LastQuickRefreshAt.Add(g.quickRefreshInterval).Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}
