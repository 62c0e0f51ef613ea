package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/campaign-sync/internal/errors"
	"github.com/campaign-sync/internal/logging"
	"github.com/campaign-sync/internal/models"
	"github.com/campaign-sync/internal/throttle"
	"github.com/campaign-sync/internal/types"
)

// AccountRepository is the account surface the account service writes through.
type AccountRepository interface {
	Create(ctx context.Context, account *models.AdAccount) error
	GetByID(ctx context.Context, id string) (*models.AdAccount, error)
	GetByExternalID(ctx context.Context, platform types.Platform, externalID string) (*models.AdAccount, error)
	ListByUser(ctx context.Context, userID string) ([]*models.AdAccount, error)
	SetActive(ctx context.Context, id string, active bool) error
}

// AccountService manages ad account connections and exposes the per-account
// sync throttle state.
type AccountService struct {
	accounts AccountRepository
	gate     *throttle.Gate
	now      func() time.Time
}

// NewAccountService creates a new account service.
func NewAccountService(accounts AccountRepository, gate *throttle.Gate) *AccountService {
	return &AccountService{
		accounts: accounts,
		gate:     gate,
		now:      time.Now,
	}
}

// ConnectAccountInput represents input for connecting an ad account.
type ConnectAccountInput struct {
	UserID            string         `json:"userId"`
	Platform          types.Platform `json:"platform"`
	ExternalAccountID string         `json:"externalAccountId"`
	Name              string         `json:"name"`
}

// ConnectAccount registers an ad account for syncing. Reconnecting an account
// already connected by the same user returns the existing record; an account
// held by another user is an ownership conflict.
func (s *AccountService) ConnectAccount(ctx context.Context, input *ConnectAccountInput) (*models.AdAccount, error) {
	if !input.Platform.Valid() {
		return nil, errors.NewInvalidParameterError("platform", fmt.Sprintf("unknown platform: %s", input.Platform))
	}
	externalID := strings.TrimSpace(input.ExternalAccountID)
	if externalID == "" {
		return nil, errors.NewInvalidParameterError("externalAccountId", "must not be empty")
	}

	if existing, err := s.accounts.GetByExternalID(ctx, input.Platform, externalID); err == nil {
		if existing.UserID != input.UserID {
			return nil, errors.NewNotAccountOwnerError(existing.ID)
		}
		return existing, nil
	}

	account := &models.AdAccount{
		UserID:            input.UserID,
		Platform:          input.Platform,
		ExternalAccountID: externalID,
		Name:              input.Name,
		Active:            true,
	}
	if err := s.accounts.Create(ctx, account); err != nil {
		return nil, fmt.Errorf("failed to connect ad account: %w", err)
	}

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"adAccountId": account.ID,
		"platform":    account.Platform,
	}).Info("ad account connected")

	return account, nil
}

// GetAccount returns one account, owner only.
func (s *AccountService) GetAccount(ctx context.Context, userID, adAccountID string) (*models.AdAccount, error) {
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

// ListAccounts returns the caller's connected accounts.
func (s *AccountService) ListAccounts(ctx context.Context, userID string) ([]*models.AdAccount, error) {
	return s.accounts.ListByUser(ctx, userID)
}

// DeactivateAccount stops all future syncing for the account, owner only.
// In-flight jobs run to completion; the scheduler skips inactive accounts.
func (s *AccountService) DeactivateAccount(ctx context.Context, userID, adAccountID string) (*models.AdAccount, error) {
	account, err := s.GetAccount(ctx, userID, adAccountID)
	if err != nil {
		return nil, err
	}
	if !account.Active {
		return account, nil
	}

	if err := s.accounts.SetActive(ctx, adAccountID, false); err != nil {
		return nil, fmt.Errorf("failed to deactivate ad account: %w", err)
	}

	logging.FromContext(ctx).WithField("adAccountId", adAccountID).Info("ad account deactivated")
	return s.accounts.GetByID(ctx, adAccountID)
}

// SyncAvailability reports what the throttle gate would currently admit for
// one account, without consuming anything.
type SyncAvailability struct {
	AdAccountID                  string `json:"adAccountId"`
	QuickRefreshAvailable        bool   `json:"quickRefreshAvailable"`
	QuickRefreshRetryAfterSecs   int    `json:"quickRefreshRetryAfterSeconds"`
	ExistenceCheckAvailable      bool   `json:"existenceCheckAvailable"`
	QuickRefreshIntervalSeconds  int    `json:"quickRefreshIntervalSeconds"`
	ExistenceCheckIntervalSecs   int    `json:"existenceCheckIntervalSeconds"`
}

// GetAvailability returns the account's current throttle state, owner only.
func (s *AccountService) GetAvailability(ctx context.Context, userID, adAccountID string) (*SyncAvailability, error) {
	account, err := s.GetAccount(ctx, userID, adAccountID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	return &SyncAvailability{
		AdAccountID:                 adAccountID,
		QuickRefreshAvailable:       s.gate.CanQuickRefresh(account, now),
		QuickRefreshRetryAfterSecs:  int(s.gate.QuickRefreshRetryAfter(account, now).Seconds()),
		ExistenceCheckAvailable:     s.gate.CanCheckExistence(account, now),
		QuickRefreshIntervalSeconds: int(s.gate.QuickRefreshInterval().Seconds()),
		ExistenceCheckIntervalSecs:  int(s.gate.ExistenceCheckInterval().Seconds()),
	}, nil
}
