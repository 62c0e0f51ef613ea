package service

import (
	"context"
	"fmt"

	"github.com/campaign-sync/internal/errors"
	"github.com/campaign-sync/internal/logging"
	"github.com/campaign-sync/internal/models"
	"github.com/campaign-sync/internal/types"
)

// StatusChangeReader is the status change surface the final sync service uses.
type StatusChangeReader interface {
	GetByID(ctx context.Context, id string) (*models.StatusChangeRecord, error)
	ListOpenByAccount(ctx context.Context, adAccountID string, entityType *types.EntityType, limit int) ([]*models.StatusChangeRecord, error)
	CountOpenByAccount(ctx context.Context, adAccountID string) (int, error)
	MarkFinalSyncCompleted(ctx context.Context, id string) error
	ReleaseFinalSync(ctx context.Context, id string, syncErr string) error
}

// FinalSyncService exposes the final sync ledger: which entities still owe a
// last metrics pull, and the completion surface external executors report
// through.
type FinalSyncService struct {
	accounts AccountStore
	records  StatusChangeReader
}

// NewFinalSyncService creates a new final sync service.
func NewFinalSyncService(accounts AccountStore, records StatusChangeReader) *FinalSyncService {
	return &FinalSyncService{accounts: accounts, records: records}
}

// PendingFinalSyncs is the per-account view of records still owed a final
// metrics pull.
type PendingFinalSyncs struct {
	AdAccountID string                       `json:"adAccountId"`
	Total       int                          `json:"total"`
	Records     []*models.StatusChangeRecord `json:"records"`
}

// ListOpen returns the account's entities still owed a final sync, oldest
// first, owner only. A non-empty entityType narrows the listing to one level.
func (s *FinalSyncService) ListOpen(ctx context.Context, userID, adAccountID string, entityType string, limit int) (*PendingFinalSyncs, error) {
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

	var filter *types.EntityType
	if entityType != "" {
		et := types.EntityType(entityType)
		if !et.Valid() {
			return nil, &types.ServiceError{
				Code:    "INVALID_ENTITY_TYPE",
				Message: fmt.Sprintf("invalid entity type: %s", entityType),
				Details: map[string]interface{}{"entityType": entityType},
			}
		}
		filter = &et
	}

	if limit <= 0 {
		limit = 100
	}

	records, err := s.records.ListOpenByAccount(ctx, adAccountID, filter, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list open final syncs: %w", err)
	}
	total, err := s.records.CountOpenByAccount(ctx, adAccountID)
	if err != nil {
		return nil, fmt.Errorf("failed to count open final syncs: %w", err)
	}

	return &PendingFinalSyncs{
		AdAccountID: adAccountID,
		Total:       total,
		Records:     records,
	}, nil
}

// CompleteInput reports how an externally executed final sync attempt ended.
type CompleteInput struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Complete closes or releases a final sync record on behalf of an external
// executor. Success closes the record (idempotently); failure releases the
// claim so the record re-surfaces on the next sweep.
func (s *FinalSyncService) Complete(ctx context.Context, recordID string, input *CompleteInput) (*models.StatusChangeRecord, error) {
	record, err := s.records.GetByID(ctx, recordID)
	if err != nil {
		return nil, &types.ServiceError{
			Code:    "RECORD_NOT_FOUND",
			Message: fmt.Sprintf("status change record not found: %s", recordID),
			Details: map[string]interface{}{"recordId": recordID},
		}
	}

	if input.Success {
		if err := s.records.MarkFinalSyncCompleted(ctx, recordID); err != nil {
			return nil, fmt.Errorf("failed to complete final sync: %w", err)
		}
		logging.FromContext(ctx).WithField("recordId", recordID).Info("final sync reported complete")
		return s.records.GetByID(ctx, recordID)
	}

	if record.FinalSyncCompleted {
		return nil, &types.ServiceError{
			Code:    "RECORD_ALREADY_DONE",
			Message: fmt.Sprintf("final sync already completed: %s", recordID),
			Details: map[string]interface{}{"recordId": recordID},
		}
	}

	if err := s.records.ReleaseFinalSync(ctx, recordID, input.Error); err != nil {
		return nil, fmt.Errorf("failed to release final sync claim: %w", err)
	}

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"recordId": recordID,
		"error":    input.Error,
	}).Warn("final sync attempt reported failed, record stays open")

	return s.records.GetByID(ctx, recordID)
}
