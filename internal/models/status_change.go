package models

import (
	"time"

	"github.com/campaign-sync/internal/types"
)

// StatusChangeRecord is the append-only audit row written whenever an
// entity's status value actually changes (never on first insert). A record
// whose transition was active to paused/deleted carries the final-sync
// obligation: it stays open until exactly one successful completion closes it.
//
// FinalSyncInProgress is a claim flag so concurrent sweepers do not fetch the
// same entity twice; a failed attempt releases it and the record re-surfaces.
type StatusChangeRecord struct {
	ID                   string           `json:"id" db:"id"`
	EntityID             string           `json:"entityId" db:"entity_id"`
	EntityType           types.EntityType `json:"entityType" db:"entity_type"`
	PlatformEntityID     string           `json:"platformEntityId" db:"platform_entity_id"`
	AdAccountID          string           `json:"adAccountId" db:"ad_account_id"`
	UserID               string           `json:"userId" db:"user_id"`
	Platform             types.Platform   `json:"platform" db:"platform"`
	OldStatus            string           `json:"oldStatus" db:"old_status"`
	NewStatus            string           `json:"newStatus" db:"new_status"`
	FinalSyncCompleted   bool             `json:"finalSyncCompleted" db:"final_sync_completed"`
	FinalSyncInProgress  bool             `json:"finalSyncInProgress" db:"final_sync_in_progress"`
	FinalSyncAttemptedAt *time.Time       `json:"finalSyncAttemptedAt,omitempty" db:"final_sync_attempted_at"`
	FinalSyncError       *string          `json:"finalSyncError,omitempty" db:"final_sync_error"`
	CreatedAt            time.Time        `json:"createdAt" db:"created_at"`
}

// NeedsFinalSync reports whether this record still carries an open final-sync
// obligation.
func (r *StatusChangeRecord) NeedsFinalSync() bool {
	return !r.FinalSyncCompleted &&
		types.NeedsFinalSync(types.EntityStatus(r.OldStatus), types.EntityStatus(r.NewStatus))
}
