package models

import (
	"time"

	"github.com/campaign-sync/internal/types"
)

// Entity represents an advertising entity (campaign, ad set or ad) mirrored
// from a platform. PlatformEntityID is immutable and unique within
// (ad account, entity type). Rows are never hard-deleted; a platform deletion
// arrives as a status change.
//
// PreviousStatus and StatusChangedAt are written only together with Status,
// in the same transaction that appends the StatusChangeRecord.
type Entity struct {
	ID               string             `json:"id" db:"id"`
	AdAccountID      string             `json:"adAccountId" db:"ad_account_id"`
	EntityType       types.EntityType   `json:"entityType" db:"entity_type"`
	PlatformEntityID string             `json:"platformEntityId" db:"platform_entity_id"`
	ParentPlatformID *string            `json:"parentPlatformId,omitempty" db:"parent_platform_id"` // campaign id for ad sets, ad set id for ads
	Name             string             `json:"name" db:"name"`
	Status           types.EntityStatus `json:"status" db:"status"`
	PreviousStatus   *string            `json:"previousStatus,omitempty" db:"previous_status"`
	StatusChangedAt  *time.Time         `json:"statusChangedAt,omitempty" db:"status_changed_at"`
	LastFinalSyncAt  *time.Time         `json:"lastFinalSyncAt,omitempty" db:"last_final_sync_at"`
	CreatedAt        time.Time          `json:"createdAt" db:"created_at"`
	UpdatedAt        time.Time          `json:"updatedAt" db:"updated_at"`
}
