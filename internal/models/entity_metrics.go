package models

import (
	"time"

	"github.com/campaign-sync/internal/types"
)

// EntityMetricsRow is one day of performance metrics for one entity, stored
// in ClickHouse. FetchedAt is the ReplacingMergeTree version column: a final
// sync re-fetching the same day supersedes the earlier row instead of
// duplicating it.
type EntityMetricsRow struct {
	Date             time.Time        `json:"date" db:"date"`
	Platform         types.Platform   `json:"platform" db:"platform"`
	AdAccountID      string           `json:"adAccountId" db:"ad_account_id"`
	EntityType       types.EntityType `json:"entityType" db:"entity_type"`
	PlatformEntityID string           `json:"platformEntityId" db:"platform_entity_id"`
	Impressions      uint64           `json:"impressions" db:"impressions"`
	Clicks           uint64           `json:"clicks" db:"clicks"`
	Spend            float64          `json:"spend" db:"spend"`
	Conversions      uint64           `json:"conversions" db:"conversions"`
	Revenue          float64          `json:"revenue" db:"revenue"`
	FetchedAt        time.Time        `json:"fetchedAt" db:"fetched_at"`
}

// MetricsSummary aggregates metrics over a date range for one entity.
type MetricsSummary struct {
	PlatformEntityID string  `json:"platformEntityId"`
	Days             uint64  `json:"days"`
	Impressions      uint64  `json:"impressions"`
	Clicks           uint64  `json:"clicks"`
	Spend            float64 `json:"spend"`
	Conversions      uint64  `json:"conversions"`
	Revenue          float64 `json:"revenue"`
}
