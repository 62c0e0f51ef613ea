package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/campaign-sync/internal/models"
	"github.com/campaign-sync/internal/types"
)

// MetricsRepository writes daily performance rows to ClickHouse. The table is
// a ReplacingMergeTree keyed on (account, entity, date) with fetched_at as
// the version column, so re-fetching a window is a plain re-insert.
type MetricsRepository struct {
	db *ClickHouseDB
}

// NewMetricsRepository creates a new metrics repository
func NewMetricsRepository(db *ClickHouseDB) *MetricsRepository {
	return &MetricsRepository{db: db}
}

// InsertBatch writes a fetched window of daily rows in one batch. Rows
// without a fetch stamp get the same one, so a window read replaces as a
// unit.
func (r *MetricsRepository) InsertBatch(ctx context.Context, platform types.Platform, adAccountID string, rows []models.EntityMetricsRow) error {
	if len(rows) == 0 {
		return nil
	}

	batch, err := r.db.Conn().PrepareBatch(ctx, "INSERT INTO entity_metrics")
	if err != nil {
		return fmt.Errorf("failed to prepare metrics batch: %w", err)
	}

	fetchedAt := time.Now()
	for _, row := range rows {
		stamp := row.FetchedAt
		if stamp.IsZero() {
			stamp = fetchedAt
		}
		err := batch.Append(
			row.Date,
			string(platform),
			adAccountID,
			string(row.EntityType),
			row.PlatformEntityID,
			row.Impressions,
			row.Clicks,
			row.Spend,
			row.Conversions,
			row.Revenue,
			stamp,
		)
		if err != nil {
			return fmt.Errorf("failed to append metrics row: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send metrics batch: %w", err)
	}

	return nil
}

// Summarize returns an entity's lifetime totals across all stored days.
// FINAL collapses replaced versions so re-fetched windows count once.
func (r *MetricsRepository) Summarize(ctx context.Context, adAccountID string, entityType types.EntityType, platformEntityID string) (*models.MetricsSummary, error) {
	query := `
		SELECT
			count(DISTINCT date) AS days,
			sum(impressions) AS impressions,
			sum(clicks) AS clicks,
			sum(spend) AS spend,
			sum(conversions) AS conversions,
			sum(revenue) AS revenue
		FROM entity_metrics FINAL
		WHERE ad_account_id = ?
		  AND entity_type = ?
		  AND platform_entity_id = ?
	`

	summary := &models.MetricsSummary{PlatformEntityID: platformEntityID}
	row := r.db.Conn().QueryRow(ctx, query, adAccountID, string(entityType), platformEntityID)
	err := row.Scan(
		&summary.Days,
		&summary.Impressions,
		&summary.Clicks,
		&summary.Spend,
		&summary.Conversions,
		&summary.Revenue,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize metrics: %w", err)
	}

	return summary, nil
}
