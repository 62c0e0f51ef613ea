package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/campaign-sync/internal/logging"
	"github.com/campaign-sync/internal/models"
	"github.com/campaign-sync/internal/platform"
	"github.com/campaign-sync/internal/types"
)

// AdapterSource resolves the fetch adapter for a platform. Satisfied by
// platform.Registry and by the rate-limited wrappers built on top of it.
type AdapterSource interface {
	Get(p types.Platform) (platform.Adapter, error)
}

// FinalSyncer performs the mandatory last metrics fetch for entities that
// left the active state. It is deliberately not built on the chunk queue:
// a failed attempt releases its claim and the record re-surfaces on the next
// sweep, forever, until one attempt succeeds. Losing a final snapshot is a
// correctness bug, so nothing here ever drops a record.
type FinalSyncer struct {
	records    StatusChangeStore
	accounts   AccountStore
	metrics    MetricsStore
	adapters   AdapterSource
	staleAfter time.Duration
	batchSize  int
	now        func() time.Time
}

// FinalSyncerConfig holds final sync sweep settings.
type FinalSyncerConfig struct {
	// StaleAfter is the claim age after which an unfinished attempt is
	// presumed dead and the record becomes claimable again.
	StaleAfter time.Duration
	// BatchSize caps how many records one sweep processes.
	BatchSize int
}

// NewFinalSyncer creates a final syncer over the given stores and adapters.
func NewFinalSyncer(records StatusChangeStore, accounts AccountStore, metrics MetricsStore, adapters AdapterSource, cfg FinalSyncerConfig) *FinalSyncer {
	staleAfter := cfg.StaleAfter
	if staleAfter <= 0 {
		staleAfter = 15 * time.Minute
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 50
	}

	return &FinalSyncer{
		records:    records,
		accounts:   accounts,
		metrics:    metrics,
		adapters:   adapters,
		staleAfter: staleAfter,
		batchSize:  batchSize,
		now:        time.Now,
	}
}

// SweepStats reports what one sweep did.
type SweepStats struct {
	Scanned   int `json:"scanned"`
	Claimed   int `json:"claimed"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// SweepOnce finds records still owed a final sync, claims each with a
// conditional update, and runs the fetch for the ones it wins. A lost claim
// means another sweeper is on it. Fetch failures release the claim and keep
// the record open.
func (f *FinalSyncer) SweepOnce(ctx context.Context) (SweepStats, error) {
	stats := SweepStats{}

	records, err := f.records.ListNeedingFinalSync(ctx, f.staleAfter, f.batchSize)
	if err != nil {
		return stats, fmt.Errorf("failed to list records needing final sync: %w", err)
	}
	stats.Scanned = len(records)

	for _, record := range records {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		claimed, err := f.records.ClaimForFinalSync(ctx, record.ID, f.staleAfter)
		if err != nil {
			return stats, err
		}
		if !claimed {
			continue
		}
		stats.Claimed++

		if err := f.runOne(ctx, record); err != nil {
			stats.Failed++
			logging.FromContext(ctx).WithError(err).WithFields(map[string]interface{}{
				"recordId": record.ID,
				"entityId": record.EntityID,
			}).Warn("final sync attempt failed, record stays open")

			if relErr := f.records.ReleaseFinalSync(ctx, record.ID, err.Error()); relErr != nil {
				return stats, relErr
			}
			continue
		}
		stats.Completed++
	}

	return stats, nil
}

// runOne fetches the transition day's metrics for the record's entity and
// closes the record. The transition day is the day at risk: metrics fetched
// before the pause miss the final partial figures.
func (f *FinalSyncer) runOne(ctx context.Context, record *models.StatusChangeRecord) error {
	account, err := f.accounts.GetByID(ctx, record.AdAccountID)
	if err != nil {
		return err
	}

	adapter, err := f.adapters.Get(record.Platform)
	if err != nil {
		return err
	}

	day := truncateDay(record.CreatedAt.UTC())
	today := truncateDay(f.now().UTC())
	window := types.DateRange{From: day, To: day}
	if today.After(day) {
		// The record sat unprocessed across midnight; cover the gap too.
		window.To = today
	}

	rows, err := adapter.FetchMetrics(ctx, account, record.EntityType, []string{record.PlatformEntityID}, window)
	if err != nil {
		return fmt.Errorf("final metrics fetch failed: %w", err)
	}

	metricRows := make([]models.EntityMetricsRow, 0, len(rows))
	for _, row := range rows {
		metricRows = append(metricRows, models.EntityMetricsRow{
			Date:             row.Date,
			Platform:         record.Platform,
			AdAccountID:      record.AdAccountID,
			EntityType:       row.EntityType,
			PlatformEntityID: row.PlatformEntityID,
			Impressions:      row.Impressions,
			Clicks:           row.Clicks,
			Spend:            row.Spend,
			Conversions:      row.Conversions,
			Revenue:          row.Revenue,
		})
	}

	if err := f.metrics.InsertBatch(ctx, record.Platform, record.AdAccountID, metricRows); err != nil {
		return fmt.Errorf("failed to store final sync metrics: %w", err)
	}

	if err := f.records.MarkFinalSyncCompleted(ctx, record.ID); err != nil {
		return err
	}

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"recordId":         record.ID,
		"platformEntityId": record.PlatformEntityID,
	}).Infof("final sync completed with %d metric rows", len(metricRows))

	return nil
}
