package models

import (
	"time"

	"github.com/campaign-sync/internal/types"
)

// SyncJob represents one sync pass over an ad account for one phase. At most
// one non-terminal job may exist per (ad account, phase). Counters and
// ProgressPercentage are a cache derived from chunk rows; the aggregator can
// recompute them from scratch at any time.
//
// CompletedAt doubles as the phase completion timestamp since each phase is
// its own row.
type SyncJob struct {
	ID                   string           `json:"id" db:"id"`
	AdAccountID          string           `json:"adAccountId" db:"ad_account_id"`
	Phase                types.SyncPhase  `json:"phase" db:"phase"`
	Status               types.JobStatus  `json:"status" db:"status"`
	DateFrom             time.Time        `json:"dateFrom" db:"date_from"`
	DateTo               time.Time        `json:"dateTo" db:"date_to"`
	TotalChunks          int              `json:"totalChunks" db:"total_chunks"`
	CompletedChunks      int              `json:"completedChunks" db:"completed_chunks"`
	FailedChunks         int              `json:"failedChunks" db:"failed_chunks"`
	ProgressPercentage   int              `json:"progressPercentage" db:"progress_percentage"`
	CurrentChunkType     *types.ChunkType `json:"currentChunkType,omitempty" db:"current_chunk_type"`
	CurrentEntityOffset  int              `json:"currentEntityOffset" db:"current_entity_offset"`
	StartedAt            *time.Time       `json:"startedAt,omitempty" db:"started_at"`
	CompletedAt          *time.Time       `json:"completedAt,omitempty" db:"completed_at"`
	TotalCampaignsSynced int              `json:"totalCampaignsSynced" db:"total_campaigns_synced"`
	TotalAdSetsSynced    int              `json:"totalAdsetsSynced" db:"total_adsets_synced"`
	TotalAdsSynced       int              `json:"totalAdsSynced" db:"total_ads_synced"`
	TotalMetricsSynced   int64            `json:"totalMetricsSynced" db:"total_metrics_synced"`
	ErrorMessage         *string          `json:"errorMessage,omitempty" db:"error_message"`
	ErrorCount           int              `json:"errorCount" db:"error_count"`
	CreatedAt            time.Time        `json:"createdAt" db:"created_at"`
	UpdatedAt            time.Time        `json:"updatedAt" db:"updated_at"`
}
