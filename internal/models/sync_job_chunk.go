package models

import (
	"time"

	"github.com/campaign-sync/internal/types"
)

// SyncJobChunk is the unit of fetch work. Chunks are planned up front when the
// job is created (plus an extension batch after structure discovery), claimed
// by workers with a conditional update, and retried individually. ChunkOrder
// is unique within a job and advisory: workers prefer lowest order first but
// nothing breaks if chunks complete out of order.
//
// Metrics chunks target the entity batch [EntityOffset, EntityOffset+EntityLimit)
// for one entity type over one date window. Structure chunks carry no date range.
type SyncJobChunk struct {
	ID                string            `json:"id" db:"id"`
	SyncJobID         string            `json:"syncJobId" db:"sync_job_id"`
	ChunkType         types.ChunkType   `json:"chunkType" db:"chunk_type"`
	ChunkOrder        int               `json:"chunkOrder" db:"chunk_order"`
	Status            types.ChunkStatus `json:"status" db:"status"`
	EntityOffset      int               `json:"entityOffset" db:"entity_offset"`
	EntityLimit       int               `json:"entityLimit" db:"entity_limit"`
	DateFrom          *time.Time        `json:"dateFrom,omitempty" db:"date_from"`
	DateTo            *time.Time        `json:"dateTo,omitempty" db:"date_to"`
	EntitiesProcessed int               `json:"entitiesProcessed" db:"entities_processed"`
	MetricsSynced     int               `json:"metricsSynced" db:"metrics_synced"`
	RetryCount        int               `json:"retryCount" db:"retry_count"`
	MaxRetries        int               `json:"maxRetries" db:"max_retries"`
	LastError         *string           `json:"lastError,omitempty" db:"last_error"`
	StartedAt         *time.Time        `json:"startedAt,omitempty" db:"started_at"`
	CompletedAt       *time.Time        `json:"completedAt,omitempty" db:"completed_at"`
	CreatedAt         time.Time         `json:"createdAt" db:"created_at"`
	UpdatedAt         time.Time         `json:"updatedAt" db:"updated_at"`
}

// DateRange returns the chunk's window as a value range, false when the chunk
// carries no dates (structure chunks).
func (c *SyncJobChunk) DateRange() (types.DateRange, bool) {
	if c.DateFrom == nil || c.DateTo == nil {
		return types.DateRange{}, false
	}
	return types.DateRange{From: *c.DateFrom, To: *c.DateTo}, true
}

// CanRetry reports whether a failure of this chunk should requeue it rather
// than fail it permanently.
func (c *SyncJobChunk) CanRetry() bool {
	return c.RetryCount < c.MaxRetries
}
