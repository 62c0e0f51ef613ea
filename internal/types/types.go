// Package types provides common type definitions for the campaign sync system.
package types

import (
	"strings"
	"time"
)

// UserTier represents the service tier level
type UserTier string

const (
	// TierFree represents the free service tier with limited features
	TierFree UserTier = "free"
	// TierPaid represents the paid service tier with full features
	TierPaid UserTier = "paid"
)

// Platform represents a supported advertising platform
type Platform string

const (
	// PlatformMeta represents Meta (Facebook/Instagram) advertising
	PlatformMeta Platform = "meta"
	// PlatformTikTok represents TikTok advertising
	PlatformTikTok Platform = "tiktok"
	// PlatformGoogle represents Google Ads
	PlatformGoogle Platform = "google"
)

// Valid reports whether p is a known platform.
func (p Platform) Valid() bool {
	switch p {
	case PlatformMeta, PlatformTikTok, PlatformGoogle:
		return true
	}
	return false
}

// EntityType represents the level of an advertising entity
type EntityType string

const (
	// EntityTypeCampaign represents a campaign (top level)
	EntityTypeCampaign EntityType = "campaign"
	// EntityTypeAdSet represents an ad set (mid level, child of a campaign)
	EntityTypeAdSet EntityType = "ad_set"
	// EntityTypeAd represents an individual ad (leaf level, child of an ad set)
	EntityTypeAd EntityType = "ad"
)

// Valid reports whether t is a known entity type.
func (t EntityType) Valid() bool {
	switch t {
	case EntityTypeCampaign, EntityTypeAdSet, EntityTypeAd:
		return true
	}
	return false
}

// EntityStatus represents the delivery status of an entity as reported by the
// platform. Stored upper-case; comparisons normalize first.
type EntityStatus string

const (
	// EntityStatusActive represents an entity that is delivering
	EntityStatusActive EntityStatus = "ACTIVE"
	// EntityStatusPaused represents an entity paused by the advertiser
	EntityStatusPaused EntityStatus = "PAUSED"
	// EntityStatusDeleted represents an entity deleted on the platform
	EntityStatusDeleted EntityStatus = "DELETED"
	// EntityStatusArchived represents an entity archived on the platform
	EntityStatusArchived EntityStatus = "ARCHIVED"
)

// NormalizeEntityStatus maps a raw platform status string to its canonical
// upper-case form. Unknown statuses pass through upper-cased so history keeps
// whatever the platform said.
func NormalizeEntityStatus(raw string) EntityStatus {
	return EntityStatus(strings.ToUpper(strings.TrimSpace(raw)))
}

// Dormant reports whether s is a non-delivering status that ends an entity's
// metric accrual (paused or deleted).
func (s EntityStatus) Dormant() bool {
	switch NormalizeEntityStatus(string(s)) {
	case EntityStatusPaused, EntityStatusDeleted:
		return true
	}
	return false
}

// NeedsFinalSync reports whether a transition from old to new obligates one
// last metrics fetch: the entity was delivering and has stopped. Comparison is
// case-insensitive.
func NeedsFinalSync(old, new EntityStatus) bool {
	return NormalizeEntityStatus(string(old)) == EntityStatusActive && new.Dormant()
}

// SyncPhase represents which slice of history a sync job covers
type SyncPhase string

const (
	// PhaseRecent90Days covers the most recent 90 days of metrics
	PhaseRecent90Days SyncPhase = "recent_90_days"
	// PhaseHistoricalBackfill covers everything older than the recent window
	PhaseHistoricalBackfill SyncPhase = "historical_backfill"
)

// Valid reports whether p is a known sync phase.
func (p SyncPhase) Valid() bool {
	return p == PhaseRecent90Days || p == PhaseHistoricalBackfill
}

// JobStatus represents the lifecycle state of a sync job
type JobStatus string

const (
	// JobStatusPending represents a job planned but not yet picked up
	JobStatusPending JobStatus = "pending"
	// JobStatusInProgress represents a job with at least one claimed chunk
	JobStatusInProgress JobStatus = "in_progress"
	// JobStatusCompleted represents a job whose chunks all succeeded
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed represents a job with at least one permanently failed chunk
	JobStatusFailed JobStatus = "failed"
	// JobStatusCancelled represents a job cancelled by an external request
	JobStatusCancelled JobStatus = "cancelled"
)

// Valid reports whether s is a known job status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusInProgress, JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether s is a final state. Terminal jobs are never
// resurrected; a new sync means a new job.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// ChunkStatus represents the lifecycle state of a sync job chunk
type ChunkStatus string

const (
	// ChunkStatusPending represents a chunk waiting to be claimed
	ChunkStatusPending ChunkStatus = "pending"
	// ChunkStatusInProgress represents a chunk claimed by a worker
	ChunkStatusInProgress ChunkStatus = "in_progress"
	// ChunkStatusCompleted represents a successfully executed chunk
	ChunkStatusCompleted ChunkStatus = "completed"
	// ChunkStatusFailed represents a chunk that exhausted its retries
	ChunkStatusFailed ChunkStatus = "failed"
	// ChunkStatusSkipped represents a chunk whose target entities no longer exist
	ChunkStatusSkipped ChunkStatus = "skipped"
)

// Valid reports whether s is a known chunk status.
func (s ChunkStatus) Valid() bool {
	switch s {
	case ChunkStatusPending, ChunkStatusInProgress, ChunkStatusCompleted, ChunkStatusFailed, ChunkStatusSkipped:
		return true
	}
	return false
}

// Terminal reports whether s is a final state for the chunk.
func (s ChunkStatus) Terminal() bool {
	switch s {
	case ChunkStatusCompleted, ChunkStatusFailed, ChunkStatusSkipped:
		return true
	}
	return false
}

// ChunkType represents what a chunk fetches
type ChunkType string

const (
	// ChunkTypeStructure fetches campaigns, ad sets and ads (no metrics)
	ChunkTypeStructure ChunkType = "structure"
	// ChunkTypeCampaignMetrics fetches daily metrics for a batch of campaigns
	ChunkTypeCampaignMetrics ChunkType = "campaign_metrics"
	// ChunkTypeAdSetMetrics fetches daily metrics for a batch of ad sets
	ChunkTypeAdSetMetrics ChunkType = "adset_metrics"
	// ChunkTypeAdMetrics fetches daily metrics for a batch of ads
	ChunkTypeAdMetrics ChunkType = "ad_metrics"
)

// Valid reports whether t is a known chunk type.
func (t ChunkType) Valid() bool {
	switch t {
	case ChunkTypeStructure, ChunkTypeCampaignMetrics, ChunkTypeAdSetMetrics, ChunkTypeAdMetrics:
		return true
	}
	return false
}

// MetricsEntityType returns the entity level a metrics chunk targets, and
// false for structure chunks.
func (t ChunkType) MetricsEntityType() (EntityType, bool) {
	switch t {
	case ChunkTypeCampaignMetrics:
		return EntityTypeCampaign, true
	case ChunkTypeAdSetMetrics:
		return EntityTypeAdSet, true
	case ChunkTypeAdMetrics:
		return EntityTypeAd, true
	}
	return "", false
}

// MetricsChunkType returns the chunk type that fetches metrics for t.
func MetricsChunkType(t EntityType) ChunkType {
	switch t {
	case EntityTypeCampaign:
		return ChunkTypeCampaignMetrics
	case EntityTypeAdSet:
		return ChunkTypeAdSetMetrics
	case EntityTypeAd:
		return ChunkTypeAdMetrics
	}
	return ""
}

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}

// DateRange represents an inclusive day range. From and To are UTC dates
// (midnight-truncated).
type DateRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Days returns the number of days the range spans, inclusive.
func (r DateRange) Days() int {
	if r.To.Before(r.From) {
		return 0
	}
	return int(r.To.Sub(r.From).Hours()/24) + 1
}

// SplitWindows splits the range into consecutive windows of at most
// windowDays days. A non-positive windowDays yields the range unsplit.
func (r DateRange) SplitWindows(windowDays int) []DateRange {
	if r.To.Before(r.From) {
		return nil
	}
	if windowDays <= 0 {
		return []DateRange{r}
	}
	var windows []DateRange
	from := r.From
	for !from.After(r.To) {
		to := from.AddDate(0, 0, windowDays-1)
		if to.After(r.To) {
			to = r.To
		}
		windows = append(windows, DateRange{From: from, To: to})
		from = to.AddDate(0, 0, 1)
	}
	return windows
}

// PlatformEntity represents one structure row delivered by a platform fetch
type PlatformEntity struct {
	EntityType       EntityType `json:"entityType"`
	PlatformEntityID string     `json:"platformEntityId"`
	ParentPlatformID *string    `json:"parentPlatformId,omitempty"` // campaign id for ad sets, ad set id for ads
	Name             string     `json:"name"`
	Status           string     `json:"status"` // raw platform casing, normalized on write
}

// MetricRow represents one day of performance metrics for one entity
type MetricRow struct {
	Date             time.Time  `json:"date"`
	EntityType       EntityType `json:"entityType"`
	PlatformEntityID string     `json:"platformEntityId"`
	Impressions      uint64     `json:"impressions"`
	Clicks           uint64     `json:"clicks"`
	Spend            float64    `json:"spend"`
	Conversions      uint64     `json:"conversions"`
	Revenue          float64    `json:"revenue"`
}
