package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/campaign-sync/internal/models"
	"github.com/campaign-sync/internal/types"
	"github.com/redis/go-redis/v9"
)

// ProgressCache keeps a short-lived snapshot of job progress in Redis so
// polling clients do not hammer Postgres. Postgres stays authoritative; a
// cache miss or a Redis outage only costs a database read.
type ProgressCache struct {
	redis *RedisCache
	ttl   time.Duration
}

// NewProgressCache creates a new progress cache
func NewProgressCache(redis *RedisCache, ttl time.Duration) *ProgressCache {
	return &ProgressCache{
		redis: redis,
		ttl:   ttl,
	}
}

// CachedProgress is the snapshot stored per job.
type CachedProgress struct {
	JobID              string          `json:"jobId"`
	Status             types.JobStatus `json:"status"`
	TotalChunks        int             `json:"totalChunks"`
	CompletedChunks    int             `json:"completedChunks"`
	FailedChunks       int             `json:"failedChunks"`
	ProgressPercentage int             `json:"progressPercentage"`
	CachedAt           time.Time       `json:"cachedAt"`
}

func progressKey(jobID string) string {
	return "progress:" + jobID
}

// Set stores the job's current progress snapshot.
func (c *ProgressCache) Set(ctx context.Context, job *models.SyncJob) error {
	snapshot := CachedProgress{
		JobID:              job.ID,
		Status:             job.Status,
		TotalChunks:        job.TotalChunks,
		CompletedChunks:    job.CompletedChunks,
		FailedChunks:       job.FailedChunks,
		ProgressPercentage: job.ProgressPercentage,
		CachedAt:           time.Now(),
	}

	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal progress snapshot: %w", err)
	}

	return c.redis.Set(ctx, progressKey(job.ID), data, c.ttl)
}

// Get returns the cached snapshot, or found=false on a miss.
func (c *ProgressCache) Get(ctx context.Context, jobID string) (*CachedProgress, bool, error) {
	data, err := c.redis.Get(ctx, progressKey(jobID))
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to get progress snapshot: %w", err)
	}

	var snapshot CachedProgress
	if err := json.Unmarshal([]byte(data), &snapshot); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal progress snapshot: %w", err)
	}

	return &snapshot, true, nil
}

// Invalidate drops the snapshot, forcing the next read through to Postgres.
// Called after every recompute so stale percentages never outlive a chunk
// outcome for long.
func (c *ProgressCache) Invalidate(ctx context.Context, jobID string) error {
	return c.redis.Del(ctx, progressKey(jobID))
}
