package sync

import (
	"context"
	"fmt"

	"github.com/campaign-sync/internal/logging"
	"github.com/campaign-sync/internal/models"
)

// Outcome describes how one chunk attempt ended.
type Outcome struct {
	Success           bool   `json:"success"`
	EntitiesProcessed int    `json:"entitiesProcessed"`
	MetricsSynced     int    `json:"metricsSynced"`
	Error             string `json:"error,omitempty"`
}

// Queue applies the chunk lifecycle: claims hand a pending chunk to exactly
// one worker, outcomes finalize or requeue it. A failed chunk goes back to
// pending while retry_count < max_retries and becomes permanently failed at
// the bound. Every outcome write triggers a progress recompute.
type Queue struct {
	jobs       JobStore
	chunks     ChunkStore
	aggregator *Aggregator
}

// NewQueue creates a chunk queue over the given stores.
func NewQueue(jobs JobStore, chunks ChunkStore, aggregator *Aggregator) *Queue {
	return &Queue{jobs: jobs, chunks: chunks, aggregator: aggregator}
}

// ClaimNext atomically claims the next runnable pending chunk, lowest
// chunk_order first. Returns (nil, nil) when the queue is empty.
func (q *Queue) ClaimNext(ctx context.Context) (*models.SyncJobChunk, error) {
	return q.chunks.ClaimNext(ctx)
}

// Claim atomically claims one specific pending chunk. False means the chunk
// was not pending, usually because another worker got there first.
func (q *Queue) Claim(ctx context.Context, chunkID string) (bool, error) {
	return q.chunks.Claim(ctx, chunkID)
}

// ReportOutcome finalizes an in-progress chunk attempt and recomputes the
// job's progress. Success marks the chunk completed with its counters; a
// failure requeues it for retry while attempts remain, otherwise marks it
// permanently failed. Returns the chunk after the write.
func (q *Queue) ReportOutcome(ctx context.Context, chunkID string, outcome Outcome) (*models.SyncJobChunk, error) {
	chunk, err := q.chunks.GetByID(ctx, chunkID)
	if err != nil {
		return nil, err
	}

	log := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"chunkId": chunkID,
		"jobId":   chunk.SyncJobID,
	})

	if outcome.Success {
		if err := q.chunks.MarkCompleted(ctx, chunkID, outcome.EntitiesProcessed, outcome.MetricsSynced); err != nil {
			return nil, err
		}
	} else {
		requeued, err := q.chunks.RequeueForRetry(ctx, chunkID, outcome.Error)
		if err != nil {
			return nil, err
		}
		if requeued {
			log.WithField("retryCount", chunk.RetryCount+1).
				Infof("chunk %d requeued after failure: %s", chunk.ChunkOrder, outcome.Error)
		} else {
			// Retries exhausted (or the chunk was never in progress, which
			// MarkFailed surfaces as an error).
			if err := q.chunks.MarkFailed(ctx, chunkID, outcome.Error); err != nil {
				return nil, err
			}
			log.Warnf("chunk %d permanently failed after %d retries: %s",
				chunk.ChunkOrder, chunk.RetryCount, outcome.Error)
		}
		if err := q.jobs.IncrementErrorCount(ctx, chunk.SyncJobID); err != nil {
			return nil, fmt.Errorf("failed to record job error count: %w", err)
		}
	}

	if err := q.aggregator.Recompute(ctx, chunk.SyncJobID); err != nil {
		return nil, err
	}

	return q.chunks.GetByID(ctx, chunkID)
}

// Skip finalizes a chunk whose target no longer exists, for example an
// entity batch that vanished during a structure refresh. Skipped chunks are
// neutral: processed, but neither success nor failure.
func (q *Queue) Skip(ctx context.Context, chunkID string, reason string) (*models.SyncJobChunk, error) {
	chunk, err := q.chunks.GetByID(ctx, chunkID)
	if err != nil {
		return nil, err
	}

	if err := q.chunks.MarkSkipped(ctx, chunkID, reason); err != nil {
		return nil, err
	}

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"chunkId": chunkID,
		"jobId":   chunk.SyncJobID,
	}).Infof("chunk %d skipped: %s", chunk.ChunkOrder, reason)

	if err := q.aggregator.Recompute(ctx, chunk.SyncJobID); err != nil {
		return nil, err
	}

	return q.chunks.GetByID(ctx, chunkID)
}
