package sync

import (
	"context"
	"fmt"
	"math"

	"github.com/campaign-sync/internal/logging"
	"github.com/campaign-sync/internal/types"
)

// ComputeProgress derives job progress counters from chunk status counts.
// The percentage is round(completed / max(total, 1) * 100), clamped to
// [0, 100]. Skipped chunks count toward neither completion nor failure.
func ComputeProgress(counts map[types.ChunkStatus]int, totalChunks int) (completed, failed, pct int) {
	completed = counts[types.ChunkStatusCompleted]
	failed = counts[types.ChunkStatusFailed]

	total := totalChunks
	if total < 1 {
		total = 1
	}
	pct = int(math.Round(float64(completed) / float64(total) * 100))
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	return completed, failed, pct
}

// Aggregator rewrites a job's denormalized progress counters from its chunk
// rows. The chunk rows are the single source of truth; the job columns are a
// cache that Recompute refreshes after every chunk status write.
type Aggregator struct {
	jobs   JobStore
	chunks ChunkStore
	cache  ProgressInvalidator
}

// NewAggregator creates a progress aggregator. cache may be nil.
func NewAggregator(jobs JobStore, chunks ChunkStore, cache ProgressInvalidator) *Aggregator {
	return &Aggregator{jobs: jobs, chunks: chunks, cache: cache}
}

// Recompute re-scans the job's chunk counts, rewrites total_chunks,
// completed_chunks, failed_chunks and progress_percentage, and finalizes the
// job once every chunk is terminal: completed when nothing failed, failed
// otherwise. Total is re-derived from the rows so chunks appended after
// planning are always counted.
func (a *Aggregator) Recompute(ctx context.Context, jobID string) error {
	counts, err := a.chunks.CountByStatus(ctx, jobID)
	if err != nil {
		return fmt.Errorf("failed to count chunks for job %s: %w", jobID, err)
	}

	total := 0
	for _, n := range counts {
		total += n
	}

	completed, failed, pct := ComputeProgress(counts, total)

	if err := a.jobs.ApplyProgress(ctx, jobID, total, completed, failed, pct); err != nil {
		return fmt.Errorf("failed to apply progress for job %s: %w", jobID, err)
	}

	allTerminal := total > 0 &&
		counts[types.ChunkStatusPending] == 0 &&
		counts[types.ChunkStatusInProgress] == 0

	if allTerminal {
		// Conditional terminal writes: a job already cancelled or failed
		// stays put, the false return is expected.
		if failed > 0 {
			if _, err := a.jobs.MarkFailed(ctx, jobID, fmt.Sprintf("%d of %d chunks failed", failed, total)); err != nil {
				return fmt.Errorf("failed to finalize job %s: %w", jobID, err)
			}
		} else {
			if _, err := a.jobs.MarkCompleted(ctx, jobID); err != nil {
				return fmt.Errorf("failed to finalize job %s: %w", jobID, err)
			}
		}
	}

	if a.cache != nil {
		if err := a.cache.Invalidate(ctx, jobID); err != nil {
			logging.FromContext(ctx).WithError(err).WithField("jobId", jobID).
				Warn("progress cache invalidation failed")
		}
	}

	return nil
}
