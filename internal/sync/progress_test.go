package sync

import (
	"context"
	"testing"
	"time"

	"github.com/campaign-sync/internal/models"
	"github.com/campaign-sync/internal/types"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestComputeProgress(t *testing.T) {
	tests := []struct {
		name          string
		counts        map[types.ChunkStatus]int
		total         int
		wantCompleted int
		wantFailed    int
		wantPct       int
	}{
		{
			name:   "empty job",
			counts: map[types.ChunkStatus]int{},
			total:  0,
		},
		{
			name: "half done",
			counts: map[types.ChunkStatus]int{
				types.ChunkStatusCompleted: 5,
				types.ChunkStatusPending:   5,
			},
			total:         10,
			wantCompleted: 5,
			wantPct:       50,
		},
		{
			name: "rounding",
			counts: map[types.ChunkStatus]int{
				types.ChunkStatusCompleted: 1,
				types.ChunkStatusPending:   2,
			},
			total:         3,
			wantCompleted: 1,
			wantPct:       33,
		},
		{
			name: "failures count separately",
			counts: map[types.ChunkStatus]int{
				types.ChunkStatusCompleted: 3,
				types.ChunkStatusFailed:    2,
				types.ChunkStatusPending:   5,
			},
			total:         10,
			wantCompleted: 3,
			wantFailed:    2,
			wantPct:       30,
		},
		{
			name: "skipped chunks are neutral",
			counts: map[types.ChunkStatus]int{
				types.ChunkStatusCompleted: 2,
				types.ChunkStatusSkipped:   8,
			},
			total:         10,
			wantCompleted: 2,
			wantPct:       20,
		},
		{
			name: "all completed",
			counts: map[types.ChunkStatus]int{
				types.ChunkStatusCompleted: 7,
			},
			total:         7,
			wantCompleted: 7,
			wantPct:       100,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			completed, failed, pct := ComputeProgress(tt.counts, tt.total)
			if completed != tt.wantCompleted {
				t.Errorf("completed = %d, want %d", completed, tt.wantCompleted)
			}
			if failed != tt.wantFailed {
				t.Errorf("failed = %d, want %d", failed, tt.wantFailed)
			}
			if pct != tt.wantPct {
				t.Errorf("pct = %d, want %d", pct, tt.wantPct)
			}
		})
	}
}

func TestComputeProgressProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	countsGen := gen.IntRange(0, 500)

	// Property: the percentage is always within [0, 100] and the counters
	// never exceed the chunk total
	properties.Property("progress stays within bounds", prop.ForAll(
		func(completed, failed, pending, inProgress, skipped int) bool {
			counts := map[types.ChunkStatus]int{
				types.ChunkStatusCompleted:  completed,
				types.ChunkStatusFailed:     failed,
				types.ChunkStatusPending:    pending,
				types.ChunkStatusInProgress: inProgress,
				types.ChunkStatusSkipped:    skipped,
			}
			total := completed + failed + pending + inProgress + skipped
			gotCompleted, gotFailed, pct := ComputeProgress(counts, total)
			return gotCompleted+gotFailed <= max(total, 1) &&
				pct >= 0 && pct <= 100
		},
		countsGen, countsGen, countsGen, countsGen, countsGen,
	))

	// Property: 100% is reached exactly when every chunk completed
	properties.Property("full completion means 100 percent", prop.ForAll(
		func(total int) bool {
			counts := map[types.ChunkStatus]int{types.ChunkStatusCompleted: total}
			_, _, pct := ComputeProgress(counts, total)
			return pct == 100
		},
		gen.IntRange(1, 500),
	))

	properties.TestingRun(t)
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func testClock() time.Time {
	return time.Date(2026, 6, 15, 10, 0, 0, 0, time.UTC)
}

func seedJob(t *testing.T, store *MemStore, chunkCount int) *models.SyncJob {
	t.Helper()

	chunks := make([]*models.SyncJobChunk, 0, chunkCount)
	for i := 0; i < chunkCount; i++ {
		chunkType := types.ChunkTypeCampaignMetrics
		if i == 0 {
			chunkType = types.ChunkTypeStructure
		}
		chunks = append(chunks, &models.SyncJobChunk{
			ChunkType:  chunkType,
			ChunkOrder: i,
			MaxRetries: 3,
		})
	}

	job := &models.SyncJob{
		AdAccountID: "acct-1",
		Phase:       types.PhaseRecent90Days,
		DateFrom:    testClock().AddDate(0, 0, -89),
		DateTo:      testClock(),
	}
	if err := store.Jobs.CreateWithChunks(context.Background(), job, chunks); err != nil {
		t.Fatalf("failed to seed job: %v", err)
	}
	return job
}

func TestAggregatorRecompute(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore(testClock())
	agg := NewAggregator(store.Jobs, store.Chunks, store)

	job := seedJob(t, store, 4)
	chunks, _ := store.Chunks.ListByJob(ctx, job.ID)

	if _, err := store.Chunks.Claim(ctx, chunks[0].ID); err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if err := store.Chunks.MarkCompleted(ctx, chunks[0].ID, 10, 0); err != nil {
		t.Fatalf("complete failed: %v", err)
	}

	if err := agg.Recompute(ctx, job.ID); err != nil {
		t.Fatalf("recompute failed: %v", err)
	}

	got := store.GetJob(job.ID)
	if got.CompletedChunks != 1 || got.FailedChunks != 0 {
		t.Errorf("counters = (%d, %d), want (1, 0)", got.CompletedChunks, got.FailedChunks)
	}
	if got.ProgressPercentage != 25 {
		t.Errorf("pct = %d, want 25", got.ProgressPercentage)
	}
	if got.Status.Terminal() {
		t.Errorf("job with pending chunks must not be terminal, got %s", got.Status)
	}
	if len(store.Invalidated) != 1 || store.Invalidated[0] != job.ID {
		t.Errorf("expected one cache invalidation for the job, got %v", store.Invalidated)
	}
}

func TestAggregatorFinalizesCompleted(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore(testClock())
	agg := NewAggregator(store.Jobs, store.Chunks, nil)

	job := seedJob(t, store, 3)
	chunks, _ := store.Chunks.ListByJob(ctx, job.ID)
	for _, chunk := range chunks {
		store.Chunks.Claim(ctx, chunk.ID)
		store.Chunks.MarkCompleted(ctx, chunk.ID, 1, 1)
	}

	if err := agg.Recompute(ctx, job.ID); err != nil {
		t.Fatalf("recompute failed: %v", err)
	}

	got := store.GetJob(job.ID)
	if got.Status != types.JobStatusCompleted {
		t.Errorf("job status = %s, want completed", got.Status)
	}
	if got.ProgressPercentage != 100 {
		t.Errorf("pct = %d, want 100", got.ProgressPercentage)
	}
	if got.CompletedAt == nil {
		t.Error("completed job should carry a completion timestamp")
	}
}

func TestAggregatorFinalizesFailedWhenAnyChunkFailed(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore(testClock())
	agg := NewAggregator(store.Jobs, store.Chunks, nil)

	job := seedJob(t, store, 3)
	chunks, _ := store.Chunks.ListByJob(ctx, job.ID)

	store.Chunks.Claim(ctx, chunks[0].ID)
	store.Chunks.MarkCompleted(ctx, chunks[0].ID, 1, 0)
	store.Chunks.Claim(ctx, chunks[1].ID)
	store.Chunks.MarkFailed(ctx, chunks[1].ID, "rate limited")
	store.Chunks.MarkSkipped(ctx, chunks[2].ID, "batch vanished")

	if err := agg.Recompute(ctx, job.ID); err != nil {
		t.Fatalf("recompute failed: %v", err)
	}

	got := store.GetJob(job.ID)
	if got.Status != types.JobStatusFailed {
		t.Errorf("job status = %s, want failed", got.Status)
	}
	if got.ErrorMessage == nil {
		t.Fatal("failed job should carry an error message")
	}
}

func TestAggregatorCountsAppendedChunks(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore(testClock())
	agg := NewAggregator(store.Jobs, store.Chunks, nil)

	job := seedJob(t, store, 2)
	if err := store.Jobs.AppendChunks(ctx, job.ID, []*models.SyncJobChunk{
		{ChunkType: types.ChunkTypeAdMetrics, ChunkOrder: 2, MaxRetries: 3},
		{ChunkType: types.ChunkTypeAdMetrics, ChunkOrder: 3, MaxRetries: 3},
	}); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	if err := agg.Recompute(ctx, job.ID); err != nil {
		t.Fatalf("recompute failed: %v", err)
	}

	if got := store.GetJob(job.ID); got.TotalChunks != 4 {
		t.Errorf("total chunks = %d, want 4 after append", got.TotalChunks)
	}
}
