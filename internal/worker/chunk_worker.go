// Package worker hosts the long-running loops of the sync system: chunk
// workers that claim and execute fetch chunks, and the scheduler that plans
// incremental syncs and drives the final-sync sweep. All cross-process
// coordination happens through conditional updates in storage; the loops here
// only decide when to try.
package worker

import (
	"context"
	"fmt"
	stdsync "sync"
	"time"

	"github.com/campaign-sync/internal/logging"
	"github.com/campaign-sync/internal/models"
	"github.com/campaign-sync/internal/platform"
	"github.com/campaign-sync/internal/retry"
	enginesync "github.com/campaign-sync/internal/sync"
	"github.com/campaign-sync/internal/types"
)

// FetchPacer defers backfill chunk execution while a platform's request
// window is close to exhausted, keeping headroom for interactive syncs.
// Satisfied by ratelimit.BackfillRateController.
type FetchPacer interface {
	ShouldPause(ctx context.Context) bool
	RecordSuccess()
	RecordFailure()
	GetCurrentDelay() time.Duration
}

// ChunkWorker claims pending chunks and executes them through the platform
// adapters. Several workers may run per process and across processes; the
// chunk claim is a conditional update, so each chunk runs exactly once per
// attempt.
type ChunkWorker struct {
	queue    *enginesync.Queue
	planner  *enginesync.Planner
	jobs     enginesync.JobStore
	entities enginesync.EntityStore
	metrics  enginesync.MetricsStore
	accounts enginesync.AccountStore
	adapters enginesync.AdapterSource
	pacers   map[types.Platform]FetchPacer

	pollInterval time.Duration
	pageSize     int
	workers      int
	fetchRetry   *retry.Config

	running         bool
	mu              stdsync.RWMutex
	stopCh          chan struct{}
	doneCh          chan struct{}
	lastPollTime    time.Time
	chunksProcessed int
}

// ChunkWorkerConfig holds configuration for a chunk worker pool.
type ChunkWorkerConfig struct {
	Queue    *enginesync.Queue
	Planner  *enginesync.Planner
	Jobs     enginesync.JobStore
	Entities enginesync.EntityStore
	Metrics  enginesync.MetricsStore
	Accounts enginesync.AccountStore
	Adapters enginesync.AdapterSource

	// Pacers holds an optional per-platform backfill pacer. Platforms
	// without one run unpaced.
	Pacers map[types.Platform]FetchPacer

	// PollInterval is the idle wait between claim attempts once the queue
	// drains. Default 5s.
	PollInterval time.Duration
	// PageSize is the structure fetch page size. Default 500.
	PageSize int
	// Workers is the number of concurrent claim loops. Default 1.
	Workers int
}

// NewChunkWorker creates a chunk worker pool.
func NewChunkWorker(cfg *ChunkWorkerConfig) (*ChunkWorker, error) {
	if cfg.Queue == nil {
		return nil, fmt.Errorf("chunk queue cannot be nil")
	}
	if cfg.Planner == nil {
		return nil, fmt.Errorf("planner cannot be nil")
	}
	if cfg.Jobs == nil || cfg.Entities == nil || cfg.Metrics == nil || cfg.Accounts == nil {
		return nil, fmt.Errorf("stores cannot be nil")
	}
	if cfg.Adapters == nil {
		return nil, fmt.Errorf("adapter source cannot be nil")
	}

	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = 500
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}

	return &ChunkWorker{
		queue:        cfg.Queue,
		planner:      cfg.Planner,
		jobs:         cfg.Jobs,
		entities:     cfg.Entities,
		metrics:      cfg.Metrics,
		accounts:     cfg.Accounts,
		adapters:     cfg.Adapters,
		pacers:       cfg.Pacers,
		pollInterval: pollInterval,
		pageSize:     pageSize,
		workers:      workers,
		fetchRetry:   retry.PlatformFetchConfig(),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}, nil
}

// Start launches the claim loops.
func (w *ChunkWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("chunk worker is already running")
	}
	w.running = true
	w.mu.Unlock()

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"workers":      w.workers,
		"pollInterval": w.pollInterval.String(),
	}).Info("starting chunk workers")

	var wg stdsync.WaitGroup
	for i := 0; i < w.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			w.claimLoop(ctx, id)
		}(i)
	}
	go func() {
		wg.Wait()
		close(w.doneCh)
	}()

	return nil
}

// Stop signals the claim loops and waits for in-flight chunks to finish.
func (w *ChunkWorker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return fmt.Errorf("chunk worker is not running")
	}
	w.mu.Unlock()

	close(w.stopCh)

	select {
	case <-w.doneCh:
	case <-ctx.Done():
		return ctx.Err()
	}

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()

	return nil
}

// claimLoop drains the queue, then idles one poll interval before trying
// again. A claimed chunk always gets an outcome report, even when the fetch
// fails, so the retry bookkeeping never loses an attempt.
func (w *ChunkWorker) claimLoop(ctx context.Context, id int) {
	log := logging.FromContext(ctx).WithField("worker", id)

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.mu.Lock()
			w.lastPollTime = time.Now()
			w.mu.Unlock()

			for {
				processed, err := w.processNext(ctx)
				if err != nil {
					log.WithError(err).Warn("chunk execution error")
					break
				}
				if !processed {
					break
				}
				select {
				case <-ctx.Done():
					return
				case <-w.stopCh:
					return
				default:
				}
			}
		}
	}
}

// processNext claims and executes one chunk. Returns false when the queue is
// empty.
func (w *ChunkWorker) processNext(ctx context.Context) (bool, error) {
	chunk, err := w.queue.ClaimNext(ctx)
	if err != nil {
		return false, err
	}
	if chunk == nil {
		return false, nil
	}

	w.mu.Lock()
	w.chunksProcessed++
	w.mu.Unlock()

	if err := w.executeChunk(ctx, chunk); err != nil {
		// The claim is ours, so the failure must flow through the outcome
		// path; a reporting error is the only thing that propagates.
		if _, repErr := w.queue.ReportOutcome(ctx, chunk.ID, enginesync.Outcome{
			Success: false,
			Error:   err.Error(),
		}); repErr != nil {
			return true, repErr
		}
	}

	return true, nil
}

// executeChunk runs one claimed chunk end to end and reports its outcome.
// Returning an error means the outcome was NOT reported yet.
func (w *ChunkWorker) executeChunk(ctx context.Context, chunk *models.SyncJobChunk) error {
	log := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"chunkId":   chunk.ID,
		"jobId":     chunk.SyncJobID,
		"chunkType": chunk.ChunkType,
	})

	job, err := w.jobs.GetByID(ctx, chunk.SyncJobID)
	if err != nil {
		return err
	}

	// First chunk of a pending job moves it to in_progress. Losing this
	// claim just means another worker started the job already.
	if job.Status == types.JobStatusPending {
		if _, err := w.jobs.ClaimPending(ctx, job.ID); err != nil {
			return err
		}
	}
	if err := w.jobs.UpdateCursor(ctx, job.ID, chunk.ChunkType, chunk.EntityOffset); err != nil {
		log.WithError(err).Warn("failed to update job cursor")
	}

	account, err := w.accounts.GetByID(ctx, job.AdAccountID)
	if err != nil {
		return err
	}
	adapter, err := w.adapters.Get(account.Platform)
	if err != nil {
		return err
	}

	pacer := w.pacers[account.Platform]
	if pacer != nil {
		if err := w.awaitHeadroom(ctx, pacer, account.Platform); err != nil {
			return err
		}
	}

	if chunk.ChunkType == types.ChunkTypeStructure {
		err = w.runStructureChunk(ctx, job, chunk, account, adapter)
	} else {
		err = w.runMetricsChunk(ctx, job, chunk, account, adapter)
	}
	if err == nil && pacer != nil {
		pacer.RecordSuccess()
	}
	return err
}

// awaitHeadroom holds a claimed chunk back while the platform window is near
// exhaustion. Each paused round grows the pacer's backoff; the next
// successful chunk resets it.
func (w *ChunkWorker) awaitHeadroom(ctx context.Context, pacer FetchPacer, p types.Platform) error {
	for pacer.ShouldPause(ctx) {
		pacer.RecordFailure()
		delay := pacer.GetCurrentDelay()
		logging.FromContext(ctx).WithFields(map[string]interface{}{
			"platform": p,
			"delay":    delay.String(),
		}).Debug("backfill paused to keep platform budget headroom")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stopCh:
			return fmt.Errorf("chunk worker stopping")
		case <-time.After(delay):
		}
	}
	return nil
}

// runStructureChunk refreshes the account's entity hierarchy: every level is
// paged through the adapter and upserted, entities absent from a full
// enumeration are marked deleted, and the job plan is extended to cover
// batches discovered beyond the planned coverage.
func (w *ChunkWorker) runStructureChunk(ctx context.Context, job *models.SyncJob, chunk *models.SyncJobChunk, account *models.AdAccount, adapter platform.Adapter) error {
	seen, err := syncStructure(ctx, w.entities, account, adapter, w.pageSize, w.fetchRetry)
	if err != nil {
		return err
	}

	processed := 0
	for _, n := range seen {
		processed += n
	}
	if err := w.jobs.AddSyncedCounters(ctx, job.ID,
		seen[types.EntityTypeCampaign], seen[types.EntityTypeAdSet], seen[types.EntityTypeAd], 0); err != nil {
		return err
	}

	// Structure discovery may have found more entities than the plan covered.
	added, err := w.planner.ExtendAfterStructure(ctx, job.ID)
	if err != nil {
		return err
	}
	if added > 0 {
		logging.FromContext(ctx).WithFields(map[string]interface{}{
			"jobId":  job.ID,
			"chunks": added,
		}).Info("job extended after structure discovery")
	}

	_, err = w.queue.ReportOutcome(ctx, chunk.ID, enginesync.Outcome{
		Success:           true,
		EntitiesProcessed: processed,
	})
	return err
}

// runMetricsChunk fetches daily metrics for the chunk's entity batch over its
// date window. An empty batch (the entities vanished since planning) is
// skipped, not failed.
func (w *ChunkWorker) runMetricsChunk(ctx context.Context, job *models.SyncJob, chunk *models.SyncJobChunk, account *models.AdAccount, adapter platform.Adapter) error {
	entityType, ok := chunk.ChunkType.MetricsEntityType()
	if !ok {
		return fmt.Errorf("chunk %s has no metrics entity type", chunk.ChunkType)
	}
	window, ok := chunk.DateRange()
	if !ok {
		return fmt.Errorf("metrics chunk %s carries no date range", chunk.ID)
	}

	batch, err := w.entities.ListPage(ctx, account.ID, entityType, chunk.EntityOffset, chunk.EntityLimit)
	if err != nil {
		return err
	}
	if len(batch) == 0 {
		_, err := w.queue.Skip(ctx, chunk.ID, fmt.Sprintf("no %s entities at offset %d", entityType, chunk.EntityOffset))
		return err
	}

	ids := make([]string, len(batch))
	for i, e := range batch {
		ids[i] = e.PlatformEntityID
	}

	var fetched []types.MetricRow
	err = retry.Do(ctx, w.fetchRetry, func(ctx context.Context, attempt int) error {
		rows, err := adapter.FetchMetrics(ctx, account, entityType, ids, window)
		if err != nil {
			return err
		}
		fetched = rows
		return nil
	})
	if err != nil {
		return fmt.Errorf("metrics fetch failed: %w", err)
	}

	rows := make([]models.EntityMetricsRow, 0, len(fetched))
	for _, row := range fetched {
		rows = append(rows, models.EntityMetricsRow{
			Date:             row.Date,
			Platform:         account.Platform,
			AdAccountID:      account.ID,
			EntityType:       row.EntityType,
			PlatformEntityID: row.PlatformEntityID,
			Impressions:      row.Impressions,
			Clicks:           row.Clicks,
			Spend:            row.Spend,
			Conversions:      row.Conversions,
			Revenue:          row.Revenue,
		})
	}

	if err := w.metrics.InsertBatch(ctx, account.Platform, account.ID, rows); err != nil {
		return fmt.Errorf("failed to store metrics: %w", err)
	}
	if err := w.jobs.AddSyncedCounters(ctx, job.ID, 0, 0, 0, int64(len(rows))); err != nil {
		return err
	}

	_, err = w.queue.ReportOutcome(ctx, chunk.ID, enginesync.Outcome{
		Success:           true,
		EntitiesProcessed: len(batch),
		MetricsSynced:     len(rows),
	})
	return err
}

// Status reports the worker pool's current state.
func (w *ChunkWorker) Status() ChunkWorkerStatus {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return ChunkWorkerStatus{
		Running:             w.running,
		Workers:             w.workers,
		LastPollTime:        w.lastPollTime,
		ChunksProcessed:     w.chunksProcessed,
		PollIntervalSeconds: int(w.pollInterval.Seconds()),
	}
}

// ChunkWorkerStatus is the worker pool's observable state.
type ChunkWorkerStatus struct {
	Running             bool      `json:"running"`
	Workers             int       `json:"workers"`
	LastPollTime        time.Time `json:"lastPollTime"`
	ChunksProcessed     int       `json:"chunksProcessed"`
	PollIntervalSeconds int       `json:"pollIntervalSeconds"`
}
