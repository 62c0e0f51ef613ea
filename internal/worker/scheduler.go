package worker

import (
	"context"
	"fmt"
	stdsync "sync"
	"time"

	"github.com/campaign-sync/internal/logging"
	"github.com/campaign-sync/internal/models"
	"github.com/campaign-sync/internal/retry"
	enginesync "github.com/campaign-sync/internal/sync"
	"github.com/campaign-sync/internal/throttle"
	"github.com/campaign-sync/internal/types"
)

// AccountSource lists the accounts the scheduler considers for incremental
// syncing.
type AccountSource interface {
	ListActive(ctx context.Context, limit int) ([]*models.AdAccount, error)
}

// SchedulerJobStore is the job surface the scheduler checks before planning.
type SchedulerJobStore interface {
	GetActiveByAccountAndPhase(ctx context.Context, adAccountID string, phase types.SyncPhase) (*models.SyncJob, error)
}

// StaleChunkRecoverer requeues or fails chunks whose claim went stale.
type StaleChunkRecoverer interface {
	RecoverStale(ctx context.Context, staleAfter time.Duration) (requeued int, failed int, err error)
}

// Scheduler drives the periodic work that is nobody's request: the final-sync
// sweep, stale chunk recovery, and the per-account incremental sync behind the
// throttle gate. Accounts are visited stalest first; admission is always the
// gate's conditional claim, so concurrent schedulers cannot double-plan.
type Scheduler struct {
	accounts   AccountSource
	jobs       SchedulerJobStore
	chunks     StaleChunkRecoverer
	gate       *throttle.Gate
	planner    *enginesync.Planner
	finalSync  *enginesync.FinalSyncer
	entities   enginesync.EntityStore
	adapters   enginesync.AdapterSource
	queue      *StalenessQueue
	interval   time.Duration
	staleAfter time.Duration
	pageSize   int
	maxAccts   int
	fetchRetry *retry.Config

	running  bool
	mu       stdsync.RWMutex
	stopCh   chan struct{}
	doneCh   chan struct{}
	lastTick time.Time
}

// SchedulerConfig holds configuration for a scheduler.
type SchedulerConfig struct {
	Accounts  AccountSource
	Jobs      SchedulerJobStore
	Chunks    StaleChunkRecoverer
	Gate      *throttle.Gate
	Planner   *enginesync.Planner
	FinalSync *enginesync.FinalSyncer
	Entities  enginesync.EntityStore
	Adapters  enginesync.AdapterSource

	// Interval between ticks. Default 30s.
	Interval time.Duration
	// StaleAfter is the chunk claim age treated as abandoned. Default 15m.
	StaleAfter time.Duration
	// PageSize is the existence-check structure page size. Default 500.
	PageSize int
	// MaxAccounts caps how many accounts one tick considers. Default 1000.
	MaxAccounts int
}

// NewScheduler creates a scheduler.
func NewScheduler(cfg *SchedulerConfig) (*Scheduler, error) {
	if cfg.Accounts == nil || cfg.Jobs == nil || cfg.Chunks == nil || cfg.Entities == nil {
		return nil, fmt.Errorf("stores cannot be nil")
	}
	if cfg.Gate == nil {
		return nil, fmt.Errorf("throttle gate cannot be nil")
	}
	if cfg.Planner == nil || cfg.FinalSync == nil {
		return nil, fmt.Errorf("planner and final syncer cannot be nil")
	}
	if cfg.Adapters == nil {
		return nil, fmt.Errorf("adapter source cannot be nil")
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	staleAfter := cfg.StaleAfter
	if staleAfter <= 0 {
		staleAfter = 15 * time.Minute
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = 500
	}
	maxAccts := cfg.MaxAccounts
	if maxAccts <= 0 {
		maxAccts = 1000
	}

	return &Scheduler{
		accounts:   cfg.Accounts,
		jobs:       cfg.Jobs,
		chunks:     cfg.Chunks,
		gate:       cfg.Gate,
		planner:    cfg.Planner,
		finalSync:  cfg.FinalSync,
		entities:   cfg.Entities,
		adapters:   cfg.Adapters,
		queue:      NewStalenessQueue(),
		interval:   interval,
		staleAfter: staleAfter,
		pageSize:   pageSize,
		maxAccts:   maxAccts,
		fetchRetry: retry.PlatformFetchConfig(),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}, nil
}

// Start launches the tick loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler is already running")
	}
	s.running = true
	s.mu.Unlock()

	logging.FromContext(ctx).WithField("interval", s.interval.String()).
		Info("starting scheduler")

	go s.tickLoop(ctx)
	return nil
}

// Stop signals the tick loop and waits for the current tick to finish.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler is not running")
	}
	s.mu.Unlock()

	close(s.stopCh)

	select {
	case <-s.doneCh:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	return nil
}

func (s *Scheduler) tickLoop(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.mu.Lock()
			s.lastTick = time.Now()
			s.mu.Unlock()

			if err := s.RunOnce(ctx); err != nil {
				logging.FromContext(ctx).WithError(err).Warn("scheduler tick failed")
			}
		}
	}
}

// RunOnce executes one scheduler tick: final-sync sweep, stale chunk
// recovery, then the per-account pass. Errors in one stage are logged and do
// not stop the others; only a context cancellation aborts the tick.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	log := logging.FromContext(ctx).WithField("component", "scheduler")

	stats, err := s.finalSync.SweepOnce(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		log.WithError(err).Warn("final sync sweep failed")
	} else if stats.Scanned > 0 {
		log.Infof("final sync sweep: %d scanned, %d claimed, %d completed, %d failed",
			stats.Scanned, stats.Claimed, stats.Completed, stats.Failed)
	}

	requeued, failed, err := s.chunks.RecoverStale(ctx, s.staleAfter)
	if err != nil {
		log.WithError(err).Warn("stale chunk recovery failed")
	} else if requeued > 0 || failed > 0 {
		log.Infof("stale chunk recovery: %d requeued, %d failed", requeued, failed)
	}

	accounts, err := s.accounts.ListActive(ctx, s.maxAccts)
	if err != nil {
		return fmt.Errorf("failed to list active accounts: %w", err)
	}
	s.queue.Refresh(accounts)

	for _, account := range s.queue.Ordered() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.visitAccount(ctx, account); err != nil {
			log.WithError(err).WithField("adAccountId", account.ID).
				Warn("account scheduling failed")
		}
	}

	return nil
}

// visitAccount attempts the two throttled operations for one account. Both
// admissions are conditional claims on the account row, so a claim lost here
// was won by another scheduler and nothing is owed.
func (s *Scheduler) visitAccount(ctx context.Context, account *models.AdAccount) error {
	won, err := s.gate.TryQuickRefresh(ctx, account.ID)
	if err != nil {
		return err
	}
	if won {
		if err := s.planQuickRefresh(ctx, account); err != nil {
			return err
		}
	}

	won, err = s.gate.TryExistenceCheck(ctx, account.ID)
	if err != nil {
		return err
	}
	if won {
		if err := s.runExistenceCheck(ctx, account); err != nil {
			return err
		}
	}

	return nil
}

// planQuickRefresh plans a recent-window job for the account unless one is
// already active.
func (s *Scheduler) planQuickRefresh(ctx context.Context, account *models.AdAccount) error {
	existing, err := s.jobs.GetActiveByAccountAndPhase(ctx, account.ID, types.PhaseRecent90Days)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}

	job, err := s.planner.PlanJob(ctx, account, types.PhaseRecent90Days)
	if err != nil {
		return err
	}

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"adAccountId": account.ID,
		"jobId":       job.ID,
	}).Info("scheduled quick refresh job")

	return nil
}

// runExistenceCheck refreshes the account's structure without planning any
// metric fetches. Status transitions discovered here flow through the same
// upsert path as a structure chunk, so entities that left ACTIVE pick up
// their final-sync obligation.
func (s *Scheduler) runExistenceCheck(ctx context.Context, account *models.AdAccount) error {
	adapter, err := s.adapters.Get(account.Platform)
	if err != nil {
		return err
	}

	seen, err := syncStructure(ctx, s.entities, account, adapter, s.pageSize, s.fetchRetry)
	if err != nil {
		return fmt.Errorf("existence check failed: %w", err)
	}

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"adAccountId": account.ID,
		"campaigns":   seen[types.EntityTypeCampaign],
		"adSets":      seen[types.EntityTypeAdSet],
		"ads":         seen[types.EntityTypeAd],
	}).Info("existence check completed")

	return nil
}

// Status reports the scheduler's current state.
func (s *Scheduler) Status() SchedulerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return SchedulerStatus{
		Running:         s.running,
		LastTick:        s.lastTick,
		IntervalSeconds: int(s.interval.Seconds()),
		QueuedAccounts:  s.queue.Len(),
	}
}

// SchedulerStatus is the scheduler's observable state.
type SchedulerStatus struct {
	Running         bool      `json:"running"`
	LastTick        time.Time `json:"lastTick"`
	IntervalSeconds int       `json:"intervalSeconds"`
	QueuedAccounts  int       `json:"queuedAccounts"`
}
