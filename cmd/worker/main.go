// Package main provides the sync worker entry point: chunk workers plus the
// scheduler loop, sharing one process.
package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/campaign-sync/internal/circuitbreaker"
	"github.com/campaign-sync/internal/config"
	"github.com/campaign-sync/internal/logging"
	"github.com/campaign-sync/internal/platform"
	"github.com/campaign-sync/internal/ratelimit"
	"github.com/campaign-sync/internal/storage"
	"github.com/campaign-sync/internal/sync"
	"github.com/campaign-sync/internal/throttle"
	"github.com/campaign-sync/internal/types"
	"github.com/campaign-sync/internal/worker"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logging.Fatalf("failed to load configuration: %v", err)
	}

	logging.Init(logging.ParseLevel(cfg.Logging.Level), logging.ParseFormat(cfg.Logging.Format))
	logger := logging.Default().WithField("component", "worker")

	logger.Info("connecting to storage backends")

	postgres, err := storage.NewPostgresDB(&cfg.Database.Postgres)
	if err != nil {
		logger.WithError(err).Fatal("failed to connect to Postgres")
	}
	defer postgres.Close()

	clickhouse, err := storage.NewClickHouseDB(&cfg.Database.ClickHouse)
	if err != nil {
		logger.WithError(err).Fatal("failed to connect to ClickHouse")
	}
	defer clickhouse.Close()

	redis, err := storage.NewRedisCache(&cfg.Database.Redis)
	if err != nil {
		logger.WithError(err).Fatal("failed to connect to Redis")
	}
	defer redis.Close()

	logger.Info("storage connections established")

	// Repositories
	accountRepo := storage.NewAdAccountRepository(postgres)
	jobRepo := storage.NewSyncJobRepository(postgres)
	chunkRepo := storage.NewSyncJobChunkRepository(postgres)
	entityRepo := storage.NewEntityRepository(postgres)
	statusChangeRepo := storage.NewStatusChangeRepository(postgres)
	metricsRepo := storage.NewMetricsRepository(clickhouse)
	progressCache := storage.NewProgressCache(redis, cfg.Cache.ProgressTTL)

	planner := sync.NewPlanner(jobRepo, chunkRepo, entityRepo, cfg.Sync)
	aggregator := sync.NewAggregator(jobRepo, chunkRepo, progressCache)
	queue := sync.NewQueue(jobRepo, chunkRepo, aggregator)
	gate := throttle.NewGate(accountRepo, cfg.Throttle)

	// Each platform gets two budget-limited adapter stacks over one breaker:
	// backfill chunk fetches draw from the shared pool at low priority, while
	// the scheduler's interactive work draws from the reserved pool.
	backfillAdapters, interactiveAdapters, pacers, budgetLogs := buildAdapters(cfg, redis, logger)

	chunkWorker, err := worker.NewChunkWorker(&worker.ChunkWorkerConfig{
		Queue:        queue,
		Planner:      planner,
		Jobs:         jobRepo,
		Entities:     entityRepo,
		Metrics:      metricsRepo,
		Accounts:     accountRepo,
		Adapters:     backfillAdapters,
		Pacers:       pacers,
		PollInterval: cfg.Sync.PollInterval,
		Workers:      cfg.Sync.Workers,
	})
	if err != nil {
		logger.WithError(err).Fatal("failed to create chunk worker")
	}

	finalSyncer := sync.NewFinalSyncer(statusChangeRepo, accountRepo, metricsRepo, interactiveAdapters, sync.FinalSyncerConfig{
		StaleAfter: cfg.Sync.FinalSyncStaleAfter,
		BatchSize:  cfg.Sync.FinalSyncBatch,
	})

	scheduler, err := worker.NewScheduler(&worker.SchedulerConfig{
		Accounts:  accountRepo,
		Jobs:      jobRepo,
		Chunks:    chunkRepo,
		Gate:      gate,
		Planner:   planner,
		FinalSync: finalSyncer,
		Entities:  entityRepo,
		Adapters:  interactiveAdapters,
		Interval:  cfg.Sync.SchedulerInterval,
	})
	if err != nil {
		logger.WithError(err).Fatal("failed to create scheduler")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := chunkWorker.Start(ctx); err != nil {
		logger.WithError(err).Fatal("failed to start chunk worker")
	}
	if err := scheduler.Start(ctx); err != nil {
		logger.WithError(err).Fatal("failed to start scheduler")
	}
	for _, budgetLog := range budgetLogs {
		budgetLog.Start(ctx)
	}

	logger.WithFields(map[string]interface{}{
		"workers":           cfg.Sync.Workers,
		"schedulerInterval": cfg.Sync.SchedulerInterval.String(),
	}).Info("worker process started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()

	for _, budgetLog := range budgetLogs {
		budgetLog.Stop()
	}
	if err := scheduler.Stop(stopCtx); err != nil {
		logger.WithError(err).Warn("scheduler stop failed")
	}
	if err := chunkWorker.Stop(stopCtx); err != nil {
		logger.WithError(err).Warn("chunk worker stop failed")
	}

	logger.Info("worker exited")
}

// buildAdapters assembles the per-platform adapter stacks: REST adapter,
// circuit breaker, then a budget-limited wrapper per priority class. Each
// platform also gets a throttle metrics collector shared by both wrappers
// and a backfill pacer for the chunk worker.
func buildAdapters(cfg *config.Config, redis *storage.RedisCache, logger *logging.Logger) (backfill, interactive *platform.Registry, pacers map[types.Platform]worker.FetchPacer, budgetLogs []*ratelimit.MetricsLogger) {
	backfill = platform.NewRegistry()
	interactive = platform.NewRegistry()
	pacers = make(map[types.Platform]worker.FetchPacer)
	costs := ratelimit.NewOpCostRegistry(nil)

	for _, name := range cfg.Platforms.Enabled {
		name = strings.TrimSpace(name)
		p := types.Platform(name)
		if !p.Valid() {
			logger.WithField("platform", name).Warn("skipping unknown platform")
			continue
		}

		platformCfg, ok := cfg.Platforms.Platforms[name]
		if !ok || platformCfg.BaseURL == "" {
			logger.WithField("platform", name).Warn("skipping platform: no API base URL configured")
			continue
		}

		rest := platform.NewRESTAdapter(p, &platformCfg)
		breaker := platform.NewBreakerAdapter(rest, circuitbreaker.New(circuitbreaker.DefaultConfig(name)))

		tracker, err := ratelimit.NewRequestBudgetTracker(&ratelimit.RequestBudgetTrackerConfig{
			Redis:          redis.Client(),
			Platform:       p,
			TotalBudget:    platformCfg.RequestsPerMinute,
			ReservedBudget: int(float64(platformCfg.RequestsPerMinute) * cfg.Budget.ReservedShare),
			WindowSize:     cfg.Budget.Window,
		})
		if err != nil {
			logger.WithError(err).WithField("platform", name).Fatal("failed to create budget tracker")
		}

		collector, err := ratelimit.NewMetricsCollector(&ratelimit.MetricsCollectorConfig{
			Tracker:      tracker,
			CostRegistry: costs,
			Redis:        redis.Client(),
		})
		if err != nil {
			logger.WithError(err).WithField("platform", name).Fatal("failed to create metrics collector")
		}

		pacer, err := ratelimit.NewBackfillRateController(&ratelimit.BackfillRateControllerConfig{
			Tracker: tracker,
		})
		if err != nil {
			logger.WithError(err).WithField("platform", name).Fatal("failed to create backfill pacer")
		}
		pacers[p] = pacer

		budgetLog, err := ratelimit.NewMetricsLogger(&ratelimit.MetricsLoggerConfig{
			Collector: collector,
			Logger:    budgetLogger{logger.WithField("platform", name)},
		})
		if err != nil {
			logger.WithError(err).WithField("platform", name).Fatal("failed to create budget metrics logger")
		}
		budgetLogs = append(budgetLogs, budgetLog)

		low, err := ratelimit.NewLimitedAdapter(&ratelimit.LimitedAdapterConfig{
			Adapter:      breaker,
			Tracker:      tracker,
			CostRegistry: costs,
			Priority:     ratelimit.PriorityLow,
			Metrics:      collector,
		})
		if err != nil {
			logger.WithError(err).WithField("platform", name).Fatal("failed to create backfill adapter")
		}
		backfill.Register(low)

		high, err := ratelimit.NewLimitedAdapter(&ratelimit.LimitedAdapterConfig{
			Adapter:      breaker,
			Tracker:      tracker,
			CostRegistry: costs,
			Priority:     ratelimit.PriorityHigh,
			Metrics:      collector,
		})
		if err != nil {
			logger.WithError(err).WithField("platform", name).Fatal("failed to create interactive adapter")
		}
		interactive.Register(high)

		logger.WithFields(map[string]interface{}{
			"platform":          name,
			"requestsPerMinute": platformCfg.RequestsPerMinute,
		}).Info("platform adapter initialized")
	}

	if len(backfill.Platforms()) == 0 {
		logger.Warn("no platform adapters configured, workers will fail platform fetches")
	}

	return backfill, interactive, pacers, budgetLogs
}

// budgetLogger adapts the structured logger to the key/value interface the
// budget metrics logger expects.
type budgetLogger struct{ l *logging.Logger }

func (b budgetLogger) Info(msg string, keysAndValues ...interface{}) {
	b.l.WithFields(kvFields(keysAndValues)).Info(msg)
}

func (b budgetLogger) Warn(msg string, keysAndValues ...interface{}) {
	b.l.WithFields(kvFields(keysAndValues)).Warn(msg)
}

func kvFields(keysAndValues []interface{}) map[string]interface{} {
	fields := make(map[string]interface{}, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			continue
		}
		fields[key] = keysAndValues[i+1]
	}
	return fields
}
