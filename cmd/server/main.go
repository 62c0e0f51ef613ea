// Package main provides the API server entry point for the campaign sync service.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/campaign-sync/internal/api"
	"github.com/campaign-sync/internal/config"
	"github.com/campaign-sync/internal/logging"
	"github.com/campaign-sync/internal/service"
	"github.com/campaign-sync/internal/storage"
	"github.com/campaign-sync/internal/sync"
	"github.com/campaign-sync/internal/throttle"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logging.Fatalf("failed to load configuration: %v", err)
	}

	logging.Init(logging.ParseLevel(cfg.Logging.Level), logging.ParseFormat(cfg.Logging.Format))
	logger := logging.Default().WithField("component", "server")

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
	progressCache := storage.NewProgressCache(redis, cfg.Cache.ProgressTTL)

	// Sync engine pieces the request-facing services delegate to
	planner := sync.NewPlanner(jobRepo, chunkRepo, entityRepo, cfg.Sync)
	aggregator := sync.NewAggregator(jobRepo, chunkRepo, progressCache)
	queue := sync.NewQueue(jobRepo, chunkRepo, aggregator)
	gate := throttle.NewGate(accountRepo, cfg.Throttle)

	syncService := service.NewSyncService(accountRepo, jobRepo, chunkRepo, planner, queue, progressCache)
	accountService := service.NewAccountService(accountRepo, gate)
	finalSyncService := service.NewFinalSyncService(accountRepo, statusChangeRepo)

	serverConfig := &api.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    15 * time.Second,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		FreeTierRPM:     cfg.RateLimit.FreeTier,
		PaidTierRPM:     cfg.RateLimit.PaidTier,
	}

	server := api.NewServer(serverConfig, syncService, accountService, finalSyncService, map[string]api.Pinger{
		"postgres":   postgres.Ping,
		"clickhouse": clickhouse.Ping,
		"redis":      redis.Ping,
	})

	go func() {
		if err := server.Start(); err != nil {
			logger.WithError(err).Fatal("server failed to start")
		}
	}()

	logger.WithFields(map[string]interface{}{
		"host": cfg.Server.Host,
		"port": cfg.Server.Port,
	}).Info("server started")

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), serverConfig.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Fatal("server forced to shutdown")
	}

	logger.Info("server exited")
}
