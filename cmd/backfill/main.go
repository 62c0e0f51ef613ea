// Package main provides an ops CLI that enqueues a historical backfill sync
// job for one ad account and prints the planned chunk layout.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/campaign-sync/internal/config"
	"github.com/campaign-sync/internal/storage"
	"github.com/campaign-sync/internal/sync"
	"github.com/campaign-sync/internal/types"
)

func main() {
	var (
		accountID = flag.String("account", "", "Ad account ID to backfill (required)")
		dryRun    = flag.Bool("dry-run", false, "Print the account's current plan inputs without planning a job")
	)
	flag.Parse()

	if *accountID == "" {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	postgres, err := storage.NewPostgresDB(&cfg.Database.Postgres)
	if err != nil {
		log.Fatalf("Failed to connect to Postgres: %v", err)
	}
	defer postgres.Close()

	accountRepo := storage.NewAdAccountRepository(postgres)
	jobRepo := storage.NewSyncJobRepository(postgres)
	chunkRepo := storage.NewSyncJobChunkRepository(postgres)
	entityRepo := storage.NewEntityRepository(postgres)

	ctx := context.Background()

	account, err := accountRepo.GetByID(ctx, *accountID)
	if err != nil {
		log.Fatalf("Ad account not found: %v", err)
	}
	if !account.Active {
		log.Fatalf("Ad account %s is deactivated; reactivate it before backfilling", account.ID)
	}

	counts, err := entityRepo.CountByType(ctx, account.ID)
	if err != nil {
		log.Fatalf("Failed to count entities: %v", err)
	}

	fmt.Printf("Account:   %s (%s, platform %s)\n", account.ID, account.Name, account.Platform)
	fmt.Printf("Entities:  %d campaigns, %d ad sets, %d ads\n",
		counts[types.EntityTypeCampaign], counts[types.EntityTypeAdSet], counts[types.EntityTypeAd])
	fmt.Printf("Window:    %d days, %d-day chunks, batches of %d\n",
		cfg.Sync.BackfillDays, cfg.Sync.MetricsWindowDays, cfg.Sync.EntityBatchSize)

	if *dryRun {
		fmt.Println("Dry run: no job planned.")
		return
	}

	if existing, err := jobRepo.GetActiveByAccountAndPhase(ctx, account.ID, types.PhaseHistoricalBackfill); err != nil {
		log.Fatalf("Failed to check for an active job: %v", err)
	} else if existing != nil {
		log.Fatalf("A backfill job is already active for this account: %s (%s)", existing.ID, existing.Status)
	}

	planner := sync.NewPlanner(jobRepo, chunkRepo, entityRepo, cfg.Sync)
	job, err := planner.PlanJob(ctx, account, types.PhaseHistoricalBackfill)
	if err != nil {
		log.Fatalf("Failed to plan backfill job: %v", err)
	}

	fmt.Printf("\nPlanned job %s\n", job.ID)
	fmt.Printf("  phase:  %s\n", job.Phase)
	fmt.Printf("  range:  %s .. %s\n", job.DateFrom.Format("2006-01-02"), job.DateTo.Format("2006-01-02"))
	fmt.Printf("  chunks: %d\n", job.TotalChunks)

	chunks, err := chunkRepo.ListByJob(ctx, job.ID)
	if err != nil {
		log.Fatalf("Failed to list planned chunks: %v", err)
	}
	for _, chunk := range chunks {
		if chunk.ChunkType == types.ChunkTypeStructure {
			fmt.Printf("  [%3d] structure refresh\n", chunk.ChunkOrder)
			continue
		}
		from, to := "?", "?"
		if chunk.DateFrom != nil {
			from = chunk.DateFrom.Format("2006-01-02")
		}
		if chunk.DateTo != nil {
			to = chunk.DateTo.Format("2006-01-02")
		}
		fmt.Printf("  [%3d] %-20s offset %-5d %s .. %s\n",
			chunk.ChunkOrder, chunk.ChunkType, chunk.EntityOffset, from, to)
	}

	fmt.Println("\nChunks are pending; workers will pick them up from the queue.")
}
