package worker

import (
	"context"
	"testing"
	"time"

	"github.com/campaign-sync/internal/config"
	"github.com/campaign-sync/internal/models"
	"github.com/campaign-sync/internal/platform"
	"github.com/campaign-sync/internal/retry"
	enginesync "github.com/campaign-sync/internal/sync"
	"github.com/campaign-sync/internal/throttle"
	"github.com/campaign-sync/internal/types"
)

type schedulerFixture struct {
	store     *enginesync.MemStore
	fake      *platform.FakeAdapter
	planner   *enginesync.Planner
	scheduler *Scheduler
}

func newSchedulerFixture(t *testing.T) *schedulerFixture {
	t.Helper()

	// The final syncer reads the wall clock for its window end, so the store
	// clock starts at real now instead of a fixed date.
	store := enginesync.NewMemStore(time.Now().UTC())
	planner := enginesync.NewPlanner(store.Jobs, store.Chunks, store.Entities, testSyncConfig())

	fake := platform.NewFakeAdapter(types.PlatformMeta)
	registry := platform.NewRegistry()
	registry.Register(fake)

	gate := throttle.NewGate(store.Accounts, config.ThrottleConfig{
		QuickRefreshInterval:   30 * time.Second,
		ExistenceCheckInterval: time.Hour,
	})
	finalSync := enginesync.NewFinalSyncer(store.StatusChanges, store.Accounts, store.Metrics, registry, enginesync.FinalSyncerConfig{
		StaleAfter: 15 * time.Minute,
		BatchSize:  50,
	})

	scheduler, err := NewScheduler(&SchedulerConfig{
		Accounts:   store.Accounts,
		Jobs:       store.Jobs,
		Chunks:     store.Chunks,
		Gate:       gate,
		Planner:    planner,
		FinalSync:  finalSync,
		Entities:   store.Entities,
		Adapters:   registry,
		StaleAfter: 15 * time.Minute,
		PageSize:   50,
	})
	if err != nil {
		t.Fatalf("scheduler construction failed: %v", err)
	}
	scheduler.fetchRetry = &retry.Config{MaxAttempts: 1}

	return &schedulerFixture{store: store, fake: fake, planner: planner, scheduler: scheduler}
}

func (f *schedulerFixture) account() *models.AdAccount {
	return f.store.AddAccount(&models.AdAccount{
		UserID:            "user-1",
		Platform:          types.PlatformMeta,
		ExternalAccountID: "ext-1",
		Name:              "Main",
		Active:            true,
	})
}

func TestRunOncePlansQuickRefresh(t *testing.T) {
	ctx := context.Background()
	f := newSchedulerFixture(t)
	account := f.account()
	f.fake.Seed(account.ExternalAccountID, types.EntityTypeCampaign, []types.PlatformEntity{{
		EntityType:       types.EntityTypeCampaign,
		PlatformEntityID: "camp-1",
		Name:             "Launch",
		Status:           "ACTIVE",
	}})

	if err := f.scheduler.RunOnce(ctx); err != nil {
		t.Fatalf("tick failed: %v", err)
	}

	jobs, _ := f.store.Jobs.ListByAccount(ctx, account.ID, 10)
	if len(jobs) != 1 || jobs[0].Phase != types.PhaseRecent90Days {
		t.Fatalf("jobs = %+v, want one recent-window job", jobs)
	}

	// The existence check ran the structure discovery too.
	counts, _ := f.store.Entities.CountByType(ctx, account.ID)
	if counts[types.EntityTypeCampaign] != 1 {
		t.Errorf("campaign count = %d, want 1 after existence check", counts[types.EntityTypeCampaign])
	}

	refreshed, _ := f.store.Accounts.GetByID(ctx, account.ID)
	if refreshed.LastQuickRefreshAt == nil || refreshed.LastExistenceCheckAt == nil {
		t.Error("both throttle timestamps should be stamped by the claims")
	}
}

func TestRunOnceRespectsThrottleAndActiveJobs(t *testing.T) {
	ctx := context.Background()
	f := newSchedulerFixture(t)
	account := f.account()

	if err := f.scheduler.RunOnce(ctx); err != nil {
		t.Fatalf("first tick failed: %v", err)
	}

	// Within the interval the gate denies the claim.
	if err := f.scheduler.RunOnce(ctx); err != nil {
		t.Fatalf("second tick failed: %v", err)
	}
	jobs, _ := f.store.Jobs.ListByAccount(ctx, account.ID, 10)
	if len(jobs) != 1 {
		t.Fatalf("jobs after throttled tick = %d, want 1", len(jobs))
	}

	// Past the interval the gate admits, but the active job blocks a
	// duplicate plan.
	f.store.Advance(2 * time.Hour)
	if err := f.scheduler.RunOnce(ctx); err != nil {
		t.Fatalf("third tick failed: %v", err)
	}
	jobs, _ = f.store.Jobs.ListByAccount(ctx, account.ID, 10)
	if len(jobs) != 1 {
		t.Fatalf("jobs with active job present = %d, want 1", len(jobs))
	}

	// Once the job is terminal a fresh interval plans the next one.
	if _, err := f.store.Jobs.Cancel(ctx, jobs[0].ID); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	f.store.Advance(2 * time.Hour)
	if err := f.scheduler.RunOnce(ctx); err != nil {
		t.Fatalf("fourth tick failed: %v", err)
	}
	jobs, _ = f.store.Jobs.ListByAccount(ctx, account.ID, 10)
	if len(jobs) != 2 {
		t.Errorf("jobs after job ended = %d, want 2", len(jobs))
	}
}

func TestRunOnceSweepsFinalSyncs(t *testing.T) {
	ctx := context.Background()
	f := newSchedulerFixture(t)
	account := f.account()

	// Drive a campaign from active to paused through the upsert path, then
	// keep the fake consistent with the paused state.
	seed := []types.PlatformEntity{{
		EntityType:       types.EntityTypeCampaign,
		PlatformEntityID: "camp-1",
		Name:             "Launch",
		Status:           "ACTIVE",
	}}
	if _, err := f.store.Entities.UpsertBatch(ctx, account, seed); err != nil {
		t.Fatalf("seed upsert failed: %v", err)
	}
	seed[0].Status = "PAUSED"
	if _, err := f.store.Entities.UpsertBatch(ctx, account, seed); err != nil {
		t.Fatalf("pause upsert failed: %v", err)
	}
	f.fake.Seed(account.ExternalAccountID, types.EntityTypeCampaign, seed)

	if err := f.scheduler.RunOnce(ctx); err != nil {
		t.Fatalf("tick failed: %v", err)
	}

	records := f.store.ChangeRecords()
	if len(records) != 1 || !records[0].FinalSyncCompleted {
		t.Fatalf("records = %+v, want the transition record closed by the sweep", records)
	}
	if len(f.store.MetricRows) == 0 {
		t.Error("the final sync should have stored the transition day's metrics")
	}

	entity := f.store.EntityByPlatformID(account.ID, types.EntityTypeCampaign, "camp-1")
	if entity.LastFinalSyncAt == nil {
		t.Error("entity should carry its final sync timestamp")
	}
}

func TestRunOnceRecoversStaleChunks(t *testing.T) {
	ctx := context.Background()
	f := newSchedulerFixture(t)
	account := f.account()

	job, err := f.planner.PlanJob(ctx, account, types.PhaseHistoricalBackfill)
	if err != nil {
		t.Fatalf("plan failed: %v", err)
	}
	claimed, err := f.store.Chunks.ClaimNext(ctx)
	if err != nil || claimed == nil {
		t.Fatalf("claim failed: chunk=%v err=%v", claimed, err)
	}

	f.store.Advance(16 * time.Minute)
	if err := f.scheduler.RunOnce(ctx); err != nil {
		t.Fatalf("tick failed: %v", err)
	}

	chunk := f.store.GetChunk(claimed.ID)
	if chunk.Status != types.ChunkStatusPending || chunk.RetryCount != 1 {
		t.Errorf("stale chunk = %s retry %d, want requeued with one retry", chunk.Status, chunk.RetryCount)
	}
	if got := f.store.GetJob(job.ID); got.Status.Terminal() {
		t.Errorf("job status = %s, recovery must not finalize a runnable job", got.Status)
	}
}

func TestRunOnceSkipsInactiveAccounts(t *testing.T) {
	ctx := context.Background()
	f := newSchedulerFixture(t)
	inactive := f.store.AddAccount(&models.AdAccount{
		UserID: "user-1", Platform: types.PlatformMeta, ExternalAccountID: "ext-2", Active: false,
	})

	if err := f.scheduler.RunOnce(ctx); err != nil {
		t.Fatalf("tick failed: %v", err)
	}

	jobs, _ := f.store.Jobs.ListByAccount(ctx, inactive.ID, 10)
	if len(jobs) != 0 {
		t.Errorf("inactive account got %d jobs, want none", len(jobs))
	}
}
