package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/campaign-sync/internal/models"
	"github.com/campaign-sync/internal/platform"
	"github.com/campaign-sync/internal/types"
)

func newTestFinalSyncer(store *MemStore, adapters AdapterSource) *FinalSyncer {
	syncer := NewFinalSyncer(store.StatusChanges, store.Accounts, store.Metrics, adapters, FinalSyncerConfig{
		StaleAfter: 15 * time.Minute,
		BatchSize:  50,
	})
	syncer.now = store.Now
	return syncer
}

func registryWith(fake *platform.FakeAdapter) *platform.Registry {
	registry := platform.NewRegistry()
	registry.Register(fake)
	return registry
}

// pauseEntity drives an active entity to paused through the upsert path so a
// status change record exists, exactly as a structure fetch would produce it.
func pauseEntity(t *testing.T, store *MemStore, account *models.AdAccount, platformEntityID string) *models.StatusChangeRecord {
	t.Helper()
	ctx := context.Background()

	seed := []types.PlatformEntity{{
		EntityType:       types.EntityTypeCampaign,
		PlatformEntityID: platformEntityID,
		Name:             "Summer Sale",
		Status:           "ACTIVE",
	}}
	if _, err := store.Entities.UpsertBatch(ctx, account, seed); err != nil {
		t.Fatalf("seed upsert failed: %v", err)
	}

	seed[0].Status = "PAUSED"
	stats, err := store.Entities.UpsertBatch(ctx, account, seed)
	if err != nil {
		t.Fatalf("pause upsert failed: %v", err)
	}
	if stats.StatusChanges != 1 {
		t.Fatalf("expected one status change, got %d", stats.StatusChanges)
	}

	records := store.ChangeRecords()
	return records[len(records)-1]
}

func TestSweepOnceCompletesFinalSync(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore(testClock())
	account := activeAccount(store)
	fake := platform.NewFakeAdapter(types.PlatformMeta)
	syncer := newTestFinalSyncer(store, registryWith(fake))

	record := pauseEntity(t, store, account, "camp-1")

	stats, err := syncer.SweepOnce(ctx)
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if stats.Scanned != 1 || stats.Claimed != 1 || stats.Completed != 1 || stats.Failed != 0 {
		t.Errorf("stats = %+v, want one record scanned, claimed and completed", stats)
	}

	got := store.ChangeRecords()[0]
	if got.ID != record.ID || !got.FinalSyncCompleted {
		t.Error("record should be closed after a successful sweep")
	}
	if got.FinalSyncInProgress {
		t.Error("completed record must not stay claimed")
	}

	// One row for the transition day, tagged with the account.
	if len(store.MetricRows) != 1 {
		t.Fatalf("stored %d metric rows, want 1", len(store.MetricRows))
	}
	row := store.MetricRows[0]
	if row.PlatformEntityID != "camp-1" || row.AdAccountID != account.ID {
		t.Errorf("row targets %s/%s, want camp-1/%s", row.PlatformEntityID, row.AdAccountID, account.ID)
	}
	wantDay := time.Date(2026, 6, 15, 0, 0, 0, 0, time.UTC)
	if !row.Date.Equal(wantDay) {
		t.Errorf("row date = %s, want transition day %s", row.Date, wantDay)
	}

	entity := store.EntityByPlatformID(account.ID, types.EntityTypeCampaign, "camp-1")
	if entity.LastFinalSyncAt == nil {
		t.Error("entity should carry last_final_sync_at after completion")
	}

	// Nothing left to do.
	stats, err = syncer.SweepOnce(ctx)
	if err != nil {
		t.Fatalf("second sweep failed: %v", err)
	}
	if stats.Scanned != 0 {
		t.Errorf("second sweep scanned %d records, want 0", stats.Scanned)
	}
}

func TestSweepOnceFailureKeepsRecordOpen(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore(testClock())
	account := activeAccount(store)
	fake := platform.NewFakeAdapter(types.PlatformMeta)
	syncer := newTestFinalSyncer(store, registryWith(fake))

	pauseEntity(t, store, account, "camp-1")
	fake.Err = errors.New("rate limited")

	stats, err := syncer.SweepOnce(ctx)
	if err != nil {
		t.Fatalf("sweep should absorb per-record failures: %v", err)
	}
	if stats.Claimed != 1 || stats.Failed != 1 || stats.Completed != 0 {
		t.Errorf("stats = %+v, want one claimed and failed", stats)
	}

	got := store.ChangeRecords()[0]
	if got.FinalSyncCompleted {
		t.Fatal("failed attempt must not close the record")
	}
	if got.FinalSyncInProgress {
		t.Error("failed attempt must release its claim")
	}
	if got.FinalSyncError == nil {
		t.Error("failed attempt should record the error")
	}
	if len(store.MetricRows) != 0 {
		t.Errorf("failed fetch stored %d rows, want 0", len(store.MetricRows))
	}

	// The record re-surfaces immediately and succeeds once the platform
	// recovers. No retry bound applies here.
	fake.Err = nil
	stats, err = syncer.SweepOnce(ctx)
	if err != nil {
		t.Fatalf("recovery sweep failed: %v", err)
	}
	if stats.Completed != 1 {
		t.Errorf("recovery sweep completed %d, want 1", stats.Completed)
	}
	if !store.ChangeRecords()[0].FinalSyncCompleted {
		t.Error("record should close once an attempt succeeds")
	}
}

func TestSweepOnceSkipsFreshClaims(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore(testClock())
	account := activeAccount(store)
	fake := platform.NewFakeAdapter(types.PlatformMeta)
	syncer := newTestFinalSyncer(store, registryWith(fake))

	record := pauseEntity(t, store, account, "camp-1")

	// Another sweeper holds the claim.
	claimed, err := store.StatusChanges.ClaimForFinalSync(ctx, record.ID, 15*time.Minute)
	if err != nil || !claimed {
		t.Fatalf("setup claim failed: claimed=%v err=%v", claimed, err)
	}

	stats, err := syncer.SweepOnce(ctx)
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if stats.Scanned != 0 {
		t.Errorf("fresh claim should hide the record, scanned %d", stats.Scanned)
	}

	// A claim older than staleAfter is presumed dead and re-claimable.
	store.Advance(16 * time.Minute)
	stats, err = syncer.SweepOnce(ctx)
	if err != nil {
		t.Fatalf("resurrection sweep failed: %v", err)
	}
	if stats.Claimed != 1 || stats.Completed != 1 {
		t.Errorf("stats = %+v, want the stale claim resurrected and completed", stats)
	}
}

func TestSweepOnceIgnoresNonDormantTransitions(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore(testClock())
	account := activeAccount(store)
	fake := platform.NewFakeAdapter(types.PlatformMeta)
	syncer := newTestFinalSyncer(store, registryWith(fake))

	// paused -> active owes nothing.
	seed := []types.PlatformEntity{{
		EntityType:       types.EntityTypeCampaign,
		PlatformEntityID: "camp-2",
		Name:             "Winter Push",
		Status:           "PAUSED",
	}}
	store.Entities.UpsertBatch(ctx, account, seed)
	seed[0].Status = "ACTIVE"
	store.Entities.UpsertBatch(ctx, account, seed)

	stats, err := syncer.SweepOnce(ctx)
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if stats.Scanned != 0 {
		t.Errorf("reactivation should not owe a final sync, scanned %d", stats.Scanned)
	}
}

func TestSweepCoversGapWhenRecordCrossedMidnight(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore(testClock())
	account := activeAccount(store)
	fake := platform.NewFakeAdapter(types.PlatformMeta)
	syncer := newTestFinalSyncer(store, registryWith(fake))

	pauseEntity(t, store, account, "camp-1")

	// The record sat unprocessed for two days.
	store.Advance(48 * time.Hour)

	stats, err := syncer.SweepOnce(ctx)
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if stats.Completed != 1 {
		t.Fatalf("stats = %+v, want one completion", stats)
	}

	// Transition day plus the two days of gap.
	if len(store.MetricRows) != 3 {
		t.Errorf("stored %d rows, want 3 covering the gap", len(store.MetricRows))
	}
}

func TestSweepDeletedEntityStillGetsFinalSync(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore(testClock())
	account := activeAccount(store)
	fake := platform.NewFakeAdapter(types.PlatformMeta)
	syncer := newTestFinalSyncer(store, registryWith(fake))

	seed := []types.PlatformEntity{{
		EntityType:       types.EntityTypeCampaign,
		PlatformEntityID: "camp-3",
		Name:             "Gone",
		Status:           "ACTIVE",
	}}
	store.Entities.UpsertBatch(ctx, account, seed)

	// The entity vanished from the platform's listing.
	deleted, err := store.Entities.MarkAbsentDeleted(ctx, account, types.EntityTypeCampaign, nil)
	if err != nil || deleted != 1 {
		t.Fatalf("absence marking failed: deleted=%d err=%v", deleted, err)
	}

	stats, err := syncer.SweepOnce(ctx)
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if stats.Completed != 1 {
		t.Errorf("active to deleted owes a final sync, stats = %+v", stats)
	}
}
