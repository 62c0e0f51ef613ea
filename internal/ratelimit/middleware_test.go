package ratelimit

import (
	"bytes"
	"context"
	"errors"
	"log"
	"testing"
	"time"

	"github.com/campaign-sync/internal/models"
	"github.com/campaign-sync/internal/platform"
	"github.com/campaign-sync/internal/types"
)

func limitedTestAccount() *models.AdAccount {
	return &models.AdAccount{
		ID:                "acct-1",
		UserID:            "user-1",
		Platform:          types.PlatformMeta,
		ExternalAccountID: "act_123",
		Name:              "Test Account",
		Active:            true,
	}
}

func seedFakeCampaigns(fake *platform.FakeAdapter, n int) {
	entities := make([]types.PlatformEntity, 0, n)
	for i := 0; i < n; i++ {
		entities = append(entities, types.PlatformEntity{
			EntityType:       types.EntityTypeCampaign,
			PlatformEntityID: string(rune('a'+i)) + "-cmp",
			Name:             "Campaign",
			Status:           "ACTIVE",
		})
	}
	fake.Seed("act_123", types.EntityTypeCampaign, entities)
}

// newLimitedAdapter wires a fake platform adapter behind the budget wrapper.
// maxWait is kept short so exhaustion tests fail fast instead of sleeping
// out the window.
func newLimitedAdapter(t *testing.T, tracker *RequestBudgetTracker, priority Priority, maxWait time.Duration) (*LimitedAdapter, *platform.FakeAdapter) {
	t.Helper()

	fake := platform.NewFakeAdapter(types.PlatformMeta)
	seedFakeCampaigns(fake, 5)

	limited, err := NewLimitedAdapter(&LimitedAdapterConfig{
		Adapter:      fake,
		Tracker:      tracker,
		CostRegistry: NewOpCostRegistry(nil),
		Priority:     priority,
		MaxWait:      maxWait,
		Logger:       log.New(&bytes.Buffer{}, "", 0),
	})
	if err != nil {
		t.Fatalf("failed to create limited adapter: %v", err)
	}

	return limited, fake
}

func TestLimitedAdapterConfig_Validate(t *testing.T) {
	client := newTestRedis(t)
	tracker := newTestTracker(t, client, types.PlatformMeta, 100, 40)
	fake := platform.NewFakeAdapter(types.PlatformMeta)
	registry := NewOpCostRegistry(nil)

	tests := []struct {
		name   string
		cfg    *LimitedAdapterConfig
		errMsg string
	}{
		{
			name:   "missing adapter",
			cfg:    &LimitedAdapterConfig{Tracker: tracker, CostRegistry: registry},
			errMsg: "underlying adapter is required",
		},
		{
			name:   "missing tracker",
			cfg:    &LimitedAdapterConfig{Adapter: fake, CostRegistry: registry},
			errMsg: "budget tracker is required",
		},
		{
			name:   "missing cost registry",
			cfg:    &LimitedAdapterConfig{Adapter: fake, Tracker: tracker},
			errMsg: "cost registry is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLimitedAdapter(tt.cfg)
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tt.errMsg)
			}
		})
	}

	if _, err := NewLimitedAdapter(nil); err == nil {
		t.Error("expected error for nil config")
	}

	limited, err := NewLimitedAdapter(&LimitedAdapterConfig{
		Adapter:      fake,
		Tracker:      tracker,
		CostRegistry: registry,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if limited.GetMaxWait() != DefaultMaxWait {
		t.Errorf("expected default max wait %v, got %v", DefaultMaxWait, limited.GetMaxWait())
	}
}

func TestLimitedAdapter_FetchStructure(t *testing.T) {
	ctx := context.Background()
	tracker := newTestTracker(t, newTestRedis(t), types.PlatformMeta, 100, 40)
	limited, fake := newLimitedAdapter(t, tracker, PriorityLow, time.Second)

	page, err := limited.FetchStructure(ctx, limitedTestAccount(), types.EntityTypeCampaign, 0, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(page.Entities) != 5 {
		t.Errorf("expected 5 entities, got %d", len(page.Entities))
	}

	structureCalls, _ := fake.Calls()
	if structureCalls != 1 {
		t.Errorf("expected 1 structure call, got %d", structureCalls)
	}

	// One campaigns page consumed one request from the shared pool
	stats, err := tracker.GetUsage(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.SharedUsed != CostStructureCampaigns {
		t.Errorf("expected shared used %d, got %d", CostStructureCampaigns, stats.SharedUsed)
	}
}

func TestLimitedAdapter_FetchMetricsCost(t *testing.T) {
	ctx := context.Background()
	tracker := newTestTracker(t, newTestRedis(t), types.PlatformMeta, 100, 40)
	limited, _ := newLimitedAdapter(t, tracker, PriorityHigh, time.Second)

	window := types.DateRange{
		From: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		To:   time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC),
	}
	_, err := limited.FetchMetrics(ctx, limitedTestAccount(), types.EntityTypeCampaign, []string{"a-cmp"}, window)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stats, err := tracker.GetUsage(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.ReservedUsed != CostMetricsBatch {
		t.Errorf("expected reserved used %d, got %d", CostMetricsBatch, stats.ReservedUsed)
	}
}

func TestLimitedAdapter_BudgetExhausted(t *testing.T) {
	ctx := context.Background()
	// Shared pool holds 2 requests; campaigns pages cost 1 each
	tracker := newTestTracker(t, newTestRedis(t), types.PlatformMeta, 4, 2)
	limited, fake := newLimitedAdapter(t, tracker, PriorityLow, 50*time.Millisecond)

	account := limitedTestAccount()
	for i := 0; i < 2; i++ {
		if _, err := limited.FetchStructure(ctx, account, types.EntityTypeCampaign, 0, 10); err != nil {
			t.Fatalf("fetch %d should succeed: %v", i, err)
		}
	}

	// Third fetch cannot get budget within maxWait
	_, err := limited.FetchStructure(ctx, account, types.EntityTypeCampaign, 0, 10)
	if !errors.Is(err, ErrMaxWaitExceeded) {
		t.Fatalf("expected ErrMaxWaitExceeded, got %v", err)
	}

	// The throttled call never reached the platform
	structureCalls, _ := fake.Calls()
	if structureCalls != 2 {
		t.Errorf("expected 2 structure calls, got %d", structureCalls)
	}
}

func TestLimitedAdapter_ReservedPoolSurvivesBackfill(t *testing.T) {
	ctx := context.Background()
	client := newTestRedis(t)
	tracker := newTestTracker(t, client, types.PlatformMeta, 4, 2)

	backfill, _ := newLimitedAdapter(t, tracker, PriorityLow, 50*time.Millisecond)
	interactive, _ := newLimitedAdapter(t, tracker, PriorityHigh, 50*time.Millisecond)

	account := limitedTestAccount()

	// Drain the shared pool with backfill fetches
	for i := 0; i < 2; i++ {
		if _, err := backfill.FetchStructure(ctx, account, types.EntityTypeCampaign, 0, 10); err != nil {
			t.Fatalf("backfill fetch %d should succeed: %v", i, err)
		}
	}
	if _, err := backfill.FetchStructure(ctx, account, types.EntityTypeCampaign, 0, 10); !errors.Is(err, ErrMaxWaitExceeded) {
		t.Fatalf("expected backfill to be throttled, got %v", err)
	}

	// Interactive work still gets through on the reserved pool
	if _, err := interactive.FetchStructure(ctx, account, types.EntityTypeCampaign, 0, 10); err != nil {
		t.Errorf("interactive fetch should succeed after backfill throttling: %v", err)
	}
}

func TestLimitedAdapter_ContextCancelled(t *testing.T) {
	tracker := newTestTracker(t, newTestRedis(t), types.PlatformMeta, 2, 1)
	limited, _ := newLimitedAdapter(t, tracker, PriorityLow, 10*time.Second)

	account := limitedTestAccount()
	ctx := context.Background()

	// Exhaust the shared pool
	if _, err := limited.FetchStructure(ctx, account, types.EntityTypeCampaign, 0, 10); err != nil {
		t.Fatalf("first fetch should succeed: %v", err)
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	cancel()

	_, err := limited.FetchStructure(cancelCtx, account, types.EntityTypeCampaign, 0, 10)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestLimitedAdapter_RecordsThrottleMetrics(t *testing.T) {
	ctx := context.Background()
	client := newTestRedis(t)
	tracker := newTestTracker(t, client, types.PlatformMeta, 2, 1)

	collector, err := NewMetricsCollector(&MetricsCollectorConfig{
		Tracker:      tracker,
		CostRegistry: NewOpCostRegistry(nil),
		Redis:        client,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	fake := platform.NewFakeAdapter(types.PlatformMeta)
	seedFakeCampaigns(fake, 2)

	limited, err := NewLimitedAdapter(&LimitedAdapterConfig{
		Adapter:      fake,
		Tracker:      tracker,
		CostRegistry: NewOpCostRegistry(nil),
		Priority:     PriorityLow,
		MaxWait:      30 * time.Millisecond,
		Logger:       log.New(&bytes.Buffer{}, "", 0),
		Metrics:      collector,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	account := limitedTestAccount()
	if _, err := limited.FetchStructure(ctx, account, types.EntityTypeCampaign, 0, 10); err != nil {
		t.Fatalf("first fetch should succeed: %v", err)
	}
	if _, err := limited.FetchStructure(ctx, account, types.EntityTypeCampaign, 0, 10); !errors.Is(err, ErrMaxWaitExceeded) {
		t.Fatalf("expected throttling, got %v", err)
	}

	if collector.GetLocalThrottleCount() < 1 {
		t.Error("expected at least one throttle event to be recorded")
	}
}

func TestLimitedAdapter_Passthrough(t *testing.T) {
	tracker := newTestTracker(t, newTestRedis(t), types.PlatformMeta, 100, 40)
	limited, fake := newLimitedAdapter(t, tracker, PriorityHigh, time.Second)

	if limited.Platform() != types.PlatformMeta {
		t.Errorf("expected platform meta, got %s", limited.Platform())
	}
	if limited.GetPriority() != PriorityHigh {
		t.Errorf("expected high priority, got %s", limited.GetPriority())
	}
	if limited.Underlying() != platform.Adapter(fake) {
		t.Error("expected Underlying to return the wrapped adapter")
	}
}
