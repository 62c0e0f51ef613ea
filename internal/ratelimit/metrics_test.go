package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campaign-sync/internal/types"
)

// capturingLogger records log calls for assertions.
type capturingLogger struct {
	mu    sync.Mutex
	infos []string
	warns []string
}

func (l *capturingLogger) Info(msg string, keysAndValues ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.infos = append(l.infos, msg)
}

func (l *capturingLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warns = append(l.warns, msg)
}

func (l *capturingLogger) infoMessages() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.infos...)
}

func (l *capturingLogger) warnMessages() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.warns...)
}

func newTestCollector(t *testing.T, total, reserved int) (*MetricsCollector, *RequestBudgetTracker) {
	t.Helper()

	client := newTestRedis(t)
	tracker := newTestTracker(t, client, types.PlatformMeta, total, reserved)

	collector, err := NewMetricsCollector(&MetricsCollectorConfig{
		Tracker:      tracker,
		CostRegistry: NewOpCostRegistry(nil),
		Redis:        client,
	})
	require.NoError(t, err)

	return collector, tracker
}

func TestNewMetricsCollector_Validation(t *testing.T) {
	client := newTestRedis(t)
	tracker := newTestTracker(t, client, types.PlatformMeta, 100, 40)
	registry := NewOpCostRegistry(nil)

	tests := []struct {
		name   string
		cfg    *MetricsCollectorConfig
		errMsg string
	}{
		{
			name:   "nil config",
			cfg:    nil,
			errMsg: "configuration is required",
		},
		{
			name:   "missing tracker",
			cfg:    &MetricsCollectorConfig{CostRegistry: registry, Redis: client},
			errMsg: "budget tracker is required",
		},
		{
			name:   "missing cost registry",
			cfg:    &MetricsCollectorConfig{Tracker: tracker, Redis: client},
			errMsg: "cost registry is required",
		},
		{
			name:   "missing redis",
			cfg:    &MetricsCollectorConfig{Tracker: tracker, CostRegistry: registry},
			errMsg: "redis client is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewMetricsCollector(tt.cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestMetricsCollector_RecordThrottle(t *testing.T) {
	collector, _ := newTestCollector(t, 100, 40)
	ctx := context.Background()

	collector.RecordThrottle(ctx, 50*time.Millisecond)
	collector.RecordThrottle(ctx, 150*time.Millisecond)

	assert.Equal(t, int64(2), collector.GetLocalThrottleCount())
	assert.Equal(t, 200*time.Millisecond, collector.GetLocalWaitTime())

	collector.ResetLocalCounters()
	assert.Equal(t, int64(0), collector.GetLocalThrottleCount())
	assert.Equal(t, time.Duration(0), collector.GetLocalWaitTime())
}

func TestMetricsCollector_GetMetrics(t *testing.T) {
	collector, tracker := newTestCollector(t, 100, 40)
	ctx := context.Background()

	// Consume some budget and tag the operations
	allowed, _ := tracker.TryConsume(ctx, 20, PriorityLow)
	require.True(t, allowed)
	require.NoError(t, tracker.RecordOperationUsage(ctx, OpStructureCampaigns, 20))

	allowed, _ = tracker.TryConsume(ctx, 10, PriorityHigh)
	require.True(t, allowed)
	require.NoError(t, tracker.RecordOperationUsage(ctx, OpMetricsBatch, 10))

	collector.RecordThrottle(ctx, 100*time.Millisecond)

	metrics, err := collector.GetMetrics(ctx)
	require.NoError(t, err)

	assert.Equal(t, "meta", metrics.Platform)
	assert.Equal(t, 30, metrics.CurrentUsage)
	assert.Equal(t, 10, metrics.CurrentReserved)
	assert.Equal(t, 20, metrics.CurrentShared)
	assert.Equal(t, 100, metrics.TotalBudget)
	assert.Equal(t, 40, metrics.ReservedBudget)
	assert.Equal(t, 60, metrics.SharedBudget)
	assert.InDelta(t, 30.0, metrics.TotalUtilization, 0.01)
	assert.InDelta(t, 25.0, metrics.ReservedUtilization, 0.01)

	assert.Equal(t, 20, metrics.OpUsage[OpStructureCampaigns])
	assert.Equal(t, 10, metrics.OpUsage[OpMetricsBatch])

	assert.GreaterOrEqual(t, metrics.ThrottleCount, int64(1))
	assert.GreaterOrEqual(t, metrics.WaitTimeTotal, 100*time.Millisecond)
	assert.False(t, metrics.CollectedAt.IsZero())
}

func TestMetricsCollector_GetOpUsageForWindow(t *testing.T) {
	collector, tracker := newTestCollector(t, 100, 40)
	ctx := context.Background()

	require.NoError(t, tracker.RecordOperationUsage(ctx, OpStructureAds, 6))

	usage, err := collector.GetOpUsageForWindow(ctx, tracker.getWindowTimestamp())
	require.NoError(t, err)
	assert.Equal(t, 6, usage[OpStructureAds])

	// A window with no activity reads back empty
	usage, err = collector.GetOpUsageForWindow(ctx, 12345)
	require.NoError(t, err)
	assert.Empty(t, usage)
}

func TestBudgetMetrics_String(t *testing.T) {
	metrics := &BudgetMetrics{
		Platform:         "meta",
		CurrentUsage:     30,
		TotalBudget:      100,
		TotalUtilization: 30,
		OpUsage:          map[string]int{OpMetricsBatch: 12},
		CollectedAt:      time.Now(),
	}

	s := metrics.String()
	assert.Contains(t, s, "meta")
	assert.Contains(t, s, "30/100 requests")
	assert.Contains(t, s, OpMetricsBatch)
}

func TestMetricsLogger_LogNow(t *testing.T) {
	collector, tracker := newTestCollector(t, 100, 40)
	ctx := context.Background()

	logger := &capturingLogger{}
	metricsLogger, err := NewMetricsLogger(&MetricsLoggerConfig{
		Collector: collector,
		Logger:    logger,
	})
	require.NoError(t, err)

	metricsLogger.LogNow(ctx)

	infos := logger.infoMessages()
	require.NotEmpty(t, infos)
	assert.Equal(t, "request budget summary", infos[0])
	assert.Empty(t, logger.warnMessages())

	// Push utilization over the warning threshold and log again
	allowed, _ := tracker.TryConsume(ctx, 40, PriorityHigh)
	require.True(t, allowed)
	allowed, _ = tracker.TryConsume(ctx, 45, PriorityLow)
	require.True(t, allowed)

	metricsLogger.LogNow(ctx)

	warns := logger.warnMessages()
	require.NotEmpty(t, warns)
	assert.Equal(t, "platform budget above warning threshold", warns[0])
}

func TestMetricsLogger_StartStop(t *testing.T) {
	collector, _ := newTestCollector(t, 100, 40)

	logger := &capturingLogger{}
	metricsLogger, err := NewMetricsLogger(&MetricsLoggerConfig{
		Collector: collector,
		Interval:  10 * time.Millisecond,
		Logger:    logger,
	})
	require.NoError(t, err)

	metricsLogger.Start(context.Background())
	time.Sleep(35 * time.Millisecond)
	metricsLogger.Stop()

	assert.NotEmpty(t, logger.infoMessages())
}

func TestNewMetricsLogger_Validation(t *testing.T) {
	collector, _ := newTestCollector(t, 100, 40)

	_, err := NewMetricsLogger(nil)
	assert.Error(t, err)

	_, err = NewMetricsLogger(&MetricsLoggerConfig{Logger: &capturingLogger{}})
	assert.Error(t, err)

	_, err = NewMetricsLogger(&MetricsLoggerConfig{Collector: collector})
	assert.Error(t, err)

	metricsLogger, err := NewMetricsLogger(&MetricsLoggerConfig{
		Collector: collector,
		Logger:    &capturingLogger{},
	})
	require.NoError(t, err)
	assert.Equal(t, DefaultMetricsLogInterval, metricsLogger.interval)
}
