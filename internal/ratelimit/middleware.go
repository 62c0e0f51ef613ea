package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/campaign-sync/internal/models"
	"github.com/campaign-sync/internal/platform"
	"github.com/campaign-sync/internal/types"
)

// DefaultMaxWait is the default maximum time to wait for budget.
const DefaultMaxWait = 30 * time.Second

// ErrMaxWaitExceeded is returned when the maximum wait time for budget is exceeded.
var ErrMaxWaitExceeded = errors.New("maximum wait time exceeded waiting for platform budget")

// LimitedAdapter wraps a platform adapter with request budget enforcement.
// It intercepts every outgoing fetch and consumes from the shared Redis
// budget before allowing the call to proceed, so all workers together stay
// inside the platform's quota.
type LimitedAdapter struct {
	underlying   platform.Adapter
	tracker      *RequestBudgetTracker
	costRegistry *OpCostRegistry
	priority     Priority
	maxWait      time.Duration
	logger       *log.Logger
	metrics      *MetricsCollector
}

// LimitedAdapterConfig holds configuration for the rate-limited adapter.
type LimitedAdapterConfig struct {
	// Adapter is the underlying platform adapter to wrap.
	// Required - the wrapper cannot function without one.
	Adapter platform.Adapter

	// Tracker is the request budget tracker for rate limiting.
	// Required - the wrapper cannot function without a tracker.
	Tracker *RequestBudgetTracker

	// CostRegistry is the registry for looking up operation costs.
	// Required - the wrapper cannot function without a cost registry.
	CostRegistry *OpCostRegistry

	// Priority is the priority level for this adapter's requests.
	// PriorityHigh for interactive work, PriorityLow for backfill.
	Priority Priority

	// MaxWait is the maximum time to wait for budget availability.
	// Default: 30s. If budget is not available within this time,
	// the call returns ErrMaxWaitExceeded.
	MaxWait time.Duration

	// Logger is an optional logger for rate limit events.
	// If nil, the default logger is used.
	Logger *log.Logger

	// Metrics is an optional collector for throttle events. May be nil.
	Metrics *MetricsCollector
}

// Validate checks if the configuration is valid.
func (c *LimitedAdapterConfig) Validate() error {
	if c.Adapter == nil {
		return errors.New("underlying adapter is required")
	}
	if c.Tracker == nil {
		return errors.New("budget tracker is required")
	}
	if c.CostRegistry == nil {
		return errors.New("cost registry is required")
	}
	return nil
}

// Ensure LimitedAdapter implements the platform adapter interface
var _ platform.Adapter = (*LimitedAdapter)(nil)

// NewLimitedAdapter creates a rate-limited platform adapter.
// Returns an error if the configuration is invalid.
func NewLimitedAdapter(cfg *LimitedAdapterConfig) (*LimitedAdapter, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	maxWait := cfg.MaxWait
	if maxWait == 0 {
		maxWait = DefaultMaxWait
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}

	return &LimitedAdapter{
		underlying:   cfg.Adapter,
		tracker:      cfg.Tracker,
		costRegistry: cfg.CostRegistry,
		priority:     cfg.Priority,
		maxWait:      maxWait,
		logger:       logger,
		metrics:      cfg.Metrics,
	}, nil
}

// waitForBudget waits until budget is available or context/maxWait is exceeded.
// It returns nil if budget was acquired, or an error if waiting failed.
func (c *LimitedAdapter) waitForBudget(ctx context.Context, op string, cost int) error {
	startTime := time.Now()
	deadline := startTime.Add(c.maxWait)

	for {
		select {
		case <-ctx.Done():
			c.logger.Printf("[RateLimit] %s/%s: context cancelled while waiting for budget (priority=%s, cost=%d)",
				c.tracker.Platform(), op, c.priority, cost)
			return ctx.Err()
		default:
		}

		allowed, waitTime := c.tracker.TryConsume(ctx, cost, c.priority)
		if allowed {
			// Record operation-specific usage for monitoring
			if err := c.tracker.RecordOperationUsage(ctx, op, cost); err != nil {
				// Log but don't fail - operation tracking is for monitoring only
				c.logger.Printf("[RateLimit] %s/%s: failed to record operation usage: %v",
					c.tracker.Platform(), op, err)
			}
			return nil
		}

		if c.metrics != nil {
			c.metrics.RecordThrottle(ctx, waitTime)
		}

		if time.Now().Add(waitTime).After(deadline) {
			c.logger.Printf("[RateLimit] %s/%s: max wait time exceeded (priority=%s, cost=%d, waited=%v)",
				c.tracker.Platform(), op, c.priority, cost, time.Since(startTime))
			return ErrMaxWaitExceeded
		}

		c.logger.Printf("[RateLimit] %s/%s: waiting for budget (priority=%s, cost=%d, wait=%v)",
			c.tracker.Platform(), op, c.priority, cost, waitTime)

		select {
		case <-ctx.Done():
			c.logger.Printf("[RateLimit] %s/%s: context cancelled while waiting (priority=%s, cost=%d)",
				c.tracker.Platform(), op, c.priority, cost)
			return ctx.Err()
		case <-time.After(waitTime):
			// Continue to retry
		}
	}
}

// Platform returns the platform of the underlying adapter.
func (c *LimitedAdapter) Platform() types.Platform {
	return c.underlying.Platform()
}

// FetchStructure wraps a structure page fetch with budget enforcement.
func (c *LimitedAdapter) FetchStructure(ctx context.Context, account *models.AdAccount, entityType types.EntityType, offset, limit int) (*platform.StructurePage, error) {
	op := OpForEntityType(entityType)
	cost := c.costRegistry.GetCost(op)

	if err := c.waitForBudget(ctx, op, cost); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}

	return c.underlying.FetchStructure(ctx, account, entityType, offset, limit)
}

// FetchMetrics wraps a metrics batch fetch with budget enforcement.
func (c *LimitedAdapter) FetchMetrics(ctx context.Context, account *models.AdAccount, entityType types.EntityType, platformEntityIDs []string, window types.DateRange) ([]types.MetricRow, error) {
	op := OpMetricsBatch
	cost := c.costRegistry.GetCost(op)

	if err := c.waitForBudget(ctx, op, cost); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}

	return c.underlying.FetchMetrics(ctx, account, entityType, platformEntityIDs, window)
}

// GetPriority returns the priority level of this adapter.
func (c *LimitedAdapter) GetPriority() Priority {
	return c.priority
}

// GetMaxWait returns the maximum wait time for budget availability.
func (c *LimitedAdapter) GetMaxWait() time.Duration {
	return c.maxWait
}

// Underlying returns the wrapped platform adapter.
// This can be used for operations that don't need rate limiting.
func (c *LimitedAdapter) Underlying() platform.Adapter {
	return c.underlying
}
