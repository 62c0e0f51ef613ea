// Package ratelimit coordinates request budgets for advertising platform APIs.
// Every platform grants a fixed number of API requests per minute; the budget
// is split into a reserved pool for interactive work (quick refreshes, final
// syncs) and a shared pool for backfill chunk processing, tracked in Redis so
// all workers draw from the same window.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/campaign-sync/internal/types"
)

// Default budget configuration values.
const (
	DefaultTotalBudget    = 200             // Total requests per window
	DefaultReservedBudget = 50              // Reserved for interactive operations
	DefaultSharedBudget   = 150             // Available for backfill chunks
	DefaultWindowSize     = time.Minute     // Platform quotas are per-minute
	DefaultKeyTTL         = 2 * time.Minute // TTL for Redis keys (window + buffer)
)

// Redis key prefixes for request tracking. Keys carry the platform name so
// each platform's quota is counted independently.
const (
	KeyPrefixTotal    = "req:total:"
	KeyPrefixReserved = "req:reserved:"
	KeyPrefixShared   = "req:shared:"
	KeyPrefixOp       = "req:op:"
)

// Priority levels for budget allocation.
type Priority int

const (
	// PriorityHigh is for interactive operations (uses reserved budget):
	// user-triggered quick refreshes and final syncs.
	PriorityHigh Priority = iota
	// PriorityLow is for backfill chunk processing (uses shared budget).
	PriorityLow
)

// String returns a string representation of the priority level.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// RequestBudgetTracker coordinates request consumption across workers using
// Redis. It implements a sliding window rate limiter with separate pools for
// interactive (reserved) and backfill (shared) operations. One tracker serves
// one platform; the platform name is part of every Redis key.
type RequestBudgetTracker struct {
	redis          redis.Cmdable
	platform       types.Platform
	totalBudget    int
	reservedBudget int
	sharedBudget   int
	windowSize     time.Duration
	keyTTL         time.Duration
}

// RequestBudgetTrackerConfig holds configuration for the budget tracker.
type RequestBudgetTrackerConfig struct {
	// Redis is the Redis client for cross-worker coordination.
	// Required - tracker cannot function without Redis.
	Redis redis.Cmdable

	// Platform is the advertising platform this tracker budgets for.
	// Required - keys are scoped per platform.
	Platform types.Platform

	// TotalBudget is the total requests per window. Default: 200.
	TotalBudget int

	// ReservedBudget is the requests per window reserved for interactive
	// operations. Default: 50.
	ReservedBudget int

	// WindowSize is the sliding window duration. Default: 1m.
	WindowSize time.Duration

	// KeyTTL is the TTL for Redis keys. Default: 2m (window + buffer).
	// Should be at least WindowSize to ensure proper expiration.
	KeyTTL time.Duration
}

// RequestUsageStats contains current consumption for one platform window.
type RequestUsageStats struct {
	// Platform is the platform these stats describe.
	Platform types.Platform

	// TotalUsed is the total requests consumed in the current window.
	TotalUsed int

	// ReservedUsed is the requests consumed from the reserved pool.
	ReservedUsed int

	// SharedUsed is the requests consumed from the shared pool.
	SharedUsed int

	// TotalBudget is the configured total requests per window.
	TotalBudget int

	// ReservedBudget is the configured reserved requests per window.
	ReservedBudget int

	// SharedBudget is the configured shared requests per window.
	SharedBudget int

	// WindowStart is the start time of the current window.
	WindowStart time.Time
}

// Validate checks if the configuration is valid.
func (c *RequestBudgetTrackerConfig) Validate() error {
	if c.Redis == nil {
		return errors.New("redis client is required")
	}
	if c.Platform == "" {
		return errors.New("platform is required")
	}

	if c.TotalBudget < 0 {
		return errors.New("total budget cannot be negative")
	}
	if c.ReservedBudget < 0 {
		return errors.New("reserved budget cannot be negative")
	}

	totalBudget := c.TotalBudget
	if totalBudget == 0 {
		totalBudget = DefaultTotalBudget
	}
	reservedBudget := c.ReservedBudget
	if reservedBudget == 0 {
		reservedBudget = DefaultReservedBudget
	}

	if reservedBudget > totalBudget {
		return fmt.Errorf("reserved budget (%d) cannot exceed total budget (%d)", reservedBudget, totalBudget)
	}

	return nil
}

// NewRequestBudgetTracker creates a new tracker with the given configuration.
// Returns an error if the configuration is invalid.
func NewRequestBudgetTracker(cfg *RequestBudgetTrackerConfig) (*RequestBudgetTracker, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	totalBudget := cfg.TotalBudget
	if totalBudget == 0 {
		totalBudget = DefaultTotalBudget
	}

	reservedBudget := cfg.ReservedBudget
	if reservedBudget == 0 {
		reservedBudget = DefaultReservedBudget
	}

	sharedBudget := totalBudget - reservedBudget

	windowSize := cfg.WindowSize
	if windowSize == 0 {
		windowSize = DefaultWindowSize
	}

	keyTTL := cfg.KeyTTL
	if keyTTL == 0 {
		keyTTL = DefaultKeyTTL
	}

	return &RequestBudgetTracker{
		redis:          cfg.Redis,
		platform:       cfg.Platform,
		totalBudget:    totalBudget,
		reservedBudget: reservedBudget,
		sharedBudget:   sharedBudget,
		windowSize:     windowSize,
		keyTTL:         keyTTL,
	}, nil
}

// getWindowTimestamp returns the timestamp for the current sliding window.
// The window is aligned to the window size boundary.
func (t *RequestBudgetTracker) getWindowTimestamp() int64 {
	now := time.Now()
	windowStart := now.Truncate(t.windowSize)
	return windowStart.UnixMilli()
}

// getKeys returns the Redis keys for the current window.
func (t *RequestBudgetTracker) getKeys(windowTS int64) (totalKey, reservedKey, sharedKey string) {
	totalKey = fmt.Sprintf("%s%s:%d", KeyPrefixTotal, t.platform, windowTS)
	reservedKey = fmt.Sprintf("%s%s:%d", KeyPrefixReserved, t.platform, windowTS)
	sharedKey = fmt.Sprintf("%s%s:%d", KeyPrefixShared, t.platform, windowTS)
	return
}

// TryConsume attempts to consume requests from the appropriate budget pool.
// For PriorityHigh, it uses the reserved budget pool.
// For PriorityLow, it uses the shared budget pool.
//
// Returns:
//   - allowed: true if the consumption was allowed
//   - waitTime: suggested wait time before retrying if not allowed
func (t *RequestBudgetTracker) TryConsume(ctx context.Context, cost int, priority Priority) (bool, time.Duration) {
	if cost <= 0 {
		return true, 0
	}

	windowTS := t.getWindowTimestamp()
	totalKey, reservedKey, sharedKey := t.getKeys(windowTS)

	var poolKey string
	var poolBudget int
	if priority == PriorityHigh {
		poolKey = reservedKey
		poolBudget = t.reservedBudget
	} else {
		poolKey = sharedKey
		poolBudget = t.sharedBudget
	}

	// Use a Lua script for atomic check-and-increment
	// This ensures we don't exceed the budget even under concurrent access
	script := redis.NewScript(`
		local totalKey = KEYS[1]
		local poolKey = KEYS[2]
		local cost = tonumber(ARGV[1])
		local totalBudget = tonumber(ARGV[2])
		local poolBudget = tonumber(ARGV[3])
		local ttl = tonumber(ARGV[4])

		-- Get current values
		local totalUsed = tonumber(redis.call('GET', totalKey) or '0')
		local poolUsed = tonumber(redis.call('GET', poolKey) or '0')

		-- Check if we have budget in both total and pool
		if totalUsed + cost > totalBudget then
			return {0, totalUsed, poolUsed}
		end
		if poolUsed + cost > poolBudget then
			return {0, totalUsed, poolUsed}
		end

		-- Atomically increment both counters
		redis.call('INCRBY', totalKey, cost)
		redis.call('EXPIRE', totalKey, ttl)
		redis.call('INCRBY', poolKey, cost)
		redis.call('EXPIRE', poolKey, ttl)

		return {1, totalUsed + cost, poolUsed + cost}
	`)

	ttlSeconds := int(t.keyTTL.Seconds())
	if ttlSeconds < 1 {
		ttlSeconds = 1
	}

	result, err := script.Run(ctx, t.redis, []string{totalKey, poolKey},
		cost, t.totalBudget, poolBudget, ttlSeconds).Int64Slice()

	if err != nil {
		// On Redis error, deny the request to be safe
		return false, t.calculateWaitTime(windowTS)
	}

	allowed := result[0] == 1
	if !allowed {
		return false, t.calculateWaitTime(windowTS)
	}

	return true, 0
}

// calculateWaitTime returns the time until the next window starts.
func (t *RequestBudgetTracker) calculateWaitTime(windowTS int64) time.Duration {
	windowStart := time.UnixMilli(windowTS)
	windowEnd := windowStart.Add(t.windowSize)
	waitTime := time.Until(windowEnd)
	if waitTime < 0 {
		waitTime = 0
	}
	// Add a small buffer to ensure we're in the new window
	return waitTime + time.Millisecond
}

// GetUsage returns current request usage statistics.
func (t *RequestBudgetTracker) GetUsage(ctx context.Context) (*RequestUsageStats, error) {
	windowTS := t.getWindowTimestamp()
	totalKey, reservedKey, sharedKey := t.getKeys(windowTS)

	// Use pipeline to get all values in one round trip
	pipe := t.redis.Pipeline()
	totalCmd := pipe.Get(ctx, totalKey)
	reservedCmd := pipe.Get(ctx, reservedKey)
	sharedCmd := pipe.Get(ctx, sharedKey)

	// Ignore redis.Nil errors - missing keys just mean no usage yet
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read budget usage: %w", err)
	}

	return &RequestUsageStats{
		Platform:       t.platform,
		TotalUsed:      parseIntOrZero(totalCmd),
		ReservedUsed:   parseIntOrZero(reservedCmd),
		SharedUsed:     parseIntOrZero(sharedCmd),
		TotalBudget:    t.totalBudget,
		ReservedBudget: t.reservedBudget,
		SharedBudget:   t.sharedBudget,
		WindowStart:    time.UnixMilli(windowTS),
	}, nil
}

// parseIntOrZero parses a Redis string command result as int, returning 0 on error.
func parseIntOrZero(cmd *redis.StringCmd) int {
	val, err := cmd.Int()
	if err != nil {
		return 0
	}
	return val
}

// RecordOperationUsage records request consumption for a specific sync
// operation. This is used for monitoring and does not affect budget allocation.
func (t *RequestBudgetTracker) RecordOperationUsage(ctx context.Context, op string, cost int) error {
	if cost <= 0 || op == "" {
		return nil
	}

	windowTS := t.getWindowTimestamp()
	key := fmt.Sprintf("%s%s:%s:%d", KeyPrefixOp, t.platform, op, windowTS)

	pipe := t.redis.Pipeline()
	pipe.IncrBy(ctx, key, int64(cost))
	pipe.Expire(ctx, key, t.keyTTL)
	_, err := pipe.Exec(ctx)

	return err
}

// Platform returns the platform this tracker budgets for.
func (t *RequestBudgetTracker) Platform() types.Platform {
	return t.platform
}

// GetTotalBudget returns the configured total requests per window.
func (t *RequestBudgetTracker) GetTotalBudget() int {
	return t.totalBudget
}

// GetReservedBudget returns the configured reserved requests per window.
func (t *RequestBudgetTracker) GetReservedBudget() int {
	return t.reservedBudget
}

// GetSharedBudget returns the configured shared requests per window.
func (t *RequestBudgetTracker) GetSharedBudget() int {
	return t.sharedBudget
}

// GetWindowSize returns the configured window size.
func (t *RequestBudgetTracker) GetWindowSize() time.Duration {
	return t.windowSize
}

// AvailableBudget returns the available budget for a given priority level.
func (t *RequestBudgetTracker) AvailableBudget(ctx context.Context, priority Priority) (int, error) {
	stats, err := t.GetUsage(ctx)
	if err != nil {
		return 0, err
	}

	if priority == PriorityHigh {
		available := t.reservedBudget - stats.ReservedUsed
		if available < 0 {
			available = 0
		}
		return available, nil
	}

	available := t.sharedBudget - stats.SharedUsed
	if available < 0 {
		available = 0
	}
	return available, nil
}

// TotalUtilization returns the current total budget utilization as a percentage (0-100).
func (t *RequestBudgetTracker) TotalUtilization(ctx context.Context) (float64, error) {
	stats, err := t.GetUsage(ctx)
	if err != nil {
		return 0, err
	}

	if t.totalBudget == 0 {
		return 100, nil
	}

	return float64(stats.TotalUsed) * 100 / float64(t.totalBudget), nil
}

// IsWarningThreshold returns true if total utilization is at or above 80%.
func (t *RequestBudgetTracker) IsWarningThreshold(ctx context.Context) (bool, error) {
	utilization, err := t.TotalUtilization(ctx)
	if err != nil {
		return false, err
	}
	return utilization >= DefaultWarningThreshold, nil
}

// IsPauseThreshold returns true if total utilization is at or above 90%.
func (t *RequestBudgetTracker) IsPauseThreshold(ctx context.Context) (bool, error) {
	utilization, err := t.TotalUtilization(ctx)
	if err != nil {
		return false, err
	}
	return utilization >= DefaultPauseThreshold, nil
}
