package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Default rate controller configuration values.
const (
	DefaultBaseDelay = 100 * time.Millisecond
	DefaultMaxDelay  = 10 * time.Second
)

// ErrContextCancelled is returned when the context is cancelled while waiting for budget.
var ErrContextCancelled = errors.New("context cancelled while waiting for budget")

// BackfillRateController manages backfill chunk pacing with exponential backoff.
// It coordinates with the RequestBudgetTracker to ensure chunk processing
// respects the shared budget pool and backs off when the platform window
// is exhausted.
type BackfillRateController struct {
	tracker          *RequestBudgetTracker
	baseDelay        time.Duration
	maxDelay         time.Duration
	currentDelay     time.Duration
	consecutiveFails int
	mu               sync.Mutex
}

// BackfillRateControllerConfig holds configuration for the rate controller.
type BackfillRateControllerConfig struct {
	// Tracker is the request budget tracker for coordination.
	// Required - controller cannot function without a tracker.
	Tracker *RequestBudgetTracker

	// BaseDelay is the initial delay between retries. Default: 100ms.
	BaseDelay time.Duration

	// MaxDelay is the maximum delay between retries. Default: 10s.
	MaxDelay time.Duration
}

// Validate checks if the configuration is valid.
func (c *BackfillRateControllerConfig) Validate() error {
	if c.Tracker == nil {
		return errors.New("tracker is required")
	}
	if c.BaseDelay < 0 {
		return errors.New("base delay cannot be negative")
	}
	if c.MaxDelay < 0 {
		return errors.New("max delay cannot be negative")
	}
	if c.MaxDelay > 0 && c.BaseDelay > 0 && c.BaseDelay > c.MaxDelay {
		return errors.New("base delay cannot exceed max delay")
	}
	return nil
}

// NewBackfillRateController creates a new controller with the given configuration.
// Returns an error if the configuration is invalid.
func NewBackfillRateController(cfg *BackfillRateControllerConfig) (*BackfillRateController, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	baseDelay := cfg.BaseDelay
	if baseDelay == 0 {
		baseDelay = DefaultBaseDelay
	}

	maxDelay := cfg.MaxDelay
	if maxDelay == 0 {
		maxDelay = DefaultMaxDelay
	}

	return &BackfillRateController{
		tracker:          cfg.Tracker,
		baseDelay:        baseDelay,
		maxDelay:         maxDelay,
		currentDelay:     baseDelay,
		consecutiveFails: 0,
	}, nil
}

// WaitForBudget blocks until budget is available or context is cancelled.
// It uses the shared budget pool (PriorityLow) for backfill operations.
// Returns ErrContextCancelled if the context is cancelled while waiting.
func (c *BackfillRateController) WaitForBudget(ctx context.Context, cost int) error {
	if cost <= 0 {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ErrContextCancelled
		default:
		}

		allowed, waitTime := c.tracker.TryConsume(ctx, cost, PriorityLow)
		if allowed {
			c.RecordSuccess()
			return nil
		}

		c.RecordFailure()

		// Use the longer of the suggested wait time or our backoff delay
		c.mu.Lock()
		delay := c.currentDelay
		c.mu.Unlock()

		if waitTime > delay {
			delay = waitTime
		}

		select {
		case <-ctx.Done():
			return ErrContextCancelled
		case <-time.After(delay):
			// Continue to retry
		}
	}
}

// RecordSuccess resets backoff on successful request.
// This should be called after a successful platform fetch.
func (c *BackfillRateController) RecordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.consecutiveFails = 0
	c.currentDelay = c.baseDelay
}

// RecordFailure increases backoff on budget exhaustion.
// This should be called when a budget request is denied.
func (c *BackfillRateController) RecordFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.consecutiveFails++

	// Exponential backoff: baseDelay * 2^failures, capped at maxDelay
	newDelay := c.baseDelay
	for i := 0; i < c.consecutiveFails; i++ {
		newDelay *= 2
		if newDelay > c.maxDelay {
			newDelay = c.maxDelay
			break
		}
	}
	c.currentDelay = newDelay
}

// ShouldPause returns true if chunk processing should pause (>90% usage),
// leaving the remaining window for interactive operations.
func (c *BackfillRateController) ShouldPause(ctx context.Context) bool {
	isPause, err := c.tracker.IsPauseThreshold(ctx)
	if err != nil {
		// On error, be conservative and suggest pausing
		return true
	}
	return isPause
}

// GetCurrentDelay returns the current backoff delay.
// This is useful for monitoring and testing.
func (c *BackfillRateController) GetCurrentDelay() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentDelay
}

// GetConsecutiveFailures returns the number of consecutive failures.
// This is useful for monitoring and testing.
func (c *BackfillRateController) GetConsecutiveFailures() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.consecutiveFails
}

// GetBaseDelay returns the configured base delay.
func (c *BackfillRateController) GetBaseDelay() time.Duration {
	return c.baseDelay
}

// GetMaxDelay returns the configured max delay.
func (c *BackfillRateController) GetMaxDelay() time.Duration {
	return c.maxDelay
}
