package ratelimit

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/campaign-sync/internal/types"
)

// Default threshold values for budget utilization.
const (
	DefaultWarningThreshold = 80 // Percentage at which to emit warning
	DefaultPauseThreshold   = 90 // Percentage at which backfill should pause
)

// BudgetSettings holds the resolved rate limit parameters for one platform.
// Settings are derived from the application configuration: the platform's
// request quota and the share of it held back for interactive operations.
type BudgetSettings struct {
	// Platform is the advertising platform these settings apply to.
	Platform types.Platform

	// TotalPerWindow is the total request budget per window.
	TotalPerWindow int

	// ReservedPerWindow is the request budget reserved for interactive
	// operations (quick refreshes, final syncs).
	ReservedPerWindow int

	// SharedPerWindow is the request budget available for backfill chunks.
	SharedPerWindow int

	// Window is the sliding window duration.
	Window time.Duration

	// WarningThreshold is the utilization percentage at which to emit warnings.
	WarningThreshold int

	// PauseThreshold is the utilization percentage at which backfill should pause.
	PauseThreshold int

	// DefaultOpCost is the request cost assumed for unknown operations.
	DefaultOpCost int
}

// SettingsForPlatform derives budget settings from a platform's request
// quota. reservedShare is the fraction of the quota held back for
// interactive operations; the remainder goes to the shared pool.
func SettingsForPlatform(platform types.Platform, requestsPerMinute int, reservedShare float64, window time.Duration) *BudgetSettings {
	if requestsPerMinute <= 0 {
		requestsPerMinute = DefaultTotalBudget
	}
	if reservedShare < 0 {
		reservedShare = 0
	}
	if reservedShare > 1 {
		reservedShare = 1
	}
	if window <= 0 {
		window = DefaultWindowSize
	}

	reserved := int(math.Round(float64(requestsPerMinute) * reservedShare))
	if reserved > requestsPerMinute {
		reserved = requestsPerMinute
	}

	return &BudgetSettings{
		Platform:          platform,
		TotalPerWindow:    requestsPerMinute,
		ReservedPerWindow: reserved,
		SharedPerWindow:   requestsPerMinute - reserved,
		Window:            window,
		WarningThreshold:  DefaultWarningThreshold,
		PauseThreshold:    DefaultPauseThreshold,
		DefaultOpCost:     DefaultOpCost,
	}
}

// Validate ensures the settings are internally consistent.
// Returns an error if:
//   - Platform is empty
//   - TotalPerWindow is not positive
//   - ReservedPerWindow or SharedPerWindow is negative
//   - ReservedPerWindow + SharedPerWindow exceeds TotalPerWindow
//   - Window is not positive
//   - WarningThreshold or PauseThreshold is not in range [0, 100]
//   - WarningThreshold is greater than PauseThreshold
//   - DefaultOpCost is not positive
func (s *BudgetSettings) Validate() error {
	if s.Platform == "" {
		return errors.New("platform is required")
	}

	if s.TotalPerWindow <= 0 {
		return errors.New("TotalPerWindow must be positive")
	}

	if s.ReservedPerWindow < 0 {
		return errors.New("ReservedPerWindow cannot be negative")
	}

	if s.SharedPerWindow < 0 {
		return errors.New("SharedPerWindow cannot be negative")
	}

	if s.ReservedPerWindow+s.SharedPerWindow > s.TotalPerWindow {
		return fmt.Errorf("ReservedPerWindow (%d) + SharedPerWindow (%d) = %d exceeds TotalPerWindow (%d)",
			s.ReservedPerWindow, s.SharedPerWindow, s.ReservedPerWindow+s.SharedPerWindow, s.TotalPerWindow)
	}

	if s.Window <= 0 {
		return errors.New("Window must be positive")
	}

	if s.WarningThreshold < 0 || s.WarningThreshold > 100 {
		return fmt.Errorf("WarningThreshold must be between 0 and 100, got %d", s.WarningThreshold)
	}

	if s.PauseThreshold < 0 || s.PauseThreshold > 100 {
		return fmt.Errorf("PauseThreshold must be between 0 and 100, got %d", s.PauseThreshold)
	}

	if s.WarningThreshold > s.PauseThreshold {
		return fmt.Errorf("WarningThreshold (%d) cannot be greater than PauseThreshold (%d)",
			s.WarningThreshold, s.PauseThreshold)
	}

	if s.DefaultOpCost <= 0 {
		return errors.New("DefaultOpCost must be positive")
	}

	return nil
}

// TrackerConfig builds the tracker configuration for these settings.
func (s *BudgetSettings) TrackerConfig(client redis.Cmdable) *RequestBudgetTrackerConfig {
	return &RequestBudgetTrackerConfig{
		Redis:          client,
		Platform:       s.Platform,
		TotalBudget:    s.TotalPerWindow,
		ReservedBudget: s.ReservedPerWindow,
		WindowSize:     s.Window,
		KeyTTL:         2 * s.Window,
	}
}

// String returns a string representation of the settings for logging.
func (s *BudgetSettings) String() string {
	return fmt.Sprintf(
		"BudgetSettings{Platform: %s, TotalPerWindow: %d, ReservedPerWindow: %d, SharedPerWindow: %d, Window: %s, WarningThreshold: %d%%, PauseThreshold: %d%%, DefaultOpCost: %d}",
		s.Platform, s.TotalPerWindow, s.ReservedPerWindow, s.SharedPerWindow, s.Window,
		s.WarningThreshold, s.PauseThreshold, s.DefaultOpCost,
	)
}
