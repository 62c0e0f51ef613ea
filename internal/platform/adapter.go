// Package platform abstracts the advertising platform APIs behind a common
// fetch interface. The sync engine only ever sees pages of entities and rows
// of daily metrics; everything wire-level stays inside the adapter.
package platform

import (
	"context"
	"fmt"

	"github.com/campaign-sync/internal/models"
	"github.com/campaign-sync/internal/types"
)

// StructurePage is one page of an account's entity hierarchy.
type StructurePage struct {
	Entities []types.PlatformEntity
	HasMore  bool
}

// Adapter defines the interface for platform-specific API clients
type Adapter interface {
	// Platform returns the platform this adapter talks to
	Platform() types.Platform

	// FetchStructure retrieves one page of entities of the given type.
	// Statuses come back exactly as the platform reports them; the entity
	// store normalizes on write.
	// Returns error if the platform request fails
	FetchStructure(ctx context.Context, account *models.AdAccount, entityType types.EntityType, offset, limit int) (*StructurePage, error)

	// FetchMetrics retrieves daily metric rows for the given entities over a
	// date window. Days without delivery may be absent from the result.
	// Returns error if the platform request fails
	FetchMetrics(ctx context.Context, account *models.AdAccount, entityType types.EntityType, platformEntityIDs []string, window types.DateRange) ([]types.MetricRow, error)
}

// Common error types for platform adapters

var (
	// ErrRateLimited indicates the platform rejected the request for quota reasons
	ErrRateLimited = fmt.Errorf("platform rate limit exceeded")

	// ErrTimeout indicates the platform request timed out
	ErrTimeout = fmt.Errorf("platform request timeout")

	// ErrUnavailable indicates the platform API is unavailable
	ErrUnavailable = fmt.Errorf("platform unavailable")

	// ErrAccountNotFound indicates the platform does not know the external account
	ErrAccountNotFound = fmt.Errorf("platform account not found")
)

// AdapterError wraps errors with the platform and operation that failed
type AdapterError struct {
	Platform types.Platform
	Op       string
	Err      error
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("platform adapter error [%s:%s]: %v", e.Platform, e.Op, e.Err)
}

func (e *AdapterError) Unwrap() error {
	return e.Err
}

// NewAdapterError creates a new AdapterError
func NewAdapterError(platform types.Platform, op string, err error) *AdapterError {
	return &AdapterError{Platform: platform, Op: op, Err: err}
}
