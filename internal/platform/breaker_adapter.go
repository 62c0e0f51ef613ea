package platform

import (
	"context"

	"github.com/campaign-sync/internal/circuitbreaker"
	"github.com/campaign-sync/internal/models"
	"github.com/campaign-sync/internal/types"
)

// BreakerAdapter wraps an Adapter with a circuit breaker so a platform
// outage fails fast instead of tying up workers on timeouts.
type BreakerAdapter struct {
	inner   Adapter
	breaker *circuitbreaker.Breaker
}

// NewBreakerAdapter wraps an adapter with the given breaker.
func NewBreakerAdapter(inner Adapter, breaker *circuitbreaker.Breaker) *BreakerAdapter {
	return &BreakerAdapter{inner: inner, breaker: breaker}
}

// Platform returns the platform this adapter talks to
func (b *BreakerAdapter) Platform() types.Platform {
	return b.inner.Platform()
}

// FetchStructure delegates through the breaker.
func (b *BreakerAdapter) FetchStructure(ctx context.Context, account *models.AdAccount, entityType types.EntityType, offset, limit int) (*StructurePage, error) {
	var page *StructurePage
	err := b.breaker.Execute(ctx, func() error {
		var err error
		page, err = b.inner.FetchStructure(ctx, account, entityType, offset, limit)
		return err
	})
	if err != nil {
		return nil, err
	}
	return page, nil
}

// FetchMetrics delegates through the breaker.
func (b *BreakerAdapter) FetchMetrics(ctx context.Context, account *models.AdAccount, entityType types.EntityType, platformEntityIDs []string, window types.DateRange) ([]types.MetricRow, error) {
	var rows []types.MetricRow
	err := b.breaker.Execute(ctx, func() error {
		var err error
		rows, err = b.inner.FetchMetrics(ctx, account, entityType, platformEntityIDs, window)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}
