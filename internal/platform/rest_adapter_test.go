package platform

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/campaign-sync/internal/config"
	"github.com/campaign-sync/internal/models"
	"github.com/campaign-sync/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAccount() *models.AdAccount {
	return &models.AdAccount{
		ID:                "acc-1",
		Platform:          types.PlatformMeta,
		ExternalAccountID: "act_123",
	}
}

func newTestAdapter(t *testing.T, handler http.HandlerFunc) *RESTAdapter {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return NewRESTAdapter(types.PlatformMeta, &config.PlatformConfig{
		BaseURL:           server.URL,
		APIKey:            "test-key",
		RequestsPerMinute: 6000,
	})
}

func TestRESTAdapter_FetchStructure(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/accounts/act_123/campaigns", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.Equal(t, "0", r.URL.Query().Get("offset"))
		assert.Equal(t, "2", r.URL.Query().Get("limit"))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"data": [
				{"id": "cmp-1", "name": "Summer Sale", "status": "ACTIVE"},
				{"id": "cmp-2", "name": "Winter Push", "status": "paused", "parent_id": null}
			],
			"has_more": true
		}`))
	})

	page, err := adapter.FetchStructure(context.Background(), testAccount(), types.EntityTypeCampaign, 0, 2)
	require.NoError(t, err)
	require.Len(t, page.Entities, 2)
	assert.True(t, page.HasMore)
	assert.Equal(t, "cmp-1", page.Entities[0].PlatformEntityID)
	assert.Equal(t, types.EntityTypeCampaign, page.Entities[0].EntityType)
	assert.Equal(t, "paused", page.Entities[1].Status, "statuses pass through unnormalized")
}

func TestRESTAdapter_FetchMetrics(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/accounts/act_123/ads/metrics", r.URL.Path)
		assert.Equal(t, "ad-1,ad-2", r.URL.Query().Get("ids"))
		assert.Equal(t, "2026-01-01", r.URL.Query().Get("date_from"))
		assert.Equal(t, "2026-01-02", r.URL.Query().Get("date_to"))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"data": [
				{"date": "2026-01-01", "entity_id": "ad-1", "impressions": 100, "clicks": 7, "spend": 12.5, "conversions": 2, "revenue": 80.0}
			]
		}`))
	})

	window := types.DateRange{
		From: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		To:   time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC),
	}
	rows, err := adapter.FetchMetrics(context.Background(), testAccount(), types.EntityTypeAd, []string{"ad-1", "ad-2"}, window)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, uint64(100), rows[0].Impressions)
	assert.Equal(t, 12.5, rows[0].Spend)
	assert.Equal(t, "ad-1", rows[0].PlatformEntityID)
}

func TestRESTAdapter_FetchMetricsEmptyIDs(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected for empty id list")
	})

	rows, err := adapter.FetchMetrics(context.Background(), testAccount(), types.EntityTypeAd, nil, types.DateRange{})
	require.NoError(t, err)
	assert.Nil(t, rows)
}

func TestRESTAdapter_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		wantErr    error
	}{
		{name: "rate limited", statusCode: http.StatusTooManyRequests, wantErr: ErrRateLimited},
		{name: "account missing", statusCode: http.StatusNotFound, wantErr: ErrAccountNotFound},
		{name: "server error", statusCode: http.StatusBadGateway, wantErr: ErrUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.statusCode)
			})

			_, err := adapter.FetchStructure(context.Background(), testAccount(), types.EntityTypeCampaign, 0, 10)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.wantErr), "got %v, want %v", err, tt.wantErr)

			var adapterErr *AdapterError
			require.True(t, errors.As(err, &adapterErr))
			assert.Equal(t, "FetchStructure", adapterErr.Op)
			assert.Equal(t, types.PlatformMeta, adapterErr.Platform)
		})
	}
}
