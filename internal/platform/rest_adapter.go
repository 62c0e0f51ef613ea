package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/campaign-sync/internal/config"
	"github.com/campaign-sync/internal/models"
	"github.com/campaign-sync/internal/types"
	"golang.org/x/time/rate"
)

// RESTAdapter talks to an advertising platform's HTTP API. The major
// platforms expose the same shape of read API (paged entity lists, daily
// insight rows), so one client parameterized by base URL and credentials
// covers meta, tiktok and google.
type RESTAdapter struct {
	platform types.Platform
	baseURL  string
	apiKey   string
	client   *http.Client
	limiter  *rate.Limiter
}

// NewRESTAdapter creates an adapter for one platform from its config block.
func NewRESTAdapter(platform types.Platform, cfg *config.PlatformConfig) *RESTAdapter {
	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = 60
	}

	return &RESTAdapter{
		platform: platform,
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:   cfg.APIKey,
		client:   &http.Client{Timeout: 30 * time.Second},
		limiter:  rate.NewLimiter(rate.Limit(float64(rpm)/60.0), rpm),
	}
}

// Platform returns the platform this adapter talks to
func (a *RESTAdapter) Platform() types.Platform {
	return a.platform
}

// entityDTO is one entity row as the platforms report it.
type entityDTO struct {
	ID       string  `json:"id"`
	ParentID *string `json:"parent_id"`
	Name     string  `json:"name"`
	Status   string  `json:"status"`
}

// structureResponse is a paged entity list.
type structureResponse struct {
	Data    []entityDTO `json:"data"`
	HasMore bool        `json:"has_more"`
}

// metricDTO is one daily insight row.
type metricDTO struct {
	Date        string  `json:"date"`
	EntityID    string  `json:"entity_id"`
	Impressions uint64  `json:"impressions"`
	Clicks      uint64  `json:"clicks"`
	Spend       float64 `json:"spend"`
	Conversions uint64  `json:"conversions"`
	Revenue     float64 `json:"revenue"`
}

// metricsResponse is a daily insight list.
type metricsResponse struct {
	Data []metricDTO `json:"data"`
}

func entityPath(entityType types.EntityType) string {
	switch entityType {
	case types.EntityTypeCampaign:
		return "campaigns"
	case types.EntityTypeAdSet:
		return "adsets"
	case types.EntityTypeAd:
		return "ads"
	default:
		return string(entityType)
	}
}

// FetchStructure retrieves one page of entities of the given type.
func (a *RESTAdapter) FetchStructure(ctx context.Context, account *models.AdAccount, entityType types.EntityType, offset, limit int) (*StructurePage, error) {
	endpoint := fmt.Sprintf("%s/accounts/%s/%s", a.baseURL, url.PathEscape(account.ExternalAccountID), entityPath(entityType))

	params := url.Values{}
	params.Set("offset", fmt.Sprintf("%d", offset))
	params.Set("limit", fmt.Sprintf("%d", limit))

	body, err := a.doGet(ctx, endpoint+"?"+params.Encode())
	if err != nil {
		return nil, NewAdapterError(a.platform, "FetchStructure", err)
	}

	var resp structureResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, NewAdapterError(a.platform, "FetchStructure", fmt.Errorf("failed to parse response: %w", err))
	}

	page := &StructurePage{
		Entities: make([]types.PlatformEntity, 0, len(resp.Data)),
		HasMore:  resp.HasMore,
	}
	for _, dto := range resp.Data {
		page.Entities = append(page.Entities, types.PlatformEntity{
			EntityType:       entityType,
			PlatformEntityID: dto.ID,
			ParentPlatformID: dto.ParentID,
			Name:             dto.Name,
			Status:           dto.Status,
		})
	}

	return page, nil
}

// FetchMetrics retrieves daily metric rows for the given entities over a
// date window.
func (a *RESTAdapter) FetchMetrics(ctx context.Context, account *models.AdAccount, entityType types.EntityType, platformEntityIDs []string, window types.DateRange) ([]types.MetricRow, error) {
	if len(platformEntityIDs) == 0 {
		return nil, nil
	}

	endpoint := fmt.Sprintf("%s/accounts/%s/%s/metrics", a.baseURL, url.PathEscape(account.ExternalAccountID), entityPath(entityType))

	params := url.Values{}
	params.Set("ids", strings.Join(platformEntityIDs, ","))
	params.Set("date_from", window.From.Format("2006-01-02"))
	params.Set("date_to", window.To.Format("2006-01-02"))

	body, err := a.doGet(ctx, endpoint+"?"+params.Encode())
	if err != nil {
		return nil, NewAdapterError(a.platform, "FetchMetrics", err)
	}

	var resp metricsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, NewAdapterError(a.platform, "FetchMetrics", fmt.Errorf("failed to parse response: %w", err))
	}

	rows := make([]types.MetricRow, 0, len(resp.Data))
	for _, dto := range resp.Data {
		date, err := time.Parse("2006-01-02", dto.Date)
		if err != nil {
			return nil, NewAdapterError(a.platform, "FetchMetrics", fmt.Errorf("bad date %q: %w", dto.Date, err))
		}
		rows = append(rows, types.MetricRow{
			Date:             date,
			EntityType:       entityType,
			PlatformEntityID: dto.EntityID,
			Impressions:      dto.Impressions,
			Clicks:           dto.Clicks,
			Spend:            dto.Spend,
			Conversions:      dto.Conversions,
			Revenue:          dto.Revenue,
		})
	}

	return rows, nil
}

// doGet runs one throttled GET and maps HTTP failures to the sentinel errors.
func (a *RESTAdapter) doGet(ctx context.Context, rawURL string) ([]byte, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("context cancelled: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		var urlErr *url.Error
		if errors.As(err, &urlErr) && urlErr.Timeout() {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, ErrRateLimited
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrAccountNotFound
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	default:
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, truncate(body, 200))
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
