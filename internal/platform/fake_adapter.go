package platform

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/campaign-sync/internal/models"
	"github.com/campaign-sync/internal/types"
)

// FakeAdapter is an in-memory Adapter for tests and local development. Its
// metric rows are derived from a hash of entity and date, so repeated fetches
// of the same window return identical data.
type FakeAdapter struct {
	mu       sync.Mutex
	platform types.Platform
	entities map[string]map[types.EntityType][]types.PlatformEntity

	// Err, when set, fails every fetch. Lets tests drive retry paths.
	Err error

	structureCalls int
	metricsCalls   int
}

// NewFakeAdapter creates an empty fake for one platform
func NewFakeAdapter(platform types.Platform) *FakeAdapter {
	return &FakeAdapter{
		platform: platform,
		entities: make(map[string]map[types.EntityType][]types.PlatformEntity),
	}
}

// Platform returns the platform this adapter talks to
func (f *FakeAdapter) Platform() types.Platform {
	return f.platform
}

// Seed replaces the entities of one type for an external account.
func (f *FakeAdapter) Seed(externalAccountID string, entityType types.EntityType, entities []types.PlatformEntity) {
	f.mu.Lock()
	defer f.mu.Unlock()

	byType, ok := f.entities[externalAccountID]
	if !ok {
		byType = make(map[types.EntityType][]types.PlatformEntity)
		f.entities[externalAccountID] = byType
	}
	byType[entityType] = append([]types.PlatformEntity(nil), entities...)
}

// SetStatus flips one seeded entity's reported status.
func (f *FakeAdapter) SetStatus(externalAccountID string, entityType types.EntityType, platformEntityID, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i, e := range f.entities[externalAccountID][entityType] {
		if e.PlatformEntityID == platformEntityID {
			f.entities[externalAccountID][entityType][i].Status = status
			return
		}
	}
}

// Remove drops one seeded entity, as if the platform deleted it outright.
func (f *FakeAdapter) Remove(externalAccountID string, entityType types.EntityType, platformEntityID string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	list := f.entities[externalAccountID][entityType]
	for i, e := range list {
		if e.PlatformEntityID == platformEntityID {
			f.entities[externalAccountID][entityType] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// Calls reports how many fetches the fake served.
func (f *FakeAdapter) Calls() (structure, metrics int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.structureCalls, f.metricsCalls
}

// FetchStructure returns the seeded entities page by page.
func (f *FakeAdapter) FetchStructure(ctx context.Context, account *models.AdAccount, entityType types.EntityType, offset, limit int) (*StructurePage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.structureCalls++

	if f.Err != nil {
		return nil, f.Err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	all := f.entities[account.ExternalAccountID][entityType]
	if offset >= len(all) {
		return &StructurePage{}, nil
	}

	end := offset + limit
	if limit <= 0 || end > len(all) {
		end = len(all)
	}

	return &StructurePage{
		Entities: append([]types.PlatformEntity(nil), all[offset:end]...),
		HasMore:  end < len(all),
	}, nil
}

// FetchMetrics synthesizes one row per entity per day in the window.
func (f *FakeAdapter) FetchMetrics(ctx context.Context, account *models.AdAccount, entityType types.EntityType, platformEntityIDs []string, window types.DateRange) ([]types.MetricRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metricsCalls++

	if f.Err != nil {
		return nil, f.Err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var rows []types.MetricRow
	for _, id := range platformEntityIDs {
		for day := window.From; !day.After(window.To); day = day.AddDate(0, 0, 1) {
			seed := metricSeed(id, day)
			rows = append(rows, types.MetricRow{
				Date:             day,
				EntityType:       entityType,
				PlatformEntityID: id,
				Impressions:      1000 + seed%9000,
				Clicks:           10 + seed%90,
				Spend:            float64(seed%10000) / 100.0,
				Conversions:      seed % 20,
				Revenue:          float64(seed%50000) / 100.0,
			})
		}
	}

	return rows, nil
}

func metricSeed(platformEntityID string, day time.Time) uint64 {
	h := fnv.New64a()
	h.Write([]byte(platformEntityID))
	h.Write([]byte(day.Format("2006-01-02")))
	return h.Sum64()
}
