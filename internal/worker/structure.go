package worker

import (
	"context"
	"fmt"

	"github.com/campaign-sync/internal/models"
	"github.com/campaign-sync/internal/platform"
	"github.com/campaign-sync/internal/retry"
	enginesync "github.com/campaign-sync/internal/sync"
	"github.com/campaign-sync/internal/types"
)

// entityLevels is the fetch order for structure refreshes: parents before
// children so ParentPlatformID always references a known row.
var entityLevels = []types.EntityType{
	types.EntityTypeCampaign,
	types.EntityTypeAdSet,
	types.EntityTypeAd,
}

// syncStructure refreshes the account's full entity hierarchy through the
// adapter: every level is paged and upserted, and entities absent from the
// enumeration are marked deleted. The status transition watcher fires inside
// the upsert, so paused and deleted entities pick up their final-sync
// obligation here. Returns the entity count seen per level.
func syncStructure(ctx context.Context, entities enginesync.EntityStore, account *models.AdAccount, adapter platform.Adapter, pageSize int, fetchRetry *retry.Config) (map[types.EntityType]int, error) {
	seen := make(map[types.EntityType]int, len(entityLevels))

	for _, entityType := range entityLevels {
		present, err := fetchLevel(ctx, entities, account, adapter, entityType, pageSize, fetchRetry)
		if err != nil {
			return nil, fmt.Errorf("structure fetch for %s failed: %w", entityType, err)
		}
		seen[entityType] = len(present)

		if _, err := entities.MarkAbsentDeleted(ctx, account, entityType, present); err != nil {
			return nil, fmt.Errorf("failed to reconcile absent %s entities: %w", entityType, err)
		}
	}

	return seen, nil
}

// fetchLevel pages one entity level through the adapter, upserting every page
// and returning the platform ids seen. Transport retries happen inside a page
// fetch; a page that keeps failing fails the whole level.
func fetchLevel(ctx context.Context, entities enginesync.EntityStore, account *models.AdAccount, adapter platform.Adapter, entityType types.EntityType, pageSize int, fetchRetry *retry.Config) ([]string, error) {
	var present []string

	for offset := 0; ; {
		var page *platform.StructurePage
		err := retry.Do(ctx, fetchRetry, func(ctx context.Context, attempt int) error {
			p, err := adapter.FetchStructure(ctx, account, entityType, offset, pageSize)
			if err != nil {
				return err
			}
			page = p
			return nil
		})
		if err != nil {
			return nil, err
		}

		if len(page.Entities) > 0 {
			if _, err := entities.UpsertBatch(ctx, account, page.Entities); err != nil {
				return nil, fmt.Errorf("entity upsert failed: %w", err)
			}
			for _, e := range page.Entities {
				present = append(present, e.PlatformEntityID)
			}
		}

		if !page.HasMore {
			return present, nil
		}
		offset += len(page.Entities)
	}
}
