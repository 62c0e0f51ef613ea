package ratelimit

import (
	"sync"

	"github.com/campaign-sync/internal/types"
)

// Default request costs for sync operations. Platforms score calls rather
// than count them one-to-one: structure reads are cheap, the ads collection
// pages deeper, and metrics endpoints are weighted heaviest.
const (
	DefaultOpCost = 1 // Default cost for unknown operations

	// Known operation costs
	CostStructureCampaigns = 1
	CostStructureAdSets    = 1
	CostStructureAds       = 2
	CostMetricsBatch       = 3
)

// Sync operation names
const (
	OpStructureCampaigns = "structure.campaigns"
	OpStructureAdSets    = "structure.adsets"
	OpStructureAds       = "structure.ads"
	OpMetricsBatch       = "metrics.batch"
)

// OpForEntityType returns the structure operation name for an entity type.
func OpForEntityType(entityType types.EntityType) string {
	switch entityType {
	case types.EntityTypeCampaign:
		return OpStructureCampaigns
	case types.EntityTypeAdSet:
		return OpStructureAdSets
	case types.EntityTypeAd:
		return OpStructureAds
	default:
		return "structure." + string(entityType)
	}
}

// OpCostRegistry maps sync operations to their request costs.
// It is safe for concurrent use.
type OpCostRegistry struct {
	mu          sync.RWMutex
	costs       map[string]int
	defaultCost int
}

// OpCostRegistryConfig holds configuration for the registry.
type OpCostRegistryConfig struct {
	// DefaultCost is the request cost for unknown operations.
	// If zero, uses the package default (1 request).
	DefaultCost int

	// Overrides allows custom costs for specific operations.
	// These override the built-in defaults.
	Overrides map[string]int
}

// NewOpCostRegistry creates a new registry with default operation costs.
// If cfg is nil, default configuration is used.
func NewOpCostRegistry(cfg *OpCostRegistryConfig) *OpCostRegistry {
	costs := map[string]int{
		OpStructureCampaigns: CostStructureCampaigns,
		OpStructureAdSets:    CostStructureAdSets,
		OpStructureAds:       CostStructureAds,
		OpMetricsBatch:       CostMetricsBatch,
	}

	defaultCost := DefaultOpCost

	if cfg != nil {
		if cfg.DefaultCost > 0 {
			defaultCost = cfg.DefaultCost
		}

		for op, cost := range cfg.Overrides {
			if cost > 0 {
				costs[op] = cost
			}
		}
	}

	return &OpCostRegistry{
		costs:       costs,
		defaultCost: defaultCost,
	}
}

// GetCost returns the request cost for a sync operation.
// If the operation is not known, returns the configured default cost.
func (r *OpCostRegistry) GetCost(op string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if cost, ok := r.costs[op]; ok {
		return cost
	}
	return r.defaultCost
}

// SetCost allows runtime cost updates for a specific operation.
// This is useful for tuning costs when a platform rebalances its quota scoring.
// The cost must be positive; zero or negative values are ignored.
func (r *OpCostRegistry) SetCost(op string, cost int) {
	if cost <= 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.costs[op] = cost
}

// GetDefaultCost returns the configured default cost for unknown operations.
func (r *OpCostRegistry) GetDefaultCost() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.defaultCost
}

// KnownOperations returns a list of all known operation names.
func (r *OpCostRegistry) KnownOperations() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ops := make([]string, 0, len(r.costs))
	for op := range r.costs {
		ops = append(ops, op)
	}
	return ops
}
