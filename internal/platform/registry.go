package platform

import (
	"fmt"
	"sync"

	"github.com/campaign-sync/internal/types"
)

// Registry maps platforms to their adapters. Registration happens at startup;
// lookups are concurrent.
type Registry struct {
	mu       sync.RWMutex
	adapters map[types.Platform]Adapter
}

// NewRegistry creates an empty adapter registry
func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[types.Platform]Adapter),
	}
}

// Register adds an adapter, replacing any previous one for its platform.
func (r *Registry) Register(adapter Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[adapter.Platform()] = adapter
}

// Get returns the adapter for a platform.
func (r *Registry) Get(platform types.Platform) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	adapter, ok := r.adapters[platform]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for platform: %s", platform)
	}
	return adapter, nil
}

// Platforms returns the registered platforms.
func (r *Registry) Platforms() []types.Platform {
	r.mu.RLock()
	defer r.mu.RUnlock()

	platforms := make([]types.Platform, 0, len(r.adapters))
	for p := range r.adapters {
		platforms = append(platforms, p)
	}
	return platforms
}
