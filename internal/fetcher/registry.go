package fetcher

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ahmethakanbesel/price-backfill/internal/source"
)

// Constructor builds a fetcher for one configured source.
type Constructor func(src source.Source) (HistoricalFetcher, error)

// Registry maps a source api type to the adapter that speaks it.
type Registry struct {
	mu    sync.RWMutex
	types map[string]Constructor
}

func NewRegistry() *Registry {
	return &Registry{
		types: make(map[string]Constructor),
	}
}

func (r *Registry) Register(apiType string, c Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types[apiType] = c
}

// New returns a fetcher for src selected by src.APIType.
func (r *Registry) New(src source.Source) (HistoricalFetcher, error) {
	r.mu.RLock()
	c, ok := r.types[src.APIType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no fetcher registered for api type %q", src.APIType)
	}
	return c(src)
}

func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.types))
	for t := range r.types {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
