package router

import (
	"sort"

	"github.com/felipepmaragno/llmmux/internal/domain"
)

// DiscoverySource is the dynamic half of resolution.
type DiscoverySource interface {
	Enabled() bool
	Backend(model string) (domain.BackendEndpoint, bool)
	Backends() map[string]domain.BackendEndpoint
}

type Stats struct {
	DiscoveryEnabled   bool `json:"enabled"`
	StaticBackends     int  `json:"staticBackends"`
	DiscoveredBackends int  `json:"discoveredBackends"`
	TotalModels        int  `json:"totalModels"`
}

// Router resolves model names to backends. Static entries always win over
// discovered entries with the same name.
type Router struct {
	static    map[string]domain.BackendEndpoint
	discovery DiscoverySource
}

func New(static map[string]domain.BackendEndpoint, discovery DiscoverySource) *Router {
	if static == nil {
		static = make(map[string]domain.BackendEndpoint)
	}
	return &Router{
		static:    static,
		discovery: discovery,
	}
}

func (r *Router) Resolve(model string) (domain.BackendEndpoint, error) {
	if b, ok := r.static[model]; ok {
		return b, nil
	}
	if r.discovery != nil {
		if b, ok := r.discovery.Backend(model); ok {
			return b, nil
		}
	}
	return domain.BackendEndpoint{}, &domain.ResolutionError{Model: model}
}

func (r *Router) merged() map[string]domain.BackendEndpoint {
	all := make(map[string]domain.BackendEndpoint)
	if r.discovery != nil {
		for name, b := range r.discovery.Backends() {
			all[name] = b
		}
	}
	for name, b := range r.static {
		all[name] = b
	}
	return all
}

// ListAll returns every known backend sorted by model name.
func (r *Router) ListAll() []domain.BackendEndpoint {
	all := r.merged()
	out := make([]domain.BackendEndpoint, 0, len(all))
	for _, b := range all {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelName < out[j].ModelName })
	return out
}

func (r *Router) ListAllModelNames() []string {
	all := r.merged()
	names := make([]string, 0, len(all))
	for name := range all {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Router) Stats() Stats {
	stats := Stats{StaticBackends: len(r.static)}
	if r.discovery != nil {
		stats.DiscoveryEnabled = r.discovery.Enabled()
		stats.DiscoveredBackends = len(r.discovery.Backends())
	}
	stats.TotalModels = len(r.merged())
	return stats
}
