package provider

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// RoutingMode selects how records without an explicit provider label
// are assigned to a provider instance.
type RoutingMode string

const (
	// RoutePrimaryOnly routes by longest matching zone suffix,
	// falling back to the default provider.
	RoutePrimaryOnly RoutingMode = "primary-only"
	// RouteRoundRobin rotates unmatched records across all enabled
	// providers.
	RouteRoundRobin RoutingMode = "round-robin"
	// RouteAutoFallback routes like primary-only but skips providers
	// currently marked unavailable, trying the remaining ones in
	// registration order.
	RouteAutoFallback RoutingMode = "auto-with-fallback"
)

// Registry holds the configured provider instances and routes
// hostnames to them.
type Registry struct {
	mu         sync.RWMutex
	providers  map[string]Provider
	order      []string
	defaultID  string
	zones      map[string]string // zone suffix -> provider ID
	mode        RoutingMode
	sameZoneOK  bool
	rrNext      int
	warnedRR    bool
	unavailable map[string]bool
}

// NewRegistry creates an empty registry with primary-only routing.
func NewRegistry() *Registry {
	return &Registry{
		providers:   make(map[string]Provider),
		zones:       make(map[string]string),
		mode:        RoutePrimaryOnly,
		unavailable: make(map[string]bool),
	}
}

// SetMode selects the routing mode. sameZoneOK permits round-robin to
// spread one zone's records across providers; when false, round-robin
// degrades to the default provider so a zone never splits.
func (r *Registry) SetMode(mode RoutingMode, sameZoneOK bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mode = mode
	r.sameZoneOK = sameZoneOK
}

// Register adds a provider instance. Duplicate IDs are an error. The
// first registered provider becomes the default.
func (r *Registry) Register(p Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := p.ID()
	if id == "" {
		return fmt.Errorf("provider has empty ID")
	}
	if _, exists := r.providers[id]; exists {
		return fmt.Errorf("provider %q already registered", id)
	}
	r.providers[id] = p
	r.order = append(r.order, id)
	if r.defaultID == "" {
		r.defaultID = id
	}
	return nil
}

// SetDefault sets the default provider for unmatched hostnames.
func (r *Registry) SetDefault(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[id]; !ok {
		return fmt.Errorf("unknown provider %q", id)
	}
	r.defaultID = id
	return nil
}

// MapZone routes hostnames under the zone suffix to a provider.
func (r *Registry) MapZone(zone, providerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[providerID]; !ok {
		return fmt.Errorf("unknown provider %q", providerID)
	}
	r.zones[strings.ToLower(strings.TrimSuffix(zone, "."))] = providerID
	return nil
}

// Get returns a provider by ID.
func (r *Registry) Get(id string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	return p, ok
}

// All returns providers in registration order.
func (r *Registry) All() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Provider, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.providers[id])
	}
	return out
}

// Route picks the provider for a hostname. explicitID comes from a
// label or override and wins outright; an unknown explicit ID is an
// error rather than a silent fallback.
func (r *Registry) Route(hostname, explicitID string) (Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.providers) == 0 {
		return nil, fmt.Errorf("no providers registered")
	}

	if explicitID != "" {
		p, ok := r.providers[explicitID]
		if !ok {
			return nil, fmt.Errorf("unknown provider %q for %s", explicitID, hostname)
		}
		return p, nil
	}

	zoneID := r.matchZone(hostname)

	switch r.mode {
	case RouteRoundRobin:
		if zoneID != "" {
			return r.providers[zoneID], nil
		}
		if !r.sameZoneOK {
			// Spreading one zone across providers is off, so
			// rotation would only produce surprise splits.
			if !r.warnedRR {
				r.warnedRR = true
				log.Warn().
					Str("default_provider", r.defaultID).
					Msg("Round-robin routing disabled because multi-provider zones are not permitted; using default provider")
			}
			return r.providers[r.defaultID], nil
		}
		id := r.order[r.rrNext%len(r.order)]
		r.rrNext++
		return r.providers[id], nil

	case RouteAutoFallback:
		// Zone owner, then default, then the rest in registration
		// order. The first provider not marked unavailable wins;
		// when everything is down the primary is returned so the
		// reconciler keeps probing it.
		candidates := make([]string, 0, len(r.order)+2)
		if zoneID != "" {
			candidates = append(candidates, zoneID)
		}
		candidates = append(candidates, r.defaultID)
		candidates = append(candidates, r.order...)
		seen := make(map[string]bool, len(candidates))
		primary := ""
		for _, id := range candidates {
			if seen[id] {
				continue
			}
			seen[id] = true
			if primary == "" {
				primary = id
			}
			if !r.unavailable[id] {
				if id != primary {
					log.Warn().
						Str("hostname", hostname).
						Str("primary", primary).
						Str("fallback", id).
						Msg("Routing around unavailable provider")
				}
				return r.providers[id], nil
			}
		}
		return r.providers[primary], nil

	default:
		if zoneID != "" {
			return r.providers[zoneID], nil
		}
		return r.providers[r.defaultID], nil
	}
}

// SetAvailable records whether a provider is currently usable. The
// auto-with-fallback mode routes around unavailable providers; the
// other modes ignore the flag.
func (r *Registry) SetAvailable(id string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ok {
		delete(r.unavailable, id)
	} else {
		r.unavailable[id] = true
	}
}

// matchZone returns the provider mapped to the longest zone suffix of
// hostname, or "".
func (r *Registry) matchZone(hostname string) string {
	hostname = strings.ToLower(hostname)
	best := ""
	bestID := ""
	for zone, id := range r.zones {
		if hostname == zone || strings.HasSuffix(hostname, "."+zone) {
			if len(zone) > len(best) {
				best = zone
				bestID = id
			}
		}
	}
	return bestID
}

// Zones returns the configured zone mappings, sorted by zone.
func (r *Registry) Zones() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.zones))
	for z, id := range r.zones {
		out[z] = id
	}
	return out
}

// IDs returns registered provider IDs in registration order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// SortedIDs returns registered provider IDs sorted alphabetically.
func (r *Registry) SortedIDs() []string {
	ids := r.IDs()
	sort.Strings(ids)
	return ids
}
