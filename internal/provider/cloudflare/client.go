// Package cloudflare implements the DNS provider contract on top of
// the Cloudflare API, including tunnel-based exposure.
package cloudflare

import (
	"context"
	"fmt"
	"strings"
	"sync"

	cf "github.com/cloudflare/cloudflare-go/v6"
	"github.com/cloudflare/cloudflare-go/v6/option"
	"github.com/cloudflare/cloudflare-go/v6/zones"
	"github.com/rs/zerolog/log"
)

// Config is the provider instance configuration.
type Config struct {
	// ID is the instance identifier records route by.
	ID string `json:"id"`
	// APIToken authenticates against the Cloudflare API.
	APIToken string `json:"api_token"`
	// AccountID is required only for tunnel operations.
	AccountID string `json:"account_id,omitempty"`
	// Zones restricts the provider to the listed zone names. Empty
	// means every zone the token can see.
	Zones []string `json:"zones,omitempty"`
}

// client wraps the Cloudflare API client with a zone cache.
type client struct {
	api       *cf.Client
	accountID string
	zoneNames []string

	zoneCache   map[string]string // zone name -> zone ID
	zonesLoaded bool
	zoneCacheMu sync.RWMutex
}

func newClient(cfg Config) *client {
	return &client{
		api:       cf.NewClient(option.WithAPIToken(cfg.APIToken)),
		accountID: cfg.AccountID,
		zoneNames: cfg.Zones,
		zoneCache: make(map[string]string),
	}
}

// zoneID resolves the zone for a hostname by longest-suffix matching
// against the cached zone list.
func (c *client) zoneID(ctx context.Context, hostname string) (string, error) {
	if err := c.loadZones(ctx); err != nil {
		return "", err
	}

	c.zoneCacheMu.RLock()
	defer c.zoneCacheMu.RUnlock()

	zoneName, zoneID := c.matchZoneForHostname(hostname)
	if zoneID == "" {
		return "", fmt.Errorf("no matching zone found for hostname: %s", hostname)
	}

	log.Debug().
		Str("hostname", hostname).
		Str("zone", zoneName).
		Str("zone_id", zoneID).
		Msg("Resolved zone ID")

	return zoneID, nil
}

// zoneIDs returns every managed zone ID.
func (c *client) zoneIDs(ctx context.Context) (map[string]string, error) {
	if err := c.loadZones(ctx); err != nil {
		return nil, err
	}
	c.zoneCacheMu.RLock()
	defer c.zoneCacheMu.RUnlock()
	out := make(map[string]string, len(c.zoneCache))
	for name, id := range c.zoneCache {
		out[name] = id
	}
	return out, nil
}

// loadZones fetches all zones visible to the token and caches them.
// Only the first caller triggers the API call.
func (c *client) loadZones(ctx context.Context) error {
	c.zoneCacheMu.RLock()
	if c.zonesLoaded {
		c.zoneCacheMu.RUnlock()
		return nil
	}
	c.zoneCacheMu.RUnlock()

	c.zoneCacheMu.Lock()
	defer c.zoneCacheMu.Unlock()

	if c.zonesLoaded {
		return nil
	}

	zoneList, err := c.api.Zones.List(ctx, zones.ZoneListParams{})
	if err != nil {
		return fmt.Errorf("failed to list zones: %w", err)
	}

	allowed := map[string]bool{}
	for _, z := range c.zoneNames {
		allowed[strings.ToLower(strings.TrimSuffix(z, "."))] = true
	}

	for _, z := range zoneList.Result {
		if len(allowed) > 0 && !allowed[strings.ToLower(z.Name)] {
			continue
		}
		c.zoneCache[z.Name] = z.ID
	}
	c.zonesLoaded = true

	log.Debug().
		Int("count", len(c.zoneCache)).
		Msg("Loaded zones into cache")

	return nil
}

// matchZoneForHostname finds the longest matching zone name for a
// hostname by walking up its labels. Call with zoneCacheMu held.
func (c *client) matchZoneForHostname(hostname string) (string, string) {
	hostname = strings.TrimSuffix(hostname, ".")
	candidate := hostname
	for candidate != "" {
		if zoneID, ok := c.zoneCache[candidate]; ok {
			return candidate, zoneID
		}
		idx := strings.Index(candidate, ".")
		if idx < 0 {
			break
		}
		candidate = candidate[idx+1:]
	}
	return "", ""
}

// validate verifies the API token.
func (c *client) validate(ctx context.Context) error {
	result, err := c.api.User.Tokens.Verify(ctx)
	if err != nil {
		// Zone-scoped tokens may lack permission for the verify
		// endpoint; listing zones proves the token works.
		_, zoneErr := c.api.Zones.List(ctx, zones.ZoneListParams{})
		if zoneErr != nil {
			return fmt.Errorf("credential validation failed: %w", err)
		}
		return nil
	}
	if result.Status != "active" {
		return fmt.Errorf("token is not active: status=%s", result.Status)
	}
	return nil
}

// invalidateZoneCache forces a reload on the next zone lookup.
func (c *client) invalidateZoneCache() {
	c.zoneCacheMu.Lock()
	defer c.zoneCacheMu.Unlock()
	c.zoneCache = make(map[string]string)
	c.zonesLoaded = false
}
