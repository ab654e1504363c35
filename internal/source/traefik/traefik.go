// Package traefik observes hostnames through the Traefik routing API,
// cross-referencing routers back to the Docker containers that
// declared them so DNS labels on the container still apply.
package traefik

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/trafegodns/trafegodns/internal/source"
	"github.com/trafegodns/trafegodns/internal/types"
)

var _ source.Source = (*Source)(nil)

// Config is the Traefik source configuration.
type Config struct {
	// APIURL is the base URL of the Traefik API, e.g.
	// "http://traefik:8080". The routers endpoint is resolved
	// relative to it.
	APIURL   string        `mapstructure:"api_url"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// ContainerLister provides the container snapshot used to map routers
// back to the containers that declared them. The Docker source
// satisfies it.
type ContainerLister interface {
	Observe(ctx context.Context) ([]types.Observation, error)
}

// Source polls the Traefik API for HTTP routers.
type Source struct {
	cfg        Config
	client     *http.Client
	containers ContainerLister
}

// apiRouter is the subset of the Traefik router object we consume.
type apiRouter struct {
	Name    string `json:"name"`
	Rule    string `json:"rule"`
	Service string `json:"service"`
	Status  string `json:"status"`
}

// New creates a Traefik source. containers may be nil, in which case
// observations carry hostnames but no container labels.
func New(cfg Config, containers ContainerLister) *Source {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Source{
		cfg:        cfg,
		client:     &http.Client{Timeout: timeout},
		containers: containers,
	}
}

// Name implements source.Source.
func (s *Source) Name() string { return "traefik" }

// Connect implements source.Source by probing the routers endpoint.
func (s *Source) Connect(ctx context.Context) error {
	if s.cfg.APIURL == "" {
		return fmt.Errorf("traefik api_url is required")
	}
	if _, err := s.fetchRouters(ctx); err != nil {
		return fmt.Errorf("failed to connect to Traefik API: %w", err)
	}
	log.Info().Str("api_url", s.cfg.APIURL).Msg("Connected to Traefik")
	return nil
}

// Close implements source.Source.
func (s *Source) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

// Observe implements source.Source. Each enabled router yields one
// observation with the hostnames from its rule and the labels of the
// container that declared the router, when one can be found.
func (s *Source) Observe(ctx context.Context) ([]types.Observation, error) {
	routers, err := s.fetchRouters(ctx)
	if err != nil {
		return nil, err
	}

	index := s.containerIndex(ctx)

	var out []types.Observation
	for _, r := range routers {
		if r.Status != "" && r.Status != "enabled" {
			continue
		}
		hostnames := ParseRule(r.Rule)
		if len(hostnames) == 0 {
			continue
		}

		obs := types.Observation{Hostnames: hostnames}
		if c, ok := s.resolveContainer(index, r); ok {
			obs.ContainerID = c.ContainerID
			obs.ContainerName = c.ContainerName
			obs.Labels = c.Labels
		} else {
			log.Debug().
				Str("router", r.Name).
				Str("service", r.Service).
				Msg("No container found for router, using rule hostnames only")
		}
		out = append(out, obs)
	}
	return out, nil
}

func (s *Source) fetchRouters(ctx context.Context) ([]apiRouter, error) {
	url := strings.TrimSuffix(s.cfg.APIURL, "/") + "/api/http/routers"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if s.cfg.Username != "" {
		req.SetBasicAuth(s.cfg.Username, s.cfg.Password)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("traefik API returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var routers []apiRouter
	if err := json.NewDecoder(resp.Body).Decode(&routers); err != nil {
		return nil, fmt.Errorf("failed to decode routers: %w", err)
	}
	return routers, nil
}

// containerLabels pairs a container observation with the router names
// declared in its labels.
type containerEntry struct {
	obs     types.Observation
	routers map[string]struct{}
}

// containerIndex builds router name -> container from the current
// Docker snapshot. A failed listing degrades to rule-only
// observations rather than failing the poll.
func (s *Source) containerIndex(ctx context.Context) map[string]types.Observation {
	if s.containers == nil {
		return nil
	}

	observations, err := s.containers.Observe(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to list containers for router mapping")
		return nil
	}

	index := make(map[string]types.Observation)
	for _, obs := range observations {
		for _, router := range routersDeclaredBy(obs.Labels) {
			if _, exists := index[router]; !exists {
				index[router] = obs
			}
		}
	}
	return index
}

// resolveContainer maps an API router to its container. Router names
// from the API carry a "@provider" suffix; labels declare the bare
// name. Falls back to matching on the service name, which Traefik
// defaults to the router name for label-configured containers.
func (s *Source) resolveContainer(index map[string]types.Observation, r apiRouter) (types.Observation, bool) {
	if index == nil {
		return types.Observation{}, false
	}
	name := r.Name
	if i := strings.Index(name, "@"); i >= 0 {
		name = name[:i]
	}
	if obs, ok := index[name]; ok {
		return obs, true
	}
	service := r.Service
	if i := strings.Index(service, "@"); i >= 0 {
		service = service[:i]
	}
	if obs, ok := index[service]; ok {
		return obs, true
	}
	return types.Observation{}, false
}

// routersDeclaredBy returns the router names a container's labels
// declare via traefik.http.routers.<name>.rule.
func routersDeclaredBy(labels map[string]string) []string {
	var names []string
	for key := range labels {
		if name := routerNameFromLabel(key); name != "" {
			names = append(names, name)
		}
	}
	return names
}

const (
	routerLabelPrefix = "traefik.http.routers."
	routerRuleSuffix  = ".rule"
)

// routerNameFromLabel extracts the router name from a label key, or
// returns "" when the key is not a router rule label.
func routerNameFromLabel(key string) string {
	if !strings.HasPrefix(key, routerLabelPrefix) || !strings.HasSuffix(key, routerRuleSuffix) {
		return ""
	}
	name := strings.TrimSuffix(strings.TrimPrefix(key, routerLabelPrefix), routerRuleSuffix)
	return name
}
