// Package tunnel reconciles tunnel ingress rules against the provider.
// The manager consumes ingress intents from the intent builder, tracks
// rules in storage, and pushes the full configuration to the tunnel
// provider whenever it changes.
package tunnel

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/trafegodns/trafegodns/internal/bus"
	"github.com/trafegodns/trafegodns/internal/intent"
	"github.com/trafegodns/trafegodns/internal/provider"
	"github.com/trafegodns/trafegodns/internal/storage"
	"github.com/trafegodns/trafegodns/internal/types"
)

// Mode selects which containers get tunnel ingress.
type Mode string

const (
	// ModeOff disables tunnel reconciliation.
	ModeOff Mode = "off"
	// ModeAll exposes every observed hostname through the tunnel.
	ModeAll Mode = "all"
	// ModeLabeled exposes only containers that opt in via label.
	ModeLabeled Mode = "labeled"
)

// Config holds tunnel manager configuration.
type Config struct {
	Mode Mode `mapstructure:"mode"`
	// ProviderID pins the tunnel provider instance. When empty the
	// first registered provider with tunnel support is used.
	ProviderID string `mapstructure:"provider_id"`
	// TunnelID is an existing tunnel to use. When empty a tunnel
	// named TunnelName is ensured at the provider.
	TunnelID string `mapstructure:"tunnel_id"`
	// TunnelName is the tunnel to create or reuse when TunnelID is
	// empty. Default "trafegodns".
	TunnelName string `mapstructure:"tunnel_name"`
	// DefaultService is the origin URL for rules whose container did
	// not set a service label.
	DefaultService string `mapstructure:"default_service"`
}

// Manager keeps one tunnel's ingress configuration in sync with intent.
type Manager struct {
	registry *provider.Registry
	store    storage.Storage
	bus      *bus.Bus
	cfg      Config

	tunnelID string // external tunnel ID once resolved

	lastDeployed []types.IngressRule
}

// New creates a tunnel manager. bus may be nil.
func New(registry *provider.Registry, store storage.Storage, b *bus.Bus, cfg Config) *Manager {
	if cfg.Mode == "" {
		cfg.Mode = ModeOff
	}
	if cfg.TunnelName == "" {
		cfg.TunnelName = "trafegodns"
	}
	return &Manager{registry: registry, store: store, bus: b, cfg: cfg}
}

// Enabled reports whether tunnel reconciliation is active.
func (m *Manager) Enabled() bool { return m.cfg.Mode != ModeOff }

// Sync reconciles ingress intents against the tunnel and returns the
// DNS records that route the deployed hostnames into it. Callers merge
// the returned records into the intent set before reconciling DNS.
func (m *Manager) Sync(ctx context.Context, ingress []intent.IngressIntent) ([]*types.DesiredRecord, error) {
	if !m.Enabled() {
		return nil, nil
	}

	tp, err := m.tunnelProvider()
	if err != nil {
		return nil, err
	}
	tunnelID, err := m.ensureTunnel(ctx, tp)
	if err != nil {
		return nil, err
	}

	desired := m.desiredRules(ingress)
	if err := m.trackRules(ctx, tunnelID, desired); err != nil {
		return nil, err
	}

	tracked, err := m.store.ListTunnelIngress(ctx, tunnelID)
	if err != nil {
		return nil, err
	}
	rules := deployRules(tracked)

	if !rulesEqual(rules, m.lastDeployed) {
		if err := tp.DeployIngress(ctx, tunnelID, rules); err != nil {
			return nil, fmt.Errorf("deploying tunnel configuration: %w", err)
		}
		m.lastDeployed = rules
		log.Info().
			Str("tunnel_id", tunnelID).
			Int("rules", len(rules)).
			Msg("Deployed tunnel configuration")
		if err := m.store.AppendAudit(ctx, &storage.AuditEntry{
			Timestamp:  time.Now(),
			Action:     "tunnel.deploy",
			ProviderID: tp.ID(),
			Detail:     fmt.Sprintf("%d ingress rules", len(rules)),
		}); err != nil {
			log.Error().Err(err).Msg("Failed to append tunnel audit entry")
		}
		m.publish(types.Event{Type: types.EventTunnelDeployed, Payload: map[string]any{
			"tunnel_id": tunnelID,
			"rules":     len(rules),
		}})
	}

	return m.dnsRecords(tp, tunnelID, rules), nil
}

// tunnelProvider resolves the provider that carries the tunnel.
func (m *Manager) tunnelProvider() (provider.TunnelProvider, error) {
	if m.cfg.ProviderID != "" {
		p, ok := m.registry.Get(m.cfg.ProviderID)
		if !ok {
			return nil, fmt.Errorf("tunnel provider %q not registered", m.cfg.ProviderID)
		}
		tp, ok := p.(provider.TunnelProvider)
		if !ok {
			return nil, fmt.Errorf("provider %q does not support tunnels", m.cfg.ProviderID)
		}
		return tp, nil
	}
	for _, p := range m.registry.All() {
		if tp, ok := p.(provider.TunnelProvider); ok {
			return tp, nil
		}
	}
	return nil, fmt.Errorf("no registered provider supports tunnels")
}

func (m *Manager) ensureTunnel(ctx context.Context, tp provider.TunnelProvider) (string, error) {
	if m.tunnelID != "" {
		return m.tunnelID, nil
	}
	if m.cfg.TunnelID != "" {
		m.tunnelID = m.cfg.TunnelID
		return m.tunnelID, nil
	}

	settingKey := "tunnel.id." + m.cfg.TunnelName
	known, err := m.store.GetSetting(ctx, settingKey)
	if err != nil {
		return "", err
	}

	t, err := tp.EnsureTunnel(ctx, m.cfg.TunnelName)
	if err != nil {
		return "", fmt.Errorf("ensuring tunnel %q: %w", m.cfg.TunnelName, err)
	}
	m.tunnelID = t.ExternalTunnelID

	if known != m.tunnelID {
		if err := m.store.SetSetting(ctx, settingKey, m.tunnelID); err != nil {
			log.Error().Err(err).Msg("Failed to persist tunnel ID")
		}
	}
	if known == "" {
		log.Info().
			Str("tunnel", m.cfg.TunnelName).
			Str("tunnel_id", m.tunnelID).
			Msg("Tunnel ensured")
		m.publish(types.Event{Type: types.EventTunnelCreated, Payload: t})
	}
	return m.tunnelID, nil
}

// desiredRules selects and normalizes the auto-managed rule set.
func (m *Manager) desiredRules(ingress []intent.IngressIntent) []types.IngressRule {
	seen := make(map[string]bool)
	var rules []types.IngressRule
	for _, in := range ingress {
		if m.cfg.Mode == ModeLabeled && !in.Labeled {
			continue
		}
		service := in.Service
		if service == "" {
			service = m.cfg.DefaultService
		}
		if service == "" {
			m.publishError(fmt.Errorf("tunnel ingress for %q has no service and no default is configured", in.Hostname))
			continue
		}
		key := in.Hostname + "|" + in.Path
		if seen[key] {
			continue
		}
		seen[key] = true
		rules = append(rules, types.IngressRule{
			Hostname: in.Hostname,
			Service:  service,
			Path:     in.Path,
			Origin:   in.Origin,
			Source:   types.IngressSourceAuto,
		})
	}
	return rules
}

// trackRules converges the tunnel_ingress rows with the desired auto
// rules. Rows sourced from the management surface are left alone, and
// auto rows that disappeared from intent are orphaned rather than
// deleted; the orphan manager removes them after the grace period.
func (m *Manager) trackRules(ctx context.Context, tunnelID string, desired []types.IngressRule) error {
	tracked, err := m.store.ListTunnelIngress(ctx, tunnelID)
	if err != nil {
		return err
	}

	byKey := make(map[string]*storage.TunnelIngress, len(tracked))
	for _, t := range tracked {
		if t.Source != string(types.IngressSourceAuto) {
			continue
		}
		byKey[t.Hostname+"|"+t.Path] = t
	}

	return m.store.WithTx(ctx, func(tx storage.Storage) error {
		now := time.Now()
		for _, rule := range desired {
			key := rule.Hostname + "|" + rule.Path
			existing, ok := byKey[key]
			if !ok {
				err := tx.SaveTunnelIngress(ctx, &storage.TunnelIngress{
					ID:       uuid.New().String(),
					TunnelID: tunnelID,
					Hostname: rule.Hostname,
					Service:  rule.Service,
					Path:     rule.Path,
					Origin:   originString(rule.Origin),
					Source:   string(types.IngressSourceAuto),
				})
				if err != nil {
					return err
				}
				continue
			}
			delete(byKey, key)
			if existing.OrphanedAt != nil {
				if err := tx.RestoreTunnelIngress(ctx, existing.ID); err != nil {
					return err
				}
				log.Info().Str("hostname", rule.Hostname).Msg("Tunnel ingress restored")
			}
			if existing.Service != rule.Service || existing.Origin != originString(rule.Origin) {
				existing.Service = rule.Service
				existing.Origin = originString(rule.Origin)
				if err := tx.SaveTunnelIngress(ctx, existing); err != nil {
					return err
				}
			}
		}
		// Remaining auto rows lost their backing intent.
		for _, stale := range byKey {
			if stale.OrphanedAt != nil {
				continue
			}
			if err := tx.MarkTunnelIngressOrphaned(ctx, stale.ID, now); err != nil {
				return err
			}
			log.Info().Str("hostname", stale.Hostname).Msg("Tunnel ingress orphaned")
		}
		return nil
	})
}

// deployRules converts tracked rows to the rule set pushed at the
// provider. Orphaned rows stay routed until the grace period deletes
// them, mirroring orphaned DNS records.
func deployRules(tracked []*storage.TunnelIngress) []types.IngressRule {
	rules := make([]types.IngressRule, 0, len(tracked))
	for _, t := range tracked {
		rules = append(rules, types.IngressRule{
			Hostname: t.Hostname,
			Service:  t.Service,
			Path:     t.Path,
			Origin:   parseOrigin(t.Origin),
			Source:   types.IngressSource(t.Source),
		})
	}
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].Hostname != rules[j].Hostname {
			return rules[i].Hostname < rules[j].Hostname
		}
		return rules[i].Path < rules[j].Path
	})
	return rules
}

// dnsRecords returns proxied CNAMEs routing each deployed hostname into
// the tunnel.
func (m *Manager) dnsRecords(tp provider.TunnelProvider, tunnelID string, rules []types.IngressRule) []*types.DesiredRecord {
	target := tp.TunnelTarget(tunnelID)
	proxied := true
	seen := make(map[string]bool)
	var out []*types.DesiredRecord
	for _, r := range rules {
		if r.Hostname == "" || seen[r.Hostname] {
			continue
		}
		seen[r.Hostname] = true
		out = append(out, &types.DesiredRecord{
			Hostname:   r.Hostname,
			Type:       types.RecordTypeCNAME,
			Content:    target,
			TTL:        1,
			Proxied:    &proxied,
			ProviderID: tp.ID(),
			Source:     types.SourceTunnel,
		})
	}
	return out
}

func rulesEqual(a, b []types.IngressRule) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !types.IngressEqual(a[i], b[i]) {
			return false
		}
	}
	return true
}

func (m *Manager) publish(evt types.Event) {
	if m.bus != nil {
		m.bus.Publish(evt)
	}
}

func (m *Manager) publishError(err error) {
	log.Warn().Err(err).Msg("Tunnel intent rejected")
	m.publish(types.Event{
		Type:    types.EventSystemError,
		Payload: map[string]string{"error": err.Error()},
	})
}

// originString serializes origin options for the tracking row. Empty
// options collapse to the empty string so diffs stay cheap.
func originString(o *types.OriginOptions) string {
	if o == nil || *o == (types.OriginOptions{}) {
		return ""
	}
	b, err := json.Marshal(o)
	if err != nil {
		return ""
	}
	return string(b)
}

func parseOrigin(s string) *types.OriginOptions {
	if s == "" {
		return nil
	}
	var o types.OriginOptions
	if err := json.Unmarshal([]byte(s), &o); err != nil {
		log.Warn().Err(err).Msg("Dropping unreadable origin options")
		return nil
	}
	return &o
}
