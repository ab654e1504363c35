// Package intent turns raw container observations into the desired
// record set. It applies the label grammar, provider routing,
// overrides and per-type validation; the output is rebuilt from
// scratch on every refresh and never persisted.
package intent

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/trafegodns/trafegodns/internal/bus"
	"github.com/trafegodns/trafegodns/internal/provider"
	"github.com/trafegodns/trafegodns/internal/storage"
	"github.com/trafegodns/trafegodns/internal/types"
	"github.com/trafegodns/trafegodns/pkg/labels"
)

// IPSource supplies the discovered public addresses used for apex
// records. The ipdetect detector satisfies it.
type IPSource interface {
	IPv4(ctx context.Context) (string, error)
	IPv6(ctx context.Context) (string, error)
}

// Defaults are the fallback values applied when no label or override
// specifies an attribute.
type Defaults struct {
	// RecordType is the type assumed for non-apex hostnames.
	RecordType types.RecordType
	// TTL is the fallback TTL before provider clamping. 1 means
	// provider-automatic on Cloudflare.
	TTL int
	// Proxied is the fallback proxied flag for providers that
	// support proxying. Nil leaves the flag unset.
	Proxied *bool
	// Manage is the global policy: true manages every container
	// unless it opts out, false requires an explicit manage label.
	Manage bool
	// Domain backs subdomain and use_apex labels that name no
	// domain of their own.
	Domain string
}

// IngressIntent is a desired tunnel ingress rule derived from labels.
// The tunnel manager decides, per tunnel mode, which of these to
// deploy.
type IngressIntent struct {
	Hostname      string
	Service       string
	Path          string
	Origin        *types.OriginOptions
	ContainerID   string
	ContainerName string
	// Labeled is true when the container asked for the tunnel
	// explicitly rather than being swept in by "all" mode.
	Labeled bool
}

// Result is the output of one intent rebuild.
type Result struct {
	Records *types.IntentSet
	Ingress []IngressIntent
}

// Builder derives desired records from observations.
type Builder struct {
	parser   *labels.Parser
	registry *provider.Registry
	store    storage.Storage
	ip       IPSource
	bus      *bus.Bus
	defaults Defaults

	mu     sync.RWMutex
	manual []types.ManagedHostname
}

// NewBuilder creates a builder. store and bus may be nil, in which
// case overrides are not applied and events are not published.
func NewBuilder(parser *labels.Parser, registry *provider.Registry, store storage.Storage, ip IPSource, b *bus.Bus, defaults Defaults) *Builder {
	if defaults.RecordType == "" {
		defaults.RecordType = types.RecordTypeCNAME
	}
	if defaults.TTL <= 0 {
		defaults.TTL = 1
	}
	return &Builder{
		parser:   parser,
		registry: registry,
		store:    store,
		ip:       ip,
		bus:      b,
		defaults: defaults,
	}
}

// SetManual replaces the manually managed hostnames emitted on every
// rebuild with Source=manual.
func (b *Builder) SetManual(manual []types.ManagedHostname) {
	b.mu.Lock()
	b.manual = manual
	b.mu.Unlock()
}

// Build derives the full intent set from the given observations.
func (b *Builder) Build(ctx context.Context, observations []types.Observation) (*Result, error) {
	overrides, err := b.loadOverrides(ctx)
	if err != nil {
		return nil, err
	}

	result := &Result{Records: types.NewIntentSet()}

	for _, obs := range observations {
		b.buildObservation(ctx, obs, overrides, result)
	}

	b.mu.RLock()
	manual := b.manual
	b.mu.RUnlock()
	for _, m := range manual {
		b.buildManual(ctx, m, overrides, result)
	}

	log.Debug().
		Int("records", result.Records.Len()).
		Int("ingress", len(result.Ingress)).
		Int("observations", len(observations)).
		Msg("Intent rebuilt")
	return result, nil
}

func (b *Builder) loadOverrides(ctx context.Context) ([]*storage.Override, error) {
	if b.store == nil {
		return nil, nil
	}
	overrides, err := b.store.ListOverrides(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("failed to load overrides: %w", err)
	}
	return overrides, nil
}

func (b *Builder) buildObservation(ctx context.Context, obs types.Observation, overrides []*storage.Override, result *Result) {
	ls := b.parser.Extract(obs.Labels)

	if ls.Skip() {
		log.Debug().Str("container", obs.ContainerName).Msg("Container opted out via skip label")
		return
	}
	manage, present, err := ls.Manage()
	if err != nil {
		b.publishError(obs.ContainerName, err)
		return
	}
	if present && !manage {
		return
	}
	if !present && !b.defaults.Manage {
		return
	}

	// Router-derived hostnames come first, then label-derived ones.
	hostnames := make([]string, 0, len(obs.Hostnames))
	fromSource := make(map[string]bool)
	seen := make(map[string]bool)
	for _, h := range obs.Hostnames {
		h = types.NormalizeHostname(h)
		if h == "" || seen[h] {
			continue
		}
		seen[h] = true
		fromSource[h] = true
		hostnames = append(hostnames, h)
	}
	labelHosts, err := ls.Hostnames(b.defaults.Domain)
	if err != nil {
		b.publishError(obs.ContainerName, err)
	}
	for _, h := range labelHosts {
		if !seen[h] {
			seen[h] = true
			hostnames = append(hostnames, h)
		}
	}

	for _, hostname := range hostnames {
		source := types.SourceContainerLabel
		if fromSource[hostname] {
			source = types.SourceTraefik
		}

		providers, err := b.resolveProviders(ls, hostname)
		if err != nil {
			b.publishError(hostname, err)
			continue
		}
		for _, p := range providers {
			rec := b.buildRecord(ctx, ls, hostname, p, source, overrides)
			if rec == nil {
				continue
			}
			b.addRecord(result.Records, rec, obs.ContainerName)
		}

		if ing := b.buildIngress(ls, hostname, obs); ing != nil {
			result.Ingress = append(result.Ingress, *ing)
		}
	}
}

// resolveProviders determines the owning providers for a hostname.
// Provider-scoped labels are explicit routing requests and may fan a
// hostname out to several providers; otherwise the explicit provider
// label and the registry's routing rules apply.
func (b *Builder) resolveProviders(ls *labels.Set, hostname string) ([]provider.Provider, error) {
	var out []provider.Provider
	for _, name := range ls.ScopedProviders() {
		if p, ok := b.lookupProvider(name); ok {
			out = append(out, p)
		}
	}
	if len(out) > 0 {
		return out, nil
	}

	explicit, _ := ls.Provider()
	p, err := b.registry.Route(hostname, explicit)
	if err != nil {
		return nil, err
	}
	return []provider.Provider{p}, nil
}

// lookupProvider resolves a scoped label name against the registry,
// by instance ID first and provider type second.
func (b *Builder) lookupProvider(name string) (provider.Provider, bool) {
	if p, ok := b.registry.Get(name); ok {
		return p, true
	}
	for _, p := range b.registry.All() {
		if p.Type() == name {
			return p, true
		}
	}
	return nil, false
}

// labelValue resolves attr with instance-scoped over type-scoped over
// generic precedence.
func (b *Builder) labelValue(ls *labels.Set, p provider.Provider, attr string) (string, bool) {
	if v, ok := ls.GetScoped(p.ID(), attr); ok {
		return v, true
	}
	if v, ok := ls.GetScoped(p.Type(), attr); ok {
		return v, true
	}
	return ls.Get("", attr)
}

func (b *Builder) labelInt(ls *labels.Set, p provider.Provider, attr string) (int, bool, error) {
	raw, ok := b.labelValue(ls, p, attr)
	if !ok {
		return 0, false, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, true, fmt.Errorf("label %s: not an integer: %q", attr, raw)
	}
	return n, true, nil
}

func (b *Builder) buildRecord(ctx context.Context, ls *labels.Set, hostname string, p provider.Provider, source types.RecordSource, overrides []*storage.Override) *types.DesiredRecord {
	features := p.Features()
	zone := b.zoneFor(p.ID(), hostname)
	apex := zone != "" && hostname == zone

	rec := &types.DesiredRecord{
		Hostname:   hostname,
		ProviderID: p.ID(),
		Source:     source,
	}

	// Type: label > apex A > configured default.
	if raw, ok := b.labelValue(ls, p, "type"); ok {
		rec.Type = types.RecordType(strings.ToUpper(strings.TrimSpace(raw)))
		if !types.ValidRecordType(rec.Type) {
			b.publishError(hostname, fmt.Errorf("unknown record type %q", raw))
			return nil
		}
	} else if apex {
		rec.Type = types.RecordTypeA
	} else {
		rec.Type = b.defaults.RecordType
	}

	// Content: label > apex public IP > zone apex for CNAME.
	if raw, ok := b.labelValue(ls, p, "content"); ok {
		rec.Content = strings.TrimSpace(raw)
	}
	if rec.Content == "" {
		content, err := b.defaultContent(ctx, rec, zone, apex)
		if err != nil {
			b.publishError(hostname, err)
			return nil
		}
		rec.Content = content
	}

	// An IP literal under CNAME becomes an address record; an apex
	// CNAME is rewritten via the public IP.
	if rec.Type == types.RecordTypeCNAME {
		if ip := net.ParseIP(rec.Content); ip != nil {
			if ip.To4() != nil {
				rec.Type = types.RecordTypeA
			} else {
				rec.Type = types.RecordTypeAAAA
			}
		} else if apex {
			if err := b.rewriteApex(ctx, rec); err != nil {
				b.publishError(hostname, err)
				return nil
			}
		}
	}

	if ttl, present, err := b.labelInt(ls, p, "ttl"); err != nil {
		b.publishError(hostname, err)
		return nil
	} else if present {
		rec.TTL = ttl
	} else {
		rec.TTL = b.defaults.TTL
	}

	for attr, dst := range map[string]*int{
		"priority": &rec.Priority,
		"weight":   &rec.Weight,
		"port":     &rec.Port,
		"flags":    &rec.Flags,
	} {
		if n, present, err := b.labelInt(ls, p, attr); err != nil {
			b.publishError(hostname, err)
			return nil
		} else if present {
			*dst = n
		}
	}
	if tag, ok := b.labelValue(ls, p, "tag"); ok {
		rec.Tag = strings.TrimSpace(tag)
	}

	// SRV and CAA content may be assembled from the individual
	// attribute labels when the content label holds only the target.
	if rec.Type == types.RecordTypeSRV && len(strings.Fields(rec.Content)) == 1 && rec.Port > 0 {
		rec.Content = types.FormatSRVContent(rec.Priority, rec.Weight, rec.Port, rec.Content)
	}
	if rec.Type == types.RecordTypeCAA && len(strings.Fields(rec.Content)) == 1 {
		tag := rec.Tag
		if tag == "" {
			tag = "issue"
		}
		rec.Content = types.FormatCAAContent(rec.Flags, tag, rec.Content)
	}

	if features.Proxied {
		if v, present, err := b.boolLabel(ls, p, "proxied"); err != nil {
			b.publishError(hostname, err)
			return nil
		} else if present {
			rec.Proxied = &v
		} else if b.defaults.Proxied != nil {
			switch rec.Type {
			case types.RecordTypeA, types.RecordTypeAAAA, types.RecordTypeCNAME:
				v := *b.defaults.Proxied
				rec.Proxied = &v
			}
		}
	}

	rec = b.applyOverrides(rec, overrides)

	features, ok := b.featuresFor(rec.ProviderID)
	if !ok {
		b.publishError(hostname, fmt.Errorf("override routes to unknown provider %q", rec.ProviderID))
		return nil
	}
	rec.TTL = features.ClampTTL(rec.TTL)
	rec.Content = types.CanonicalContent(rec.Type, rec.Content)

	if err := Validate(rec, features); err != nil {
		b.publishError(hostname, err)
		return nil
	}
	return rec
}

func (b *Builder) boolLabel(ls *labels.Set, p provider.Provider, attr string) (val, present bool, err error) {
	raw, ok := b.labelValue(ls, p, attr)
	if !ok {
		return false, false, nil
	}
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "true", "1", "yes", "on":
		return true, true, nil
	case "false", "0", "no", "off":
		return false, true, nil
	}
	return false, true, fmt.Errorf("label %s: not a boolean: %q", attr, raw)
}

// defaultContent fills missing content: apex hostnames get the public
// address, other CNAMEs point at the zone apex.
func (b *Builder) defaultContent(ctx context.Context, rec *types.DesiredRecord, zone string, apex bool) (string, error) {
	switch rec.Type {
	case types.RecordTypeA:
		return b.publicIPv4(ctx, rec.Hostname)
	case types.RecordTypeAAAA:
		return b.publicIPv6(ctx, rec.Hostname)
	case types.RecordTypeCNAME:
		if apex {
			// Resolved by the apex rewrite below.
			return rec.Hostname, nil
		}
		if zone == "" {
			return "", fmt.Errorf("no content and no zone known for %s", rec.Hostname)
		}
		return zone, nil
	}
	return "", fmt.Errorf("no content for %s record %s", rec.Type, rec.Hostname)
}

// rewriteApex turns an apex CNAME into an address record using the
// discovered public IP, preferring IPv4.
func (b *Builder) rewriteApex(ctx context.Context, rec *types.DesiredRecord) error {
	if ipv4, err := b.publicIPv4(ctx, rec.Hostname); err == nil {
		rec.Type = types.RecordTypeA
		rec.Content = ipv4
		return nil
	}
	if b.ip != nil {
		if ipv6, err := b.ip.IPv6(ctx); err == nil && ipv6 != "" {
			rec.Type = types.RecordTypeAAAA
			rec.Content = ipv6
			return nil
		}
	}
	return fmt.Errorf("apex %s needs an address record but no public IP is known", rec.Hostname)
}

func (b *Builder) publicIPv4(ctx context.Context, hostname string) (string, error) {
	if b.ip == nil {
		return "", fmt.Errorf("no public IPv4 known for %s", hostname)
	}
	ip, err := b.ip.IPv4(ctx)
	if err != nil || ip == "" {
		return "", fmt.Errorf("no public IPv4 known for %s", hostname)
	}
	return ip, nil
}

func (b *Builder) publicIPv6(ctx context.Context, hostname string) (string, error) {
	if b.ip == nil {
		return "", fmt.Errorf("no public IPv6 known for %s", hostname)
	}
	ip, err := b.ip.IPv6(ctx)
	if err != nil || ip == "" {
		return "", fmt.Errorf("no public IPv6 known for %s", hostname)
	}
	return ip, nil
}

// applyOverrides patches the record with every matching enabled
// override. Overrides are sparse: empty fields inherit.
func (b *Builder) applyOverrides(rec *types.DesiredRecord, overrides []*storage.Override) *types.DesiredRecord {
	for _, o := range overrides {
		if !o.Enabled || types.NormalizeHostname(o.Hostname) != rec.Hostname {
			continue
		}
		if o.RecordType != "" && types.RecordType(o.RecordType) != rec.Type {
			continue
		}
		applied := false
		if o.Content != "" {
			rec.Content = o.Content
			applied = true
		}
		if o.TTL != nil {
			rec.TTL = *o.TTL
			applied = true
		}
		if o.Proxied != nil {
			v := *o.Proxied
			rec.Proxied = &v
			applied = true
		}
		if o.ProviderID != "" && o.ProviderID != rec.ProviderID {
			rec.ProviderID = o.ProviderID
			applied = true
		}
		if applied {
			rec.Source = types.SourceOverride
		}
	}
	return rec
}

func (b *Builder) featuresFor(providerID string) (types.ProviderFeatures, bool) {
	p, ok := b.registry.Get(providerID)
	if !ok {
		return types.ProviderFeatures{}, false
	}
	return p.Features(), true
}

// zoneFor returns the longest registry zone mapped to providerID that
// covers hostname, or "".
func (b *Builder) zoneFor(providerID, hostname string) string {
	best := ""
	for zone, id := range b.registry.Zones() {
		if id != providerID {
			continue
		}
		if hostname != zone && !strings.HasSuffix(hostname, "."+zone) {
			continue
		}
		if len(zone) > len(best) {
			best = zone
		}
	}
	return best
}

func (b *Builder) addRecord(set *types.IntentSet, rec *types.DesiredRecord, container string) {
	if set.Add(rec) {
		return
	}
	// First claim wins; later containers lose the slot.
	b.publishError(rec.Hostname, fmt.Errorf(
		"duplicate record %s claimed by container %q, keeping the first claim", rec.Key(), container))
}

func (b *Builder) buildIngress(ls *labels.Set, hostname string, obs types.Observation) *IngressIntent {
	labeled := ls.TunnelEnabled()
	service, _ := ls.TunnelService()

	// Every hostname is offered; the tunnel manager decides per mode
	// whether unlabeled ones are routed ("all") or dropped ("labeled").
	ing := &IngressIntent{
		Hostname:      hostname,
		Service:       service,
		ContainerID:   obs.ContainerID,
		ContainerName: obs.ContainerName,
		Labeled:       labeled,
	}
	if path, ok := ls.TunnelPath(); ok {
		ing.Path = path
	}

	var origin types.OriginOptions
	hasOrigin := false
	if v, present, err := ls.TunnelNoTLSVerify(); err != nil {
		b.publishError(hostname, err)
	} else if present {
		origin.NoTLSVerify = v
		hasOrigin = true
	}
	if v, ok := ls.TunnelHTTPHostHeader(); ok {
		origin.HTTPHostHeader = v
		hasOrigin = true
	}
	if hasOrigin {
		ing.Origin = &origin
	}
	return ing
}

func (b *Builder) buildManual(ctx context.Context, m types.ManagedHostname, overrides []*storage.Override, result *Result) {
	hostname := types.NormalizeHostname(m.Hostname)
	p, err := b.registry.Route(hostname, m.ProviderID)
	if err != nil {
		b.publishError(hostname, err)
		return
	}
	features := p.Features()

	rec := &types.DesiredRecord{
		Hostname:   hostname,
		Type:       m.Type,
		Content:    m.Content,
		TTL:        m.TTL,
		ProviderID: p.ID(),
		Source:     types.SourceManual,
	}
	if rec.Type == "" {
		rec.Type = b.defaults.RecordType
	}
	if rec.TTL <= 0 {
		rec.TTL = b.defaults.TTL
	}
	if m.Proxied != nil && features.Proxied {
		v := *m.Proxied
		rec.Proxied = &v
	}

	rec = b.applyOverrides(rec, overrides)

	features, ok := b.featuresFor(rec.ProviderID)
	if !ok {
		b.publishError(hostname, fmt.Errorf("override routes to unknown provider %q", rec.ProviderID))
		return
	}
	rec.TTL = features.ClampTTL(rec.TTL)
	rec.Content = types.CanonicalContent(rec.Type, rec.Content)

	if err := Validate(rec, features); err != nil {
		b.publishError(hostname, err)
		return
	}
	b.addRecord(result.Records, rec, "")
}

func (b *Builder) publishError(hostname string, err error) {
	log.Warn().Err(err).Str("hostname", hostname).Msg("Intent item rejected")
	if b.bus == nil {
		return
	}
	b.bus.Publish(types.Event{
		Type:     types.EventSystemError,
		Hostname: hostname,
		Payload:  map[string]string{"error": err.Error()},
	})
}
