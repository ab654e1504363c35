// Package types provides common type definitions for trafegodns.
package types

import (
	"fmt"
	"net"
	"sort"
	"strings"
)

// RecordType represents a DNS record type.
type RecordType string

const (
	RecordTypeA     RecordType = "A"
	RecordTypeAAAA  RecordType = "AAAA"
	RecordTypeCNAME RecordType = "CNAME"
	RecordTypeMX    RecordType = "MX"
	RecordTypeTXT   RecordType = "TXT"
	RecordTypeSRV   RecordType = "SRV"
	RecordTypeCAA   RecordType = "CAA"
	RecordTypeNS    RecordType = "NS"
)

// AllRecordTypes lists every record type the engine understands, in a
// stable order.
var AllRecordTypes = []RecordType{
	RecordTypeA, RecordTypeAAAA, RecordTypeCNAME, RecordTypeMX,
	RecordTypeTXT, RecordTypeSRV, RecordTypeCAA, RecordTypeNS,
}

// ValidRecordType reports whether t is a known record type.
func ValidRecordType(t RecordType) bool {
	for _, rt := range AllRecordTypes {
		if rt == t {
			return true
		}
	}
	return false
}

// RecordSource identifies where a desired record originated.
type RecordSource string

const (
	// SourceTraefik means the hostname came from a reverse-proxy router rule.
	SourceTraefik RecordSource = "traefik"
	// SourceContainerLabel means the hostname came from dns.* container labels.
	SourceContainerLabel RecordSource = "container-label"
	// SourceManual means the record was configured as a managed hostname.
	SourceManual RecordSource = "manual"
	// SourceOverride means an override materially changed the record.
	SourceOverride RecordSource = "override"
	// SourceTunnel means the record routes a hostname into a tunnel.
	SourceTunnel RecordSource = "tunnel"
)

// DesiredRecord is a single intended DNS record derived from sources,
// overrides, and manual configuration. It is rebuilt on every intent
// refresh and never persisted.
type DesiredRecord struct {
	Hostname   string       `json:"hostname"`
	Type       RecordType   `json:"type"`
	Content    string       `json:"content"`
	TTL        int          `json:"ttl"`
	Priority   int          `json:"priority,omitempty"`
	Weight     int          `json:"weight,omitempty"`
	Port       int          `json:"port,omitempty"`
	Flags      int          `json:"flags,omitempty"`
	Tag        string       `json:"tag,omitempty"`
	Proxied    *bool        `json:"proxied,omitempty"`
	ProviderID string       `json:"provider_id"`
	Source     RecordSource `json:"source"`
}

// Key returns the identity of the record within the intent set.
func (d *DesiredRecord) Key() RecordKey {
	return RecordKey{ProviderID: d.ProviderID, Hostname: d.Hostname, Type: d.Type}
}

// IsProxied returns the proxied flag, defaulting to false when unset.
func (d *DesiredRecord) IsProxied() bool {
	return d.Proxied != nil && *d.Proxied
}

// RecordKey identifies at most one active tracked record.
type RecordKey struct {
	ProviderID string
	Hostname   string
	Type       RecordType
}

func (k RecordKey) String() string {
	return k.ProviderID + "/" + k.Hostname + "/" + string(k.Type)
}

// IntentSet is the complete set of desired records keyed by record identity.
type IntentSet struct {
	Records map[RecordKey]*DesiredRecord
}

// NewIntentSet returns an empty intent set.
func NewIntentSet() *IntentSet {
	return &IntentSet{Records: make(map[RecordKey]*DesiredRecord)}
}

// Add inserts a record; it returns false if the key is already claimed.
func (s *IntentSet) Add(r *DesiredRecord) bool {
	key := r.Key()
	if _, exists := s.Records[key]; exists {
		return false
	}
	s.Records[key] = r
	return true
}

// ForProvider returns the records targeting the given provider, ordered by
// hostname then type so downstream processing is deterministic.
func (s *IntentSet) ForProvider(providerID string) []*DesiredRecord {
	var out []*DesiredRecord
	for _, r := range s.Records {
		if r.ProviderID == providerID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Hostname != out[j].Hostname {
			return out[i].Hostname < out[j].Hostname
		}
		return out[i].Type < out[j].Type
	})
	return out
}

// Hostnames returns the distinct hostnames present in the set.
func (s *IntentSet) Hostnames() map[string]struct{} {
	out := make(map[string]struct{}, len(s.Records))
	for key := range s.Records {
		out[key.Hostname] = struct{}{}
	}
	return out
}

// Len returns the number of desired records.
func (s *IntentSet) Len() int {
	return len(s.Records)
}

// NormalizeHostname lowercases a hostname and strips the trailing dot.
// The operation is idempotent.
func NormalizeHostname(hostname string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(hostname)), ".")
}

// CanonicalContent canonicalizes record content per type: IPv4 stays
// dotted-quad, IPv6 is compressed and lowercased, hostname targets are
// normalized like hostnames. Other types pass through unchanged.
func CanonicalContent(t RecordType, content string) string {
	content = strings.TrimSpace(content)
	switch t {
	case RecordTypeA:
		if ip := net.ParseIP(content); ip != nil {
			if v4 := ip.To4(); v4 != nil {
				return v4.String()
			}
		}
		return content
	case RecordTypeAAAA:
		if ip := net.ParseIP(content); ip != nil && ip.To4() == nil {
			return ip.String()
		}
		return strings.ToLower(content)
	case RecordTypeCNAME, RecordTypeNS, RecordTypeMX:
		return NormalizeHostname(content)
	default:
		return content
	}
}

// ProviderFeatures declares the capabilities of a DNS provider adapter.
// The reconciler uses it to validate and clamp intent before writing.
type ProviderFeatures struct {
	// Proxied is true when the provider supports proxied records (Cloudflare).
	Proxied bool `json:"proxied"`

	// TTLMin and TTLMax bound the TTL values the provider accepts.
	TTLMin int `json:"ttl_min"`
	TTLMax int `json:"ttl_max"`

	// AutoTTL is true when the provider treats TTL 1 as "automatic"
	// (Cloudflare). TTL 1 then bypasses the TTL bounds.
	AutoTTL bool `json:"auto_ttl,omitempty"`

	// SupportedTypes lists the record types the provider can store.
	SupportedTypes []RecordType `json:"supported_types"`

	// Batch is true when the provider supports batched writes.
	Batch bool `json:"batch"`
}

// Supports reports whether the provider can store the given record type.
func (f ProviderFeatures) Supports(t RecordType) bool {
	for _, rt := range f.SupportedTypes {
		if rt == t {
			return true
		}
	}
	return false
}

// ClampTTL forces ttl into the provider's supported range. TTL 1 is
// passed through untouched on AutoTTL providers.
func (f ProviderFeatures) ClampTTL(ttl int) int {
	if f.AutoTTL && ttl == 1 {
		return ttl
	}
	if f.TTLMin > 0 && ttl < f.TTLMin {
		return f.TTLMin
	}
	if f.TTLMax > 0 && ttl > f.TTLMax {
		return f.TTLMax
	}
	return ttl
}

// Override is a sparse patch applied to desired records matching Hostname.
// Nil fields mean "inherit from the derived record".
type Override struct {
	ID         string     `json:"id"`
	Hostname   string     `json:"hostname"`
	RecordType RecordType `json:"record_type,omitempty"`
	Content    string     `json:"content,omitempty"`
	TTL        *int       `json:"ttl,omitempty"`
	Proxied    *bool      `json:"proxied,omitempty"`
	ProviderID string     `json:"provider_id,omitempty"`
	Enabled    bool       `json:"enabled"`
}

// Matches reports whether the override applies to the given record.
func (o *Override) Matches(r *DesiredRecord) bool {
	if !o.Enabled {
		return false
	}
	return NormalizeHostname(o.Hostname) == r.Hostname
}

// PreservedHostname is a hostname or left-wildcard pattern exempt from
// orphan cleanup.
type PreservedHostname struct {
	ID      string `json:"id"`
	Pattern string `json:"pattern"`
	Reason  string `json:"reason,omitempty"`
}

// MatchesHostname reports whether the pattern covers hostname. Patterns are
// exact matches or left wildcards of the form "*.suffix".
func (p *PreservedHostname) MatchesHostname(hostname string) bool {
	pattern := NormalizeHostname(p.Pattern)
	hostname = NormalizeHostname(hostname)
	if pattern == hostname {
		return true
	}
	if suffix, ok := strings.CutPrefix(pattern, "*."); ok {
		return strings.HasSuffix(hostname, "."+suffix)
	}
	return false
}

// ManagedHostname is a manually configured desired record, persisted in
// settings and emitted by the intent builder with Source=manual.
type ManagedHostname struct {
	Hostname   string     `json:"hostname"`
	Type       RecordType `json:"type"`
	Content    string     `json:"content"`
	TTL        int        `json:"ttl"`
	Proxied    *bool      `json:"proxied,omitempty"`
	ProviderID string     `json:"provider_id,omitempty"`
}

// IsApex reports whether hostname sits at the zone apex.
func IsApex(hostname, zone string) bool {
	return NormalizeHostname(hostname) == NormalizeHostname(zone)
}

// FormatSRVContent renders SRV rdata as "prio weight port target".
func FormatSRVContent(priority, weight, port int, target string) string {
	return fmt.Sprintf("%d %d %d %s", priority, weight, port, NormalizeHostname(target))
}

// FormatCAAContent renders CAA rdata as "flags tag value".
func FormatCAAContent(flags int, tag, value string) string {
	return fmt.Sprintf("%d %s %s", flags, tag, value)
}
