// Package labels extracts DNS intent from container label maps.
//
// Labels live under a configurable prefix (default "dns"). A key is
// either generic ("dns.ttl") or scoped to one provider
// ("dns.cloudflare.ttl"); scoped values win over generic ones when a
// record routes to that provider.
package labels

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// DefaultPrefix is the label namespace used when none is configured.
const DefaultPrefix = "dns"

// Attribute names recognized directly under the prefix. Any first
// segment outside this set is treated as a provider name.
var genericAttrs = map[string]bool{
	"skip":      true,
	"manage":    true,
	"type":      true,
	"content":   true,
	"ttl":       true,
	"proxied":   true,
	"priority":  true,
	"weight":    true,
	"port":      true,
	"flags":     true,
	"tag":       true,
	"hostname":  true,
	"domain":    true,
	"subdomain": true,
	"use_apex":  true,
	"host":      true,
	"provider":  true,
	"tunnel":    true,
}

// Set is the parsed view of one container's labels under the prefix.
// Keys are stored without the prefix, lowercased.
type Set struct {
	generic map[string]string
	scoped  map[string]map[string]string // provider -> attr -> value
}

// Parser splits raw label maps into Sets.
type Parser struct {
	prefix string
}

func NewParser(prefix string) *Parser {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Parser{prefix: prefix + "."}
}

// Extract filters labels to the configured namespace. Keys outside the
// namespace are ignored. Returns an empty Set (never nil) when no
// label matches.
func (p *Parser) Extract(raw map[string]string) *Set {
	s := &Set{
		generic: make(map[string]string),
		scoped:  make(map[string]map[string]string),
	}
	for k, v := range raw {
		rest, ok := strings.CutPrefix(strings.ToLower(k), p.prefix)
		if !ok || rest == "" {
			continue
		}
		head, tail, hasDot := strings.Cut(rest, ".")
		if genericAttrs[head] || !hasDot {
			s.generic[rest] = v
			continue
		}
		// First segment is a provider name, remainder an attribute.
		if s.scoped[head] == nil {
			s.scoped[head] = make(map[string]string)
		}
		s.scoped[head][tail] = v
	}
	return s
}

// Empty reports whether no label under the namespace was present.
func (s *Set) Empty() bool {
	return len(s.generic) == 0 && len(s.scoped) == 0
}

// Get resolves attr for the given provider: a provider-scoped value
// wins, then the generic one. provider may be empty to look at generic
// labels only.
func (s *Set) Get(provider, attr string) (string, bool) {
	if provider != "" {
		if m := s.scoped[provider]; m != nil {
			if v, ok := m[attr]; ok {
				return v, true
			}
		}
	}
	v, ok := s.generic[attr]
	return v, ok
}

// GetScoped resolves attr under the given provider scope only, with
// no generic fallback. Callers layering several scopes (instance ID
// over provider type over generic) compose it with Get.
func (s *Set) GetScoped(provider, attr string) (string, bool) {
	m := s.scoped[provider]
	if m == nil {
		return "", false
	}
	v, ok := m[attr]
	return v, ok
}

// Bool resolves attr as a boolean. present is false when the label is
// absent; err is non-nil when the value is present but not parsable.
func (s *Set) Bool(provider, attr string) (val, present bool, err error) {
	raw, ok := s.Get(provider, attr)
	if !ok {
		return false, false, nil
	}
	b, err := parseBool(raw)
	if err != nil {
		return false, true, fmt.Errorf("label %s: %w", attr, err)
	}
	return b, true, nil
}

// Int resolves attr as an integer.
func (s *Set) Int(provider, attr string) (val int, present bool, err error) {
	raw, ok := s.Get(provider, attr)
	if !ok {
		return 0, false, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, true, fmt.Errorf("label %s: not an integer: %q", attr, raw)
	}
	return n, true, nil
}

// Skip reports whether the container opted out of DNS management.
// A malformed value counts as not skipped.
func (s *Set) Skip() bool {
	v, ok := s.generic["skip"]
	if !ok {
		return false
	}
	b, err := parseBool(v)
	return err == nil && b
}

// Manage returns the explicit manage flag and whether it was set.
func (s *Set) Manage() (val, present bool, err error) {
	return s.Bool("", "manage")
}

// Provider returns the explicit provider routing label, if any.
// Both "provider" and the legacy "providerid" spelling are accepted.
func (s *Set) Provider() (string, bool) {
	if v, ok := s.generic["provider"]; ok {
		return strings.TrimSpace(v), true
	}
	v, ok := s.generic["providerid"]
	return strings.TrimSpace(v), ok
}

// ScopedProviders lists every provider name that appears in a scoped
// label, sorted. A scoped label is an implicit routing request.
func (s *Set) ScopedProviders() []string {
	out := make([]string, 0, len(s.scoped))
	for name := range s.scoped {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Hostnames derives the hostname list for the container per the label
// grammar, in precedence order:
//
//  1. hostname: comma-separated explicit list
//  2. domain (+ optional subdomain list, or use_apex for the bare zone)
//  3. host.<N>: indexed single hostnames, merged in index order
//
// defaultDomain backs the subdomain/use_apex form when no domain label
// is present. Duplicates are removed, order of first appearance kept.
func (s *Set) Hostnames(defaultDomain string) ([]string, error) {
	var out []string
	seen := make(map[string]bool)
	add := func(h string) {
		h = strings.ToLower(strings.TrimSpace(strings.TrimSuffix(h, ".")))
		if h == "" || seen[h] {
			return
		}
		seen[h] = true
		out = append(out, h)
	}

	if v, ok := s.generic["hostname"]; ok {
		for _, h := range strings.Split(v, ",") {
			add(h)
		}
	}

	domain := defaultDomain
	if v, ok := s.generic["domain"]; ok {
		domain = strings.TrimSpace(v)
	}
	if sub, ok := s.generic["subdomain"]; ok {
		if domain == "" {
			return nil, fmt.Errorf("label subdomain set but no domain available")
		}
		for _, part := range strings.Split(sub, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			add(part + "." + domain)
		}
	}
	if apex, _, err := s.Bool("", "use_apex"); err != nil {
		return nil, err
	} else if apex {
		if domain == "" {
			return nil, fmt.Errorf("label use_apex set but no domain available")
		}
		add(domain)
	}

	for _, idx := range s.hostIndexes() {
		add(s.generic["host."+strconv.Itoa(idx)])
	}

	return out, nil
}

func (s *Set) hostIndexes() []int {
	var idxs []int
	for k := range s.generic {
		rest, ok := strings.CutPrefix(k, "host.")
		if !ok {
			continue
		}
		if n, err := strconv.Atoi(rest); err == nil {
			idxs = append(idxs, n)
		}
	}
	sort.Ints(idxs)
	return idxs
}

// TunnelEnabled reports whether the container asked for tunnel
// exposure. Malformed values read as false.
func (s *Set) TunnelEnabled() bool {
	v, ok := s.generic["tunnel"]
	if !ok {
		return false
	}
	b, err := parseBool(v)
	return err == nil && b
}

// TunnelService returns the origin service URL for tunnel ingress.
func (s *Set) TunnelService() (string, bool) {
	v, ok := s.generic["tunnel.service"]
	return strings.TrimSpace(v), ok
}

// TunnelPath returns the optional ingress path matcher.
func (s *Set) TunnelPath() (string, bool) {
	v, ok := s.generic["tunnel.path"]
	return strings.TrimSpace(v), ok
}

// TunnelNoTLSVerify reports whether origin TLS verification is
// disabled for this container's ingress.
func (s *Set) TunnelNoTLSVerify() (val, present bool, err error) {
	return s.Bool("", "tunnel.notlsverify")
}

// TunnelHTTPHostHeader returns the Host header override for the origin.
func (s *Set) TunnelHTTPHostHeader() (string, bool) {
	v, ok := s.generic["tunnel.httphostheader"]
	return strings.TrimSpace(v), ok
}

func parseBool(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "true", "1", "yes", "on":
		return true, nil
	case "false", "0", "no", "off":
		return false, nil
	}
	return false, fmt.Errorf("not a boolean: %q", raw)
}
