package traefik

import (
	"regexp"
	"strings"
)

// hostMatcherRegex matches Host(...) matchers in v2 router rules and
// captures the argument list.
var hostMatcherRegex = regexp.MustCompile(`Host\(([^)]*)\)`)

// hostArgRegex captures each backtick-quoted argument of a matcher.
var hostArgRegex = regexp.MustCompile("`([^`]+)`")

// v1RulePrefix marks the legacy "Host:a.com,b.com" rule form.
const v1RulePrefix = "Host:"

// ParseRule extracts all hostnames from a Traefik rule string.
// Handles the v2 matcher form and the legacy v1 form:
//   - Host(`example.com`)
//   - Host(`a.com`) || Host(`b.com`)
//   - Host(`a.com`, `b.com`) && PathPrefix(`/api`)
//   - Host:a.com,b.com
//
// Hostnames are lowercased, trailing dots stripped, and deduplicated
// preserving first-occurrence order.
func ParseRule(rule string) []string {
	seen := make(map[string]struct{})
	var hosts []string

	add := func(raw string) {
		hostname := strings.ToLower(strings.TrimSuffix(strings.TrimSpace(raw), "."))
		if hostname == "" {
			return
		}
		if _, exists := seen[hostname]; exists {
			return
		}
		seen[hostname] = struct{}{}
		hosts = append(hosts, hostname)
	}

	for _, matcher := range hostMatcherRegex.FindAllStringSubmatch(rule, -1) {
		for _, arg := range hostArgRegex.FindAllStringSubmatch(matcher[1], -1) {
			add(arg[1])
		}
	}

	if len(hosts) == 0 && strings.HasPrefix(strings.TrimSpace(rule), v1RulePrefix) {
		list := strings.TrimPrefix(strings.TrimSpace(rule), v1RulePrefix)
		// v1 rules separate matchers with ";".
		if i := strings.Index(list, ";"); i >= 0 {
			list = list[:i]
		}
		for _, raw := range strings.Split(list, ",") {
			add(raw)
		}
	}

	return hosts
}
