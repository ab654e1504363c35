package intent

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/trafegodns/trafegodns/internal/types"
)

// ValidationError describes a desired record that failed syntactic
// validation. It is surfaced on the bus and the record is skipped; it
// never aborts an intent rebuild.
type ValidationError struct {
	Hostname string
	Type     types.RecordType
	Reason   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s record for %s: %s", e.Type, e.Hostname, e.Reason)
}

func invalid(r *types.DesiredRecord, format string, args ...any) error {
	return &ValidationError{
		Hostname: r.Hostname,
		Type:     r.Type,
		Reason:   fmt.Sprintf(format, args...),
	}
}

// maxTXTLength is the single-string limit for TXT rdata. Longer
// content would need provider-side chunking, which no current adapter
// advertises.
const maxTXTLength = 255

var caaTags = map[string]bool{"issue": true, "issuewild": true, "iodef": true}

// Validate performs per-type syntactic validation of a desired record
// against the target provider's capabilities.
func Validate(r *types.DesiredRecord, features types.ProviderFeatures) error {
	if !types.ValidRecordType(r.Type) {
		return invalid(r, "unknown record type")
	}
	if !features.Supports(r.Type) {
		return invalid(r, "record type not supported by provider")
	}
	if err := validateHostname(r.Hostname); err != nil {
		return invalid(r, "bad hostname: %v", err)
	}
	if r.Content == "" {
		return invalid(r, "empty content")
	}
	if r.Proxied != nil && *r.Proxied {
		if !features.Proxied {
			return invalid(r, "provider does not support proxied records")
		}
		switch r.Type {
		case types.RecordTypeA, types.RecordTypeAAAA, types.RecordTypeCNAME:
		default:
			return invalid(r, "proxied is only valid on A, AAAA and CNAME")
		}
	}

	switch r.Type {
	case types.RecordTypeA:
		ip := net.ParseIP(r.Content)
		if ip == nil || ip.To4() == nil {
			return invalid(r, "content is not an IPv4 address: %q", r.Content)
		}
	case types.RecordTypeAAAA:
		// Values without a colon (including the literal "true" seen
		// in the wild) are never IPv6.
		if !strings.Contains(r.Content, ":") {
			return invalid(r, "content is not an IPv6 address: %q", r.Content)
		}
		ip := net.ParseIP(r.Content)
		if ip == nil || ip.To4() != nil {
			return invalid(r, "content is not an IPv6 address: %q", r.Content)
		}
	case types.RecordTypeCNAME, types.RecordTypeNS:
		if err := validateHostname(r.Content); err != nil {
			return invalid(r, "bad target: %v", err)
		}
	case types.RecordTypeMX:
		if err := validateHostname(r.Content); err != nil {
			return invalid(r, "bad mail server: %v", err)
		}
		if r.Priority < 0 || r.Priority > 65535 {
			return invalid(r, "priority out of range: %d", r.Priority)
		}
	case types.RecordTypeTXT:
		if len(r.Content) > maxTXTLength {
			return invalid(r, "content exceeds %d bytes", maxTXTLength)
		}
	case types.RecordTypeSRV:
		if err := validateSRVContent(r.Content); err != nil {
			return invalid(r, "%v", err)
		}
	case types.RecordTypeCAA:
		if err := validateCAAContent(r.Content); err != nil {
			return invalid(r, "%v", err)
		}
	}

	return nil
}

// validateHostname enforces RFC 1035 shape: dot-separated labels of
// letters, digits and hyphens, 63 bytes per label, 253 total. A
// leading "*." wildcard label is allowed.
func validateHostname(hostname string) error {
	hostname = types.NormalizeHostname(hostname)
	if hostname == "" {
		return fmt.Errorf("empty hostname")
	}
	if len(hostname) > 253 {
		return fmt.Errorf("hostname exceeds 253 bytes")
	}

	rest, _ := strings.CutPrefix(hostname, "*.")
	for _, label := range strings.Split(rest, ".") {
		if label == "" {
			return fmt.Errorf("empty label in %q", hostname)
		}
		if len(label) > 63 {
			return fmt.Errorf("label exceeds 63 bytes in %q", hostname)
		}
		if label[0] == '-' || label[len(label)-1] == '-' {
			return fmt.Errorf("label starts or ends with hyphen in %q", hostname)
		}
		for _, c := range label {
			if !('a' <= c && c <= 'z') && !('0' <= c && c <= '9') && c != '-' && c != '_' {
				return fmt.Errorf("invalid character %q in %q", c, hostname)
			}
		}
	}
	return nil
}

// validateSRVContent checks the "priority weight port target" form.
func validateSRVContent(content string) error {
	parts := strings.Fields(content)
	if len(parts) != 4 {
		return fmt.Errorf("SRV content must be \"priority weight port target\"")
	}
	for i, name := range []string{"priority", "weight", "port"} {
		n, err := strconv.Atoi(parts[i])
		if err != nil || n < 0 || n > 65535 {
			return fmt.Errorf("SRV %s out of range: %q", name, parts[i])
		}
	}
	if err := validateHostname(parts[3]); err != nil {
		return fmt.Errorf("SRV target: %v", err)
	}
	return nil
}

// validateCAAContent checks the "flags tag value" form.
func validateCAAContent(content string) error {
	parts := strings.SplitN(strings.TrimSpace(content), " ", 3)
	if len(parts) != 3 {
		return fmt.Errorf("CAA content must be \"flags tag value\"")
	}
	flags, err := strconv.Atoi(parts[0])
	if err != nil || flags < 0 || flags > 255 {
		return fmt.Errorf("CAA flags out of range: %q", parts[0])
	}
	if !caaTags[strings.ToLower(parts[1])] {
		return fmt.Errorf("unknown CAA tag: %q", parts[1])
	}
	if strings.TrimSpace(parts[2]) == "" {
		return fmt.Errorf("empty CAA value")
	}
	return nil
}
