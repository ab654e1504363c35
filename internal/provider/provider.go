// Package provider defines the DNS provider contract and the registry
// that routes records to provider instances.
package provider

import (
	"context"

	"github.com/trafegodns/trafegodns/internal/types"
)

// Record is a provider-side DNS record. ExternalID is the provider's
// own identifier for the record and is empty until the record exists
// remotely.
type Record struct {
	ExternalID string
	ZoneID     string
	Hostname   string
	Type       types.RecordType
	Content    string
	TTL        int
	Proxied    bool
	Priority   int
	Weight     int
	Port       int
	Flags      int
	Tag        string
}

// Provider is one configured DNS provider instance.
type Provider interface {
	// ID is the instance identifier records route by.
	ID() string

	// Type is the provider implementation name, e.g. "cloudflare".
	Type() string

	// Features describes what this provider supports. The
	// reconciler clamps TTLs and filters record types against it.
	Features() types.ProviderFeatures

	// List returns all records in the provider's managed zones.
	List(ctx context.Context) ([]Record, error)

	// Find returns records matching hostname and type. Used to
	// adopt an existing record when Create reports a conflict.
	Find(ctx context.Context, hostname string, recordType types.RecordType) ([]Record, error)

	// Create creates the record and returns it with ExternalID set.
	Create(ctx context.Context, rec Record) (Record, error)

	// Update rewrites the record identified by rec.ExternalID.
	Update(ctx context.Context, rec Record) (Record, error)

	// Delete removes the record identified by rec.ExternalID.
	// Deleting a record that is already gone is not an error.
	Delete(ctx context.Context, rec Record) error
}

// TunnelProvider is implemented by providers that can expose hostnames
// through a tunnel instead of a public record.
type TunnelProvider interface {
	Provider

	// EnsureTunnel returns the named tunnel, creating it if needed.
	EnsureTunnel(ctx context.Context, name string) (*types.Tunnel, error)

	// DeployIngress replaces the tunnel's full ingress rule set.
	// Implementations append the catch-all rule themselves.
	DeployIngress(ctx context.Context, tunnelID string, rules []types.IngressRule) error

	// DeleteTunnel removes the tunnel and its configuration.
	DeleteTunnel(ctx context.Context, tunnelID string) error

	// TunnelTarget is the CNAME content that routes a hostname
	// into the tunnel.
	TunnelTarget(tunnelID string) string
}
