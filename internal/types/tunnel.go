package types

// IngressSource identifies how a tunnel ingress rule was created.
type IngressSource string

const (
	// IngressSourceAuto means the rule was derived from container labels
	// or tunnel_mode=all; it is subject to orphan cleanup.
	IngressSourceAuto IngressSource = "auto"
	// IngressSourceAPI means the rule was added manually; the engine never
	// auto-deletes it.
	IngressSourceAPI IngressSource = "api"
)

// Tunnel represents a Cloudflare Zero Trust tunnel managed by the engine.
type Tunnel struct {
	ID               string `json:"id"`
	ProviderID       string `json:"provider_id"`
	ExternalTunnelID string `json:"external_tunnel_id"`
	Name             string `json:"name"`
}

// OriginOptions holds per-rule origin request settings.
type OriginOptions struct {
	NoTLSVerify    bool   `json:"no_tls_verify,omitempty"`
	HTTPHostHeader string `json:"http_host_header,omitempty"`
	ConnectTimeout string `json:"connect_timeout,omitempty"`
	OriginServer   string `json:"origin_server_name,omitempty"`
}

// IngressRule is one public-hostname-to-service mapping in a tunnel
// configuration.
type IngressRule struct {
	Hostname string         `json:"hostname,omitempty"`
	Service  string         `json:"service"`
	Path     string         `json:"path,omitempty"`
	Origin   *OriginOptions `json:"origin,omitempty"`
	Source   IngressSource  `json:"source,omitempty"`
}

// OriginEqual compares two origin option sets, treating nil as the zero
// value.
func OriginEqual(a, b *OriginOptions) bool {
	if a == nil {
		a = &OriginOptions{}
	}
	if b == nil {
		b = &OriginOptions{}
	}
	return *a == *b
}

// IngressEqual compares two ingress rules by hostname, service, path, and
// origin options. Source is bookkeeping and not compared.
func IngressEqual(a, b IngressRule) bool {
	return a.Hostname == b.Hostname &&
		a.Service == b.Service &&
		a.Path == b.Path &&
		OriginEqual(a.Origin, b.Origin)
}
