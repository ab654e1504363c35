// Package config provides configuration management for trafegodns.
package config

import "time"

// OperationMode selects where hostnames are observed.
type OperationMode string

const (
	// ModeTraefik derives hostnames from the reverse proxy's routing API.
	ModeTraefik OperationMode = "traefik"
	// ModeDirect derives hostnames from container labels only.
	ModeDirect OperationMode = "direct"
)

// Config holds all configuration for trafegodns.
type Config struct {
	// LabelPrefix is the prefix for container labels (default: "dns")
	LabelPrefix string `mapstructure:"label_prefix"`

	// LogLevel is the logging level (debug, info, warn, error)
	LogLevel string `mapstructure:"log_level"`

	// LogFormat is the logging format (json, text)
	LogFormat string `mapstructure:"log_format"`

	// OperationMode is the hostname source (traefik, direct)
	OperationMode OperationMode `mapstructure:"operation_mode"`

	// Traefik configuration (traefik mode)
	Traefik TraefikConfig `mapstructure:"traefik"`

	// Docker configuration
	Docker DockerConfig `mapstructure:"docker"`

	// Watch configuration (polling + event debounce)
	Watch WatchConfig `mapstructure:"watch"`

	// DNS defaults and routing
	DNS DNSConfig `mapstructure:"dns"`

	// Providers is the named DNS provider instances
	Providers map[string]ProviderConfig `mapstructure:"providers"`

	// Cleanup configuration (orphan lifecycle)
	Cleanup CleanupConfig `mapstructure:"cleanup"`

	// Sync configuration (reconciler tuning)
	Sync SyncConfig `mapstructure:"sync"`

	// Tunnel configuration
	Tunnel TunnelConfig `mapstructure:"tunnel"`

	// IP configuration (public address discovery)
	IP IPConfig `mapstructure:"ip"`

	// ManagedHostnames is records managed without any container backing
	ManagedHostnames []ManagedHostnameConfig `mapstructure:"managed_hostnames"`

	// Db configuration (SQLite database)
	Db DbConfig `mapstructure:"db"`

	// Health configuration (health + metrics listener)
	Health HealthConfig `mapstructure:"health"`

	// EncryptionKey encrypts provider credentials at rest.
	// 32 bytes, hex encoded.
	EncryptionKey string `mapstructure:"encryption_key"`

	// SkipCredentialValidation skips provider validation on startup
	SkipCredentialValidation bool `mapstructure:"skip_credential_validation"`
}

// TraefikConfig holds Traefik routing API configuration.
type TraefikConfig struct {
	// APIURL is the Traefik API base URL, e.g. http://traefik:8080
	APIURL string `mapstructure:"api_url"`

	// Username and Password enable basic auth on API requests
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`

	// Timeout per API request
	Timeout time.Duration `mapstructure:"timeout"`
}

// DockerConfig holds Docker connection configuration.
type DockerConfig struct {
	// Endpoint is the Docker endpoint (unix://, tcp://, ssh://)
	Endpoint string `mapstructure:"endpoint"`

	// FilterLabel restricts observation to matching containers,
	// "key=value" or "key" (optional)
	FilterLabel string `mapstructure:"filter_label"`

	// WatchEvents subscribes to the container event stream in
	// addition to polling
	WatchEvents bool `mapstructure:"watch_events"`

	// SSH configuration for ssh:// endpoint
	SSH SSHConfig `mapstructure:"ssh"`

	// TLS configuration for tcp:// endpoint with TLS
	TLS TLSConfig `mapstructure:"tls"`
}

// SSHConfig holds SSH connection configuration.
type SSHConfig struct {
	// Key is the path to SSH private key
	Key string `mapstructure:"key"`

	// KeyPassphrase is the passphrase for the SSH key
	KeyPassphrase string `mapstructure:"key_passphrase"`
}

// TLSConfig holds TLS configuration.
type TLSConfig struct {
	// CA is the path to CA certificate
	CA string `mapstructure:"ca"`

	// Cert is the path to client certificate
	Cert string `mapstructure:"cert"`

	// Key is the path to client key
	Key string `mapstructure:"key"`
}

// WatchConfig holds snapshot cadence configuration.
type WatchConfig struct {
	// PollInterval is the interval between full observations
	PollInterval time.Duration `mapstructure:"poll_interval"`

	// Debounce coalesces bursts of container events
	Debounce time.Duration `mapstructure:"debounce"`

	// ReconnectInterval is the delay before re-subscribing after the
	// event stream drops
	ReconnectInterval time.Duration `mapstructure:"reconnect_interval"`
}

// DNSConfig holds record defaults and provider routing.
type DNSConfig struct {
	// DefaultType is the record type when no label sets one
	DefaultType string `mapstructure:"default_type"`

	// DefaultTTL is the TTL when no label sets one (1 = provider auto)
	DefaultTTL int `mapstructure:"default_ttl"`

	// DefaultProxied proxies A/AAAA/CNAME records by default
	DefaultProxied bool `mapstructure:"default_proxied"`

	// DefaultManage opts containers in without a dns.manage label
	DefaultManage bool `mapstructure:"default_manage"`

	// Domain is appended to label-declared subdomains
	Domain string `mapstructure:"domain"`

	// RoutingMode routes records without an explicit provider
	// (primary-only, round-robin, auto-with-fallback)
	RoutingMode string `mapstructure:"routing_mode"`

	// MultiProviderSameZone permits several providers on one zone
	MultiProviderSameZone bool `mapstructure:"multi_provider_same_zone"`
}

// ProviderConfig holds one named DNS provider instance. Type selects
// the adapter; the remaining fields are adapter-specific.
type ProviderConfig struct {
	// Type is the adapter type (cloudflare, rfc2136)
	Type string `mapstructure:"type"`

	// APIToken is the Cloudflare API token
	APIToken string `mapstructure:"api_token"`

	// AccountID is the Cloudflare account ID (tunnel operations only)
	AccountID string `mapstructure:"account_id"`

	// Zones restricts the provider to the listed zones
	Zones []string `mapstructure:"zones"`

	// Server is the RFC 2136 authoritative server address
	Server string `mapstructure:"server"`

	// Port is the RFC 2136 server port (default 53)
	Port int `mapstructure:"port"`

	// Zone is the RFC 2136 zone
	Zone string `mapstructure:"zone"`

	// TSIG authentication (RFC 2136)
	TSIGKeyName   string `mapstructure:"tsig_key_name"`
	TSIGSecret    string `mapstructure:"tsig_secret"`
	TSIGAlgorithm string `mapstructure:"tsig_algorithm"`

	// UseTCP switches RFC 2136 updates from UDP to TCP
	UseTCP bool `mapstructure:"use_tcp"`
}

// CleanupConfig holds orphan lifecycle configuration.
type CleanupConfig struct {
	// Enabled deletes orphans after the grace period. When false
	// orphan state is tracked but nothing is deleted.
	Enabled bool `mapstructure:"enabled"`

	// GracePeriod is how long a record stays orphaned before deletion
	GracePeriod time.Duration `mapstructure:"grace_period"`

	// SweepInterval is the cadence of the background orphan sweep
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// SyncConfig holds reconciler tuning.
type SyncConfig struct {
	// CacheTTL is the freshness window for provider record listings
	CacheTTL time.Duration `mapstructure:"cache_ttl"`

	// RetryAttempts is the number of tries for retryable provider errors
	RetryAttempts int `mapstructure:"retry_attempts"`

	// RetryDelay is the initial backoff; doubles per attempt
	RetryDelay time.Duration `mapstructure:"retry_delay"`

	// RequestTimeout bounds a single provider request
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// TunnelConfig holds tunnel ingress configuration.
type TunnelConfig struct {
	// Mode selects which containers get tunnel ingress
	// (off, all, labeled)
	Mode string `mapstructure:"mode"`

	// ProviderID pins the tunnel provider instance
	ProviderID string `mapstructure:"provider_id"`

	// TunnelID is an existing tunnel to use
	TunnelID string `mapstructure:"tunnel_id"`

	// TunnelName is the tunnel ensured when TunnelID is empty
	TunnelName string `mapstructure:"tunnel_name"`

	// DefaultService is the origin URL when no label sets one
	DefaultService string `mapstructure:"default_service"`
}

// IPConfig holds public address discovery configuration.
type IPConfig struct {
	// StaticIPv4/StaticIPv6 bypass detection entirely
	StaticIPv4 string `mapstructure:"static_ipv4"`
	StaticIPv6 string `mapstructure:"static_ipv6"`

	// IPv4URL/IPv6URL override the lookup endpoints
	IPv4URL string `mapstructure:"ipv4_url"`
	IPv6URL string `mapstructure:"ipv6_url"`

	// RefreshInterval is how long a detected address is reused
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`

	// DisableIPv6 skips AAAA detection
	DisableIPv6 bool `mapstructure:"disable_ipv6"`
}

// ManagedHostnameConfig declares a record managed without any
// container backing it.
type ManagedHostnameConfig struct {
	Hostname string `mapstructure:"hostname"`
	Type     string `mapstructure:"type"`
	Content  string `mapstructure:"content"`
	TTL      int    `mapstructure:"ttl"`
	Proxied  *bool  `mapstructure:"proxied"`
	Provider string `mapstructure:"provider"`
}

// DbConfig holds database configuration.
type DbConfig struct {
	// Path is the path to SQLite database
	Path string `mapstructure:"path"`

	// VacuumInterval is the interval for database vacuum (0 = never)
	VacuumInterval time.Duration `mapstructure:"vacuum_interval"`

	// AuditRetention is how long audit rows are kept. Rows older
	// than this are pruned during maintenance (0 = keep forever).
	AuditRetention time.Duration `mapstructure:"audit_retention"`
}

// HealthConfig holds the health + metrics listener configuration.
type HealthConfig struct {
	// Enabled controls whether the listener starts
	Enabled bool `mapstructure:"enabled"`

	// Address is the listen address
	Address string `mapstructure:"address"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		LabelPrefix:   "dns",
		LogLevel:      "info",
		LogFormat:     "text",
		OperationMode: ModeTraefik,
		Traefik: TraefikConfig{
			APIURL:  "http://traefik:8080",
			Timeout: 10 * time.Second,
		},
		Docker: DockerConfig{
			Endpoint:    "unix:///var/run/docker.sock",
			WatchEvents: true,
		},
		Watch: WatchConfig{
			PollInterval:      60 * time.Second,
			Debounce:          500 * time.Millisecond,
			ReconnectInterval: 5 * time.Second,
		},
		DNS: DNSConfig{
			DefaultType: "CNAME",
			DefaultTTL:  1,
			RoutingMode: "primary-only",
		},
		Providers: make(map[string]ProviderConfig),
		Cleanup: CleanupConfig{
			GracePeriod:   15 * time.Minute,
			SweepInterval: time.Minute,
		},
		Sync: SyncConfig{
			CacheTTL:       time.Minute,
			RetryAttempts:  3,
			RetryDelay:     500 * time.Millisecond,
			RequestTimeout: 60 * time.Second,
		},
		Tunnel: TunnelConfig{
			Mode:       "off",
			TunnelName: "trafegodns",
		},
		IP: IPConfig{
			RefreshInterval: 5 * time.Minute,
		},
		Db: DbConfig{
			Path:           "/data/trafegodns.db",
			AuditRetention: 30 * 24 * time.Hour,
		},
		Health: HealthConfig{
			Enabled: true,
			Address: ":8080",
		},
	}
}
