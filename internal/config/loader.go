package config

import (
	"os"
	"strings"

	"github.com/spf13/viper"
)

const (
	// EnvPrefix is the environment variable prefix
	EnvPrefix = "TRAFEGODNS"

	// DefaultConfigName is the default config file name
	DefaultConfigName = "trafegodns"
)

// Load loads configuration from environment variables and config file.
// Config file resolution priority: CLI flag > ENV > default search paths.
// Value priority: Environment variables > Config file > Defaults.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()
	v := viper.New()

	// Enable environment variable binding
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Set defaults in viper
	setDefaults(v, cfg)

	// Resolve config file path with priority: CLI flag > ENV > default search paths
	if err := resolveConfigFile(v, configPath); err != nil {
		return nil, err
	}

	// Unmarshal configuration
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	// Apply environment variable overrides that viper cannot
	// auto-resolve (secrets nested under map-typed keys).
	applyEnvOverrides(cfg)

	// Validate configuration
	if err := validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// setDefaults sets default values in viper.
func setDefaults(v *viper.Viper, cfg *Config) {
	// Core
	v.SetDefault("label_prefix", cfg.LabelPrefix)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("log_format", cfg.LogFormat)
	v.SetDefault("operation_mode", cfg.OperationMode)

	// Traefik
	v.SetDefault("traefik.api_url", cfg.Traefik.APIURL)
	v.SetDefault("traefik.username", cfg.Traefik.Username)
	v.SetDefault("traefik.password", cfg.Traefik.Password)
	v.SetDefault("traefik.timeout", cfg.Traefik.Timeout)

	// Docker
	v.SetDefault("docker.endpoint", cfg.Docker.Endpoint)
	v.SetDefault("docker.filter_label", cfg.Docker.FilterLabel)
	v.SetDefault("docker.watch_events", cfg.Docker.WatchEvents)
	v.SetDefault("docker.ssh.key", cfg.Docker.SSH.Key)
	v.SetDefault("docker.ssh.key_passphrase", cfg.Docker.SSH.KeyPassphrase)
	v.SetDefault("docker.tls.ca", cfg.Docker.TLS.CA)
	v.SetDefault("docker.tls.cert", cfg.Docker.TLS.Cert)
	v.SetDefault("docker.tls.key", cfg.Docker.TLS.Key)

	// Watch
	v.SetDefault("watch.poll_interval", cfg.Watch.PollInterval)
	v.SetDefault("watch.debounce", cfg.Watch.Debounce)
	v.SetDefault("watch.reconnect_interval", cfg.Watch.ReconnectInterval)

	// DNS
	v.SetDefault("dns.default_type", cfg.DNS.DefaultType)
	v.SetDefault("dns.default_ttl", cfg.DNS.DefaultTTL)
	v.SetDefault("dns.default_proxied", cfg.DNS.DefaultProxied)
	v.SetDefault("dns.default_manage", cfg.DNS.DefaultManage)
	v.SetDefault("dns.domain", cfg.DNS.Domain)
	v.SetDefault("dns.routing_mode", cfg.DNS.RoutingMode)
	v.SetDefault("dns.multi_provider_same_zone", cfg.DNS.MultiProviderSameZone)

	// Cleanup
	v.SetDefault("cleanup.enabled", cfg.Cleanup.Enabled)
	v.SetDefault("cleanup.grace_period", cfg.Cleanup.GracePeriod)
	v.SetDefault("cleanup.sweep_interval", cfg.Cleanup.SweepInterval)

	// Sync
	v.SetDefault("sync.cache_ttl", cfg.Sync.CacheTTL)
	v.SetDefault("sync.retry_attempts", cfg.Sync.RetryAttempts)
	v.SetDefault("sync.retry_delay", cfg.Sync.RetryDelay)
	v.SetDefault("sync.request_timeout", cfg.Sync.RequestTimeout)

	// Tunnel
	v.SetDefault("tunnel.mode", cfg.Tunnel.Mode)
	v.SetDefault("tunnel.provider_id", cfg.Tunnel.ProviderID)
	v.SetDefault("tunnel.tunnel_id", cfg.Tunnel.TunnelID)
	v.SetDefault("tunnel.tunnel_name", cfg.Tunnel.TunnelName)
	v.SetDefault("tunnel.default_service", cfg.Tunnel.DefaultService)

	// IP
	v.SetDefault("ip.static_ipv4", cfg.IP.StaticIPv4)
	v.SetDefault("ip.static_ipv6", cfg.IP.StaticIPv6)
	v.SetDefault("ip.ipv4_url", cfg.IP.IPv4URL)
	v.SetDefault("ip.ipv6_url", cfg.IP.IPv6URL)
	v.SetDefault("ip.refresh_interval", cfg.IP.RefreshInterval)
	v.SetDefault("ip.disable_ipv6", cfg.IP.DisableIPv6)

	// Database
	v.SetDefault("db.path", cfg.Db.Path)
	v.SetDefault("db.vacuum_interval", cfg.Db.VacuumInterval)
	v.SetDefault("db.audit_retention", cfg.Db.AuditRetention)

	// Health
	v.SetDefault("health.enabled", cfg.Health.Enabled)
	v.SetDefault("health.address", cfg.Health.Address)

	// Encryption
	v.SetDefault("encryption_key", cfg.EncryptionKey)
	v.SetDefault("skip_credential_validation", cfg.SkipCredentialValidation)
}

// applyEnvOverrides applies environment variable overrides that viper
// doesn't resolve on its own. Provider credentials live under a
// map-typed key, which AutomaticEnv cannot reach into.
func applyEnvOverrides(cfg *Config) {
	if key := os.Getenv(EnvPrefix + "_ENCRYPTION_KEY"); key != "" {
		cfg.EncryptionKey = key
	}
	for name, pc := range cfg.Providers {
		envName := strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(name))
		if token := os.Getenv(EnvPrefix + "_PROVIDERS_" + envName + "_API_TOKEN"); token != "" {
			pc.APIToken = token
			cfg.Providers[name] = pc
		}
		if secret := os.Getenv(EnvPrefix + "_PROVIDERS_" + envName + "_TSIG_SECRET"); secret != "" {
			pc.TSIGSecret = secret
			cfg.Providers[name] = pc
		}
	}
}

// validate validates the configuration.
func validate(cfg *Config) error {
	if cfg.OperationMode != ModeTraefik && cfg.OperationMode != ModeDirect {
		cfg.OperationMode = ModeTraefik
	}

	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[cfg.LogLevel] {
		cfg.LogLevel = "info"
	}

	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		cfg.LogFormat = "text"
	}

	if cfg.OperationMode == ModeTraefik && cfg.Traefik.APIURL == "" {
		return &ValidationError{Field: "traefik.api_url", Message: "api_url is required in traefik mode"}
	}

	switch cfg.DNS.RoutingMode {
	case "", "primary-only", "zone":
		cfg.DNS.RoutingMode = "primary-only"
	case "round-robin", "round_robin":
		cfg.DNS.RoutingMode = "round-robin"
	case "auto-with-fallback":
	default:
		return &ValidationError{Field: "dns.routing_mode", Message: "must be primary-only, round-robin, or auto-with-fallback"}
	}

	switch cfg.Tunnel.Mode {
	case "", "off", "all", "labeled":
	default:
		return &ValidationError{Field: "tunnel.mode", Message: "must be off, all, or labeled"}
	}

	for name, pc := range cfg.Providers {
		switch pc.Type {
		case "cloudflare":
			if pc.APIToken == "" && !cfg.SkipCredentialValidation {
				return &ValidationError{
					Field:   "providers." + name + ".api_token",
					Message: "api_token is required for cloudflare providers",
				}
			}
		case "rfc2136":
			if pc.Server == "" || pc.Zone == "" {
				return &ValidationError{
					Field:   "providers." + name,
					Message: "server and zone are required for rfc2136 providers",
				}
			}
		default:
			return &ValidationError{
				Field:   "providers." + name + ".type",
				Message: "unknown provider type " + pc.Type,
			}
		}
	}

	return nil
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return "config validation error: " + e.Field + ": " + e.Message
}

// resolveConfigFile resolves and loads the config file into viper.
// Priority: explicit path (CLI flag) > TRAFEGODNS_CONFIG env > default search paths.
func resolveConfigFile(v *viper.Viper, configPath string) error {
	// 1. Explicit path from CLI flag
	if configPath != "" {
		v.SetConfigFile(configPath)
		return v.ReadInConfig()
	}

	// 2. Path from environment variable
	if envPath := os.Getenv(EnvPrefix + "_CONFIG"); envPath != "" {
		v.SetConfigFile(envPath)
		return v.ReadInConfig()
	}

	// 3. Default search paths: ./trafegodns.yaml, /etc/trafegodns/trafegodns.yaml
	// Note: Do NOT call v.SetConfigType() here. When configType is set,
	// viper also matches extensionless files (e.g. the binary itself at
	// /app/trafegodns in Docker). Without it, viper only matches files
	// with known extensions (.yaml, .yml, .json, etc.) which is what we want.
	v.SetConfigName(DefaultConfigName)
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/trafegodns")

	if err := v.ReadInConfig(); err != nil {
		// Not finding a config file in default paths is fine;
		// the application can run purely from env vars and defaults.
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return err
	}
	return nil
}
