package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.OperationMode != ModeTraefik {
		t.Errorf("operation_mode = %q", cfg.OperationMode)
	}
	if cfg.LabelPrefix != "dns" || cfg.DNS.DefaultType != "CNAME" || cfg.DNS.DefaultTTL != 1 {
		t.Errorf("defaults wrong: %+v", cfg.DNS)
	}
	if cfg.Cleanup.GracePeriod != 15*time.Minute {
		t.Errorf("grace_period = %v", cfg.Cleanup.GracePeriod)
	}
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trafegodns.yaml")
	yaml := `
operation_mode: direct
dns:
  default_type: A
  default_proxied: true
  domain: example.com
cleanup:
  enabled: true
  grace_period: 5m
providers:
  cf-main:
    type: cloudflare
    api_token: test-token
    zones: [example.com]
tunnel:
  mode: labeled
  default_service: http://web:80
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.OperationMode != ModeDirect {
		t.Errorf("operation_mode = %q", cfg.OperationMode)
	}
	if !cfg.DNS.DefaultProxied || cfg.DNS.Domain != "example.com" {
		t.Errorf("dns = %+v", cfg.DNS)
	}
	if cfg.Cleanup.GracePeriod != 5*time.Minute || !cfg.Cleanup.Enabled {
		t.Errorf("cleanup = %+v", cfg.Cleanup)
	}
	pc, ok := cfg.Providers["cf-main"]
	if !ok || pc.Type != "cloudflare" || pc.APIToken != "test-token" || len(pc.Zones) != 1 {
		t.Errorf("provider = %+v", pc)
	}
	if cfg.Tunnel.Mode != "labeled" || cfg.Tunnel.DefaultService != "http://web:80" {
		t.Errorf("tunnel = %+v", cfg.Tunnel)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("TRAFEGODNS_OPERATION_MODE", "direct")
	t.Setenv("TRAFEGODNS_DNS_DEFAULT_TTL", "300")
	t.Setenv("TRAFEGODNS_ENCRYPTION_KEY", "env-key")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.OperationMode != ModeDirect {
		t.Errorf("operation_mode = %q", cfg.OperationMode)
	}
	if cfg.DNS.DefaultTTL != 300 {
		t.Errorf("default_ttl = %d", cfg.DNS.DefaultTTL)
	}
	if cfg.EncryptionKey != "env-key" {
		t.Errorf("encryption_key = %q", cfg.EncryptionKey)
	}
}

func TestLoadProviderTokenFromEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trafegodns.yaml")
	yaml := `
providers:
  cf-main:
    type: cloudflare
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TRAFEGODNS_PROVIDERS_CF_MAIN_API_TOKEN", "secret-token")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Providers["cf-main"].APIToken != "secret-token" {
		t.Errorf("token = %q", cfg.Providers["cf-main"].APIToken)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad routing mode", func(c *Config) { c.DNS.RoutingMode = "random" }},
		{"bad tunnel mode", func(c *Config) { c.Tunnel.Mode = "maybe" }},
		{"traefik mode without url", func(c *Config) { c.Traefik.APIURL = "" }},
		{"cloudflare without token", func(c *Config) {
			c.Providers = map[string]ProviderConfig{"cf": {Type: "cloudflare"}}
		}},
		{"rfc2136 without server", func(c *Config) {
			c.Providers = map[string]ProviderConfig{"bind": {Type: "rfc2136", Zone: "example.com"}}
		}},
		{"unknown provider type", func(c *Config) {
			c.Providers = map[string]ProviderConfig{"x": {Type: "route53"}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := validate(cfg); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestValidateRoutingModes(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", "primary-only"},
		{"primary-only", "primary-only"},
		{"zone", "primary-only"},
		{"round-robin", "round-robin"},
		{"round_robin", "round-robin"},
		{"auto-with-fallback", "auto-with-fallback"},
	}
	for _, tt := range tests {
		cfg := DefaultConfig()
		cfg.DNS.RoutingMode = tt.in
		if err := validate(cfg); err != nil {
			t.Fatalf("%q rejected: %v", tt.in, err)
		}
		if cfg.DNS.RoutingMode != tt.want {
			t.Errorf("%q normalized to %q, want %q", tt.in, cfg.DNS.RoutingMode, tt.want)
		}
	}
}

func TestValidateNormalizesLooseValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OperationMode = "bogus"
	cfg.LogLevel = "verbose"
	cfg.LogFormat = "xml"
	if err := validate(cfg); err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if cfg.OperationMode != ModeTraefik || cfg.LogLevel != "info" || cfg.LogFormat != "text" {
		t.Errorf("normalized = %q %q %q", cfg.OperationMode, cfg.LogLevel, cfg.LogFormat)
	}
}
