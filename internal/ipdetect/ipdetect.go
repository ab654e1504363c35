// Package ipdetect discovers the host's public IPv4 and IPv6
// addresses for apex A/AAAA synthesis.
package ipdetect

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Default lookup endpoints. Each returns the caller's address as a
// bare string.
const (
	DefaultIPv4URL = "https://api.ipify.org"
	DefaultIPv6URL = "https://api6.ipify.org"
)

// Config controls detection behavior.
type Config struct {
	// StaticIPv4/StaticIPv6 bypass detection entirely.
	StaticIPv4 string
	StaticIPv6 string
	// IPv4URL/IPv6URL override the lookup endpoints.
	IPv4URL string
	IPv6URL string
	// CacheTTL is how long a detected address is reused before
	// re-detection. Defaults to 5 minutes.
	CacheTTL time.Duration
	// Timeout per lookup request. Defaults to 10s.
	Timeout time.Duration
	// DisableIPv6 skips AAAA detection.
	DisableIPv6 bool
}

// Detector resolves and caches the public addresses. All state is
// kept on the struct; two detectors never share a cache.
type Detector struct {
	cfg    Config
	client *http.Client

	mu         sync.Mutex
	ipv4, ipv6 string
	fetchedAt  time.Time
}

// New creates a detector.
func New(cfg Config) *Detector {
	if cfg.IPv4URL == "" {
		cfg.IPv4URL = DefaultIPv4URL
	}
	if cfg.IPv6URL == "" {
		cfg.IPv6URL = DefaultIPv6URL
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Detector{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// IPv4 returns the public IPv4 address, or "" when none could be
// detected. A static address is returned as-is.
func (d *Detector) IPv4(ctx context.Context) (string, error) {
	if d.cfg.StaticIPv4 != "" {
		return d.cfg.StaticIPv4, nil
	}
	v4, _, err := d.detect(ctx)
	return v4, err
}

// IPv6 returns the public IPv6 address, or "" when unavailable.
// IPv6 detection failures are not errors; v6-less hosts are common.
func (d *Detector) IPv6(ctx context.Context) (string, error) {
	if d.cfg.StaticIPv6 != "" {
		return d.cfg.StaticIPv6, nil
	}
	if d.cfg.DisableIPv6 {
		return "", nil
	}
	_, v6, err := d.detect(ctx)
	return v6, err
}

// Invalidate drops the cache so the next call re-detects.
func (d *Detector) Invalidate() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fetchedAt = time.Time{}
}

func (d *Detector) detect(ctx context.Context) (string, string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.fetchedAt.IsZero() && time.Since(d.fetchedAt) < d.cfg.CacheTTL {
		return d.ipv4, d.ipv6, nil
	}

	v4, err := d.lookup(ctx, d.cfg.IPv4URL, false)
	if err != nil {
		// Keep serving the previous address if we have one.
		if d.ipv4 != "" {
			log.Warn().Err(err).Str("cached", d.ipv4).Msg("Public IPv4 re-detection failed, using cached address")
			return d.ipv4, d.ipv6, nil
		}
		return "", "", fmt.Errorf("public IPv4 detection failed: %w", err)
	}

	var v6 string
	if !d.cfg.DisableIPv6 {
		v6, err = d.lookup(ctx, d.cfg.IPv6URL, true)
		if err != nil {
			log.Debug().Err(err).Msg("Public IPv6 detection failed, continuing without IPv6")
			v6 = ""
		}
	}

	changed := v4 != d.ipv4 || v6 != d.ipv6
	d.ipv4, d.ipv6 = v4, v6
	d.fetchedAt = time.Now()

	if changed {
		log.Info().
			Str("ipv4", v4).
			Str("ipv6", v6).
			Msg("Public IP detected")
	}

	return d.ipv4, d.ipv6, nil
}

func (d *Detector) lookup(ctx context.Context, url string, wantV6 bool) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("lookup %s returned status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 128))
	if err != nil {
		return "", err
	}

	addr := strings.TrimSpace(string(body))
	ip := net.ParseIP(addr)
	if ip == nil {
		return "", fmt.Errorf("lookup %s returned %q, not an IP address", url, addr)
	}
	if wantV6 && ip.To4() != nil {
		return "", fmt.Errorf("lookup %s returned an IPv4 address %q", url, addr)
	}
	if !wantV6 && ip.To4() == nil {
		return "", fmt.Errorf("lookup %s returned an IPv6 address %q", url, addr)
	}
	return addr, nil
}
