// Package rfc2136 implements the DNS provider contract with RFC 2136
// dynamic updates, optionally authenticated with TSIG. It targets
// BIND, Knot, PowerDNS and other servers that accept DNS UPDATE.
package rfc2136

import (
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/rs/zerolog/log"

	"github.com/trafegodns/trafegodns/internal/provider"
	"github.com/trafegodns/trafegodns/internal/types"
)

// Config is the provider instance configuration.
type Config struct {
	// ID is the instance identifier records route by.
	ID string `json:"id"`
	// Server is the authoritative server address.
	Server string `json:"server"`
	// Port defaults to 53.
	Port int `json:"port,omitempty"`
	// Zone is the zone the provider manages, e.g. "example.com".
	Zone string `json:"zone"`
	// TSIGKeyName, TSIGSecret and TSIGAlgorithm configure TSIG
	// authentication. Secret is base64. All three are optional as a
	// group.
	TSIGKeyName   string `json:"tsig_key_name,omitempty"`
	TSIGSecret    string `json:"tsig_secret,omitempty"`
	TSIGAlgorithm string `json:"tsig_algorithm,omitempty"`
	// UseTCP switches updates from UDP to TCP. Zone transfers
	// always use TCP.
	UseTCP bool `json:"use_tcp,omitempty"`
	// Timeout for DNS exchanges. Defaults to 10s.
	Timeout time.Duration `json:"timeout,omitempty"`
}

func (c *Config) validate() error {
	if c.ID == "" {
		return fmt.Errorf("rfc2136 provider requires an ID")
	}
	if c.Server == "" {
		return fmt.Errorf("rfc2136 provider %s: server is required", c.ID)
	}
	if c.Zone == "" {
		return fmt.Errorf("rfc2136 provider %s: zone is required", c.ID)
	}
	if (c.TSIGKeyName == "") != (c.TSIGSecret == "") {
		return fmt.Errorf("rfc2136 provider %s: tsig key name and secret must be set together", c.ID)
	}
	if c.TSIGSecret != "" {
		if _, err := base64.StdEncoding.DecodeString(c.TSIGSecret); err != nil {
			return fmt.Errorf("rfc2136 provider %s: tsig secret is not valid base64: %w", c.ID, err)
		}
	}
	return nil
}

// Provider implements the DNS provider contract via DNS UPDATE.
type Provider struct {
	id       string
	zone     string // FQDN with trailing dot
	addr     string
	tsigName string
	tsigSec  string
	tsigAlg  string

	mu     sync.Mutex
	client *dns.Client
}

var _ provider.Provider = (*Provider)(nil)

// New creates an RFC 2136 provider instance.
func New(cfg Config) (*Provider, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	port := cfg.Port
	if port == 0 {
		port = 53
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	client := &dns.Client{Timeout: timeout}
	if cfg.UseTCP {
		client.Net = "tcp"
	}

	p := &Provider{
		id:     cfg.ID,
		zone:   dns.Fqdn(strings.ToLower(cfg.Zone)),
		addr:   net.JoinHostPort(cfg.Server, fmt.Sprintf("%d", port)),
		client: client,
	}

	if cfg.TSIGKeyName != "" {
		p.tsigName = dns.Fqdn(cfg.TSIGKeyName)
		p.tsigSec = cfg.TSIGSecret
		p.tsigAlg = normalizeAlgorithm(cfg.TSIGAlgorithm)
		if !validAlgorithm(p.tsigAlg) {
			return nil, fmt.Errorf("rfc2136 provider %s: unsupported tsig algorithm: %s", cfg.ID, cfg.TSIGAlgorithm)
		}
		client.TsigSecret = map[string]string{p.tsigName: p.tsigSec}
	}

	log.Debug().
		Str("provider", p.id).
		Str("server", p.addr).
		Str("zone", p.zone).
		Bool("tsig", p.tsigName != "").
		Msg("RFC 2136 provider initialized")

	return p, nil
}

// ID implements Provider.
func (p *Provider) ID() string { return p.id }

// Type implements Provider.
func (p *Provider) Type() string { return "rfc2136" }

// Features implements Provider. Plain DNS has no proxying and no
// meaningful TTL ceiling.
func (p *Provider) Features() types.ProviderFeatures {
	return types.ProviderFeatures{
		Proxied:        false,
		TTLMin:         1,
		TTLMax:         604800,
		SupportedTypes: types.AllRecordTypes,
	}
}

// Validate checks connectivity by querying the zone SOA.
func (p *Provider) Validate(ctx context.Context) error {
	msg := new(dns.Msg)
	msg.SetQuestion(p.zone, dns.TypeSOA)
	msg.RecursionDesired = false

	resp, err := p.exchange(ctx, msg)
	if err != nil {
		return provider.WrapError(p.id, "validate", "", fmt.Errorf("%w: %v", provider.ErrTransient, err))
	}
	if resp.Rcode != dns.RcodeSuccess {
		return provider.WrapError(p.id, "validate", "", p.rcodeError(resp.Rcode))
	}
	return nil
}

// List implements Provider via an AXFR zone transfer.
func (p *Provider) List(ctx context.Context) ([]provider.Record, error) {
	msg := new(dns.Msg)
	msg.SetAxfr(p.zone)

	transfer := &dns.Transfer{}
	if p.tsigName != "" {
		transfer.TsigSecret = map[string]string{p.tsigName: p.tsigSec}
		msg.SetTsig(p.tsigName, p.tsigAlg, 300, time.Now().Unix())
	}

	envelopes, err := transfer.In(msg, p.addr)
	if err != nil {
		return nil, provider.WrapError(p.id, "list", "",
			fmt.Errorf("%w: zone transfer failed: %v", provider.ErrTransient, err))
	}

	var out []provider.Record
	for env := range envelopes {
		if env.Error != nil {
			return nil, provider.WrapError(p.id, "list", "",
				fmt.Errorf("%w: zone transfer failed: %v", provider.ErrTransient, env.Error))
		}
		for _, rr := range env.RR {
			rec, ok := p.fromRR(rr)
			if !ok {
				continue
			}
			out = append(out, rec)
		}
	}
	return out, nil
}

// Find implements Provider with a plain query against the server.
func (p *Provider) Find(ctx context.Context, hostname string, recordType types.RecordType) ([]provider.Record, error) {
	qtype, ok := dns.StringToType[string(recordType)]
	if !ok {
		return nil, provider.WrapError(p.id, "find", hostname,
			fmt.Errorf("%w: unknown record type %s", provider.ErrValidation, recordType))
	}

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(hostname), qtype)
	msg.RecursionDesired = false

	resp, err := p.exchange(ctx, msg)
	if err != nil {
		return nil, provider.WrapError(p.id, "find", hostname, fmt.Errorf("%w: %v", provider.ErrTransient, err))
	}
	if resp.Rcode == dns.RcodeNameError {
		return nil, nil
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, provider.WrapError(p.id, "find", hostname, p.rcodeError(resp.Rcode))
	}

	var out []provider.Record
	for _, rr := range resp.Answer {
		rec, ok := p.fromRR(rr)
		if !ok {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Create implements Provider.
func (p *Provider) Create(ctx context.Context, rec provider.Record) (provider.Record, error) {
	if err := p.inZone(rec.Hostname); err != nil {
		return rec, provider.WrapError(p.id, "create", rec.Hostname, err)
	}
	rr, err := p.toRR(rec)
	if err != nil {
		return rec, provider.WrapError(p.id, "create", rec.Hostname, fmt.Errorf("%w: %v", provider.ErrValidation, err))
	}

	msg := new(dns.Msg)
	msg.SetUpdate(p.zone)
	msg.Insert([]dns.RR{rr})

	if err := p.sendUpdate(ctx, msg); err != nil {
		return rec, provider.WrapError(p.id, "create", rec.Hostname, err)
	}

	rec.ExternalID = externalID(rec)
	log.Info().
		Str("provider", p.id).
		Str("hostname", rec.Hostname).
		Str("type", string(rec.Type)).
		Str("content", rec.Content).
		Msg("Created DNS record")
	return rec, nil
}

// Update implements Provider. The RRset for the name and type is
// replaced in one message.
func (p *Provider) Update(ctx context.Context, rec provider.Record) (provider.Record, error) {
	if err := p.inZone(rec.Hostname); err != nil {
		return rec, provider.WrapError(p.id, "update", rec.Hostname, err)
	}
	rr, err := p.toRR(rec)
	if err != nil {
		return rec, provider.WrapError(p.id, "update", rec.Hostname, fmt.Errorf("%w: %v", provider.ErrValidation, err))
	}

	msg := new(dns.Msg)
	msg.SetUpdate(p.zone)
	msg.RemoveRRset([]dns.RR{rr})
	msg.Insert([]dns.RR{rr})

	if err := p.sendUpdate(ctx, msg); err != nil {
		return rec, provider.WrapError(p.id, "update", rec.Hostname, err)
	}

	rec.ExternalID = externalID(rec)
	log.Info().
		Str("provider", p.id).
		Str("hostname", rec.Hostname).
		Str("type", string(rec.Type)).
		Str("content", rec.Content).
		Msg("Updated DNS record")
	return rec, nil
}

// Delete implements Provider by removing the whole RRset for the name
// and type. Deleting a missing record succeeds.
func (p *Provider) Delete(ctx context.Context, rec provider.Record) error {
	if err := p.inZone(rec.Hostname); err != nil {
		return provider.WrapError(p.id, "delete", rec.Hostname, err)
	}
	rr, err := p.toRR(rec)
	if err != nil {
		return provider.WrapError(p.id, "delete", rec.Hostname, fmt.Errorf("%w: %v", provider.ErrValidation, err))
	}

	msg := new(dns.Msg)
	msg.SetUpdate(p.zone)
	msg.RemoveRRset([]dns.RR{rr})

	if err := p.sendUpdate(ctx, msg); err != nil {
		return provider.WrapError(p.id, "delete", rec.Hostname, err)
	}

	log.Info().
		Str("provider", p.id).
		Str("hostname", rec.Hostname).
		Str("type", string(rec.Type)).
		Msg("Deleted DNS record")
	return nil
}

func (p *Provider) sendUpdate(ctx context.Context, msg *dns.Msg) error {
	if p.tsigName != "" {
		msg.SetTsig(p.tsigName, p.tsigAlg, 300, time.Now().Unix())
	}
	resp, err := p.exchange(ctx, msg)
	if err != nil {
		return fmt.Errorf("%w: %v", provider.ErrTransient, err)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return p.rcodeError(resp.Rcode)
	}
	return nil
}

func (p *Provider) exchange(ctx context.Context, msg *dns.Msg) (*dns.Msg, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	resp, _, err := p.client.ExchangeContext(ctx, msg, p.addr)
	return resp, err
}

func (p *Provider) rcodeError(rcode int) error {
	name := dns.RcodeToString[rcode]
	switch rcode {
	case dns.RcodeNotAuth, dns.RcodeRefused, dns.RcodeBadSig, dns.RcodeBadKey, dns.RcodeBadTime:
		return fmt.Errorf("%w: server returned %s", provider.ErrAuth, name)
	case dns.RcodeNameError, dns.RcodeNXRrset:
		return fmt.Errorf("%w: server returned %s", provider.ErrNotFound, name)
	case dns.RcodeYXDomain, dns.RcodeYXRrset:
		return fmt.Errorf("%w: server returned %s", provider.ErrConflict, name)
	case dns.RcodeServerFailure:
		return fmt.Errorf("%w: server returned %s", provider.ErrTransient, name)
	default:
		return fmt.Errorf("%w: server returned %s", provider.ErrValidation, name)
	}
}

func (p *Provider) inZone(hostname string) error {
	fqdn := dns.Fqdn(strings.ToLower(hostname))
	if fqdn != p.zone && !strings.HasSuffix(fqdn, "."+p.zone) {
		return fmt.Errorf("%w: %s is not in zone %s", provider.ErrValidation, hostname, p.zone)
	}
	return nil
}

// externalID synthesizes a stable identifier; DNS UPDATE has no
// server-side record IDs.
func externalID(rec provider.Record) string {
	return rec.Hostname + "/" + string(rec.Type)
}

func normalizeAlgorithm(alg string) string {
	switch strings.ToLower(strings.TrimSpace(alg)) {
	case "", "hmac-sha256", "sha256":
		return dns.HmacSHA256
	case "hmac-sha1", "sha1":
		return dns.HmacSHA1
	case "hmac-sha512", "sha512":
		return dns.HmacSHA512
	default:
		return alg
	}
}

func validAlgorithm(alg string) bool {
	switch alg {
	case dns.HmacSHA1, dns.HmacSHA256, dns.HmacSHA512:
		return true
	}
	return false
}
