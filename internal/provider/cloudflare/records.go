package cloudflare

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	cf "github.com/cloudflare/cloudflare-go/v6"
	"github.com/cloudflare/cloudflare-go/v6/dns"
	"github.com/rs/zerolog/log"

	"github.com/trafegodns/trafegodns/internal/provider"
	"github.com/trafegodns/trafegodns/internal/types"
)

// Provider implements the DNS provider contract against Cloudflare.
type Provider struct {
	id     string
	client *client
}

var (
	_ provider.Provider       = (*Provider)(nil)
	_ provider.TunnelProvider = (*Provider)(nil)
)

// New creates a Cloudflare provider instance.
func New(cfg Config) (*Provider, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("cloudflare provider requires an ID")
	}
	if cfg.APIToken == "" {
		return nil, fmt.Errorf("cloudflare provider %s: API token is required", cfg.ID)
	}
	return &Provider{id: cfg.ID, client: newClient(cfg)}, nil
}

// ID implements Provider.
func (p *Provider) ID() string { return p.id }

// Type implements Provider.
func (p *Provider) Type() string { return "cloudflare" }

// Features implements Provider. Cloudflare supports proxying and
// clamps TTLs to its plan limits; TTL 1 means automatic.
func (p *Provider) Features() types.ProviderFeatures {
	return types.ProviderFeatures{
		Proxied:        true,
		AutoTTL:        true,
		TTLMin:         60,
		TTLMax:         86400,
		SupportedTypes: types.AllRecordTypes,
	}
}

// Validate verifies credentials. Called once at registration.
func (p *Provider) Validate(ctx context.Context) error {
	if err := p.client.validate(ctx); err != nil {
		return provider.WrapError(p.id, "validate", "", fmt.Errorf("%w: %v", provider.ErrAuth, err))
	}
	return nil
}

// List implements Provider by listing every record in the managed zones.
func (p *Provider) List(ctx context.Context) ([]provider.Record, error) {
	zoneIDs, err := p.client.zoneIDs(ctx)
	if err != nil {
		return nil, provider.WrapError(p.id, "list", "", classify(err))
	}

	var out []provider.Record
	for _, zoneID := range zoneIDs {
		page, err := p.client.api.DNS.Records.List(ctx, dns.RecordListParams{
			ZoneID: cf.F(zoneID),
		})
		if err != nil {
			return nil, provider.WrapError(p.id, "list", "", classify(err))
		}
		for i := range page.Result {
			out = append(out, convertRecord(&page.Result[i], zoneID))
		}
	}
	return out, nil
}

// Find implements Provider.
func (p *Provider) Find(ctx context.Context, hostname string, recordType types.RecordType) ([]provider.Record, error) {
	zoneID, err := p.client.zoneID(ctx, hostname)
	if err != nil {
		return nil, provider.WrapError(p.id, "find", hostname, classify(err))
	}

	page, err := p.client.api.DNS.Records.List(ctx, dns.RecordListParams{
		ZoneID: cf.F(zoneID),
		Name:   cf.F(dns.RecordListParamsName{Exact: cf.F(hostname)}),
		Type:   cf.F(dns.RecordListParamsType(recordType)),
	})
	if err != nil {
		return nil, provider.WrapError(p.id, "find", hostname, classify(err))
	}

	out := make([]provider.Record, 0, len(page.Result))
	for i := range page.Result {
		out = append(out, convertRecord(&page.Result[i], zoneID))
	}
	return out, nil
}

// Create implements Provider.
func (p *Provider) Create(ctx context.Context, rec provider.Record) (provider.Record, error) {
	zoneID := rec.ZoneID
	if zoneID == "" {
		var err error
		zoneID, err = p.client.zoneID(ctx, rec.Hostname)
		if err != nil {
			return rec, provider.WrapError(p.id, "create", rec.Hostname, classify(err))
		}
	}

	body, err := buildRecordBody(rec)
	if err != nil {
		return rec, provider.WrapError(p.id, "create", rec.Hostname, fmt.Errorf("%w: %v", provider.ErrValidation, err))
	}

	result, err := p.client.api.DNS.Records.New(ctx, dns.RecordNewParams{
		ZoneID: cf.F(zoneID),
		Body:   body,
	})
	if err != nil {
		return rec, provider.WrapError(p.id, "create", rec.Hostname, classify(err))
	}

	created := convertRecord(result, zoneID)

	log.Info().
		Str("provider", p.id).
		Str("id", created.ExternalID).
		Str("hostname", created.Hostname).
		Str("type", string(created.Type)).
		Str("content", created.Content).
		Msg("Created DNS record")

	return created, nil
}

// Update implements Provider.
func (p *Provider) Update(ctx context.Context, rec provider.Record) (provider.Record, error) {
	if rec.ExternalID == "" {
		return rec, provider.WrapError(p.id, "update", rec.Hostname, fmt.Errorf("%w: record has no external ID", provider.ErrValidation))
	}
	zoneID := rec.ZoneID
	if zoneID == "" {
		var err error
		zoneID, err = p.client.zoneID(ctx, rec.Hostname)
		if err != nil {
			return rec, provider.WrapError(p.id, "update", rec.Hostname, classify(err))
		}
	}

	body, err := buildUpdateRecordBody(rec)
	if err != nil {
		return rec, provider.WrapError(p.id, "update", rec.Hostname, fmt.Errorf("%w: %v", provider.ErrValidation, err))
	}

	result, err := p.client.api.DNS.Records.Update(ctx, rec.ExternalID, dns.RecordUpdateParams{
		ZoneID: cf.F(zoneID),
		Body:   body,
	})
	if err != nil {
		return rec, provider.WrapError(p.id, "update", rec.Hostname, classify(err))
	}

	updated := convertRecord(result, zoneID)

	log.Info().
		Str("provider", p.id).
		Str("id", updated.ExternalID).
		Str("hostname", updated.Hostname).
		Str("content", updated.Content).
		Msg("Updated DNS record")

	return updated, nil
}

// Delete implements Provider. Records already gone are not an error.
func (p *Provider) Delete(ctx context.Context, rec provider.Record) error {
	if rec.ExternalID == "" {
		return nil
	}
	zoneID := rec.ZoneID
	if zoneID == "" {
		var err error
		zoneID, err = p.client.zoneID(ctx, rec.Hostname)
		if err != nil {
			return provider.WrapError(p.id, "delete", rec.Hostname, classify(err))
		}
	}

	_, err := p.client.api.DNS.Records.Delete(ctx, rec.ExternalID, dns.RecordDeleteParams{
		ZoneID: cf.F(zoneID),
	})
	if err != nil {
		cerr := classify(err)
		if errors.Is(cerr, provider.ErrNotFound) {
			return nil
		}
		return provider.WrapError(p.id, "delete", rec.Hostname, cerr)
	}

	log.Info().
		Str("provider", p.id).
		Str("id", rec.ExternalID).
		Str("hostname", rec.Hostname).
		Msg("Deleted DNS record")

	return nil
}

// buildRecordBody creates the typed record param for the record type.
func buildRecordBody(rec provider.Record) (dns.RecordNewParamsBodyUnion, error) {
	ttl := dns.TTL(1) // 1 = auto
	if rec.TTL > 0 {
		ttl = dns.TTL(rec.TTL)
	}

	switch rec.Type {
	case types.RecordTypeA:
		return dns.ARecordParam{
			Name:    cf.F(rec.Hostname),
			TTL:     cf.F(ttl),
			Type:    cf.F(dns.ARecordTypeA),
			Content: cf.F(rec.Content),
			Proxied: cf.F(rec.Proxied),
		}, nil

	case types.RecordTypeAAAA:
		return dns.AAAARecordParam{
			Name:    cf.F(rec.Hostname),
			TTL:     cf.F(ttl),
			Type:    cf.F(dns.AAAARecordTypeAAAA),
			Content: cf.F(rec.Content),
			Proxied: cf.F(rec.Proxied),
		}, nil

	case types.RecordTypeCNAME:
		return dns.CNAMERecordParam{
			Name:    cf.F(rec.Hostname),
			TTL:     cf.F(ttl),
			Type:    cf.F(dns.CNAMERecordTypeCNAME),
			Content: cf.F(rec.Content),
			Proxied: cf.F(rec.Proxied),
		}, nil

	case types.RecordTypeTXT:
		return dns.TXTRecordParam{
			Name:    cf.F(rec.Hostname),
			TTL:     cf.F(ttl),
			Type:    cf.F(dns.TXTRecordTypeTXT),
			Content: cf.F(rec.Content),
		}, nil

	case types.RecordTypeMX:
		return dns.MXRecordParam{
			Name:     cf.F(rec.Hostname),
			TTL:      cf.F(ttl),
			Type:     cf.F(dns.MXRecordTypeMX),
			Content:  cf.F(rec.Content),
			Priority: cf.F(float64(rec.Priority)),
		}, nil

	case types.RecordTypeSRV:
		return dns.SRVRecordParam{
			Name: cf.F(rec.Hostname),
			TTL:  cf.F(ttl),
			Type: cf.F(dns.SRVRecordTypeSRV),
			Data: cf.F(dns.SRVRecordDataParam{
				Priority: cf.F(float64(rec.Priority)),
				Weight:   cf.F(float64(rec.Weight)),
				Port:     cf.F(float64(rec.Port)),
				Target:   cf.F(rec.Content),
			}),
		}, nil

	case types.RecordTypeCAA:
		tag := rec.Tag
		if tag == "" {
			tag = "issue"
		}
		return dns.CAARecordParam{
			Name: cf.F(rec.Hostname),
			TTL:  cf.F(ttl),
			Type: cf.F(dns.CAARecordTypeCAA),
			Data: cf.F(dns.CAARecordDataParam{
				Flags: cf.F(float64(rec.Flags)),
				Tag:   cf.F(tag),
				Value: cf.F(rec.Content),
			}),
		}, nil

	case types.RecordTypeNS:
		return dns.NSRecordParam{
			Name:    cf.F(rec.Hostname),
			TTL:     cf.F(ttl),
			Type:    cf.F(dns.NSRecordTypeNS),
			Content: cf.F(rec.Content),
		}, nil

	default:
		return nil, fmt.Errorf("unsupported DNS record type: %s", rec.Type)
	}
}

// buildUpdateRecordBody creates the typed record param for updates.
// The SDK's update body union is a distinct type from the create one,
// so the switch is mirrored rather than shared.
func buildUpdateRecordBody(rec provider.Record) (dns.RecordUpdateParamsBodyUnion, error) {
	ttl := dns.TTL(1) // 1 = auto
	if rec.TTL > 0 {
		ttl = dns.TTL(rec.TTL)
	}

	switch rec.Type {
	case types.RecordTypeA:
		return dns.ARecordParam{
			Name:    cf.F(rec.Hostname),
			TTL:     cf.F(ttl),
			Type:    cf.F(dns.ARecordTypeA),
			Content: cf.F(rec.Content),
			Proxied: cf.F(rec.Proxied),
		}, nil

	case types.RecordTypeAAAA:
		return dns.AAAARecordParam{
			Name:    cf.F(rec.Hostname),
			TTL:     cf.F(ttl),
			Type:    cf.F(dns.AAAARecordTypeAAAA),
			Content: cf.F(rec.Content),
			Proxied: cf.F(rec.Proxied),
		}, nil

	case types.RecordTypeCNAME:
		return dns.CNAMERecordParam{
			Name:    cf.F(rec.Hostname),
			TTL:     cf.F(ttl),
			Type:    cf.F(dns.CNAMERecordTypeCNAME),
			Content: cf.F(rec.Content),
			Proxied: cf.F(rec.Proxied),
		}, nil

	case types.RecordTypeTXT:
		return dns.TXTRecordParam{
			Name:    cf.F(rec.Hostname),
			TTL:     cf.F(ttl),
			Type:    cf.F(dns.TXTRecordTypeTXT),
			Content: cf.F(rec.Content),
		}, nil

	case types.RecordTypeMX:
		return dns.MXRecordParam{
			Name:     cf.F(rec.Hostname),
			TTL:      cf.F(ttl),
			Type:     cf.F(dns.MXRecordTypeMX),
			Content:  cf.F(rec.Content),
			Priority: cf.F(float64(rec.Priority)),
		}, nil

	case types.RecordTypeSRV:
		return dns.SRVRecordParam{
			Name: cf.F(rec.Hostname),
			TTL:  cf.F(ttl),
			Type: cf.F(dns.SRVRecordTypeSRV),
			Data: cf.F(dns.SRVRecordDataParam{
				Priority: cf.F(float64(rec.Priority)),
				Weight:   cf.F(float64(rec.Weight)),
				Port:     cf.F(float64(rec.Port)),
				Target:   cf.F(rec.Content),
			}),
		}, nil

	case types.RecordTypeCAA:
		tag := rec.Tag
		if tag == "" {
			tag = "issue"
		}
		return dns.CAARecordParam{
			Name: cf.F(rec.Hostname),
			TTL:  cf.F(ttl),
			Type: cf.F(dns.CAARecordTypeCAA),
			Data: cf.F(dns.CAARecordDataParam{
				Flags: cf.F(float64(rec.Flags)),
				Tag:   cf.F(tag),
				Value: cf.F(rec.Content),
			}),
		}, nil

	case types.RecordTypeNS:
		return dns.NSRecordParam{
			Name:    cf.F(rec.Hostname),
			TTL:     cf.F(ttl),
			Type:    cf.F(dns.NSRecordTypeNS),
			Content: cf.F(rec.Content),
		}, nil

	default:
		return nil, fmt.Errorf("unsupported DNS record type: %s", rec.Type)
	}
}

// convertRecord converts an API response to a provider record.
func convertRecord(resp *dns.RecordResponse, zoneID string) provider.Record {
	rec := provider.Record{
		ExternalID: resp.ID,
		ZoneID:     zoneID,
		Hostname:   resp.Name,
		Type:       types.RecordType(resp.Type),
		Content:    resp.Content,
		TTL:        int(resp.TTL),
		Proxied:    resp.Proxied,
		Priority:   int(resp.Priority),
	}
	if rec.Type == types.RecordTypeSRV {
		// SRV content comes back as "priority weight port target".
		if prio, weight, port, target, ok := parseSRVContent(resp.Content); ok {
			rec.Priority = prio
			rec.Weight = weight
			rec.Port = port
			rec.Content = target
		}
	}
	return rec
}

func parseSRVContent(content string) (prio, weight, port int, target string, ok bool) {
	fields := strings.Fields(content)
	if len(fields) != 4 {
		return 0, 0, 0, "", false
	}
	var err error
	if prio, err = strconv.Atoi(fields[0]); err != nil {
		return 0, 0, 0, "", false
	}
	if weight, err = strconv.Atoi(fields[1]); err != nil {
		return 0, 0, 0, "", false
	}
	if port, err = strconv.Atoi(fields[2]); err != nil {
		return 0, 0, 0, "", false
	}
	return prio, weight, port, fields[3], true
}
