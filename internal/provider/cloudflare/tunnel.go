package cloudflare

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	cf "github.com/cloudflare/cloudflare-go/v6"
	"github.com/cloudflare/cloudflare-go/v6/zero_trust"
	"github.com/rs/zerolog/log"

	"github.com/trafegodns/trafegodns/internal/provider"
	"github.com/trafegodns/trafegodns/internal/types"
)

// EnsureTunnel implements TunnelProvider. The tunnel is looked up by
// name and created when missing, with configuration kept remote so
// ingress deploys through the API.
func (p *Provider) EnsureTunnel(ctx context.Context, name string) (*types.Tunnel, error) {
	if p.client.accountID == "" {
		return nil, provider.WrapError(p.id, "ensure-tunnel", "",
			fmt.Errorf("%w: account ID is required for tunnel operations", provider.ErrValidation))
	}

	list, err := p.client.api.ZeroTrust.Tunnels.Cloudflared.List(ctx, zero_trust.TunnelCloudflaredListParams{
		AccountID: cf.F(p.client.accountID),
		Name:      cf.F(name),
		IsDeleted: cf.F(false),
	})
	if err != nil {
		return nil, provider.WrapError(p.id, "ensure-tunnel", "", classify(err))
	}
	for _, t := range list.Result {
		if t.Name == name {
			return &types.Tunnel{
				ProviderID:       p.id,
				ExternalTunnelID: t.ID,
				Name:             t.Name,
			}, nil
		}
	}

	created, err := p.client.api.ZeroTrust.Tunnels.Cloudflared.New(ctx, zero_trust.TunnelCloudflaredNewParams{
		AccountID: cf.F(p.client.accountID),
		Name:      cf.F(name),
		ConfigSrc: cf.F(zero_trust.TunnelCloudflaredNewParamsConfigSrcCloudflare),
	})
	if err != nil {
		return nil, provider.WrapError(p.id, "ensure-tunnel", "", classify(err))
	}

	log.Info().
		Str("provider", p.id).
		Str("tunnel_id", created.ID).
		Str("name", name).
		Msg("Created tunnel")

	return &types.Tunnel{
		ProviderID:       p.id,
		ExternalTunnelID: created.ID,
		Name:             created.Name,
	}, nil
}

// DeployIngress implements TunnelProvider. The tunnel configuration is
// replaced wholesale; the trailing catch-all rule is appended here.
func (p *Provider) DeployIngress(ctx context.Context, tunnelID string, rules []types.IngressRule) error {
	if p.client.accountID == "" {
		return provider.WrapError(p.id, "deploy-ingress", "",
			fmt.Errorf("%w: account ID is required for tunnel operations", provider.ErrValidation))
	}

	ingressParams := make([]zero_trust.TunnelCloudflaredConfigurationUpdateParamsConfigIngress, 0, len(rules)+1)
	for _, rule := range rules {
		ing := zero_trust.TunnelCloudflaredConfigurationUpdateParamsConfigIngress{
			Service: cf.F(rule.Service),
		}
		if rule.Hostname != "" {
			ing.Hostname = cf.F(rule.Hostname)
		}
		if rule.Path != "" {
			ing.Path = cf.F(rule.Path)
		}
		if rule.Origin != nil {
			ing.OriginRequest = cf.F(convertOriginOptions(rule.Origin))
		}
		ingressParams = append(ingressParams, ing)
	}

	// Requests matching no rule get a 404.
	ingressParams = append(ingressParams, zero_trust.TunnelCloudflaredConfigurationUpdateParamsConfigIngress{
		Service: cf.F("http_status:404"),
	})

	_, err := p.client.api.ZeroTrust.Tunnels.Cloudflared.Configurations.Update(ctx, tunnelID, zero_trust.TunnelCloudflaredConfigurationUpdateParams{
		AccountID: cf.F(p.client.accountID),
		Config: cf.F(zero_trust.TunnelCloudflaredConfigurationUpdateParamsConfig{
			Ingress: cf.F(ingressParams),
		}),
	})
	if err != nil {
		return provider.WrapError(p.id, "deploy-ingress", "", classify(err))
	}

	log.Info().
		Str("provider", p.id).
		Str("tunnel_id", tunnelID).
		Int("ingress_count", len(rules)).
		Msg("Deployed tunnel configuration")

	return nil
}

// DeleteTunnel implements TunnelProvider.
func (p *Provider) DeleteTunnel(ctx context.Context, tunnelID string) error {
	if p.client.accountID == "" {
		return provider.WrapError(p.id, "delete-tunnel", "",
			fmt.Errorf("%w: account ID is required for tunnel operations", provider.ErrValidation))
	}

	_, err := p.client.api.ZeroTrust.Tunnels.Cloudflared.Delete(ctx, tunnelID, zero_trust.TunnelCloudflaredDeleteParams{
		AccountID: cf.F(p.client.accountID),
	})
	if err != nil {
		return provider.WrapError(p.id, "delete-tunnel", "", classify(err))
	}

	log.Info().
		Str("provider", p.id).
		Str("tunnel_id", tunnelID).
		Msg("Deleted tunnel")

	return nil
}

// TunnelTarget implements TunnelProvider.
func (p *Provider) TunnelTarget(tunnelID string) string {
	return tunnelID + ".cfargotunnel.com"
}

// convertOriginOptions maps origin options onto API params, skipping
// zero values so remote defaults stay in effect.
func convertOriginOptions(o *types.OriginOptions) zero_trust.TunnelCloudflaredConfigurationUpdateParamsConfigIngressOriginRequest {
	params := zero_trust.TunnelCloudflaredConfigurationUpdateParamsConfigIngressOriginRequest{}

	if o.NoTLSVerify {
		params.NoTLSVerify = cf.F(true)
	}
	if o.HTTPHostHeader != "" {
		params.HTTPHostHeader = cf.F(o.HTTPHostHeader)
	}
	if o.OriginServer != "" {
		params.OriginServerName = cf.F(o.OriginServer)
	}
	if o.ConnectTimeout != "" {
		if secs := parseDurationToSeconds(o.ConnectTimeout); secs > 0 {
			params.ConnectTimeout = cf.F(secs)
		}
	}

	return params
}

// parseDurationToSeconds parses "30s" or "5m" style durations; bare
// integers are treated as seconds.
func parseDurationToSeconds(s string) int64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	if d, err := time.ParseDuration(s); err == nil {
		return int64(d.Seconds())
	}
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		return v
	}
	return 0
}
