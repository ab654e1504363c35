package rfc2136

import (
	"fmt"
	"net"
	"strings"

	"github.com/miekg/dns"

	"github.com/trafegodns/trafegodns/internal/provider"
	"github.com/trafegodns/trafegodns/internal/types"
)

// toRR converts a provider record to a miekg/dns resource record.
func (p *Provider) toRR(rec provider.Record) (dns.RR, error) {
	header := dns.RR_Header{
		Name:   dns.Fqdn(rec.Hostname),
		Rrtype: dns.StringToType[string(rec.Type)],
		Class:  dns.ClassINET,
		Ttl:    uint32(rec.TTL),
	}

	switch rec.Type {
	case types.RecordTypeA:
		ip := net.ParseIP(rec.Content)
		if ip == nil || ip.To4() == nil {
			return nil, fmt.Errorf("invalid IPv4 address: %s", rec.Content)
		}
		return &dns.A{Hdr: header, A: ip.To4()}, nil

	case types.RecordTypeAAAA:
		ip := net.ParseIP(rec.Content)
		if ip == nil || ip.To4() != nil {
			return nil, fmt.Errorf("invalid IPv6 address: %s", rec.Content)
		}
		return &dns.AAAA{Hdr: header, AAAA: ip.To16()}, nil

	case types.RecordTypeCNAME:
		return &dns.CNAME{Hdr: header, Target: dns.Fqdn(rec.Content)}, nil

	case types.RecordTypeTXT:
		return &dns.TXT{Hdr: header, Txt: []string{rec.Content}}, nil

	case types.RecordTypeMX:
		return &dns.MX{Hdr: header, Preference: uint16(rec.Priority), Mx: dns.Fqdn(rec.Content)}, nil

	case types.RecordTypeSRV:
		return &dns.SRV{
			Hdr:      header,
			Priority: uint16(rec.Priority),
			Weight:   uint16(rec.Weight),
			Port:     uint16(rec.Port),
			Target:   dns.Fqdn(rec.Content),
		}, nil

	case types.RecordTypeCAA:
		tag := rec.Tag
		if tag == "" {
			tag = "issue"
		}
		return &dns.CAA{
			Hdr:   header,
			Flag:  uint8(rec.Flags),
			Tag:   tag,
			Value: rec.Content,
		}, nil

	case types.RecordTypeNS:
		return &dns.NS{Hdr: header, Ns: dns.Fqdn(rec.Content)}, nil

	default:
		return nil, fmt.Errorf("unsupported record type: %s", rec.Type)
	}
}

// fromRR converts a resource record back into a provider record. SOA
// and other infrastructure types are skipped.
func (p *Provider) fromRR(rr dns.RR) (provider.Record, bool) {
	hdr := rr.Header()
	rec := provider.Record{
		Hostname: strings.TrimSuffix(hdr.Name, "."),
		TTL:      int(hdr.Ttl),
	}

	switch v := rr.(type) {
	case *dns.A:
		rec.Type = types.RecordTypeA
		rec.Content = v.A.String()
	case *dns.AAAA:
		rec.Type = types.RecordTypeAAAA
		rec.Content = v.AAAA.String()
	case *dns.CNAME:
		rec.Type = types.RecordTypeCNAME
		rec.Content = strings.TrimSuffix(v.Target, ".")
	case *dns.TXT:
		rec.Type = types.RecordTypeTXT
		rec.Content = strings.Join(v.Txt, "")
	case *dns.MX:
		rec.Type = types.RecordTypeMX
		rec.Content = strings.TrimSuffix(v.Mx, ".")
		rec.Priority = int(v.Preference)
	case *dns.SRV:
		rec.Type = types.RecordTypeSRV
		rec.Content = strings.TrimSuffix(v.Target, ".")
		rec.Priority = int(v.Priority)
		rec.Weight = int(v.Weight)
		rec.Port = int(v.Port)
	case *dns.CAA:
		rec.Type = types.RecordTypeCAA
		rec.Content = v.Value
		rec.Flags = int(v.Flag)
		rec.Tag = v.Tag
	case *dns.NS:
		rec.Type = types.RecordTypeNS
		rec.Content = strings.TrimSuffix(v.Ns, ".")
	default:
		return provider.Record{}, false
	}

	rec.ExternalID = externalID(rec)
	return rec, true
}
