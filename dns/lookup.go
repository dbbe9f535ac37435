// File: dns/lookup.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Host lookup backends.

package dns

import (
	"context"
	"net"
	"net/netip"
	"time"

	mdns "github.com/miekg/dns"
	"github.com/pkg/errors"
)

// Lookuper turns a host name into addresses.
type Lookuper interface {
	LookupHost(ctx context.Context, host string) ([]netip.Addr, error)
}

// SystemLookuper uses the operating system resolver.
type SystemLookuper struct {
	Resolver *net.Resolver
}

func (l SystemLookuper) LookupHost(ctx context.Context, host string) ([]netip.Addr, error) {
	r := l.Resolver
	if r == nil {
		r = net.DefaultResolver
	}
	addrs, err := r.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, errors.Wrapf(err, "lookup %s", host)
	}
	return addrs, nil
}

// NameserverLookuper queries explicit nameservers for A and AAAA records.
// The first server answering without error wins.
type NameserverLookuper struct {
	servers []string
	client  *mdns.Client
}

// NewNameserverLookuper builds a lookuper over servers given as host:port or
// bare addresses, which get port 53.
func NewNameserverLookuper(servers []string, timeout time.Duration) *NameserverLookuper {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	l := &NameserverLookuper{client: &mdns.Client{Net: "udp", Timeout: timeout}}
	for _, s := range servers {
		if _, _, err := net.SplitHostPort(s); err != nil {
			s = net.JoinHostPort(s, "53")
		}
		l.servers = append(l.servers, s)
	}
	return l
}

func (l *NameserverLookuper) LookupHost(ctx context.Context, host string) ([]netip.Addr, error) {
	if len(l.servers) == 0 {
		return nil, errors.New("no nameservers configured")
	}
	name := mdns.Fqdn(host)
	var lastErr error
	for _, srv := range l.servers {
		addrs, err := l.query(ctx, srv, name)
		if err == nil {
			return addrs, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func (l *NameserverLookuper) query(ctx context.Context, server, name string) ([]netip.Addr, error) {
	var out []netip.Addr
	for _, qtype := range []uint16{mdns.TypeA, mdns.TypeAAAA} {
		m := new(mdns.Msg)
		m.SetQuestion(name, qtype)
		m.RecursionDesired = true
		in, _, err := l.client.ExchangeContext(ctx, m, server)
		if err != nil {
			return nil, errors.Wrapf(err, "query %s %s at %s", mdns.TypeToString[qtype], name, server)
		}
		switch in.Rcode {
		case mdns.RcodeSuccess:
		case mdns.RcodeNameError:
			return nil, errors.Errorf("%s: no such host", name)
		default:
			return nil, errors.Errorf("query %s at %s: %s", name, server, mdns.RcodeToString[in.Rcode])
		}
		for _, rr := range in.Answer {
			var ip net.IP
			switch v := rr.(type) {
			case *mdns.A:
				ip = v.A
			case *mdns.AAAA:
				ip = v.AAAA
			default:
				continue
			}
			if addr, ok := netip.AddrFromSlice(ip); ok {
				out = append(out, addr.Unmap())
			}
		}
	}
	if len(out) == 0 {
		return nil, errors.Errorf("%s: no addresses", name)
	}
	return out, nil
}
