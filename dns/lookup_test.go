package dns

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	mdns "github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-net/sockaddr"
)

func startNameserver(t *testing.T, records map[string][]mdns.RR) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	started := make(chan struct{})
	srv := &mdns.Server{
		PacketConn:        pc,
		NotifyStartedFunc: func() { close(started) },
		Handler: mdns.HandlerFunc(func(w mdns.ResponseWriter, req *mdns.Msg) {
			resp := new(mdns.Msg)
			resp.SetReply(req)
			q := req.Question[0]
			rrs, ok := records[q.Name]
			if !ok {
				resp.SetRcode(req, mdns.RcodeNameError)
			}
			for _, rr := range rrs {
				if rr.Header().Rrtype == q.Qtype {
					resp.Answer = append(resp.Answer, rr)
				}
			}
			_ = w.WriteMsg(resp)
		}),
	}
	go func() { _ = srv.ActivateAndServe() }()
	<-started
	t.Cleanup(func() { _ = srv.Shutdown() })
	return pc.LocalAddr().String()
}

func mustRR(t *testing.T, s string) mdns.RR {
	t.Helper()
	rr, err := mdns.NewRR(s)
	require.NoError(t, err)
	return rr
}

func TestNameserverLookuper(t *testing.T) {
	server := startNameserver(t, map[string][]mdns.RR{
		"svc.test.": {
			mustRR(t, "svc.test. 60 IN A 192.0.2.10"),
			mustRR(t, "svc.test. 60 IN AAAA 2001:db8::10"),
		},
	})
	l := NewNameserverLookuper([]string{server}, time.Second)

	addrs, err := l.LookupHost(context.Background(), "svc.test")
	require.NoError(t, err)
	assert.Equal(t, []netip.Addr{
		netip.MustParseAddr("192.0.2.10"),
		netip.MustParseAddr("2001:db8::10"),
	}, addrs)

	_, err = l.LookupHost(context.Background(), "missing.test")
	assert.ErrorContains(t, err, "no such host")
}

func TestResolverUsesConfiguredNameservers(t *testing.T) {
	server := startNameserver(t, map[string][]mdns.RR{
		"svc.test.": {mustRR(t, "svc.test. 60 IN A 192.0.2.20")},
	})
	cfg := DefaultConfig()
	cfg.Nameservers = []string{server}
	r, err := New(cfg)
	require.NoError(t, err)
	defer r.Purge()

	addr, err := r.ResolveForListen(context.Background(), "svc.test", "443", unix.IPPROTO_TCP, unix.SOCK_STREAM)
	require.NoError(t, err)
	defer addr.Release()
	assert.Equal(t, "192.0.2.20:443", addr.Usable().String())
}

func TestNameserverDefaultsPort(t *testing.T) {
	l := NewNameserverLookuper([]string{"192.0.2.53", "[2001:db8::53]:5353"}, 0)
	assert.Equal(t, []string{"192.0.2.53:53", "[2001:db8::53]:5353"}, l.servers)
}

func TestPickPrefersFamilyThenOrder(t *testing.T) {
	cands := []sockaddr.Candidate{
		{Family: unix.AF_INET6, Addr: netip.MustParseAddrPort("[::1]:80")},
		{Family: unix.AF_INET, Addr: netip.MustParseAddrPort("127.0.0.1:80")},
		{Family: unix.AF_INET, Addr: netip.MustParseAddrPort("127.0.0.2:80")},
	}
	assert.Equal(t, 1, pick(cands, []int{0, 1, 2}, false))
	assert.Equal(t, 0, pick(cands, []int{0, 1, 2}, true))
	assert.Equal(t, 2, pick(cands, []int{2}, true))
	assert.Equal(t, 0, pick(cands, []int{0}, false))
}
