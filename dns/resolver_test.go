package dns_test

import (
	"context"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/control"
	"github.com/momentics/hioload-net/dns"
	"github.com/momentics/hioload-net/fake"
	"github.com/momentics/hioload-net/internal/testutil"
)

type staticLookup struct {
	mu    sync.Mutex
	hosts map[string][]netip.Addr
	calls int
}

func (l *staticLookup) LookupHost(_ context.Context, host string) ([]netip.Addr, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	addrs, ok := l.hosts[host]
	if !ok {
		return nil, errors.Errorf("%s: no such host", host)
	}
	return addrs, nil
}

func (l *staticLookup) Calls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

func lookup(hosts map[string][]string) *staticLookup {
	l := &staticLookup{hosts: map[string][]netip.Addr{}}
	for h, addrs := range hosts {
		for _, a := range addrs {
			l.hosts[h] = append(l.hosts[h], netip.MustParseAddr(a))
		}
	}
	return l
}

func newResolver(t *testing.T, cfg dns.Config, opts ...dns.Option) *dns.Resolver {
	t.Helper()
	r, err := dns.New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(r.Purge)
	return r
}

// closedPort returns a loopback TCP port with nothing listening.
func closedPort(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return strconv.Itoa(port)
}

func TestListenEmptyHostYieldsWildcards(t *testing.T) {
	r := newResolver(t, dns.DefaultConfig(), dns.WithLookuper(lookup(nil)))
	addr, err := r.ResolveForListen(context.Background(), "", "8080", unix.IPPROTO_TCP, unix.SOCK_STREAM)
	require.NoError(t, err)
	defer addr.Release()

	cands := addr.Candidates()
	require.Len(t, cands, 2)
	assert.Equal(t, "0.0.0.0:8080", cands[0].String())
	assert.Equal(t, "[::]:8080", cands[1].String())
	assert.Equal(t, unix.AF_INET, cands[0].Family)
	assert.Equal(t, unix.AF_INET6, cands[1].Family)
	assert.Equal(t, 0, addr.UsableIndex())
}

func TestLiteralBypassesLookup(t *testing.T) {
	l := lookup(nil)
	r := newResolver(t, dns.DefaultConfig(), dns.WithLookuper(l))
	addr, err := r.ResolveForListen(context.Background(), "::1", "http", unix.IPPROTO_TCP, unix.SOCK_STREAM)
	require.NoError(t, err)
	defer addr.Release()
	assert.Equal(t, "[::1]:80", addr.Usable().String())
	assert.Zero(t, l.Calls())
}

func TestCacheTTLIdentityAndRefresh(t *testing.T) {
	clock := fake.NewClock(time.Time{})
	l := lookup(map[string][]string{"svc.test": {"10.0.0.1", "10.0.0.2"}})
	cfg := dns.DefaultConfig()
	cfg.Clock = clock
	r := newResolver(t, cfg, dns.WithLookuper(l))
	ctx := context.Background()

	first, err := r.ResolveForListen(ctx, "svc.test", "9000", unix.IPPROTO_TCP, unix.SOCK_STREAM)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:9000", first.Usable().String())
	assert.Len(t, first.Candidates(), 2)

	clock.Advance(cfg.TTL - time.Second)
	second, err := r.ResolveForListen(ctx, "svc.test", "9000", unix.IPPROTO_TCP, unix.SOCK_STREAM)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 1, l.Calls())
	assert.Equal(t, 3, first.Refs(), "cache plus two callers")

	clock.Advance(time.Second)
	third, err := r.ResolveForListen(ctx, "svc.test", "9000", unix.IPPROTO_TCP, unix.SOCK_STREAM)
	require.NoError(t, err)
	assert.NotSame(t, first, third)
	assert.Equal(t, 2, l.Calls())
	assert.Equal(t, 2, first.Refs(), "overwritten entry dropped by the cache")

	first.Release()
	second.Release()
	third.Release()
	assert.Equal(t, 1, third.Refs())
	r.Purge()
	assert.Zero(t, third.Refs())
}

func TestCacheKeyedByModeAndType(t *testing.T) {
	l := lookup(map[string][]string{"svc.test": {"10.0.0.1"}})
	r := newResolver(t, dns.DefaultConfig(), dns.WithLookuper(l))
	ctx := context.Background()

	a, err := r.ResolveForListen(ctx, "svc.test", "53", unix.IPPROTO_TCP, unix.SOCK_STREAM)
	require.NoError(t, err)
	defer a.Release()
	b, err := r.ResolveForListen(ctx, "svc.test", "53", unix.IPPROTO_UDP, unix.SOCK_DGRAM)
	require.NoError(t, err)
	defer b.Release()
	assert.NotSame(t, a, b)
	assert.Equal(t, 2, l.Calls())

	listen, connect := r.Len()
	assert.Equal(t, 2, listen)
	assert.Zero(t, connect)
}

func TestCacheEvictionReleases(t *testing.T) {
	l := lookup(map[string][]string{"a.test": {"10.0.0.1"}, "b.test": {"10.0.0.2"}})
	cfg := dns.DefaultConfig()
	cfg.CacheSize = 1
	r := newResolver(t, cfg, dns.WithLookuper(l))
	ctx := context.Background()

	a, err := r.ResolveForListen(ctx, "a.test", "1", unix.IPPROTO_TCP, unix.SOCK_STREAM)
	require.NoError(t, err)
	require.Equal(t, 2, a.Refs())
	b, err := r.ResolveForListen(ctx, "b.test", "1", unix.IPPROTO_TCP, unix.SOCK_STREAM)
	require.NoError(t, err)
	defer b.Release()
	assert.Equal(t, 1, a.Refs())
	assert.True(t, a.Release())
}

func TestConnectRacePicksAcceptingCandidate(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	port := strconv.Itoa(ln.Addr().(*net.TCPAddr).Port)

	// 127.0.0.2 is loopback too but nothing listens there.
	l := lookup(map[string][]string{"svc.test": {"127.0.0.2", "127.0.0.1"}})
	reg := prometheus.NewRegistry()
	m := control.NewMetrics(reg)
	r := newResolver(t, dns.DefaultConfig(), dns.WithLookuper(l), dns.WithMetrics(m))

	before := testutil.OpenFDs()
	addr, err := r.ResolveForConnect(context.Background(), "svc.test", port, unix.IPPROTO_TCP, unix.SOCK_STREAM, 2*time.Second)
	require.NoError(t, err)
	defer addr.Release()
	assert.Equal(t, 1, addr.UsableIndex())
	assert.Equal(t, "127.0.0.1:"+port, addr.Usable().String())
	if before >= 0 {
		assert.Equal(t, before, testutil.OpenFDs(), "probe sockets closed")
	}

	again, err := r.ResolveForConnect(context.Background(), "svc.test", port, unix.IPPROTO_TCP, unix.SOCK_STREAM, 2*time.Second)
	require.NoError(t, err)
	defer again.Release()
	assert.Same(t, addr, again)
	assert.Equal(t, 1.0, promtest.ToFloat64(m.DNSLookupTotal.WithLabelValues("connect", "miss")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.DNSLookupTotal.WithLabelValues("connect", "hit")))
}

func TestConnectNothingReachable(t *testing.T) {
	r := newResolver(t, dns.DefaultConfig(), dns.WithLookuper(lookup(nil)))
	before := testutil.OpenFDs()
	_, err := r.ResolveForConnect(context.Background(), "127.0.0.1", closedPort(t), unix.IPPROTO_TCP, unix.SOCK_STREAM, time.Second)
	require.Error(t, err)
	assert.Equal(t, api.ErrCodeHostUnreachable, api.CodeOf(err))
	if before >= 0 {
		assert.Equal(t, before, testutil.OpenFDs())
	}
	_, connect := r.Len()
	assert.Zero(t, connect, "failures are not cached")
}

func TestBadAddress(t *testing.T) {
	r := newResolver(t, dns.DefaultConfig(), dns.WithLookuper(lookup(nil)))
	ctx := context.Background()

	_, err := r.ResolveForListen(ctx, "missing.test", "80", unix.IPPROTO_TCP, unix.SOCK_STREAM)
	assert.Equal(t, api.ErrCodeBadAddress, api.CodeOf(err))

	_, err = r.ResolveForListen(ctx, "127.0.0.1", "no-such-service-name", unix.IPPROTO_TCP, unix.SOCK_STREAM)
	assert.Equal(t, api.ErrCodeBadAddress, api.CodeOf(err))

	_, err = r.ResolveForConnect(ctx, "missing.test", "80", unix.IPPROTO_TCP, unix.SOCK_STREAM, time.Second)
	assert.Equal(t, api.ErrCodeBadAddress, api.CodeOf(err))
}
