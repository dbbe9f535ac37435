// File: dns/resolver.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Resolver with per-mode TTL caches and connect racing.

package dns

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"github.com/containerd/log"
	"github.com/hashicorp/go-multierror"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/control"
	"github.com/momentics/hioload-net/internal/netutil"
	"github.com/momentics/hioload-net/sockaddr"
)

const (
	modeListen  = "listen"
	modeConnect = "connect"

	// installAttempts bounds how often a caller retries when its fresh entry
	// is evicted before it could take a reference.
	installAttempts = 3
)

// Config tunes a Resolver.
type Config struct {
	TTL         time.Duration `yaml:"ttl"`
	CacheSize   int           `yaml:"cache_size"`
	PreferIPv6  bool          `yaml:"prefer_ipv6"`
	Nameservers []string      `yaml:"nameservers"`
	Clock       api.Clock     `yaml:"-"`
}

// DefaultConfig returns a six hour TTL and 1024 entries per mode.
func DefaultConfig() Config {
	return Config{
		TTL:       21600 * time.Second,
		CacheSize: 1024,
		Clock:     api.SystemClock{},
	}
}

// Option customizes a Resolver.
type Option func(*Resolver)

// WithLookuper replaces the host lookup backend.
func WithLookuper(l Lookuper) Option {
	return func(r *Resolver) { r.lookup = l }
}

// WithMetrics records cache hits, misses and failures.
func WithMetrics(m *control.Metrics) Option {
	return func(r *Resolver) { r.metrics = m }
}

type cacheKey struct {
	proto    int
	sockType int
	host     string
	service  string
}

func (k cacheKey) String() string {
	return fmt.Sprintf("%d/%d/%s/%s", k.proto, k.sockType, k.host, k.service)
}

type entry struct {
	expires time.Time
	addr    *sockaddr.SocketAddress
}

// Resolver is safe for concurrent use.
type Resolver struct {
	cfg     Config
	lookup  Lookuper
	metrics *control.Metrics

	// mu orders cache reads with installs so a hit is retained before the
	// cache can release it.
	mu      sync.Mutex
	listen  *lru.Cache[cacheKey, *entry]
	connect *lru.Cache[cacheKey, *entry]
	flight  singleflight.Group
}

// New builds a Resolver. Configured nameservers select the NameserverLookuper
// unless WithLookuper overrides it.
func New(cfg Config, opts ...Option) (*Resolver, error) {
	def := DefaultConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = def.CacheSize
	}
	if cfg.Clock == nil {
		cfg.Clock = def.Clock
	}
	r := &Resolver{cfg: cfg}
	if len(cfg.Nameservers) > 0 {
		r.lookup = NewNameserverLookuper(cfg.Nameservers, 0)
	} else {
		r.lookup = SystemLookuper{}
	}
	for _, opt := range opts {
		opt(r)
	}

	release := func(_ cacheKey, e *entry) { e.addr.Release() }
	var err error
	if r.listen, err = lru.NewWithEvict(cfg.CacheSize, release); err != nil {
		return nil, api.Wrap(api.ErrCodeConfig, err)
	}
	if r.connect, err = lru.NewWithEvict(cfg.CacheSize, release); err != nil {
		return nil, api.Wrap(api.ErrCodeConfig, err)
	}
	return r, nil
}

// ResolveForListen returns every candidate for host/service with the first
// one usable. An empty host yields the IPv4 then IPv6 wildcard. The caller
// owns one reference of the result.
func (r *Resolver) ResolveForListen(ctx context.Context, host, service string, proto, sockType int) (*sockaddr.SocketAddress, error) {
	key := cacheKey{proto: proto, sockType: sockType, host: host, service: service}
	return r.resolve(ctx, modeListen, r.listen, key, func() (*sockaddr.SocketAddress, error) {
		cands, err := r.candidates(ctx, host, service, proto, sockType, true)
		if err != nil {
			return nil, err
		}
		return sockaddr.New(cands, 0)
	})
}

// ResolveForConnect races a non-blocking connect to every candidate and marks
// the winner usable. Every probe socket is closed before it returns. A
// non-positive timeout waits until a candidate settles.
func (r *Resolver) ResolveForConnect(ctx context.Context, host, service string, proto, sockType int, timeout time.Duration) (*sockaddr.SocketAddress, error) {
	key := cacheKey{proto: proto, sockType: sockType, host: host, service: service}
	return r.resolve(ctx, modeConnect, r.connect, key, func() (*sockaddr.SocketAddress, error) {
		cands, err := r.candidates(ctx, host, service, proto, sockType, false)
		if err != nil {
			return nil, err
		}
		idx, err := r.race(ctx, cands, timeout)
		if err != nil {
			return nil, errors.Wrapf(err, "connect %s", net.JoinHostPort(host, service))
		}
		return sockaddr.New(cands, idx)
	})
}

// Purge drops every cached entry.
func (r *Resolver) Purge() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listen.Purge()
	r.connect.Purge()
}

// Len returns the number of cached entries per mode.
func (r *Resolver) Len() (listen, connect int) {
	return r.listen.Len(), r.connect.Len()
}

// cached retains and returns a live entry for key.
func (r *Resolver) cached(cache *lru.Cache[cacheKey, *entry], key cacheKey) *sockaddr.SocketAddress {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := cache.Get(key)
	if !ok || !r.cfg.Clock.Now().Before(e.expires) {
		return nil
	}
	return e.addr.Retain()
}

func (r *Resolver) install(cache *lru.Cache[cacheKey, *entry], key cacheKey, addr *sockaddr.SocketAddress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	// Remove runs the eviction hook, releasing the replaced entry.
	cache.Remove(key)
	cache.Add(key, &entry{expires: r.cfg.Clock.Now().Add(r.cfg.TTL), addr: addr})
}

// claim retains addr if the cache still holds it under key.
func (r *Resolver) claim(cache *lru.Cache[cacheKey, *entry], key cacheKey, addr *sockaddr.SocketAddress) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := cache.Peek(key)
	if !ok || e.addr != addr {
		return false
	}
	addr.Retain()
	return true
}

func (r *Resolver) resolve(ctx context.Context, mode string, cache *lru.Cache[cacheKey, *entry], key cacheKey, build func() (*sockaddr.SocketAddress, error)) (*sockaddr.SocketAddress, error) {
	logger := log.G(ctx).WithField("mode", mode).WithField("key", key.String())
	if addr := r.cached(cache, key); addr != nil {
		r.metrics.DNSLookup(mode, "hit")
		return addr, nil
	}

	for range installAttempts {
		v, err, _ := r.flight.Do(mode+"|"+key.String(), func() (any, error) {
			if addr := r.cached(cache, key); addr != nil {
				// A concurrent flight finished first; hand back the cache's
				// instance without keeping the extra reference.
				addr.Release()
				return addr, nil
			}
			addr, err := build()
			if err != nil {
				return nil, err
			}
			r.install(cache, key, addr)
			return addr, nil
		})
		if err != nil {
			r.metrics.DNSLookup(mode, "error")
			logger.WithError(err).Debug("resolution failed")
			return nil, err
		}
		addr := v.(*sockaddr.SocketAddress)
		if r.claim(cache, key, addr) {
			r.metrics.DNSLookup(mode, "miss")
			logger.WithField("usable", addr.Usable().String()).Debug("resolved")
			return addr, nil
		}
	}
	r.metrics.DNSLookup(mode, "error")
	return nil, api.Errorf(api.ErrCodeInternal, "dns: %s entry for %s evicted before use", mode, key)
}

func (r *Resolver) port(ctx context.Context, service string, proto, sockType int) (uint16, error) {
	if service == "" {
		return 0, nil
	}
	if p, err := strconv.ParseUint(service, 10, 16); err == nil {
		return uint16(p), nil
	}
	network := "tcp"
	if sockType == unix.SOCK_DGRAM || proto == unix.IPPROTO_UDP {
		network = "udp"
	}
	p, err := net.DefaultResolver.LookupPort(ctx, network, service)
	if err != nil {
		return 0, api.Wrap(api.ErrCodeBadAddress, err)
	}
	return uint16(p), nil
}

func (r *Resolver) addrs(ctx context.Context, host string, passive bool) ([]netip.Addr, error) {
	if host == "" {
		if passive {
			return []netip.Addr{netip.IPv4Unspecified(), netip.IPv6Unspecified()}, nil
		}
		return []netip.Addr{netip.AddrFrom4([4]byte{127, 0, 0, 1}), netip.IPv6Loopback()}, nil
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{addr.Unmap()}, nil
	}
	found, err := r.lookup.LookupHost(ctx, host)
	if err != nil {
		return nil, api.Wrap(api.ErrCodeBadAddress, err)
	}
	if len(found) == 0 {
		return nil, api.Errorf(api.ErrCodeBadAddress, "dns: %s has no addresses", host)
	}
	return found, nil
}

func (r *Resolver) candidates(ctx context.Context, host, service string, proto, sockType int, passive bool) ([]sockaddr.Candidate, error) {
	port, err := r.port(ctx, service, proto, sockType)
	if err != nil {
		return nil, err
	}
	addrs, err := r.addrs(ctx, host, passive)
	if err != nil {
		return nil, err
	}
	seen := make(map[netip.Addr]struct{}, len(addrs))
	out := make([]sockaddr.Candidate, 0, len(addrs))
	for _, a := range addrs {
		a = a.Unmap()
		if _, dup := seen[a]; dup {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, sockaddr.Candidate{
			Family:   netutil.FamilyOf(a),
			Type:     sockType,
			Protocol: proto,
			Addr:     netip.AddrPortFrom(a, port),
		})
	}
	return out, nil
}

type probe struct {
	idx int
	fd  int
}

// race connects to every candidate at once and returns the index of the
// winner, closing every probe socket.
func (r *Resolver) race(ctx context.Context, cands []sockaddr.Candidate, timeout time.Duration) (int, error) {
	var failures *multierror.Error
	live := make([]probe, 0, len(cands))
	defer func() {
		for _, p := range live {
			unix.Close(p.fd)
		}
	}()

	for i, c := range cands {
		fd, err := netutil.OpenNonblocking(c.Family, c.Type, c.Protocol)
		if err != nil {
			failures = multierror.Append(failures, errors.Wrap(err, c.String()))
			continue
		}
		sa, err := netutil.ToSockaddr(c.Addr)
		if err == nil {
			err = unix.Connect(fd, sa)
		}
		if err != nil && err != unix.EINPROGRESS && err != unix.EINTR && err != unix.EAGAIN {
			unix.Close(fd)
			failures = multierror.Append(failures, errors.Wrap(netutil.Translate(err), c.String()))
			continue
		}
		live = append(live, probe{idx: i, fd: fd})
	}

	deadline := time.Now().Add(timeout)
	for len(live) > 0 {
		if err := ctx.Err(); err != nil {
			return -1, api.Wrap(api.ErrCodeCanceled, err)
		}
		remaining := time.Duration(-1)
		if timeout > 0 {
			if remaining = time.Until(deadline); remaining <= 0 {
				failures = multierror.Append(failures, api.ErrTimeout)
				break
			}
		}
		pfds := make([]netutil.PollFD, len(live))
		for i, p := range live {
			pfds[i] = netutil.PollFD{Fd: p.fd, Write: true}
		}
		n, err := netutil.WaitMany(pfds, remaining)
		if err != nil {
			return -1, err
		}
		if n == 0 {
			continue
		}

		var ready []int
		next := live[:0]
		for i, p := range live {
			pf := pfds[i]
			if !pf.Writeable && !pf.Failed {
				next = append(next, p)
				continue
			}
			if serr := netutil.SocketError(p.fd); serr != nil || !pf.Writeable {
				if serr == nil {
					serr = api.ErrReset
				}
				unix.Close(p.fd)
				failures = multierror.Append(failures, errors.Wrap(serr, cands[p.idx].String()))
				continue
			}
			ready = append(ready, p.idx)
			next = append(next, p)
		}
		live = next
		if len(ready) > 0 {
			return pick(cands, ready, r.cfg.PreferIPv6), nil
		}
	}
	return -1, api.Wrap(api.ErrCodeHostUnreachable, failures.ErrorOrNil())
}

// pick chooses among candidates that connected in the same round: the
// preferred family group first, then resolution order. ready is ascending.
func pick(cands []sockaddr.Candidate, ready []int, preferIPv6 bool) int {
	preferred := unix.AF_INET
	if preferIPv6 {
		preferred = unix.AF_INET6
	}
	for _, idx := range ready {
		if cands[idx].Family == preferred {
			return idx
		}
	}
	return ready[0]
}
