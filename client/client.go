// File: client/client.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package client

import (
	"context"
	"crypto/tls"
	"sync"
	"sync/atomic"
	"time"

	"github.com/containerd/log"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/control"
	"github.com/momentics/hioload-net/dns"
	"github.com/momentics/hioload-net/sockaddr"
	"github.com/momentics/hioload-net/socket"
)

// Pipeline stages reported by Stage.
const (
	StageIdle         = "idle"
	StageResolve      = "dns resolve"
	StageOpen         = "socket open"
	StageConnect      = "socket connect"
	StageProtoConnect = "socket proto-connect"
	StageConnected    = "connected"
	StageClose        = "socket close"
	StageClosed       = "closed"
)

// Config describes the remote end and how to reach it.
type Config struct {
	Host               api.RemoteHost
	Timeout            time.Duration
	Blocking           bool
	DisableAutoEncrypt bool

	// TLSConfig is the base for secure hosts; ServerName defaults to the
	// host name.
	TLSConfig *tls.Config
}

// DefaultConfig returns a 30 second timeout and non-blocking mode.
func DefaultConfig() Config {
	return Config{Timeout: 30 * time.Second}
}

// DoneFunc receives the outcome of Connect or Close.
type DoneFunc func(err error)

// Option customizes a Client.
type Option func(*Client)

// OnConnect runs fn once the pipeline has succeeded, before done.
func OnConnect(fn func(c *Client)) Option {
	return func(c *Client) { c.onConnect = fn }
}

// WithMetrics records stage outcomes.
func WithMetrics(m *control.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// Client is one outbound connection.
type Client struct {
	r        api.Reactor
	exec     api.Executor
	resolver *dns.Resolver
	cfg      Config

	onConnect func(*Client)
	metrics   *control.Metrics

	sock *socket.Socket
	busy atomic.Bool

	tlsOnce   sync.Once
	tlsConfig *tls.Config

	mu    sync.Mutex
	stage string
	addr  *sockaddr.SocketAddress
}

// New builds an idle client.
func New(r api.Reactor, exec api.Executor, resolver *dns.Resolver, cfg Config, opts ...Option) (*Client, error) {
	if r == nil || exec == nil || resolver == nil {
		return nil, api.Errorf(api.ErrCodeInvalidArgument, "client: reactor, executor and resolver are required")
	}
	if cfg.Timeout < 0 {
		return nil, api.Errorf(api.ErrCodeInvalidArgument, "client: negative timeout")
	}
	c := &Client{
		r:        r,
		exec:     exec,
		resolver: resolver,
		cfg:      cfg,
		sock:     socket.New(r),
		stage:    StageIdle,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Socket returns the connection socket.
func (c *Client) Socket() *socket.Socket { return c.sock }

// Host returns the configured remote host.
func (c *Client) Host() api.RemoteHost { return c.cfg.Host }

// Stage returns the last pipeline stage entered.
func (c *Client) Stage() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stage
}

// Address returns the resolved address of the last connect, or nil.
func (c *Client) Address() *sockaddr.SocketAddress {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addr
}

func (c *Client) enter(stage string) {
	c.mu.Lock()
	c.stage = stage
	c.mu.Unlock()
}

// attempt is one run of the pipeline.
type attempt struct {
	c      *Client
	ctx    context.Context
	done   DoneFunc
	result chan error
	once   sync.Once
}

func (a *attempt) finish(err error) {
	a.once.Do(func() {
		c := a.c
		stage := c.Stage()
		if err == nil {
			c.enter(StageConnected)
			c.metrics.ClientConnect(stage, "ok")
			log.G(a.ctx).WithField("remote", c.sock.Remote().String()).Debug("client connected")
			c.busy.Store(false)
			a.report(nil)
			return
		}
		wrapped := errors.Wrap(err, stage)
		c.metrics.ClientConnect(stage, "error")
		log.G(a.ctx).WithField("stage", stage).WithError(err).Debug("client connect failed")
		c.sock.CloseAsync(false, func(error) {
			c.busy.Store(false)
			a.report(wrapped)
		})
	})
}

func (a *attempt) report(err error) {
	if a.result != nil {
		a.result <- err
	}
	if a.done != nil {
		a.done(err)
	}
}

// Connect runs the pipeline. In non-blocking mode it returns at once and
// reports through done; in blocking mode it runs on the calling goroutine
// and returns the same error it passes to done. A Connect issued while
// another is running fails with an invalid-argument error.
func (c *Client) Connect(ctx context.Context, done DoneFunc) error {
	if !c.busy.CompareAndSwap(false, true) {
		err := api.Errorf(api.ErrCodeInvalidArgument, "client: connect already in progress")
		if done != nil {
			done(err)
		}
		return err
	}
	a := &attempt{c: c, ctx: ctx, done: done}
	if c.cfg.Blocking {
		a.result = make(chan error, 1)
		c.resolve(a)
		return <-a.result
	}

	c.enter(StageResolve)
	if err := api.SubmitHinted(c.exec, func() { c.resolve(a) }, api.HintHeavy); err != nil {
		a.finish(err)
	}
	return nil
}

func (c *Client) resolve(a *attempt) {
	c.enter(StageResolve)
	host := c.cfg.Host
	addr, err := c.resolver.ResolveForConnect(a.ctx, host.Hostname, host.Service(), unix.IPPROTO_TCP, unix.SOCK_STREAM, c.cfg.Timeout)
	if err != nil {
		a.finish(err)
		return
	}
	c.mu.Lock()
	prev := c.addr
	c.addr = addr
	c.mu.Unlock()
	if prev != nil {
		prev.Release()
	}
	c.open(a, addr)
}

func (c *Client) open(a *attempt, addr *sockaddr.SocketAddress) {
	c.enter(StageOpen)
	cand := addr.Usable()
	if err := c.sock.Create(cand.Family, unix.SOCK_STREAM, unix.IPPROTO_TCP); err != nil {
		a.finish(err)
		return
	}
	if err := c.sock.SetTimeout(c.cfg.Timeout); err != nil {
		a.finish(err)
		return
	}
	if err := c.sock.SetNoDelay(true); err != nil {
		a.finish(err)
		return
	}
	sa, err := addr.Sockaddr()
	if err != nil {
		a.finish(err)
		return
	}
	c.connect(a, sa)
}

func (c *Client) connect(a *attempt, sa unix.Sockaddr) {
	c.enter(StageConnect)
	if c.cfg.Blocking {
		if err := c.sock.SetBlocking(true); err != nil {
			a.finish(err)
			return
		}
		if err := c.sock.Connect(sa); err != nil {
			a.finish(err)
			return
		}
		c.protoConnect(a)
		return
	}
	c.sock.ConnectAsync(sa, func(err error) {
		if err != nil {
			a.finish(err)
			return
		}
		c.protoConnect(a)
	})
}

// clientTLS builds the TLS configuration once per client.
func (c *Client) clientTLS() *tls.Config {
	c.tlsOnce.Do(func() {
		cfg := &tls.Config{}
		if c.cfg.TLSConfig != nil {
			cfg = c.cfg.TLSConfig.Clone()
		}
		if cfg.ServerName == "" {
			cfg.ServerName = c.cfg.Host.Hostname
		}
		c.tlsConfig = cfg
	})
	return c.tlsConfig
}

func (c *Client) protoConnect(a *attempt) {
	c.enter(StageProtoConnect)
	if !c.cfg.Host.Secure {
		c.connected(a)
		return
	}
	if err := c.sock.EnableTLS(c.clientTLS(), false); err != nil {
		a.finish(err)
		return
	}
	if c.cfg.DisableAutoEncrypt {
		c.connected(a)
		return
	}
	if c.cfg.Blocking {
		if err := c.sock.Handshake(); err != nil {
			a.finish(err)
			return
		}
		c.connected(a)
		return
	}
	c.sock.HandshakeAsync(func(err error) {
		if err != nil {
			a.finish(err)
			return
		}
		c.connected(a)
	})
}

func (c *Client) connected(a *attempt) {
	if c.onConnect != nil {
		c.onConnect(c)
	}
	a.finish(nil)
}

// Close closes the connection gracefully and calls done once.
func (c *Client) Close(done DoneFunc) {
	c.enter(StageClose)
	c.sock.CloseAsync(true, func(err error) {
		c.mu.Lock()
		c.stage = StageClosed
		addr := c.addr
		c.addr = nil
		c.mu.Unlock()
		if addr != nil {
			addr.Release()
		}
		if done != nil {
			done(err)
		}
	})
}
