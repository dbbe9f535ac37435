// File: server/server.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Server binds the router's listeners, accepts connections into a bounded
// pool of reusable Connection objects, runs TLS handshakes on secure
// listeners and shuts down gracefully with stall detection.

package server

import (
	"context"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/containerd/log"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/control"
	"github.com/momentics/hioload-net/dns"
	"github.com/momentics/hioload-net/socket"
)

const (
	refuseStopping  = "stopping"
	refuseCapacity  = "max_connections"
	refuseHandshake = "handshake"
	refuseSetup     = "setup"
)

// Server is safe for concurrent use.
type Server struct {
	r        api.Reactor
	exec     api.Executor
	resolver *dns.Resolver
	handler  Handler
	metrics  *control.Metrics
	probes   *control.DebugProbes

	pollInitial time.Duration
	pollMax     time.Duration

	state atomic.Int32
	pool  *connPool

	// mu guards the configuration below.
	mu        sync.Mutex
	router    Router
	listeners []*Listener
	contexts  *tlsContexts
	// deferred holds the Listen activation while stalled connections drain.
	deferred bool
}

// New builds an idle server.
func New(r api.Reactor, exec api.Executor, resolver *dns.Resolver, h Handler, opts ...Option) (*Server, error) {
	if r == nil || exec == nil || resolver == nil || h == nil {
		return nil, api.Errorf(api.ErrCodeInvalidArgument, "server: reactor, executor, resolver and handler are required")
	}
	s := &Server{
		r:           r,
		exec:        exec,
		resolver:    resolver,
		handler:     h,
		pollInitial: 5 * time.Millisecond,
		pollMax:     250 * time.Millisecond,
		router:      DefaultRouter(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.pool = newConnPool(s.router.BacklogQueue)
	s.probes.RegisterProbe("server.pool", func() any { return s.PoolStats() })
	return s, nil
}

// State returns the lifecycle state.
func (s *Server) State() State { return State(s.state.Load()) }

// PoolStats returns the Active and Inactive set sizes.
func (s *Server) PoolStats() PoolStats {
	a, i := s.pool.stats()
	return PoolStats{Active: a, Inactive: i}
}

// Router returns the applied configuration with bound ports filled in.
func (s *Server) Router() Router {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.router.clone()
}

// Listeners returns the configured listeners in name order.
func (s *Server) Listeners() []*Listener {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Listener(nil), s.listeners...)
}

// Fingerprint returns the SHA-256 fingerprint of a certificate's leaf.
func (s *Server) Fingerprint(certificate string) (string, bool) {
	s.mu.Lock()
	contexts := s.contexts
	s.mu.Unlock()
	if contexts == nil {
		return "", false
	}
	return contexts.fingerprint(certificate)
}

// Configure creates the TLS contexts and binds every listener. Any failure
// undoes the listeners bound so far.
func (s *Server) Configure(ctx context.Context, router Router) error {
	if s.State() != StateIdle {
		return api.Errorf(api.ErrCodeInvalidArgument, "server: configure while %s", s.State())
	}
	if err := router.Validate(); err != nil {
		return err
	}
	router = router.clone()

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.listeners) > 0 {
		return api.Errorf(api.ErrCodeInvalidArgument, "server: already configured")
	}

	contexts, err := buildTLSContexts(router.Certificates)
	if err != nil {
		return err
	}
	for name := range router.Certificates {
		fp, _ := contexts.fingerprint(name)
		log.G(ctx).WithField("certificate", name).WithField("sha256", fp).Debug("tls context created")
	}

	var listeners []*Listener
	for _, name := range router.ListenerNames() {
		host := router.Listeners[name]
		l, err := openListener(ctx, s.r, s.resolver, name, host)
		if err != nil {
			for _, prev := range listeners {
				_ = prev.close()
			}
			contexts.release()
			return errors.Wrapf(err, "listener %s", name)
		}
		if host.Secure {
			l.tlsConfig = contexts.serverConfig(name)
		}
		router.Listeners[name] = l.host
		listeners = append(listeners, l)
	}

	s.router = router
	s.listeners = listeners
	s.contexts = contexts
	s.pool.setCapacity(router.BacklogQueue)
	return nil
}

// Listen starts the accept loop of every listener.
func (s *Server) Listen() error {
	if !s.state.CompareAndSwap(int32(StateIdle), int32(StateWorking)) {
		return api.Errorf(api.ErrCodeInvalidArgument, "server: listen while %s", s.State())
	}
	s.mu.Lock()
	listeners := append([]*Listener(nil), s.listeners...)
	if s.deferred {
		// The previous activation is still held for stalled connections;
		// reuse it.
		s.deferred = false
	} else {
		s.r.Activate()
	}
	s.mu.Unlock()

	for _, l := range listeners {
		s.acceptLoop(l)
	}
	return nil
}

func (s *Server) acceptLoop(l *Listener) {
	l.sock.AcceptAsync(func(fd int, remote netip.AddrPort, err error) {
		if err != nil {
			if s.State() != StateWorking || errors.Is(err, api.ErrCanceled) || errors.Is(err, api.ErrClosed) {
				log.L.WithField("listener", l.name).WithError(err).Debug("accept loop stopped")
				return
			}
			log.L.WithField("listener", l.name).WithError(err).Warn("accept failed, re-arming")
			if serr := s.exec.Submit(func() { s.acceptLoop(l) }); serr != nil {
				log.L.WithField("listener", l.name).WithError(serr).Error("accept loop lost")
			}
			return
		}
		if serr := s.exec.Submit(func() { s.Accept(l, fd, remote) }); serr != nil {
			log.L.WithField("listener", l.name).WithError(serr).Warn("dropping accepted connection")
			s.metrics.ConnectionRefused(l.name, refuseStopping)
			unix.Close(fd)
		}
	})
}

// Accept binds fd to a pooled connection and hands it to the handler,
// running the TLS handshake first on secure listeners.
func (s *Server) Accept(l *Listener, fd int, remote netip.AddrPort) {
	logger := log.L.WithField("listener", l.name).WithField("remote", remote.String())
	if s.State() != StateWorking {
		s.metrics.ConnectionRefused(l.name, refuseStopping)
		unix.Close(fd)
		return
	}
	tmp, err := socket.Wrap(s.r, fd)
	if err != nil {
		logger.WithError(err).Warn("wrap accepted descriptor")
		s.metrics.ConnectionRefused(l.name, refuseSetup)
		unix.Close(fd)
		return
	}

	c, active := s.pool.acquire(func() *Connection { return newConnection(s) })
	c.sock.Migrate(tmp)
	c.sock.SetRemote(remote)

	s.mu.Lock()
	router := s.router
	s.mu.Unlock()

	c.id = uuid.New()
	c.listener = l
	c.start = s.r.Now()
	c.timeout = router.SocketTimeout.Std()
	c.keepAlive = router.KeepAliveMaxCount
	s.metrics.SetPool(active, s.PoolStats().Inactive)
	logger = logger.WithField("conn", c.id.String())

	if err := s.setup(c, router); err != nil {
		logger.WithError(err).Warn("socket options")
		s.refuse(c, refuseSetup, err)
		return
	}
	if active > router.MaxConnections {
		s.refuse(c, refuseCapacity, api.ErrResourceExhausted)
		return
	}
	s.metrics.ConnectionAccepted(l.name)
	logger.Debug("connection accepted")

	if l.tlsConfig == nil {
		s.handler.OnRequestOpen(c)
		return
	}
	if err := c.sock.EnableTLS(l.tlsConfig, true); err != nil {
		s.refuse(c, refuseHandshake, err)
		return
	}
	c.sock.HandshakeAsync(func(err error) {
		if err != nil {
			s.metrics.HandshakeFailed(l.name)
			s.refuse(c, refuseHandshake, err)
			return
		}
		s.handler.OnRequestOpen(c)
	})
}

func (s *Server) setup(c *Connection, router Router) error {
	sock := c.sock
	if err := sock.SetTimeout(c.timeout); err != nil {
		return err
	}
	sock.SetDrainTimeout(router.GracefulTimeWait.Std())
	if err := sock.SetNoDelay(router.EnableNoDelay); err != nil {
		return err
	}
	if err := sock.SetKeepAlive(true); err != nil {
		return err
	}
	return sock.SetLinger(false, 0)
}

func (s *Server) refuse(c *Connection, reason string, err error) {
	name := ""
	if c.listener != nil {
		name = c.listener.name
	}
	log.L.WithField("listener", name).WithField("conn", c.id.String()).
		WithField("reason", reason).WithError(err).Warn("connection refused")
	s.metrics.ConnectionRefused(name, reason)
	s.closeConnection(c)
}

// Continue ends one exchange on c. The connection goes back to the handler
// unless keep-alive is exhausted, a close was requested, the descriptor is
// gone or the server is stopping.
func (s *Server) Continue(c *Connection) {
	now := s.r.Now()
	c.finish = now
	c.keepAlive--
	if c.keepAlive <= 0 || c.Closing() || !c.sock.Valid() || s.State() != StateWorking {
		s.closeConnection(c)
		return
	}
	c.start, c.finish = now, time.Time{}
	if err := s.exec.Submit(func() { s.handler.OnRequestOpen(c) }); err != nil {
		s.closeConnection(c)
	}
}

// Finalize closes c gracefully and returns it to the pool.
func (s *Server) Finalize(c *Connection) {
	c.SetClose()
	c.finish = s.r.Now()
	s.closeConnection(c)
}

func (s *Server) closeConnection(c *Connection) {
	if !c.released.CompareAndSwap(false, true) {
		return
	}
	if ch, ok := s.handler.(CloseHandler); ok {
		ch.OnRequestClose(c)
	}
	id := c.id.String()
	c.sock.CloseAsync(true, func(err error) {
		if err != nil {
			log.L.WithField("conn", id).WithError(err).Debug("close")
		}
		pooled, _ := s.pool.release(c)
		st := s.PoolStats()
		s.metrics.SetPool(st.Active, st.Inactive)
		log.L.WithField("conn", id).WithField("pooled", pooled).Debug("connection released")
		if st.Active == 0 {
			s.releaseDeferred()
		}
	})
}

// releaseDeferred drops the Listen activation held past Unlisten.
func (s *Server) releaseDeferred() {
	s.mu.Lock()
	held := s.deferred && s.State() == StateIdle
	if held {
		s.deferred = false
	}
	s.mu.Unlock()
	if held {
		s.deactivate()
	}
}

func (s *Server) deactivate() {
	if err := s.r.Deactivate(); err != nil && api.CodeOf(err) != api.ErrCodePendingWork {
		log.L.WithError(err).Warn("reactor deactivate")
	}
}

// Unlisten stops accepting, asks active connections to close and waits up
// to timeout for the pool to empty. Connections still active then are
// returned as stalled; they are left to finish on their own. Listeners are
// closed and TLS contexts released in every case.
func (s *Server) Unlisten(timeout time.Duration) ([]*Connection, error) {
	working := s.state.CompareAndSwap(int32(StateWorking), int32(StateStopping))
	if !working && s.State() != StateIdle {
		return nil, api.Errorf(api.ErrCodeInvalidArgument, "server: unlisten while %s", s.State())
	}

	s.mu.Lock()
	listeners := s.listeners
	s.listeners = nil
	contexts := s.contexts
	s.contexts = nil
	s.mu.Unlock()

	var stalled []*Connection
	if working {
		for _, l := range listeners {
			s.r.CancelEvents(l.sock, api.ErrCanceled)
		}
		for _, c := range s.pool.activeList() {
			c.SetClose()
			s.r.CancelEvents(c.sock, api.ErrCanceled)
		}
		s.pool.dropInactive()
		stalled = s.awaitDrain(timeout)
		for _, c := range stalled {
			log.L.WithField("conn", c.id.String()).WithField("remote", c.Remote().String()).Warn("connection stalled at shutdown")
		}
	}

	var merr *multierror.Error
	for _, l := range listeners {
		if err := l.close(); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	if contexts != nil {
		contexts.release()
	}
	st := s.PoolStats()
	s.metrics.SetPool(st.Active, st.Inactive)

	s.mu.Lock()
	s.deferred = working && len(stalled) > 0
	s.state.Store(int32(StateIdle))
	s.mu.Unlock()
	if working && len(stalled) == 0 {
		s.deactivate()
	} else if working && s.PoolStats().Active == 0 {
		// Everything drained between the check and the state change.
		s.releaseDeferred()
	}
	return stalled, merr.ErrorOrNil()
}

func (s *Server) awaitDrain(timeout time.Duration) []*Connection {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.pollInitial
	bo.MaxInterval = s.pollMax
	deadline := time.Now().Add(timeout)
	for {
		active := s.pool.activeList()
		if len(active) == 0 {
			return nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return active
		}
		sleep := bo.NextBackOff()
		if sleep == backoff.Stop || sleep > remaining {
			sleep = remaining
		}
		time.Sleep(sleep)
	}
}
