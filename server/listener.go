// File: server/listener.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"context"
	"crypto/tls"

	"github.com/containerd/log"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/dns"
	"github.com/momentics/hioload-net/sockaddr"
	"github.com/momentics/hioload-net/socket"
)

// Listener is a bound, listening socket plus the entry it was configured from.
type Listener struct {
	name      string
	sock      *socket.Socket
	host      api.RemoteHost
	addr      *sockaddr.SocketAddress
	tlsConfig *tls.Config
}

func (l *Listener) Name() string                     { return l.name }
func (l *Listener) Socket() *socket.Socket           { return l.sock }
func (l *Listener) Address() *sockaddr.SocketAddress { return l.addr }
func (l *Listener) Secure() bool                     { return l.tlsConfig != nil }

// Host returns the configured entry with the bound port filled in.
func (l *Listener) Host() api.RemoteHost { return l.host }

func openListener(ctx context.Context, r api.Reactor, res *dns.Resolver, name string, host api.RemoteHost) (*Listener, error) {
	addr, err := res.ResolveForListen(ctx, host.Hostname, host.Service(), unix.IPPROTO_TCP, unix.SOCK_STREAM)
	if err != nil {
		return nil, err
	}
	l := &Listener{name: name, host: host, addr: addr}
	if err := l.bind(r); err != nil {
		l.close()
		return nil, api.Wrap(api.ErrCodeConfig, errors.Wrapf(err, "bind %s", addr.Usable()))
	}
	log.G(ctx).WithField("listener", name).WithField("addr", l.host.Address()).Info("listening")
	return l, nil
}

func (l *Listener) bind(r api.Reactor) error {
	c := l.addr.Usable()
	s, err := socket.Open(r, c.Family, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return err
	}
	l.sock = s
	if err := s.SetReuseAddr(true); err != nil {
		return err
	}
	sa, err := l.addr.Sockaddr()
	if err != nil {
		return err
	}
	if err := s.Bind(sa); err != nil {
		return err
	}
	if err := s.Listen(0); err != nil {
		return err
	}
	if l.host.Port == 0 {
		bound, err := s.LocalAddr()
		if err != nil {
			return err
		}
		l.host.Port = int(bound.Port())
	}
	return nil
}

func (l *Listener) close() error {
	var err error
	if l.sock != nil {
		err = l.sock.Close()
	}
	if l.addr != nil {
		l.addr.Release()
		l.addr = nil
	}
	return errors.Wrapf(err, "close listener %s", l.name)
}
