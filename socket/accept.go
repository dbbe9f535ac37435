// File: socket/accept.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package socket

import (
	"errors"
	"net/netip"
	"time"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/internal/netutil"
)

// AcceptFunc receives one accepted descriptor, or fd -1 with the terminal
// status of the accept loop.
type AcceptFunc func(fd int, remote netip.AddrPort, err error)

// Accept takes one pending connection. The new descriptor is non-blocking
// and close-on-exec.
func (s *Socket) Accept() (int, netip.AddrPort, error) {
	fd := s.Fd()
	if fd < 0 {
		return -1, netip.AddrPort{}, api.ErrClosed
	}
	for {
		nfd, sa, err := acceptNonblocking(fd)
		if err == unix.EINTR || err == unix.ECONNABORTED {
			continue
		}
		if err != nil {
			return -1, netip.AddrPort{}, netutil.Translate(err)
		}
		return nfd, netutil.FromSockaddr(sa), nil
	}
}

// AcceptAsync drains every pending connection, then waits for the next
// readiness. It runs until the listener fails or its events are canceled,
// which is reported once with fd -1.
func (s *Socket) AcceptAsync(cb AcceptFunc) {
	for {
		fd, remote, err := s.Accept()
		if err == nil {
			cb(fd, remote, nil)
			continue
		}
		if !api.IsWouldBlock(err) {
			cb(-1, netip.AddrPort{}, terminal(err))
			return
		}
		if rerr := s.r.WhenReadable(s, time.Time{}, func(status error) {
			if status != nil {
				cb(-1, netip.AddrPort{}, status)
				return
			}
			s.AcceptAsync(cb)
		}); rerr != nil {
			cb(-1, netip.AddrPort{}, rerr)
		}
		return
	}
}

// Connect starts a connection to sa. A non-blocking socket reports
// ErrInProgress while the handshake is under way.
func (s *Socket) Connect(sa unix.Sockaddr) error {
	fd := s.Fd()
	if fd < 0 {
		return api.ErrClosed
	}
	s.SetRemote(netutil.FromSockaddr(sa))
	err := unix.Connect(fd, sa)
	switch err {
	case nil, unix.EISCONN:
		return nil
	case unix.EINTR:
		return api.ErrInProgress
	}
	err = netutil.Translate(err)
	if api.CodeOf(err) == api.ErrCodeInProgress && s.Blocking() {
		return api.Wrap(api.ErrCodeTimeout, err)
	}
	return err
}

// ConnectAsync connects to sa and calls cb once with the outcome read from
// SO_ERROR.
func (s *Socket) ConnectAsync(sa unix.Sockaddr, cb api.IOCallback) {
	err := s.Connect(sa)
	if err == nil || !api.IsTransient(err) {
		cb(err)
		return
	}
	if rerr := s.r.WhenWriteable(s, s.deadline(), func(status error) {
		switch {
		case status == nil:
			cb(netutil.SocketError(s.Fd()))
		case errors.Is(status, api.ErrTimeout), errors.Is(status, api.ErrCanceled), errors.Is(status, api.ErrClosed):
			cb(status)
		default:
			// An error or hangup event carries the real cause in SO_ERROR.
			if serr := netutil.SocketError(s.Fd()); serr != nil {
				cb(serr)
				return
			}
			cb(status)
		}
	}); rerr != nil {
		cb(rerr)
	}
}
