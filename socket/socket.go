// File: socket/socket.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Socket owns one non-blocking descriptor and an optional TLS session, and
// suspends on would-block through the reactor.

package socket

import (
	"net/netip"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/internal/netutil"
	"github.com/momentics/hioload-net/pool"
)

const defaultDrainTimeout = time.Second

// Socket is a descriptor handle. It must not be copied; ownership moves
// between sockets only through Migrate.
type Socket struct {
	mu       sync.Mutex
	r        api.Reactor
	fd       int
	session  *tlsSession
	timeout  time.Duration
	drain    time.Duration
	blocking bool
	remote   netip.AddrPort

	// untilIdx is the delimiter match position carried across ReadUntil calls.
	untilIdx int

	bytesRead    atomic.Uint64
	bytesWritten atomic.Uint64

	buffers *pool.BytePool
}

// New creates a socket without a descriptor.
func New(r api.Reactor) *Socket {
	return &Socket{
		r:       r,
		fd:      -1,
		drain:   defaultDrainTimeout,
		buffers: pool.Default(),
	}
}

// Open creates a socket with a fresh non-blocking descriptor.
func Open(r api.Reactor, family, sockType, proto int) (*Socket, error) {
	s := New(r)
	if err := s.Create(family, sockType, proto); err != nil {
		return nil, err
	}
	return s, nil
}

// Wrap adopts fd, switching it to non-blocking mode.
func Wrap(r api.Reactor, fd int) (*Socket, error) {
	if err := netutil.RequireValid(fd); err != nil {
		return nil, err
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, netutil.Translate(err)
	}
	s := New(r)
	s.fd = fd
	return s, nil
}

// Create opens a new descriptor. Any descriptor already held is closed first.
func (s *Socket) Create(family, sockType, proto int) error {
	fd, err := netutil.OpenNonblocking(family, sockType, proto)
	if err != nil {
		return err
	}
	if old := s.Fd(); old >= 0 {
		s.Close()
	}
	s.mu.Lock()
	s.fd = fd
	s.blocking = false
	s.untilIdx = 0
	s.mu.Unlock()
	return nil
}

// Fd returns the descriptor, or -1.
func (s *Socket) Fd() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fd
}

// Valid reports whether the socket holds a descriptor.
func (s *Socket) Valid() bool {
	return s.Fd() >= 0
}

// Reactor returns the reactor the socket suspends on.
func (s *Socket) Reactor() api.Reactor {
	return s.r
}

// Migrate moves from's descriptor, TLS session, remote address and byte
// counters into s, handing s's previous state to from. Neither socket may
// have pending continuations.
func (s *Socket) Migrate(from *Socket) {
	if s == from {
		return
	}
	first, second := s, from
	if uintptr(unsafe.Pointer(first)) > uintptr(unsafe.Pointer(second)) {
		first, second = second, first
	}
	first.mu.Lock()
	second.mu.Lock()
	s.fd, from.fd = from.fd, s.fd
	s.session, from.session = from.session, s.session
	s.remote, from.remote = from.remote, s.remote
	s.blocking, from.blocking = from.blocking, s.blocking
	s.untilIdx, from.untilIdx = from.untilIdx, s.untilIdx
	s.bytesRead.Store(from.bytesRead.Swap(s.bytesRead.Load()))
	s.bytesWritten.Store(from.bytesWritten.Swap(s.bytesWritten.Load()))
	second.mu.Unlock()
	first.mu.Unlock()
}

// SetTimeout sets the deadline applied to every suspension. Zero disables it.
func (s *Socket) SetTimeout(d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeout = d
	if s.blocking && s.fd >= 0 {
		return applyIOTimeout(s.fd, d)
	}
	return nil
}

// Timeout returns the suspension timeout.
func (s *Socket) Timeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeout
}

// SetDrainTimeout bounds the input drain of a graceful close.
func (s *Socket) SetDrainTimeout(d time.Duration) {
	s.mu.Lock()
	s.drain = d
	s.mu.Unlock()
}

// SetBlocking switches descriptor mode. Blocking sockets apply the timeout
// as SO_RCVTIMEO / SO_SNDTIMEO.
func (s *Socket) SetBlocking(blocking bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fd < 0 {
		return api.ErrClosed
	}
	if err := unix.SetNonblock(s.fd, !blocking); err != nil {
		return netutil.Translate(err)
	}
	s.blocking = blocking
	if blocking {
		return applyIOTimeout(s.fd, s.timeout)
	}
	return applyIOTimeout(s.fd, 0)
}

// Blocking reports the descriptor mode.
func (s *Socket) Blocking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blocking
}

func applyIOTimeout(fd int, d time.Duration) error {
	tv := unix.NsecToTimeval(d.Nanoseconds())
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		return netutil.Translate(err)
	}
	return netutil.Translate(unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_SNDTIMEO, &tv))
}

func (s *Socket) setIntOpt(level, opt, value int) error {
	fd := s.Fd()
	if fd < 0 {
		return api.ErrClosed
	}
	return netutil.Translate(unix.SetsockoptInt(fd, level, opt, value))
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// SetNoDelay toggles TCP_NODELAY.
func (s *Socket) SetNoDelay(on bool) error {
	return s.setIntOpt(unix.IPPROTO_TCP, unix.TCP_NODELAY, boolInt(on))
}

// SetKeepAlive toggles SO_KEEPALIVE.
func (s *Socket) SetKeepAlive(on bool) error {
	return s.setIntOpt(unix.SOL_SOCKET, unix.SO_KEEPALIVE, boolInt(on))
}

// SetReuseAddr toggles SO_REUSEADDR.
func (s *Socket) SetReuseAddr(on bool) error {
	return s.setIntOpt(unix.SOL_SOCKET, unix.SO_REUSEADDR, boolInt(on))
}

// SetLinger sets SO_LINGER; a disabled linger restores the default close.
func (s *Socket) SetLinger(on bool, seconds int) error {
	fd := s.Fd()
	if fd < 0 {
		return api.ErrClosed
	}
	l := &unix.Linger{Onoff: int32(boolInt(on)), Linger: int32(seconds)}
	return netutil.Translate(unix.SetsockoptLinger(fd, unix.SOL_SOCKET, unix.SO_LINGER, l))
}

// Bind binds the descriptor to sa.
func (s *Socket) Bind(sa unix.Sockaddr) error {
	fd := s.Fd()
	if fd < 0 {
		return api.ErrClosed
	}
	return netutil.Translate(unix.Bind(fd, sa))
}

// Listen marks the descriptor passive.
func (s *Socket) Listen(backlog int) error {
	fd := s.Fd()
	if fd < 0 {
		return api.ErrClosed
	}
	if backlog <= 0 {
		backlog = unix.SOMAXCONN
	}
	return netutil.Translate(unix.Listen(fd, backlog))
}

// LocalAddr returns the bound address.
func (s *Socket) LocalAddr() (netip.AddrPort, error) {
	fd := s.Fd()
	if fd < 0 {
		return netip.AddrPort{}, api.ErrClosed
	}
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return netip.AddrPort{}, netutil.Translate(err)
	}
	return netutil.FromSockaddr(sa), nil
}

// SetRemote records the peer address.
func (s *Socket) SetRemote(ap netip.AddrPort) {
	s.mu.Lock()
	s.remote = ap
	s.mu.Unlock()
}

// Remote returns the recorded peer address.
func (s *Socket) Remote() netip.AddrPort {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

// BytesRead returns the plaintext byte count read so far.
func (s *Socket) BytesRead() uint64 { return s.bytesRead.Load() }

// BytesWritten returns the plaintext byte count written so far.
func (s *Socket) BytesWritten() uint64 { return s.bytesWritten.Load() }

// deadline returns now + timeout, or zero when no timeout is set.
func (s *Socket) deadline() time.Time {
	s.mu.Lock()
	d := s.timeout
	s.mu.Unlock()
	if d <= 0 {
		return time.Time{}
	}
	return s.r.Now().Add(d)
}

func (s *Socket) snapshot() (int, *tlsSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fd, s.session
}
