// File: socket/tls.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// TLS session layered over a non-blocking descriptor. crypto/tls runs
// against an in-memory transport; the socket moves ciphertext between the
// descriptor and that transport and reports want-read / want-write instead
// of blocking.

package socket

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/internal/netutil"
	"github.com/momentics/hioload-net/pool"
)

const (
	recordSize    = 16 << 10
	maxPendingOut = 64 << 10
	maxPlainWrite = recordSize
)

// errBIOWouldBlock is the temporary condition the memory transport reports
// once the handshake is over. crypto/tls does not latch temporary errors.
type errBIOWouldBlock struct{}

func (errBIOWouldBlock) Error() string   { return "tls transport: would block" }
func (errBIOWouldBlock) Timeout() bool   { return true }
func (errBIOWouldBlock) Temporary() bool { return true }

type bioAddr struct{}

func (bioAddr) Network() string { return "memory" }
func (bioAddr) String() string  { return "memory" }

// memoryBIO is the net.Conn handed to crypto/tls. In blocking mode Read
// parks the engine goroutine until ciphertext is fed or input is closed.
type memoryBIO struct {
	mu       sync.Mutex
	cond     *sync.Cond
	in       bytes.Buffer
	out      bytes.Buffer
	blocking bool
	waiting  bool
	closed   bool
}

func newMemoryBIO() *memoryBIO {
	b := &memoryBIO{blocking: true}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *memoryBIO) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for b.in.Len() == 0 && !b.closed {
		if !b.blocking {
			return 0, errBIOWouldBlock{}
		}
		b.waiting = true
		b.cond.Broadcast()
		b.cond.Wait()
	}
	b.waiting = false
	if b.in.Len() == 0 {
		return 0, io.EOF
	}
	return b.in.Read(p)
}

func (b *memoryBIO) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, net.ErrClosed
	}
	b.out.Write(p)
	b.cond.Broadcast()
	return len(p), nil
}

// Close ends the input side; buffered output stays available for flushing.
func (b *memoryBIO) Close() error {
	b.mu.Lock()
	b.closed = true
	b.cond.Broadcast()
	b.mu.Unlock()
	return nil
}

func (b *memoryBIO) feed(p []byte) {
	b.mu.Lock()
	b.in.Write(p)
	b.cond.Broadcast()
	b.mu.Unlock()
}

func (b *memoryBIO) LocalAddr() net.Addr              { return bioAddr{} }
func (b *memoryBIO) RemoteAddr() net.Addr             { return bioAddr{} }
func (b *memoryBIO) SetDeadline(time.Time) error      { return nil }
func (b *memoryBIO) SetReadDeadline(time.Time) error  { return nil }
func (b *memoryBIO) SetWriteDeadline(time.Time) error { return nil }

// tlsSession drives one crypto/tls connection over a memoryBIO.
type tlsSession struct {
	bio  *memoryBIO
	conn *tls.Conn

	// guarded by bio.mu
	started bool
	done    bool
	hsErr   error

	rmu     sync.Mutex
	plain   bytes.Buffer
	scratch []byte
}

func newTLSSession(cfg *tls.Config, server bool) *tlsSession {
	t := &tlsSession{bio: newMemoryBIO()}
	if server {
		t.conn = tls.Server(t.bio, cfg)
	} else {
		t.conn = tls.Client(t.bio, cfg)
	}
	return t
}

func (t *tlsSession) run() {
	err := t.conn.HandshakeContext(context.Background())
	t.bio.mu.Lock()
	t.done, t.hsErr = true, err
	t.bio.blocking = false
	t.bio.cond.Broadcast()
	t.bio.mu.Unlock()
}

func (t *tlsSession) complete() (bool, error) {
	t.bio.mu.Lock()
	defer t.bio.mu.Unlock()
	return t.done, t.hsErr
}

// settle waits until the engine needs more ciphertext or has finished.
func (t *tlsSession) settle() (bool, error) {
	b := t.bio
	b.mu.Lock()
	defer b.mu.Unlock()
	for !t.done && !(b.waiting && b.in.Len() == 0) {
		b.cond.Wait()
	}
	return t.done, t.hsErr
}

// handshake advances the handshake as far as the descriptor allows.
func (t *tlsSession) handshake(fd int) error {
	t.bio.mu.Lock()
	if !t.started {
		t.started = true
		go t.run()
	}
	t.bio.mu.Unlock()

	for {
		done, hsErr := t.settle()
		if err := t.flush(fd); err != nil {
			if done && hsErr != nil {
				return netutil.TranslateTLS(hsErr)
			}
			return err
		}
		if done {
			return netutil.TranslateTLS(hsErr)
		}
		if err := t.pull(fd); err != nil {
			return err
		}
	}
}

// pull moves available ciphertext from fd into the engine. End of stream
// closes the engine input and is not an error here.
func (t *tlsSession) pull(fd int) error {
	buf := pool.Default().Get(recordSize)
	defer pool.Default().Put(buf)
	n, err := readFd(fd, buf)
	if n > 0 {
		t.bio.feed(buf[:n])
		return nil
	}
	switch {
	case errors.Is(err, api.ErrEOF):
		t.bio.Close()
		return nil
	case api.IsWouldBlock(err):
		return api.ErrWantRead
	}
	return err
}

// flush writes pending ciphertext to fd.
func (t *tlsSession) flush(fd int) error {
	b := t.bio
	b.mu.Lock()
	defer b.mu.Unlock()
	for b.out.Len() > 0 {
		n, err := writeFd(fd, b.out.Bytes())
		if n > 0 {
			b.out.Next(n)
		}
		if err != nil {
			if api.IsWouldBlock(err) {
				return api.ErrWantWrite
			}
			return err
		}
	}
	return nil
}

func (t *tlsSession) pending() int {
	t.bio.mu.Lock()
	defer t.bio.mu.Unlock()
	return t.bio.out.Len()
}

// buffered reports plaintext or ciphertext already held in memory, which
// no readiness event will announce.
func (t *tlsSession) buffered() bool {
	t.rmu.Lock()
	n := t.plain.Len()
	t.rmu.Unlock()
	if n > 0 {
		return true
	}
	t.bio.mu.Lock()
	defer t.bio.mu.Unlock()
	return t.bio.in.Len() > 0
}

// fill decrypts everything the engine can produce without more ciphertext.
func (t *tlsSession) fill() error {
	if t.scratch == nil {
		t.scratch = make([]byte, recordSize)
	}
	for {
		n, err := t.conn.Read(t.scratch)
		t.plain.Write(t.scratch[:n])
		if err != nil {
			return err
		}
	}
}

func isBIOWouldBlock(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func (t *tlsSession) ensureHandshake(fd int) error {
	done, hsErr := t.complete()
	if !done {
		return t.handshake(fd)
	}
	return netutil.TranslateTLS(hsErr)
}

func (t *tlsSession) read(fd int, p []byte) (int, error) {
	if err := t.ensureHandshake(fd); err != nil {
		return 0, err
	}
	t.rmu.Lock()
	defer t.rmu.Unlock()
	for {
		if t.plain.Len() > 0 {
			return t.plain.Read(p)
		}
		err := t.fill()
		if t.plain.Len() > 0 {
			continue
		}
		if !isBIOWouldBlock(err) {
			if errors.Is(err, io.EOF) {
				return 0, api.ErrEOF
			}
			return 0, netutil.TranslateTLS(err)
		}
		// Post-handshake messages may have queued records.
		if ferr := t.flush(fd); ferr != nil && !api.IsWouldBlock(ferr) {
			return 0, ferr
		}
		if perr := t.pull(fd); perr != nil {
			return 0, perr
		}
	}
}

// write encrypts at most one record of p. It refuses new plaintext while
// too much ciphertext is waiting for the descriptor.
func (t *tlsSession) write(fd int, p []byte) (int, error) {
	if err := t.ensureHandshake(fd); err != nil {
		return 0, err
	}
	if t.pending() >= maxPendingOut {
		if err := t.flush(fd); err != nil {
			return 0, err
		}
	}
	if len(p) > maxPlainWrite {
		p = p[:maxPlainWrite]
	}
	n, err := t.conn.Write(p)
	if err != nil {
		return n, netutil.TranslateTLS(err)
	}
	if ferr := t.flush(fd); ferr != nil && !api.IsWouldBlock(ferr) {
		return n, ferr
	}
	return n, nil
}

// closeWrite sends close_notify after a completed handshake.
func (t *tlsSession) closeWrite(fd int) {
	if done, err := t.complete(); done && err == nil {
		_ = t.conn.CloseWrite()
		_ = t.flush(fd)
	}
}

// close sends close_notify when possible and stops the engine.
func (t *tlsSession) close(fd int) {
	_ = t.conn.Close()
	if fd >= 0 {
		_ = t.flush(fd)
	}
}

func (t *tlsSession) state() (tls.ConnectionState, bool) {
	if done, err := t.complete(); !done || err != nil {
		return tls.ConnectionState{}, false
	}
	return t.conn.ConnectionState(), true
}

// EnableTLS layers a TLS session over the socket.
func (s *Socket) EnableTLS(cfg *tls.Config, server bool) error {
	if cfg == nil {
		return api.Errorf(api.ErrCodeInvalidArgument, "socket: nil tls config")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session != nil {
		return api.Errorf(api.ErrCodeInvalidArgument, "socket: tls already enabled")
	}
	s.session = newTLSSession(cfg, server)
	return nil
}

// Secure reports whether a TLS session is attached.
func (s *Socket) Secure() bool {
	_, sess := s.snapshot()
	return sess != nil
}

// Handshake advances the TLS handshake. It returns ErrWantRead or
// ErrWantWrite while the descriptor cannot make progress.
func (s *Socket) Handshake() error {
	fd, sess := s.snapshot()
	if fd < 0 {
		return api.ErrClosed
	}
	if sess == nil {
		return api.Errorf(api.ErrCodeInvalidArgument, "socket: tls not enabled")
	}
	return s.blockingErr(sess.handshake(fd))
}

// HandshakeAsync drives the handshake through the reactor and calls cb once.
func (s *Socket) HandshakeAsync(cb api.IOCallback) {
	err := s.Handshake()
	if err == nil || !api.IsWouldBlock(err) {
		cb(err)
		return
	}
	if rerr := s.suspend(err, false, func(status error) {
		if status != nil {
			cb(status)
			return
		}
		s.HandshakeAsync(cb)
	}); rerr != nil {
		cb(rerr)
	}
}

// HandshakeComplete reports a successfully finished handshake.
func (s *Socket) HandshakeComplete() bool {
	_, sess := s.snapshot()
	if sess == nil {
		return false
	}
	done, err := sess.complete()
	return done && err == nil
}

// ConnectionState returns the negotiated TLS parameters once the handshake
// has succeeded.
func (s *Socket) ConnectionState() (tls.ConnectionState, bool) {
	_, sess := s.snapshot()
	if sess == nil {
		return tls.ConnectionState{}, false
	}
	return sess.state()
}

// PeerCertificates returns the certificates presented by the peer.
func (s *Socket) PeerCertificates() []*x509.Certificate {
	st, ok := s.ConnectionState()
	if !ok {
		return nil
	}
	return st.PeerCertificates
}

// Flush writes ciphertext still queued by the TLS session.
func (s *Socket) Flush() error {
	fd, sess := s.snapshot()
	if sess == nil {
		return nil
	}
	if fd < 0 {
		return api.ErrClosed
	}
	return s.blockingErr(sess.flush(fd))
}
