// File: socket/close.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package socket

import (
	"time"

	"github.com/containerd/log"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/internal/netutil"
)

const (
	drainChunk   = 4096
	maxSyncDrain = 64 << 10
)

type rawFd int

func (f rawFd) Fd() int { return int(f) }

// Close cancels pending continuations with ErrClosed, stops any TLS session
// and closes the descriptor. Closing a socket without descriptor is a no-op.
func (s *Socket) Close() error {
	s.mu.Lock()
	fd, sess := s.fd, s.session
	s.fd, s.session = -1, nil
	s.untilIdx = 0
	s.mu.Unlock()
	if fd < 0 {
		return nil
	}
	if s.r != nil {
		s.r.CancelEvents(rawFd(fd), api.ErrClosed)
	}
	if sess != nil {
		sess.close(fd)
	}
	log.L.WithField("fd", fd).Debug("socket closed")
	return netutil.Translate(unix.Close(fd))
}

// shutdownWrite sends close_notify on TLS sockets and half-closes the
// descriptor.
func (s *Socket) shutdownWrite() {
	fd, sess := s.snapshot()
	if fd < 0 {
		return
	}
	if sess != nil {
		sess.closeWrite(fd)
	}
	_ = unix.Shutdown(fd, unix.SHUT_WR)
}

// CloseGraceful half-closes, discards the input already queued and closes.
func (s *Socket) CloseGraceful() error {
	s.shutdownWrite()
	buf := s.buffers.Get(drainChunk)
	defer s.buffers.Put(buf)
	for drained := 0; drained < maxSyncDrain; {
		n, err := s.Read(buf)
		if err != nil {
			break
		}
		drained += n
	}
	return s.Close()
}

// CloseAsync closes the socket and calls cb once. A graceful close
// half-closes first and drains input until end of stream, an error, or the
// drain timeout, which counts as drained.
func (s *Socket) CloseAsync(graceful bool, cb api.IOCallback) {
	if cb == nil {
		cb = func(error) {}
	}
	if !graceful || !s.Valid() {
		cb(s.Close())
		return
	}
	s.shutdownWrite()
	s.mu.Lock()
	drain := s.drain
	s.mu.Unlock()
	deadline := s.r.Now().Add(drain)
	buf := s.buffers.Get(drainChunk)
	s.drainAsync(buf, deadline, func() {
		s.buffers.Put(buf)
		cb(s.Close())
	})
}

func (s *Socket) drainAsync(buf []byte, deadline time.Time, finish func()) {
	for {
		if !s.r.Now().Before(deadline) {
			finish()
			return
		}
		_, err := s.Read(buf)
		if err == nil {
			continue
		}
		if !api.IsWouldBlock(err) {
			finish()
			return
		}
		if rerr := s.r.WhenReadable(s, deadline, func(status error) {
			if status != nil {
				finish()
				return
			}
			s.drainAsync(buf, deadline, finish)
		}); rerr != nil {
			finish()
		}
		return
	}
}
