// File: socket/io.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Synchronous primitives and their continuation-style counterparts.

package socket

import (
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/internal/netutil"
)

const defaultChunk = 4096

// IOFunc reports the byte count transferred by an async operation and its
// terminal status.
type IOFunc func(n int, err error)

// UntilFunc receives one chunk of a delimited read. found marks the chunk
// ending with the delimiter; err is set on the terminal chunk of a failed read.
type UntilFunc func(chunk []byte, found bool, err error)

func readFd(fd int, p []byte) (int, error) {
	for {
		n, err := unix.Read(fd, p)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, netutil.Translate(err)
		}
		if n == 0 {
			return 0, api.ErrEOF
		}
		return n, nil
	}
}

func writeFd(fd int, p []byte) (int, error) {
	for {
		n, err := unix.Write(fd, p)
		if err == unix.EINTR {
			continue
		}
		if n < 0 {
			n = 0
		}
		return n, netutil.Translate(err)
	}
}

// blockingErr reports a would-block on a blocking descriptor, which only
// happens when SO_RCVTIMEO / SO_SNDTIMEO expired, as a timeout.
func (s *Socket) blockingErr(err error) error {
	if err != nil && api.IsWouldBlock(err) && s.Blocking() {
		return api.Wrap(api.ErrCodeTimeout, err)
	}
	return err
}

// suspend registers resume for the readiness err asks for. Plain would-block
// waits in the operation's own direction; TLS conditions pick theirs.
func (s *Socket) suspend(err error, write bool, resume api.IOCallback) error {
	switch api.CodeOf(err) {
	case api.ErrCodeWantWrite:
		write = true
	case api.ErrCodeWantRead:
		write = false
	}
	if write {
		return s.r.WhenWriteable(s, s.deadline(), resume)
	}
	return s.r.WhenReadable(s, s.deadline(), resume)
}

// Read reads once. End of stream is ErrEOF; nothing available is a
// would-block condition.
func (s *Socket) Read(p []byte) (int, error) {
	fd, sess := s.snapshot()
	if fd < 0 {
		return 0, api.ErrClosed
	}
	if len(p) == 0 {
		return 0, nil
	}
	var n int
	var err error
	if sess != nil {
		n, err = sess.read(fd, p)
	} else {
		n, err = readFd(fd, p)
	}
	if n > 0 {
		s.bytesRead.Add(uint64(n))
	}
	return n, s.blockingErr(err)
}

// Write writes once and may accept fewer bytes than len(p) without error.
func (s *Socket) Write(p []byte) (int, error) {
	fd, sess := s.snapshot()
	if fd < 0 {
		return 0, api.ErrClosed
	}
	if len(p) == 0 {
		return 0, nil
	}
	var n int
	var err error
	if sess != nil {
		n, err = sess.write(fd, p)
	} else {
		n, err = writeFd(fd, p)
	}
	if n > 0 {
		s.bytesWritten.Add(uint64(n))
	}
	return n, s.blockingErr(err)
}

// terminal reports an operation failure inside an async variant as a reset
// carrying the underlying condition, so errors.Is matches both.
func terminal(err error) error {
	if api.CodeOf(err) == api.ErrCodeReset {
		return err
	}
	return api.Wrap(api.ErrCodeReset, err)
}

// ReadAsync fills p and calls cb once. End of stream is reported as a reset
// wrapping ErrEOF together with the partial count.
func (s *Socket) ReadAsync(p []byte, cb IOFunc) {
	s.readAsync(p, 0, cb)
}

func (s *Socket) readAsync(p []byte, off int, cb IOFunc) {
	for off < len(p) {
		n, err := s.Read(p[off:])
		off += n
		if err == nil {
			continue
		}
		if !api.IsWouldBlock(err) {
			cb(off, terminal(err))
			return
		}
		if rerr := s.suspend(err, false, func(status error) {
			if status != nil {
				cb(off, status)
				return
			}
			s.readAsync(p, off, cb)
		}); rerr != nil {
			cb(off, rerr)
		}
		return
	}
	cb(off, nil)
}

// WriteAsync writes all of p and calls cb once. On the first suspension the
// unsent remainder is copied into a pooled buffer, so p may be reused as
// soon as WriteAsync returns.
func (s *Socket) WriteAsync(p []byte, cb IOFunc) {
	s.writeAsync(p, 0, nil, cb)
}

func (s *Socket) writeAsync(p []byte, done int, owned []byte, cb IOFunc) {
	finish := func(err error) {
		if owned != nil {
			s.buffers.Put(owned)
		}
		cb(done, err)
	}
	resume := func(rest []byte) api.IOCallback {
		return func(status error) {
			if status != nil {
				finish(status)
				return
			}
			s.writeAsync(rest, done, owned, cb)
		}
	}

	for len(p) > 0 {
		n, err := s.Write(p)
		p = p[n:]
		done += n
		if err == nil {
			continue
		}
		if !api.IsWouldBlock(err) {
			finish(terminal(err))
			return
		}
		if owned == nil && len(p) > 0 {
			owned = s.buffers.Get(len(p))
			copy(owned, p)
			p = owned
		}
		if rerr := s.suspend(err, true, resume(p)); rerr != nil {
			finish(rerr)
		}
		return
	}

	if err := s.Flush(); err != nil {
		if !api.IsWouldBlock(err) {
			finish(terminal(err))
			return
		}
		if rerr := s.suspend(err, true, resume(nil)); rerr != nil {
			finish(rerr)
		}
		return
	}
	finish(nil)
}

// advance moves a delimiter match index past byte b. A mismatching byte is
// re-tested against the first delimiter byte.
func advance(idx int, b byte, delim []byte) int {
	if b == delim[idx] {
		return idx + 1
	}
	if b == delim[0] {
		return 1
	}
	return 0
}

// ReadUntil reads one byte at a time into p until delim has been read or p
// is full. A partial match survives a would-block and continues on the next
// call. n counts the bytes stored in p, delimiter included.
//
// A byte that breaks a partial match is tested again as the possible start
// of a new match, so "\r\r\n" is found by delimiter "\r\n". The scan does
// not backtrack further: delimiter "aab" is missed in "aaab".
func (s *Socket) ReadUntil(p, delim []byte) (n int, found bool, err error) {
	if len(delim) == 0 {
		return 0, false, api.Errorf(api.ErrCodeInvalidArgument, "socket: empty delimiter")
	}
	for n < len(p) {
		if _, err = s.Read(p[n : n+1]); err != nil {
			return n, false, err
		}
		b := p[n]
		n++
		s.mu.Lock()
		s.untilIdx = advance(s.untilIdx, b, delim)
		if s.untilIdx == len(delim) {
			s.untilIdx = 0
			s.mu.Unlock()
			return n, true, nil
		}
		s.mu.Unlock()
	}
	return n, false, nil
}

// ReadUntilAsync reads until delim, delivering full chunks of at most
// chunkSize bytes as they fill and the final chunk once, either ending with
// the delimiter or carrying the terminal error.
func (s *Socket) ReadUntilAsync(delim []byte, chunkSize int, cb UntilFunc) {
	if len(delim) == 0 {
		cb(nil, false, api.Errorf(api.ErrCodeInvalidArgument, "socket: empty delimiter"))
		return
	}
	if chunkSize <= 0 {
		chunkSize = defaultChunk
	}
	s.readUntilAsync(delim, make([]byte, chunkSize), 0, cb)
}

func (s *Socket) readUntilAsync(delim, buf []byte, off int, cb UntilFunc) {
	for {
		n, found, err := s.ReadUntil(buf[off:], delim)
		off += n
		switch {
		case found:
			cb(buf[:off], true, nil)
			return
		case err == nil:
			cb(buf[:off], false, nil)
			buf, off = make([]byte, len(buf)), 0
		case api.IsWouldBlock(err):
			if rerr := s.suspend(err, false, func(status error) {
				if status != nil {
					cb(buf[:off], false, status)
					return
				}
				s.readUntilAsync(delim, buf, off, cb)
			}); rerr != nil {
				cb(buf[:off], false, rerr)
			}
			return
		default:
			cb(buf[:off], false, terminal(err))
			return
		}
	}
}

// WaitReadable calls cb once the socket has input or the timeout expires.
// Input already decrypted by a TLS session counts as readable.
func (s *Socket) WaitReadable(cb api.IOCallback) {
	if _, sess := s.snapshot(); sess != nil && sess.buffered() {
		cb(nil)
		return
	}
	if err := s.r.WhenReadable(s, s.deadline(), cb); err != nil {
		cb(err)
	}
}
