// File: socket/sendfile.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package socket

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/internal/netutil"
)

// SendFileFunc reports the bytes transferred by SendFileAsync.
type SendFileFunc func(n int64, err error)

// SendFile copies up to count bytes of f starting at *offset straight from
// the kernel page cache, advancing *offset. TLS sockets cannot splice
// plaintext and report ErrNotSupported.
func (s *Socket) SendFile(f *os.File, offset *int64, count int) (int, error) {
	fd, sess := s.snapshot()
	if fd < 0 {
		return 0, api.ErrClosed
	}
	if sess != nil {
		return 0, api.Errorf(api.ErrCodeNotSupported, "socket: sendfile over tls")
	}
	if count <= 0 {
		return 0, nil
	}
	for {
		off := *offset
		n, err := unix.Sendfile(fd, int(f.Fd()), &off, count)
		if n > 0 {
			*offset += int64(n)
			s.bytesWritten.Add(uint64(n))
		} else {
			n = 0
		}
		if err == unix.EINTR && n == 0 {
			continue
		}
		if err == unix.EINTR {
			err = nil
		}
		return n, s.blockingErr(netutil.Translate(err))
	}
}

// SendFileAsync transfers count bytes of f from offset and calls cb once.
// A file shorter than requested ends with a reset wrapping ErrEOF.
func (s *Socket) SendFileAsync(f *os.File, offset int64, count int64, cb SendFileFunc) {
	s.sendFileAsync(f, offset, count, 0, cb)
}

func (s *Socket) sendFileAsync(f *os.File, offset, remaining, sent int64, cb SendFileFunc) {
	for remaining > 0 {
		chunk := remaining
		if chunk > 1<<30 {
			chunk = 1 << 30
		}
		n, err := s.SendFile(f, &offset, int(chunk))
		sent += int64(n)
		remaining -= int64(n)
		if err == nil {
			if n == 0 {
				cb(sent, terminal(api.ErrEOF))
				return
			}
			continue
		}
		if !api.IsWouldBlock(err) {
			cb(sent, terminal(err))
			return
		}
		if rerr := s.r.WhenWriteable(s, s.deadline(), func(status error) {
			if status != nil {
				cb(sent, status)
				return
			}
			s.sendFileAsync(f, offset, remaining, sent, cb)
		}); rerr != nil {
			cb(sent, rerr)
		}
		return
	}
	cb(sent, nil)
}
