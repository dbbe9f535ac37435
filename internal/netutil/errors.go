// File: internal/netutil/errors.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// OS and TLS error translation into portable api conditions.

package netutil

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"os"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-net/api"
)

// Translate maps an OS-level error to a portable condition. Errors that are
// already api conditions pass through untouched; unknown errors are wrapped
// as internal.
func Translate(err error) error {
	if err == nil {
		return nil
	}
	var ae *api.Error
	if errors.As(err, &ae) {
		return err
	}
	if errors.Is(err, io.EOF) {
		return api.ErrEOF
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return api.Wrap(api.ErrCodeReset, err)
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return api.Wrap(api.ErrCodeTimeout, err)
	}
	var errno unix.Errno
	if !errors.As(err, &errno) {
		return api.Wrap(api.ErrCodeInternal, err)
	}
	return api.Wrap(errnoCode(errno), errno)
}

func errnoCode(errno unix.Errno) api.ErrorCode {
	switch errno {
	case unix.EAGAIN:
		return api.ErrCodeWouldBlock
	case unix.EINPROGRESS, unix.EALREADY:
		return api.ErrCodeInProgress
	case unix.ECONNRESET, unix.EPIPE, unix.ECONNABORTED, unix.ENOTCONN:
		return api.ErrCodeReset
	case unix.ETIMEDOUT:
		return api.ErrCodeTimeout
	case unix.ECONNREFUSED:
		return api.ErrCodeRefused
	case unix.EHOSTUNREACH, unix.ENETUNREACH, unix.EHOSTDOWN, unix.ENETDOWN:
		return api.ErrCodeHostUnreachable
	case unix.EMFILE, unix.ENFILE, unix.ENOBUFS, unix.ENOMEM:
		return api.ErrCodeResourceExhausted
	case unix.EBADF:
		return api.ErrCodeClosed
	case unix.EINVAL, unix.EAFNOSUPPORT, unix.EADDRNOTAVAIL, unix.EADDRINUSE, unix.EDESTADDRREQ:
		return api.ErrCodeBadAddress
	case unix.EINTR:
		return api.ErrCodeInterrupted
	case unix.EOPNOTSUPP, unix.ENOSYS, unix.ENOTSOCK:
		return api.ErrCodeNotSupported
	}
	// EWOULDBLOCK aliases EAGAIN on every supported platform.
	if errno == unix.EWOULDBLOCK {
		return api.ErrCodeWouldBlock
	}
	return api.ErrCodeInternal
}

// TranslateTLS maps errors surfaced by a TLS session. The session reports its
// own want-read / want-write conditions as api errors, which pass through;
// alerts, malformed records and certificate failures become protocol errors.
func TranslateTLS(err error) error {
	if err == nil {
		return nil
	}
	var ae *api.Error
	if errors.As(err, &ae) {
		return err
	}
	var (
		alert     tls.AlertError
		record    tls.RecordHeaderError
		verify    *tls.CertificateVerificationError
		unknownCA x509.UnknownAuthorityError
		invalid   x509.CertificateInvalidError
		hostname  x509.HostnameError
	)
	switch {
	case errors.As(err, &alert),
		errors.As(err, &record),
		errors.As(err, &verify),
		errors.As(err, &unknownCA),
		errors.As(err, &invalid),
		errors.As(err, &hostname):
		return api.Wrap(api.ErrCodeProtocol, err)
	}
	var errno unix.Errno
	if errors.As(err, &errno) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return Translate(err)
	}
	// crypto/tls reports most handshake failures as plain errors.
	return api.Wrap(api.ErrCodeProtocol, err)
}
