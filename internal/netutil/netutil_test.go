package netutil_test

import (
	"crypto/tls"
	"errors"
	"io"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/internal/netutil"
)

func TestTranslateErrno(t *testing.T) {
	cases := []struct {
		in   error
		want api.ErrorCode
	}{
		{unix.EAGAIN, api.ErrCodeWouldBlock},
		{unix.EINPROGRESS, api.ErrCodeInProgress},
		{unix.ECONNRESET, api.ErrCodeReset},
		{unix.EPIPE, api.ErrCodeReset},
		{unix.ETIMEDOUT, api.ErrCodeTimeout},
		{unix.ECONNREFUSED, api.ErrCodeRefused},
		{unix.EHOSTUNREACH, api.ErrCodeHostUnreachable},
		{unix.EMFILE, api.ErrCodeResourceExhausted},
		{unix.EBADF, api.ErrCodeClosed},
		{unix.EADDRINUSE, api.ErrCodeBadAddress},
		{unix.EINTR, api.ErrCodeInterrupted},
		{io.EOF, api.ErrCodeEOF},
		{errors.New("mystery"), api.ErrCodeInternal},
	}
	for _, c := range cases {
		got := netutil.Translate(c.in)
		assert.Equal(t, c.want, api.CodeOf(got), "translate %v", c.in)
	}
	assert.Nil(t, netutil.Translate(nil))

	// Conditions keep their cause for diagnostics.
	require.True(t, errors.Is(netutil.Translate(unix.ECONNREFUSED), unix.ECONNREFUSED))
	require.True(t, errors.Is(netutil.Translate(unix.ECONNREFUSED), api.ErrRefused))
}

func TestTranslateTLS(t *testing.T) {
	assert.True(t, api.IsWouldBlock(netutil.TranslateTLS(api.ErrWantRead)))
	assert.True(t, api.IsWouldBlock(netutil.TranslateTLS(api.ErrWantWrite)))
	assert.Equal(t, api.ErrCodeProtocol, api.CodeOf(netutil.TranslateTLS(tls.AlertError(40))))
	assert.Equal(t, api.ErrCodeProtocol, api.CodeOf(netutil.TranslateTLS(errors.New("tls: bad certificate"))))
	assert.Equal(t, api.ErrCodeReset, api.CodeOf(netutil.TranslateTLS(unix.ECONNRESET)))
}

func TestSockaddrRoundTrip(t *testing.T) {
	for _, s := range []string{"127.0.0.1:8080", "[::1]:443"} {
		ap := netip.MustParseAddrPort(s)
		sa, err := netutil.ToSockaddr(ap)
		require.NoError(t, err)
		assert.Equal(t, ap, netutil.FromSockaddr(sa))
		assert.Equal(t, s, netutil.FormatSockaddr(sa))
	}
	_, err := netutil.ToSockaddr(netip.AddrPort{})
	require.True(t, errors.Is(err, api.ErrBadAddress))

	assert.Equal(t, unix.AF_INET, netutil.FamilyOf(netip.MustParseAddr("10.0.0.1")))
	assert.Equal(t, unix.AF_INET6, netutil.FamilyOf(netip.MustParseAddr("fe80::1")))
	assert.Equal(t, "<nil>", netutil.FormatSockaddr(nil))
}

func TestWaitMany(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	set := []netutil.PollFD{{Fd: fds[0], Read: true}}
	n, err := netutil.WaitMany(set, 10*time.Millisecond)
	require.NoError(t, err)
	require.Zero(t, n)
	require.False(t, set[0].Readable)

	_, err = unix.Write(fds[1], []byte("x"))
	require.NoError(t, err)

	set = append(set, netutil.PollFD{Fd: fds[1], Write: true})
	n, err = netutil.WaitMany(set, time.Second)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.True(t, set[0].Readable)
	require.True(t, set[1].Writeable)
}

func TestOpenNonblockingAndSocketError(t *testing.T) {
	fd, err := netutil.OpenNonblocking(unix.AF_INET, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	require.NoError(t, err)
	defer unix.Close(fd)

	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	require.NoError(t, err)
	require.NotZero(t, flags&unix.O_NONBLOCK)
	require.NoError(t, netutil.SocketError(fd))
	require.True(t, errors.Is(netutil.RequireValid(-1), api.ErrClosed))
}
