package server_test

import (
	"bufio"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/control"
	"github.com/momentics/hioload-net/dns"
	"github.com/momentics/hioload-net/internal/testutil"
	"github.com/momentics/hioload-net/reactor"
	"github.com/momentics/hioload-net/server"
)

const waitFor = 5 * time.Second

// lineEcho writes every received line back and continues the connection.
type lineEcho struct{}

func (lineEcho) OnRequestOpen(c *server.Connection) {
	c.Socket().ReadUntilAsync([]byte("\n"), 0, func(chunk []byte, found bool, err error) {
		if err != nil {
			c.Finalize()
			return
		}
		if !found {
			return
		}
		line := append([]byte(nil), chunk...)
		c.Socket().WriteAsync(line, func(_ int, err error) {
			if err != nil {
				c.Finalize()
				return
			}
			c.Continue()
		})
	})
}

// holder keeps a read pending until it fails.
type holder struct{}

func (holder) OnRequestOpen(c *server.Connection) {
	c.Socket().ReadAsync(make([]byte, 1), func(_ int, _ error) { c.Finalize() })
}

type fixture struct {
	srv     *server.Server
	r       *reactor.Multiplexer
	metrics *control.Metrics
}

func newFixture(t *testing.T, h server.Handler) fixture {
	t.Helper()
	r := testutil.Reactor(t)
	res, err := dns.New(dns.DefaultConfig())
	require.NoError(t, err)
	m := control.NewMetrics(prometheus.NewRegistry())
	srv, err := server.New(r, testutil.Executor(t), res, h,
		server.WithMetrics(m),
		server.WithStopPolling(time.Millisecond, 20*time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(func() { _, _ = srv.Unlisten(time.Second) })
	return fixture{srv: srv, r: r, metrics: m}
}

func loopbackRouter() server.Router {
	router := server.DefaultRouter()
	router.Listeners["main"] = api.RemoteHost{Hostname: "127.0.0.1"}
	router.GracefulTimeWait = server.Duration(200 * time.Millisecond)
	router.SocketTimeout = server.Duration(waitFor)
	return router
}

func (f fixture) start(t *testing.T, router server.Router) string {
	t.Helper()
	require.NoError(t, f.srv.Configure(context.Background(), router))
	require.NoError(t, f.srv.Listen())
	require.Equal(t, server.StateWorking, f.srv.State())
	return f.srv.Router().Listeners["main"].Address()
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	require.NoError(t, conn.SetDeadline(time.Now().Add(waitFor)))
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestConfigureRecordsEphemeralPort(t *testing.T) {
	f := newFixture(t, lineEcho{})
	require.NoError(t, f.srv.Configure(context.Background(), loopbackRouter()))

	host := f.srv.Router().Listeners["main"]
	assert.NotZero(t, host.Port)
	ls := f.srv.Listeners()
	require.Len(t, ls, 1)
	assert.Equal(t, host, ls[0].Host())
	assert.False(t, ls[0].Secure())

	stalled, err := f.srv.Unlisten(0)
	require.NoError(t, err)
	assert.Empty(t, stalled)
	assert.Empty(t, f.srv.Listeners())
}

func TestConfigureFailureUnbinds(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	f := newFixture(t, lineEcho{})
	router := loopbackRouter()
	router.Listeners["zz-busy"] = api.RemoteHost{Hostname: "127.0.0.1", Port: busy.Addr().(*net.TCPAddr).Port}
	err = f.srv.Configure(context.Background(), router)
	assert.Equal(t, api.ErrCodeConfig, api.CodeOf(err))
	assert.Empty(t, f.srv.Listeners())

	router = loopbackRouter()
	router.Certificates["main"] = server.CertificateConfig{KeyPath: "/nonexistent/key.pem", ChainPath: "/nonexistent/chain.pem"}
	err = f.srv.Configure(context.Background(), router)
	assert.Equal(t, api.ErrCodeConfig, api.CodeOf(err))
	assert.Equal(t, server.StateIdle, f.srv.State())
}

func TestEchoKeepAliveAndPoolReturn(t *testing.T) {
	f := newFixture(t, lineEcho{})
	router := loopbackRouter()
	router.KeepAliveMaxCount = 2
	conn := dial(t, f.start(t, router))
	rd := bufio.NewReader(conn)

	for i := 0; i < 2; i++ {
		_, err := fmt.Fprintf(conn, "message %d\n", i)
		require.NoError(t, err)
		line, err := rd.ReadString('\n')
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("message %d\n", i), line)
	}
	_, err := rd.ReadByte()
	assert.ErrorIs(t, err, io.EOF, "keep-alive exhausted closes the connection")
	conn.Close()

	require.Eventually(t, func() bool {
		return f.srv.PoolStats() == server.PoolStats{Active: 0, Inactive: 1}
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, 1.0, promtest.ToFloat64(f.metrics.AcceptedTotal.WithLabelValues("main")))

	// The pooled object serves the next peer.
	conn = dial(t, f.srv.Router().Listeners["main"].Address())
	_, err = conn.Write([]byte("again\n"))
	require.NoError(t, err)
	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "again\n", line)
	assert.Equal(t, server.PoolStats{Active: 1, Inactive: 0}, f.srv.PoolStats())
}

func TestMaxConnectionsRefuses(t *testing.T) {
	f := newFixture(t, holder{})
	router := loopbackRouter()
	router.MaxConnections = 1
	addr := f.start(t, router)

	dial(t, addr)
	require.Eventually(t, func() bool { return f.srv.PoolStats().Active == 1 }, waitFor, 5*time.Millisecond)

	second := dial(t, addr)
	_, err := second.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
	require.Eventually(t, func() bool {
		return promtest.ToFloat64(f.metrics.RefusedTotal.WithLabelValues("main", "max_connections")) == 1
	}, waitFor, 5*time.Millisecond)
}

func TestTLSListener(t *testing.T) {
	cert := testutil.SelfSigned(t, "127.0.0.1")
	f := newFixture(t, lineEcho{})
	router := loopbackRouter()
	router.Listeners["main"] = api.RemoteHost{Hostname: "127.0.0.1", Secure: true}
	router.Certificates["main"] = server.CertificateConfig{KeyPath: cert.KeyPath, ChainPath: cert.CertPath, MinVersion: "1.2"}
	addr := f.start(t, router)
	require.True(t, f.srv.Listeners()[0].Secure())

	sum := sha256.Sum256(cert.TLS.Certificate[0])
	fp, ok := f.srv.Fingerprint("main")
	require.True(t, ok)
	assert.Equal(t, hex.EncodeToString(sum[:]), fp)

	conn, err := tls.Dial("tcp", addr, &tls.Config{RootCAs: cert.Pool})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(waitFor)))
	_, err = conn.Write([]byte("secure line\n"))
	require.NoError(t, err)
	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "secure line\n", line)
}

func TestTLSHandshakeFailureRefuses(t *testing.T) {
	cert := testutil.SelfSigned(t, "127.0.0.1")
	f := newFixture(t, lineEcho{})
	router := loopbackRouter()
	router.Listeners["main"] = api.RemoteHost{Hostname: "127.0.0.1", Secure: true}
	router.Certificates["main"] = server.CertificateConfig{KeyPath: cert.KeyPath, ChainPath: cert.CertPath}
	conn := dial(t, f.start(t, router))

	_, err := conn.Write([]byte("GET / HTTP/1.0\r\n\r\n"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return promtest.ToFloat64(f.metrics.HandshakeFailedTotal.WithLabelValues("main")) == 1
	}, waitFor, 5*time.Millisecond)
	_, _ = io.ReadAll(conn)
	require.Eventually(t, func() bool { return f.srv.PoolStats().Active == 0 }, waitFor, 5*time.Millisecond)
}

func TestUnlistenReportsStalledConnection(t *testing.T) {
	f := newFixture(t, holder{})
	router := loopbackRouter()
	router.GracefulTimeWait = server.Duration(waitFor)
	addr := f.start(t, router)
	base := f.r.Active()

	conn := dial(t, addr)
	require.Eventually(t, func() bool { return f.srv.PoolStats().Active == 1 }, waitFor, 5*time.Millisecond)

	began := time.Now()
	stalled, err := f.srv.Unlisten(0)
	require.NoError(t, err)
	assert.Less(t, time.Since(began), time.Second)
	require.Len(t, stalled, 1)
	assert.True(t, stalled[0].Closing())
	assert.Equal(t, server.StateIdle, f.srv.State())
	assert.Equal(t, base, f.r.Active(), "activation held for the stalled connection")

	_, err = net.Dial("tcp", addr)
	assert.Error(t, err, "listener closed")

	conn.Close()
	require.Eventually(t, func() bool {
		return f.srv.PoolStats().Active == 0 && f.r.Active() == base-1
	}, waitFor, 5*time.Millisecond)
}

func TestUnlistenWaitsForDrain(t *testing.T) {
	f := newFixture(t, lineEcho{})
	addr := f.start(t, loopbackRouter())
	conn := dial(t, addr)
	require.Eventually(t, func() bool { return f.srv.PoolStats().Active == 1 }, waitFor, 5*time.Millisecond)

	go func() {
		// The peer answers the half-close by closing.
		_, _ = io.ReadAll(conn)
		conn.Close()
	}()
	stalled, err := f.srv.Unlisten(waitFor)
	require.NoError(t, err)
	assert.Empty(t, stalled)
	assert.Equal(t, server.PoolStats{}, f.srv.PoolStats())
}

func TestAcceptWhileIdleClosesDescriptor(t *testing.T) {
	f := newFixture(t, lineEcho{})
	a, b := testutil.SocketPair(t)
	defer unix.Close(b)

	f.srv.Accept(&server.Listener{}, a, netip.AddrPort{})
	require.Eventually(t, func() bool {
		n, err := unix.Read(b, make([]byte, 1))
		return n == 0 && err == nil
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, server.PoolStats{}, f.srv.PoolStats())
}

func TestStateMisuse(t *testing.T) {
	f := newFixture(t, lineEcho{})
	f.start(t, loopbackRouter())
	assert.Equal(t, api.ErrCodeInvalidArgument, api.CodeOf(f.srv.Listen()))
	assert.Equal(t, api.ErrCodeInvalidArgument, api.CodeOf(f.srv.Configure(context.Background(), loopbackRouter())))

	_, err := server.New(nil, nil, nil, nil)
	assert.Equal(t, api.ErrCodeInvalidArgument, api.CodeOf(err))
}
