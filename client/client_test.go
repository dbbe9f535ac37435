package client_test

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/client"
	"github.com/momentics/hioload-net/control"
	"github.com/momentics/hioload-net/dns"
	"github.com/momentics/hioload-net/internal/testutil"
)

const waitFor = 5 * time.Second

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitFor):
		t.Fatal("callback never fired")
	}
	var zero T
	return zero
}

// echo serves io.Copy on every accepted connection until ln closes.
func echo(t *testing.T, ln net.Listener) int {
	t.Helper()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				_ = conn.SetDeadline(time.Now().Add(waitFor))
				_, _ = io.Copy(conn, conn)
			}()
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

func plainEcho(t *testing.T) (net.Listener, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	return ln, echo(t, ln)
}

func tlsEcho(t *testing.T, cert testutil.Cert) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	return echo(t, tls.NewListener(ln, &tls.Config{Certificates: []tls.Certificate{cert.TLS}}))
}

type fixture struct {
	metrics *control.Metrics
	newFn   func(cfg client.Config, opts ...client.Option) *client.Client
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	r := testutil.Reactor(t)
	exec := testutil.Executor(t)
	res, err := dns.New(dns.DefaultConfig())
	require.NoError(t, err)
	m := control.NewMetrics(prometheus.NewRegistry())
	return fixture{
		metrics: m,
		newFn: func(cfg client.Config, opts ...client.Option) *client.Client {
			c, err := client.New(r, exec, res, cfg, append(opts, client.WithMetrics(m))...)
			require.NoError(t, err)
			t.Cleanup(func() { _ = c.Socket().Close() })
			return c
		},
	}
}

func config(port int, secure bool) client.Config {
	cfg := client.DefaultConfig()
	cfg.Host = api.RemoteHost{Hostname: "127.0.0.1", Port: port, Secure: secure}
	cfg.Timeout = waitFor
	return cfg
}

func connect(t *testing.T, c *client.Client) error {
	t.Helper()
	done := make(chan error, 2)
	require.NoError(t, c.Connect(context.Background(), func(err error) { done <- err }))
	err := recv(t, done)
	select {
	case <-done:
		t.Fatal("done called twice")
	case <-time.After(20 * time.Millisecond):
	}
	return err
}

func roundTrip(t *testing.T, c *client.Client, msg string) string {
	t.Helper()
	type result struct {
		n   int
		err error
	}
	wrote := make(chan result, 1)
	c.Socket().WriteAsync([]byte(msg), func(n int, err error) { wrote <- result{n, err} })
	w := recv(t, wrote)
	require.NoError(t, w.err)
	require.Equal(t, len(msg), w.n)

	buf := make([]byte, len(msg))
	read := make(chan result, 1)
	c.Socket().ReadAsync(buf, func(n int, err error) { read <- result{n, err} })
	rd := recv(t, read)
	require.NoError(t, rd.err)
	return string(buf[:rd.n])
}

func TestConnectAndClose(t *testing.T) {
	f := newFixture(t)
	_, port := plainEcho(t)

	var hooked atomic.Int32
	c := f.newFn(config(port, false), client.OnConnect(func(c *client.Client) {
		assert.True(t, c.Socket().Valid())
		hooked.Add(1)
	}))
	assert.Equal(t, client.StageIdle, c.Stage())

	require.NoError(t, connect(t, c))
	assert.Equal(t, int32(1), hooked.Load())
	assert.Equal(t, client.StageConnected, c.Stage())
	assert.Equal(t, port, int(c.Socket().Remote().Port()))
	require.NotNil(t, c.Address())
	assert.Equal(t, "ping\n", roundTrip(t, c, "ping\n"))
	assert.Equal(t, 1.0, promtest.ToFloat64(f.metrics.ClientConnectTotal.WithLabelValues(client.StageProtoConnect, "ok")))

	closed := make(chan error, 1)
	c.Close(func(err error) { closed <- err })
	require.NoError(t, recv(t, closed))
	assert.Equal(t, client.StageClosed, c.Stage())
	assert.False(t, c.Socket().Valid())
	assert.Nil(t, c.Address())
}

func TestConnectStageFailure(t *testing.T) {
	f := newFixture(t)
	ln, port := plainEcho(t)
	c := f.newFn(config(port, false))
	require.NoError(t, connect(t, c))

	closed := make(chan error, 1)
	c.Close(func(err error) { closed <- err })
	require.NoError(t, recv(t, closed))
	require.NoError(t, ln.Close())

	// The cached resolution survives; the connect itself is refused.
	err := connect(t, c)
	require.Error(t, err)
	assert.Equal(t, api.ErrCodeRefused, api.CodeOf(err))
	assert.Contains(t, err.Error(), client.StageConnect)
	assert.Equal(t, client.StageConnect, c.Stage())
	assert.False(t, c.Socket().Valid())
	assert.Equal(t, 1.0, promtest.ToFloat64(f.metrics.ClientConnectTotal.WithLabelValues(client.StageConnect, "error")))
}

func TestResolveStageFailure(t *testing.T) {
	f := newFixture(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	c := f.newFn(config(port, false))
	err = connect(t, c)
	assert.Equal(t, api.ErrCodeHostUnreachable, api.CodeOf(err))
	assert.Equal(t, client.StageResolve, c.Stage())
	assert.Nil(t, c.Address())
}

func TestSecureConnect(t *testing.T) {
	f := newFixture(t)
	cert := testutil.SelfSigned(t, "127.0.0.1")
	cfg := config(tlsEcho(t, cert), true)
	cfg.TLSConfig = &tls.Config{RootCAs: cert.Pool}
	c := f.newFn(cfg)

	require.NoError(t, connect(t, c))
	assert.True(t, c.Socket().Secure())
	assert.True(t, c.Socket().HandshakeComplete())
	state, ok := c.Socket().ConnectionState()
	require.True(t, ok)
	assert.True(t, state.HandshakeComplete)
	assert.Equal(t, "secret\n", roundTrip(t, c, "secret\n"))
}

func TestSecureConnectUntrusted(t *testing.T) {
	f := newFixture(t)
	cert := testutil.SelfSigned(t, "127.0.0.1")
	c := f.newFn(config(tlsEcho(t, cert), true))

	err := connect(t, c)
	assert.Equal(t, api.ErrCodeProtocol, api.CodeOf(err))
	assert.Equal(t, client.StageProtoConnect, c.Stage())
	assert.False(t, c.Socket().Valid())
}

func TestDisableAutoEncrypt(t *testing.T) {
	f := newFixture(t)
	cert := testutil.SelfSigned(t, "127.0.0.1")
	cfg := config(tlsEcho(t, cert), true)
	cfg.TLSConfig = &tls.Config{RootCAs: cert.Pool}
	cfg.DisableAutoEncrypt = true
	c := f.newFn(cfg)

	require.NoError(t, connect(t, c))
	assert.True(t, c.Socket().Secure())
	assert.False(t, c.Socket().HandshakeComplete())

	hs := make(chan error, 1)
	c.Socket().HandshakeAsync(func(err error) { hs <- err })
	require.NoError(t, recv(t, hs))
	assert.True(t, c.Socket().HandshakeComplete())
}

func TestBlockingConnect(t *testing.T) {
	f := newFixture(t)
	_, port := plainEcho(t)
	cfg := config(port, false)
	cfg.Blocking = true
	c := f.newFn(cfg)

	var called atomic.Int32
	require.NoError(t, c.Connect(context.Background(), func(err error) {
		assert.NoError(t, err)
		called.Add(1)
	}))
	assert.Equal(t, int32(1), called.Load())
	assert.True(t, c.Socket().Blocking())

	n, err := c.Socket().Write([]byte("sync\n"))
	require.NoError(t, err)
	require.Equal(t, 5, n)
	buf := make([]byte, 5)
	n, err = c.Socket().Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "sync\n", string(buf[:n]))
}

func TestConnectWhileBusy(t *testing.T) {
	f := newFixture(t)
	_, port := plainEcho(t)

	var second, reported error
	c := f.newFn(config(port, false), client.OnConnect(func(c *client.Client) {
		second = c.Connect(context.Background(), func(err error) { reported = err })
	}))
	require.NoError(t, connect(t, c))
	assert.Equal(t, api.ErrCodeInvalidArgument, api.CodeOf(second))
	assert.Equal(t, second, reported)
	assert.Equal(t, client.StageConnected, c.Stage())
}

func TestNewMisuse(t *testing.T) {
	_, err := client.New(nil, nil, nil, client.DefaultConfig())
	assert.Equal(t, api.ErrCodeInvalidArgument, api.CodeOf(err))

	r := testutil.Reactor(t)
	res, err := dns.New(dns.DefaultConfig())
	require.NoError(t, err)
	cfg := client.DefaultConfig()
	cfg.Timeout = -time.Second
	_, err = client.New(r, testutil.Executor(t), res, cfg)
	assert.Equal(t, api.ErrCodeInvalidArgument, api.CodeOf(err))
}
