package control_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-net/control"
)

func TestMetricsRecordEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := control.NewMetrics(reg)

	m.ConnectionAccepted("web")
	m.ConnectionAccepted("web")
	m.ConnectionRefused("web", "max-connections")
	m.HandshakeFailed("tls")
	m.SetPool(3, 7)
	m.ReactorDispatch()
	m.ReactorTimeouts(2)
	m.ReactorTimeouts(0)
	m.DNSLookup("connect", "miss")
	m.ClientConnect("socket connect", "error")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.AcceptedTotal.WithLabelValues("web")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RefusedTotal.WithLabelValues("web", "max-connections")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HandshakeFailedTotal.WithLabelValues("tls")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ActiveConnections))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.PooledConnections))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DispatchTotal))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.TimeoutTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DNSLookupTotal.WithLabelValues("connect", "miss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ClientConnectTotal.WithLabelValues("socket connect", "error")))

	n, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	assert.Positive(t, n)
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *control.Metrics
	assert.NotPanics(t, func() {
		m.ConnectionAccepted("x")
		m.ConnectionRefused("x", "y")
		m.HandshakeFailed("x")
		m.SetPool(1, 1)
		m.ReactorDispatch()
		m.ReactorTimeouts(1)
		m.DNSLookup("listen", "hit")
		m.ClientConnect("dns resolve", "ok")
	})
}

func TestDebugProbes(t *testing.T) {
	dp := control.NewDebugProbes()
	dp.RegisterProbe("b", func() any { return 2 })
	dp.RegisterProbe("a", func() any { return "one" })
	control.RegisterPlatformProbes(dp)

	names := dp.Names()
	require.Contains(t, names, "platform.cpus")
	assert.Equal(t, "a", names[0])

	state := dp.DumpState()
	assert.Equal(t, "one", state["a"])
	assert.Equal(t, 2, state["b"])
	assert.Positive(t, state["platform.cpus"])

	dp.UnregisterProbe("a")
	assert.NotContains(t, dp.Names(), "a")

	var nilProbes *control.DebugProbes
	assert.NotPanics(t, func() { nilProbes.RegisterProbe("x", func() any { return nil }) })
}
