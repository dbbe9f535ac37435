// control/metrics.go
// Author: momentics <momentics@gmail.com>
//
// Prometheus collectors for the network core.

package control

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "hioload"

// Metrics holds the collectors updated by the reactor, server, resolver and client.
type Metrics struct {
	AcceptedTotal        *prometheus.CounterVec
	RefusedTotal         *prometheus.CounterVec
	HandshakeFailedTotal *prometheus.CounterVec
	ActiveConnections    prometheus.Gauge
	PooledConnections    prometheus.Gauge
	DispatchTotal        prometheus.Counter
	TimeoutTotal         prometheus.Counter
	DNSLookupTotal       *prometheus.CounterVec
	ClientConnectTotal   *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg when reg is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AcceptedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "server", Name: "accepted_total",
			Help: "Connections accepted per listener.",
		}, []string{"listener"}),
		RefusedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "server", Name: "refused_total",
			Help: "Connections refused per listener and reason.",
		}, []string{"listener", "reason"}),
		HandshakeFailedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "server", Name: "tls_handshake_failed_total",
			Help: "Server-side TLS handshakes that failed.",
		}, []string{"listener"}),
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "server", Name: "active_connections",
			Help: "Connections bound to a live descriptor.",
		}),
		PooledConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "server", Name: "pooled_connections",
			Help: "Detached connection objects awaiting reuse.",
		}),
		DispatchTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "reactor", Name: "dispatch_total",
			Help: "Completed reactor dispatch passes.",
		}),
		TimeoutTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "reactor", Name: "timeout_total",
			Help: "Continuations expired by the reactor sweep.",
		}),
		DNSLookupTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dns", Name: "lookup_total",
			Help: "Resolver lookups by mode (listen, connect) and result (hit, miss, error).",
		}, []string{"mode", "result"}),
		ClientConnectTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "client", Name: "connect_total",
			Help: "Client connect outcomes by last stage reached.",
		}, []string{"stage", "result"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.AcceptedTotal, m.RefusedTotal, m.HandshakeFailedTotal,
			m.ActiveConnections, m.PooledConnections,
			m.DispatchTotal, m.TimeoutTotal,
			m.DNSLookupTotal, m.ClientConnectTotal,
		)
	}
	return m
}

func (m *Metrics) ConnectionAccepted(listener string) {
	if m == nil {
		return
	}
	m.AcceptedTotal.WithLabelValues(listener).Inc()
}

func (m *Metrics) ConnectionRefused(listener, reason string) {
	if m == nil {
		return
	}
	m.RefusedTotal.WithLabelValues(listener, reason).Inc()
}

func (m *Metrics) HandshakeFailed(listener string) {
	if m == nil {
		return
	}
	m.HandshakeFailedTotal.WithLabelValues(listener).Inc()
}

// SetPool publishes the server pool occupancy.
func (m *Metrics) SetPool(active, pooled int) {
	if m == nil {
		return
	}
	m.ActiveConnections.Set(float64(active))
	m.PooledConnections.Set(float64(pooled))
}

func (m *Metrics) ReactorDispatch() {
	if m == nil {
		return
	}
	m.DispatchTotal.Inc()
}

func (m *Metrics) ReactorTimeouts(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.TimeoutTotal.Add(float64(n))
}

func (m *Metrics) DNSLookup(mode, result string) {
	if m == nil {
		return
	}
	m.DNSLookupTotal.WithLabelValues(mode, result).Inc()
}

func (m *Metrics) ClientConnect(stage, result string) {
	if m == nil {
		return
	}
	m.ClientConnectTotal.WithLabelValues(stage, result).Inc()
}
