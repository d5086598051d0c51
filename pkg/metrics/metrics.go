// Package metrics exposes the traffic and connection counters described
// in spec.md §4.11 as Prometheus metrics, served on metrics.listen_addr.
//
// Grounded on the teacher's pkg/common/monitoring/metrics.go
// MetricsManager, which wraps a private *prometheus.Registry and exposes
// typed update methods rather than letting callers reach for raw
// CounterVec/GaugeVec handles; generalized here from HTTP
// request/response counters to TUIC's per-user traffic and session
// counters.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every counter/gauge the server updates, registered to its
// own registry so the /metrics endpoint never leaks Go runtime defaults
// the teacher's dashboards don't expect.
type Metrics struct {
	registry *prometheus.Registry

	tcpRx, tcpTx *prometheus.CounterVec
	udpRx, udpTx *prometheus.CounterVec

	activeConnections *prometheus.GaugeVec
	authFailures      prometheus.Counter
	rateLimited       prometheus.Counter
	fragmentsDropped  prometheus.Counter
}

// New builds and registers the metric family.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		tcpRx: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tuicd",
			Subsystem: "traffic",
			Name:      "tcp_rx_bytes_total",
			Help:      "TCP bytes received from clients, by user.",
		}, []string{"user"}),
		tcpTx: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tuicd",
			Subsystem: "traffic",
			Name:      "tcp_tx_bytes_total",
			Help:      "TCP bytes sent to clients, by user.",
		}, []string{"user"}),
		udpRx: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tuicd",
			Subsystem: "traffic",
			Name:      "udp_rx_bytes_total",
			Help:      "UDP bytes received from clients, by user.",
		}, []string{"user"}),
		udpTx: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tuicd",
			Subsystem: "traffic",
			Name:      "udp_tx_bytes_total",
			Help:      "UDP bytes sent to clients, by user.",
		}, []string{"user"}),
		activeConnections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tuicd",
			Name:      "active_connections",
			Help:      "Currently authenticated connections, by user.",
		}, []string{"user"}),
		authFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tuicd",
			Subsystem: "auth",
			Name:      "failures_total",
			Help:      "Failed Authenticate commands.",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tuicd",
			Subsystem: "auth",
			Name:      "rate_limited_total",
			Help:      "Authenticate attempts rejected by the rate limiter.",
		}),
		fragmentsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tuicd",
			Subsystem: "fragment",
			Name:      "dropped_total",
			Help:      "Incomplete Packet fragment entries reaped by gc_lifetime.",
		}),
	}

	reg.MustRegister(m.tcpRx, m.tcpTx, m.udpRx, m.udpTx, m.activeConnections, m.authFailures, m.rateLimited, m.fragmentsDropped)
	return m
}

// Handler serves the registry in the Prometheus text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveTraffic adds one snapshot delta to user's traffic counters.
func (m *Metrics) ObserveTraffic(user string, tcpRx, tcpTx, udpRx, udpTx uint64) {
	if tcpRx > 0 {
		m.tcpRx.WithLabelValues(user).Add(float64(tcpRx))
	}
	if tcpTx > 0 {
		m.tcpTx.WithLabelValues(user).Add(float64(tcpTx))
	}
	if udpRx > 0 {
		m.udpRx.WithLabelValues(user).Add(float64(udpRx))
	}
	if udpTx > 0 {
		m.udpTx.WithLabelValues(user).Add(float64(udpTx))
	}
}

// ConnectionOpened increments user's active connection gauge.
func (m *Metrics) ConnectionOpened(user string) {
	m.activeConnections.WithLabelValues(user).Inc()
}

// ConnectionClosed decrements user's active connection gauge.
func (m *Metrics) ConnectionClosed(user string) {
	m.activeConnections.WithLabelValues(user).Dec()
}

// AuthFailure records one failed Authenticate command.
func (m *Metrics) AuthFailure() { m.authFailures.Inc() }

// RateLimited records one Authenticate attempt rejected by the limiter.
func (m *Metrics) RateLimited() { m.rateLimited.Inc() }

// FragmentDropped records one expired fragment reassembly entry.
func (m *Metrics) FragmentDropped() { m.fragmentsDropped.Inc() }
