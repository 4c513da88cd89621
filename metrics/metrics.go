// Package metrics exposes the proxy's Prometheus instrumentation.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the proxy's counters and gauges.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal *prometheus.CounterVec
	authDenials   *prometheus.CounterVec
	openTunnels   prometheus.Gauge
}

// New creates and registers the metric set.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zerogate_requests_total",
			Help: "Requests forwarded upstream, by service and status class.",
		}, []string{"service", "status_class"}),
		authDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zerogate_auth_denials_total",
			Help: "Requests denied by the access-control chain, by reason.",
		}, []string{"reason"}),
		openTunnels: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "zerogate_open_tunnels",
			Help: "WebSocket tunnels currently relaying.",
		}),
	}

	registry.MustRegister(m.requestsTotal, m.authDenials, m.openTunnels)
	return m
}

// Handler serves the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RequestForwarded records a forwarded request's outcome.
func (m *Metrics) RequestForwarded(service string, status int) {
	class := strconv.Itoa(status/100) + "xx"
	m.requestsTotal.WithLabelValues(service, class).Inc()
}

// AuthDenied records an access-chain denial.
func (m *Metrics) AuthDenied(reason string) {
	m.authDenials.WithLabelValues(reason).Inc()
}

// TunnelOpened marks a tunnel as relaying.
func (m *Metrics) TunnelOpened() {
	m.openTunnels.Inc()
}

// TunnelClosed marks a tunnel as torn down.
func (m *Metrics) TunnelClosed() {
	m.openTunnels.Dec()
}
