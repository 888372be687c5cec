// Package metrics exposes Prometheus instrumentation for the agent's
// connection lifecycle. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "connectbox"

// Result label values
const (
	ResultOK         = "ok"
	ResultError      = "error"
	ResultPending    = "pending"
	ResultAuthorized = "authorized"
	ResultGenerated  = "generated"
	ResultLoaded     = "loaded"
)

// Metrics holds the agent's collectors and the registry they live in
type Metrics struct {
	registry *prometheus.Registry

	PollRequests    *prometheus.CounterVec
	Pings           *prometheus.CounterVec
	TunnelStarts    *prometheus.CounterVec
	Keygen          *prometheus.CounterVec
	HeartbeatActive prometheus.Gauge
	TunnelRunning   prometheus.Gauge
}

// New creates and registers all collectors on a private registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		PollRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_requests_total",
			Help:      "Approval status queries sent to the jump server, by outcome.",
		}, []string{"result"}),
		Pings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pings_total",
			Help:      "Liveness pings sent to the jump server, by outcome.",
		}, []string{"result"}),
		TunnelStarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tunnel_starts_total",
			Help:      "Attempts to spawn the reverse tunnel process, by outcome.",
		}, []string{"result"}),
		Keygen: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keygen_total",
			Help:      "Key pair resolutions, by outcome.",
		}, []string{"result"}),
		HeartbeatActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "heartbeat_active",
			Help:      "1 while the heartbeat loop is scheduled.",
		}),
		TunnelRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tunnel_running",
			Help:      "1 while a tunnel process handle is held.",
		}),
	}

	reg.MustRegister(
		m.PollRequests,
		m.Pings,
		m.TunnelStarts,
		m.Keygen,
		m.HeartbeatActive,
		m.TunnelRunning,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObservePoll counts one approval query
func (m *Metrics) ObservePoll(result string) {
	if m == nil {
		return
	}
	m.PollRequests.WithLabelValues(result).Inc()
}

// ObservePing counts one liveness ping
func (m *Metrics) ObservePing(result string) {
	if m == nil {
		return
	}
	m.Pings.WithLabelValues(result).Inc()
}

// ObserveTunnelStart counts one spawn attempt
func (m *Metrics) ObserveTunnelStart(result string) {
	if m == nil {
		return
	}
	m.TunnelStarts.WithLabelValues(result).Inc()
}

// ObserveKeygen counts one key pair resolution
func (m *Metrics) ObserveKeygen(result string) {
	if m == nil {
		return
	}
	m.Keygen.WithLabelValues(result).Inc()
}

// SetHeartbeatActive records whether the heartbeat loop is scheduled
func (m *Metrics) SetHeartbeatActive(active bool) {
	if m == nil {
		return
	}
	m.HeartbeatActive.Set(boolToFloat(active))
}

// SetTunnelRunning records whether a tunnel handle is held
func (m *Metrics) SetTunnelRunning(running bool) {
	if m == nil {
		return
	}
	m.TunnelRunning.Set(boolToFloat(running))
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
