// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Connection admission results.
const (
	ResultAccepted     = "accepted"
	ResultRejectedCap  = "rejected_cap"
	ResultRejectedRate = "rejected_rate"
)

// Relay directions.
const (
	DirectionRequest  = "request"
	DirectionResponse = "response"
)

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	ConnectionsTotal *prometheus.CounterVec
	WorkersActive    prometheus.Gauge
	WorkerPanics     prometheus.Counter

	ExchangesTotal *prometheus.CounterVec
	BytesRelayed   *prometheus.CounterVec
	ProtocolErrors *prometheus.CounterVec

	OriginConnectDuration prometheus.Histogram
	OriginConnectFailures *prometheus.CounterVec

	AdminRequestsTotal   *prometheus.CounterVec
	AdminRequestDuration *prometheus.HistogramVec
	AdminInFlight        prometheus.Gauge
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		ConnectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_proxy_connections_total",
			Help: "Inbound client connections by admission result.",
		}, []string{"result"}),

		WorkersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_proxy_workers_active",
			Help: "Number of live connection workers.",
		}),

		WorkerPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_proxy_worker_panics_total",
			Help: "Workers terminated by a recovered panic.",
		}),

		ExchangesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_proxy_exchanges_total",
			Help: "Completed request/response exchanges.",
		}, []string{"method"}),

		BytesRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_proxy_bytes_relayed_total",
			Help: "Bytes relayed between clients and origins.",
		}, []string{"direction"}),

		ProtocolErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_proxy_protocol_errors_total",
			Help: "Connections aborted or requests skipped due to protocol errors.",
		}, []string{"kind"}),

		OriginConnectDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_proxy_origin_connect_duration_seconds",
			Help:    "Origin resolve and connect latency in seconds.",
			Buckets: defaultBuckets,
		}),

		OriginConnectFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_proxy_origin_connect_failures_total",
			Help: "Failed origin connection attempts by reason.",
		}, []string{"reason"}),

		AdminRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_proxy_admin_http_requests_total",
			Help: "Total admin HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		AdminRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_proxy_admin_http_request_duration_seconds",
			Help:    "Admin HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		AdminInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_proxy_admin_http_requests_in_flight",
			Help: "Number of admin HTTP requests currently being processed.",
		}),
	}

	reg.MustRegister(
		m.ConnectionsTotal,
		m.WorkersActive,
		m.WorkerPanics,
		m.ExchangesTotal,
		m.BytesRelayed,
		m.ProtocolErrors,
		m.OriginConnectDuration,
		m.OriginConnectFailures,
		m.AdminRequestsTotal,
		m.AdminRequestDuration,
		m.AdminInFlight,
	)

	return m
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// knownPrefixes lists the admin paths used as label values (bounded cardinality).
var knownPrefixes = []string{"/healthz", "/proxy/status", "/metrics"}

// NormalizePath returns a bounded path label for admin request metrics.
func NormalizePath(path string) string {
	for _, prefix := range knownPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			return prefix
		}
	}
	return "other"
}
