// Package metrics exposes the Prometheus collectors the server wires into
// GET /metrics: a request counter, an in-flight gauge, an upstream latency
// histogram, and an RPM gauge the server sets from the limit state's
// request window.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector the gateway emits. Construct one with New
// and hand it to the server through its Deps.
type Metrics struct {
	registry        *prometheus.Registry
	RequestsTotal   *prometheus.CounterVec
	InFlight        prometheus.Gauge
	UpstreamLatency *prometheus.HistogramVec
	RPMWindow       prometheus.Gauge
}

// New registers every collector against its own registry so repeated test
// construction never collides with "duplicate metrics collector" panics
// from the default global registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	return newWithRegisterer(reg)
}

func newWithRegisterer(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "llmrouter_requests_total",
			Help: "Total forwarded requests, labeled by provider and outcome status.",
		}, []string{"provider", "status"}),

		InFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "llmrouter_requests_in_flight",
			Help: "Number of requests currently being forwarded to an upstream.",
		}),

		UpstreamLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "llmrouter_upstream_latency_seconds",
			Help:    "Upstream round-trip latency per provider.",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider"}),

		RPMWindow: factory.NewGauge(prometheus.GaugeOpts{
			Name: "llmrouter_rpm_window_size",
			Help: "Current number of requests in the sliding 60s RPM window.",
		}),
	}
}

// Handler returns the http.Handler to mount at GET /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
