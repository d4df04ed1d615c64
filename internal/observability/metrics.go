package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the relay's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	SessionsActive    prometheus.Gauge
	SessionsTotal     *prometheus.CounterVec
	AudioBytesTotal   prometheus.Counter
	PartialsTotal     prometheus.Counter
	FinalsTotal       prometheus.Counter
	UpstreamDialError prometheus.Counter
	UpstreamDial      prometheus.Histogram
}

// NewMetrics builds a fresh registry with all relay collectors registered.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scribe_relay_sessions_active",
			Help: "Number of live dictation sessions.",
		}),
		SessionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scribe_relay_sessions_total",
				Help: "Total sessions by terminal outcome.",
			},
			[]string{"outcome"},
		),
		AudioBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scribe_relay_audio_bytes_total",
			Help: "Total audio bytes forwarded upstream.",
		}),
		PartialsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scribe_relay_partial_results_total",
			Help: "Total partial transcript results relayed to clients.",
		}),
		FinalsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scribe_relay_final_results_total",
			Help: "Total final transcript results relayed to clients.",
		}),
		UpstreamDialError: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scribe_relay_upstream_dial_errors_total",
			Help: "Failed upstream engine connection attempts.",
		}),
		UpstreamDial: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "scribe_relay_upstream_dial_duration_seconds",
			Help:    "Upstream engine connection establishment time.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.SessionsActive,
		m.SessionsTotal,
		m.AudioBytesTotal,
		m.PartialsTotal,
		m.FinalsTotal,
		m.UpstreamDialError,
		m.UpstreamDial,
	)

	return m
}

// Handler returns the HTTP handler serving the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
