// Package metrics holds the Prometheus metrics of the upload server.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Chunk outcome labels.
const (
	StatusOK       = "ok"
	StatusRejected = "rejected"
	StatusDenied   = "denied"
	StatusError    = "error"
)

// Metrics is registered on its own registry so several servers (and tests)
// can live in one process.
type Metrics struct {
	registry *prometheus.Registry

	ChunksReceived  *prometheus.CounterVec   // chunkrelay_chunks_received_total{mode,status}
	BytesReceived   prometheus.Counter       // chunkrelay_bytes_received_total
	ActiveSessions  prometheus.Gauge         // chunkrelay_active_sessions
	DecryptFailures prometheus.Counter       // chunkrelay_decrypt_failures_total
	ArchivedFiles   *prometheus.CounterVec   // chunkrelay_archived_files_total{status}
	RequestDuration *prometheus.HistogramVec // chunkrelay_request_duration_seconds{route}
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		ChunksReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chunkrelay_chunks_received_total",
			Help: "Chunk upload requests by path mode and outcome",
		}, []string{"mode", "status"}),

		BytesReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "chunkrelay_bytes_received_total",
			Help: "Plaintext bytes appended to output files",
		}),

		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "chunkrelay_active_sessions",
			Help: "Client file names with a remembered server file name",
		}),

		DecryptFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "chunkrelay_decrypt_failures_total",
			Help: "Encrypted chunks rejected by envelope checks",
		}),

		ArchivedFiles: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chunkrelay_archived_files_total",
			Help: "Files copied to object storage by outcome",
		}, []string{"status"}),

		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chunkrelay_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveChunk records one chunk request.
func (m *Metrics) ObserveChunk(mode, status string, bytes int) {
	m.ChunksReceived.WithLabelValues(mode, status).Inc()
	if bytes > 0 {
		m.BytesReceived.Add(float64(bytes))
	}
}

// ObserveDuration records the time since start for route.
func (m *Metrics) ObserveDuration(route string, start time.Time) {
	m.RequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
}
