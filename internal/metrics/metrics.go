// Package metrics exposes Prometheus instrumentation for the gateway.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"streamgate/internal/models"
)

const namespace = "streamgate"

// Request outcomes. Each generation request records exactly one.
const (
	OutcomeCompleted = "completed"
	OutcomeRejected  = "rejected"
	OutcomeCancelled = "cancelled"
)

// Metrics holds the gateway collectors on a private registry.
type Metrics struct {
	registry       *prometheus.Registry
	requests       *prometheus.CounterVec
	chunks         *prometheus.CounterVec
	tools          *prometheus.CounterVec
	streamDuration *prometheus.HistogramVec
}

// New registers the gateway collectors plus the Go and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generation_requests_total",
			Help:      "Generation requests by outcome.",
		}, []string{"outcome"}),
		chunks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_total",
			Help:      "Normalized chunks forwarded by platform and finish reason.",
		}, []string{"platform", "finish_reason"}),
		tools: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_invocations_total",
			Help:      "Local tool invocations by tool and outcome.",
		}, []string{"tool", "outcome"}),
		streamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "model_stream_duration_seconds",
			Help:      "Time from dispatch to the last chunk of one model stream.",
			Buckets:   []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"platform"}),
	}

	m.registry.MustRegister(
		m.requests,
		m.chunks,
		m.tools,
		m.streamDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveRequest counts one generation request.
func (m *Metrics) ObserveRequest(outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(outcome).Inc()
}

// ObserveChunk counts one forwarded chunk.
func (m *Metrics) ObserveChunk(platform string, reason models.FinishReason) {
	if m == nil {
		return
	}
	label := string(reason)
	if reason == models.FinishNone {
		label = "none"
	}
	m.chunks.WithLabelValues(platform, label).Inc()
}

// ObserveTool counts one tool invocation. Its signature matches tools.Observer.
func (m *Metrics) ObserveTool(tool, outcome string) {
	if m == nil {
		return
	}
	m.tools.WithLabelValues(tool, outcome).Inc()
}

// ObserveStream records the duration of one model stream.
func (m *Metrics) ObserveStream(platform string, d time.Duration) {
	if m == nil {
		return
	}
	m.streamDuration.WithLabelValues(platform).Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
