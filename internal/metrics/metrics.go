// Package metrics provides Prometheus metrics for the stream proxy.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for API latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	StreamsCreated    prometheus.Counter
	ResponsesStarted  prometheus.Counter
	ResponsesFinished *prometheus.CounterVec
	FramesAppended    *prometheus.CounterVec
	FrameBytes        prometheus.Counter

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stream_proxy_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stream_proxy_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stream_proxy_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		StreamsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stream_proxy_streams_created_total",
			Help: "Total streams created.",
		}),

		ResponsesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stream_proxy_responses_started_total",
			Help: "Total responses whose Start frame was appended.",
		}),

		ResponsesFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stream_proxy_responses_finished_total",
			Help: "Total responses by terminal state.",
		}, []string{"state"}),

		FramesAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stream_proxy_frames_appended_total",
			Help: "Total frames appended to the log by frame type.",
		}, []string{"type"}),

		FrameBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stream_proxy_frame_bytes_total",
			Help: "Total frame bytes appended to the log.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stream_proxy_upstream_request_duration_seconds",
			Help:    "Upstream call latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stream_proxy_upstream_responses_total",
			Help: "Total upstream responses by method and status code.",
		}, []string{"method", "status_code"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.StreamsCreated,
		m.ResponsesStarted,
		m.ResponsesFinished,
		m.FramesAppended,
		m.FrameBytes,
		m.UpstreamDuration,
		m.UpstreamResponses,
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

// knownPrefixes lists the allowed path label values (bounded cardinality).
// Stream IDs under /streams must never become label values.
var knownPrefixes = []string{"/streams", "/healthz", "/proxy/status", "/metrics"}

// NormalizePath returns a bounded path label for Prometheus metrics.
func NormalizePath(path string) string {
	for _, prefix := range knownPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			return prefix
		}
	}
	return "other"
}
