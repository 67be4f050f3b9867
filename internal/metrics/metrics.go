// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for request latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30}

// Response modes.
const (
	ModeRewrite     = "rewrite"
	ModePassthrough = "passthrough"
)

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec
	UpstreamErrors    *prometheus.CounterVec

	Responses      *prometheus.CounterVec
	RewrittenLinks *prometheus.CounterVec

	prefixes []string
}

// New creates a Metrics instance with a custom registry and all collectors
// registered. Request paths equal to or below one of routes keep their own
// path_prefix label; everything else is counted as "other".
func New(routes ...string) *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rewrite_proxy_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rewrite_proxy_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rewrite_proxy_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rewrite_proxy_upstream_request_duration_seconds",
			Help:    "Time to upstream response headers in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rewrite_proxy_upstream_responses_total",
			Help: "Total upstream responses by method and status code.",
		}, []string{"method", "status_code"}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rewrite_proxy_upstream_errors_total",
			Help: "Total failed upstream calls by failure kind.",
		}, []string{"kind"}),

		Responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rewrite_proxy_responses_total",
			Help: "Total proxied responses by body handling mode.",
		}, []string{"mode"}),

		RewrittenLinks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rewrite_proxy_rewritten_links_total",
			Help: "Link-bearing attributes seen in HTML bodies, by outcome.",
		}, []string{"result"}),

		prefixes: append([]string{"/healthz", "/status"}, routes...),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.UpstreamErrors,
		m.Responses,
		m.RewrittenLinks,
	)

	return m
}

// ObserveLinks records the outcome of one rewrite pass. It is safe to call
// on a nil Metrics.
func (m *Metrics) ObserveLinks(rewritten, skipped int) {
	if m == nil {
		return
	}
	if rewritten > 0 {
		m.RewrittenLinks.WithLabelValues("rewritten").Add(float64(rewritten))
	}
	if skipped > 0 {
		m.RewrittenLinks.WithLabelValues("skipped").Add(float64(skipped))
	}
}

// ObserveResponse counts one proxied response. It is safe to call on a nil
// Metrics.
func (m *Metrics) ObserveResponse(mode string) {
	if m == nil {
		return
	}
	m.Responses.WithLabelValues(mode).Inc()
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

// NormalizePath returns a bounded path label for Prometheus metrics.
func (m *Metrics) NormalizePath(path string) string {
	for _, prefix := range m.prefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			return prefix
		}
	}
	return "other"
}
