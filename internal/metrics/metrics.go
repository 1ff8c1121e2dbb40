// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for request latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Rewrite outcomes.
const (
	RewriteRewritten   = "rewritten"
	RewritePassthrough = "passthrough"
	RewriteFailed      = "failed"
	RewriteOversize    = "oversize"
)

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec

	RewritesTotal     *prometheus.CounterVec
	FallthroughsTotal *prometheus.CounterVec

	prefixes []string
}

// New creates a Metrics instance with a custom registry and all collectors registered.
// Proxy rule prefixes become additional bounded path_prefix label values.
func New(proxyPrefixes ...string) *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "markproxy_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "markproxy_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "markproxy_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "markproxy_upstream_request_duration_seconds",
			Help:    "Upstream call latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "markproxy_upstream_responses_total",
			Help: "Total upstream responses by method and status code.",
		}, []string{"method", "status_code"}),

		RewritesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "markproxy_rewrites_total",
			Help: "Relayed response bodies by rewrite outcome.",
		}, []string{"outcome"}),

		FallthroughsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "markproxy_fallthroughs_total",
			Help: "Requests handed to the next handler instead of being proxied.",
		}, []string{"reason"}),

		prefixes: append(append([]string{}, localPrefixes...), proxyPrefixes...),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.RewritesTotal,
		m.FallthroughsTotal,
	)

	return m
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true, "TRACE": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// Path labels for requests outside every known prefix.
const (
	// PathPrimary labels requests proxied to the primary origin by the catch-all.
	PathPrimary = "primary"
	// PathOther labels everything else, including requests that fell through.
	PathOther = "other"
)

// localPrefixes are the routes served by the proxy process itself.
var localPrefixes = []string{"/healthz", "/proxy/status", "/metrics"}

// NormalizePath returns a bounded path label for Prometheus metrics.
func (m *Metrics) NormalizePath(path string) string {
	lower := strings.ToLower(path)
	for _, prefix := range m.prefixes {
		p := strings.ToLower(prefix)
		if lower == p || strings.HasPrefix(lower, p+"/") || strings.HasPrefix(lower, p+"?") {
			return prefix
		}
	}
	return PathOther
}
