// Package telemetry exposes the gateway's Prometheus metrics.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/faucetdb/sluice/internal/model"
)

const namespace = "sluice"

// Metrics holds the collectors for one gateway process. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	requests       *prometheus.CounterVec
	duration       *prometheus.HistogramVec
	upstream       *prometheus.HistogramVec
	rejections     *prometheus.CounterVec
	cache          *prometheus.CounterVec
	missingSecrets *prometheus.CounterVec
	health         *prometheus.GaugeVec
}

// New creates a registry with the gateway collectors plus the Go runtime and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "requests_total",
			Help:      "Proxied requests by connector, status code, and error layer.",
		}, []string{"connector", "code", "layer"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "request_duration_seconds",
			Help:      "End-to-end gateway latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"connector"}),
		upstream: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "upstream_duration_seconds",
			Help:      "Time to upstream response headers.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"connector"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "rejections_total",
			Help:      "Requests rejected by the gateway, by error kind.",
		}, []string{"kind"}),
		cache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "cache_lookups_total",
			Help:      "Response cache lookups by result.",
		}, []string{"result"}),
		missingSecrets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "missing_secrets_total",
			Help:      "Requests forwarded while a declared secret was not configured.",
		}, []string{"connector"}),
		health: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "status",
			Help:      "Latest probe result per connector: 1 up, 0.5 degraded, 0 down.",
		}, []string{"connector"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requests, m.duration, m.upstream, m.rejections, m.cache, m.missingSecrets, m.health,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveRequest counts one completed proxied request.
func (m *Metrics) ObserveRequest(connector string, code int, layer string, d time.Duration) {
	if m == nil {
		return
	}
	if layer == "" {
		layer = "none"
	}
	m.requests.WithLabelValues(connector, strconv.Itoa(code), layer).Inc()
	m.duration.WithLabelValues(connector).Observe(d.Seconds())
}

// ObserveUpstream records time to upstream headers.
func (m *Metrics) ObserveUpstream(connector string, d time.Duration) {
	if m == nil {
		return
	}
	m.upstream.WithLabelValues(connector).Observe(d.Seconds())
}

// Rejected counts a gateway rejection.
func (m *Metrics) Rejected(kind string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(kind).Inc()
}

// CacheLookup counts a response cache hit or miss.
func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cache.WithLabelValues(result).Inc()
}

// MissingSecret counts a request forwarded without one of its secrets.
func (m *Metrics) MissingSecret(connector string) {
	if m == nil {
		return
	}
	m.missingSecrets.WithLabelValues(connector).Inc()
}

// HealthObserved sets the health gauge for a connector.
func (m *Metrics) HealthObserved(connector string, status model.HealthStatus) {
	if m == nil {
		return
	}
	v := 0.0
	switch status {
	case model.HealthUp:
		v = 1
	case model.HealthDegraded:
		v = 0.5
	}
	m.health.WithLabelValues(connector).Set(v)
}

// ConnectorLabel is the metric label value for a connector.
func ConnectorLabel(c *model.Connector) string {
	return c.Scope.Key() + "/" + c.Slug
}
