// Package metrics provides Prometheus metrics for the hub.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Resolution outcomes.
const (
	OutcomeFound     = "found"
	OutcomeNone      = "none"
	OutcomeMalformed = "malformed_chain"
	OutcomeInvalid   = "invalid_argument"
	OutcomeError     = "error"
)

// Metrics holds all Prometheus metrics for the hub. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP request metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Catalog metrics
	ResolutionsTotal        *prometheus.CounterVec
	ChainCacheTotal         *prometheus.CounterVec
	RevisionsPublishedTotal prometheus.Counter
	SubscriptionsTotal      prometheus.Counter

	// Feed metrics
	FeedClients prometheus.Gauge

	// Retention metrics
	AuditPurgedTotal prometheus.Counter
}

// New creates all metrics on a dedicated registry, so that several hubs (or
// tests) in one process do not collide.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		HTTPRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "m10n_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"route", "method", "status"},
		),
		HTTPRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "m10n_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		ResolutionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "m10n_resolutions_total",
				Help: "Total number of revision resolutions by operation and outcome",
			},
			[]string{"op", "outcome"},
		),
		ChainCacheTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "m10n_chain_cache_total",
				Help: "Revision chain cache lookups by result",
			},
			[]string{"result"},
		),
		RevisionsPublishedTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "m10n_revisions_published_total",
				Help: "Total number of published plan revisions",
			},
		),
		SubscriptionsTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "m10n_subscriptions_created_total",
				Help: "Total number of rate plan purchases",
			},
		),
		FeedClients: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "m10n_feed_clients",
				Help: "Number of connected catalog feed clients",
			},
		),
		AuditPurgedTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "m10n_audit_events_purged_total",
				Help: "Total number of audit events removed by retention",
			},
		),
	}
}

// Registry returns the registry the metrics are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordHTTPRequest records a completed HTTP request.
func (m *Metrics) RecordHTTPRequest(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// RecordResolution records the outcome of a resolver call.
func (m *Metrics) RecordResolution(op, outcome string) {
	if m == nil {
		return
	}
	m.ResolutionsTotal.WithLabelValues(op, outcome).Inc()
}

// RecordChainCache records a chain cache hit or miss.
func (m *Metrics) RecordChainCache(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.ChainCacheTotal.WithLabelValues(result).Inc()
}

// RevisionPublished counts a published revision.
func (m *Metrics) RevisionPublished() {
	if m == nil {
		return
	}
	m.RevisionsPublishedTotal.Inc()
}

// SubscriptionCreated counts a purchase.
func (m *Metrics) SubscriptionCreated() {
	if m == nil {
		return
	}
	m.SubscriptionsTotal.Inc()
}

// FeedClientsChanged adjusts the connected feed client gauge by delta.
func (m *Metrics) FeedClientsChanged(delta int) {
	if m == nil {
		return
	}
	m.FeedClients.Add(float64(delta))
}

// AuditPurged counts audit events removed by retention.
func (m *Metrics) AuditPurged(n int64) {
	if m == nil {
		return
	}
	m.AuditPurgedTotal.Add(float64(n))
}
