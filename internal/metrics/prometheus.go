// Package metrics provides the sync metric recorders: Prometheus for
// long-running deployments and CloudWatch for Lambda.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"subsync/internal/billing"
	"subsync/internal/types"
)

var _ billing.Metrics = (*PrometheusRecorder)(nil)

// PrometheusRecorder registers its collectors on its own registry so tests
// and multiple servers in one process never collide.
type PrometheusRecorder struct {
	registry  *prometheus.Registry
	outcomes  *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	conflicts prometheus.Counter
	pruned    prometheus.Counter
	requests  *prometheus.HistogramVec
}

func NewPrometheusRecorder(registry *prometheus.Registry) *PrometheusRecorder {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	f := promauto.With(registry)
	return &PrometheusRecorder{
		registry: registry,
		outcomes: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "subsync_events_total",
				Help: "Webhook deliveries by outcome and event type.",
			},
			[]string{"outcome", "event_type"},
		),
		latency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "subsync_event_duration_ms",
				Help:    "Webhook processing latency in milliseconds.",
				Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
			},
			[]string{"outcome"},
		),
		conflicts: f.NewCounter(prometheus.CounterOpts{
			Name: "subsync_write_conflicts_total",
			Help: "Lost compare-and-swap attempts on account writes.",
		}),
		pruned: f.NewCounter(prometheus.CounterOpts{
			Name: "subsync_ledger_pruned_total",
			Help: "Ledger entries removed by retention pruning.",
		}),
		requests: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "subsync_http_request_duration_seconds",
				Help:    "HTTP request latency by method, route and status.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route", "status"},
		),
	}
}

func (r *PrometheusRecorder) RecordOutcome(_ context.Context, outcome billing.Outcome, eventType types.EventType) {
	r.outcomes.WithLabelValues(string(outcome), norm(string(eventType))).Inc()
}

func (r *PrometheusRecorder) RecordConflict(context.Context) {
	r.conflicts.Inc()
}

func (r *PrometheusRecorder) RecordLatency(_ context.Context, outcome billing.Outcome, d time.Duration) {
	r.latency.WithLabelValues(string(outcome)).Observe(float64(d.Milliseconds()))
}

func (r *PrometheusRecorder) RecordPruned(_ context.Context, n int64) {
	if n > 0 {
		r.pruned.Add(float64(n))
	}
}

// RecordRequest implements core.MetricsCollector.
func (r *PrometheusRecorder) RecordRequest(method, route, status string, d time.Duration) {
	r.requests.WithLabelValues(method, route, status).Observe(d.Seconds())
}

// Handler exposes the registry in the text exposition format.
func (r *PrometheusRecorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry, e.g. to add runtime collectors.
func (r *PrometheusRecorder) Registry() *prometheus.Registry {
	return r.registry
}

// norm keeps label cardinality bounded: rejected deliveries carry no type.
func norm(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
