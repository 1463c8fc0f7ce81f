package telemetry

import (
	"database/sql"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the proxy's Prometheus collectors on a private registry so
// tests and multiple servers in one process never collide. A nil *Metrics
// is valid and records nothing.
//
// Example PromQL queries:
//   - Rejections by reason:   sum by (outcome) (rate(nyati_requests_total{outcome!="ok"}[5m]))
//   - p99 validation latency: histogram_quantile(0.99, sum by (le) (rate(nyati_validation_duration_seconds_bucket[5m])))
//   - Fail-open rate:         rate(nyati_ratelimit_decisions_total{decision="indeterminate"}[5m])
type Metrics struct {
	registry *prometheus.Registry

	requests   *prometheus.CounterVec
	validation *prometheus.HistogramVec
	forward    *prometheus.HistogramVec
	decisions  *prometheus.CounterVec
	dropped    prometheus.Counter
	info       *prometheus.GaugeVec
}

// NewMetrics registers every collector on a fresh registry, together with
// the Go runtime and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "nyati_requests_total",
			Help: "Requests handled, by endpoint and outcome.",
		}, []string{"endpoint", "outcome"}),
		validation: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "nyati_validation_duration_seconds",
			Help:    "API key validation latency, by cache result.",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5},
		}, []string{"cache"}),
		forward: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "nyati_forward_duration_seconds",
			Help:    "Time to upstream response headers, by provider.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"provider"}),
		decisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "nyati_ratelimit_decisions_total",
			Help: "Rate limiter decisions, by limiter and decision.",
		}, []string{"limiter", "decision"}),
		dropped: f.NewCounter(prometheus.CounterOpts{
			Name: "nyati_telemetry_dropped_total",
			Help: "Usage records dropped because the telemetry queue was full.",
		}),
		info: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nyati_build_info",
			Help: "Constant 1, labelled with the running version and instance ID.",
		}, []string{"version", "instance"}),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RegisterDB exports connection pool statistics for db.
func (m *Metrics) RegisterDB(db *sql.DB, name string) {
	if m == nil || db == nil {
		return
	}
	m.registry.MustRegister(collectors.NewDBStatsCollector(db, name))
}

// SetBuildInfo publishes the running version and instance ID.
func (m *Metrics) SetBuildInfo(version, instance string) {
	if m == nil {
		return
	}
	m.info.WithLabelValues(version, instance).Set(1)
}

func (m *Metrics) CountRequest(endpoint, outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(endpoint, outcome).Inc()
}

func (m *Metrics) ObserveValidation(seconds float64, cacheHit bool) {
	if m == nil {
		return
	}
	label := "miss"
	if cacheHit {
		label = "hit"
	}
	m.validation.WithLabelValues(label).Observe(seconds)
}

func (m *Metrics) ObserveForward(provider string, seconds float64) {
	if m == nil {
		return
	}
	m.forward.WithLabelValues(provider).Observe(seconds)
}

// CountDecision satisfies ratelimit.DecisionRecorder.
func (m *Metrics) CountDecision(limiter, decision string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(limiter, decision).Inc()
}

func (m *Metrics) countDropped() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}
