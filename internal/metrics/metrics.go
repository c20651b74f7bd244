// Package metrics exposes the defense pipeline's Prometheus collectors and
// the recorder that feeds them from the event bus.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the defense pipeline. Label
// sets stay on closed vocabularies (action, level, scenario, template);
// fingerprints never become labels.
type Metrics struct {
	Verdicts        *prometheus.CounterVec
	RiskScores      *prometheus.HistogramVec
	Countermeasures *prometheus.CounterVec
	Degradations    *prometheus.CounterVec
	FailClosed      prometheus.Counter
	ConfigReloads   *prometheus.CounterVec

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// New creates and registers the collectors on the given registerer. The
// daemon passes prometheus.DefaultRegisterer; tests pass a fresh registry.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Verdicts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mirage_verdicts_total",
				Help: "Verdicts produced, by action and risk level",
			},
			[]string{"action", "level"},
		),
		RiskScores: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mirage_risk_score",
				Help:    "Risk score distribution per threat category",
				Buckets: []float64{15, 30, 45, 60, 80, 95, 120, 160, 200},
			},
			[]string{"category"},
		),
		Countermeasures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mirage_countermeasures_total",
				Help: "Countermeasure verdicts served, by scenario",
			},
			[]string{"scenario"},
		),
		Degradations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mirage_payload_degradations_total",
				Help: "Payload builds that fell back to the generic template",
			},
			[]string{"template"},
		),
		FailClosed: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "mirage_fail_closed_total",
				Help: "Verdicts that failed closed after an internal error",
			},
		),
		ConfigReloads: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mirage_config_reloads_total",
				Help: "Config reload attempts, by result",
			},
			[]string{"result"},
		),
		HTTPRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mirage_http_requests_total",
				Help: "API requests served, by path, method, and status code",
			},
			[]string{"path", "method", "code"},
		),
		HTTPDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mirage_http_request_duration_seconds",
				Help:    "API request latency by path",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"path"},
		),
	}
}

// RecordVerdict records one pipeline verdict.
func (m *Metrics) RecordVerdict(action, level, category string, score float64) {
	m.Verdicts.WithLabelValues(action, level).Inc()
	if category == "" {
		category = "none"
	}
	m.RiskScores.WithLabelValues(category).Observe(score)
}

// RecordCountermeasure records a served countermeasure by scenario name.
func (m *Metrics) RecordCountermeasure(scenario string) {
	m.Countermeasures.WithLabelValues(scenario).Inc()
}

// RecordDegradation records a payload build that degraded to generic.
func (m *Metrics) RecordDegradation(template string) {
	m.Degradations.WithLabelValues(template).Inc()
}

// RecordFailClosed records a verdict that failed closed.
func (m *Metrics) RecordFailClosed() {
	m.FailClosed.Inc()
}

// RecordReload records a config reload attempt.
func (m *Metrics) RecordReload(applied bool) {
	result := "applied"
	if !applied {
		result = "rejected"
	}
	m.ConfigReloads.WithLabelValues(result).Inc()
}

// RecordHTTP records one served API request.
func (m *Metrics) RecordHTTP(method, path string, code int, seconds float64) {
	m.HTTPRequests.WithLabelValues(path, method, strconv.Itoa(code)).Inc()
	m.HTTPDuration.WithLabelValues(path).Observe(seconds)
}
