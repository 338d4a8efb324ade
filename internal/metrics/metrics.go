// Package metrics exposes Prometheus instrumentation for the verification pipeline
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	verifications *prometheus.CounterVec
	extractions   *prometheus.CounterVec
	liveness      *prometheus.CounterVec
	queryDuration *prometheus.HistogramVec
	backendErrors *prometheus.CounterVec
	auditErrors   *prometheus.CounterVec
}

// New registers the collectors on reg
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		verifications: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "facegate_verifications_total",
				Help: "Verification decisions by outcome reason",
			},
			[]string{"reason"},
		),
		extractions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "facegate_extractions_total",
				Help: "Embedding extractions by mode and result",
			},
			[]string{"mode", "result"}, // result: ok, no_face, error
		),
		liveness: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "facegate_liveness_total",
				Help: "Liveness checks by mode and outcome",
			},
			[]string{"mode", "passed"},
		),
		queryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "facegate_index_query_seconds",
				Help:    "Identity index query latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"backend"},
		),
		backendErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "facegate_index_errors_total",
				Help: "Identity index backend errors",
			},
			[]string{"backend"},
		),
		auditErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "facegate_audit_errors_total",
				Help: "Audit records that could not be written",
			},
			[]string{"sink"},
		),
	}
}

// ObserveVerification counts a decision
func (m *Metrics) ObserveVerification(reason string) {
	if m == nil {
		return
	}
	m.verifications.WithLabelValues(reason).Inc()
}

// ObserveExtraction counts an extraction attempt
func (m *Metrics) ObserveExtraction(mode, result string) {
	if m == nil {
		return
	}
	m.extractions.WithLabelValues(mode, result).Inc()
}

// ObserveLiveness counts a liveness check
func (m *Metrics) ObserveLiveness(mode string, passed bool) {
	if m == nil {
		return
	}
	m.liveness.WithLabelValues(mode, strconv.FormatBool(passed)).Inc()
}

// ObserveQuery records index query latency
func (m *Metrics) ObserveQuery(backend string, d time.Duration) {
	if m == nil {
		return
	}
	m.queryDuration.WithLabelValues(backend).Observe(d.Seconds())
}

// ObserveBackendError counts a failed index operation
func (m *Metrics) ObserveBackendError(backend string) {
	if m == nil {
		return
	}
	m.backendErrors.WithLabelValues(backend).Inc()
}

// ObserveAuditError counts a failed audit write
func (m *Metrics) ObserveAuditError(sink string) {
	if m == nil {
		return
	}
	m.auditErrors.WithLabelValues(sink).Inc()
}
