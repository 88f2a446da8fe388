// Package metrics collects per-run Prometheus metrics for canonicalization.
//
// Each run owns its registry; nothing is registered globally. All methods
// are safe on a nil *Metrics so callers can leave metrics off.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Oracle call outcomes
const (
	OutcomeOK      = "ok"
	OutcomePartial = "partial"
	OutcomeParse   = "parse_error"
	OutcomeTimeout = "timeout"
	OutcomeError   = "error"
)

// Metrics holds the collectors for one run
type Metrics struct {
	registry *prometheus.Registry

	oracleCalls    *prometheus.CounterVec
	oracleLatency  prometheus.Histogram
	passes         prometheus.Counter
	labelsResolved prometheus.Counter
	pending        prometheus.Gauge
	diagnostics    *prometheus.CounterVec
	unmapped       prometheus.Gauge
}

// New registers all collectors on a fresh registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		oracleCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "factorcanon",
			Name:      "oracle_calls_total",
			Help:      "Oracle calls by outcome",
		}, []string{"outcome"}),
		oracleLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "factorcanon",
			Name:      "oracle_call_duration_seconds",
			Help:      "Oracle call latency",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		}),
		passes: f.NewCounter(prometheus.CounterOpts{
			Namespace: "factorcanon",
			Name:      "passes_total",
			Help:      "Convergence passes committed",
		}),
		labelsResolved: f.NewCounter(prometheus.CounterOpts{
			Namespace: "factorcanon",
			Name:      "labels_resolved_total",
			Help:      "Labels newly mapped to a canonical group",
		}),
		pending: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "factorcanon",
			Name:      "labels_pending",
			Help:      "Labels still pending at the start of the latest pass",
		}),
		diagnostics: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "factorcanon",
			Name:      "diagnostics_total",
			Help:      "Merge diagnostics by kind",
		}, []string{"kind"}),
		unmapped: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "factorcanon",
			Name:      "unmapped_records",
			Help:      "Records excluded from group tables because their label is unmapped",
		}),
	}
}

// Registry exposes the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveOracleCall records one sub-batch call
func (m *Metrics) ObserveOracleCall(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.oracleCalls.WithLabelValues(outcome).Inc()
	m.oracleLatency.Observe(d.Seconds())
}

// PassCommitted records a pass and how many labels it resolved
func (m *Metrics) PassCommitted(resolved int) {
	if m == nil {
		return
	}
	m.passes.Inc()
	m.labelsResolved.Add(float64(resolved))
}

// SetPending records the pending label count
func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}

// Diagnostic counts one merge diagnostic
func (m *Metrics) Diagnostic(kind string) {
	if m == nil {
		return
	}
	m.diagnostics.WithLabelValues(kind).Inc()
}

// SetUnmapped records the materializer's unmapped record count
func (m *Metrics) SetUnmapped(n int) {
	if m == nil {
		return
	}
	m.unmapped.Set(float64(n))
}

// WriteFile writes the registry in Prometheus text format, suitable for
// the node-exporter textfile collector. The write is atomic.
func (m *Metrics) WriteFile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create metrics dir: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("write metrics: %w", err)
	}
	return nil
}
