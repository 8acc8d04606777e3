package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters.
type Metrics struct {
	recordsAccepted   prometheus.Counter
	rowsWritten       prometheus.Counter
	flushes           prometheus.Counter
	flushErrors       prometheus.Counter
	reconcileRuns     prometheus.Counter
	reconcileFailures prometheus.Counter
	orphanRowsDeleted prometheus.Counter
}

var (
	once    sync.Once
	metrics *Metrics
)

// Init initializes global metrics (idempotent).
func Init() *Metrics {
	once.Do(func() {
		metrics = &Metrics{
			recordsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "driftwatch_records_accepted_total",
				Help: "Total number of event records accepted into the batch buffer",
			}),
			rowsWritten: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "driftwatch_rows_written_total",
				Help: "Total number of rows bulk-inserted into the analytics store",
			}),
			flushes: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "driftwatch_flushes_total",
				Help: "Total number of batch flushes that completed",
			}),
			flushErrors: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "driftwatch_flush_errors_total",
				Help: "Total number of batch flushes that failed",
			}),
			reconcileRuns: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "driftwatch_reconcile_runs_total",
				Help: "Total number of reconciliation passes",
			}),
			reconcileFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "driftwatch_reconcile_failures_total",
				Help: "Total number of reconciliation passes that failed",
			}),
			orphanRowsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "driftwatch_orphan_rows_deleted_total",
				Help: "Total number of orphaned rows removed from the analytics store",
			}),
		}
		prometheus.MustRegister(
			metrics.recordsAccepted,
			metrics.rowsWritten,
			metrics.flushes,
			metrics.flushErrors,
			metrics.reconcileRuns,
			metrics.reconcileFailures,
			metrics.orphanRowsDeleted,
		)
	})
	return metrics
}

// RecordsAccepted adds n to the accepted records counter.
func (m *Metrics) RecordsAccepted(n int) {
	if m != nil {
		m.recordsAccepted.Add(float64(n))
	}
}

// RowsWritten adds n to the written rows counter.
func (m *Metrics) RowsWritten(n int) {
	if m != nil {
		m.rowsWritten.Add(float64(n))
	}
}

// Flushes increments the completed flush counter.
func (m *Metrics) Flushes() {
	if m != nil {
		m.flushes.Inc()
	}
}

// FlushErrors increments the failed flush counter.
func (m *Metrics) FlushErrors() {
	if m != nil {
		m.flushErrors.Inc()
	}
}

// ReconcileRuns increments the reconciliation pass counter.
func (m *Metrics) ReconcileRuns() {
	if m != nil {
		m.reconcileRuns.Inc()
	}
}

// ReconcileFailures increments the failed pass counter.
func (m *Metrics) ReconcileFailures() {
	if m != nil {
		m.reconcileFailures.Inc()
	}
}

// OrphanRowsDeleted adds n to the deleted orphan rows counter.
func (m *Metrics) OrphanRowsDeleted(n uint64) {
	if m != nil {
		m.orphanRowsDeleted.Add(float64(n))
	}
}

// Handler returns an HTTP handler for /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
