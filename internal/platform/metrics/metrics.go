package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the run engine and audit log.
// All methods are safe on a nil receiver so tests can pass nil.
type Metrics struct {
	RunsCreated         *prometheus.CounterVec
	RunOutcomes         *prometheus.CounterVec
	ExecuteDuration     prometheus.Histogram
	LeaseContention     prometheus.Counter
	AuditAppendDuration prometheus.Histogram
	AuditAppendFailures prometheus.Counter
	AuditEventsAppended *prometheus.CounterVec
	VerificationOutcome *prometheus.CounterVec
	ReconciledRuns      *prometheus.CounterVec
}

// New registers the collectors on the default registry.
func New() *Metrics {
	return NewWithRegisterer(prometheus.DefaultRegisterer)
}

// NewWithRegisterer registers the collectors on reg.
func NewWithRegisterer(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RunsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tracerun_runs_created_total",
			Help: "Total number of runs created by run type",
		}, []string{"type"}),

		RunOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tracerun_run_outcomes_total",
			Help: "Terminal run outcomes by type and status",
		}, []string{"type", "status"}),

		ExecuteDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracerun_run_execute_duration_seconds",
			Help:    "Duration of run execution from lease acquisition to terminal state",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 15, 60, 300},
		}),

		LeaseContention: f.NewCounter(prometheus.CounterOpts{
			Name: "tracerun_lease_contention_total",
			Help: "Execute attempts rejected because another owner holds the run lease",
		}),

		AuditAppendDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracerun_audit_append_duration_seconds",
			Help:    "Duration of durable audit appends",
			Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		AuditAppendFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "tracerun_audit_append_failures_total",
			Help: "Audit appends that failed to persist",
		}),

		AuditEventsAppended: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tracerun_audit_events_total",
			Help: "Audit events appended by kind",
		}, []string{"kind"}),

		VerificationOutcome: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tracerun_artifact_verifications_total",
			Help: "Artifact verdicts by outcome",
		}, []string{"verdict"}),

		ReconciledRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tracerun_runs_reconciled_total",
			Help: "Runs recovered after lease expiry by resulting status",
		}, []string{"status"}),
	}
}

func (m *Metrics) IncRunsCreated(runType string) {
	if m != nil {
		m.RunsCreated.WithLabelValues(runType).Inc()
	}
}

// IncRunOutcome records a run reaching a terminal status.
func (m *Metrics) IncRunOutcome(runType, status string) {
	if m != nil {
		m.RunOutcomes.WithLabelValues(runType, status).Inc()
	}
}

func (m *Metrics) ObserveExecuteDuration(d time.Duration) {
	if m != nil {
		m.ExecuteDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) IncLeaseContention() {
	if m != nil {
		m.LeaseContention.Inc()
	}
}

// ObserveAuditAppend records a successful append of the given kind.
func (m *Metrics) ObserveAuditAppend(kind string, d time.Duration) {
	if m != nil {
		m.AuditAppendDuration.Observe(d.Seconds())
		m.AuditEventsAppended.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) IncAuditAppendFailures() {
	if m != nil {
		m.AuditAppendFailures.Inc()
	}
}

func (m *Metrics) IncVerification(verdict string) {
	if m != nil {
		m.VerificationOutcome.WithLabelValues(verdict).Inc()
	}
}

func (m *Metrics) IncReconciled(status string) {
	if m != nil {
		m.ReconciledRuns.WithLabelValues(status).Inc()
	}
}
