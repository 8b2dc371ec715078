package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all policy engine metrics
type Metrics struct {
	Decisions          *prometheus.CounterVec
	EvaluationDuration prometheus.Histogram
	EmergencyAccess    prometheus.Counter

	ConsentChecks  *prometheus.CounterVec
	ConsentLatency prometheus.Histogram

	AuditWrites        *prometheus.CounterVec
	AuditWriteFailures *prometheus.CounterVec
}

// NewMetrics creates and registers all policy engine metrics
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		Decisions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policy_decisions_total",
			Help:      "Total number of policy evaluation decisions",
		}, []string{"table", "operation", "decision", "reason"}),
		EvaluationDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "policy_evaluation_duration_seconds",
			Help:      "Time spent evaluating policies",
			Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		EmergencyAccess: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "emergency_access_total",
			Help:      "Total number of decisions that used the emergency time-window bypass",
		}),
		ConsentChecks: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consent_checks_total",
			Help:      "Total number of consent lookups by outcome",
		}, []string{"outcome"}),
		ConsentLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "consent_check_duration_seconds",
			Help:      "Duration of consent resolver calls",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5},
		}),
		AuditWrites: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_writes_total",
			Help:      "Total number of audit entries written",
		}, []string{"sink"}),
		AuditWriteFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_write_failures_total",
			Help:      "Total number of failed audit writes",
		}, []string{"sink", "level"}),
	}
}

// NewTestMetrics registers against a private registry so parallel tests
// never collide on the default registerer.
func NewTestMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		Decisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "policy_decisions_total",
			Help: "Total number of policy evaluation decisions",
		}, []string{"table", "operation", "decision", "reason"}),
		EvaluationDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name: "policy_evaluation_duration_seconds",
			Help: "Time spent evaluating policies",
		}),
		EmergencyAccess: factory.NewCounter(prometheus.CounterOpts{
			Name: "emergency_access_total",
			Help: "Total number of decisions that used the emergency time-window bypass",
		}),
		ConsentChecks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "consent_checks_total",
			Help: "Total number of consent lookups by outcome",
		}, []string{"outcome"}),
		ConsentLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name: "consent_check_duration_seconds",
			Help: "Duration of consent resolver calls",
		}),
		AuditWrites: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_writes_total",
			Help: "Total number of audit entries written",
		}, []string{"sink"}),
		AuditWriteFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_write_failures_total",
			Help: "Total number of failed audit writes",
		}, []string{"sink", "level"}),
	}
}
