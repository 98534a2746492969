package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"
	"github.com/stemsi/proctord/internal/model"
)

// Metrics are the proctoring counters exported on /metrics.
type Metrics struct {
	Violations     *prometheus.CounterVec
	ActiveSessions prometheus.Gauge
	Steps          *prometheus.CounterVec
	Submissions    *prometheus.CounterVec
	Exits          *prometheus.CounterVec
	ReportFailures prometheus.Counter
	BreakerState   prometheus.Gauge
	WorkerFlushed  *prometheus.CounterVec
}

// NewMetrics registers the proctoring metrics on reg. A nil reg uses a
// private registry, which keeps tests independent.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		Violations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "proctord_violations_total",
			Help: "Security violations appended to session logs.",
		}, []string{"type", "severity"}),

		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "proctord_active_sessions",
			Help: "Proctoring sessions currently connected to this node.",
		}),

		Steps: f.NewCounterVec(prometheus.CounterOpts{
			Name: "proctord_session_steps_total",
			Help: "Session step transitions by destination step.",
		}, []string{"step"}),

		Submissions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "proctord_submissions_total",
			Help: "Resolved exam submissions by reason and outcome.",
		}, []string{"reason", "outcome"}),

		Exits: f.NewCounterVec(prometheus.CounterOpts{
			Name: "proctord_session_exits_total",
			Help: "Sessions that left secure mode, by reason.",
		}, []string{"reason"}),

		ReportFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "proctord_violation_report_failures_total",
			Help: "Violation reports that could not be queued.",
		}),

		BreakerState: f.NewGauge(prometheus.GaugeOpts{
			Name: "proctord_attempt_breaker_state",
			Help: "Attempt service circuit breaker (0=closed, 1=half-open, 2=open).",
		}),

		WorkerFlushed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "proctord_worker_flushed_total",
			Help: "Violation rows written by the persistence worker, by path.",
		}, []string{"path"}),
	}
}

// ObserveViolation counts one appended violation.
func (m *Metrics) ObserveViolation(v model.SecurityViolation) {
	if m == nil {
		return
	}
	m.Violations.WithLabelValues(string(v.Type), string(v.Severity)).Inc()
}

// ObserveBreaker records a breaker transition.
func (m *Metrics) ObserveBreaker(_, to gobreaker.State) {
	if m == nil {
		return
	}
	m.BreakerState.Set(float64(to))
}

func (m *Metrics) reportFailed() {
	if m == nil {
		return
	}
	m.ReportFailures.Inc()
}

// ObserveStep counts a transition into step.
func (m *Metrics) ObserveStep(step model.Step) {
	if m == nil {
		return
	}
	m.Steps.WithLabelValues(string(step)).Inc()
}

// ObserveSubmission counts a resolved submission.
func (m *Metrics) ObserveSubmission(reason model.SubmitReason, state model.SubmissionState) {
	if m == nil {
		return
	}
	m.Submissions.WithLabelValues(string(reason), string(state)).Inc()
}

// ObserveExit counts a session leaving secure mode.
func (m *Metrics) ObserveExit(reason string) {
	if m == nil {
		return
	}
	m.Exits.WithLabelValues(reason).Inc()
}

// SessionOpened and SessionClosed track connected sessions.
func (m *Metrics) SessionOpened() {
	if m != nil {
		m.ActiveSessions.Inc()
	}
}

func (m *Metrics) SessionClosed() {
	if m != nil {
		m.ActiveSessions.Dec()
	}
}
