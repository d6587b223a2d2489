// Package metrics exposes Prometheus collectors for the survey engine.
//
// A nil *Metrics is valid and records nothing, so components can take one
// unconditionally.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "leadpipe"

// Metrics groups every collector the service records.
type Metrics struct {
	registry *prometheus.Registry

	SessionsStarted   prometheus.Counter
	SessionsCompleted *prometheus.CounterVec
	StepsSubmitted    prometheus.Counter
	StepDuration      prometheus.Histogram
	AIFallbacks       *prometheus.CounterVec
	SignalLookups     *prometheus.CounterVec
	CriticalRetries   *prometheus.CounterVec
	SessionsAbandoned prometheus.Counter
	LeadAlerts        *prometheus.CounterVec
	FinalScore        prometheus.Histogram
}

// New creates a registry with the Go and process collectors plus the
// service's own collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		SessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "sessions_started_total",
			Help: "Survey sessions started.",
		}),
		SessionsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "sessions_completed_total",
			Help: "Survey sessions completed, by completion type and label.",
		}, []string{"completion_type", "label"}),
		StepsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "steps_submitted_total",
			Help: "Survey steps submitted.",
		}),
		StepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "step_duration_seconds",
			Help:    "Time to process one submitted step.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		AIFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "ai_fallbacks_total",
			Help: "AI calls replaced by their deterministic fallback, by call site.",
		}, []string{"call"}),
		SignalLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "signal_lookups_total",
			Help: "External validation lookups, by provider and outcome.",
		}, []string{"provider", "outcome"}),
		CriticalRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "critical_write_failures_total",
			Help: "Critical writes that failed after every retry, by operation.",
		}, []string{"op"}),
		SessionsAbandoned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "sessions_abandoned_total",
			Help: "Sessions marked abandoned by the sweep or an explicit call.",
		}),
		LeadAlerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "lead_alerts_total",
			Help: "Qualified-lead alerts, by outcome.",
		}, []string{"outcome"}),
		FinalScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "final_score",
			Help:    "Final lead score at completion.",
			Buckets: prometheus.LinearBuckets(0, 10, 11),
		}),
	}
	reg.MustRegister(
		m.SessionsStarted, m.SessionsCompleted, m.StepsSubmitted, m.StepDuration,
		m.AIFallbacks, m.SignalLookups, m.CriticalRetries, m.SessionsAbandoned,
		m.LeadAlerts, m.FinalScore,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.SessionsStarted.Inc()
}

func (m *Metrics) SessionCompleted(completionType, label string, score int) {
	if m == nil {
		return
	}
	m.SessionsCompleted.WithLabelValues(completionType, label).Inc()
	m.FinalScore.Observe(float64(score))
}

// ObserveStep records one processed step.
func (m *Metrics) ObserveStep(d time.Duration) {
	if m == nil {
		return
	}
	m.StepsSubmitted.Inc()
	m.StepDuration.Observe(d.Seconds())
}

func (m *Metrics) AIFallback(call string) {
	if m == nil {
		return
	}
	m.AIFallbacks.WithLabelValues(call).Inc()
}

func (m *Metrics) SignalLookup(provider string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.SignalLookups.WithLabelValues(provider, outcome).Inc()
}

func (m *Metrics) CriticalWriteFailed(op string) {
	if m == nil {
		return
	}
	m.CriticalRetries.WithLabelValues(op).Inc()
}

func (m *Metrics) SessionAbandoned() {
	if m == nil {
		return
	}
	m.SessionsAbandoned.Inc()
}

func (m *Metrics) LeadAlert(err error) {
	if m == nil {
		return
	}
	outcome := "sent"
	if err != nil {
		outcome = "failed"
	}
	m.LeadAlerts.WithLabelValues(outcome).Inc()
}
