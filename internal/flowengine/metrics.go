package flowengine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "wsm"

// Metrics holds the engine's Prometheus collectors. A Metrics built with a nil
// registerer records nothing.
type Metrics struct {
	workflowsSubmitted *prometheus.CounterVec
	workflowsFinished  *prometheus.CounterVec
	stepOutcomes       *prometheus.CounterVec
	stepDuration       *prometheus.HistogramVec
	activeWorkflows    prometheus.Gauge
}

// NewMetrics creates the engine collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return &Metrics{}
	}

	m := &Metrics{
		workflowsSubmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "flowengine",
				Name:      "workflows_submitted_total",
				Help:      "Total number of workflows submitted",
			},
			[]string{"type"},
		),
		workflowsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "flowengine",
				Name:      "workflows_total",
				Help:      "Total number of workflows reaching a terminal state",
			},
			[]string{"type", "state"},
		),
		stepOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "flowengine",
				Name:      "steps_total",
				Help:      "Total number of step invocations by outcome",
			},
			[]string{"type", "step", "direction", "outcome"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "flowengine",
				Name:      "step_duration_seconds",
				Help:      "Duration of a single step invocation in seconds",
				Buckets:   []float64{0.01, 0.05, 0.25, 1, 5, 30, 120, 600, 1800},
			},
			[]string{"type", "step"},
		),
		activeWorkflows: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "flowengine",
				Name:      "active_workflows",
				Help:      "Workflows currently executing on this node",
			},
		),
	}

	reg.MustRegister(
		m.workflowsSubmitted,
		m.workflowsFinished,
		m.stepOutcomes,
		m.stepDuration,
		m.activeWorkflows,
	)
	return m
}

func (m *Metrics) recordSubmitted(wfType string) {
	if m == nil || m.workflowsSubmitted == nil {
		return
	}
	m.workflowsSubmitted.WithLabelValues(wfType).Inc()
}

func (m *Metrics) recordFinished(wfType string, state WorkflowState) {
	if m == nil || m.workflowsFinished == nil {
		return
	}
	m.workflowsFinished.WithLabelValues(wfType, string(state)).Inc()
}

func (m *Metrics) recordStep(wfType, step string, dir Direction, outcome Outcome, d time.Duration) {
	if m == nil || m.stepOutcomes == nil {
		return
	}
	m.stepOutcomes.WithLabelValues(wfType, step, string(dir), string(outcome)).Inc()
	m.stepDuration.WithLabelValues(wfType, step).Observe(d.Seconds())
}

func (m *Metrics) addActive(delta float64) {
	if m == nil || m.activeWorkflows == nil {
		return
	}
	m.activeWorkflows.Add(delta)
}
