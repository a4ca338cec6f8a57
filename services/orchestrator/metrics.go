package orchestrator

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes deployment lifecycle counters. A nil *Metrics records
// nothing.
type Metrics struct {
	transitions     *prometheus.CounterVec
	toolInvocations *prometheus.CounterVec
	toolDuration    *prometheus.HistogramVec
	progressUpdates *prometheus.CounterVec
}

// NewMetrics registers the orchestrator collectors with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pcdeploy",
			Name:      "deployment_transitions_total",
			Help:      "Deployment status transitions.",
		}, []string{"from", "to"}),
		toolInvocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pcdeploy",
			Name:      "imaging_tool_invocations_total",
			Help:      "Imaging tool invocations by operation and outcome.",
		}, []string{"operation", "outcome"}),
		toolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pcdeploy",
			Name:      "imaging_tool_duration_seconds",
			Help:      "Wall time of imaging tool invocations.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 600},
		}, []string{"operation"}),
		progressUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pcdeploy",
			Name:      "progress_updates_total",
			Help:      "Machine progress updates by outcome.",
		}, []string{"outcome"}),
	}

	for _, c := range []prometheus.Collector{m.transitions, m.toolInvocations, m.toolDuration, m.progressUpdates} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) transition(from, to Status) {
	if m == nil || from == to {
		return
	}
	m.transitions.WithLabelValues(string(from), string(to)).Inc()
}

func (m *Metrics) tool(op string, simulated bool, err error, took time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	switch {
	case err != nil:
		outcome = "error"
	case simulated:
		outcome = "simulated"
	}
	m.toolInvocations.WithLabelValues(op, outcome).Inc()
	m.toolDuration.WithLabelValues(op).Observe(took.Seconds())
}

func (m *Metrics) progress(err error) {
	if m == nil {
		return
	}
	outcome := "applied"
	switch {
	case errors.Is(err, ErrNotFound):
		outcome = "not_found"
	case errors.Is(err, ErrStateConflict):
		outcome = "rejected"
	case errors.Is(err, ErrValidation):
		outcome = "invalid"
	case err != nil:
		outcome = "error"
	}
	m.progressUpdates.WithLabelValues(outcome).Inc()
}
