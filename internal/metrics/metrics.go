// Package metrics exposes Prometheus instruments for the decision core.
// All methods are safe to call on a nil *Metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the decision core instruments.
type Metrics struct {
	Requests        *prometheus.CounterVec
	Fallbacks       *prometheus.CounterVec
	StageDuration   *prometheus.HistogramVec
	RemoteCalls     *prometheus.CounterVec
	AgentIterations prometheus.Histogram
}

// New registers the instruments with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "creditdesk_requests_total",
			Help: "Loan requests by controller and public status",
		}, []string{"controller", "status"}),
		Fallbacks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "creditdesk_controller_fallbacks_total",
			Help: "Agent controller runs that fell back to the deterministic pipeline, by cause",
		}, []string{"cause"}),
		StageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "creditdesk_stage_duration_seconds",
			Help:    "Duration of stage operations",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 20},
		}, []string{"stage", "outcome"}),
		RemoteCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "creditdesk_remote_calls_total",
			Help: "Risk invocation results by tool and answering source",
		}, []string{"tool", "source"}),
		AgentIterations: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "creditdesk_agent_iterations",
			Help:    "Decision service turns per agent run",
			Buckets: []float64{1, 2, 3, 4, 5, 6, 8, 10, 12, 15},
		}),
	}
}

// ObserveRequest counts a finished request.
func (m *Metrics) ObserveRequest(controller, status string) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(controller, status).Inc()
}

// ObserveFallback counts an agent run that could not produce a result.
func (m *Metrics) ObserveFallback(cause string) {
	if m == nil {
		return
	}
	m.Fallbacks.WithLabelValues(cause).Inc()
}

// ObserveStage records a stage duration. Call with time.Now() taken at the
// start of the stage.
func (m *Metrics) ObserveStage(stage string, ok bool, start time.Time) {
	if m == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "failed"
	}
	m.StageDuration.WithLabelValues(stage, outcome).Observe(time.Since(start).Seconds())
}

// ObserveRemote counts which producer answered a risk invocation.
func (m *Metrics) ObserveRemote(tool, source string) {
	if m == nil {
		return
	}
	m.RemoteCalls.WithLabelValues(tool, source).Inc()
}

// ObserveAgentIterations records how many turns an agent run used.
func (m *Metrics) ObserveAgentIterations(n int) {
	if m == nil {
		return
	}
	m.AgentIterations.Observe(float64(n))
}
