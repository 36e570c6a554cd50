// Package metrics exposes engine counters in Prometheus format.
package metrics

import (
	"net/http"

	"github.com/fentz26/autopatch/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	Transitions   *prometheus.CounterVec
	Outcomes      *prometheus.CounterVec
	Executions    *prometheus.CounterVec
	ExecDuration  *prometheus.HistogramVec
	ExecInFlight  prometheus.Gauge
	Phase         *prometheus.GaugeVec
	SnapshotCount prometheus.Gauge
}

var phases = []models.Phase{
	models.PhaseIdle, models.PhaseFetching, models.PhaseValidating, models.PhaseSnapshotting,
	models.PhaseApplying, models.PhaseVerifying, models.PhaseRollingBack, models.PhaseFailed,
}

// New registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autopatch_transitions_total",
				Help: "Engine phase transitions",
			},
			[]string{"from", "to"},
		),
		Outcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autopatch_update_outcomes_total",
				Help: "Final outcomes of update tickets",
			},
			[]string{"outcome"},
		),
		Executions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autopatch_executions_total",
				Help: "Code executor runs by mode and result",
			},
			[]string{"mode", "result"},
		),
		ExecDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "autopatch_execution_duration_seconds",
				Help:    "Duration of code executor runs",
				Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
			},
			[]string{"runtime"},
		),
		ExecInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "autopatch_executions_in_flight",
			Help: "Runs currently holding an executor slot",
		}),
		Phase: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "autopatch_phase",
				Help: "1 for the current engine phase, 0 otherwise",
			},
			[]string{"phase"},
		),
		SnapshotCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "autopatch_snapshots",
			Help: "Snapshots kept in the store",
		}),
	}
	m.registry.MustRegister(
		m.Transitions, m.Outcomes, m.Executions, m.ExecDuration,
		m.ExecInFlight, m.Phase, m.SnapshotCount,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m.SetPhase(models.PhaseIdle)
	return m
}

// Transition counts a phase change and moves the phase gauge.
func (m *Metrics) Transition(from, to models.Phase) {
	m.Transitions.WithLabelValues(string(from), string(to)).Inc()
	m.SetPhase(to)
}

// SetPhase marks p as the current phase.
func (m *Metrics) SetPhase(p models.Phase) {
	for _, ph := range phases {
		v := 0.0
		if ph == p {
			v = 1
		}
		m.Phase.WithLabelValues(string(ph)).Set(v)
	}
}

// Outcome counts a finished ticket.
func (m *Metrics) Outcome(o models.OutcomeKind) {
	m.Outcomes.WithLabelValues(string(o)).Inc()
}

// Execution records one executor result.
func (m *Metrics) Execution(res *models.ExecutionResult) {
	result := "ok"
	if res.Error != nil {
		result = res.Error.Kind
	}
	m.Executions.WithLabelValues(string(res.Mode), result).Inc()
	m.ExecDuration.WithLabelValues(res.Runtime).Observe(res.Duration.Seconds())
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
