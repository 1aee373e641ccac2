package orchestrator

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nomis52/goquest/history"
	"github.com/nomis52/goquest/metrics"
)

const (
	metricUnits    = "orchestrator_units_total"
	metricRuns     = "orchestrator_runs_total"
	metricProgress = "orchestrator_progress_percent"
	metricState    = "orchestrator_state"
	metricDuration = "orchestrator_last_run_duration_seconds"
)

type orchestratorMetrics struct {
	units    metrics.CounterVec
	runs     metrics.CounterVec
	progress metrics.Gauge
	state    metrics.GaugeVec
	duration metrics.GaugeVec
}

func newOrchestratorMetrics(reg metrics.Registry) (*orchestratorMetrics, error) {
	if reg == nil {
		return nil, nil
	}
	m := &orchestratorMetrics{}
	var err error

	if m.units, err = reg.NewCounterVec(prometheus.CounterOpts{
		Name: metricUnits,
		Help: "Task units executed, by result",
	}, []string{"result"}); err != nil {
		return nil, fmt.Errorf("creating %s metric: %w", metricUnits, err)
	}
	if m.runs, err = reg.NewCounterVec(prometheus.CounterOpts{
		Name: metricRuns,
		Help: "Finished task runs, by outcome",
	}, []string{"task", "outcome"}); err != nil {
		return nil, fmt.Errorf("creating %s metric: %w", metricRuns, err)
	}
	if m.progress, err = reg.NewGauge(prometheus.GaugeOpts{
		Name: metricProgress,
		Help: "Progress of the active task",
	}); err != nil {
		return nil, fmt.Errorf("creating %s metric: %w", metricProgress, err)
	}
	if m.state, err = reg.NewGaugeVec(prometheus.GaugeOpts{
		Name: metricState,
		Help: "1 for the current executor state, 0 otherwise",
	}, []string{"state"}); err != nil {
		return nil, fmt.Errorf("creating %s metric: %w", metricState, err)
	}
	if m.duration, err = reg.NewGaugeVec(prometheus.GaugeOpts{
		Name: metricDuration,
		Help: "Duration of the last finished run of each task",
	}, []string{"task"}); err != nil {
		return nil, fmt.Errorf("creating %s metric: %w", metricDuration, err)
	}
	return m, nil
}

func (m *orchestratorMetrics) unit(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.units.With(prometheus.Labels{"result": result}).Inc()
}

func (m *orchestratorMetrics) setProgress(p int) {
	if m == nil {
		return
	}
	m.progress.Set(float64(p))
}

func (m *orchestratorMetrics) setState(s State) {
	if m == nil {
		return
	}
	for st := StateIdle; st <= StateError; st++ {
		v := 0.0
		if st == s {
			v = 1
		}
		m.state.With(prometheus.Labels{"state": st.String()}).Set(v)
	}
}

func (m *orchestratorMetrics) finished(run history.Run) {
	if m == nil {
		return
	}
	m.runs.With(prometheus.Labels{"task": run.TaskID, "outcome": string(run.Outcome)}).Inc()
	m.duration.With(prometheus.Labels{"task": run.TaskID}).Set(run.Duration().Seconds())
}
