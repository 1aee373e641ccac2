package signals

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nomis52/goquest/metrics"
)

const (
	metricReads       = "signal_reads_total"
	metricChanges     = "signal_changes_total"
	metricDiscoveries = "signal_discoveries_total"
)

type monitorMetrics struct {
	reads       metrics.CounterVec
	changes     metrics.CounterVec
	discoveries metrics.Counter
}

func newMonitorMetrics(reg metrics.Registry) (*monitorMetrics, error) {
	if reg == nil {
		return nil, nil
	}
	m := &monitorMetrics{}
	var err error

	m.reads, err = reg.NewCounterVec(prometheus.CounterOpts{
		Name: metricReads,
		Help: "Signal reads by result",
	}, []string{"result"})
	if err != nil {
		return nil, fmt.Errorf("creating %s metric: %w", metricReads, err)
	}

	m.changes, err = reg.NewCounterVec(prometheus.CounterOpts{
		Name: metricChanges,
		Help: "Observed signal changes by direction",
	}, []string{"direction"})
	if err != nil {
		return nil, fmt.Errorf("creating %s metric: %w", metricChanges, err)
	}

	m.discoveries, err = reg.NewCounter(prometheus.CounterOpts{
		Name: metricDiscoveries,
		Help: "Candidate keys promoted to known signals",
	})
	if err != nil {
		return nil, fmt.Errorf("creating %s metric: %w", metricDiscoveries, err)
	}
	return m, nil
}

func (m *monitorMetrics) read() {
	if m == nil {
		return
	}
	m.reads.With(prometheus.Labels{"result": "ok"}).Inc()
}

func (m *monitorMetrics) readFailed() {
	if m == nil {
		return
	}
	m.reads.With(prometheus.Labels{"result": "error"}).Inc()
}

func (m *monitorMetrics) changed(c Change) {
	if m == nil {
		return
	}
	m.changes.With(prometheus.Labels{"direction": c.Direction.String()}).Inc()
	if c.Discovered {
		m.discoveries.Inc()
	}
}
