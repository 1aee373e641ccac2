package acquire

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nomis52/goquest/metrics"
)

const (
	metricObtained       = "acquire_obtained_items_total"
	metricMarketAttempts = "acquire_market_attempts_total"
	metricShortfall      = "acquire_shortfall_items_total"
)

// coordinatorMetrics is nil when no registry is configured; every method is nil safe.
type coordinatorMetrics struct {
	obtained       metrics.CounterVec
	marketAttempts metrics.CounterVec
	shortfall      metrics.CounterVec
}

func newCoordinatorMetrics(reg metrics.Registry) (*coordinatorMetrics, error) {
	if reg == nil {
		return nil, nil
	}
	m := &coordinatorMetrics{}
	var err error

	m.obtained, err = reg.NewCounterVec(prometheus.CounterOpts{
		Name: metricObtained,
		Help: "Items obtained per source",
	}, []string{"source"})
	if err != nil {
		return nil, fmt.Errorf("creating %s metric: %w", metricObtained, err)
	}

	m.marketAttempts, err = reg.NewCounterVec(prometheus.CounterOpts{
		Name: metricMarketAttempts,
		Help: "Market buy orders placed, by outcome",
	}, []string{"outcome"})
	if err != nil {
		return nil, fmt.Errorf("creating %s metric: %w", metricMarketAttempts, err)
	}

	m.shortfall, err = reg.NewCounterVec(prometheus.CounterOpts{
		Name: metricShortfall,
		Help: "Items still missing after every allowed source was tried",
	}, []string{"item"})
	if err != nil {
		return nil, fmt.Errorf("creating %s metric: %w", metricShortfall, err)
	}
	return m, nil
}

func (m *coordinatorMetrics) addObtained(source string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.obtained.With(prometheus.Labels{"source": source}).Add(float64(n))
}

func (m *coordinatorMetrics) marketAttempt(outcome string) {
	if m == nil {
		return
	}
	m.marketAttempts.With(prometheus.Labels{"outcome": outcome}).Inc()
}

func (m *coordinatorMetrics) addShortfall(item string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.shortfall.With(prometheus.Labels{"item": item}).Add(float64(n))
}
