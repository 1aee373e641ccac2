package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang/protobuf/proto"
	"github.com/golang/snappy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/prometheus/prompb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// remoteWriteServer decodes every write request it receives onto the returned channel.
func remoteWriteServer(t *testing.T, status int) (*httptest.Server, chan []prompb.TimeSeries) {
	t.Helper()
	received := make(chan []prompb.TimeSeries, 4)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/write", r.URL.Path)
		assert.Equal(t, "snappy", r.Header.Get("Content-Encoding"))
		assert.Equal(t, "application/x-protobuf", r.Header.Get("Content-Type"))
		assert.Equal(t, "0.1.0", r.Header.Get("X-Prometheus-Remote-Write-Version"))

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		decoded, err := snappy.Decode(nil, body)
		require.NoError(t, err)

		var writeReq prompb.WriteRequest
		require.NoError(t, proto.Unmarshal(decoded, &writeReq))
		received <- writeReq.Timeseries
		w.WriteHeader(status)
	}))
	t.Cleanup(server.Close)
	return server, received
}

func findLabel(labels []prompb.Label, name string) string {
	for _, l := range labels {
		if l.Name == name {
			return l.Value
		}
	}
	return ""
}

func TestNewPushRegistry(t *testing.T) {
	tests := []struct {
		name    string
		cfg     PushConfig
		wantURL string
	}{
		{
			name:    "minimal config",
			cfg:     PushConfig{URL: "http://localhost:9090"},
			wantURL: "http://localhost:9090/api/v1/write",
		},
		{
			name: "trailing slash",
			cfg: PushConfig{
				URL:      "http://localhost:9090/",
				Prefix:   "test",
				Job:      "testjob",
				Instance: "testinstance",
				Timeout:  5 * time.Second,
			},
			wantURL: "http://localhost:9090/api/v1/write",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry := NewPushRegistry(tt.cfg)
			require.NotNil(t, registry)
			assert.Equal(t, tt.wantURL, registry.pusher.url)
		})
	}
}

func TestPushRegistry_NothingToFlush(t *testing.T) {
	server, received := remoteWriteServer(t, http.StatusOK)
	registry := NewPushRegistry(PushConfig{URL: server.URL})

	require.NoError(t, registry.Flush(context.Background()))
	assert.Empty(t, received)
}

func TestPushRegistry_FlushBatchesSeries(t *testing.T) {
	server, received := remoteWriteServer(t, http.StatusNoContent)
	registry := NewPushRegistry(PushConfig{
		URL:      server.URL,
		Prefix:   "goquest",
		Job:      "cli",
		Instance: "agent-1",
	})

	gauge, err := registry.NewGauge(prometheus.GaugeOpts{Name: "progress_percent"})
	require.NoError(t, err)
	counters, err := registry.NewCounterVec(prometheus.CounterOpts{Name: "ticks_total"}, []string{"outcome"})
	require.NoError(t, err)

	gauge.Set(10)
	gauge.Set(42)
	counters.With(prometheus.Labels{"outcome": "ok"}).Inc()
	counters.With(prometheus.Labels{"outcome": "ok"}).Add(2)
	counters.With(prometheus.Labels{"outcome": "retry"}).Inc()

	require.NoError(t, registry.Flush(context.Background()))

	var series []prompb.TimeSeries
	select {
	case series = <-received:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for write request")
	}
	require.Len(t, series, 3)

	values := make(map[string]float64)
	for _, ts := range series {
		assert.Equal(t, "cli", findLabel(ts.Labels, "job"))
		assert.Equal(t, "agent-1", findLabel(ts.Labels, "instance"))
		require.Len(t, ts.Samples, 1)
		key := findLabel(ts.Labels, "__name__") + "/" + findLabel(ts.Labels, "outcome")
		values[key] = ts.Samples[0].Value
	}
	assert.Equal(t, map[string]float64{
		"goquest_progress_percent/": 42,
		"goquest_ticks_total/ok":    3,
		"goquest_ticks_total/retry": 1,
	}, values)
}

func TestPushRegistry_CountersAccumulateAcrossFlushes(t *testing.T) {
	server, received := remoteWriteServer(t, http.StatusOK)
	registry := NewPushRegistry(PushConfig{URL: server.URL})

	counter, err := registry.NewCounter(prometheus.CounterOpts{Name: "units_total"})
	require.NoError(t, err)

	for i := 1; i <= 2; i++ {
		counter.Inc()
		require.NoError(t, registry.Flush(context.Background()))
		series := <-received
		require.Len(t, series, 1)
		assert.Equal(t, float64(i), series[0].Samples[0].Value)
	}
}

func TestPushRegistry_FlushErrorStatus(t *testing.T) {
	server, _ := remoteWriteServer(t, http.StatusBadRequest)
	registry := NewPushRegistry(PushConfig{URL: server.URL})

	gauge, err := registry.NewGauge(prometheus.GaugeOpts{Name: "g"})
	require.NoError(t, err)
	gauge.Set(1)

	err = registry.Flush(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status 400")
}

func TestPushCounter_NegativePanics(t *testing.T) {
	registry := NewPushRegistry(PushConfig{URL: "http://localhost:9090"})
	counter, err := registry.NewCounter(prometheus.CounterOpts{Name: "c"})
	require.NoError(t, err)
	assert.Panics(t, func() { counter.Add(-1) })
}

func TestLabelsToKey_Stable(t *testing.T) {
	a := labelsToKey(map[string]string{"b": "2", "a": "1"})
	b := labelsToKey(map[string]string{"a": "1", "b": "2"})
	assert.Equal(t, "a=1,b=2,", a)
	assert.Equal(t, a, b)
}

func TestScrapeRegistry(t *testing.T) {
	registry, err := NewScrapeRegistry(ScrapeConfig{})
	require.NoError(t, err)
	require.NotNil(t, registry)

	gauge, err := registry.NewGauge(prometheus.GaugeOpts{
		Name: "test_gauge",
		Help: "A test gauge",
	})
	require.NoError(t, err)
	gauge.Set(42.0)

	counter, err := registry.NewCounter(prometheus.CounterOpts{
		Name: "test_counter",
		Help: "A test counter",
	})
	require.NoError(t, err)
	counter.Inc()

	vec, err := registry.NewCounterVec(prometheus.CounterOpts{
		Name: "test_labelled_total",
		Help: "A labelled counter",
	}, []string{"source"})
	require.NoError(t, err)
	vec.With(prometheus.Labels{"source": "storage"}).Add(2)

	_, err = registry.NewGauge(prometheus.GaugeOpts{Name: "test_gauge", Help: "duplicate"})
	assert.Error(t, err)

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	registry.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "test_gauge 42")
	assert.Contains(t, body, "test_counter 1")
	assert.Contains(t, body, `test_labelled_total{source="storage"} 2`)
	assert.Contains(t, body, `build_info{commit="unknown",version="unknown"} 1`)
	assert.Contains(t, body, "uptime_seconds")
}

func TestScrapeRegistry_PrefixAndInstance(t *testing.T) {
	registry, err := NewScrapeRegistry(ScrapeConfig{
		Prefix:   "goquest",
		Instance: "lumbridge",
		Version:  "v1.2.0",
		Commit:   "abc123",
	})
	require.NoError(t, err)

	gauge, err := registry.NewGaugeVec(prometheus.GaugeOpts{
		Name: "orchestrator_state",
		Help: "Current state",
	}, []string{"state"})
	require.NoError(t, err)
	gauge.With(prometheus.Labels{"state": "idle"}).Set(1)
	assert.Equal(t, "goquest_orchestrator_state", registry.Name("orchestrator_state"))

	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)
	labels := make(map[string]map[string]string)
	for _, f := range families {
		got := make(map[string]string)
		for _, lp := range f.GetMetric()[0].GetLabel() {
			got[lp.GetName()] = lp.GetValue()
		}
		labels[f.GetName()] = got
	}

	require.Contains(t, labels, "goquest_orchestrator_state")
	assert.Equal(t, "lumbridge", labels["goquest_orchestrator_state"]["instance"])
	assert.Equal(t, "idle", labels["goquest_orchestrator_state"]["state"])

	require.Contains(t, labels, "goquest_build_info")
	assert.Equal(t, "v1.2.0", labels["goquest_build_info"]["version"])
	assert.Equal(t, "abc123", labels["goquest_build_info"]["commit"])
	assert.Equal(t, "lumbridge", labels["goquest_build_info"]["instance"])

	assert.Contains(t, labels, "goquest_uptime_seconds")
	assert.Contains(t, labels, "go_goroutines", "go collector keeps its standard names")
}
