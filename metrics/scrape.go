package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ScrapeConfig configures a ScrapeRegistry. It mirrors PushConfig so the server and the
// CLI publish the same metric names.
type ScrapeConfig struct {
	// Prefix is prepended, followed by an underscore, to every metric name including the
	// process collector's.
	Prefix string
	// Instance, when set, is added as an "instance" label to every goquest metric.
	Instance string
	// Version and Commit label the build_info gauge.
	Version string
	Commit  string
}

// ScrapeRegistry implements Registry for scrape-based metrics collection.
// Metrics are registered with a Prometheus registry and exposed via HTTP.
type ScrapeRegistry struct {
	prom      *prometheus.Registry
	reg       prometheus.Registerer
	prefix    string
	startTime time.Time
}

// NewScrapeRegistry creates a new ScrapeRegistry with the Go and process collectors,
// an uptime gauge and a build_info gauge registered.
func NewScrapeRegistry(cfg ScrapeConfig) (*ScrapeRegistry, error) {
	prom := prometheus.NewRegistry()
	var reg prometheus.Registerer = prom
	if cfg.Instance != "" {
		reg = prometheus.WrapRegistererWith(prometheus.Labels{"instance": cfg.Instance}, prom)
	}

	r := &ScrapeRegistry{
		prom:      prom,
		reg:       reg,
		prefix:    cfg.Prefix,
		startTime: time.Now(),
	}

	if err := prom.Register(collectors.NewGoCollector()); err != nil {
		return nil, fmt.Errorf("registering go collector: %w", err)
	}
	if err := prom.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{Namespace: cfg.Prefix})); err != nil {
		return nil, fmt.Errorf("registering process collector: %w", err)
	}

	uptime := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: r.name("uptime_seconds"),
		Help: "Seconds since the registry was created",
	}, func() float64 {
		return time.Since(r.startTime).Seconds()
	})
	if err := reg.Register(uptime); err != nil {
		return nil, fmt.Errorf("registering uptime gauge: %w", err)
	}

	build := prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        r.name("build_info"),
		Help:        "Build information, always 1",
		ConstLabels: prometheus.Labels{"version": orUnknown(cfg.Version), "commit": orUnknown(cfg.Commit)},
	})
	build.Set(1)
	if err := reg.Register(build); err != nil {
		return nil, fmt.Errorf("registering build info: %w", err)
	}

	return r, nil
}

// Handler returns an http.Handler for the /metrics endpoint.
func (r *ScrapeRegistry) Handler() http.Handler {
	return promhttp.HandlerFor(r.prom, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		Registry:          r.prom,
	})
}

// PrometheusRegistry returns the underlying Prometheus registry.
func (r *ScrapeRegistry) PrometheusRegistry() *prometheus.Registry {
	return r.prom
}

// Name returns the full name a metric registered as name is exposed under.
func (r *ScrapeRegistry) Name(name string) string {
	return r.name(name)
}

func (r *ScrapeRegistry) name(name string) string {
	if r.prefix == "" {
		return name
	}
	return r.prefix + "_" + name
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

// NewGauge creates and registers a new Gauge.
func (r *ScrapeRegistry) NewGauge(opts prometheus.GaugeOpts) (Gauge, error) {
	opts.Name = r.name(opts.Name)
	g := prometheus.NewGauge(opts)
	if err := r.reg.Register(g); err != nil {
		return nil, fmt.Errorf("registering gauge %q: %w", opts.Name, err)
	}
	return &scrapeGauge{gauge: g}, nil
}

// NewGaugeVec creates and registers a new GaugeVec.
func (r *ScrapeRegistry) NewGaugeVec(opts prometheus.GaugeOpts, labels []string) (GaugeVec, error) {
	opts.Name = r.name(opts.Name)
	g := prometheus.NewGaugeVec(opts, labels)
	if err := r.reg.Register(g); err != nil {
		return nil, fmt.Errorf("registering gauge vec %q: %w", opts.Name, err)
	}
	return &scrapeGaugeVec{gaugeVec: g}, nil
}

// NewCounter creates and registers a new Counter.
func (r *ScrapeRegistry) NewCounter(opts prometheus.CounterOpts) (Counter, error) {
	opts.Name = r.name(opts.Name)
	c := prometheus.NewCounter(opts)
	if err := r.reg.Register(c); err != nil {
		return nil, fmt.Errorf("registering counter %q: %w", opts.Name, err)
	}
	return &scrapeCounter{counter: c}, nil
}

// NewCounterVec creates and registers a new CounterVec.
func (r *ScrapeRegistry) NewCounterVec(opts prometheus.CounterOpts, labels []string) (CounterVec, error) {
	opts.Name = r.name(opts.Name)
	c := prometheus.NewCounterVec(opts, labels)
	if err := r.reg.Register(c); err != nil {
		return nil, fmt.Errorf("registering counter vec %q: %w", opts.Name, err)
	}
	return &scrapeCounterVec{counterVec: c}, nil
}

// scrapeGauge wraps prometheus.Gauge to implement Gauge interface.
type scrapeGauge struct {
	gauge prometheus.Gauge
}

func (g *scrapeGauge) Set(v float64) {
	g.gauge.Set(v)
}

// scrapeGaugeVec wraps prometheus.GaugeVec to implement GaugeVec interface.
type scrapeGaugeVec struct {
	gaugeVec *prometheus.GaugeVec
}

func (g *scrapeGaugeVec) With(labels prometheus.Labels) Gauge {
	return &scrapeGauge{gauge: g.gaugeVec.With(labels)}
}

// scrapeCounter wraps prometheus.Counter to implement Counter interface.
type scrapeCounter struct {
	counter prometheus.Counter
}

func (c *scrapeCounter) Inc() {
	c.counter.Inc()
}

func (c *scrapeCounter) Add(v float64) {
	c.counter.Add(v)
}

// scrapeCounterVec wraps prometheus.CounterVec to implement CounterVec interface.
type scrapeCounterVec struct {
	counterVec *prometheus.CounterVec
}

func (c *scrapeCounterVec) With(labels prometheus.Labels) Counter {
	return &scrapeCounter{counter: c.counterVec.With(labels)}
}
