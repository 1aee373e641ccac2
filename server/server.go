// Package server provides an HTTP control surface for the goquest task engine.
//
// The server owns the driver loop that ticks the orchestrator, the cron triggers that
// start tasks on a schedule, and a REST API to inspect and control the engine.
//
// # Endpoints
//
//   - GET /health - Engine state and version; 503 while a failed preparation holds the engine
//   - GET /metrics - Prometheus metrics
//   - GET /api/status - Engine snapshot, next scheduled run and task statuses
//   - GET /api/tasks - Registered tasks and whether they have completed
//   - POST /api/tasks/{id}/start - Starts a task
//   - GET /api/tasks/{id}/resources - Reports a task's missing resources
//   - POST /api/pause, /api/resume, /api/stop, /api/emergency-stop - Engine control
//   - GET /api/signals - Watched progress signals
//   - GET /api/history - Completed runs; GET /api/history/{id} returns one run
//   - POST /api/history/reload - Re-reads run history from disk and returns run counts
//   - GET /api/events - Event feed, optionally ?after=<seq>
//   - GET /api/audit - Recent audit log lines, optionally ?lines=<n>
//   - GET /config - Returns the redacted configuration, optionally one ?section=<key>
//   - POST /reload - Reloads configuration and task definitions from disk
//
// # Architecture
//
// The engine is built once from the configuration at startup. A reload swaps the
// config atomically and re-reads task definitions, which is only allowed while the
// orchestrator is idle. Listener, bridge and storage settings take effect on restart.
// With watch_tasks set, edits to the tasks file are picked up without a reload call.
//
// # Example
//
//	srv, err := server.New("/etc/goquest/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := srv.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/nomis52/goquest/agent"
	"github.com/nomis52/goquest/buildinfo"
	"github.com/nomis52/goquest/capability"
	"github.com/nomis52/goquest/config"
	"github.com/nomis52/goquest/history"
	"github.com/nomis52/goquest/logging"
	"github.com/nomis52/goquest/metrics"
	"github.com/nomis52/goquest/orchestrator"
	"github.com/nomis52/goquest/server/cron"
	"github.com/nomis52/goquest/server/handlers"
	"github.com/nomis52/goquest/server/runner"
	"github.com/nomis52/goquest/server/types"
	"github.com/nomis52/goquest/signals"
	"github.com/nomis52/goquest/statusreporter"
	"github.com/nomis52/goquest/tracing"
)

const (
	defaultReadTimeout     = 10 * time.Second
	defaultWriteTimeout    = 10 * time.Second
	defaultShutdownTimeout = 5 * time.Second
	defaultEventFeedSize   = 500
)

// Server is the HTTP server for the goquest engine.
type Server struct {
	addr        string
	configPath  string
	cronSpec    string
	environment capability.Environment
	logger      *slog.Logger
	logOutput   *logging.Logger
	cfg         atomic.Pointer[config.Config]
	properties  types.ServerProperties

	agent      *agent.Agent
	reporter   *statusreporter.StatusReporter
	registry   *metrics.ScrapeRegistry
	tracing    *tracing.Provider
	runner     *runner.Runner
	cron       *cron.CronTriggerManager
	httpServer *http.Server
}

// Option configures a Server.
type Option func(*Server) error

// WithCron adds schedules in the form "task1,task2:cron;task3:cron" to those in the
// config file.
func WithCron(spec string) Option {
	return func(s *Server) error {
		s.cronSpec = spec
		return nil
	}
}

// WithListenAddr overrides the listen address from the config file.
func WithListenAddr(addr string) Option {
	return func(s *Server) error {
		s.addr = addr
		return nil
	}
}

// WithLogger replaces the logger built from the logging config.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) error {
		s.logger = logger
		return nil
	}
}

// WithEnvironment replaces the environment bridge built from the config.
func WithEnvironment(env capability.Environment) Option {
	return func(s *Server) error {
		s.environment = env
		return nil
	}
}

// New creates a new Server with the given config path and options.
// It loads the configuration and assembles the engine.
func New(configPath string, opts ...Option) (*Server, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}

	s := &Server{
		configPath: configPath,
		addr:       cfg.Listener.Addr,
	}
	s.cfg.Store(&cfg)

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	if s.logger == nil {
		l, err := logging.New(cfg.Logging.LoggerConfig())
		if err != nil {
			return nil, err
		}
		s.logger = l.Logger
		s.logOutput = l
	}

	hostname, _ := os.Hostname()
	s.properties = types.ServerProperties{
		Build:     buildinfo.Get(),
		StartedAt: time.Now(),
		Hostname:  hostname,
	}

	s.registry, err = metrics.NewScrapeRegistry(metrics.ScrapeConfig{
		Prefix:   cfg.Monitoring.MetricsPrefix,
		Instance: hostname,
		Version:  s.properties.Build.Version,
		Commit:   s.properties.Build.GitCommit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics registry: %w", err)
	}
	s.reporter = statusreporter.New(s.logger, defaultEventFeedSize)

	s.tracing, err = tracing.New(context.Background(), cfg.Tracing, "goquest", s.properties.Build.Version)
	if err != nil {
		return nil, err
	}

	s.agent, err = agent.New(agent.Params{
		Config:          &cfg,
		Logger:          s.logger,
		Registry:        s.registry,
		Environment:     s.environment,
		Observers:       []orchestrator.Observer{s.reporter},
		SignalListeners: []signals.Listener{s.reporter.SignalChanged},
		Tracer:          s.tracing.Tracer("github.com/nomis52/goquest/orchestrator"),
	})
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to create agent: %w", err), s.tracing.Shutdown(context.Background()))
	}

	s.runner = runner.New(s.agent.Orchestrator,
		runner.WithInterval(cfg.Engine.TickInterval),
		runner.WithLogger(s.logger),
		runner.WithIdlePoller(s.agent.Monitor),
	)

	specs, err := s.triggerSpecs(&cfg)
	if err != nil {
		return nil, errors.Join(err, s.close())
	}
	s.cron, err = cron.NewCronTriggerManager(specs, s.runner, s.logger)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("creating cron triggers: %w", err), s.close())
	}

	return s, nil
}

func (s *Server) triggerSpecs(cfg *config.Config) ([]cron.TriggerSpec, error) {
	available := make([]string, 0)
	for _, t := range s.agent.Orchestrator.Tasks() {
		available = append(available, t.ID)
	}

	var specs []cron.TriggerSpec
	for i, trigger := range cfg.Cron {
		spec, err := cron.NewTriggerSpec(trigger.Tasks, trigger.Schedule, available)
		if err != nil {
			return nil, fmt.Errorf("cron trigger %d: %w", i, err)
		}
		specs = append(specs, spec)
	}
	if s.cronSpec != "" {
		parsed, err := cron.ParseTriggerSpecs(s.cronSpec, available)
		if err != nil {
			return nil, fmt.Errorf("invalid cron flag: %w", err)
		}
		specs = append(specs, parsed...)
	}
	return specs, nil
}

// Logger returns the server's logger.
func (s *Server) Logger() *slog.Logger {
	return s.logger
}

// Agent returns the assembled engine.
func (s *Server) Agent() *agent.Agent {
	return s.agent
}

// Reload reads the config from disk and re-reads task definitions. It returns
// agent.ErrBusy while a task is active, leaving the current config in place.
func (s *Server) Reload() error {
	cfg, err := config.LoadConfig(s.configPath)
	if err != nil {
		return err
	}
	if err := s.agent.ReloadTasks(cfg.TasksFile); err != nil {
		return err
	}
	s.cfg.Store(&cfg)
	s.logger.Info("configuration loaded", "config_path", s.configPath)
	return nil
}

// Config returns the current configuration.
func (s *Server) Config() *config.Config {
	return s.cfg.Load()
}

// NextRun returns the next scheduled run time, or nil if no cron is configured.
func (s *Server) NextRun() *time.Time {
	next := s.cron.NextRun()
	if next.IsZero() {
		return nil
	}
	return &next
}

// Properties returns metadata about the running server.
func (s *Server) Properties() types.ServerProperties {
	return s.properties
}

// Snapshot returns the orchestrator's current state.
func (s *Server) Snapshot() orchestrator.Snapshot {
	return s.agent.Orchestrator.Snapshot()
}

// CurrentStatuses returns the last reported status of each task.
func (s *Server) CurrentStatuses() map[string]string {
	return s.reporter.CurrentStatuses()
}

// Events returns events with a sequence number greater than after.
func (s *Server) Events(after uint64) []statusreporter.Event {
	return s.reporter.Events(after)
}

// CheckResources reports the local shortfall of a task's requirements.
func (s *Server) CheckResources(ctx context.Context, taskID string) (map[string]int, error) {
	return s.agent.CheckResources(ctx, taskID)
}

// close releases the agent and flushes pending spans.
func (s *Server) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	return errors.Join(s.agent.Close(), s.tracing.Shutdown(ctx), s.logOutput.Close())
}

// reloadTasks re-reads the tasks file named by the current config.
func (s *Server) reloadTasks() error {
	return s.agent.ReloadTasks(s.Config().TasksFile)
}

// Handler returns the HTTP handler serving the API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return mux
}

// Run starts the driver loop, the cron triggers and the HTTP server, and blocks until
// the context is cancelled. It performs a graceful shutdown when the context is done.
func (s *Server) Run(ctx context.Context) error {
	defer func() {
		if err := s.close(); err != nil {
			s.logger.Error("failed to close engine", "error", err)
		}
	}()

	cfg := s.Config()
	s.httpServer = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  defaultReadTimeout,
		WriteTimeout: defaultWriteTimeout,
	}

	useTLS := cfg.Listener.TLSCert != ""
	if useTLS {
		loader, err := NewCertLoader(cfg.Listener.TLSCert, cfg.Listener.TLSKey, s.logger)
		if err != nil {
			return err
		}
		s.httpServer.TLSConfig = loader.TLSConfig()
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	runnerDone := make(chan error, 1)
	go func() {
		runnerDone <- s.runner.Run(runCtx)
	}()

	if specs := s.cron.Specs(); len(specs) > 0 {
		s.logger.Info("starting cron triggers", "count", len(specs), "next_run", s.cron.NextRun())
		s.cron.Start(runCtx)
	}

	if cfg.WatchTasks {
		watcher := NewTasksWatcher(cfg.TasksFile, s.reloadTasks, s.logger)
		go func() {
			if err := watcher.Run(runCtx); err != nil {
				s.logger.Error("tasks watcher stopped", "error", err)
			}
		}()
	}

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting server",
			"addr", s.addr,
			"config_path", s.configPath,
			"tls", useTLS,
		)
		var err error
		if useTLS {
			// Certificates come from TLSConfig.GetCertificate.
			err = s.httpServer.ListenAndServeTLS("", "")
		} else {
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for context cancellation, a server error or the driver loop exiting.
	var runErr error
	select {
	case err := <-errCh:
		runErr = err
	case err := <-runnerDone:
		runnerDone <- err
		if err != nil && !errors.Is(err, context.Canceled) {
			runErr = fmt.Errorf("driver loop exited: %w", err)
		}
	case <-ctx.Done():
		s.logger.Info("shutting down server")
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer shutdownCancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}
	<-runnerDone
	return runErr
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	orch := s.agent.Orchestrator

	mux.Handle("GET /health", handlers.NewHealthHandler(orch))
	mux.Handle("GET /metrics", s.registry.Handler())

	mux.Handle("GET /api/status", handlers.NewAPIStatusHandler(s))
	mux.Handle("GET /api/tasks", handlers.NewTasksHandler(orch))
	mux.Handle("POST /api/tasks/{id}/start", handlers.NewStartHandler(s.logger, orch, orch))
	mux.Handle("GET /api/tasks/{id}/resources", handlers.NewResourcesHandler(s.logger, s))

	mux.Handle("POST /api/pause", handlers.NewControlHandler(s.logger, orch, handlers.ActionPause))
	mux.Handle("POST /api/resume", handlers.NewControlHandler(s.logger, orch, handlers.ActionResume))
	mux.Handle("POST /api/stop", handlers.NewControlHandler(s.logger, orch, handlers.ActionStop))
	mux.Handle("POST /api/emergency-stop", handlers.NewControlHandler(s.logger, orch, handlers.ActionEmergencyStop))

	mux.Handle("GET /api/signals", handlers.NewSignalsHandler(s.agent.Monitor))
	mux.Handle("GET /api/history", handlers.NewHistoryHandler(orch))
	mux.Handle("GET /api/history/{id}", handlers.NewHistoryRunHandler(orch))
	if ds, ok := s.agent.History.(*history.DiskStore); ok {
		mux.Handle("POST /api/history/reload", handlers.NewStoreReloadHandler(s.logger, ds))
	}
	mux.Handle("GET /api/events", handlers.NewEventsHandler(s))
	mux.Handle("GET /api/audit", handlers.NewAuditHandler(s.agent.Audit))

	mux.Handle("GET /config", handlers.NewConfigHandler(s.logger, s))
	mux.Handle("POST /reload", handlers.NewReloadHandler(s.logger, s))
}
