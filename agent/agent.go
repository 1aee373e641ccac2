// Package agent assembles the engine from configuration: the environment bridge, the
// acquisition coordinator, the signal monitor, the task registry and the orchestrator.
// Both the server and the one-shot CLI build their engine here.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/nomis52/goquest/acquire"
	"github.com/nomis52/goquest/capability"
	"github.com/nomis52/goquest/clients/envclient"
	"github.com/nomis52/goquest/config"
	"github.com/nomis52/goquest/history"
	"github.com/nomis52/goquest/logging"
	"github.com/nomis52/goquest/metrics"
	"github.com/nomis52/goquest/orchestrator"
	"github.com/nomis52/goquest/signals"
	"github.com/nomis52/goquest/tasks"
	"github.com/nomis52/goquest/workflow"
)

var (
	// ErrBusy is returned for operations that need the orchestrator to be idle.
	ErrBusy = errors.New("a task is active")
	// ErrUnknownTask is returned for task ids that are not defined.
	ErrUnknownTask = errors.New("unknown task")
)

// Params contains the parameters for building an Agent.
type Params struct {
	// Config is the application configuration.
	Config *config.Config

	// Logger is the base logger.
	Logger *slog.Logger

	// Registry is used for metrics. May be nil.
	Registry metrics.Registry

	// Environment replaces the HTTP bridge built from Config.Environment. Used by tests.
	Environment capability.Environment

	// Observers are notified of orchestrator changes.
	Observers []orchestrator.Observer

	// SignalListeners receive signal changes.
	SignalListeners []signals.Listener

	// Tracer records a span per task run. May be nil.
	Tracer trace.Tracer
}

// Agent is an assembled engine.
type Agent struct {
	Environment  capability.Environment
	Coordinator  *acquire.Coordinator
	Monitor      *signals.Monitor
	Orchestrator *orchestrator.Orchestrator
	Tasks        *workflow.Registry
	History      history.Store
	Audit        *logging.AuditLog
	Logs         *logging.LogCollector

	logger *slog.Logger
	mu     sync.RWMutex
	set    *tasks.Set
}

// New builds an Agent from p.
func New(p Params) (*Agent, error) {
	if p.Config == nil {
		return nil, errors.New("config is required")
	}
	cfg := p.Config
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	a := &Agent{
		Environment: p.Environment,
		Tasks:       workflow.NewRegistry(),
		Logs:        logging.NewLogCollector(),
		logger:      logger,
	}

	if a.Environment == nil {
		env, err := newBridge(cfg, logger)
		if err != nil {
			return nil, err
		}
		a.Environment = env
	}

	if cfg.Audit.Dir != "" {
		audit, err := logging.OpenAuditLog(cfg.Audit.Dir)
		if err != nil {
			return nil, err
		}
		a.Audit = audit
		logger.Info("audit log opened", "path", audit.Path(), "session", audit.Session())
	}

	store, err := newHistoryStore(cfg, logger)
	if err != nil {
		return nil, errors.Join(err, a.Close())
	}
	a.History = store

	if err := a.build(cfg, p); err != nil {
		return nil, errors.Join(err, a.Close())
	}
	return a, nil
}

func (a *Agent) build(cfg *config.Config, p Params) error {
	coordOpts := []acquire.Option{
		acquire.WithConfig(cfg.Acquisition),
		acquire.WithLogger(a.logger),
		acquire.WithAuditLog(a.Audit),
		acquire.WithMetricsRegistry(p.Registry),
	}
	if st := a.Environment.Storage(); st != nil {
		coordOpts = append(coordOpts, acquire.WithStorage(st))
	}
	if m := a.Environment.Market(); m != nil {
		coordOpts = append(coordOpts, acquire.WithMarket(m, a.Environment))
	}
	coord, err := acquire.New(a.Environment, coordOpts...)
	if err != nil {
		return fmt.Errorf("failed to create coordinator: %w", err)
	}
	a.Coordinator = coord

	monOpts := []signals.Option{
		signals.WithLogger(a.logger),
		signals.WithInterval(cfg.Signals.PollInterval),
		signals.WithAuditLog(a.Audit),
		signals.WithMetricsRegistry(p.Registry),
	}
	for _, l := range p.SignalListeners {
		monOpts = append(monOpts, signals.WithListener(l))
	}
	if cfg.Signals.Discovery {
		candidates, err := signals.ParseKeyRanges(cfg.Signals.Candidates)
		if err != nil {
			return fmt.Errorf("invalid signal candidates: %w", err)
		}
		monOpts = append(monOpts, signals.WithDiscovery(candidates))
	}
	monitor, err := signals.New(a.Environment, monOpts...)
	if err != nil {
		return fmt.Errorf("failed to create signal monitor: %w", err)
	}
	a.Monitor = monitor

	if err := a.loadTasks(cfg.TasksFile); err != nil {
		return err
	}

	orchOpts := []orchestrator.Option{
		orchestrator.WithLogger(a.logger),
		orchestrator.WithRegistry(a.Tasks),
		orchestrator.WithMonitor(monitor),
		orchestrator.WithCoordinator(coord),
		orchestrator.WithCapability(a.Environment),
		orchestrator.WithHistory(a.History),
		orchestrator.WithAuditLog(a.Audit),
		orchestrator.WithLogCollector(a.Logs),
		orchestrator.WithMetricsRegistry(p.Registry),
		orchestrator.WithMaxRetries(cfg.Engine.MaxRetries),
		orchestrator.WithJitter(cfg.Engine.MaxJitter),
	}
	for _, obs := range p.Observers {
		orchOpts = append(orchOpts, orchestrator.WithObserver(obs))
	}
	if p.Tracer != nil {
		orchOpts = append(orchOpts, orchestrator.WithTracer(p.Tracer))
	}
	if cfg.Engine.SuspendWhileMoving {
		orchOpts = append(orchOpts, orchestrator.WithSuspendWhen(a.moving))
	}
	orch, err := orchestrator.New(orchOpts...)
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}
	a.Orchestrator = orch
	return nil
}

func newBridge(cfg *config.Config, logger *slog.Logger) (*envclient.Client, error) {
	opts := []envclient.Option{
		envclient.WithToken(cfg.Environment.Token),
		envclient.WithTimeout(cfg.Environment.Timeout),
		envclient.WithLogger(logger.With("component", "envclient")),
	}
	if cfg.Environment.MarketLocation != nil {
		opts = append(opts, envclient.WithMarketLocation(*cfg.Environment.MarketLocation))
	}
	client, err := envclient.New(cfg.Environment.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create environment client: %w", err)
	}
	return client, nil
}

func newHistoryStore(cfg *config.Config, logger *slog.Logger) (history.Store, error) {
	switch {
	case cfg.History.Database != "":
		store, err := history.NewSQLiteStore(cfg.History.Database, cfg.History.MaxRuns, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open history database: %w", err)
		}
		return store, nil
	case cfg.History.StateDir != "":
		store, err := history.NewDiskStore(cfg.History.StateDir, cfg.History.MaxRuns, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open history store: %w", err)
		}
		return store, nil
	default:
		return history.NewMemoryStore(cfg.History.MaxRuns), nil
	}
}

// moving reports whether the agent is in transit. Read failures do not suspend ticks.
func (a *Agent) moving(ctx context.Context) bool {
	moving, err := a.Environment.Moving(ctx)
	if err != nil {
		a.logger.Debug("failed to read movement state", "error", err)
		return false
	}
	return moving
}

func (a *Agent) loadTasks(path string) error {
	set, err := tasks.LoadFile(path)
	if err != nil {
		return err
	}
	if err := set.Apply(a.Tasks, a.Monitor); err != nil {
		return err
	}
	a.mu.Lock()
	a.set = set
	a.mu.Unlock()
	a.logger.Info("task definitions loaded", "path", path, "tasks", len(set.Definitions()))
	return nil
}

// Logger returns the agent's logger.
func (a *Agent) Logger() *slog.Logger {
	return a.logger
}

// ReloadTasks reads task definitions from path. It fails with ErrBusy unless the
// orchestrator is idle.
func (a *Agent) ReloadTasks(path string) error {
	if state := a.Orchestrator.State(); state != orchestrator.StateIdle {
		return fmt.Errorf("cannot reload tasks while %s: %w", state, ErrBusy)
	}
	return a.loadTasks(path)
}

// Definition returns the definition of a task.
func (a *Agent) Definition(id string) (tasks.Definition, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, def := range a.set.Definitions() {
		if def.ID == id {
			return def, true
		}
	}
	return tasks.Definition{}, false
}

// CheckResources returns the local shortfall of the task's requirements.
func (a *Agent) CheckResources(ctx context.Context, taskID string) (map[string]int, error) {
	def, ok := a.Definition(taskID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	return a.Coordinator.Check(ctx, def.Requirements)
}

// Close closes the history store and ends the audit session.
func (a *Agent) Close() error {
	var errs []error
	if c, ok := a.History.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	if a.Audit != nil {
		errs = append(errs, a.Audit.Close())
	}
	return errors.Join(errs...)
}
