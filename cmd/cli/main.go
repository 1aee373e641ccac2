package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nomis52/goquest/agent"
	"github.com/nomis52/goquest/buildinfo"
	"github.com/nomis52/goquest/config"
	"github.com/nomis52/goquest/history"
	"github.com/nomis52/goquest/logging"
	"github.com/nomis52/goquest/metrics"
	"github.com/nomis52/goquest/orchestrator"
	"github.com/nomis52/goquest/server/runner"
	"github.com/nomis52/goquest/tracing"
)

type Args struct {
	ConfigPath  string
	TaskID      string
	Timeout     time.Duration
	ShowVersion bool
	Validate    bool
}

// finishWatcher delivers the first finished run.
type finishWatcher struct {
	done chan history.Run
}

func (w *finishWatcher) StateChanged(from, to orchestrator.State, snap orchestrator.Snapshot) {}

func (w *finishWatcher) StepChanged(snap orchestrator.Snapshot) {}

func (w *finishWatcher) TaskFinished(run history.Run) {
	select {
	case w.done <- run:
	default:
	}
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	args := parseArgs()

	// Handle version request
	if args.ShowVersion {
		showVersion()
		return nil
	}

	// Validate required config path
	if args.ConfigPath == "" {
		return fmt.Errorf("config flag (-c or --config) is required")
	}

	cfg, err := config.LoadConfig(args.ConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Handle validation-only request
	if args.Validate {
		fmt.Printf("Configuration validation successful: %s\n", args.ConfigPath)
		return nil
	}

	if args.TaskID == "" {
		return fmt.Errorf("task flag (-t or --task) is required")
	}

	logger, err := logging.New(cfg.Logging.LoggerConfig())
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Close()

	props := buildinfo.Get()
	logger.Info("goquest started",
		"version", props.Version,
		"build_time", props.BuildTime,
		"git_commit", props.GitCommit,
		"config_path", args.ConfigPath,
		"task_id", args.TaskID,
	)

	// Get hostname for metrics
	hostname, err := os.Hostname()
	if err != nil {
		return fmt.Errorf("failed to get hostname: %w", err)
	}

	// Create push-based metrics registry for CLI mode
	var registry *metrics.PushRegistry
	if cfg.Monitoring.PushURL != "" {
		registry = metrics.NewPushRegistry(metrics.PushConfig{
			URL:      cfg.Monitoring.PushURL,
			Prefix:   cfg.Monitoring.MetricsPrefix,
			Job:      cfg.Monitoring.JobName,
			Instance: hostname,
		})
	}

	tp, err := tracing.New(context.Background(), cfg.Tracing, "goquest", props.Version)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), metrics.DefaultTimeout)
		defer shutdownCancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn("failed to flush traces", "error", err)
		}
	}()

	watcher := &finishWatcher{done: make(chan history.Run, 1)}
	params := agent.Params{
		Config:    &cfg,
		Logger:    logger.Logger,
		Observers: []orchestrator.Observer{watcher},
		Tracer:    tp.Tracer("github.com/nomis52/goquest/orchestrator"),
	}
	if registry != nil {
		params.Registry = registry
	}
	a, err := agent.New(params)
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}
	defer a.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if args.Timeout > 0 {
		var timeoutCancel context.CancelFunc
		ctx, timeoutCancel = context.WithTimeout(ctx, args.Timeout)
		defer timeoutCancel()
	}

	result, err := execute(ctx, a, cfg, args.TaskID, watcher)

	if registry != nil {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), metrics.DefaultTimeout)
		defer flushCancel()
		if ferr := registry.Flush(flushCtx); ferr != nil {
			logger.Warn("failed to push metrics", "error", ferr)
		}
	}

	if err != nil {
		return err
	}
	logger.Info("task finished",
		"task_id", result.TaskID,
		"outcome", result.Outcome,
		"units", result.Units,
		"duration", result.Duration().String(),
	)
	if result.Outcome != history.OutcomeCompleted {
		return fmt.Errorf("task %s %s: %s", result.TaskID, result.Outcome, result.Reason)
	}
	return nil
}

// execute starts the task and drives the orchestrator until the run finishes or ctx
// ends. An ended ctx stops the task and reports the stopped run.
func execute(ctx context.Context, a *agent.Agent, cfg config.Config, taskID string, watcher *finishWatcher) (history.Run, error) {
	if err := a.Orchestrator.StartTask(taskID); err != nil {
		// A failed preparation leaves the task loaded; Stop records the failure.
		a.Orchestrator.Stop()
		return history.Run{}, fmt.Errorf("failed to start %s: %w", taskID, err)
	}

	r := runner.New(a.Orchestrator,
		runner.WithInterval(cfg.Engine.TickInterval),
		runner.WithLogger(a.Logger()),
	)
	runCtx, stopRunner := context.WithCancel(context.Background())
	runnerDone := make(chan error, 1)
	go func() { runnerDone <- r.Run(runCtx) }()
	defer func() {
		stopRunner()
		<-runnerDone
	}()

	select {
	case run := <-watcher.done:
		return run, nil
	case <-ctx.Done():
		a.Orchestrator.Stop()
		return <-watcher.done, nil
	}
}

func showVersion() {
	props := buildinfo.Get()
	fmt.Printf("goquest %s\n", props.Version)
	fmt.Printf("Built: %s\n", props.BuildTime)
	fmt.Printf("Commit: %s\n", props.GitCommit)
}

func parseArgs() Args {
	configPath := flag.String("config", "", "Path to config file")
	configPathShort := flag.String("c", "", "Path to config file (shorthand)")
	taskID := flag.String("task", "", "Task to run")
	taskShort := flag.String("t", "", "Task to run (shorthand)")
	timeout := flag.Duration("timeout", 0, "Stop the task after this long (0 disables)")
	showVersion := flag.Bool("version", false, "Show version information")
	versionShort := flag.Bool("v", false, "Show version information (shorthand)")
	validate := flag.Bool("validate", false, "Validate configuration and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\nRuns a single task to completion\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s --config /etc/goquest/config.yaml --task cook\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --version\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --config config.yaml --validate\n", os.Args[0])
	}

	flag.Parse()

	path := *configPath
	if path == "" && *configPathShort != "" {
		path = *configPathShort
	}
	task := *taskID
	if task == "" {
		task = *taskShort
	}

	return Args{
		ConfigPath:  path,
		TaskID:      task,
		Timeout:     *timeout,
		ShowVersion: *showVersion || *versionShort,
		Validate:    *validate,
	}
}
