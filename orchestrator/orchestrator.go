package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/nomis52/goquest/capability"
	"github.com/nomis52/goquest/history"
	"github.com/nomis52/goquest/logging"
	"github.com/nomis52/goquest/metrics"
	"github.com/nomis52/goquest/signals"
	"github.com/nomis52/goquest/tracing"
	"github.com/nomis52/goquest/workflow"
)

const (
	defaultMaxRetries = 3
	defaultJitter     = 250 * time.Millisecond
	defaultHistory    = 100
)

// SignalPoller is the part of the signal monitor the orchestrator drives. It is polled
// once per tick before the task runs its unit.
type SignalPoller interface {
	workflow.Signals
	Poll(ctx context.Context) []signals.Change
}

// Orchestrator runs at most one task at a time, advancing it by one unit per Tick.
//
// Two locks are used. taskMu serialises everything that touches the active task (ticks,
// start, stop). mu guards the published state so that queries never wait behind a tick
// that is blocked in a bounded wait. Lock order is taskMu then mu.
type Orchestrator struct {
	registry    *workflow.Registry
	monitor     SignalPoller
	acquirer    workflow.Acquirer
	world       capability.Environment
	history     history.Store
	observers   []Observer
	audit       *logging.AuditLog
	collector   *logging.LogCollector
	logger      *slog.Logger
	metrics     *orchestratorMetrics
	metricsReg  metrics.Registry
	maxRetries  int
	maxJitter   time.Duration
	suspendWhen func(ctx context.Context) bool
	sleep       func(ctx context.Context, d time.Duration)
	tracer      trace.Tracer

	aborted atomic.Bool
	taskMu  sync.Mutex

	mu       sync.Mutex
	state    State
	task     workflow.Task
	env      *workflow.Env
	ctx      context.Context
	cancel   context.CancelFunc
	run      history.Run
	span     trace.Span
	retries  int
	progress int
	step     string
	lastErr  string
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger for the orchestrator.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger.With("component", "orchestrator")
	}
}

// WithRegistry sets the task registry. Required.
func WithRegistry(r *workflow.Registry) Option {
	return func(o *Orchestrator) {
		o.registry = r
	}
}

// WithMonitor sets the signal monitor that is polled every tick and exposed to nodes.
func WithMonitor(m SignalPoller) Option {
	return func(o *Orchestrator) {
		o.monitor = m
	}
}

// WithCoordinator sets the resource acquirer used by gather nodes and start checks.
func WithCoordinator(a workflow.Acquirer) Option {
	return func(o *Orchestrator) {
		o.acquirer = a
	}
}

// WithCapability sets the environment capabilities handed to tasks.
func WithCapability(world capability.Environment) Option {
	return func(o *Orchestrator) {
		o.world = world
	}
}

// WithHistory sets the run history store. Defaults to an in-memory store.
func WithHistory(store history.Store) Option {
	return func(o *Orchestrator) {
		o.history = store
	}
}

// WithObserver adds an observer.
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) {
		o.observers = append(o.observers, obs)
	}
}

// WithAuditLog sets the session audit log.
func WithAuditLog(audit *logging.AuditLog) Option {
	return func(o *Orchestrator) {
		o.audit = audit
	}
}

// WithLogCollector captures every task logger's output so it can be stored with the run.
func WithLogCollector(c *logging.LogCollector) Option {
	return func(o *Orchestrator) {
		o.collector = c
	}
}

// WithMetricsRegistry enables orchestrator metrics.
func WithMetricsRegistry(reg metrics.Registry) Option {
	return func(o *Orchestrator) {
		o.metricsReg = reg
	}
}

// WithMaxRetries sets how many consecutive failed units are tolerated before the task
// is stopped.
func WithMaxRetries(n int) Option {
	return func(o *Orchestrator) {
		o.maxRetries = n
	}
}

// WithJitter sets the upper bound of the random pause after a failed unit. Zero disables it.
func WithJitter(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.maxJitter = d
	}
}

// WithSuspendWhen sets a predicate that, while true, makes ticks skip the task without
// changing state.
func WithSuspendWhen(fn func(ctx context.Context) bool) Option {
	return func(o *Orchestrator) {
		o.suspendWhen = fn
	}
}

// WithTracer records each task run as a span.
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) {
		o.tracer = t
	}
}

// New creates an Orchestrator in the Idle state.
func New(opts ...Option) (*Orchestrator, error) {
	o := &Orchestrator{
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		maxRetries: defaultMaxRetries,
		maxJitter:  defaultJitter,
		sleep:      sleepCtx,
	}
	for _, opt := range opts {
		opt(o)
	}

	if o.registry == nil {
		return nil, fmt.Errorf("task registry is required")
	}
	if o.maxRetries < 0 {
		return nil, fmt.Errorf("max retries cannot be negative, got %d", o.maxRetries)
	}
	if o.history == nil {
		o.history = history.NewMemoryStore(defaultHistory)
	}
	if o.tracer == nil {
		o.tracer = noop.NewTracerProvider().Tracer("")
	}
	m, err := newOrchestratorMetrics(o.metricsReg)
	if err != nil {
		return nil, err
	}
	o.metrics = m
	o.metrics.setState(StateIdle)
	return o, nil
}

// Start is StartTask for callers that only need to know whether the task was accepted.
func (o *Orchestrator) Start(taskID string) bool {
	return o.StartTask(taskID) == nil
}

// StartTask loads a fresh instance of the task and prepares it. Errors wrap ErrValidation.
// A task whose preparation fails stays loaded in the Error state until Stop.
func (o *Orchestrator) StartTask(taskID string) error {
	o.taskMu.Lock()
	defer o.taskMu.Unlock()

	o.mu.Lock()
	if o.state != StateIdle {
		state := o.state
		o.mu.Unlock()
		return fmt.Errorf("%w: cannot start %s while %s", ErrValidation, taskID, state)
	}
	o.mu.Unlock()

	if o.history.Completed(taskID) {
		o.audit.Record(logging.CategoryTask, "rejected %s: already completed", taskID)
		return fmt.Errorf("%w: task %s already completed", ErrValidation, taskID)
	}
	task, ok := o.registry.New(taskID)
	if !ok {
		o.audit.Record(logging.CategoryTask, "rejected %s: unknown task", taskID)
		return fmt.Errorf("%w: unknown task %s", ErrValidation, taskID)
	}

	o.aborted.Store(false)
	run := history.NewRun(taskID, task.Name(), time.Now())
	spanCtx, span := o.tracer.Start(context.Background(), "task.run",
		trace.WithAttributes(tracing.TaskAttributes(taskID, task.Name(), run.ID)...))
	ctx, cancel := context.WithCancel(spanCtx)

	env := &workflow.Env{
		Context:  workflow.NewContext(),
		World:    o.world,
		Acquirer: o.acquirer,
		Logger:   o.taskLogger(run),
	}
	if o.monitor != nil {
		env.Signals = o.monitor
	}

	o.mu.Lock()
	o.task = task
	o.env = env
	o.ctx = ctx
	o.cancel = cancel
	o.run = run
	o.span = span
	o.retries = 0
	o.progress = 0
	o.step = ""
	o.lastErr = ""
	o.mu.Unlock()

	o.logger.Info("starting task", "task_id", taskID, "run_id", run.ID)
	o.audit.Record(logging.CategoryTask, "starting %s (%s)", task.Name(), taskID)
	o.transition(StatePreparing)

	if err := o.prepareLocked(); err != nil {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}
	return nil
}

// Prepare re-runs preparation for a task in the Preparing or Error state. It returns
// true when the task moved to Executing.
func (o *Orchestrator) Prepare() bool {
	o.taskMu.Lock()
	defer o.taskMu.Unlock()
	return o.prepareLocked() == nil
}

// prepareLocked must be called with taskMu held.
func (o *Orchestrator) prepareLocked() error {
	o.mu.Lock()
	if o.state != StatePreparing && o.state != StateError {
		state := o.state
		o.mu.Unlock()
		return fmt.Errorf("cannot prepare while %s", state)
	}
	task, env, ctx := o.task, o.env, o.ctx
	if o.state == StateError {
		o.mu.Unlock()
		o.transition(StatePreparing)
	} else {
		o.mu.Unlock()
	}

	err := safeErr(func() error {
		if err := task.CanStart(ctx, env); err != nil {
			return err
		}
		return task.Start(ctx, env)
	})
	if err != nil {
		o.logger.Warn("task preparation failed", "task_id", task.ID(), "error", err)
		o.audit.Record(logging.CategoryError, "preparing %s failed: %v", task.ID(), err)
		o.mu.Lock()
		o.lastErr = err.Error()
		o.mu.Unlock()
		o.transition(StateError)
		return err
	}

	o.transition(StateExecuting)
	return nil
}

// Tick performs at most one unit of work for the active task. It is a no-op unless the
// orchestrator is Executing. Panics are recovered and stop the task.
func (o *Orchestrator) Tick() {
	o.taskMu.Lock()
	defer o.taskMu.Unlock()

	o.mu.Lock()
	if o.state != StateExecuting {
		o.mu.Unlock()
		return
	}
	task, ctx := o.task, o.ctx
	o.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("%w: %v", ErrFatal, r)
			o.logger.Error("recovered panic in tick", "task_id", task.ID(), "panic", r, "stack", string(debug.Stack()))
			o.audit.Record(logging.CategoryError, "%v", err)
			o.teardown(history.OutcomeFailed, err.Error())
		}
	}()

	if ctx.Err() != nil {
		return
	}
	if o.suspendWhen != nil && o.suspendWhen(ctx) {
		o.logger.Debug("tick suspended", "task_id", task.ID())
		return
	}
	if o.monitor != nil {
		o.monitor.Poll(ctx)
	}

	if task.IsComplete() {
		o.complete(ctx, task)
		return
	}

	res := task.ExecuteStep(ctx)
	o.metrics.unit(res.OK)
	o.record(task)
	trace.SpanFromContext(ctx).AddEvent("unit", trace.WithAttributes(
		attribute.Bool("ok", res.OK),
		attribute.String("step", task.StepDescription()),
		attribute.String("reason", res.Reason),
	))

	switch {
	case res.Outcome == workflow.StepFailed:
		o.teardown(history.OutcomeFailed, res.Reason)
	case res.Retrying:
		o.mu.Lock()
		o.run.Retries++
		o.lastErr = res.Reason
		o.mu.Unlock()
		o.logger.Debug("node retrying", "task_id", task.ID(), "reason", res.Reason)
	case res.OK:
		o.mu.Lock()
		o.retries = 0
		o.mu.Unlock()
	default:
		o.mu.Lock()
		o.retries++
		o.run.Retries++
		o.lastErr = res.Reason
		retries := o.retries
		o.mu.Unlock()

		if retries > o.maxRetries {
			o.logger.Warn("retry ceiling exceeded", "task_id", task.ID(), "retries", retries)
			o.teardown(history.OutcomeFailed, fmt.Sprintf("exceeded %d consecutive failed steps: %s", o.maxRetries, res.Reason))
			return
		}
		o.logger.Debug("step failed, will retry", "task_id", task.ID(), "retries", retries, "reason", res.Reason)
		if o.maxJitter > 0 {
			o.sleep(ctx, rand.N(o.maxJitter))
		}
	}
}

// record publishes the task's progress and step after a unit. Must hold taskMu.
func (o *Orchestrator) record(task workflow.Task) {
	progress := task.Progress()
	step := task.StepDescription()

	o.mu.Lock()
	o.run.Units++
	o.progress = progress
	changed := step != o.step
	o.step = step
	snap := o.snapshotLocked()
	o.mu.Unlock()

	o.metrics.setProgress(progress)
	if changed {
		o.audit.Record(logging.CategoryStep, "%s", step)
		for _, obs := range o.observers {
			obs.StepChanged(snap)
		}
	}
}

// complete runs the completion hook and returns to Idle. Must hold taskMu.
func (o *Orchestrator) complete(ctx context.Context, task workflow.Task) {
	if err := safe(func() { task.OnComplete(ctx) }); err != nil {
		o.logger.Warn("completion hook failed", "task_id", task.ID(), "error", err)
	}
	o.logger.Info("task completed", "task_id", task.ID())
	o.audit.Record(logging.CategoryTask, "completed %s", task.Name())

	o.mu.Lock()
	o.progress = 100
	o.mu.Unlock()
	o.metrics.setProgress(100)
	o.transition(StateCompleted)
	o.finish(history.OutcomeCompleted, "")
}

// Pause stops ticks from doing work. Only valid while Executing.
func (o *Orchestrator) Pause() bool {
	o.mu.Lock()
	ok := o.state == StateExecuting
	o.mu.Unlock()
	if !ok {
		return false
	}
	o.audit.Record(logging.CategoryState, "paused")
	o.transition(StatePaused)
	return true
}

// Resume continues a paused task.
func (o *Orchestrator) Resume() bool {
	o.mu.Lock()
	ok := o.state == StatePaused
	o.mu.Unlock()
	if !ok {
		return false
	}
	o.audit.Record(logging.CategoryState, "resumed")
	o.transition(StateExecuting)
	return true
}

// Stop cancels the active task, runs its cleanup and returns to Idle. It is safe to call
// from any state and any number of times. In-flight waits are cancelled before Stop
// waits for the running tick to return.
func (o *Orchestrator) Stop() {
	o.stop(history.OutcomeStopped, "stopped")
}

// EmergencyStop is Stop plus raising the abort flag that in-flight waits observe. The
// flag stays raised until the next successful start.
func (o *Orchestrator) EmergencyStop() {
	o.aborted.Store(true)
	o.logger.Warn("emergency stop")
	o.audit.Record(logging.CategoryState, "emergency stop")
	o.stop(history.OutcomeAborted, "emergency stop")
}

func (o *Orchestrator) stop(outcome history.Outcome, reason string) {
	o.mu.Lock()
	if o.cancel != nil {
		o.cancel()
	}
	o.mu.Unlock()

	o.taskMu.Lock()
	defer o.taskMu.Unlock()

	o.mu.Lock()
	state, lastErr := o.state, o.lastErr
	o.mu.Unlock()
	if !state.hasTask() {
		return
	}
	if state == StateError && outcome == history.OutcomeStopped {
		outcome = history.OutcomeFailed
		reason = "preparation failed: " + lastErr
	}
	o.teardown(outcome, reason)
}

// teardown runs cleanup and finishes the run. Must hold taskMu.
func (o *Orchestrator) teardown(outcome history.Outcome, reason string) {
	o.mu.Lock()
	task, cancel := o.task, o.cancel
	o.mu.Unlock()
	if task == nil {
		return
	}
	if cancel != nil {
		cancel()
	}

	// Cleanup gets its own context since the task context is already cancelled.
	cleanupCtx, done := context.WithTimeout(context.Background(), 30*time.Second)
	defer done()
	if err := safe(func() { task.Cleanup(cleanupCtx) }); err != nil {
		o.logger.Warn("cleanup failed", "task_id", task.ID(), "error", err)
		o.audit.Record(logging.CategoryError, "cleanup of %s failed: %v", task.ID(), err)
	}

	if outcome == history.OutcomeFailed {
		o.logger.Warn("task failed", "task_id", task.ID(), "reason", reason)
		o.audit.Record(logging.CategoryTask, "failed %s: %s", task.Name(), reason)
	} else {
		o.logger.Info("task ended", "task_id", task.ID(), "outcome", outcome)
		o.audit.Record(logging.CategoryTask, "%s %s", outcome, task.Name())
	}
	o.finish(outcome, reason)
}

// finish records the run and returns to Idle. Must hold taskMu.
func (o *Orchestrator) finish(outcome history.Outcome, reason string) {
	o.mu.Lock()
	run := o.run
	run.EndedAt = time.Now()
	run.Outcome = outcome
	run.Reason = reason
	if o.collector != nil {
		run.Logs = o.collector.Take(run.ID)
	}
	if o.env != nil {
		o.env.Context.Clear()
	}
	span := o.span
	o.task = nil
	o.env = nil
	o.cancel = nil
	o.span = nil
	o.retries = 0
	o.step = ""
	if outcome != history.OutcomeCompleted {
		o.progress = 0
	}
	if reason != "" {
		o.lastErr = reason
	}
	o.mu.Unlock()

	if err := o.history.Save(run); err != nil {
		o.logger.Error("failed to save run", "run_id", run.ID, "error", err)
	}
	endSpan(span, run)
	o.metrics.finished(run)
	o.transition(StateIdle)
	for _, obs := range o.observers {
		obs.TaskFinished(run)
	}
}

// transition moves to the given state and notifies observers.
func (o *Orchestrator) transition(to State) {
	o.mu.Lock()
	from := o.state
	o.state = to
	snap := o.snapshotLocked()
	span := o.span
	o.mu.Unlock()

	if from == to {
		return
	}
	if span != nil {
		span.AddEvent("state", trace.WithAttributes(
			attribute.String("from", from.String()),
			attribute.String("to", to.String()),
		))
	}
	o.logger.Debug("state change", "from", from, "to", to)
	o.audit.Record(logging.CategoryState, "%s -> %s", from, to)
	o.metrics.setState(to)
	for _, obs := range o.observers {
		obs.StateChanged(from, to, snap)
	}
}

// State returns the executor state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Progress returns the progress of the active task, 0 when idle.
func (o *Orchestrator) Progress() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.state.hasTask() && o.state != StateCompleted {
		return 0
	}
	return o.progress
}

// StepDescription returns the description of the active task's current step.
func (o *Orchestrator) StepDescription() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.step
}

// ActiveTask returns the id of the loaded task.
func (o *Orchestrator) ActiveTask() (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.task == nil {
		return "", false
	}
	return o.task.ID(), true
}

// Aborted reports whether an emergency stop was requested since the last start.
func (o *Orchestrator) Aborted() bool {
	return o.aborted.Load()
}

// Tasks lists the registered tasks.
func (o *Orchestrator) Tasks() []workflow.TaskInfo {
	return o.registry.List()
}

// History returns the run store.
func (o *Orchestrator) History() history.Store {
	return o.history
}

// Snapshot returns a consistent view of the orchestrator.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshotLocked()
}

func (o *Orchestrator) snapshotLocked() Snapshot {
	snap := Snapshot{
		State:     o.state,
		Step:      o.step,
		Retries:   o.retries,
		Aborted:   o.aborted.Load(),
		LastError: o.lastErr,
	}
	if o.task != nil {
		started := o.run.StartedAt
		snap.TaskID = o.task.ID()
		snap.TaskName = o.task.Name()
		snap.RunID = o.run.ID
		snap.Units = o.run.Units
		snap.Progress = o.progress
		snap.StartedAt = &started
	} else if o.state == StateCompleted {
		snap.Progress = o.progress
	}
	return snap
}

func (o *Orchestrator) taskLogger(run history.Run) *slog.Logger {
	base := o.logger.With("task_id", run.TaskID, "run_id", run.ID)
	if o.collector == nil {
		return base
	}
	return o.collector.Logger(base, logging.RunRef{TaskID: run.TaskID, RunID: run.ID})
}

func endSpan(span trace.Span, run history.Run) {
	if span == nil {
		return
	}
	span.SetAttributes(
		attribute.String("outcome", string(run.Outcome)),
		attribute.Int("units", run.Units),
		attribute.Int("retries", run.Retries),
	)
	if run.Outcome == history.OutcomeFailed {
		span.SetStatus(codes.Error, run.Reason)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// safe runs fn and converts a panic into an error.
func safe(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	fn()
	return nil
}

func safeErr(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
