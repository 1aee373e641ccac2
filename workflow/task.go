package workflow

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/nomis52/goquest/acquire"
)

// ErrResourcesUnavailable is returned by CanStart when required resources cannot be
// verified or cannot possibly be obtained.
var ErrResourcesUnavailable = errors.New("required resources unavailable")

// StepOutcome is the three-way outcome of one unit of task work.
type StepOutcome int

const (
	// StepContinue means the task is still running.
	StepContinue StepOutcome = iota
	// StepFailed means the task failed terminally.
	StepFailed
	// StepComplete means the task completed.
	StepComplete
)

// String returns a human-readable representation of the StepOutcome.
func (o StepOutcome) String() string {
	switch o {
	case StepContinue:
		return "continue"
	case StepFailed:
		return "failed"
	case StepComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// StepResult reports one unit of task work.
type StepResult struct {
	Outcome StepOutcome
	// OK is false when the unit itself failed and should count against the
	// orchestrator's outer retry ceiling. Only meaningful for StepContinue.
	OK bool
	// Retrying is set when a node failed but is retried against its own budget. Such
	// a unit neither resets nor advances the outer retry ceiling.
	Retrying bool
	Reason   string
	Message  string
}

// Task is the contract every workflow shape implements.
//
// LIFECYCLE:
//   - CanStart verifies preconditions (resources) before anything runs
//   - Start runs the on-start hook and keeps env for later units
//   - ExecuteStep is called once per tick and must only block for bounded waits
//   - OnComplete runs once when the task reports complete
//   - Cleanup runs on stop, emergency stop, and failure; it must tolerate partial state
type Task interface {
	ID() string
	Name() string
	RequiredResources() []acquire.Requirement
	CanStart(ctx context.Context, env *Env) error
	Start(ctx context.Context, env *Env) error
	ExecuteStep(ctx context.Context) StepResult
	IsComplete() bool
	// Progress returns 0 to 100.
	Progress() int
	StepDescription() string
	OnComplete(ctx context.Context)
	Cleanup(ctx context.Context)
}

// TaskOption configures a TreeTask or StepTask.
type TaskOption func(*taskOptions)

type taskOptions struct {
	requirements []acquire.Requirement
	completeWhen func(env *Env) bool
	progress     func(env *Env) int
	canStart     func(ctx context.Context, env *Env) error
	onStart      func(ctx context.Context, env *Env) error
	onComplete   func(ctx context.Context, env *Env)
	cleanup      func(ctx context.Context, env *Env)
}

// WithRequirements declares the resources the task needs.
func WithRequirements(reqs ...acquire.Requirement) TaskOption {
	return func(o *taskOptions) {
		o.requirements = append(o.requirements, reqs...)
	}
}

// WithCompletion sets an external completion predicate, typically backed by a progress
// signal. The task is complete when either the predicate or the tree says so.
func WithCompletion(pred func(env *Env) bool) TaskOption {
	return func(o *taskOptions) {
		o.completeWhen = pred
	}
}

// WithProgress overrides the default progress estimate.
func WithProgress(fn func(env *Env) int) TaskOption {
	return func(o *taskOptions) {
		o.progress = fn
	}
}

// WithCanStart adds a precondition checked after the resource check.
func WithCanStart(fn func(ctx context.Context, env *Env) error) TaskOption {
	return func(o *taskOptions) {
		o.canStart = fn
	}
}

// WithOnStart sets the start hook.
func WithOnStart(fn func(ctx context.Context, env *Env) error) TaskOption {
	return func(o *taskOptions) {
		o.onStart = fn
	}
}

// WithOnComplete sets the completion hook.
func WithOnComplete(fn func(ctx context.Context, env *Env)) TaskOption {
	return func(o *taskOptions) {
		o.onComplete = fn
	}
}

// WithCleanup sets the cleanup hook.
func WithCleanup(fn func(ctx context.Context, env *Env)) TaskOption {
	return func(o *taskOptions) {
		o.cleanup = fn
	}
}

// base holds the behaviour shared by TreeTask and StepTask.
type base struct {
	id   string
	name string
	opts taskOptions
	env  *Env
}

func newBase(id, name string, opts []TaskOption) base {
	b := base{id: id, name: name}
	for _, opt := range opts {
		opt(&b.opts)
	}
	return b
}

func (b *base) ID() string   { return b.id }
func (b *base) Name() string { return b.name }

func (b *base) RequiredResources() []acquire.Requirement {
	return slices.Clone(b.opts.requirements)
}

// CanStart verifies that every local-only requirement is already held locally. Other
// requirements can still be acquired later by a gather node, so only an inventory read
// failure makes them unverifiable.
func (b *base) CanStart(ctx context.Context, env *Env) error {
	if len(b.opts.requirements) > 0 && env != nil && env.Acquirer != nil {
		shortfall, err := env.Acquirer.Check(ctx, b.opts.requirements)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrResourcesUnavailable, err)
		}
		var blocked []string
		for _, req := range b.opts.requirements {
			if shortfall[req.Name] > 0 && req.Policy == acquire.PolicyLocalOnly && !req.AllowPartial {
				blocked = append(blocked, fmt.Sprintf("%s x%d", req.Name, shortfall[req.Name]))
			}
		}
		if len(blocked) > 0 {
			return fmt.Errorf("%w: %v", ErrResourcesUnavailable, blocked)
		}
	}
	if b.opts.canStart != nil {
		return b.opts.canStart(ctx, env)
	}
	return nil
}

func (b *base) start(ctx context.Context, env *Env) error {
	b.env = env
	if b.opts.onStart != nil {
		return b.opts.onStart(ctx, env)
	}
	return nil
}

func (b *base) externallyComplete() bool {
	return b.opts.completeWhen != nil && b.env != nil && b.opts.completeWhen(b.env)
}

func (b *base) OnComplete(ctx context.Context) {
	if b.opts.onComplete != nil {
		b.opts.onComplete(ctx, b.env)
	}
}

func (b *base) Cleanup(ctx context.Context) {
	if b.opts.cleanup != nil {
		b.opts.cleanup(ctx, b.env)
	}
}

func (b *base) customProgress() (int, bool) {
	if b.opts.progress == nil || b.env == nil {
		return 0, false
	}
	return clampPercent(b.opts.progress(b.env)), true
}

func clampPercent(p int) int {
	return min(max(p, 0), 100)
}

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}
