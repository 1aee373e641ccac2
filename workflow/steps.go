package workflow

import (
	"context"
	"fmt"
)

// Step is one entry of a flat StepTask.
type Step struct {
	Description string
	// Run executes one bounded unit of the step. Success advances to the next step,
	// Failed fails the task and InProgress waits. Steps carry no budget of their own, so
	// Retry counts as a failed unit against the orchestrator's ceiling.
	Run func(ctx context.Context, env *Env) Result
}

// StepTask is a Task backed by a flat list of steps.
type StepTask struct {
	base

	steps    []Step
	index    int
	complete bool
	failed   bool
	reason   string
}

// NewStepTask creates a task that runs steps in order.
func NewStepTask(id, name string, steps []Step, opts ...TaskOption) *StepTask {
	return &StepTask{
		base:  newBase(id, name, opts),
		steps: steps,
	}
}

// Start implements Task.
func (t *StepTask) Start(ctx context.Context, env *Env) error {
	t.index = 0
	t.complete = false
	t.failed = false
	t.reason = ""
	return t.start(ctx, env)
}

// ExecuteStep implements Task.
func (t *StepTask) ExecuteStep(ctx context.Context) StepResult {
	if t.IsComplete() || t.index >= len(t.steps) {
		t.complete = true
		return StepResult{Outcome: StepComplete, OK: true}
	}
	if t.failed {
		return StepResult{Outcome: StepFailed, Reason: t.reason}
	}
	if err := ctx.Err(); err != nil {
		t.failed = true
		t.reason = fmt.Sprintf("step %d aborted: %v", t.index, err)
		return StepResult{Outcome: StepFailed, Reason: t.reason}
	}

	step := t.steps[t.index]
	var res Result
	if step.Run != nil {
		res = step.Run(ctx, t.env)
	} else {
		res = Complete(step.Description)
	}

	switch res.Status {
	case StatusSuccess:
		t.index++
		if t.index >= len(t.steps) {
			t.complete = true
			return StepResult{Outcome: StepComplete, OK: true, Message: res.Message}
		}
		return StepResult{Outcome: StepContinue, OK: true, Message: res.Message}
	case StatusFailed:
		t.failed = true
		t.reason = res.Reason
		return StepResult{Outcome: StepFailed, Reason: res.Reason, Message: res.Message}
	case StatusRetry:
		return StepResult{Outcome: StepContinue, OK: false, Reason: res.Message, Message: res.Message}
	default:
		return StepResult{Outcome: StepContinue, OK: true, Message: res.Message}
	}
}

// IsComplete implements Task.
func (t *StepTask) IsComplete() bool {
	return t.complete || t.externallyComplete()
}

// Progress implements Task.
func (t *StepTask) Progress() int {
	if t.IsComplete() {
		return 100
	}
	if p, ok := t.customProgress(); ok {
		return p
	}
	if len(t.steps) == 0 {
		return 0
	}
	return min(t.index*100/len(t.steps), 99)
}

// StepDescription implements Task.
func (t *StepTask) StepDescription() string {
	switch {
	case t.IsComplete():
		return "complete"
	case t.failed:
		return "failed: " + t.reason
	case t.index < len(t.steps):
		return t.steps[t.index].Description
	default:
		return ""
	}
}
