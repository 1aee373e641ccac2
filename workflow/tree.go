package workflow

import (
	"context"
)

// maxCallerDepth bounds the stack of Decisions used to resolve OutcomeReturn. Trees
// that loop through Decisions without returning would otherwise grow it forever.
const maxCallerDepth = 64

// TreeTask is a Task backed by a tree of Nodes.
type TreeTask struct {
	base

	root      Node
	current   Node
	callers   []*Decision
	succeeded map[Node]bool
	total     int
	units     int
	complete  bool
	failed    bool
	reason    string
}

// NewTreeTask creates a task that starts at root.
func NewTreeTask(id, name string, root Node, opts ...TaskOption) *TreeTask {
	t := &TreeTask{
		base:      newBase(id, name, opts),
		root:      root,
		current:   root,
		succeeded: make(map[Node]bool),
	}
	Walk(root, func(Node) { t.total++ })
	return t
}

// Start implements Task.
func (t *TreeTask) Start(ctx context.Context, env *Env) error {
	t.current = t.root
	t.callers = nil
	t.succeeded = make(map[Node]bool)
	t.units = 0
	t.complete = false
	t.failed = false
	t.reason = ""
	return t.start(ctx, env)
}

// Current returns the node that will run on the next ExecuteStep.
func (t *TreeTask) Current() Node {
	return t.current
}

// Units returns the number of ExecuteStep calls that ran a node.
func (t *TreeTask) Units() int {
	return t.units
}

// ExecuteStep implements Task. It runs the current node once and moves the pointer.
func (t *TreeTask) ExecuteStep(ctx context.Context) StepResult {
	if t.IsComplete() {
		return StepResult{Outcome: StepComplete, OK: true}
	}
	if t.failed {
		return StepResult{Outcome: StepFailed, Reason: t.reason}
	}
	if t.current == nil {
		t.complete = true
		return StepResult{Outcome: StepComplete, OK: true}
	}

	node := t.current
	t.units++
	res := Execute(ctx, node, t.env)

	switch res.Status {
	case StatusSuccess:
		t.succeeded[node] = true
		if d, ok := node.(*Decision); ok {
			t.pushCaller(d)
		}
		switch res.Outcome {
		case OutcomeContinue:
			t.current = res.Next
			return StepResult{Outcome: StepContinue, OK: true, Message: res.Message}
		case OutcomeReturn:
			if caller, ok := t.popCaller(); ok {
				t.current = caller
				return StepResult{Outcome: StepContinue, OK: true, Message: res.Message}
			}
		}
		t.complete = true
		t.current = nil
		return StepResult{Outcome: StepComplete, OK: true, Message: res.Message}
	case StatusFailed:
		t.failed = true
		t.reason = res.Reason
		return StepResult{Outcome: StepFailed, Reason: res.Reason, Message: res.Message}
	case StatusRetry:
		return StepResult{Outcome: StepContinue, Retrying: true, Reason: res.Message, Message: res.Message}
	default:
		return StepResult{Outcome: StepContinue, OK: true, Message: res.Message}
	}
}

func (t *TreeTask) pushCaller(d *Decision) {
	t.callers = append(t.callers, d)
	if len(t.callers) > maxCallerDepth {
		t.callers = t.callers[len(t.callers)-maxCallerDepth:]
	}
}

func (t *TreeTask) popCaller() (*Decision, bool) {
	if len(t.callers) == 0 {
		return nil, false
	}
	d := t.callers[len(t.callers)-1]
	t.callers = t.callers[:len(t.callers)-1]
	return d, true
}

// IsComplete implements Task.
func (t *TreeTask) IsComplete() bool {
	return t.complete || t.externallyComplete()
}

// Failed reports whether the tree failed, and why.
func (t *TreeTask) Failed() (bool, string) {
	return t.failed, t.reason
}

// Progress implements Task. Without a custom estimator it is the share of distinct
// nodes that have succeeded, held below 100 until the task completes.
func (t *TreeTask) Progress() int {
	if t.IsComplete() {
		return 100
	}
	if p, ok := t.customProgress(); ok {
		return p
	}
	if t.total == 0 {
		return 0
	}
	return min(len(t.succeeded)*100/t.total, 99)
}

// StepDescription implements Task.
func (t *TreeTask) StepDescription() string {
	switch {
	case t.IsComplete():
		return "complete"
	case t.failed:
		return "failed: " + t.reason
	case t.current == nil:
		return ""
	default:
		return t.current.Description()
	}
}
