package workflow

import (
	"context"
	"errors"
	"fmt"
)

// DefaultRetryBudget is the retry budget of an Action that does not set one.
const DefaultRetryBudget = 3

// NoBranchReason is the failure reason of a Decision without a matching branch.
const NoBranchReason = "no valid branch found"

// ErrActionExhausted wraps the last error of an Action whose retry budget ran out.
var ErrActionExhausted = errors.New("action retry budget exhausted")

// Node is an executable tree unit. The set of kinds is closed: only *Action and
// *Decision implement it.
type Node interface {
	NodeID() string
	Description() string
	sealed()
}

// ActionFunc performs the work of an Action. A nil error means success.
type ActionFunc func(ctx context.Context, env *Env) error

// SkipFunc reports whether an Action's work is already done.
type SkipFunc func(ctx context.Context, env *Env) bool

// Action performs work in the environment.
type Action struct {
	ID      string
	Desc    string
	Perform ActionFunc
	// Skip, if set and true, succeeds immediately without calling Perform.
	Skip SkipFunc
	// RetryBudget is the number of attempts before failing. Zero means DefaultRetryBudget.
	RetryBudget int
	// Next is the fixed successor. When nil the Action ends its branch.
	Next Node
	// ReturnToCaller makes a successor-less Action return control to the enclosing
	// Decision instead of completing the task.
	ReturnToCaller bool

	retries int
}

// NodeID implements Node.
func (a *Action) NodeID() string { return a.ID }

// Description implements Node.
func (a *Action) Description() string { return a.Desc }

func (a *Action) sealed() {}

// Retries returns the current consecutive failure count.
func (a *Action) Retries() int { return a.retries }

// budget returns the effective retry budget.
func (a *Action) budget() int {
	if a.RetryBudget <= 0 {
		return DefaultRetryBudget
	}
	return a.RetryBudget
}

func (a *Action) execute(ctx context.Context, env *Env) Result {
	if err := ctx.Err(); err != nil {
		return Failed(fmt.Sprintf("action %s aborted: %v", a.ID, err))
	}

	if a.Skip != nil && a.Skip(ctx, env) {
		a.retries = 0
		return a.success("skipped " + a.Desc)
	}

	var err error
	if a.Perform != nil {
		err = a.Perform(ctx, env)
	}
	if err == nil {
		a.retries = 0
		return a.success(a.Desc)
	}

	a.retries++
	if a.retries < a.budget() {
		return Retry(fmt.Sprintf("%s failed (attempt %d/%d): %v", a.Desc, a.retries, a.budget(), err))
	}
	wrapped := fmt.Errorf("%w: %s after %d attempts: %w", ErrActionExhausted, a.ID, a.retries, err)
	return Failed(wrapped.Error())
}

func (a *Action) success(message string) Result {
	switch {
	case a.Next != nil:
		return Continue(a.Next, message)
	case a.ReturnToCaller:
		return Return(message)
	default:
		return Complete(message)
	}
}

// DecideFunc returns the discriminant a Decision branches on.
type DecideFunc func(ctx context.Context, env *Env) string

// Decision routes control to one of its branches.
type Decision struct {
	ID       string
	Desc     string
	Decide   DecideFunc
	Branches map[string]Node
	// Default is used when no branch matches. Optional.
	Default Node
}

// NodeID implements Node.
func (d *Decision) NodeID() string { return d.ID }

// Description implements Node.
func (d *Decision) Description() string { return d.Desc }

func (d *Decision) sealed() {}

func (d *Decision) execute(ctx context.Context, env *Env) Result {
	var key string
	if d.Decide != nil {
		key = d.Decide(ctx, env)
	}
	if child := d.Branches[key]; child != nil {
		return Continue(child, fmt.Sprintf("%s: branch %q", d.Desc, key))
	}
	if d.Default != nil {
		return Continue(d.Default, fmt.Sprintf("%s: default branch for %q", d.Desc, key))
	}
	return Failed(NoBranchReason)
}

// Execute runs a single node.
func Execute(ctx context.Context, node Node, env *Env) Result {
	switch n := node.(type) {
	case *Action:
		return n.execute(ctx, env)
	case *Decision:
		return n.execute(ctx, env)
	case nil:
		return Failed("nil node")
	default:
		return Failed(fmt.Sprintf("unsupported node type %T", node))
	}
}

// Walk visits every node reachable from root exactly once, in depth-first order.
func Walk(root Node, visit func(Node)) {
	seen := make(map[Node]bool)
	var walk func(Node)
	walk = func(n Node) {
		if n == nil || seen[n] {
			return
		}
		seen[n] = true
		visit(n)
		switch n := n.(type) {
		case *Action:
			walk(n.Next)
		case *Decision:
			for _, key := range sortedKeys(n.Branches) {
				walk(n.Branches[key])
			}
			walk(n.Default)
		}
	}
	walk(root)
}
