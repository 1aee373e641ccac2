package tasks

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/nomis52/goquest/acquire"
	"github.com/nomis52/goquest/signals"
	"github.com/nomis52/goquest/workflow"
)

// Decision discriminants.
const (
	onSignal    = "signal"
	onStage     = "stage"
	onContext   = "context"
	onResources = "resources"
	onComplete  = "complete"
)

// Discriminant values produced by the resources discriminant and by waits.
const (
	ValueReady   = "ready"
	ValueMissing = "missing"
	ValueUnknown = "unknown"
	valueWaiting = "waiting"
)

type discriminant struct {
	kind string
	key  int
	name string
}

// parseDiscriminant parses "signal", "signal:<key>", "stage", "context:<name>",
// "resources" and "complete".
func parseDiscriminant(on string, sig *SignalDef) (discriminant, error) {
	kind, arg, hasArg := strings.Cut(strings.TrimSpace(on), ":")
	d := discriminant{kind: kind}
	switch kind {
	case onSignal:
		if hasArg {
			key, err := strconv.Atoi(arg)
			if err != nil || key < 0 {
				return d, fmt.Errorf("invalid signal key in %q", on)
			}
			d.key = key
			return d, nil
		}
		if sig == nil {
			return d, fmt.Errorf("%q needs a task signal", on)
		}
		d.key = sig.Key
	case onStage:
		if sig == nil {
			return d, fmt.Errorf("%q needs a task signal", on)
		}
		d.key = sig.Key
	case onContext:
		if arg == "" {
			return d, fmt.Errorf("%q needs a context key", on)
		}
		d.name = arg
	case onResources, onComplete:
	default:
		return d, fmt.Errorf("unknown decision discriminant %q", on)
	}
	return d, nil
}

// Compile builds a fresh task from a validated definition.
func Compile(def Definition) (workflow.Task, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	c := &compiler{def: def}
	opts := c.options()

	if len(def.Steps) > 0 {
		steps := make([]workflow.Step, 0, len(def.Steps))
		for _, sd := range def.Steps {
			action := c.action(sd)
			steps = append(steps, workflow.Step{
				Description: action.Desc,
				Run: func(ctx context.Context, env *workflow.Env) workflow.Result {
					return workflow.Execute(ctx, action, env)
				},
			})
		}
		return workflow.NewStepTask(def.ID, def.displayName(), steps, opts...), nil
	}

	root, err := c.tree()
	if err != nil {
		return nil, err
	}
	return workflow.NewTreeTask(def.ID, def.displayName(), root, opts...), nil
}

// Registration returns the signal registration of the task, if it declares a signal.
func (def Definition) Registration() (signals.Registration, bool) {
	if def.Signal == nil {
		return signals.Registration{}, false
	}
	return signals.Registration{
		Key:        def.Signal.Key,
		Task:       def.ID,
		Stages:     def.Signal.Stages,
		CompleteAt: def.Signal.CompleteAt,
	}, true
}

func (def Definition) displayName() string {
	if def.Name != "" {
		return def.Name
	}
	return def.ID
}

type compiler struct {
	def Definition
}

func (c *compiler) options() []workflow.TaskOption {
	var opts []workflow.TaskOption
	if len(c.def.Requirements) > 0 {
		opts = append(opts, workflow.WithRequirements(c.def.Requirements...))
	}
	sig := c.def.Signal
	if sig == nil {
		return opts
	}
	taskID := c.def.ID
	opts = append(opts, workflow.WithCompletion(func(env *workflow.Env) bool {
		return env.Signals != nil && env.Signals.TaskComplete(taskID)
	}))
	if sig.CompleteAt > 0 {
		opts = append(opts, workflow.WithProgress(func(env *workflow.Env) int {
			if env.Signals == nil {
				return 0
			}
			v, _ := env.Signals.Value(sig.Key)
			return v * 100 / sig.CompleteAt
		}))
	}
	return opts
}

func (c *compiler) tree() (workflow.Node, error) {
	nodes := make(map[string]workflow.Node, len(c.def.Nodes))
	actions := make(map[string]*workflow.Action)
	decisions := make(map[string]*workflow.Decision)

	for _, n := range c.def.Nodes {
		switch n.Kind {
		case KindDecision, KindWait:
			d := &workflow.Decision{ID: n.ID, Desc: n.description()}
			decisions[n.ID] = d
			nodes[n.ID] = d
		default:
			a := c.action(n)
			actions[n.ID] = a
			nodes[n.ID] = a
		}
	}

	for _, n := range c.def.Nodes {
		switch n.Kind {
		case KindDecision:
			d := decisions[n.ID]
			disc, err := parseDiscriminant(n.On, c.def.Signal)
			if err != nil {
				return nil, fmt.Errorf("task %s node %s: %w", c.def.ID, n.ID, err)
			}
			d.Decide = c.decide(disc)
			d.Branches = make(map[string]workflow.Node, len(n.Branches))
			for value, target := range n.Branches {
				d.Branches[value] = nodes[target]
			}
			if n.Default != "" {
				d.Default = nodes[n.Default]
			}
		case KindWait:
			d := decisions[n.ID]
			d.Decide = c.wait(n)
			ready := nodes[n.Next]
			if ready == nil {
				ready = &workflow.Action{ID: n.ID + ".done", Desc: n.description(), ReturnToCaller: n.ReturnToCaller}
			}
			d.Branches = map[string]workflow.Node{ValueReady: ready}
			d.Default = d
		default:
			if n.Next != "" {
				actions[n.ID].Next = nodes[n.Next]
			}
		}
	}

	rootID := c.def.Root
	if rootID == "" {
		rootID = c.def.Nodes[0].ID
	}
	return nodes[rootID], nil
}

func (c *compiler) action(n NodeDef) *workflow.Action {
	a := &workflow.Action{
		ID:             n.ID,
		Desc:           n.description(),
		RetryBudget:    n.Retries,
		ReturnToCaller: n.ReturnToCaller,
	}

	switch n.Kind {
	case KindInteract:
		entity, verb := n.Entity, n.Verb
		a.Perform = func(ctx context.Context, env *workflow.Env) error {
			if env.World == nil {
				return fmt.Errorf("no environment capability configured")
			}
			return env.World.Interact(ctx, entity, verb)
		}
	case KindNavigate:
		target, tolerance := *n.Target, n.Tolerance
		a.Perform = func(ctx context.Context, env *workflow.Env) error {
			if env.World == nil {
				return fmt.Errorf("no environment capability configured")
			}
			return env.World.Navigate(ctx, target, tolerance)
		}
	case KindGather:
		items := n.Items
		if len(items) == 0 {
			items = c.def.Requirements
		}
		g := workflow.GatherAction(n.ID, items...)
		a.Perform = g.Perform
		a.Skip = g.Skip
		if n.Desc == "" {
			a.Desc = g.Desc
		}
	case KindSet:
		values := n.Values
		a.Perform = func(ctx context.Context, env *workflow.Env) error {
			for k, v := range values {
				env.Context.Set(k, v)
			}
			return nil
		}
	}

	if n.SkipAt != nil {
		key, at, inner := c.def.Signal.Key, *n.SkipAt, a.Skip
		a.Skip = func(ctx context.Context, env *workflow.Env) bool {
			if env.Signals != nil {
				if v, ok := env.Signals.Value(key); ok && v >= at {
					return true
				}
			}
			return inner != nil && inner(ctx, env)
		}
	}
	return a
}

func (c *compiler) decide(d discriminant) workflow.DecideFunc {
	taskID := c.def.ID
	reqs := c.def.Requirements
	switch d.kind {
	case onSignal:
		return func(ctx context.Context, env *workflow.Env) string {
			if env.Signals == nil {
				return ""
			}
			if v, ok := env.Signals.Value(d.key); ok {
				return strconv.Itoa(v)
			}
			return ""
		}
	case onStage:
		stages := c.def.Signal.Stages
		return func(ctx context.Context, env *workflow.Env) string {
			if env.Signals == nil {
				return ""
			}
			if v, ok := env.Signals.Value(d.key); ok {
				return stages[v]
			}
			return ""
		}
	case onContext:
		return func(ctx context.Context, env *workflow.Env) string {
			if v, ok := env.Context.Get(d.name); ok {
				return fmt.Sprint(v)
			}
			return ""
		}
	case onResources:
		return func(ctx context.Context, env *workflow.Env) string {
			return resourceState(ctx, env, reqs)
		}
	default:
		return func(ctx context.Context, env *workflow.Env) string {
			return strconv.FormatBool(env.Signals != nil && env.Signals.TaskComplete(taskID))
		}
	}
}

func (c *compiler) wait(n NodeDef) workflow.DecideFunc {
	key := 0
	if n.Key != nil {
		key = *n.Key
	} else {
		key = c.def.Signal.Key
	}
	atLeast := n.AtLeast
	return func(ctx context.Context, env *workflow.Env) string {
		if env.Signals != nil {
			if v, ok := env.Signals.Value(key); ok && v >= atLeast {
				return ValueReady
			}
		}
		return valueWaiting
	}
}

func resourceState(ctx context.Context, env *workflow.Env, reqs []acquire.Requirement) string {
	if len(reqs) == 0 {
		return ValueReady
	}
	if env.Acquirer == nil {
		return ValueUnknown
	}
	shortfall, err := env.Acquirer.Check(ctx, reqs)
	if err != nil {
		return ValueUnknown
	}
	if len(shortfall) == 0 {
		return ValueReady
	}
	return ValueMissing
}
