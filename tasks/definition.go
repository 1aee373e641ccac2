// Package tasks loads task definitions from YAML and compiles them into workflow tasks
// and signal registrations.
//
// A definition either lists nodes (compiled into a tree starting at root, or at the
// first node) or steps (compiled into a flat step task):
//
//	tasks:
//	  - id: cook
//	    name: Cook's Assistant
//	    signal: {key: 29, stages: {0: not started, 1: started, 2: complete}}
//	    requirements:
//	      - {name: Egg, quantity: 1, strategy: moderate}
//	    nodes:
//	      - {id: gather, kind: gather, next: talk}
//	      - {id: talk, kind: interact, entity: Cook, verb: Talk-to, next: wait}
//	      - {id: wait, kind: wait, at_least: 2}
package tasks

import (
	"fmt"

	"github.com/nomis52/goquest/acquire"
	"github.com/nomis52/goquest/capability"
)

// Node kinds.
const (
	KindNoop     = "noop"
	KindInteract = "interact"
	KindNavigate = "navigate"
	KindGather   = "gather"
	KindSet      = "set"
	KindWait     = "wait"
	KindDecision = "decision"
)

// File is the top-level document of a tasks file.
type File struct {
	Tasks []Definition `yaml:"tasks"`
}

// Definition declares one task.
type Definition struct {
	ID           string                `yaml:"id"`
	Name         string                `yaml:"name"`
	Description  string                `yaml:"description,omitempty"`
	Signal       *SignalDef            `yaml:"signal,omitempty"`
	Requirements []acquire.Requirement `yaml:"requirements,omitempty"`
	// Root names the first node. Defaults to the first entry of Nodes.
	Root  string    `yaml:"root,omitempty"`
	Nodes []NodeDef `yaml:"nodes,omitempty"`
	Steps []NodeDef `yaml:"steps,omitempty"`
}

// SignalDef maps the task to a progress signal.
type SignalDef struct {
	Key        int            `yaml:"key"`
	Stages     map[int]string `yaml:"stages,omitempty"`
	CompleteAt int            `yaml:"complete_at,omitempty"`
}

// NodeDef declares one node. Which fields apply depends on Kind.
type NodeDef struct {
	ID   string `yaml:"id"`
	Kind string `yaml:"kind"`
	Desc string `yaml:"description,omitempty"`

	// Successor wiring for actions and waits.
	Next           string `yaml:"next,omitempty"`
	ReturnToCaller bool   `yaml:"return,omitempty"`
	Retries        int    `yaml:"retries,omitempty"`
	// SkipAt skips an action once the task signal is at least this value.
	SkipAt *int `yaml:"skip_at,omitempty"`

	// interact
	Entity string `yaml:"entity,omitempty"`
	Verb   string `yaml:"verb,omitempty"`

	// navigate
	Target    *capability.Point `yaml:"target,omitempty"`
	Tolerance int               `yaml:"tolerance,omitempty"`

	// gather; empty means the task requirements
	Items []acquire.Requirement `yaml:"items,omitempty"`

	// set
	Values map[string]string `yaml:"values,omitempty"`

	// wait; Key defaults to the task signal
	Key     *int `yaml:"key,omitempty"`
	AtLeast int  `yaml:"at_least,omitempty"`

	// decision
	On       string            `yaml:"on,omitempty"`
	Branches map[string]string `yaml:"branches,omitempty"`
	Default  string            `yaml:"default,omitempty"`
}

func (n NodeDef) description() string {
	if n.Desc != "" {
		return n.Desc
	}
	switch n.Kind {
	case KindInteract:
		return fmt.Sprintf("%s %s", n.Verb, n.Entity)
	case KindNavigate:
		if n.Target != nil {
			return "walk to " + n.Target.String()
		}
	case KindWait:
		return fmt.Sprintf("wait for signal >= %d", n.AtLeast)
	case KindDecision:
		return "decide on " + n.On
	}
	return n.ID
}

// Validate ensures the definition is self-consistent.
func (def Definition) Validate() error {
	if def.ID == "" {
		return fmt.Errorf("task: id is required")
	}
	if len(def.Nodes) == 0 && len(def.Steps) == 0 {
		return fmt.Errorf("task %s: nodes or steps are required", def.ID)
	}
	if len(def.Nodes) > 0 && len(def.Steps) > 0 {
		return fmt.Errorf("task %s: nodes and steps are mutually exclusive", def.ID)
	}
	for _, req := range def.Requirements {
		if err := req.Validate(); err != nil {
			return fmt.Errorf("task %s: %w", def.ID, err)
		}
	}
	if def.Signal != nil && def.Signal.Key < 0 {
		return fmt.Errorf("task %s: signal key must not be negative", def.ID)
	}

	for i, step := range def.Steps {
		if step.Kind == KindDecision || step.Kind == KindWait {
			return fmt.Errorf("task %s step[%d]: %s is not allowed in steps", def.ID, i, step.Kind)
		}
		if err := def.validateNode(step); err != nil {
			return fmt.Errorf("task %s step[%d]: %w", def.ID, i, err)
		}
	}

	seen := make(map[string]bool, len(def.Nodes))
	for i, n := range def.Nodes {
		if n.ID == "" {
			return fmt.Errorf("task %s node[%d]: id is required", def.ID, i)
		}
		if seen[n.ID] {
			return fmt.Errorf("task %s: duplicate node id %s", def.ID, n.ID)
		}
		seen[n.ID] = true
		if err := def.validateNode(n); err != nil {
			return fmt.Errorf("task %s node %s: %w", def.ID, n.ID, err)
		}
	}
	ref := func(from, to string) error {
		if to != "" && !seen[to] {
			return fmt.Errorf("task %s: node %s references unknown node %s", def.ID, from, to)
		}
		return nil
	}
	if err := ref("root", def.Root); err != nil {
		return err
	}
	for _, n := range def.Nodes {
		if err := ref(n.ID, n.Next); err != nil {
			return err
		}
		if err := ref(n.ID, n.Default); err != nil {
			return err
		}
		for _, target := range n.Branches {
			if err := ref(n.ID, target); err != nil {
				return err
			}
		}
	}
	return nil
}

func (def Definition) validateNode(n NodeDef) error {
	switch n.Kind {
	case KindNoop, "", KindSet:
	case KindInteract:
		if n.Entity == "" || n.Verb == "" {
			return fmt.Errorf("interact needs entity and verb")
		}
	case KindNavigate:
		if n.Target == nil {
			return fmt.Errorf("navigate needs a target")
		}
	case KindGather:
		if len(n.Items) == 0 && len(def.Requirements) == 0 {
			return fmt.Errorf("gather needs items or task requirements")
		}
		for _, req := range n.Items {
			if err := req.Validate(); err != nil {
				return err
			}
		}
	case KindWait:
		if n.Key == nil && def.Signal == nil {
			return fmt.Errorf("wait needs a key or a task signal")
		}
	case KindDecision:
		if _, err := parseDiscriminant(n.On, def.Signal); err != nil {
			return err
		}
		if len(n.Branches) == 0 && n.Default == "" {
			return fmt.Errorf("decision needs branches or a default")
		}
	default:
		return fmt.Errorf("unknown node kind %q", n.Kind)
	}
	if n.Kind != KindDecision && (len(n.Branches) > 0 || n.Default != "") {
		return fmt.Errorf("only decisions have branches")
	}
	if n.Next != "" && n.ReturnToCaller {
		return fmt.Errorf("next and return are mutually exclusive")
	}
	if n.SkipAt != nil && def.Signal == nil {
		return fmt.Errorf("skip_at needs a task signal")
	}
	return nil
}
