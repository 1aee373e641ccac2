package tasks

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/nomis52/goquest/signals"
	"github.com/nomis52/goquest/workflow"
)

// SignalRegistrar accepts signal registrations. *signals.Monitor implements it.
type SignalRegistrar interface {
	Register(r signals.Registration) error
}

// Set is a validated collection of task definitions.
type Set struct {
	defs []Definition
}

// Parse decodes and validates a tasks document. Every definition is compiled once so
// that errors surface at load time rather than on start.
func Parse(data []byte) (*Set, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("tasks: document is empty")
	}
	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("tasks: decode: %w", err)
	}
	if len(file.Tasks) == 0 {
		return nil, fmt.Errorf("tasks: no tasks defined")
	}

	seen := make(map[string]bool, len(file.Tasks))
	for _, def := range file.Tasks {
		if seen[def.ID] {
			return nil, fmt.Errorf("tasks: duplicate task id %s", def.ID)
		}
		seen[def.ID] = true
		if _, err := Compile(def); err != nil {
			return nil, fmt.Errorf("tasks: %w", err)
		}
	}
	return &Set{defs: file.Tasks}, nil
}

// Load reads a tasks document from r.
func Load(r io.Reader) (*Set, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("tasks: read: %w", err)
	}
	return Parse(content)
}

// LoadFile reads a tasks document from path.
func LoadFile(path string) (*Set, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("tasks: read %s: %w", path, err)
	}
	set, err := Parse(content)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return set, nil
}

// Definitions returns the definitions in file order.
func (s *Set) Definitions() []Definition {
	return append([]Definition(nil), s.defs...)
}

// Registry builds a registry whose factories compile a fresh task on every start.
func (s *Set) Registry() (*workflow.Registry, error) {
	reg := workflow.NewRegistry()
	for _, def := range s.defs {
		err := reg.Register(def.ID, def.displayName(), func() workflow.Task {
			// Definitions were compiled successfully in Parse.
			task, _ := Compile(def)
			return task
		})
		if err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// SignalRegistrations returns the registrations of every task that declares a signal.
func (s *Set) SignalRegistrations() []signals.Registration {
	var regs []signals.Registration
	for _, def := range s.defs {
		if r, ok := def.Registration(); ok {
			regs = append(regs, r)
		}
	}
	return regs
}

// Apply replaces the contents of reg with this set and registers its signals.
// monitor may be nil.
func (s *Set) Apply(reg *workflow.Registry, monitor SignalRegistrar) error {
	built, err := s.Registry()
	if err != nil {
		return err
	}
	if monitor != nil {
		for _, r := range s.SignalRegistrations() {
			if err := monitor.Register(r); err != nil {
				return fmt.Errorf("registering signal for %s: %w", r.Task, err)
			}
		}
	}
	reg.Replace(built)
	return nil
}
