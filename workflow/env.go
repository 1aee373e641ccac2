package workflow

import (
	"context"
	"io"
	"log/slog"

	"github.com/nomis52/goquest/acquire"
	"github.com/nomis52/goquest/capability"
)

// Signals is the read-only view of progress signals available to nodes.
type Signals interface {
	// Value returns the last observed value for key.
	Value(key int) (int, bool)
	// TaskComplete reports whether the signal associated with task reached its threshold.
	TaskComplete(task string) bool
}

// Acquirer satisfies resource requirements.
type Acquirer interface {
	Gather(ctx context.Context, reqs []acquire.Requirement) acquire.Result
	// Check returns the local shortfall per item without side effects.
	Check(ctx context.Context, reqs []acquire.Requirement) (map[string]int, error)
}

// Env is the execution environment shared by every node of the active task.
// Any field except Context and Logger may be nil when the task does not need it.
type Env struct {
	Context  *Context
	Signals  Signals
	World    capability.Environment
	Acquirer Acquirer
	Logger   *slog.Logger
}

// NewEnv returns an Env with an empty context and a discarding logger.
func NewEnv() *Env {
	return &Env{
		Context: NewContext(),
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// Context is the generic per-task key/value store. Access is single threaded, so no
// locking is done. The orchestrator clears it on every task reset.
type Context struct {
	values map[string]any
}

// NewContext creates an empty Context.
func NewContext() *Context {
	return &Context{values: make(map[string]any)}
}

// Get returns the value stored under key.
func (c *Context) Get(key string) (any, bool) {
	v, ok := c.values[key]
	return v, ok
}

// Set stores value under key.
func (c *Context) Set(key string, value any) {
	c.values[key] = value
}

// Delete removes key.
func (c *Context) Delete(key string) {
	delete(c.values, key)
}

// Len returns the number of stored keys.
func (c *Context) Len() int {
	return len(c.values)
}

// Clear removes every key.
func (c *Context) Clear() {
	c.values = make(map[string]any)
}

// Value returns the value under key converted to T.
// The second return is false if the key is missing or holds another type.
func Value[T any](c *Context, key string) (T, bool) {
	var zero T
	v, ok := c.values[key]
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	if !ok {
		return zero, false
	}
	return t, true
}
