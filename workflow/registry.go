package workflow

import (
	"fmt"
	"sort"
	"sync"
)

// Factory builds a fresh Task. It is called on every start so node retry counters never
// carry over between runs.
type Factory func() Task

// TaskInfo describes a registered task.
type TaskInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type registryEntry struct {
	info    TaskInfo
	factory Factory
}

// Registry maps task ids to factories. It is safe for concurrent use.
type Registry struct {
	entries map[string]registryEntry
	mu      sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]registryEntry)}
}

// Register adds a task factory. Ids must be unique.
func (r *Registry) Register(id, name string, factory Factory) error {
	if id == "" {
		return fmt.Errorf("task id cannot be empty")
	}
	if factory == nil {
		return fmt.Errorf("task %s: factory cannot be nil", id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[id]; exists {
		return fmt.Errorf("task %s already registered", id)
	}
	r.entries[id] = registryEntry{info: TaskInfo{ID: id, Name: name}, factory: factory}
	return nil
}

// New builds a fresh task for id. The second return is false for unknown ids.
func (r *Registry) New(id string) (Task, bool) {
	r.mu.RLock()
	entry, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return entry.factory(), true
}

// Has reports whether id is registered.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[id]
	return ok
}

// List returns every registered task sorted by id.
func (r *Registry) List() []TaskInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]TaskInfo, 0, len(r.entries))
	for _, e := range r.entries {
		infos = append(infos, e.info)
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].ID < infos[j].ID
	})
	return infos
}

// Replace swaps in every entry of other, dropping the current ones.
func (r *Registry) Replace(other *Registry) {
	other.mu.RLock()
	entries := make(map[string]registryEntry, len(other.entries))
	for id, e := range other.entries {
		entries[id] = e
	}
	other.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = entries
}
