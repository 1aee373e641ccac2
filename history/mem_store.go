package history

import (
	"fmt"
	"sync"
)

// MemoryStore keeps run history in memory only (no persistence).
type MemoryStore struct {
	runs      []Run
	completed map[string]bool
	maxCount  int
	mu        sync.Mutex
}

// NewMemoryStore creates a new in-memory store. maxCount <= 0 keeps every run.
func NewMemoryStore(maxCount int) *MemoryStore {
	return &MemoryStore{
		completed: make(map[string]bool),
		maxCount:  maxCount,
	}
}

// Save stores a run in memory.
func (s *MemoryStore) Save(run Run) error {
	if run.ID == "" {
		return fmt.Errorf("cannot save run without id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	// Prepend to keep most recent first
	s.runs = append([]Run{run}, s.runs...)
	if s.maxCount > 0 && len(s.runs) > s.maxCount {
		s.runs = s.runs[:s.maxCount]
	}
	if run.Outcome == OutcomeCompleted {
		s.completed[run.TaskID] = true
	}
	return nil
}

// Runs implements Store.
func (s *MemoryStore) Runs() []Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	return withoutLogs(s.runs)
}

// Get implements Store.
func (s *MemoryStore) Get(id string) (Run, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.runs {
		if r.ID == id {
			return r, true
		}
	}
	return Run{}, false
}

// Completed implements Store.
func (s *MemoryStore) Completed(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed[taskID]
}
