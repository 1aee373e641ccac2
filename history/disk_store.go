package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
)

const completedFile = "completed.json"

// DiskStore persists run history to disk as one JSON file per run, plus a file listing
// completed task ids.
type DiskStore struct {
	dir       string
	logger    *slog.Logger
	maxCount  int
	runs      []Run           // protected by mu
	completed map[string]bool // protected by mu
	mu        sync.Mutex
}

// NewDiskStore creates a new disk-backed store.
// The directory is created if it doesn't exist, and existing runs are loaded.
func NewDiskStore(dir string, maxCount int, logger *slog.Logger) (*DiskStore, error) {
	if maxCount <= 0 {
		return nil, fmt.Errorf("max run count must be positive, got %d", maxCount)
	}
	s := &DiskStore{
		dir:       dir,
		logger:    logger,
		maxCount:  maxCount,
		completed: make(map[string]bool),
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	if err := s.Reload(); err != nil {
		logger.Warn("failed to load existing runs", "error", err)
	}
	return s, nil
}

// Save persists a run to disk and updates the in-memory representation. Runs beyond
// the retention limit are deleted from disk.
func (s *DiskStore) Save(run Run) error {
	if run.ID == "" {
		return fmt.Errorf("cannot save run without id")
	}
	if run.StartedAt.IsZero() {
		return fmt.Errorf("cannot save run without start time")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}
	path := filepath.Join(s.dir, runFilename(run))
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write run file: %w", err)
	}

	s.runs = append([]Run{run}, s.runs...)
	for len(s.runs) > s.maxCount {
		oldest := s.runs[len(s.runs)-1]
		s.runs = s.runs[:len(s.runs)-1]
		if err := os.Remove(filepath.Join(s.dir, runFilename(oldest))); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("failed to prune run file", "run_id", oldest.ID, "error", err)
		}
	}

	if run.Outcome == OutcomeCompleted && !s.completed[run.TaskID] {
		s.completed[run.TaskID] = true
		if err := s.writeCompleted(); err != nil {
			return err
		}
	}

	s.logger.Debug("saved run to disk", "path", path)
	return nil
}

// Runs implements Store.
func (s *DiskStore) Runs() []Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	return withoutLogs(s.runs)
}

// Get implements Store.
func (s *DiskStore) Get(id string) (Run, bool) {
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
func (s *DiskStore) Completed(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed[taskID]
}

// Reload re-loads all runs from disk.
func (s *DiskStore) Reload() error {
	runs, completed, err := s.load()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = runs
	s.completed = completed
	return nil
}

// writeCompleted must be called with mu held.
func (s *DiskStore) writeCompleted() error {
	ids := make([]string, 0, len(s.completed))
	for id := range s.completed {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	data, err := json.MarshalIndent(ids, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal completed tasks: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.dir, completedFile), data, 0644); err != nil {
		return fmt.Errorf("failed to write completed tasks: %w", err)
	}
	return nil
}

// load loads all runs from disk.
func (s *DiskStore) load() ([]Run, map[string]bool, error) {
	files, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read state directory: %w", err)
	}

	completed := make(map[string]bool)
	var runs []Run
	for _, file := range files {
		name := file.Name()
		if file.IsDir() || filepath.Ext(name) != ".json" {
			continue
		}
		path := filepath.Join(s.dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			s.logger.Warn("failed to read history file", "file", path, "error", err)
			continue
		}

		if name == completedFile {
			var ids []string
			if err := json.Unmarshal(data, &ids); err != nil {
				s.logger.Warn("failed to parse completed tasks", "file", path, "error", err)
				continue
			}
			for _, id := range ids {
				completed[id] = true
			}
			continue
		}

		var run Run
		if err := json.Unmarshal(data, &run); err != nil || run.ID == "" {
			s.logger.Warn("failed to parse run file", "file", path, "error", err)
			continue
		}
		runs = append(runs, run)
	}

	// Sort by start time descending (most recent first)
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
	if len(runs) > s.maxCount {
		runs = runs[:s.maxCount]
	}
	for _, r := range runs {
		if r.Outcome == OutcomeCompleted {
			completed[r.TaskID] = true
		}
	}

	s.logger.Info("loaded run history from disk", "count", len(runs), "completed_tasks", len(completed))
	return runs, completed, nil
}

// runFilename names a run file by start time and id: 2006-01-02T15-04-05-<id8>.json
func runFilename(r Run) string {
	id := strings.ReplaceAll(r.ID, "-", "")
	if len(id) > 8 {
		id = id[:8]
	}
	return r.StartedAt.UTC().Format("2006-01-02T15-04-05") + "-" + id + ".json"
}
