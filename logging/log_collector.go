package logging

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultMaxEntriesPerRun bounds the lines kept for one run. Long waits on a market order
// or a signal log every poll, so the oldest lines are dropped past this limit.
const DefaultMaxEntriesPerRun = 2000

// LogEntry represents a single captured log record.
type LogEntry struct {
	Time       time.Time      `json:"time"`
	Level      string         `json:"level"` // "DEBUG", "INFO", "WARN", "ERROR"
	Message    string         `json:"message"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// RunRef identifies the task run captured records belong to.
type RunRef struct {
	TaskID string
	RunID  string
}

// LogCollector stores the log lines of in-flight task runs until the run is recorded.
// It is safe for concurrent use.
type LogCollector struct {
	mu        sync.Mutex
	maxPerRun int
	runs      map[string]*runLog // run id -> lines
}

type runLog struct {
	entries []LogEntry
	dropped int
}

// CollectorOption configures a LogCollector.
type CollectorOption func(*LogCollector)

// WithMaxEntriesPerRun overrides DefaultMaxEntriesPerRun.
func WithMaxEntriesPerRun(n int) CollectorOption {
	return func(c *LogCollector) {
		if n > 0 {
			c.maxPerRun = n
		}
	}
}

// NewLogCollector creates a new LogCollector.
func NewLogCollector(opts ...CollectorOption) *LogCollector {
	c := &LogCollector{
		maxPerRun: DefaultMaxEntriesPerRun,
		runs:      make(map[string]*runLog),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Logger returns a logger that writes through base and captures every record, at any
// level, for run.
func (c *LogCollector) Logger(base *slog.Logger, run RunRef) *slog.Logger {
	return slog.New(NewCapturingHandler(base.Handler(), c, run))
}

// Add appends an entry for run, dropping the oldest entry once the run is at its limit.
func (c *LogCollector) Add(run RunRef, entry LogEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rl, ok := c.runs[run.RunID]
	if !ok {
		rl = &runLog{}
		c.runs[run.RunID] = rl
	}
	if len(rl.entries) >= c.maxPerRun {
		rl.entries = rl.entries[1:]
		rl.dropped++
	}
	rl.entries = append(rl.entries, entry)
}

// Entries returns a copy of the lines captured so far for runID.
func (c *LogCollector) Entries(runID string) []LogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	rl, ok := c.runs[runID]
	if !ok {
		return nil
	}
	result := make([]LogEntry, len(rl.entries))
	copy(result, rl.entries)
	return result
}

// Take returns the lines for runID and forgets them. When lines were dropped, the result
// starts with a WARN entry saying how many.
func (c *LogCollector) Take(runID string) []LogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	rl, ok := c.runs[runID]
	if !ok {
		return nil
	}
	delete(c.runs, runID)
	if rl.dropped == 0 {
		return rl.entries
	}

	notice := LogEntry{
		Level:   slog.LevelWarn.String(),
		Message: fmt.Sprintf("%d earlier log lines dropped", rl.dropped),
	}
	if len(rl.entries) > 0 {
		notice.Time = rl.entries[0].Time
		notice.Attributes = map[string]any{
			attrTaskID: rl.entries[0].Attributes[attrTaskID],
			attrRunID:  runID,
		}
	}
	return append([]LogEntry{notice}, rl.entries...)
}
