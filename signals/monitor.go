// Package signals watches small externally exposed integers for progress changes.
//
// A Monitor knows a set of signal keys, each optionally associated with a task and a
// table of stage descriptions. Every Poll reads each known key once, compares it to the
// last observed value and emits a Change for every difference. The first observation of
// a key only establishes its baseline.
//
// In discovery mode the Monitor also reads an opt-in set of candidate keys. A candidate
// whose value moves away from its session baseline is promoted to a known signal for the
// rest of the session.
//
// Read failures are absorbed: a key that cannot be read is skipped for that cycle and
// never retried within it.
package signals

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/nomis52/goquest/capability"
	"github.com/nomis52/goquest/logging"
	"github.com/nomis52/goquest/metrics"
)

// MinInterval is the shortest poll interval Run accepts.
const MinInterval = 500 * time.Millisecond

// ErrSignalRead marks a failed read of a single key. It never leaves the Monitor.
var ErrSignalRead = errors.New("signal read failed")

// Direction is the sign of a change.
type Direction int

const (
	Up Direction = iota
	Down
)

// String returns "up" or "down".
func (d Direction) String() string {
	if d == Down {
		return "down"
	}
	return "up"
}

// MarshalText implements encoding.TextMarshaler.
func (d Direction) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Change is a transition of one signal between two polls.
type Change struct {
	Key  int    `json:"key"`
	Old  int    `json:"old"`
	New  int    `json:"new"`
	Task string `json:"task,omitempty"`
	// Stage is the stage description of New, when one is declared.
	Stage     string    `json:"stage,omitempty"`
	Direction Direction `json:"direction"`
	// Significant is true when the value moved by more than one.
	Significant bool `json:"significant"`
	// Discovered is true on the change that promoted a candidate key.
	Discovered bool      `json:"discovered,omitempty"`
	At         time.Time `json:"at"`
}

// Listener receives changes after every poll, in key order.
type Listener func(Change)

// Registration associates a key with a task.
type Registration struct {
	Key  int
	Task string
	// Stages describes known values of the signal.
	Stages map[int]string
	// CompleteAt is the value at which the task counts as complete. Zero means the
	// highest declared stage value. With neither, the signal reports progress events only
	// and never completes its task.
	CompleteAt int
}

// Signal is the state of one known key.
type Signal struct {
	Key        int            `json:"key"`
	Value      int            `json:"value"`
	Observed   bool           `json:"observed"`
	Task       string         `json:"task,omitempty"`
	Stages     map[int]string `json:"stages,omitempty"`
	CompleteAt int            `json:"complete_at,omitempty"`
	Discovered bool           `json:"discovered,omitempty"`
}

// threshold returns the completion value and whether one is known.
func (s *Signal) threshold() (int, bool) {
	if s.CompleteAt > 0 {
		return s.CompleteAt, true
	}
	highest := 0
	for v := range s.Stages {
		highest = max(highest, v)
	}
	return highest, highest > 0
}

// Monitor polls progress signals. It is safe for concurrent use; polls themselves are
// serialised.
type Monitor struct {
	reader   capability.SignalReader
	interval time.Duration

	pollMu sync.Mutex

	mu         sync.RWMutex
	known      map[int]*Signal
	candidates []int
	baseline   map[int]int
	listeners  []Listener

	logger  *slog.Logger
	audit   *logging.AuditLog
	reg     metrics.Registry
	metrics *monitorMetrics
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Monitor) {
		m.logger = logger.With("component", "signals")
	}
}

// WithInterval sets the Run poll interval. Values below MinInterval are raised to it.
func WithInterval(d time.Duration) Option {
	return func(m *Monitor) {
		m.interval = max(d, MinInterval)
	}
}

// WithListener adds a change listener.
func WithListener(l Listener) Option {
	return func(m *Monitor) {
		m.listeners = append(m.listeners, l)
	}
}

// WithDiscovery enables discovery over candidates from the start.
func WithDiscovery(candidates []int) Option {
	return func(m *Monitor) {
		m.setCandidates(candidates)
	}
}

// WithAuditLog records changes in the session audit log.
func WithAuditLog(audit *logging.AuditLog) Option {
	return func(m *Monitor) {
		m.audit = audit
	}
}

// WithMetricsRegistry enables monitor metrics.
func WithMetricsRegistry(reg metrics.Registry) Option {
	return func(m *Monitor) {
		m.reg = reg
	}
}

// New creates a Monitor reading through reader.
func New(reader capability.SignalReader, opts ...Option) (*Monitor, error) {
	if reader == nil {
		return nil, errors.New("signal reader is required")
	}
	m := &Monitor{
		reader:   reader,
		interval: time.Second,
		known:    make(map[int]*Signal),
		baseline: make(map[int]int),
		logger:   slog.Default().With("component", "signals"),
	}
	for _, opt := range opts {
		opt(m)
	}
	mm, err := newMonitorMetrics(m.reg)
	if err != nil {
		return nil, err
	}
	m.metrics = mm
	return m, nil
}

// Register adds a known signal. Registering a key again replaces its task and stages
// but keeps the last observed value.
func (m *Monitor) Register(r Registration) error {
	if r.Key < 0 {
		return fmt.Errorf("signal key must not be negative: %d", r.Key)
	}
	if r.CompleteAt < 0 {
		return fmt.Errorf("signal %d: complete_at must not be negative", r.Key)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.known[r.Key]
	if !ok {
		s = &Signal{Key: r.Key}
		m.known[r.Key] = s
	}
	s.Task = r.Task
	s.Stages = maps.Clone(r.Stages)
	s.CompleteAt = r.CompleteAt
	m.candidates = slices.DeleteFunc(m.candidates, func(k int) bool { return k == r.Key })
	return nil
}

// EnableDiscovery replaces the candidate key set and resets the discovery baseline.
// Known keys are never treated as candidates.
func (m *Monitor) EnableDiscovery(candidates []int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setCandidates(candidates)
}

// DisableDiscovery stops polling candidates. Keys already discovered stay known.
func (m *Monitor) DisableDiscovery() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.candidates = nil
	m.baseline = make(map[int]int)
}

// setCandidates must be called with mu held or before the Monitor is shared.
func (m *Monitor) setCandidates(candidates []int) {
	seen := make(map[int]bool, len(candidates))
	m.candidates = m.candidates[:0]
	for _, k := range candidates {
		if k < 0 || seen[k] {
			continue
		}
		if _, ok := m.known[k]; ok {
			continue
		}
		seen[k] = true
		m.candidates = append(m.candidates, k)
	}
	slices.Sort(m.candidates)
	m.baseline = make(map[int]int)
}

// Discovering reports whether discovery mode is active.
func (m *Monitor) Discovering() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.candidates) > 0
}

// Poll reads every known and candidate key once and returns the changes, in key order.
// Listeners are called before Poll returns.
func (m *Monitor) Poll(ctx context.Context) []Change {
	m.pollMu.Lock()
	defer m.pollMu.Unlock()

	m.mu.RLock()
	knownKeys := slices.Sorted(maps.Keys(m.known))
	candidates := slices.Clone(m.candidates)
	m.mu.RUnlock()

	knownValues := m.readAll(ctx, knownKeys)
	candidateValues := m.readAll(ctx, candidates)

	now := time.Now()
	var changes []Change

	m.mu.Lock()
	for _, key := range knownKeys {
		v, ok := knownValues[key]
		s, exists := m.known[key]
		if !ok || !exists {
			continue
		}
		if c, changed := observe(s, v, now); changed {
			changes = append(changes, c)
		}
	}
	for _, key := range candidates {
		v, ok := candidateValues[key]
		if !ok {
			continue
		}
		if _, promoted := m.known[key]; promoted {
			continue
		}
		base, hasBase := m.baseline[key]
		if !hasBase {
			m.baseline[key] = v
			continue
		}
		if v == base {
			continue
		}
		s := &Signal{Key: key, Value: base, Observed: true, Discovered: true}
		m.known[key] = s
		c, _ := observe(s, v, now)
		c.Discovered = true
		changes = append(changes, c)
		m.candidates = slices.DeleteFunc(m.candidates, func(k int) bool { return k == key })
		delete(m.baseline, key)
	}
	listeners := slices.Clone(m.listeners)
	m.mu.Unlock()

	slices.SortStableFunc(changes, func(a, b Change) int { return a.Key - b.Key })
	for _, c := range changes {
		m.report(c)
		for _, l := range listeners {
			l(c)
		}
	}
	return changes
}

// observe applies a read to s. The first observation is a baseline and reports no change.
func observe(s *Signal, v int, now time.Time) (Change, bool) {
	if !s.Observed {
		s.Observed = true
		s.Value = v
		return Change{}, false
	}
	if s.Value == v {
		return Change{}, false
	}
	c := Change{
		Key:         s.Key,
		Old:         s.Value,
		New:         v,
		Task:        s.Task,
		Stage:       s.Stages[v],
		Direction:   Up,
		Significant: abs(v-s.Value) > 1,
		At:          now,
	}
	if v < s.Value {
		c.Direction = Down
	}
	s.Value = v
	return c, true
}

// readAll reads each key once. Failed reads are logged and left out of the result.
func (m *Monitor) readAll(ctx context.Context, keys []int) map[int]int {
	values := make(map[int]int, len(keys))
	for _, key := range keys {
		if ctx.Err() != nil {
			break
		}
		v, err := m.reader.ReadSignal(ctx, key)
		if err != nil {
			err = fmt.Errorf("%w: key %d: %w", ErrSignalRead, key, err)
			m.logger.Debug("skipping signal", "key", key, "error", err)
			m.metrics.readFailed()
			continue
		}
		m.metrics.read()
		values[key] = v
	}
	return values
}

func (m *Monitor) report(c Change) {
	m.metrics.changed(c)
	attrs := []any{
		"key", c.Key,
		"old", c.Old,
		"new", c.New,
		"direction", c.Direction.String(),
		"significant", c.Significant,
	}
	if c.Task != "" {
		attrs = append(attrs, "task", c.Task)
	}
	if c.Stage != "" {
		attrs = append(attrs, "stage", c.Stage)
	}
	if c.Discovered {
		m.logger.Info("discovered signal", attrs...)
		m.audit.Record(logging.CategorySignal, "discovered key %d: %d -> %d", c.Key, c.Old, c.New)
		return
	}
	m.logger.Info("signal changed", attrs...)
	label := fmt.Sprintf("key %d", c.Key)
	if c.Task != "" {
		label = fmt.Sprintf("%s (key %d)", c.Task, c.Key)
	}
	if c.Stage != "" {
		m.audit.Record(logging.CategorySignal, "%s: %d -> %d, %s", label, c.Old, c.New, c.Stage)
	} else {
		m.audit.Record(logging.CategorySignal, "%s: %d -> %d", label, c.Old, c.New)
	}
}

// Value returns the last observed value of key.
func (m *Monitor) Value(key int) (int, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.known[key]
	if !ok || !s.Observed {
		return 0, false
	}
	return s.Value, true
}

// TaskComplete reports whether any signal associated with task has reached its
// completion threshold.
func (m *Monitor) TaskComplete(task string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.known {
		if s.Task != task || !s.Observed {
			continue
		}
		if threshold, ok := s.threshold(); ok && s.Value >= threshold {
			return true
		}
	}
	return false
}

// Stage returns the declared stage description of task's current value.
func (m *Monitor) Stage(task string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, key := range slices.Sorted(maps.Keys(m.known)) {
		s := m.known[key]
		if s.Task != task || !s.Observed {
			continue
		}
		if desc, ok := s.Stages[s.Value]; ok {
			return desc, true
		}
	}
	return "", false
}

// TaskProgress estimates task progress from its signal as a percentage of the threshold.
func (m *Monitor) TaskProgress(task string) (int, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, key := range slices.Sorted(maps.Keys(m.known)) {
		s := m.known[key]
		if s.Task != task || !s.Observed {
			continue
		}
		threshold, ok := s.threshold()
		if !ok {
			continue
		}
		return min(max(s.Value, 0)*100/threshold, 100), true
	}
	return 0, false
}

// Snapshot returns a copy of every known signal, sorted by key.
func (m *Monitor) Snapshot() []Signal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Signal, 0, len(m.known))
	for _, key := range slices.Sorted(maps.Keys(m.known)) {
		s := *m.known[key]
		s.Stages = maps.Clone(s.Stages)
		out = append(out, s)
	}
	return out
}

// Run polls on the configured interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Info("signal monitor started", "interval", m.interval.String(), "discovery", m.Discovering())
	m.Poll(ctx)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("signal monitor stopped")
			return ctx.Err()
		case <-ticker.C:
			m.Poll(ctx)
		}
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
