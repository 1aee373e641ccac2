package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nomis52/goquest/agent"
	"github.com/nomis52/goquest/history"
	"github.com/nomis52/goquest/orchestrator"
	"github.com/nomis52/goquest/server/types"
	"github.com/nomis52/goquest/signals"
	"github.com/nomis52/goquest/statusreporter"
	"github.com/nomis52/goquest/workflow"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeEngine struct {
	state    orchestrator.State
	startErr error
	started  string
	calls    []string
	store    *history.MemoryStore
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{store: history.NewMemoryStore(10)}
}

func (f *fakeEngine) StartTask(id string) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.started = id
	f.state = orchestrator.StateExecuting
	return nil
}

func (f *fakeEngine) Pause() bool {
	f.calls = append(f.calls, "pause")
	if f.state != orchestrator.StateExecuting {
		return false
	}
	f.state = orchestrator.StatePaused
	return true
}

func (f *fakeEngine) Resume() bool {
	f.calls = append(f.calls, "resume")
	if f.state != orchestrator.StatePaused {
		return false
	}
	f.state = orchestrator.StateExecuting
	return true
}

func (f *fakeEngine) Stop() {
	f.calls = append(f.calls, "stop")
	f.state = orchestrator.StateIdle
}

func (f *fakeEngine) EmergencyStop() {
	f.calls = append(f.calls, "emergency-stop")
	f.state = orchestrator.StateIdle
}

func (f *fakeEngine) State() orchestrator.State { return f.state }
func (f *fakeEngine) History() history.Store    { return f.store }

func (f *fakeEngine) Tasks() []workflow.TaskInfo {
	return []workflow.TaskInfo{{ID: "cook", Name: "Cook's Assistant"}, {ID: "sheep", Name: "Sheep Shearer"}}
}

func saveRun(t *testing.T, store history.Store, taskID string, outcome history.Outcome) history.Run {
	t.Helper()
	started := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	run := history.NewRun(taskID, taskID, started)
	run.EndedAt = started.Add(time.Minute)
	run.Outcome = outcome
	require.NoError(t, store.Save(run))
	return run
}

func TestStartHandler(t *testing.T) {
	tests := []struct {
		name       string
		id         string
		startErr   error
		wantStatus int
		wantBody   string
	}{
		{
			name:       "accepted",
			id:         "cook",
			wantStatus: http.StatusAccepted,
			wantBody:   `"state":"executing"`,
		},
		{
			name:       "validation failure",
			id:         "cook",
			startErr:   fmt.Errorf("%w: task cook already completed", orchestrator.ErrValidation),
			wantStatus: http.StatusConflict,
			wantBody:   "already completed",
		},
		{
			name:       "unexpected failure",
			id:         "cook",
			startErr:   errors.New("boom"),
			wantStatus: http.StatusInternalServerError,
			wantBody:   "boom",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := newFakeEngine()
			engine.startErr = tt.startErr

			mux := http.NewServeMux()
			mux.Handle("POST /api/tasks/{id}/start", NewStartHandler(quietLogger(), engine, engine))

			req := httptest.NewRequest(http.MethodPost, "/api/tasks/"+tt.id+"/start", nil)
			w := httptest.NewRecorder()
			mux.ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Contains(t, w.Body.String(), tt.wantBody)
			if tt.startErr == nil {
				assert.Equal(t, tt.id, engine.started)
			}
		})
	}
}

func TestControlHandler(t *testing.T) {
	tests := []struct {
		name       string
		state      orchestrator.State
		action     ControlAction
		wantStatus int
		wantState  orchestrator.State
	}{
		{name: "pause executing", state: orchestrator.StateExecuting, action: ActionPause, wantStatus: http.StatusNoContent, wantState: orchestrator.StatePaused},
		{name: "pause idle", state: orchestrator.StateIdle, action: ActionPause, wantStatus: http.StatusConflict, wantState: orchestrator.StateIdle},
		{name: "resume paused", state: orchestrator.StatePaused, action: ActionResume, wantStatus: http.StatusNoContent, wantState: orchestrator.StateExecuting},
		{name: "resume executing", state: orchestrator.StateExecuting, action: ActionResume, wantStatus: http.StatusConflict, wantState: orchestrator.StateExecuting},
		{name: "stop", state: orchestrator.StateExecuting, action: ActionStop, wantStatus: http.StatusNoContent, wantState: orchestrator.StateIdle},
		{name: "stop idle", state: orchestrator.StateIdle, action: ActionStop, wantStatus: http.StatusNoContent, wantState: orchestrator.StateIdle},
		{name: "emergency stop", state: orchestrator.StatePaused, action: ActionEmergencyStop, wantStatus: http.StatusNoContent, wantState: orchestrator.StateIdle},
		{name: "unknown", state: orchestrator.StateIdle, action: "jump", wantStatus: http.StatusNotFound, wantState: orchestrator.StateIdle},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := newFakeEngine()
			engine.state = tt.state
			handler := NewControlHandler(quietLogger(), engine, tt.action)

			req := httptest.NewRequest(http.MethodPost, "/api/"+string(tt.action), nil)
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, tt.wantState, engine.state)
		})
	}
}

type fakeStatusProvider struct {
	snap    orchestrator.Snapshot
	nextRun *time.Time
}

func (f *fakeStatusProvider) Snapshot() orchestrator.Snapshot { return f.snap }
func (f *fakeStatusProvider) NextRun() *time.Time             { return f.nextRun }
func (f *fakeStatusProvider) Properties() types.ServerProperties {
	return types.ServerProperties{Hostname: "agent-1"}
}
func (f *fakeStatusProvider) CurrentStatuses() map[string]string {
	return map[string]string{"cook": "talk to the cook"}
}

func TestAPIStatusHandler(t *testing.T) {
	next := time.Date(2026, 10, 16, 2, 0, 0, 0, time.UTC)

	tests := []struct {
		name          string
		nextRun       *time.Time
		wantScheduled bool
	}{
		{name: "no schedule"},
		{name: "scheduled", nextRun: &next, wantScheduled: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := &fakeStatusProvider{
				snap: orchestrator.Snapshot{
					State:    orchestrator.StateExecuting,
					TaskID:   "cook",
					Progress: 50,
					Step:     "talk to the cook",
					Aborted:  false,
				},
				nextRun: tt.nextRun,
			}
			handler := NewAPIStatusHandler(provider)

			req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			require.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

			var resp struct {
				Server struct {
					Hostname string `json:"hostname"`
				} `json:"server"`
				Engine struct {
					State    string `json:"state"`
					TaskID   string `json:"task_id"`
					Progress int    `json:"progress"`
					Step     string `json:"step"`
					Aborted  bool   `json:"aborted"`
				} `json:"engine"`
				NextRun  NextRunResponse   `json:"next_run"`
				Statuses map[string]string `json:"statuses"`
			}
			require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
			assert.Equal(t, "agent-1", resp.Server.Hostname)
			assert.Equal(t, "executing", resp.Engine.State)
			assert.Equal(t, "cook", resp.Engine.TaskID)
			assert.Equal(t, 50, resp.Engine.Progress)
			assert.Equal(t, "talk to the cook", resp.Engine.Step)
			assert.Equal(t, tt.wantScheduled, resp.NextRun.Scheduled)
			assert.Equal(t, "talk to the cook", resp.Statuses["cook"])
		})
	}
}

func TestTasksHandler(t *testing.T) {
	engine := newFakeEngine()
	saveRun(t, engine.store, "cook", history.OutcomeCompleted)
	saveRun(t, engine.store, "sheep", history.OutcomeFailed)

	req := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	w := httptest.NewRecorder()
	NewTasksHandler(engine).ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp []TaskResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, []TaskResponse{
		{ID: "cook", Name: "Cook's Assistant", Completed: true},
		{ID: "sheep", Name: "Sheep Shearer", Completed: false},
	}, resp)
}

type fakeSignals struct{}

func (fakeSignals) Snapshot() []signals.Signal {
	return []signals.Signal{{Key: 29, Value: 1, Observed: true, Task: "cook"}}
}
func (fakeSignals) Discovering() bool { return true }

func TestSignalsHandler(t *testing.T) {
	tests := []struct {
		name            string
		provider        SignalProvider
		wantDiscovering bool
		wantLen         int
	}{
		{name: "no monitor", provider: nil},
		{name: "monitor", provider: fakeSignals{}, wantDiscovering: true, wantLen: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/signals", nil)
			w := httptest.NewRecorder()
			NewSignalsHandler(tt.provider).ServeHTTP(w, req)

			require.Equal(t, http.StatusOK, w.Code)
			var resp SignalsResponse
			require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
			assert.Equal(t, tt.wantDiscovering, resp.Discovering)
			assert.Len(t, resp.Signals, tt.wantLen)
		})
	}
}

func TestHistoryHandlers(t *testing.T) {
	engine := newFakeEngine()
	run := saveRun(t, engine.store, "cook", history.OutcomeCompleted)

	mux := http.NewServeMux()
	mux.Handle("GET /api/history", NewHistoryHandler(engine))
	mux.Handle("GET /api/history/{id}", NewHistoryRunHandler(engine))

	t.Run("list", func(t *testing.T) {
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/history", nil))
		require.Equal(t, http.StatusOK, w.Code)
		var runs []history.Run
		require.NoError(t, json.NewDecoder(w.Body).Decode(&runs))
		require.Len(t, runs, 1)
		assert.Equal(t, run.ID, runs[0].ID)
		assert.Equal(t, history.OutcomeCompleted, runs[0].Outcome)
	})

	t.Run("get", func(t *testing.T) {
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/history/"+run.ID, nil))
		require.Equal(t, http.StatusOK, w.Code)
		var got history.Run
		require.NoError(t, json.NewDecoder(w.Body).Decode(&got))
		assert.Equal(t, "cook", got.TaskID)
	})

	t.Run("not found", func(t *testing.T) {
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/history/missing", nil))
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Contains(t, w.Body.String(), "run not found")
	})
}

type fakeEvents struct {
	after uint64
}

func (f *fakeEvents) Events(after uint64) []statusreporter.Event {
	f.after = after
	if after > 0 {
		return nil
	}
	return []statusreporter.Event{{Seq: 1, Kind: statusreporter.EventState, Message: "idle -> preparing"}}
}

func TestEventsHandler(t *testing.T) {
	tests := []struct {
		name       string
		query      string
		wantStatus int
		wantAfter  uint64
		wantLen    int
	}{
		{name: "all", query: "", wantStatus: http.StatusOK, wantLen: 1},
		{name: "after", query: "?after=1", wantStatus: http.StatusOK, wantAfter: 1, wantLen: 0},
		{name: "invalid", query: "?after=x", wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := &fakeEvents{}
			w := httptest.NewRecorder()
			NewEventsHandler(provider).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/events"+tt.query, nil))

			require.Equal(t, tt.wantStatus, w.Code)
			if tt.wantStatus != http.StatusOK {
				return
			}
			assert.Equal(t, tt.wantAfter, provider.after)
			var events []statusreporter.Event
			require.NoError(t, json.NewDecoder(w.Body).Decode(&events))
			assert.Len(t, events, tt.wantLen)
		})
	}
}

type fakeChecker struct {
	missing map[string]int
	err     error
}

func (f *fakeChecker) CheckResources(ctx context.Context, taskID string) (map[string]int, error) {
	return f.missing, f.err
}

func TestResourcesHandler(t *testing.T) {
	tests := []struct {
		name       string
		checker    *fakeChecker
		wantStatus int
		wantReady  bool
		wantMiss   map[string]int
	}{
		{
			name:       "ready",
			checker:    &fakeChecker{},
			wantStatus: http.StatusOK,
			wantReady:  true,
			wantMiss:   map[string]int{},
		},
		{
			name:       "missing",
			checker:    &fakeChecker{missing: map[string]int{"Egg": 1}},
			wantStatus: http.StatusOK,
			wantMiss:   map[string]int{"Egg": 1},
		},
		{
			name:       "unknown task",
			checker:    &fakeChecker{err: fmt.Errorf("%w: goblin", agent.ErrUnknownTask)},
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "bridge failure",
			checker:    &fakeChecker{err: errors.New("unexpected status code: 500")},
			wantStatus: http.StatusBadGateway,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := http.NewServeMux()
			mux.Handle("GET /api/tasks/{id}/resources", NewResourcesHandler(quietLogger(), tt.checker))

			w := httptest.NewRecorder()
			mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/tasks/cook/resources", nil))

			require.Equal(t, tt.wantStatus, w.Code)
			if tt.wantStatus != http.StatusOK {
				return
			}
			var resp ResourcesResponse
			require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
			assert.Equal(t, "cook", resp.TaskID)
			assert.Equal(t, tt.wantReady, resp.Ready)
			assert.Equal(t, tt.wantMiss, resp.Missing)
		})
	}
}

type mockStore struct {
	runs []history.Run
	err  error
}

func (m *mockStore) Reload() error       { return m.err }
func (m *mockStore) Runs() []history.Run { return m.runs }

func TestStoreReloadHandler(t *testing.T) {
	tests := []struct {
		name       string
		store      *mockStore
		wantStatus int
		wantBody   string
	}{
		{
			name:       "empty",
			store:      &mockStore{},
			wantStatus: http.StatusOK,
			wantBody:   `{"runs":0,"completed":0}`,
		},
		{
			name: "counts completed runs",
			store: &mockStore{runs: []history.Run{
				{ID: "1", TaskID: "cook", Outcome: history.OutcomeCompleted},
				{ID: "2", TaskID: "sheep", Outcome: history.OutcomeFailed},
				{ID: "3", TaskID: "sheep", Outcome: history.OutcomeCompleted},
			}},
			wantStatus: http.StatusOK,
			wantBody:   `{"runs":3,"completed":2}`,
		},
		{
			name:       "reload fails",
			store:      &mockStore{err: errors.New("permission denied")},
			wantStatus: http.StatusInternalServerError,
			wantBody:   `{"error":"failed to reload run history: permission denied"}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			NewStoreReloadHandler(quietLogger(), tt.store).ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/history/reload", nil))
			assert.Equal(t, tt.wantStatus, w.Code)
			assert.JSONEq(t, tt.wantBody, w.Body.String())
		})
	}
}

type fakeAudit struct {
	asked int
}

func (f *fakeAudit) Tail(maxLines int) []string {
	f.asked = maxLines
	if maxLines == 1 {
		return []string{"[10:00:02] STATE: idle -> preparing"}
	}
	return nil
}

func TestAuditHandler(t *testing.T) {
	tests := []struct {
		name       string
		query      string
		wantStatus int
		wantAsked  int
		wantLines  int
	}{
		{name: "default", query: "", wantStatus: http.StatusOK, wantAsked: 100},
		{name: "one line", query: "?lines=1", wantStatus: http.StatusOK, wantAsked: 1, wantLines: 1},
		{name: "capped", query: "?lines=50000", wantStatus: http.StatusOK, wantAsked: 1000},
		{name: "zero", query: "?lines=0", wantStatus: http.StatusBadRequest},
		{name: "invalid", query: "?lines=many", wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := &fakeAudit{}
			w := httptest.NewRecorder()
			NewAuditHandler(provider).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/audit"+tt.query, nil))

			require.Equal(t, tt.wantStatus, w.Code)
			if tt.wantStatus != http.StatusOK {
				return
			}
			assert.Equal(t, tt.wantAsked, provider.asked)
			var resp AuditResponse
			require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
			assert.NotNil(t, resp.Lines)
			assert.Len(t, resp.Lines, tt.wantLines)
		})
	}
}
