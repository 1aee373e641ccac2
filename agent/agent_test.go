package agent

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/nomis52/goquest/capability"
	"github.com/nomis52/goquest/config"
	"github.com/nomis52/goquest/history"
	"github.com/nomis52/goquest/orchestrator"
)

const tasksYAML = `
tasks:
  - id: sheep
    name: Sheep Shearer
    requirements:
      - {name: Shears, quantity: 1}
      - {name: Wool, quantity: 20}
    steps:
      - {id: shear, kind: interact, entity: Sheep, verb: Shear}
`

// fakeEnv is an in-memory capability.Environment.
type fakeEnv struct {
	mu        sync.Mutex
	inventory map[string]int
	moving    bool
	calls     []string
}

func (f *fakeEnv) Interact(ctx context.Context, entity, verb string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, verb+" "+entity)
	return nil
}

func (f *fakeEnv) Navigate(ctx context.Context, target capability.Point, tolerance int) error {
	return nil
}

func (f *fakeEnv) Position(ctx context.Context) (capability.Point, error) {
	return capability.Point{}, nil
}

func (f *fakeEnv) Moving(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.moving, nil
}

func (f *fakeEnv) ReadSignal(ctx context.Context, key int) (int, error) {
	return 0, nil
}

func (f *fakeEnv) Count(ctx context.Context, item string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inventory[item], nil
}

func (f *fakeEnv) Storage() capability.Storage { return nil }
func (f *fakeEnv) Market() capability.Market   { return nil }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tasks.yaml")
	require.NoError(t, os.WriteFile(path, []byte(tasksYAML), 0644))

	cfg := &config.Config{
		Environment: config.EnvironmentConfig{URL: "http://127.0.0.1:7070"},
		TasksFile:   path,
	}
	cfg.SetDefaults()
	return cfg
}

func newTestAgent(t *testing.T, cfg *config.Config, env *fakeEnv) *Agent {
	t.Helper()
	a, err := New(Params{Config: cfg, Logger: quietLogger(), Environment: env})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestNew(t *testing.T) {
	t.Run("requires config", func(t *testing.T) {
		_, err := New(Params{})
		require.Error(t, err)
	})

	t.Run("missing tasks file", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.TasksFile = filepath.Join(t.TempDir(), "missing.yaml")
		_, err := New(Params{Config: cfg, Logger: quietLogger(), Environment: &fakeEnv{}})
		require.Error(t, err)
	})

	t.Run("bad signal candidates", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Signals.Discovery = true
		cfg.Signals.Candidates = []string{"9-1"}
		_, err := New(Params{Config: cfg, Logger: quietLogger(), Environment: &fakeEnv{}})
		require.Error(t, err)
	})

	t.Run("memory history by default", func(t *testing.T) {
		a := newTestAgent(t, testConfig(t), &fakeEnv{})
		assert.IsType(t, &history.MemoryStore{}, a.History)
		assert.Nil(t, a.Audit)
		assert.Equal(t, orchestrator.StateIdle, a.Orchestrator.State())
		require.Len(t, a.Orchestrator.Tasks(), 1)
		assert.Equal(t, "sheep", a.Orchestrator.Tasks()[0].ID)
	})

	t.Run("disk history and audit log", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.History.StateDir = t.TempDir()
		cfg.Audit.Dir = t.TempDir()

		a, err := New(Params{Config: cfg, Logger: quietLogger(), Environment: &fakeEnv{}})
		require.NoError(t, err)
		assert.IsType(t, &history.DiskStore{}, a.History)
		require.NotNil(t, a.Audit)
		path := a.Audit.Path()
		require.NoError(t, a.Close())

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.True(t, strings.Contains(string(data), "ended"))
	})

	t.Run("sqlite history", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.History.Database = filepath.Join(t.TempDir(), "history.db")

		a, err := New(Params{Config: cfg, Logger: quietLogger(), Environment: &fakeEnv{}})
		require.NoError(t, err)
		assert.IsType(t, &history.SQLiteStore{}, a.History)
		require.NoError(t, a.Close())

		// The store is closed with the agent, so the file can be opened again.
		reopened, err := history.NewSQLiteStore(cfg.History.Database, 10, quietLogger())
		require.NoError(t, err)
		assert.NoError(t, reopened.Close())
	})

	t.Run("bridge from config", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Environment.MarketLocation = &capability.Point{X: 3164, Y: 3487}
		a, err := New(Params{Config: cfg, Logger: quietLogger()})
		require.NoError(t, err)
		require.NotNil(t, a.Environment.Market())
		assert.Equal(t, 3164, a.Environment.Market().Location().X)
	})
}

func TestDefinitionAndCheckResources(t *testing.T) {
	env := &fakeEnv{inventory: map[string]int{"Shears": 1, "Wool": 5}}
	a := newTestAgent(t, testConfig(t), env)

	def, ok := a.Definition("sheep")
	require.True(t, ok)
	assert.Equal(t, "Sheep Shearer", def.Name)

	_, ok = a.Definition("dragon")
	assert.False(t, ok)

	missing, err := a.CheckResources(context.Background(), "sheep")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"Wool": 15}, missing)

	_, err = a.CheckResources(context.Background(), "dragon")
	require.ErrorIs(t, err, ErrUnknownTask)
}

func TestReloadTasks(t *testing.T) {
	cfg := testConfig(t)
	a := newTestAgent(t, cfg, &fakeEnv{})

	updated := strings.Replace(tasksYAML, "Sheep Shearer", "Sheep Shearer II", 1)
	require.NoError(t, os.WriteFile(cfg.TasksFile, []byte(updated), 0644))

	require.NoError(t, a.Orchestrator.StartTask("sheep"))
	err := a.ReloadTasks(cfg.TasksFile)
	require.ErrorIs(t, err, ErrBusy)

	a.Orchestrator.Stop()
	require.NoError(t, a.ReloadTasks(cfg.TasksFile))
	def, ok := a.Definition("sheep")
	require.True(t, ok)
	assert.Equal(t, "Sheep Shearer II", def.Name)
}

func TestSuspendWhileMoving(t *testing.T) {
	cfg := testConfig(t)
	cfg.Engine.SuspendWhileMoving = true
	env := &fakeEnv{moving: true}
	a := newTestAgent(t, cfg, env)

	assert.True(t, a.moving(context.Background()))
	env.mu.Lock()
	env.moving = false
	env.mu.Unlock()
	assert.False(t, a.moving(context.Background()))
}

func TestTracerIsWired(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))

	env := &fakeEnv{inventory: map[string]int{"Shears": 1, "Wool": 20}}
	a, err := New(Params{Config: testConfig(t), Logger: quietLogger(), Environment: env, Tracer: tp.Tracer("test")})
	require.NoError(t, err)
	defer a.Close()

	require.NoError(t, a.Orchestrator.StartTask("sheep"))
	a.Orchestrator.Stop()

	ended := rec.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "task.run", ended[0].Name())
}
