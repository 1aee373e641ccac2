package workflow

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nomis52/goquest/acquire"
)

type fakeAcquirer struct {
	shortfall map[string]int
	checkErr  error
	result    acquire.Result
	gathers   int
}

func (f *fakeAcquirer) Gather(context.Context, []acquire.Requirement) acquire.Result {
	f.gathers++
	return f.result
}

func (f *fakeAcquirer) Check(context.Context, []acquire.Requirement) (map[string]int, error) {
	return f.shortfall, f.checkErr
}

func TestGatherAction_SkipsWhenHeld(t *testing.T) {
	acq := &fakeAcquirer{shortfall: map[string]int{}}
	env := NewEnv()
	env.Acquirer = acq

	a := GatherAction("gather", acquire.Requirement{Name: "Egg", Quantity: 1})
	res := Execute(context.Background(), a, env)

	assert.True(t, res.IsSuccess())
	assert.Zero(t, acq.gathers)
	assert.Equal(t, "gather Egg x1", a.Description())
}

func TestGatherAction_Gathers(t *testing.T) {
	acq := &fakeAcquirer{
		shortfall: map[string]int{"Egg": 1},
		result:    acquire.Result{Success: true, Obtained: map[string]int{"Egg": 1}},
	}
	env := NewEnv()
	env.Acquirer = acq

	res := Execute(context.Background(), GatherAction("gather", acquire.Requirement{Name: "Egg", Quantity: 1}), env)

	assert.True(t, res.IsSuccess())
	assert.Equal(t, 1, acq.gathers)
	stored, ok := Value[acquire.Result](env.Context, ContextKeyLastAcquisition)
	require.True(t, ok)
	assert.True(t, stored.Success)
}

func TestGatherAction_ShortfallUsesRetryBudget(t *testing.T) {
	acq := &fakeAcquirer{
		shortfall: map[string]int{"Egg": 1, "Milk": 2},
		result: acquire.Result{
			Missing:    map[string]int{"Milk": 2, "Egg": 1},
			LastAction: "market purchase exhausted",
		},
	}
	env := NewEnv()
	env.Acquirer = acq
	a := GatherAction("gather",
		acquire.Requirement{Name: "Egg", Quantity: 1},
		acquire.Requirement{Name: "Milk", Quantity: 2},
	)

	res := Execute(context.Background(), a, env)
	assert.Equal(t, StatusRetry, res.Status)
	assert.Contains(t, res.Message, "missing Egg x1, Milk x2")

	Execute(context.Background(), a, env)
	res = Execute(context.Background(), a, env)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Contains(t, res.Reason, acquire.ErrResourceExhausted.Error())
	assert.Equal(t, 3, acq.gathers)
}

func TestGatherAction_NoAcquirer(t *testing.T) {
	res := Execute(context.Background(), GatherAction("g", acquire.Requirement{Name: "Egg", Quantity: 1}), NewEnv())
	assert.Equal(t, StatusRetry, res.Status)
}

func TestCanStart(t *testing.T) {
	tests := []struct {
		name    string
		reqs    []acquire.Requirement
		acq     *fakeAcquirer
		wantErr bool
	}{
		{
			name: "no requirements",
		},
		{
			name: "shortfall can be acquired later",
			reqs: []acquire.Requirement{{Name: "Egg", Quantity: 1}},
			acq:  &fakeAcquirer{shortfall: map[string]int{"Egg": 1}},
		},
		{
			name:    "local only shortfall",
			reqs:    []acquire.Requirement{{Name: "Key", Quantity: 1, Policy: acquire.PolicyLocalOnly}},
			acq:     &fakeAcquirer{shortfall: map[string]int{"Key": 1}},
			wantErr: true,
		},
		{
			name: "local only partial allowed",
			reqs: []acquire.Requirement{{Name: "Key", Quantity: 1, Policy: acquire.PolicyLocalOnly, AllowPartial: true}},
			acq:  &fakeAcquirer{shortfall: map[string]int{"Key": 1}},
		},
		{
			name:    "inventory unreadable",
			reqs:    []acquire.Requirement{{Name: "Egg", Quantity: 1}},
			acq:     &fakeAcquirer{checkErr: errors.New("bridge down")},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := NewEnv()
			if tt.acq != nil {
				env.Acquirer = tt.acq
			}
			task := NewTreeTask("t", "T", &Action{ID: "a"}, WithRequirements(tt.reqs...))
			err := task.CanStart(context.Background(), env)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrResourcesUnavailable)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, len(tt.reqs), len(task.RequiredResources()))
		})
	}
}

func TestCanStart_CustomPrecondition(t *testing.T) {
	boom := errors.New("wrong world")
	task := NewStepTask("t", "T", nil, WithCanStart(func(context.Context, *Env) error { return boom }))
	assert.ErrorIs(t, task.CanStart(context.Background(), NewEnv()), boom)
}

func TestContext(t *testing.T) {
	c := NewContext()
	c.Set("count", 3)
	c.Set("name", "cook")

	n, ok := Value[int](c, "count")
	assert.True(t, ok)
	assert.Equal(t, 3, n)

	_, ok = Value[int](c, "name")
	assert.False(t, ok, "wrong type")
	_, ok = Value[string](c, "missing")
	assert.False(t, ok)

	c.Delete("count")
	assert.Equal(t, 1, c.Len())
	c.Clear()
	assert.Zero(t, c.Len())
}
