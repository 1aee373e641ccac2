package cron

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testAvailableTasks = map[string]bool{
	"cook":  true,
	"sheep": true,
	"doric": true,
}

func TestParseTriggerSpecs(t *testing.T) {
	tests := []struct {
		name string
		spec string
		want []TriggerSpec
	}{
		{
			name: "single trigger",
			spec: "cook:0 2 * * *",
			want: []TriggerSpec{{Tasks: []string{"cook"}, CronSpec: "0 2 * * *"}},
		},
		{
			name: "multiple tasks",
			spec: "cook,sheep:0 2 * * *",
			want: []TriggerSpec{{Tasks: []string{"cook", "sheep"}, CronSpec: "0 2 * * *"}},
		},
		{
			name: "multiple triggers",
			spec: "cook,sheep:0 2 * * *;doric:0 3 * * *",
			want: []TriggerSpec{
				{Tasks: []string{"cook", "sheep"}, CronSpec: "0 2 * * *"},
				{Tasks: []string{"doric"}, CronSpec: "0 3 * * *"},
			},
		},
		{
			name: "whitespace",
			spec: "  cook , sheep : 0 2 * * * ; doric : 0 3 * * *  ",
			want: []TriggerSpec{
				{Tasks: []string{"cook", "sheep"}, CronSpec: "0 2 * * *"},
				{Tasks: []string{"doric"}, CronSpec: "0 3 * * *"},
			},
		},
		{
			name: "trailing semicolon",
			spec: "cook:0 2 * * *;",
			want: []TriggerSpec{{Tasks: []string{"cook"}, CronSpec: "0 2 * * *"}},
		},
		{
			name: "same task in two triggers",
			spec: "cook:0 2 * * *;cook:0 14 * * *",
			want: []TriggerSpec{
				{Tasks: []string{"cook"}, CronSpec: "0 2 * * *"},
				{Tasks: []string{"cook"}, CronSpec: "0 14 * * *"},
			},
		},
		{
			name: "empty task in list is skipped",
			spec: "cook,,sheep:*/5 * * * *",
			want: []TriggerSpec{{Tasks: []string{"cook", "sheep"}, CronSpec: "*/5 * * * *"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			specs, err := ParseTriggerSpecs(tt.spec, testAvailableTasks)
			require.NoError(t, err)
			assert.Equal(t, tt.want, specs)
		})
	}
}

func TestParseTriggerSpecs_Errors(t *testing.T) {
	tests := []struct {
		name    string
		spec    string
		wantErr string
	}{
		{name: "empty", spec: "", wantErr: "cannot be empty"},
		{name: "whitespace only", spec: "   ", wantErr: "cannot be empty"},
		{name: "missing colon", spec: "cook,sheep", wantErr: "expected format 'tasks:cron'"},
		{name: "multiple colons", spec: "cook:0:2:* * *", wantErr: "expected format 'tasks:cron'"},
		{name: "missing tasks", spec: ":0 2 * * *", wantErr: "missing tasks"},
		{name: "missing schedule", spec: "cook,sheep:", wantErr: "missing cron schedule"},
		{name: "invalid cron", spec: "cook:invalid cron", wantErr: "invalid cron expression"},
		{name: "unknown task", spec: "unknown:0 2 * * *", wantErr: "unknown task 'unknown'"},
		{name: "duplicate task", spec: "cook,cook:0 2 * * *", wantErr: "duplicate task 'cook'"},
		{name: "only semicolons", spec: ";;;", wantErr: "no valid triggers"},
		{name: "all tasks empty", spec: ",,:0 2 * * *", wantErr: "no valid tasks"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseTriggerSpecs(tt.spec, testAvailableTasks)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParseTriggerSpecs_UnknownTaskListsAvailable(t *testing.T) {
	_, err := ParseTriggerSpecs("unknown:0 2 * * *", testAvailableTasks)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "(available: cook, doric, sheep)")
}

func TestNewTriggerSpec(t *testing.T) {
	spec, err := NewTriggerSpec([]string{" cook ", "sheep"}, " 30 6 * * 1 ", testAvailableTasks)
	require.NoError(t, err)
	assert.Equal(t, TriggerSpec{Tasks: []string{"cook", "sheep"}, CronSpec: "30 6 * * 1"}, spec)

	_, err = NewTriggerSpec([]string{"cook"}, "61 * * * *", testAvailableTasks)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid cron expression in 'cook:61 * * * *'")
}
