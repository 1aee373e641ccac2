package cron

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

const (
	triggerSeparator  = ";"
	taskSeparator     = ":"
	taskListSeparator = ","
)

// TriggerSpec is a validated set of tasks and the cron schedule that starts them.
type TriggerSpec struct {
	Tasks    []string
	CronSpec string
}

// ParseTriggerSpecs parses a multi-trigger specification string into individual trigger specs.
// The format is: task1,task2:cron_expression;task3:cron_expression2
//
// Example:
//
//	"cook,sheep:0 2 * * *;doric:0 3 * * *"
//
// Returns an error if:
//   - Any trigger is missing tasks or cron expression
//   - Any task id is not in availableTasks
//   - Any cron expression is invalid
//   - Any trigger has duplicate tasks
func ParseTriggerSpecs(spec string, availableTasks map[string]bool) ([]TriggerSpec, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, errors.New("cron spec cannot be empty")
	}

	triggerStrs := strings.Split(spec, triggerSeparator)
	specs := make([]TriggerSpec, 0, len(triggerStrs))

	for _, triggerStr := range triggerStrs {
		triggerStr = strings.TrimSpace(triggerStr)
		if triggerStr == "" {
			continue // Skip empty triggers (e.g., trailing semicolon)
		}

		triggerSpec, err := parseSingleTrigger(triggerStr, availableTasks)
		if err != nil {
			return nil, err
		}
		specs = append(specs, triggerSpec)
	}

	if len(specs) == 0 {
		return nil, errors.New("no valid triggers found in cron spec")
	}

	return specs, nil
}

func parseSingleTrigger(triggerStr string, availableTasks map[string]bool) (TriggerSpec, error) {
	parts := strings.Split(triggerStr, taskSeparator)
	if len(parts) != 2 {
		return TriggerSpec{}, fmt.Errorf("invalid trigger spec: expected format 'tasks:cron', got '%s'", triggerStr)
	}

	tasksStr := strings.TrimSpace(parts[0])
	if tasksStr == "" {
		return TriggerSpec{}, fmt.Errorf("invalid trigger spec: missing tasks in '%s'", triggerStr)
	}

	return newTriggerSpec(strings.Split(tasksStr, taskListSeparator), parts[1], triggerStr, availableTasks)
}

// NewTriggerSpec validates a trigger given as a task list and a cron expression.
func NewTriggerSpec(tasks []string, cronSpec string, availableTasks map[string]bool) (TriggerSpec, error) {
	label := strings.Join(tasks, taskListSeparator) + taskSeparator + cronSpec
	return newTriggerSpec(tasks, cronSpec, label, availableTasks)
}

func newTriggerSpec(taskIDs []string, cronSpec, label string, availableTasks map[string]bool) (TriggerSpec, error) {
	cronSpec = strings.TrimSpace(cronSpec)
	if cronSpec == "" {
		return TriggerSpec{}, fmt.Errorf("invalid trigger spec: missing cron schedule in '%s'", label)
	}

	tasks := make([]string, 0, len(taskIDs))
	seen := make(map[string]bool, len(taskIDs))
	for _, id := range taskIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}

		if seen[id] {
			return TriggerSpec{}, fmt.Errorf("invalid trigger spec: duplicate task '%s' in '%s'", id, label)
		}
		seen[id] = true

		if !availableTasks[id] {
			return TriggerSpec{}, fmt.Errorf("invalid trigger spec: unknown task '%s' in '%s' (available: %s)",
				id, label, formatAvailableTasks(availableTasks))
		}

		tasks = append(tasks, id)
	}

	if len(tasks) == 0 {
		return TriggerSpec{}, fmt.Errorf("invalid trigger spec: no valid tasks in '%s'", label)
	}

	if _, err := parseSchedule(cronSpec); err != nil {
		return TriggerSpec{}, fmt.Errorf("invalid trigger spec: invalid cron expression in '%s': %w", label, err)
	}

	return TriggerSpec{
		Tasks:    tasks,
		CronSpec: cronSpec,
	}, nil
}

func formatAvailableTasks(availableTasks map[string]bool) string {
	tasks := make([]string, 0, len(availableTasks))
	for id := range availableTasks {
		tasks = append(tasks, id)
	}
	slices.Sort(tasks)
	return strings.Join(tasks, ", ")
}
