package core

import (
	"fmt"
	"strings"
	"time"
)

const maxStepDelay = 5 * time.Minute

// NewTask builds a pending task with a fresh id and its first next_execution
// computed from now.
func NewTask(name, targetApp string, actions []ActionStep, schedule Schedule, opts ExecutionOptions, now time.Time) (*Task, error) {
	t := &Task{
		ID:        NewID(),
		Name:      name,
		TargetApp: targetApp,
		Actions:   actions,
		Schedule:  schedule,
		Status:    TaskStatusPending,
		CreatedAt: now.UTC(),
		UpdatedAt: now.UTC(),
		Options:   opts,
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	t.NextExecution = schedule.NextExecution(now)
	return t, nil
}

// Validate checks every part of a task before it is accepted for scheduling.
func (t *Task) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return invalid("name", "must not be empty")
	}
	if len(t.Actions) == 0 {
		return invalid("action_sequence", "must contain at least one step")
	}
	seen := make(map[string]bool, len(t.Actions))
	for i, step := range t.Actions {
		field := fmt.Sprintf("action_sequence[%d]", i)
		if err := step.Validate(); err != nil {
			return prefixField(field, err)
		}
		if step.DelayAfter.Std() > maxStepDelay {
			return invalid(field+".delay_after", "must be at most %s", maxStepDelay)
		}
		if seen[step.ID] {
			return invalid(field+".id", "duplicate step id %q", step.ID)
		}
		seen[step.ID] = true
	}
	if err := t.Schedule.Validate(); err != nil {
		return prefixField("schedule", err)
	}
	if t.Options.DefaultDelay < 0 {
		return invalid("execution_options.default_delay_between_actions", "must be >= 0")
	}
	if mt := t.Options.MaxExecutionTime; mt != nil && *mt <= 0 {
		return invalid("execution_options.max_execution_time", "must be > 0")
	}
	if t.Status != "" && !t.Status.Valid() {
		return invalid("status", "unknown status %q", t.Status)
	}
	return nil
}

// Reschedule recomputes next_execution from now after a schedule edit and
// returns a disabled or completed task to the schedule only when enable is set.
func (t *Task) Reschedule(now time.Time, enable bool) {
	t.UpdatedAt = now.UTC()
	if enable || t.Status == TaskStatusPending || t.Status == "" {
		t.Status = TaskStatusPending
	}
	t.NextExecution = t.Schedule.NextExecution(now)
	if t.Status == TaskStatusPending && t.NextExecution == nil && t.Schedule.EndTime != nil && !now.Before(*t.Schedule.EndTime) {
		t.Status = TaskStatusCompleted
	}
}

// Disable excludes the task from due detection.
func (t *Task) Disable(now time.Time) error {
	if t.Status == TaskStatusRunning {
		return fmt.Errorf("disable task %s: %w", t.ID, ErrAlreadyRunning)
	}
	t.Status = TaskStatusDisabled
	t.UpdatedAt = now.UTC()
	return nil
}
