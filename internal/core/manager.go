package core

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// TaskRepository is a TaskStore that also accepts edits.
type TaskRepository interface {
	TaskStore
	Save(ctx context.Context, task *Task) error
	Delete(ctx context.Context, id string) error
}

// TaskDraft carries the user-editable fields of a task.
type TaskDraft struct {
	Name      string            `json:"name"`
	TargetApp string            `json:"target_app"`
	Actions   []ActionStep      `json:"action_sequence"`
	Schedule  Schedule          `json:"schedule"`
	Options   *ExecutionOptions `json:"execution_options,omitempty"`
	Disabled  bool              `json:"disabled,omitempty"`
}

func (d TaskDraft) options() ExecutionOptions {
	if d.Options == nil {
		return DefaultExecutionOptions()
	}
	return *d.Options
}

func (d TaskDraft) actions() []ActionStep {
	out := make([]ActionStep, len(d.Actions))
	copy(out, d.Actions)
	for i := range out {
		if out[i].ID == "" {
			out[i].ID = NewID()
		}
	}
	return out
}

// Manager applies task edits on behalf of the API and MCP surfaces. Each edit
// holds the task's execution lock from load to save, so edits of a task with
// a run queued or in flight are refused and no run can start mid-edit.
type Manager struct {
	tasks     TaskRepository
	scheduler *Scheduler
	logger    *slog.Logger
	clock     clock
}

// NewManager creates a manager. scheduler may be nil when no loop is running.
func NewManager(tasks TaskRepository, scheduler *Scheduler, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{tasks: tasks, scheduler: scheduler, logger: logger, clock: realClock{}}
}

// Get loads one task.
func (m *Manager) Get(ctx context.Context, id string) (*Task, error) {
	return m.tasks.Load(ctx, id)
}

// List loads every task.
func (m *Manager) List(ctx context.Context) ([]*Task, error) {
	return m.tasks.LoadAll(ctx)
}

// Create validates draft and stores it as a new pending (or disabled) task.
func (m *Manager) Create(ctx context.Context, draft TaskDraft) (*Task, error) {
	task, err := NewTask(draft.Name, draft.TargetApp, draft.actions(), draft.Schedule, draft.options(), m.clock.Now())
	if err != nil {
		return nil, err
	}
	if draft.Disabled {
		task.Status = TaskStatusDisabled
	}
	if err := m.tasks.Save(ctx, task); err != nil {
		return nil, fmt.Errorf("save task: %w", err)
	}
	m.logger.Info("task created", "task_id", task.ID, "name", task.Name, "next_execution", formatTimePtr(task.NextExecution))
	return task, nil
}

// Update replaces the editable fields of a task and recomputes its next
// execution. A disabled task stays disabled unless the draft says otherwise.
func (m *Manager) Update(ctx context.Context, id string, draft TaskDraft) (*Task, error) {
	task, release, err := m.loadIdle(ctx, id, "update")
	if err != nil {
		return nil, err
	}
	defer release()
	task.Name = draft.Name
	task.TargetApp = draft.TargetApp
	task.Actions = draft.actions()
	task.Schedule = draft.Schedule
	task.Options = draft.options()
	if err := task.Validate(); err != nil {
		return nil, err
	}
	wasDisabled := task.Status == TaskStatusDisabled
	task.Reschedule(m.clock.Now(), !draft.Disabled && !wasDisabled)
	if draft.Disabled {
		task.Status = TaskStatusDisabled
	}
	if err := m.tasks.Save(ctx, task); err != nil {
		return nil, fmt.Errorf("save task: %w", err)
	}
	m.logger.Info("task updated", "task_id", id, "status", task.Status, "next_execution", formatTimePtr(task.NextExecution))
	return task, nil
}

// Delete removes a task. Its logs are kept.
func (m *Manager) Delete(ctx context.Context, id string) error {
	_, release, err := m.loadIdle(ctx, id, "delete")
	if err != nil {
		return err
	}
	defer release()
	if err := m.tasks.Delete(ctx, id); err != nil {
		return err
	}
	m.logger.Info("task deleted", "task_id", id)
	return nil
}

// Enable returns a disabled or completed task to the schedule.
func (m *Manager) Enable(ctx context.Context, id string) (*Task, error) {
	task, release, err := m.loadIdle(ctx, id, "enable")
	if err != nil {
		return nil, err
	}
	defer release()
	task.Reschedule(m.clock.Now(), true)
	if err := m.tasks.Save(ctx, task); err != nil {
		return nil, fmt.Errorf("save task: %w", err)
	}
	m.logger.Info("task enabled", "task_id", id, "status", task.Status, "next_execution", formatTimePtr(task.NextExecution))
	return task, nil
}

// Disable takes a task out of due detection.
func (m *Manager) Disable(ctx context.Context, id string) (*Task, error) {
	task, release, err := m.loadIdle(ctx, id, "disable")
	if err != nil {
		return nil, err
	}
	defer release()
	if err := task.Disable(m.clock.Now()); err != nil {
		return nil, err
	}
	if err := m.tasks.Save(ctx, task); err != nil {
		return nil, fmt.Errorf("save task: %w", err)
	}
	m.logger.Info("task disabled", "task_id", id)
	return task, nil
}

// RunNow queues an immediate run through the scheduler.
func (m *Manager) RunNow(ctx context.Context, id string) error {
	if m.scheduler == nil {
		return fmt.Errorf("run task %s: scheduler not running: %w", id, ErrValidation)
	}
	return m.scheduler.RunNow(ctx, id)
}

// loadIdle locks id against dispatch and loads it. The caller must call
// release once the edit is saved.
func (m *Manager) loadIdle(ctx context.Context, id, op string) (*Task, func(), error) {
	release := func() {}
	if m.scheduler != nil {
		held, err := m.scheduler.Hold(id)
		if err != nil {
			return nil, nil, fmt.Errorf("%s task %s: %w", op, id, err)
		}
		release = held
	}
	task, err := m.tasks.Load(ctx, id)
	if err != nil {
		release()
		return nil, nil, err
	}
	if task.Status == TaskStatusRunning {
		release()
		return nil, nil, fmt.Errorf("%s task %s: %w", op, id, ErrAlreadyRunning)
	}
	return task, release, nil
}

// PreviewSchedule validates s and returns its next count executions after from.
func PreviewSchedule(s Schedule, from time.Time, count int) ([]time.Time, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if count <= 0 {
		count = 5
	}
	return s.Preview(from, min(count, 50)), nil
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return "none"
	}
	return t.Format(time.RFC3339)
}
