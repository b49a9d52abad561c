package core

import (
	"encoding/json"
	"fmt"
	"time"
)

// TaskStatus describes the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusDisabled  TaskStatus = "disabled"
	TaskStatusCompleted TaskStatus = "completed"
)

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusRunning, TaskStatusDisabled, TaskStatusCompleted:
		return true
	}
	return false
}

// ScheduleType selects the timing rule of a schedule.
type ScheduleType string

const (
	ScheduleOnce   ScheduleType = "once"
	ScheduleDaily  ScheduleType = "daily"
	ScheduleWeekly ScheduleType = "weekly"
	ScheduleCustom ScheduleType = "custom"
)

// ConditionType selects the runtime predicate of a conditional trigger.
type ConditionType string

const (
	ConditionWindowTitleContains ConditionType = "window_title_contains"
	ConditionWindowTitleEquals   ConditionType = "window_title_equals"
	ConditionWindowExists        ConditionType = "window_exists"
	ConditionProcessRunning      ConditionType = "process_running"
	ConditionTimeRange           ConditionType = "time_range"
	ConditionSystemIdle          ConditionType = "system_idle"
)

// Duration is a time.Duration that encodes as a duration string ("1.5s").
// Decoding also accepts a plain number of seconds.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var seconds float64
	if err := json.Unmarshal(data, &seconds); err != nil {
		return fmt.Errorf("invalid duration %s", string(data))
	}
	*d = Duration(seconds * float64(time.Second))
	return nil
}

// DurationPtr is a small helper for optional durations.
func DurationPtr(d time.Duration) *Duration {
	v := Duration(d)
	return &v
}

// ConditionalTrigger gates a due task on a runtime predicate.
type ConditionalTrigger struct {
	Type    ConditionType `json:"condition_type"`
	Value   string        `json:"condition_value"`
	Enabled bool          `json:"enabled"`
}

// Schedule is the timing rule of a task.
type Schedule struct {
	Type          ScheduleType        `json:"schedule_type"`
	StartTime     time.Time           `json:"start_time"`
	Timezone      string              `json:"timezone,omitempty"`
	EndTime       *time.Time          `json:"end_time,omitempty"`
	Interval      *Duration           `json:"interval,omitempty"`
	DaysOfWeek    []int               `json:"days_of_week,omitempty"`
	RepeatEnabled bool                `json:"repeat_enabled"`
	Trigger       *ConditionalTrigger `json:"conditional_trigger,omitempty"`
}

// ExecutionOptions control how a task's action sequence is run.
type ExecutionOptions struct {
	StopOnFirstError   bool      `json:"stop_on_first_error"`
	DefaultDelay       Duration  `json:"default_delay_between_actions"`
	MaxExecutionTime   *Duration `json:"max_execution_time,omitempty"`
	RetryFailedActions bool      `json:"retry_failed_actions"`
}

// DefaultExecutionOptions returns the options used when a task does not set any.
func DefaultExecutionOptions() ExecutionOptions {
	return ExecutionOptions{DefaultDelay: Duration(time.Second)}
}

func (o *ExecutionOptions) UnmarshalJSON(data []byte) error {
	type plain ExecutionOptions
	v := plain(DefaultExecutionOptions())
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*o = ExecutionOptions(v)
	return nil
}

// Task is a named, schedulable action sequence.
type Task struct {
	ID            string           `json:"id"`
	Name          string           `json:"name"`
	TargetApp     string           `json:"target_app"`
	Actions       []ActionStep     `json:"action_sequence"`
	Schedule      Schedule         `json:"schedule"`
	Status        TaskStatus       `json:"status"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
	LastExecuted  *time.Time       `json:"last_executed,omitempty"`
	NextExecution *time.Time       `json:"next_execution,omitempty"`
	Options       ExecutionOptions `json:"execution_options"`
}

// IsDue reports whether the task should be picked up by a tick at now.
func (t *Task) IsDue(now time.Time) bool {
	return t.Status == TaskStatusPending && t.NextExecution != nil && !t.NextExecution.After(now)
}

// ExecutionResult is the outcome of one action step or one whole sequence run.
type ExecutionResult struct {
	Success   bool           `json:"success"`
	Message   string         `json:"message"`
	Timestamp time.Time      `json:"timestamp"`
	Operation string         `json:"operation"`
	Target    string         `json:"target"`
	Details   map[string]any `json:"details,omitempty"`
}

// SuccessResult builds a successful result stamped with the current time.
func SuccessResult(operation, target, message string) ExecutionResult {
	return ExecutionResult{
		Success:   true,
		Message:   message,
		Timestamp: time.Now().UTC(),
		Operation: operation,
		Target:    target,
	}
}

// FailureResult builds a failed result stamped with the current time.
func FailureResult(operation, target, message string, details map[string]any) ExecutionResult {
	return ExecutionResult{
		Success:   false,
		Message:   message,
		Timestamp: time.Now().UTC(),
		Operation: operation,
		Target:    target,
		Details:   details,
	}
}

// ExecutionLog is the persisted record of one completed or aborted sequence run.
type ExecutionLog struct {
	ID            string          `json:"id"`
	TaskID        string          `json:"task_id,omitempty"`
	ScheduleName  string          `json:"schedule_name"`
	ExecutionTime time.Time       `json:"execution_time"`
	Result        ExecutionResult `json:"result"`
	Duration      Duration        `json:"duration"`
	RetryCount    int             `json:"retry_count"`
}

// RunState is the part of a task record owned by the scheduler loop.
type RunState struct {
	Status        TaskStatus
	LastExecuted  *time.Time
	NextExecution *time.Time
}
