package core

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// LogStore is the subset of the execution log store used by the engine.
type LogStore interface {
	Save(ctx context.Context, log *ExecutionLog) error
	DeleteBefore(ctx context.Context, before time.Time) (int, error)
}

// RunOptions carry the runtime settings that apply to one sequence run.
type RunOptions struct {
	// MaxRetries is the number of extra attempts for a failed step when the
	// task enables retry_failed_actions.
	MaxRetries int
	// RecordLog controls whether the run's ExecutionLog is persisted.
	RecordLog bool
}

// RunOutcome is what a finished run hands back to the scheduler loop.
type RunOutcome struct {
	Log   ExecutionLog
	State RunState
}

// StepRecord summarizes one executed step inside a run's details.
type StepRecord struct {
	Index    int    `json:"index"`
	StepID   string `json:"step_id"`
	Action   string `json:"action_type"`
	Success  bool   `json:"success"`
	Message  string `json:"message"`
	Attempts int    `json:"attempts"`
	Duration string `json:"duration"`
}

const (
	abortTimeout   = "timeout"
	abortStopped   = "stopped"
	abortCancelled = "cancelled"
	abortPanic     = "panic"

	retryBackoff = 500 * time.Millisecond
)

// SequenceRunner executes a task's action sequence and records exactly one log per run.
type SequenceRunner struct {
	executor   *ActionExecutor
	capability Capability
	logs       LogStore
	logger     *slog.Logger
	clock      clock
}

// NewSequenceRunner wires a runner to its capability provider and log store.
func NewSequenceRunner(capability Capability, logs LogStore, logger *slog.Logger) *SequenceRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &SequenceRunner{
		executor:   NewActionExecutor(logger),
		capability: capability,
		logs:       logs,
		logger:     logger,
		clock:      realClock{},
	}
}

// Run executes task's steps in order. The returned error is non-nil only when
// the log could not be persisted; the outcome is valid either way.
func (r *SequenceRunner) Run(ctx context.Context, task *Task, opts RunOptions) (RunOutcome, error) {
	start := r.clock.Now()
	var deadline time.Time
	if mt := task.Options.MaxExecutionTime; mt != nil && *mt > 0 {
		deadline = start.Add(mt.Std())
	}

	s := &runState{total: len(task.Actions)}
	r.runSteps(ctx, task, opts, deadline, s)

	finished := r.clock.Now()
	success := s.failed == 0 && s.aborted == ""
	result := ExecutionResult{
		Success:   success,
		Message:   s.message(task, finished.Sub(start)),
		Timestamp: finished.UTC(),
		Operation: "execute_sequence",
		Target:    task.TargetApp,
		Details: map[string]any{
			"steps":          s.records,
			"steps_executed": len(s.records),
			"steps_total":    s.total,
			"steps_failed":   s.failed,
		},
	}
	if s.aborted != "" {
		result.Details["reason"] = s.aborted
		if s.aborted == abortTimeout {
			result.Details["error_class"] = ErrorClassTimeout
		}
	}

	log := ExecutionLog{
		ID:            NewID(),
		TaskID:        task.ID,
		ScheduleName:  task.Name,
		ExecutionTime: start,
		Result:        result,
		Duration:      Duration(finished.Sub(start)),
		RetryCount:    s.retries,
	}
	status, next := NextState(task, start, success)
	outcome := RunOutcome{
		Log: log,
		State: RunState{
			Status:        status,
			LastExecuted:  &start,
			NextExecution: next,
		},
	}

	r.logger.Info("sequence finished",
		"task_id", task.ID,
		"task", task.Name,
		"success", success,
		"steps", len(s.records),
		"retries", s.retries,
		"duration", finished.Sub(start),
	)

	if !opts.RecordLog || r.logs == nil {
		return outcome, nil
	}
	err := retryStorage(ctx, r.clock, func() error { return r.logs.Save(ctx, &outcome.Log) })
	if err != nil {
		return outcome, fmt.Errorf("save execution log: %w", err)
	}
	return outcome, nil
}

type runState struct {
	records  []StepRecord
	total    int
	failed   int
	retries  int
	aborted  string
	stopMsg  string
	panicMsg string
}

func (s *runState) message(task *Task, took time.Duration) string {
	switch s.aborted {
	case abortTimeout:
		return fmt.Sprintf("TimeoutError: sequence exceeded %s after %d of %d steps", task.Options.MaxExecutionTime, len(s.records), s.total)
	case abortStopped:
		return fmt.Sprintf("sequence stopped at step %d of %d: %s", len(s.records), s.total, s.stopMsg)
	case abortCancelled:
		return fmt.Sprintf("sequence cancelled after %d of %d steps", len(s.records), s.total)
	case abortPanic:
		return fmt.Sprintf("sequence aborted after %d of %d steps: %s", len(s.records), s.total, s.panicMsg)
	}
	if s.failed > 0 {
		return fmt.Sprintf("%d of %d steps failed", s.failed, s.total)
	}
	return fmt.Sprintf("executed %d steps in %s", s.total, took.Round(time.Millisecond))
}

func (r *SequenceRunner) runSteps(ctx context.Context, task *Task, opts RunOptions, deadline time.Time, s *runState) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("sequence panicked", "task_id", task.ID, "panic", rec)
			s.aborted = abortPanic
			s.panicMsg = fmt.Sprint(rec)
		}
	}()

	expired := func() bool {
		return !deadline.IsZero() && !r.clock.Now().Before(deadline)
	}

	for i, step := range task.Actions {
		if expired() {
			s.aborted = abortTimeout
			return
		}
		if ctx.Err() != nil {
			s.aborted = abortCancelled
			return
		}
		if step.DelayAfter <= 0 {
			step.DelayAfter = task.Options.DefaultDelay
		}

		stepStart := r.clock.Now()
		res := r.executor.execute(ctx, step, r.capability, deadline)
		attempts := 1
		if !res.Success && task.Options.RetryFailedActions && failureClass(res) != ErrorClassValidation {
			for retry := 0; retry < opts.MaxRetries && !res.Success; retry++ {
				if expired() || ctx.Err() != nil {
					break
				}
				if err := r.clock.Sleep(ctx, retryBackoff); err != nil {
					break
				}
				r.logger.Debug("retrying step", "task_id", task.ID, "step", i+1, "attempt", attempts+1)
				res = r.executor.execute(ctx, step, r.capability, deadline)
				attempts++
				s.retries++
			}
		}

		s.records = append(s.records, StepRecord{
			Index:    i,
			StepID:   step.ID,
			Action:   string(step.Kind()),
			Success:  res.Success,
			Message:  res.Message,
			Attempts: attempts,
			Duration: r.clock.Now().Sub(stepStart).String(),
		})
		if res.Success {
			continue
		}
		s.failed++
		if task.Options.StopOnFirstError || !step.ContinueOnError {
			s.aborted = abortStopped
			s.stopMsg = res.Message
			return
		}
	}
}

// NextState computes the status and next execution time after a run that
// started at executedAt.
func NextState(task *Task, executedAt time.Time, success bool) (TaskStatus, *time.Time) {
	sched := task.Schedule
	if sched.EndTime != nil && !executedAt.Before(*sched.EndTime) {
		return TaskStatusCompleted, nil
	}
	if sched.Type == ScheduleOnce || !sched.RepeatEnabled {
		if success {
			return TaskStatusCompleted, nil
		}
		return TaskStatusPending, nil
	}
	next := sched.NextExecution(executedAt)
	if next == nil {
		return TaskStatusCompleted, nil
	}
	return TaskStatusPending, next
}
