package core

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// ActionExecutor validates one step, calls the capability and paces the sequence.
type ActionExecutor struct {
	logger *slog.Logger
	clock  clock
}

// NewActionExecutor creates an executor.
func NewActionExecutor(logger *slog.Logger) *ActionExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &ActionExecutor{logger: logger, clock: realClock{}}
}

// Execute runs step against capability. Invalid parameters never reach the
// capability. On success it sleeps delay_after before returning.
func (e *ActionExecutor) Execute(ctx context.Context, step ActionStep, capability Capability) ExecutionResult {
	return e.execute(ctx, step, capability, time.Time{})
}

// execute is Execute with the post-step delay cut short at deadline when set.
func (e *ActionExecutor) execute(ctx context.Context, step ActionStep, capability Capability, deadline time.Time) ExecutionResult {
	operation := string(step.Kind())
	target := step.Target()
	if err := step.Validate(); err != nil {
		res := FailureResult(operation, target, err.Error(), map[string]any{"error_class": ErrorClassValidation})
		return e.finish(res, step)
	}

	res := e.call(ctx, step.Action, capability)
	if res.Operation == "" {
		res.Operation = operation
	}
	if res.Target == "" {
		res.Target = target
	}
	if !res.Success {
		if res.Details == nil {
			res.Details = map[string]any{}
		}
		if _, ok := res.Details["error_class"]; !ok {
			res.Details["error_class"] = ErrorClassCapability
		}
		e.logger.Debug("action failed", "step_id", step.ID, "action", operation, "message", res.Message)
		return e.finish(res, step)
	}

	delay := step.DelayAfter.Std()
	if !deadline.IsZero() {
		if remaining := deadline.Sub(e.clock.Now()); remaining < delay {
			delay = max(remaining, 0)
		}
	}
	if delay > 0 {
		if err := e.clock.Sleep(ctx, delay); err != nil {
			e.logger.Debug("post-step delay interrupted", "step_id", step.ID, "err", err)
		}
	}
	return e.finish(res, step)
}

func (e *ActionExecutor) call(ctx context.Context, action Action, capability Capability) (res ExecutionResult) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("capability panicked", "action", action.Kind(), "panic", r)
			res = FailureResult(string(action.Kind()), action.Target(),
				fmt.Sprintf("CapabilityError: %v", r), map[string]any{"error_class": ErrorClassCapability, "panic": true})
		}
	}()
	if capability == nil {
		return FailureResult(string(action.Kind()), action.Target(), "CapabilityError: no capability provider configured",
			map[string]any{"error_class": ErrorClassCapability})
	}
	return dispatch(ctx, capability, action)
}

func (e *ActionExecutor) finish(res ExecutionResult, step ActionStep) ExecutionResult {
	if res.Timestamp.IsZero() {
		res.Timestamp = e.clock.Now().UTC()
	}
	if step.Description != "" {
		if res.Details == nil {
			res.Details = map[string]any{}
		}
		res.Details["description"] = step.Description
	}
	return res
}

func failureClass(res ExecutionResult) string {
	if res.Details == nil {
		return ""
	}
	class, _ := res.Details["error_class"].(string)
	return class
}
