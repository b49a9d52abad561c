package core

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrValidation     = errors.New("validation error")
	ErrCapability     = errors.New("capability error")
	ErrTimeout        = errors.New("execution timed out")
	ErrStorage        = errors.New("storage error")
	ErrAlreadyRunning = errors.New("task is already running")
	ErrQueueFull      = errors.New("scheduler queue is full")
)

// Error classes recorded in result details under "error_class".
const (
	ErrorClassValidation = "ValidationError"
	ErrorClassCapability = "CapabilityError"
	ErrorClassTimeout    = "TimeoutError"
)

// ValidationError reports a malformed task, step or schedule field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "ValidationError: " + e.Reason
	}
	return fmt.Sprintf("ValidationError: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// prefixField nests a validation error under a parent field name.
func prefixField(prefix string, err error) error {
	var ve *ValidationError
	if errors.As(err, &ve) {
		field := prefix
		if ve.Field != "" {
			field = prefix + "." + ve.Field
		}
		return &ValidationError{Field: field, Reason: ve.Reason}
	}
	return err
}
