package engine

import (
	"errors"
	"fmt"
	"runtime/debug"
)

// ErrNoRoute is the cause of the fatal error raised when a router has no
// matching branch. Exception routes never catch it.
var ErrNoRoute = errors.New("router has no matching route")

// ExecutionError is a step failure annotated with the execution point at
// which it happened. It is created once, at the innermost failing step, and
// keeps that breadcrumb while it propagates through enclosing flows.
type ExecutionError struct {
	StepID string
	Path   string
	Cause  error
	fatal  bool
}

func (e *ExecutionError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("step %s: %v", e.StepID, e.Cause)
	}
	return fmt.Sprintf("step %s at %s: %v", e.StepID, e.Path, e.Cause)
}

func (e *ExecutionError) Unwrap() error {
	return e.Cause
}

// Fatal reports whether the error bypasses exception routing.
func (e *ExecutionError) Fatal() bool {
	return e.fatal
}

// PanicError is the error a recovered panic is converted to.
type PanicError struct {
	Value any
	Stack []byte
}

func newPanicError(v any) *PanicError {
	return &PanicError{Value: v, Stack: debug.Stack()}
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Unwrap exposes the panic value when it was itself an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// asExecutionError returns err as an *ExecutionError, wrapping it with the
// given breadcrumb if it is not one already.
func asExecutionError(err error, stepID, path string) *ExecutionError {
	var ee *ExecutionError
	if errors.As(err, &ee) {
		return ee
	}
	return &ExecutionError{StepID: stepID, Path: path, Cause: err}
}
