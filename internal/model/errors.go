package model

import (
	"errors"
	"fmt"
)

var (
	ErrValidation   = errors.New("validation failed")
	ErrSpawn        = errors.New("process could not be started")
	ErrRuntime      = errors.New("analysis reported a failure")
	ErrExitMismatch = errors.New("process exited without a result")
	ErrTimeout      = errors.New("timed out")
	ErrNotFound     = errors.New("not found")
	ErrBusy         = errors.New("an analysis is already running")
	ErrCancelled    = errors.New("analysis cancelled")
)

// RunError carries a sentinel from the list above together with what the
// client needs to render the outcome.
type RunError struct {
	Err      error
	Detail   string
	ExitCode *int
	Tail     string
}

func (e *RunError) Error() string {
	msg := e.Err.Error()
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.ExitCode != nil {
		msg += fmt.Sprintf(" (exit code %d)", *e.ExitCode)
	}
	return msg
}

func (e *RunError) Unwrap() error {
	return e.Err
}

func NewRunError(sentinel error, format string, args ...any) *RunError {
	return &RunError{Err: sentinel, Detail: fmt.Sprintf(format, args...)}
}
