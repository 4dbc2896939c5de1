package api

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownTask       = errors.New("unknown task")
	ErrDuplicateTaskName = errors.New("duplicate task name")
	ErrRegistryFrozen    = errors.New("registry is frozen")

	ErrTaskTimeout   = errors.New("task exceeded its time limit")
	ErrTaskCancelled = errors.New("task cancelled")

	ErrBrokerUnavailable      = errors.New("broker unavailable")
	ErrResultStoreUnavailable = errors.New("result store unavailable")

	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	ErrStatusNotFound    = errors.New("task status not found")
	ErrKeyNotFound       = errors.New("key not found")
	ErrWorkflowNotFound  = errors.New("workflow not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrLeaseLost         = errors.New("message lease lost")
	ErrEmptyWorkflow     = errors.New("workflow has no members")
)

// RetryableError marks a handler failure that the worker may retry
// according to the task's RetryPolicy.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	if e.Err == nil {
		return "retryable task error"
	}
	return e.Err.Error()
}

func (e *RetryableError) Unwrap() error { return e.Err }

// Retryable wraps err so that the worker retries the invocation.
// Retryable(nil) returns nil.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// Retryablef is shorthand for Retryable(fmt.Errorf(format, args...)).
func Retryablef(format string, args ...any) error {
	return &RetryableError{Err: fmt.Errorf(format, args...)}
}

// IsRetryable reports whether err, or any error it wraps, is a
// RetryableError. Timeouts are never retryable.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, ErrTaskTimeout) {
		return false
	}
	var re *RetryableError
	return errors.As(err, &re)
}
