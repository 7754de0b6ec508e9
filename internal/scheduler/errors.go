package scheduler

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateTaskID is returned when a task id is already registered
	ErrDuplicateTaskID = errors.New("duplicate task id")

	// ErrTaskLimitExceeded is returned when the registry is at capacity
	ErrTaskLimitExceeded = errors.New("task limit exceeded")

	// ErrInvalidSchedule is returned for a malformed cron expression
	ErrInvalidSchedule = errors.New("invalid schedule expression")

	// ErrTaskNotFound is returned when a task is not in the registry
	ErrTaskNotFound = errors.New("task not found")

	// ErrTaskCancelled is returned when running a cancelled task manually
	ErrTaskCancelled = errors.New("task cancelled")

	// ErrNilHandler is returned when a task is registered without a handler
	ErrNilHandler = errors.New("nil task handler")
)

// HandlerExecutionError wraps the error raised by a task handler
type HandlerExecutionError struct {
	TaskID string
	Err    error
}

func (e *HandlerExecutionError) Error() string {
	return fmt.Sprintf("task %s: handler execution failed: %v", e.TaskID, e.Err)
}

func (e *HandlerExecutionError) Unwrap() error {
	return e.Err
}
