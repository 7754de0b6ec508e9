package model

import (
	"context"
	"time"
)

// TaskStatus represents the current lifecycle status of a task
type TaskStatus string

const (
	TaskStatusScheduled TaskStatus = "scheduled"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Handler is the unit of work executed once per task invocation. It may
// block, and it may fail; the execution engine waits for it to return
// before any further state transition for that task.
type Handler func(ctx context.Context) (interface{}, error)

// TaskOptions carries per-task registration options. Extra holds
// caller-supplied fields that are echoed back on queries but never
// interpreted by the scheduler.
type TaskOptions struct {
	Timezone   string                 `json:"timezone,omitempty"`
	RunOnStart bool                   `json:"run_on_start,omitempty"`
	Extra      map[string]interface{} `json:"extra,omitempty"`
}

// TaskStats holds monotonically increasing per-task run counters
type TaskStats struct {
	Runs   uint64 `json:"runs"`
	Errors uint64 `json:"errors"`
}

// TaskView is a read-only projection of a registered task. It excludes
// the live handler and the trigger handle.
type TaskView struct {
	ID         string      `json:"id"`
	Schedule   string      `json:"schedule"`
	Status     TaskStatus  `json:"status"`
	Options    TaskOptions `json:"options"`
	CreatedAt  time.Time   `json:"created_at"`
	LastRun    *time.Time  `json:"last_run,omitempty"`
	NextRun    *time.Time  `json:"next_run,omitempty"`
	LastResult interface{} `json:"last_result,omitempty"`
	LastError  string      `json:"last_error,omitempty"`
	Stats      TaskStats   `json:"stats"`
}

// ServiceStats holds the service-wide counters plus registry capacity
type ServiceStats struct {
	Scheduled uint64 `json:"scheduled"`
	Running   uint64 `json:"running"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	Cancelled uint64 `json:"cancelled"`
	TaskCount int    `json:"task_count"`
	MaxTasks  int    `json:"max_tasks"`
}
