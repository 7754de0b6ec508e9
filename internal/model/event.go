package model

import "time"

// EventType identifies a task lifecycle transition
type EventType string

const (
	EventTaskScheduled EventType = "task:scheduled"
	EventTaskRunning   EventType = "task:running"
	EventTaskCompleted EventType = "task:completed"
	EventTaskFailed    EventType = "task:failed"
	EventTaskCancelled EventType = "task:cancelled"
	EventTaskDeleted   EventType = "task:deleted"
)

// Event is a lifecycle notification published once per transition.
// Result is set on task:completed, Error on task:failed.
type Event struct {
	Type      EventType   `json:"type"`
	TaskID    string      `json:"task_id"`
	Result    interface{} `json:"result,omitempty"`
	Error     string      `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}
