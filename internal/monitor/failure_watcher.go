package monitor

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/hotelbuddy-online/fastmcp-server-generator/internal/events"
	"github.com/hotelbuddy-online/fastmcp-server-generator/internal/model"
)

const alertSubject = "alert.task_failure"

// FailureAlert is raised when a task fails repeatedly in a row
type FailureAlert struct {
	TaskID              string    `json:"task_id"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
	Timestamp           time.Time `json:"timestamp"`
}

// FailureWatcher consumes lifecycle events and tracks consecutive
// failures per task. Crossing the threshold logs a warning and, when a
// JetStream context is present, publishes an alert. A completed run
// resets the task's streak; deletion clears it.
type FailureWatcher struct {
	logger    *zap.Logger
	js        nats.JetStreamContext
	threshold int

	events <-chan model.Event
	unsub  func()
	done   chan struct{}

	mu      sync.Mutex
	streaks map[string]int
}

// NewFailureWatcher subscribes to the notifier. js may be nil.
func NewFailureWatcher(notifier *events.Notifier, js nats.JetStreamContext, threshold int, logger *zap.Logger) *FailureWatcher {
	if threshold <= 0 {
		threshold = 3
	}
	ch, unsub := notifier.Subscribe(events.DefaultSubscriberBuffer)

	return &FailureWatcher{
		logger:    logger.Named("failure-watcher"),
		js:        js,
		threshold: threshold,
		events:    ch,
		unsub:     unsub,
		done:      make(chan struct{}),
		streaks:   make(map[string]int),
	}
}

// Start begins consuming events until Stop is called
func (w *FailureWatcher) Start() {
	go w.watch()
}

// Stop detaches from the notifier and waits for the loop to drain
func (w *FailureWatcher) Stop() {
	w.unsub()
	<-w.done
}

// Streak returns the current consecutive failure count for a task
func (w *FailureWatcher) Streak(taskID string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.streaks[taskID]
}

func (w *FailureWatcher) watch() {
	defer close(w.done)

	for evt := range w.events {
		switch evt.Type {
		case model.EventTaskFailed:
			w.recordFailure(evt)
		case model.EventTaskCompleted:
			w.mu.Lock()
			delete(w.streaks, evt.TaskID)
			w.mu.Unlock()
		case model.EventTaskDeleted:
			w.mu.Lock()
			delete(w.streaks, evt.TaskID)
			w.mu.Unlock()
		}
	}
}

func (w *FailureWatcher) recordFailure(evt model.Event) {
	w.mu.Lock()
	w.streaks[evt.TaskID]++
	streak := w.streaks[evt.TaskID]
	w.mu.Unlock()

	if streak < w.threshold {
		return
	}

	alert := FailureAlert{
		TaskID:              evt.TaskID,
		ConsecutiveFailures: streak,
		LastError:           evt.Error,
		Timestamp:           time.Now(),
	}

	w.logger.Warn("Task failing repeatedly",
		zap.String("task_id", alert.TaskID),
		zap.Int("consecutive_failures", alert.ConsecutiveFailures),
		zap.String("last_error", alert.LastError))

	if w.js == nil {
		return
	}

	data, err := json.Marshal(alert)
	if err != nil {
		w.logger.Error("Failed to marshal alert", zap.Error(err))
		return
	}
	if _, err := w.js.Publish(alertSubject, data); err != nil {
		w.logger.Error("Failed to publish alert", zap.Error(err))
	}
}
