// Package scheduler implements the periodic task scheduling service: a
// registry of named tasks driven by cron expressions, each owning an
// independent background trigger, with per-task and service-wide run
// statistics and lifecycle event publication.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hotelbuddy-online/fastmcp-server-generator/internal/events"
	"github.com/hotelbuddy-online/fastmcp-server-generator/internal/model"
	"github.com/hotelbuddy-online/fastmcp-server-generator/internal/schedule"
	"github.com/hotelbuddy-online/fastmcp-server-generator/internal/storage"
)

// DefaultMaxTasks is the registry capacity when none is configured
const DefaultMaxTasks = 100

// Config defines configuration for the scheduling service
type Config struct {
	MaxTasks        int
	DefaultTimezone string
}

// task is the live registry record. The handler and trigger handle are
// owned exclusively by this record and never leave the package.
type task struct {
	id       string
	schedule string
	handler  model.Handler
	options  model.TaskOptions

	status     model.TaskStatus
	created    time.Time
	lastRun    time.Time
	nextRun    time.Time
	lastResult interface{}
	lastError  string
	stats      model.TaskStats

	trigger *trigger

	// runMu serializes executions of this task. Trigger ticks that find
	// it held skip the tick; manual runs wait for it.
	runMu sync.Mutex
}

// Service owns the task registry and executes task handlers. All fields
// of a task record are guarded by mu; handler invocations themselves run
// outside the lock.
type Service struct {
	logger   *zap.Logger
	notifier *events.Notifier
	history  storage.RunHistoryStore
	config   Config

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.RWMutex
	tasks map[string]*task
	stats model.ServiceStats
}

// NewService creates a scheduling service. history may be nil to disable
// run-history recording.
func NewService(cfg Config, notifier *events.Notifier, history storage.RunHistoryStore, logger *zap.Logger) *Service {
	if cfg.MaxTasks <= 0 {
		cfg.MaxTasks = DefaultMaxTasks
	}
	if cfg.DefaultTimezone == "" {
		cfg.DefaultTimezone = schedule.DefaultTimezone
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Service{
		logger:   logger.Named("scheduler"),
		notifier: notifier,
		history:  history,
		config:   cfg,
		ctx:      ctx,
		cancel:   cancel,
		tasks:    make(map[string]*task),
	}
}

// ScheduleTask registers a task and starts its trigger. An empty id gets
// a generated UUID. The returned view carries the computed next run.
func (s *Service) ScheduleTask(ctx context.Context, id, expression string, handler model.Handler, opts *model.TaskOptions) (*model.TaskView, error) {
	if handler == nil {
		return nil, ErrNilHandler
	}
	if id == "" {
		id = uuid.New().String()
	}

	options := model.TaskOptions{}
	if opts != nil {
		options = *opts
	}
	if options.Timezone == "" {
		options.Timezone = s.config.DefaultTimezone
	}

	s.mu.Lock()
	if _, exists := s.tasks[id]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateTaskID, id)
	}
	if len(s.tasks) >= s.config.MaxTasks {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: limit is %d", ErrTaskLimitExceeded, s.config.MaxTasks)
	}
	if !schedule.Validate(expression) {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrInvalidSchedule, expression)
	}

	loc := schedule.Location(options.Timezone)
	spec, err := schedule.Parse(expression, loc)
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrInvalidSchedule, expression)
	}

	now := time.Now()
	t := &task{
		id:       id,
		schedule: expression,
		handler:  handler,
		options:  options,
		status:   model.TaskStatusScheduled,
		created:  now,
		nextRun:  spec.Next(now.In(loc)),
	}
	t.trigger = newTrigger(id, spec, loc, func() {
		_, _ = s.execute(s.ctx, id, false)
	}, s.logger)

	s.tasks[id] = t
	s.stats.Scheduled++
	view := t.view()
	s.mu.Unlock()

	t.trigger.start()
	s.notifier.Publish(model.Event{Type: model.EventTaskScheduled, TaskID: id})

	s.logger.Info("Scheduled task",
		zap.String("task_id", id),
		zap.String("expression", expression),
		zap.String("timezone", options.Timezone),
		zap.Timep("next_run", view.NextRun))

	if options.RunOnStart {
		go func() {
			_, _ = s.execute(s.ctx, id, false)
		}()
	}

	return view, nil
}

// RunTask executes a task immediately and waits for the handler to
// finish. It runs concurrently with other tasks but never overlaps an
// in-flight run of the same task; it waits for that run instead.
func (s *Service) RunTask(ctx context.Context, id string) (interface{}, error) {
	return s.execute(ctx, id, true)
}

// CancelTask stops the task's trigger so it never fires again. The task
// record is retained; an invocation already in flight finishes normally.
func (s *Service) CancelTask(id string) error {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}

	t.trigger.stop()
	already := t.status == model.TaskStatusCancelled
	t.status = model.TaskStatusCancelled
	if !already {
		s.stats.Cancelled++
	}
	s.mu.Unlock()

	if !already {
		s.notifier.Publish(model.Event{Type: model.EventTaskCancelled, TaskID: id})
		s.logger.Info("Cancelled task", zap.String("task_id", id))
	}
	return nil
}

// DeleteTask stops the task's trigger and removes the record entirely
func (s *Service) DeleteTask(id string) error {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}

	t.trigger.stop()
	delete(s.tasks, id)
	s.mu.Unlock()

	s.notifier.Publish(model.Event{Type: model.EventTaskDeleted, TaskID: id})
	s.logger.Info("Deleted task", zap.String("task_id", id))
	return nil
}

// GetTaskInfo returns a read-only projection of a task
func (s *Service) GetTaskInfo(id string) (*model.TaskView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return t.view(), nil
}

// ListTasks returns projections of all registered tasks, ordered by
// creation time then id.
func (s *Service) ListTasks() []*model.TaskView {
	s.mu.RLock()
	views := make([]*model.TaskView, 0, len(s.tasks))
	for _, t := range s.tasks {
		views = append(views, t.view())
	}
	s.mu.RUnlock()

	sort.Slice(views, func(i, j int) bool {
		if !views[i].CreatedAt.Equal(views[j].CreatedAt) {
			return views[i].CreatedAt.Before(views[j].CreatedAt)
		}
		return views[i].ID < views[j].ID
	})
	return views
}

// GetStats returns the service-wide counters
func (s *Service) GetStats() model.ServiceStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := s.stats
	stats.TaskCount = len(s.tasks)
	stats.MaxTasks = s.config.MaxTasks
	return stats
}

// Stop stops every live trigger and waits, bounded by ctx, for trigger
// loops (and therefore any triggered runs in flight) to finish.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	triggers := make([]*trigger, 0, len(s.tasks))
	for _, t := range s.tasks {
		t.trigger.stop()
		triggers = append(triggers, t.trigger)
	}
	s.mu.Unlock()

	s.cancel()

	done := make(chan struct{})
	go func() {
		for _, tr := range triggers {
			tr.await()
		}
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("Scheduler stopped", zap.Int("triggers", len(triggers)))
		return nil
	case <-ctx.Done():
		s.logger.Warn("Scheduler stop timed out with runs in flight")
		return ctx.Err()
	}
}

// execute runs one invocation of a task's handler and performs the state
// transitions around it. manual selects the overlap policy: a manual run
// waits for an in-flight run of the same task, a trigger tick skips.
func (s *Service) execute(ctx context.Context, id string, manual bool) (interface{}, error) {
	s.mu.RLock()
	t, ok := s.tasks[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}

	if manual {
		t.runMu.Lock()
	} else if !t.runMu.TryLock() {
		s.logger.Debug("Run already in flight, skipping tick",
			zap.String("task_id", id))
		return nil, nil
	}
	defer t.runMu.Unlock()

	// Re-check under the run lock: the task may have been cancelled or
	// deleted while this invocation waited its turn.
	s.mu.Lock()
	if cur, ok := s.tasks[id]; !ok || cur != t {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if t.status == model.TaskStatusCancelled {
		s.mu.Unlock()
		if manual {
			return nil, fmt.Errorf("%w: %s", ErrTaskCancelled, id)
		}
		return nil, nil
	}

	started := time.Now()
	t.status = model.TaskStatusRunning
	t.lastRun = started
	s.stats.Running++
	s.mu.Unlock()

	s.notifier.Publish(model.Event{Type: model.EventTaskRunning, TaskID: id})

	record := s.recordStart(ctx, id, started)

	result, err := invokeHandler(ctx, t.handler)
	finished := time.Now()

	s.mu.Lock()
	s.stats.Running--

	// The record may have been deleted while the handler ran; state then
	// has nowhere to land, but the service counters still move.
	_, live := s.tasks[id]
	cancelled := t.status == model.TaskStatusCancelled

	if err != nil {
		t.stats.Errors++
		t.lastError = err.Error()
		s.stats.Failed++
		if live && !cancelled {
			t.status = model.TaskStatusFailed
		}
	} else {
		t.stats.Runs++
		t.lastResult = result
		t.lastError = ""
		s.stats.Completed++
		if live && !cancelled {
			t.status = model.TaskStatusCompleted
		}
	}
	// nextRun stays frozen once the task is cancelled or deleted
	if live && !cancelled {
		t.nextRun = schedule.NextRun(t.schedule, t.options.Timezone, finished)
	}
	s.mu.Unlock()

	s.recordFinish(ctx, record, result, err, finished)

	if err != nil {
		s.logger.Warn("Task run failed",
			zap.String("task_id", id),
			zap.Duration("duration", finished.Sub(started)),
			zap.Error(err))
		s.notifier.Publish(model.Event{
			Type:   model.EventTaskFailed,
			TaskID: id,
			Error:  err.Error(),
		})
		return nil, &HandlerExecutionError{TaskID: id, Err: err}
	}

	s.logger.Info("Task run completed",
		zap.String("task_id", id),
		zap.Duration("duration", finished.Sub(started)))
	s.notifier.Publish(model.Event{
		Type:   model.EventTaskCompleted,
		TaskID: id,
		Result: result,
	})
	return result, nil
}

// invokeHandler runs the handler with panic isolation so a misbehaving
// handler can never take down a trigger or the service.
func invokeHandler(ctx context.Context, h model.Handler) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx)
}

// recordStart writes the running history record, if history is enabled
func (s *Service) recordStart(ctx context.Context, taskID string, started time.Time) *storage.RunRecord {
	if s.history == nil {
		return nil
	}

	record := &storage.RunRecord{
		ID:        uuid.New().String(),
		TaskID:    taskID,
		Status:    model.TaskStatusRunning,
		StartedAt: started,
	}
	if err := s.history.Store(ctx, record); err != nil {
		s.logger.Error("Failed to store run record",
			zap.String("task_id", taskID),
			zap.Error(err))
	}
	return record
}

// recordFinish completes the history record with the run outcome
func (s *Service) recordFinish(ctx context.Context, record *storage.RunRecord, result interface{}, runErr error, finished time.Time) {
	if s.history == nil || record == nil {
		return
	}

	record.CompletedAt = &finished
	record.Duration = finished.Sub(record.StartedAt)
	if runErr != nil {
		record.Status = model.TaskStatusFailed
		record.Error = runErr.Error()
	} else {
		record.Status = model.TaskStatusCompleted
		record.Result = marshalResult(result)
	}

	if err := s.history.Update(ctx, record); err != nil {
		s.logger.Error("Failed to update run record",
			zap.String("task_id", record.TaskID),
			zap.Error(err))
	}
}

func marshalResult(result interface{}) json.RawMessage {
	if result == nil {
		return nil
	}
	data, err := json.Marshal(result)
	if err != nil {
		data, _ = json.Marshal(fmt.Sprintf("%v", result))
	}
	return data
}

// view builds the read-only projection. Callers must hold mu.
func (t *task) view() *model.TaskView {
	v := &model.TaskView{
		ID:         t.id,
		Schedule:   t.schedule,
		Status:     t.status,
		Options:    t.options,
		CreatedAt:  t.created,
		LastResult: t.lastResult,
		LastError:  t.lastError,
		Stats:      t.stats,
	}
	if !t.lastRun.IsZero() {
		lastRun := t.lastRun
		v.LastRun = &lastRun
	}
	if !t.nextRun.IsZero() {
		nextRun := t.nextRun
		v.NextRun = &nextRun
	}
	return v
}
