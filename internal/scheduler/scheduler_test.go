package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hotelbuddy-online/fastmcp-server-generator/internal/events"
	"github.com/hotelbuddy-online/fastmcp-server-generator/internal/model"
	"github.com/hotelbuddy-online/fastmcp-server-generator/internal/storage"
)

func newTestService(maxTasks int) (*Service, *events.Notifier) {
	logger := zap.NewNop()
	notifier := events.NewNotifier(logger)
	return NewService(Config{MaxTasks: maxTasks}, notifier, nil, logger), notifier
}

func okHandler(ctx context.Context) (interface{}, error) {
	return "ok", nil
}

func failHandler(ctx context.Context) (interface{}, error) {
	return nil, errors.New("boom")
}

// waitForEvent reads events until one of the wanted type arrives
func waitForEvent(t *testing.T, ch <-chan model.Event, want model.EventType, timeout time.Duration) model.Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case evt := <-ch:
			if evt.Type == want {
				return evt
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", want)
		}
	}
}

func TestScheduleTask(t *testing.T) {
	svc, notifier := newTestService(10)
	defer svc.Stop(context.Background())

	eventCh, unsub := notifier.Subscribe(16)
	defer unsub()

	before := time.Now()
	view, err := svc.ScheduleTask(context.Background(), "t1", "* * * * *", okHandler, nil)
	require.NoError(t, err)
	assert.Equal(t, "t1", view.ID)
	assert.Equal(t, model.TaskStatusScheduled, view.Status)
	require.NotNil(t, view.NextRun)
	assert.True(t, view.NextRun.After(before))
	assert.Equal(t, "UTC", view.Options.Timezone)

	evt := waitForEvent(t, eventCh, model.EventTaskScheduled, time.Second)
	assert.Equal(t, "t1", evt.TaskID)

	info, err := svc.GetTaskInfo("t1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusScheduled, info.Status)
	assert.Nil(t, info.LastRun)
}

func TestScheduleTaskDuplicateID(t *testing.T) {
	svc, _ := newTestService(10)
	defer svc.Stop(context.Background())

	_, err := svc.ScheduleTask(context.Background(), "t1", "0 9 * * *", okHandler, nil)
	require.NoError(t, err)

	_, err = svc.ScheduleTask(context.Background(), "t1", "0 18 * * *", okHandler, nil)
	require.ErrorIs(t, err, ErrDuplicateTaskID)

	// Registry retains the first task's configuration
	info, err := svc.GetTaskInfo("t1")
	require.NoError(t, err)
	assert.Equal(t, "0 9 * * *", info.Schedule)
	assert.Equal(t, 1, svc.GetStats().TaskCount)
}

func TestScheduleTaskLimit(t *testing.T) {
	svc, _ := newTestService(2)
	defer svc.Stop(context.Background())

	for i := 0; i < 2; i++ {
		_, err := svc.ScheduleTask(context.Background(), fmt.Sprintf("t%d", i), "* * * * *", okHandler, nil)
		require.NoError(t, err)
	}

	_, err := svc.ScheduleTask(context.Background(), "overflow", "* * * * *", okHandler, nil)
	require.ErrorIs(t, err, ErrTaskLimitExceeded)
	assert.Equal(t, 2, svc.GetStats().TaskCount)
}

func TestScheduleTaskInvalidExpression(t *testing.T) {
	svc, _ := newTestService(10)
	defer svc.Stop(context.Background())

	for _, expr := range []string{"", "nope", "61 * * * *", "* * *"} {
		_, err := svc.ScheduleTask(context.Background(), "bad", expr, okHandler, nil)
		require.ErrorIs(t, err, ErrInvalidSchedule, "expression %q", expr)
	}

	_, err := svc.GetTaskInfo("bad")
	require.ErrorIs(t, err, ErrTaskNotFound)
	assert.Equal(t, 0, svc.GetStats().TaskCount)
}

func TestScheduleTaskNilHandler(t *testing.T) {
	svc, _ := newTestService(10)
	defer svc.Stop(context.Background())

	_, err := svc.ScheduleTask(context.Background(), "t1", "* * * * *", nil, nil)
	require.ErrorIs(t, err, ErrNilHandler)
}

func TestScheduleTaskGeneratesID(t *testing.T) {
	svc, _ := newTestService(10)
	defer svc.Stop(context.Background())

	view, err := svc.ScheduleTask(context.Background(), "", "* * * * *", okHandler, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, view.ID)

	_, err = svc.GetTaskInfo(view.ID)
	require.NoError(t, err)
}

func TestRunTaskSuccess(t *testing.T) {
	svc, notifier := newTestService(10)
	defer svc.Stop(context.Background())

	eventCh, unsub := notifier.Subscribe(16)
	defer unsub()

	_, err := svc.ScheduleTask(context.Background(), "t1", "0 9 * * *", okHandler, nil)
	require.NoError(t, err)

	result, err := svc.RunTask(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "ok", result)

	waitForEvent(t, eventCh, model.EventTaskRunning, time.Second)
	evt := waitForEvent(t, eventCh, model.EventTaskCompleted, time.Second)
	assert.Equal(t, "ok", evt.Result)

	info, err := svc.GetTaskInfo("t1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusCompleted, info.Status)
	assert.Equal(t, uint64(1), info.Stats.Runs)
	assert.Equal(t, uint64(0), info.Stats.Errors)
	assert.Equal(t, "ok", info.LastResult)
	require.NotNil(t, info.LastRun)
	require.NotNil(t, info.NextRun)
	assert.True(t, info.NextRun.After(*info.LastRun))

	stats := svc.GetStats()
	assert.Equal(t, uint64(1), stats.Completed)
	assert.Equal(t, uint64(0), stats.Running)
	assert.Equal(t, uint64(0), stats.Failed)
}

func TestRunTaskFailure(t *testing.T) {
	svc, notifier := newTestService(10)
	defer svc.Stop(context.Background())

	eventCh, unsub := notifier.Subscribe(16)
	defer unsub()

	_, err := svc.ScheduleTask(context.Background(), "t2", "0 9 * * *", failHandler, nil)
	require.NoError(t, err)

	_, err = svc.RunTask(context.Background(), "t2")
	require.Error(t, err)

	var handlerErr *HandlerExecutionError
	require.ErrorAs(t, err, &handlerErr)
	assert.Equal(t, "t2", handlerErr.TaskID)

	evt := waitForEvent(t, eventCh, model.EventTaskFailed, time.Second)
	assert.Equal(t, "boom", evt.Error)

	info, err := svc.GetTaskInfo("t2")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusFailed, info.Status)
	assert.Equal(t, uint64(0), info.Stats.Runs)
	assert.Equal(t, uint64(1), info.Stats.Errors)
	assert.Equal(t, "boom", info.LastError)

	stats := svc.GetStats()
	assert.Equal(t, uint64(1), stats.Failed)
	assert.Equal(t, uint64(0), stats.Running)
}

func TestRunTaskFailureIsIsolated(t *testing.T) {
	svc, _ := newTestService(10)
	defer svc.Stop(context.Background())

	_, err := svc.ScheduleTask(context.Background(), "flaky", "0 9 * * *", failHandler, nil)
	require.NoError(t, err)
	_, err = svc.ScheduleTask(context.Background(), "steady", "0 9 * * *", okHandler, nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, _ = svc.RunTask(context.Background(), "flaky")
	}
	_, err = svc.RunTask(context.Background(), "steady")
	require.NoError(t, err)

	steady, err := svc.GetTaskInfo("steady")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusCompleted, steady.Status)
	assert.Equal(t, uint64(0), steady.Stats.Errors)

	flaky, err := svc.GetTaskInfo("flaky")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), flaky.Stats.Errors)
}

func TestRunTaskNotFound(t *testing.T) {
	svc, _ := newTestService(10)
	defer svc.Stop(context.Background())

	_, err := svc.RunTask(context.Background(), "missing")
	require.ErrorIs(t, err, ErrTaskNotFound)
}

func TestRunTaskPanicIsolated(t *testing.T) {
	svc, _ := newTestService(10)
	defer svc.Stop(context.Background())

	panicky := func(ctx context.Context) (interface{}, error) {
		panic("kaboom")
	}
	_, err := svc.ScheduleTask(context.Background(), "t1", "0 9 * * *", panicky, nil)
	require.NoError(t, err)

	_, err = svc.RunTask(context.Background(), "t1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")

	info, err := svc.GetTaskInfo("t1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusFailed, info.Status)
}

func TestCancelTask(t *testing.T) {
	svc, notifier := newTestService(10)
	defer svc.Stop(context.Background())

	var fired atomic.Int64
	counting := func(ctx context.Context) (interface{}, error) {
		fired.Add(1)
		return nil, nil
	}

	_, err := svc.ScheduleTask(context.Background(), "t1", "* * * * * *", counting, nil)
	require.NoError(t, err)

	eventCh, unsub := notifier.Subscribe(16)
	defer unsub()

	require.NoError(t, svc.CancelTask("t1"))
	waitForEvent(t, eventCh, model.EventTaskCancelled, time.Second)

	// The every-second schedule would have fired by now if the trigger
	// were still live.
	time.Sleep(2200 * time.Millisecond)
	assert.Equal(t, int64(0), fired.Load())

	info, err := svc.GetTaskInfo("t1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusCancelled, info.Status)

	// Manual runs of a cancelled task are refused
	_, err = svc.RunTask(context.Background(), "t1")
	require.ErrorIs(t, err, ErrTaskCancelled)

	// Cancelling again is harmless and counted once
	require.NoError(t, svc.CancelTask("t1"))
	assert.Equal(t, uint64(1), svc.GetStats().Cancelled)
}

func TestCancelTaskNotFound(t *testing.T) {
	svc, _ := newTestService(10)
	defer svc.Stop(context.Background())

	require.ErrorIs(t, svc.CancelTask("missing"), ErrTaskNotFound)
}

func TestDeleteTask(t *testing.T) {
	svc, notifier := newTestService(10)
	defer svc.Stop(context.Background())

	_, err := svc.ScheduleTask(context.Background(), "t1", "* * * * *", okHandler, nil)
	require.NoError(t, err)

	eventCh, unsub := notifier.Subscribe(16)
	defer unsub()

	require.NoError(t, svc.DeleteTask("t1"))
	waitForEvent(t, eventCh, model.EventTaskDeleted, time.Second)

	_, err = svc.GetTaskInfo("t1")
	require.ErrorIs(t, err, ErrTaskNotFound)
	_, err = svc.RunTask(context.Background(), "t1")
	require.ErrorIs(t, err, ErrTaskNotFound)
	require.ErrorIs(t, svc.DeleteTask("t1"), ErrTaskNotFound)
	assert.Equal(t, 0, svc.GetStats().TaskCount)
}

func TestListTasks(t *testing.T) {
	svc, _ := newTestService(10)
	defer svc.Stop(context.Background())

	ids := []string{"alpha", "beta", "gamma"}
	for _, id := range ids {
		_, err := svc.ScheduleTask(context.Background(), id, "* * * * *", okHandler, nil)
		require.NoError(t, err)
	}

	views := svc.ListTasks()
	require.Len(t, views, 3)

	got := make(map[string]bool, 3)
	for _, v := range views {
		got[v.ID] = true
	}
	for _, id := range ids {
		assert.True(t, got[id], "missing task %s", id)
	}
}

func TestListTasksEmpty(t *testing.T) {
	svc, _ := newTestService(10)
	defer svc.Stop(context.Background())

	assert.Empty(t, svc.ListTasks())
}

func TestGetStats(t *testing.T) {
	svc, _ := newTestService(7)
	defer svc.Stop(context.Background())

	_, err := svc.ScheduleTask(context.Background(), "t1", "0 9 * * *", okHandler, nil)
	require.NoError(t, err)
	_, err = svc.RunTask(context.Background(), "t1")
	require.NoError(t, err)

	stats := svc.GetStats()
	assert.Equal(t, uint64(1), stats.Scheduled)
	assert.Equal(t, uint64(1), stats.Completed)
	assert.Equal(t, 1, stats.TaskCount)
	assert.Equal(t, 7, stats.MaxTasks)
}

func TestRunOnStart(t *testing.T) {
	svc, _ := newTestService(10)
	defer svc.Stop(context.Background())

	done := make(chan struct{})
	var once sync.Once
	h := func(ctx context.Context) (interface{}, error) {
		once.Do(func() { close(done) })
		return "started", nil
	}

	_, err := svc.ScheduleTask(context.Background(), "t1", "0 9 * * *", h, &model.TaskOptions{RunOnStart: true})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("runOnStart handler was not invoked")
	}

	require.Eventually(t, func() bool {
		info, err := svc.GetTaskInfo("t1")
		return err == nil && info.Stats.Runs == 1
	}, 2*time.Second, 20*time.Millisecond)
}

func TestOverlappingTriggerTickSkipped(t *testing.T) {
	svc, _ := newTestService(10)
	defer svc.Stop(context.Background())

	release := make(chan struct{})
	started := make(chan struct{})
	var runs atomic.Int64
	slow := func(ctx context.Context) (interface{}, error) {
		runs.Add(1)
		close(started)
		<-release
		return nil, nil
	}

	_, err := svc.ScheduleTask(context.Background(), "t1", "0 9 * * *", slow, nil)
	require.NoError(t, err)

	go func() {
		_, _ = svc.RunTask(context.Background(), "t1")
	}()
	<-started

	// A trigger tick arriving while the run is in flight is skipped
	result, err := svc.execute(context.Background(), "t1", false)
	require.NoError(t, err)
	assert.Nil(t, result)

	close(release)
	require.Eventually(t, func() bool {
		info, err := svc.GetTaskInfo("t1")
		return err == nil && info.Status == model.TaskStatusCompleted
	}, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, int64(1), runs.Load())
}

func TestManualRunWaitsForInFlightRun(t *testing.T) {
	svc, _ := newTestService(10)
	defer svc.Stop(context.Background())

	var concurrent atomic.Int64
	var peak atomic.Int64
	h := func(ctx context.Context) (interface{}, error) {
		cur := concurrent.Add(1)
		if cur > peak.Load() {
			peak.Store(cur)
		}
		time.Sleep(100 * time.Millisecond)
		concurrent.Add(-1)
		return nil, nil
	}

	_, err := svc.ScheduleTask(context.Background(), "t1", "0 9 * * *", h, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = svc.RunTask(context.Background(), "t1")
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), peak.Load(), "runs of the same task must never overlap")

	info, err := svc.GetTaskInfo("t1")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), info.Stats.Runs)
}

// memoryHistory is an in-memory RunHistoryStore for engine tests
type memoryHistory struct {
	mu      sync.Mutex
	records map[string]*storage.RunRecord
}

func newMemoryHistory() *memoryHistory {
	return &memoryHistory{records: make(map[string]*storage.RunRecord)}
}

func (m *memoryHistory) Store(_ context.Context, r *storage.RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.records[r.ID] = &cp
	return nil
}

func (m *memoryHistory) Update(_ context.Context, r *storage.RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.records[r.ID] = &cp
	return nil
}

func (m *memoryHistory) Get(_ context.Context, id string) (*storage.RunRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records[id], nil
}

func (m *memoryHistory) List(_ context.Context, taskID string, _, _ int) ([]*storage.RunRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*storage.RunRecord
	for _, r := range m.records {
		if taskID == "" || r.TaskID == taskID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memoryHistory) Count(_ context.Context, taskID string) (int, error) {
	records, _ := m.List(context.Background(), taskID, 0, 0)
	return len(records), nil
}

func (m *memoryHistory) DeleteBefore(_ context.Context, before time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, r := range m.records {
		if r.StartedAt.Before(before) {
			delete(m.records, id)
		}
	}
	return nil
}

func (m *memoryHistory) Close() error { return nil }

func TestRunRecordsHistory(t *testing.T) {
	logger := zap.NewNop()
	notifier := events.NewNotifier(logger)
	history := newMemoryHistory()
	svc := NewService(Config{MaxTasks: 10}, notifier, history, logger)
	defer svc.Stop(context.Background())

	_, err := svc.ScheduleTask(context.Background(), "t1", "0 9 * * *", okHandler, nil)
	require.NoError(t, err)
	_, err = svc.RunTask(context.Background(), "t1")
	require.NoError(t, err)

	_, err = svc.ScheduleTask(context.Background(), "t2", "0 9 * * *", failHandler, nil)
	require.NoError(t, err)
	_, _ = svc.RunTask(context.Background(), "t2")

	records, err := history.List(context.Background(), "t1", 0, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, model.TaskStatusCompleted, records[0].Status)
	assert.NotNil(t, records[0].CompletedAt)
	assert.JSONEq(t, `"ok"`, string(records[0].Result))

	records, err = history.List(context.Background(), "t2", 0, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, model.TaskStatusFailed, records[0].Status)
	assert.Equal(t, "boom", records[0].Error)
}

func TestStopWaitsForTriggers(t *testing.T) {
	svc, _ := newTestService(10)

	for i := 0; i < 3; i++ {
		_, err := svc.ScheduleTask(context.Background(), fmt.Sprintf("t%d", i), "* * * * *", okHandler, nil)
		require.NoError(t, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, svc.Stop(ctx))
}
