package scheduler

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// tickInterval is the trigger clock resolution. Sub-second so schedules
// with a seconds field fire on every matching second.
const tickInterval = 500 * time.Millisecond

// trigger is the per-task timer loop. Each registered task owns exactly
// one trigger; triggers for different tasks are fully independent. A
// trigger is either active (ticking) or stopped (inert) and never
// restarts once stopped.
type trigger struct {
	taskID string
	spec   cron.Schedule
	loc    *time.Location
	fire   func()
	logger *zap.Logger

	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func newTrigger(taskID string, spec cron.Schedule, loc *time.Location, fire func(), logger *zap.Logger) *trigger {
	return &trigger{
		taskID: taskID,
		spec:   spec,
		loc:    loc,
		fire:   fire,
		logger: logger.Named("trigger"),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// start launches the trigger loop
func (t *trigger) start() {
	go t.loop()
}

func (t *trigger) loop() {
	defer close(t.done)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	next := t.spec.Next(time.Now().In(t.loc))
	t.logger.Debug("Trigger started",
		zap.String("task_id", t.taskID),
		zap.Time("next_run", next))

	for {
		select {
		case <-t.stopCh:
			t.logger.Debug("Trigger stopped", zap.String("task_id", t.taskID))
			return
		case now := <-ticker.C:
			if now.In(t.loc).Before(next) {
				continue
			}
			// fire runs the handler synchronously, so a slow handler
			// delays only this task's subsequent ticks.
			t.fire()
			next = t.spec.Next(time.Now().In(t.loc))
		}
	}
}

// stop transitions the trigger to the stopped state. It only signals;
// an invocation already in flight is allowed to finish. Safe to call
// more than once and safe to call while holding registry locks.
func (t *trigger) stop() {
	t.stopOnce.Do(func() {
		close(t.stopCh)
	})
}

// await blocks until the trigger loop has exited. Must not be called
// while holding locks the fire callback acquires.
func (t *trigger) await() {
	<-t.done
}
