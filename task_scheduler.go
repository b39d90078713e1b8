package conclave

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// pollInterval is the Scheduler's poll frequency (spec §4.I poller).
const pollInterval = 1 * time.Second

// TaskClient is the HTTP-backed collaborator the Scheduler polls (spec
// §4.I "tasks live behind a Task Client over HTTP, so the scheduler is
// stateless and can be restarted"). InProcessTaskClient (task_client.go)
// provides a Store-backed reference implementation for tests/demos.
type TaskClient interface {
	Create(ctx context.Context, t ScheduledTask) (string, error)
	Get(ctx context.Context, id string) (ScheduledTask, error)
	ListDue(ctx context.Context, before time.Time) ([]ScheduledTask, error)
	Update(ctx context.Context, t ScheduledTask) error
	Delete(ctx context.Context, id string) error
}

// Callback is a registered task action, looked up by CallbackRef at
// dispatch time (spec §4.I "the scheduler re-imports it at dispatch
// time" — here, a lookup in an in-process registry instead of a dynamic
// module import, since Go has no runtime import-by-name).
type Callback func(ctx context.Context, args, kwargs []byte) error

// CallbackRegistry resolves a CallbackRef to a registered Callback.
type CallbackRegistry struct {
	mu        sync.RWMutex
	callbacks map[string]Callback
}

// NewCallbackRegistry creates an empty registry.
func NewCallbackRegistry() *CallbackRegistry {
	return &CallbackRegistry{callbacks: make(map[string]Callback)}
}

func callbackKey(ref CallbackRef) string { return ref.Module + "." + ref.Name }

// Register associates a {module, name} pair with a callback.
func (r *CallbackRegistry) Register(module, name string, cb Callback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks[module+"."+name] = cb
}

func (r *CallbackRegistry) resolve(ref CallbackRef) (Callback, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cb, ok := r.callbacks[callbackKey(ref)]
	return cb, ok
}

// Scheduler polls a TaskClient for due tasks every second, dispatches them
// through a CallbackRegistry, and advances or completes each task
// depending on its TaskType — with per-task failure isolation (spec
// §4.I). Grounded on scheduler.go's ticker-driven poll loop (run/
// checkAndRun), generalized from a Store-poll to a TaskClient-poll and
// from action-specific tool execution to registry-dispatched callbacks.
type Scheduler struct {
	client     TaskClient
	registry   *CallbackRegistry
	logger     *slog.Logger
}

// NewScheduler creates a Scheduler over client, dispatching through registry.
func NewScheduler(client TaskClient, registry *CallbackRegistry, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = nopLogger
	}
	return &Scheduler{client: client, registry: registry, logger: logger}
}

// ScheduleTask validates and creates a task (spec §4.I schedule_task):
// recurring tasks require a non-nil interval.
func (s *Scheduler) ScheduleTask(ctx context.Context, instruction string, scheduleTime time.Time, ref CallbackRef, taskType TaskType, interval *time.Duration) (string, error) {
	if taskType == TaskRecurring && interval == nil {
		return "", fmt.Errorf("scheduler: recurring task requires a non-nil interval")
	}
	t := ScheduledTask{
		ID:           NewID(),
		Instruction:  instruction,
		ScheduleTime: scheduleTime.UTC(),
		TaskType:     taskType,
		Interval:     interval,
		Callback:     ref,
	}
	return s.client.Create(ctx, t)
}

// Run polls for due tasks every second until ctx is cancelled (spec §4.I
// poller steps 1-4). Blocks; call in a goroutine.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	s.logger.Info("scheduler started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.pollOnce(ctx)
		}
	}
}

// pollOnce fetches due tasks and dispatches each independently — one
// task's failure never halts the poller or other tasks (spec §4.I
// failure isolation).
func (s *Scheduler) pollOnce(ctx context.Context) {
	due, err := s.client.ListDue(ctx, time.Now().UTC())
	if err != nil {
		s.logger.Warn("scheduler: list due tasks failed", "error", err)
		return
	}
	for _, t := range due {
		s.dispatch(ctx, t)
	}
}

// dispatch invokes t's callback and, per spec §4.I steps 3-4:
//   - on success: marks one-shot tasks completed, or advances
//     schedule_time by interval and clears error for recurring tasks.
//   - on failure: records the error; one-shot tasks are marked completed
//     with error, recurring tasks still advance and keep running.
func (s *Scheduler) dispatch(ctx context.Context, t ScheduledTask) {
	cb, ok := s.registry.resolve(t.Callback)
	if !ok {
		t.Error = fmt.Sprintf("scheduler: no callback registered for %s.%s", t.Callback.Module, t.Callback.Name)
		s.finish(ctx, t, fmt.Errorf("%s", t.Error))
		return
	}

	err := s.runCallback(ctx, cb, t)
	s.finish(ctx, t, err)
}

// runCallback invokes cb with panic recovery, so one misbehaving callback
// cannot take down the poller.
func (s *Scheduler) runCallback(ctx context.Context, cb Callback, t ScheduledTask) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("scheduler: task %q callback panicked: %v", t.ID, p)
		}
	}()
	return cb(ctx, t.Callback.Args, t.Callback.Kwargs)
}

func (s *Scheduler) finish(ctx context.Context, t ScheduledTask, runErr error) {
	now := time.Now().UTC()
	if runErr != nil {
		s.logger.Warn("scheduler: task failed", "task", t.ID, "error", runErr)
		t.Error = runErr.Error()
	} else {
		t.Error = ""
	}

	switch t.TaskType {
	case TaskRecurring:
		if t.Interval != nil {
			t.ScheduleTime = t.ScheduleTime.Add(*t.Interval)
		}
	default:
		t.IsCompleted = true
		t.CompletedAt = &now
	}

	if err := s.client.Update(ctx, t); err != nil {
		s.logger.Error("scheduler: failed to persist task update", "task", t.ID, "error", err)
	}
}
