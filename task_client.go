package conclave

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// InProcessTaskClient is a reference TaskClient backed by Store's
// ScheduledAction persistence, for tests and single-process demos where
// running a separate Task service is unnecessary (spec §4.I names the
// Task Client as "over HTTP" for restart-safety; this implementation
// trades that property for simplicity, keeping TaskType/Interval/
// Callback/completion bookkeeping in an in-memory sidecar next to the
// persisted ScheduledAction row).
//
// Grounded on scheduler.go's existing Store-backed scheduled-action flow
// (CreateScheduledAction/GetDueScheduledActions/UpdateScheduledAction),
// reused here as the durability layer for schedule_time/instruction
// instead of introducing a second persistence mechanism.
type InProcessTaskClient struct {
	store Store

	mu   sync.Mutex
	meta map[string]taskMeta
}

type taskMeta struct {
	taskType    TaskType
	interval    *time.Duration
	callback    CallbackRef
	isCompleted bool
	completedAt *time.Time
	lastError   string
}

// NewInProcessTaskClient wraps store.
func NewInProcessTaskClient(store Store) *InProcessTaskClient {
	return &InProcessTaskClient{store: store, meta: make(map[string]taskMeta)}
}

// Create persists t and returns its ID.
func (c *InProcessTaskClient) Create(ctx context.Context, t ScheduledTask) (string, error) {
	if t.ID == "" {
		t.ID = NewID()
	}
	action := ScheduledAction{
		ID:          t.ID,
		Description: t.Instruction,
		NextRun:     t.ScheduleTime.Unix(),
		Enabled:     true,
		CreatedAt:   time.Now().Unix(),
	}
	if err := c.store.CreateScheduledAction(ctx, action); err != nil {
		return "", fmt.Errorf("task client: create: %w", err)
	}

	c.mu.Lock()
	c.meta[t.ID] = taskMeta{taskType: t.TaskType, interval: t.Interval, callback: t.Callback}
	c.mu.Unlock()
	return t.ID, nil
}

// Get returns one task by ID.
func (c *InProcessTaskClient) Get(ctx context.Context, id string) (ScheduledTask, error) {
	actions, err := c.store.ListScheduledActions(ctx)
	if err != nil {
		return ScheduledTask{}, err
	}
	for _, a := range actions {
		if a.ID == id {
			return c.toTask(a), nil
		}
	}
	return ScheduledTask{}, fmt.Errorf("task client: task %q not found", id)
}

// ListDue returns tasks whose schedule_time is at or before `before` and
// are not yet completed.
func (c *InProcessTaskClient) ListDue(ctx context.Context, before time.Time) ([]ScheduledTask, error) {
	actions, err := c.store.GetDueScheduledActions(ctx, before.Unix())
	if err != nil {
		return nil, err
	}
	out := make([]ScheduledTask, 0, len(actions))
	for _, a := range actions {
		t := c.toTask(a)
		if !t.IsCompleted {
			out = append(out, t)
		}
	}
	return out, nil
}

// Update persists schedule_time/enabled changes and updates the sidecar
// metadata (completion/error/interval bookkeeping).
func (c *InProcessTaskClient) Update(ctx context.Context, t ScheduledTask) error {
	action := ScheduledAction{
		ID:          t.ID,
		Description: t.Instruction,
		NextRun:     t.ScheduleTime.Unix(),
		Enabled:     !t.IsCompleted,
		CreatedAt:   time.Now().Unix(),
	}
	if err := c.store.UpdateScheduledAction(ctx, action); err != nil {
		return fmt.Errorf("task client: update: %w", err)
	}

	c.mu.Lock()
	m := c.meta[t.ID]
	m.taskType = t.TaskType
	m.interval = t.Interval
	m.callback = t.Callback
	m.isCompleted = t.IsCompleted
	m.completedAt = t.CompletedAt
	m.lastError = t.Error
	c.meta[t.ID] = m
	c.mu.Unlock()
	return nil
}

// Delete removes a task.
func (c *InProcessTaskClient) Delete(ctx context.Context, id string) error {
	c.mu.Lock()
	delete(c.meta, id)
	c.mu.Unlock()
	return c.store.DeleteScheduledAction(ctx, id)
}

func (c *InProcessTaskClient) toTask(a ScheduledAction) ScheduledTask {
	c.mu.Lock()
	m := c.meta[a.ID]
	c.mu.Unlock()
	return ScheduledTask{
		ID:           a.ID,
		Instruction:  a.Description,
		ScheduleTime: time.Unix(a.NextRun, 0).UTC(),
		TaskType:     m.taskType,
		Interval:     m.interval,
		Callback:     m.callback,
		IsCompleted:  m.isCompleted,
		CompletedAt:  m.completedAt,
		Error:        m.lastError,
	}
}
