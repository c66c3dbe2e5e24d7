package core

import (
	"reflect"
	"runtime"
	"sync"
	"time"
)

const defaultTaskHistoryCapacity = 100

type executionHistory struct {
	mu    sync.Mutex
	items []TaskExecutionRecord
	head  int
	count int
}

func newExecutionHistory(capacity int) executionHistory {
	if capacity < 1 {
		capacity = defaultTaskHistoryCapacity
	}
	return executionHistory{items: make([]TaskExecutionRecord, capacity)}
}

func (h *executionHistory) Add(record TaskExecutionRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.items) == 0 {
		return
	}

	h.items[h.head] = record
	h.head = (h.head + 1) % len(h.items)
	if h.count < len(h.items) {
		h.count++
	}
}

func (h *executionHistory) Recent(limit int) []TaskExecutionRecord {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.count == 0 {
		return nil
	}

	if limit <= 0 || limit > h.count {
		limit = h.count
	}

	out := make([]TaskExecutionRecord, 0, limit)
	for i := range limit {
		idx := (h.head - 1 - i + len(h.items)) % len(h.items)
		out = append(out, h.items[idx])
	}
	return out
}

func (h *executionHistory) Last() (TaskExecutionRecord, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.count == 0 {
		return TaskExecutionRecord{}, false
	}

	idx := (h.head - 1 + len(h.items)) % len(h.items)
	return h.items[idx], true
}

func resolveTaskName(task Task, explicit string) string {
	if explicit != "" {
		return explicit
	}
	if task == nil {
		return "anonymous"
	}
	return resolveFuncName(task)
}

// resolveFuncName names fn after the function it was built from.
func resolveFuncName(fn any) string {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func || v.IsNil() {
		return "anonymous"
	}

	pc := v.Pointer()
	if pc == 0 {
		return "anonymous"
	}

	f := runtime.FuncForPC(pc)
	if f == nil {
		return "anonymous"
	}

	name := f.Name()
	if name == "" {
		return "anonymous"
	}
	return name
}

// TaskHistory keeps the most recent task executions. It is a
// TaskTimeObserver, so it can be attached to any manager.
type TaskHistory struct {
	history executionHistory
}

var _ TaskTimeObserver = (*TaskHistory)(nil)

// NewTaskHistory returns a history holding up to capacity records.
func NewTaskHistory(capacity int) *TaskHistory {
	return &TaskHistory{history: newExecutionHistory(capacity)}
}

func (h *TaskHistory) WillProcessTask(TaskInfo, time.Time) {}

func (h *TaskHistory) DidProcessTask(timing TaskTiming) {
	h.history.Add(recordFromTiming(timing))
}

// Recent returns up to limit records, newest first. limit <= 0 returns all.
func (h *TaskHistory) Recent(limit int) []TaskExecutionRecord {
	return h.history.Recent(limit)
}

// Last returns the newest record.
func (h *TaskHistory) Last() (TaskExecutionRecord, bool) {
	return h.history.Last()
}

func recordFromTiming(timing TaskTiming) TaskExecutionRecord {
	return TaskExecutionRecord{
		TaskID:       timing.Task.ID,
		Name:         timing.Task.Name,
		QueueName:    timing.Task.Queue.Name,
		Priority:     timing.Task.Queue.Priority,
		Sequence:     timing.Task.Sequence,
		StartedAt:    timing.StartedAt,
		FinishedAt:   timing.FinishedAt,
		Duration:     timing.Duration(),
		NestingDepth: timing.Task.NestingDepth,
		Panicked:     timing.Panicked,
	}
}
