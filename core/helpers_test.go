package core

import (
	"context"
	"sync"
	"testing"
	"time"
)

// manualClock is a Clock that only moves when the test says so.
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// orderRecorder collects task labels in execution order.
type orderRecorder struct {
	mu    sync.Mutex
	order []string
}

func (r *orderRecorder) task(label string) Task {
	return func(ctx context.Context) {
		r.mu.Lock()
		r.order = append(r.order, label)
		r.mu.Unlock()
	}
}

func (r *orderRecorder) Order() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

func newTestManager(t *testing.T, clock Clock) *TaskQueueManager {
	t.Helper()
	m := NewTaskQueueManager(ManagerConfig{
		Logger: NewNoOpLogger(),
		Clock:  clock,
	})
	t.Cleanup(m.Shutdown)
	return m
}

func mustCreateQueue(t *testing.T, m *TaskQueueManager, spec QueueSpec) QueueHandle {
	t.Helper()
	h, err := m.CreateQueue(spec)
	if err != nil {
		t.Fatalf("CreateQueue(%q) error = %v", spec.Name, err)
	}
	return h
}

func mustPost(t *testing.T, m *TaskQueueManager, h QueueHandle, task Task) {
	t.Helper()
	if err := m.PostTask(h, task); err != nil {
		t.Fatalf("PostTask() error = %v", err)
	}
}

func assertOrder(t *testing.T, got []string, want ...string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("order = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}
