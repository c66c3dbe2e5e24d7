package core

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Task is the unit of work (Closure)
type Task func(ctx context.Context)

// TaskID identifies a single posted task.
type TaskID uuid.UUID

// GenerateTaskID returns a fresh random TaskID.
func GenerateTaskID() TaskID {
	return TaskID(uuid.New())
}

func (id TaskID) String() string {
	return uuid.UUID(id).String()
}

// IsZero reports whether the ID was never assigned.
func (id TaskID) IsZero() bool {
	return id == TaskID{}
}

// =============================================================================
// TaskPriority: coarse scheduling priority mapped onto queue tiers
// =============================================================================

type TaskPriority int

const (
	// TaskPriorityBestEffort: Lowest priority
	TaskPriorityBestEffort TaskPriority = iota

	// TaskPriorityUserVisible: Default priority
	TaskPriorityUserVisible

	// TaskPriorityUserBlocking: Highest priority
	// `UserBlocking` means the task may block the owner goroutine and the
	// user is waiting on it.
	TaskPriorityUserBlocking
)

func (p TaskPriority) String() string {
	switch p {
	case TaskPriorityUserBlocking:
		return "user_blocking"
	case TaskPriorityUserVisible:
		return "user_visible"
	case TaskPriorityBestEffort:
		return "best_effort"
	default:
		return "unknown"
	}
}

// QueuePriority returns the queue tier a scheduling queue of this priority uses.
func (p TaskPriority) QueuePriority() QueuePriority {
	switch p {
	case TaskPriorityUserBlocking:
		return PriorityHigh
	case TaskPriorityBestEffort:
		return PriorityBestEffort
	default:
		return PriorityNormal
	}
}

// =============================================================================
// Task lifecycle
// =============================================================================

// TaskState is the lifecycle position of a posted task.
type TaskState int32

const (
	TaskStateReady TaskState = iota
	TaskStateDelayed
	TaskStateRunning
	TaskStateCompleted
	TaskStateCancelled
)

func (s TaskState) String() string {
	switch s {
	case TaskStateReady:
		return "ready"
	case TaskStateDelayed:
		return "delayed"
	case TaskStateRunning:
		return "running"
	case TaskStateCompleted:
		return "completed"
	case TaskStateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// taskState is shared between the queued task and its TaskHandle.
// All transitions are CAS so each one happens at most once.
type taskState struct {
	v atomic.Int32
}

func newTaskState(initial TaskState) *taskState {
	s := &taskState{}
	s.v.Store(int32(initial))
	return s
}

func (s *taskState) load() TaskState {
	return TaskState(s.v.Load())
}

func (s *taskState) transition(from, to TaskState) bool {
	return s.v.CompareAndSwap(int32(from), int32(to))
}

// cancel moves a not-yet-running task to Cancelled.
func (s *taskState) cancel() bool {
	for {
		cur := s.load()
		if cur != TaskStateReady && cur != TaskStateDelayed {
			return false
		}
		if s.transition(cur, TaskStateCancelled) {
			return true
		}
	}
}

// TaskHandle lets a producer observe or cancel one posted task.
type TaskHandle struct {
	id    TaskID
	name  string
	state *taskState
}

func (h *TaskHandle) ID() TaskID {
	return h.id
}

func (h *TaskHandle) Name() string {
	return h.name
}

// State returns the task's current lifecycle state.
func (h *TaskHandle) State() TaskState {
	return h.state.load()
}

// Cancel prevents the task from running if it has not started yet.
// It reports whether this call performed the cancellation; repeated calls
// and calls after the task ran return false and have no other effect.
func (h *TaskHandle) Cancel() bool {
	if h == nil || h.state == nil {
		return false
	}
	return h.state.cancel()
}

// TaskOptions configures PostTaskWithOptions.
type TaskOptions struct {
	// Name overrides the reflected function name in history and traces.
	Name string

	// Delay postpones the task; values <= 0 post an immediate task.
	Delay time.Duration

	// NonNestable tasks never run inside a nested pump.
	NonNestable bool

	// Owner cancels the task once the referenced owner is gone.
	Owner WeakRef
}

// TaskInfo describes a task to observers and to the task itself through its context.
type TaskInfo struct {
	ID           TaskID
	Name         string
	Sequence     uint64
	Queue        QueueInfo
	PostedAt     time.Time
	RunAt        time.Time
	Nestable     bool
	NestingDepth int
}

// pendingTask is the queued form of a posted task.
type pendingTask struct {
	task         Task
	id           TaskID
	name         string
	sequence     uint64
	enqueueOrder uint64
	runAt        time.Time
	postedAt     time.Time
	nestable     bool
	owner        WeakRef
	state        *taskState
}

func (t *pendingTask) delayed() bool {
	return !t.runAt.IsZero()
}

// cancelled reports whether the task should be skipped without claiming it.
func (t *pendingTask) cancelled() bool {
	if t.state.load() == TaskStateCancelled {
		return true
	}
	if !t.owner.Valid() {
		t.state.cancel()
		return true
	}
	return false
}

// claim is the last validity check before the task runs; it marks the task Running.
func (t *pendingTask) claim() bool {
	if !t.owner.Valid() {
		t.state.cancel()
		return false
	}
	return t.state.transition(TaskStateReady, TaskStateRunning)
}

func (t *pendingTask) info(q QueueInfo, depth int) TaskInfo {
	return TaskInfo{
		ID:           t.id,
		Name:         t.name,
		Sequence:     t.sequence,
		Queue:        q,
		PostedAt:     t.postedAt,
		RunAt:        t.runAt,
		Nestable:     t.nestable,
		NestingDepth: depth,
	}
}

// =============================================================================
// Context Helper
// =============================================================================

type runContextKeyType struct{}

var runContextKey runContextKeyType

type runContext struct {
	info    TaskInfo
	manager *TaskQueueManager
}

func withRunContext(ctx context.Context, rc *runContext) context.Context {
	return context.WithValue(ctx, runContextKey, rc)
}

// CurrentTaskInfo returns the task currently running with ctx.
func CurrentTaskInfo(ctx context.Context) (TaskInfo, bool) {
	if rc, ok := ctx.Value(runContextKey).(*runContext); ok {
		return rc.info, true
	}
	return TaskInfo{}, false
}

// GetCurrentManager returns the manager running the task that owns ctx.
func GetCurrentManager(ctx context.Context) *TaskQueueManager {
	if rc, ok := ctx.Value(runContextKey).(*runContext); ok {
		return rc.manager
	}
	return nil
}

// GetCurrentTaskRunner returns a runner bound to the queue of the running task.
func GetCurrentTaskRunner(ctx context.Context) *QueueTaskRunner {
	if rc, ok := ctx.Value(runContextKey).(*runContext); ok {
		return rc.manager.TaskRunner(rc.info.Queue.Handle)
	}
	return nil
}
