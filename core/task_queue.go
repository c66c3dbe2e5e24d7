package core

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// QueuePriority is the tier of a TaskQueue. Lower values are selected first.
type QueuePriority int32

const (
	PriorityControl QueuePriority = iota
	PriorityHighest
	PriorityHigh
	PriorityNormal
	PriorityLow
	PriorityBestEffort

	priorityCount
)

func (p QueuePriority) String() string {
	switch p {
	case PriorityControl:
		return "control"
	case PriorityHighest:
		return "highest"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	case PriorityBestEffort:
		return "best_effort"
	default:
		return "unknown"
	}
}

func (p QueuePriority) valid() bool {
	return p >= PriorityControl && p < priorityCount
}

// ParseQueuePriority accepts the names produced by QueuePriority.String.
func ParseQueuePriority(s string) (QueuePriority, error) {
	norm := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")
	if norm == "" {
		return PriorityNormal, nil
	}
	for p := PriorityControl; p < priorityCount; p++ {
		if p.String() == norm {
			return p, nil
		}
	}
	if norm == "besteffort" {
		return PriorityBestEffort, nil
	}
	return PriorityNormal, fmt.Errorf("unknown queue priority %q", s)
}

// QueueSpec describes a queue to CreateQueue.
type QueueSpec struct {
	Name     string
	Priority QueuePriority

	// TimeDomain must be registered with the manager; nil selects the
	// manager's RealTimeDomain.
	TimeDomain TimeDomain

	// MonitorQuiescence makes tasks from this queue clear the system
	// quiescent bit.
	MonitorQuiescence bool
}

// QueueInfo identifies a queue to observers.
type QueueInfo struct {
	Handle     QueueHandle
	Name       string
	Priority   QueuePriority
	TimeDomain string
}

// TaskQueue is one FIFO of tasks with its own priority tier, enabled flag and
// TimeDomain. It is owned by a TaskQueueManager; producers reach it only
// through a QueueHandle.
type TaskQueue struct {
	handle            QueueHandle
	name              string
	domain            TimeDomain
	monitorQuiescence bool

	priority atomic.Int32
	enabled  atomic.Bool
	detached atomic.Bool

	incoming *incomingQueue

	// mu guards the ready FIFO and the delayed set. In practice only the owner
	// goroutine takes it, except when the queue is torn down.
	mu      sync.Mutex
	work    *workQueue
	delayed *delayedSet

	pending      atomic.Int64
	delayedCount atomic.Int64
	ran          atomic.Int64
	rejected     atomic.Int64

	lastMu       sync.Mutex
	lastTaskName string
	lastTaskAt   time.Time
}

func newTaskQueue(handle QueueHandle, spec QueueSpec) *TaskQueue {
	q := &TaskQueue{
		handle:            handle,
		name:              spec.Name,
		domain:            spec.TimeDomain,
		monitorQuiescence: spec.MonitorQuiescence,
		incoming:          newIncomingQueue(),
		work:              newWorkQueue(),
		delayed:           newDelayedSet(),
	}
	q.priority.Store(int32(spec.Priority))
	q.enabled.Store(true)
	return q
}

func (q *TaskQueue) Name() string { return q.name }

func (q *TaskQueue) Priority() QueuePriority {
	return QueuePriority(q.priority.Load())
}

// SetPriority moves the queue to another tier; queued tasks keep their relative order.
func (q *TaskQueue) SetPriority(p QueuePriority) {
	q.priority.Store(int32(p))
}

func (q *TaskQueue) IsEnabled() bool { return q.enabled.Load() }

// Pause hides the queue from selection without discarding its tasks.
func (q *TaskQueue) Pause() { q.enabled.Store(false) }

func (q *TaskQueue) Resume() { q.enabled.Store(true) }

func (q *TaskQueue) TimeDomain() TimeDomain { return q.domain }

func (q *TaskQueue) info() QueueInfo {
	return QueueInfo{
		Handle:     q.handle,
		Name:       q.name,
		Priority:   q.Priority(),
		TimeDomain: q.domain.Name(),
	}
}

// post hands t to the incoming buffer. It reports whether the buffer was
// empty, which is when the owner needs a wake-up: a non-empty buffer already
// has a wake-up in flight from whoever filled it.
func (q *TaskQueue) post(t *pendingTask, nextSequence func() uint64) (needsWake bool, ok bool) {
	if q.detached.Load() {
		return false, false
	}
	q.pending.Add(1)
	if t.delayed() {
		q.delayedCount.Add(1)
	}
	needsWake, ok = q.incoming.push(t, nextSequence)
	if !ok {
		q.pending.Add(-1)
		if t.delayed() {
			q.delayedCount.Add(-1)
		}
		return false, false
	}
	return needsWake, true
}

// reloadLocked moves the incoming buffer into the ready FIFO and delayed set.
// It reports whether the ready FIFO went from empty to non-empty.
func (q *TaskQueue) reloadLocked() bool {
	tasks := q.incoming.takeAll()
	if len(tasks) == 0 {
		return false
	}

	wasEmpty := q.work.Len() == 0
	for _, t := range tasks {
		if t.delayed() {
			if t.cancelled() {
				q.pending.Add(-1)
				q.delayedCount.Add(-1)
				continue
			}
			q.delayed.Insert(t)
			continue
		}
		q.work.Push(t)
	}
	q.incoming.recycle(tasks)
	return wasEmpty && q.work.Len() > 0
}

// promoteLocked moves delayed tasks due at now into the ready FIFO, giving
// each a fresh enqueue order.
func (q *TaskQueue) promoteLocked(now time.Time, nextOrder func() uint64) {
	for _, t := range q.delayed.PopDue(now) {
		q.delayedCount.Add(-1)
		if !t.state.transition(TaskStateDelayed, TaskStateReady) {
			q.pending.Add(-1)
			continue
		}
		t.enqueueOrder = nextOrder()
		q.work.Push(t)
	}
}

// prepare reloads and promotes, then returns the front ready task if any.
// Owner goroutine only.
func (q *TaskQueue) prepare(nextOrder func() uint64) (front *pendingTask, becameNonEmpty bool) {
	now := q.domain.Now()

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.detached.Load() {
		return nil, false
	}

	becameNonEmpty = q.reloadLocked()
	q.promoteLocked(now, nextOrder)
	if dropped := q.work.DropCancelledFront(); dropped > 0 {
		q.pending.Add(int64(-dropped))
	}
	front, _ = q.work.Front()
	return front, becameNonEmpty
}

// NextReadyTask promotes due delayed tasks, then pops the oldest ready task
// that is still valid, skipping cancelled ones. The returned task is still
// Ready: the caller claims it right before running it, so a Cancel that
// lands in between wins.
func (q *TaskQueue) NextReadyTask(nextOrder func() uint64) (*pendingTask, bool) {
	now := q.domain.Now()

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.detached.Load() {
		return nil, false
	}

	q.reloadLocked()
	q.promoteLocked(now, nextOrder)
	for {
		t, ok := q.work.Pop()
		if !ok {
			return nil, false
		}
		q.pending.Add(-1)
		if !t.cancelled() {
			return t, true
		}
	}
}

// pushBackFront returns popped but unrun tasks to the head of the FIFO.
func (q *TaskQueue) pushBackFront(ts ...*pendingTask) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.detached.Load() {
		for _, t := range ts {
			t.state.cancel()
		}
		return
	}
	q.work.PushFront(ts...)
	q.pending.Add(int64(len(ts)))
}

func (q *TaskQueue) hasReadyWork() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.work.Len() > 0
}

// nextScheduledRunTime also looks at delayed tasks still in the incoming
// buffer. Paused and destroyed queues report nothing: their delayed tasks
// cannot be promoted, so waking up for them would only spin. ResumeQueue
// schedules a pump that picks them up.
func (q *TaskQueue) nextScheduledRunTime() (time.Time, bool) {
	var next time.Time
	found := false
	if q.detached.Load() || !q.IsEnabled() {
		return next, false
	}

	q.mu.Lock()
	if t, ok := q.delayed.Peek(); ok {
		next, found = t.runAt, true
	}
	q.mu.Unlock()

	if t, ok := q.incoming.earliestRunAt(); ok && (!found || t.Before(next)) {
		next, found = t, true
	}
	return next, found
}

func (q *TaskQueue) sweepCancelled() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := q.delayed.SweepCancelled()
	q.pending.Add(int64(-n))
	q.delayedCount.Add(int64(-n))
	return n
}

// detach closes the queue to posts and cancels everything still queued.
// It returns how many live tasks were dropped.
func (q *TaskQueue) detach() int {
	if q.detached.Swap(true) {
		return 0
	}

	q.mu.Lock()
	tasks := q.incoming.close()
	tasks = append(tasks, q.work.Clear()...)
	tasks = append(tasks, q.delayed.Clear()...)
	q.mu.Unlock()

	dropped := 0
	for _, t := range tasks {
		if t.state.cancel() {
			dropped++
		}
	}
	q.pending.Store(0)
	q.delayedCount.Store(0)
	return dropped
}

func (q *TaskQueue) recordRun(name string, at time.Time) {
	q.ran.Add(1)
	q.lastMu.Lock()
	q.lastTaskName = name
	q.lastTaskAt = at
	q.lastMu.Unlock()
}

// Stats returns a point-in-time snapshot; safe from any goroutine.
func (q *TaskQueue) Stats() QueueStats {
	q.lastMu.Lock()
	lastName, lastAt := q.lastTaskName, q.lastTaskAt
	q.lastMu.Unlock()

	return QueueStats{
		Name:         q.name,
		Priority:     q.Priority(),
		Enabled:      q.IsEnabled(),
		TimeDomain:   q.domain.Name(),
		Pending:      int(q.pending.Load()),
		Delayed:      int(q.delayedCount.Load()),
		Ran:          q.ran.Load(),
		Rejected:     q.rejected.Load(),
		LastTaskName: lastName,
		LastTaskAt:   lastAt,
	}
}
