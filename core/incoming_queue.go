package core

import (
	"sync"
	"time"
)

// incomingQueue is the cross-goroutine handoff into a TaskQueue. Any number
// of producers push; only the owner goroutine takes. Sequence numbers are
// assigned while the lock is held so the buffer is always in sequence order.
type incomingQueue struct {
	mu     sync.Mutex
	tasks  []*pendingTask
	spare  []*pendingTask
	closed bool

	// earliest runAt among buffered delayed tasks, so next-wake queries see
	// them before the owner reloads.
	minRunAt time.Time
}

func newIncomingQueue() *incomingQueue {
	return &incomingQueue{
		tasks: make([]*pendingTask, 0, defaultQueueCap),
		spare: make([]*pendingTask, 0, defaultQueueCap),
	}
}

// push stamps t with a sequence from next and appends it. It reports whether
// the buffer was empty beforehand; ok is false once the queue is closed.
func (q *incomingQueue) push(t *pendingTask, next func() uint64) (wasEmpty bool, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false, false
	}

	t.sequence = next()
	if !t.delayed() {
		t.enqueueOrder = t.sequence
	} else if q.minRunAt.IsZero() || t.runAt.Before(q.minRunAt) {
		q.minRunAt = t.runAt
	}

	wasEmpty = len(q.tasks) == 0
	q.tasks = append(q.tasks, t)
	return wasEmpty, true
}

// takeAll swaps the buffer out and returns its contents in posting order.
func (q *incomingQueue) takeAll() []*pendingTask {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.tasks) == 0 {
		return nil
	}

	out := q.tasks
	q.tasks = q.spare[:0]
	q.spare = nil
	q.minRunAt = time.Time{}
	return out
}

// recycle hands a drained slice back for reuse by takeAll.
func (q *incomingQueue) recycle(buf []*pendingTask) {
	clear(buf)
	q.mu.Lock()
	if q.spare == nil && cap(buf) <= compactMinCap {
		q.spare = buf[:0]
	}
	q.mu.Unlock()
}

func (q *incomingQueue) earliestRunAt() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.minRunAt, !q.minRunAt.IsZero()
}

// close rejects further pushes and returns whatever was buffered.
func (q *incomingQueue) close() []*pendingTask {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	out := q.tasks
	q.tasks = nil
	q.spare = nil
	q.minRunAt = time.Time{}
	return out
}
