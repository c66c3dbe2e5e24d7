package core

const (
	defaultQueueCap     = 16
	compactMinCap       = 64 // Don't compact if capacity is less than this
	compactShrinkFactor = 4  // Trigger compaction when len < cap/4
)

// workQueue is the ready FIFO of one TaskQueue. It is touched only by the
// owner goroutine, so it carries no lock.
type workQueue struct {
	tasks []*pendingTask
}

func newWorkQueue() *workQueue {
	return &workQueue{
		tasks: make([]*pendingTask, 0, defaultQueueCap),
	}
}

func (q *workQueue) Push(t *pendingTask) {
	q.tasks = append(q.tasks, t)
}

// PushFront returns tasks to the head of the queue in their original order.
func (q *workQueue) PushFront(ts ...*pendingTask) {
	if len(ts) == 0 {
		return
	}
	merged := make([]*pendingTask, 0, max(len(ts)+len(q.tasks), defaultQueueCap))
	merged = append(merged, ts...)
	merged = append(merged, q.tasks...)
	q.tasks = merged
}

func (q *workQueue) Front() (*pendingTask, bool) {
	if len(q.tasks) == 0 {
		return nil, false
	}
	return q.tasks[0], true
}

func (q *workQueue) Pop() (*pendingTask, bool) {
	if len(q.tasks) == 0 {
		return nil, false
	}

	t := q.tasks[0]
	// Zero out the element in the underlying array to prevent memory leak
	q.tasks[0] = nil
	q.tasks = q.tasks[1:]
	q.maybeCompact()

	return t, true
}

// DropCancelledFront discards cancelled tasks at the head and returns how many it removed.
func (q *workQueue) DropCancelledFront() int {
	dropped := 0
	for len(q.tasks) > 0 && q.tasks[0].cancelled() {
		q.tasks[0] = nil
		q.tasks = q.tasks[1:]
		dropped++
	}
	if dropped > 0 {
		q.maybeCompact()
	}
	return dropped
}

func (q *workQueue) maybeCompact() {
	n := len(q.tasks)
	c := cap(q.tasks)

	if c < compactMinCap {
		return
	}
	if n == 0 {
		q.tasks = make([]*pendingTask, 0, defaultQueueCap)
		return
	}
	if n*compactShrinkFactor >= c {
		return
	}

	newCap := max(max(c/2, defaultQueueCap), n)

	newSlice := make([]*pendingTask, n, newCap)
	copy(newSlice, q.tasks)
	q.tasks = newSlice
}

func (q *workQueue) Len() int {
	return len(q.tasks)
}

// Clear releases every task reference and returns what was queued.
func (q *workQueue) Clear() []*pendingTask {
	out := q.tasks
	q.tasks = make([]*pendingTask, 0, defaultQueueCap)
	return out
}
