package core

import "fmt"

// QueueHandle is a revocable reference to a TaskQueue. It stops resolving
// once the queue is destroyed, even if the slot is later reused.
type QueueHandle struct {
	index      uint32
	generation uint32
}

// IsZero reports whether the handle was never issued.
func (h QueueHandle) IsZero() bool {
	return h.generation == 0
}

func (h QueueHandle) String() string {
	return fmt.Sprintf("queue#%d.%d", h.index, h.generation)
}

type queueSlot struct {
	generation uint32
	queue      *TaskQueue
}

// queueArena stores the manager's queues in registration order.
// Callers hold the manager lock.
type queueArena struct {
	slots []queueSlot
	free  []uint32
	order []*TaskQueue
}

// reserve returns the handle the next queue will occupy.
func (a *queueArena) reserve() QueueHandle {
	if n := len(a.free); n > 0 {
		idx := a.free[n-1]
		a.free = a.free[:n-1]
		slot := &a.slots[idx]
		slot.generation++
		if slot.generation == 0 {
			slot.generation = 1
		}
		return QueueHandle{index: idx, generation: slot.generation}
	}
	a.slots = append(a.slots, queueSlot{generation: 1})
	return QueueHandle{index: uint32(len(a.slots) - 1), generation: 1}
}

// insert places q in the slot named by its handle. Registering a queue that
// is already present is a programming error.
func (a *queueArena) insert(q *TaskQueue) {
	slot := &a.slots[q.handle.index]
	if slot.queue != nil {
		panic(fmt.Sprintf("core: task queue %q registered twice (slot %s)", q.name, q.handle))
	}
	for _, existing := range a.order {
		if existing == q {
			panic(fmt.Sprintf("core: task queue %q registered twice", q.name))
		}
	}
	slot.queue = q
	a.order = append(a.order, q)
}

func (a *queueArena) lookup(h QueueHandle) (*TaskQueue, bool) {
	if h.generation == 0 || int(h.index) >= len(a.slots) {
		return nil, false
	}
	slot := a.slots[h.index]
	if slot.generation != h.generation || slot.queue == nil {
		return nil, false
	}
	return slot.queue, true
}

// remove frees the slot so later lookups with h fail.
func (a *queueArena) remove(h QueueHandle) (*TaskQueue, bool) {
	q, ok := a.lookup(h)
	if !ok {
		return nil, false
	}
	a.slots[h.index].queue = nil
	a.free = append(a.free, h.index)
	for i, existing := range a.order {
		if existing == q {
			a.order = append(a.order[:i:i], a.order[i+1:]...)
			break
		}
	}
	return q, true
}

// snapshot copies the registration-ordered queue list.
func (a *queueArena) snapshot() []*TaskQueue {
	out := make([]*TaskQueue, len(a.order))
	copy(out, a.order)
	return out
}

func (a *queueArena) len() int {
	return len(a.order)
}

// reset drops every queue and returns them.
func (a *queueArena) reset() []*TaskQueue {
	out := a.order
	a.slots = nil
	a.free = nil
	a.order = nil
	return out
}
