package core

import (
	"time"

	"github.com/emirpasic/gods/trees/redblacktree"
)

// delayKey orders delayed tasks by target time, then by sequence number so
// tasks sharing a target time keep posting order.
type delayKey struct {
	runAt    time.Time
	sequence uint64
}

func compareDelayKeys(a, b interface{}) int {
	ka := a.(delayKey)
	kb := b.(delayKey)
	switch {
	case ka.runAt.Before(kb.runAt):
		return -1
	case ka.runAt.After(kb.runAt):
		return 1
	case ka.sequence < kb.sequence:
		return -1
	case ka.sequence > kb.sequence:
		return 1
	default:
		return 0
	}
}

// delayedSet holds a queue's not-yet-due tasks. Owner goroutine only.
type delayedSet struct {
	tree *redblacktree.Tree
}

func newDelayedSet() *delayedSet {
	return &delayedSet{tree: redblacktree.NewWith(compareDelayKeys)}
}

func (s *delayedSet) Insert(t *pendingTask) {
	s.tree.Put(delayKey{runAt: t.runAt, sequence: t.sequence}, t)
}

// Peek returns the earliest delayed task.
func (s *delayedSet) Peek() (*pendingTask, bool) {
	node := s.tree.Left()
	if node == nil {
		return nil, false
	}
	return node.Value.(*pendingTask), true
}

// PopDue removes and returns, in (runAt, sequence) order, every task due at now.
func (s *delayedSet) PopDue(now time.Time) []*pendingTask {
	var due []*pendingTask
	for {
		node := s.tree.Left()
		if node == nil {
			return due
		}
		t := node.Value.(*pendingTask)
		if t.runAt.After(now) {
			return due
		}
		s.tree.Remove(node.Key)
		due = append(due, t)
	}
}

// SweepCancelled removes cancelled entries and returns how many went away.
func (s *delayedSet) SweepCancelled() int {
	var dead []interface{}
	it := s.tree.Iterator()
	for it.Next() {
		if it.Value().(*pendingTask).cancelled() {
			dead = append(dead, it.Key())
		}
	}
	for _, k := range dead {
		s.tree.Remove(k)
	}
	return len(dead)
}

func (s *delayedSet) Len() int {
	return s.tree.Size()
}

// Clear empties the set and returns its tasks.
func (s *delayedSet) Clear() []*pendingTask {
	values := s.tree.Values()
	s.tree.Clear()
	out := make([]*pendingTask, 0, len(values))
	for _, v := range values {
		out = append(out, v.(*pendingTask))
	}
	return out
}
