package core

import (
	"context"
	"sync"
	"time"

	"github.com/emirpasic/gods/trees/redblacktree"
)

// IdleTask runs when the scheduler has spare time. It should return by deadline.
type IdleTask func(ctx context.Context, deadline time.Time)

// IdleDelegate decides the idle deadline and hears about idle task activity.
type IdleDelegate interface {
	NowTicks() time.Time

	// WillProcessIdleTask returns the deadline for the idle task about to run.
	WillProcessIdleTask() time.Time

	DidProcessIdleTask()

	// OnIdleTaskPosted lets the delegate start an idle period if none is active.
	OnIdleTaskPosted()
}

// IdleTaskRunner posts IdleTasks to one queue, usually a BestEffort one.
// Delayed idle tasks are held back until EnqueueReadyDelayedIdleTasks finds
// them due.
type IdleTaskRunner struct {
	runner   *QueueTaskRunner
	delegate IdleDelegate
	owner    *Owner

	mu       sync.Mutex
	delayed  *redblacktree.Tree
	sequence uint64
}

func NewIdleTaskRunner(runner *QueueTaskRunner, delegate IdleDelegate) *IdleTaskRunner {
	return &IdleTaskRunner{
		runner:   runner,
		delegate: delegate,
		owner:    NewOwner(),
		delayed:  redblacktree.NewWith(compareDelayKeys),
	}
}

func (r *IdleTaskRunner) PostIdleTask(task IdleTask) error {
	if task == nil {
		return ErrNilTask
	}
	r.delegate.OnIdleTaskPosted()
	return r.post(task, false)
}

// PostNonNestableIdleTask is PostIdleTask for tasks that must not run inside
// a nested run loop.
func (r *IdleTaskRunner) PostNonNestableIdleTask(task IdleTask) error {
	if task == nil {
		return ErrNilTask
	}
	r.delegate.OnIdleTaskPosted()
	return r.post(task, true)
}

// PostDelayedIdleTask keeps task until delay has passed on the delegate's
// clock. It is not posted, and the delegate is not notified, until then.
func (r *IdleTaskRunner) PostDelayedIdleTask(task IdleTask, delay time.Duration) error {
	if task == nil {
		return ErrNilTask
	}
	if !r.owner.IsValid() {
		return ErrRunnerClosed
	}
	r.mu.Lock()
	r.sequence++
	r.delayed.Put(delayKey{runAt: r.delegate.NowTicks().Add(delay), sequence: r.sequence}, task)
	r.mu.Unlock()
	return nil
}

// EnqueueReadyDelayedIdleTasks posts the delayed idle tasks that are due, in
// target time order, and returns how many it posted.
func (r *IdleTaskRunner) EnqueueReadyDelayedIdleTasks() int {
	now := r.delegate.NowTicks()

	var ready []IdleTask
	r.mu.Lock()
	for {
		node := r.delayed.Left()
		if node == nil || node.Key.(delayKey).runAt.After(now) {
			break
		}
		ready = append(ready, node.Value.(IdleTask))
		r.delayed.Remove(node.Key)
	}
	r.mu.Unlock()

	posted := 0
	for _, task := range ready {
		if err := r.PostIdleTask(task); err != nil {
			r.runner.Manager().Logger().Debug("delayed idle task dropped", F("error", err))
			continue
		}
		posted++
	}
	return posted
}

// PendingDelayedIdleTasks counts idle tasks not yet due.
func (r *IdleTaskRunner) PendingDelayedIdleTasks() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.delayed.Size()
}

// Close cancels every idle task posted through r that has not started and
// discards the delayed ones.
func (r *IdleTaskRunner) Close() {
	r.owner.Invalidate()
	r.mu.Lock()
	r.delayed.Clear()
	r.mu.Unlock()
}

func (r *IdleTaskRunner) post(task IdleTask, nonNestable bool) error {
	if !r.owner.IsValid() {
		return ErrRunnerClosed
	}
	_, err := r.runner.PostTaskWithOptions(func(ctx context.Context) {
		deadline := r.delegate.WillProcessIdleTask()
		defer r.delegate.DidProcessIdleTask()
		task(ctx, deadline)
	}, TaskOptions{
		Name:        resolveFuncName(task),
		NonNestable: nonNestable,
		Owner:       r.owner.WeakRef(),
	})
	return err
}

// FixedIdlePeriodDelegate gives every idle task the same amount of time.
type FixedIdlePeriodDelegate struct {
	Clock  Clock
	Period time.Duration

	mu        sync.Mutex
	posted    int
	processed int
}

func (d *FixedIdlePeriodDelegate) NowTicks() time.Time {
	if d.Clock == nil {
		return time.Now()
	}
	return d.Clock.Now()
}

func (d *FixedIdlePeriodDelegate) WillProcessIdleTask() time.Time {
	return d.NowTicks().Add(d.Period)
}

func (d *FixedIdlePeriodDelegate) DidProcessIdleTask() {
	d.mu.Lock()
	d.processed++
	d.mu.Unlock()
}

func (d *FixedIdlePeriodDelegate) OnIdleTaskPosted() {
	d.mu.Lock()
	d.posted++
	d.mu.Unlock()
}

// Counts returns how many idle tasks were posted and processed.
func (d *FixedIdlePeriodDelegate) Counts() (posted, processed int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.posted, d.processed
}
