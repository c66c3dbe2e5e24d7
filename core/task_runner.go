package core

import (
	"context"
	"sync/atomic"
	"time"
)

// =============================================================================
// TaskRunner: task submission interface
// =============================================================================

// TaskRunner posts tasks to one destination.
type TaskRunner interface {
	PostTask(task Task) error
	PostDelayedTask(task Task, delay time.Duration) error
}

// QueueTaskRunner is a TaskRunner bound to one queue of a manager.
type QueueTaskRunner struct {
	manager *TaskQueueManager
	handle  QueueHandle
}

var _ TaskRunner = (*QueueTaskRunner)(nil)

// TaskRunner returns a runner posting to h. Posts fail with ErrQueueNotFound
// once the queue is destroyed.
func (m *TaskQueueManager) TaskRunner(h QueueHandle) *QueueTaskRunner {
	return &QueueTaskRunner{manager: m, handle: h}
}

func (r *QueueTaskRunner) Handle() QueueHandle {
	return r.handle
}

func (r *QueueTaskRunner) Manager() *TaskQueueManager {
	return r.manager
}

func (r *QueueTaskRunner) PostTask(task Task) error {
	return r.manager.PostTask(r.handle, task)
}

func (r *QueueTaskRunner) PostDelayedTask(task Task, delay time.Duration) error {
	return r.manager.PostDelayedTask(r.handle, task, delay)
}

func (r *QueueTaskRunner) PostNonNestableTask(task Task) error {
	return r.manager.PostNonNestableTask(r.handle, task)
}

func (r *QueueTaskRunner) PostTaskWithOptions(task Task, opts TaskOptions) (*TaskHandle, error) {
	return r.manager.PostTaskWithOptions(r.handle, task, opts)
}

// RunsTasksInCurrentSequence reports whether ctx belongs to a task running
// from this runner's queue.
func (r *QueueTaskRunner) RunsTasksInCurrentSequence(ctx context.Context) bool {
	info, ok := CurrentTaskInfo(ctx)
	return ok && info.Queue.Handle == r.handle
}

// =============================================================================
// Repeating tasks
// =============================================================================

// RepeatingTaskHandle stops a repeating task. The pending repetition is
// cancelled immediately, not just skipped when it comes due.
type RepeatingTaskHandle struct {
	owner   *Owner
	stopped atomic.Bool
}

func (h *RepeatingTaskHandle) Stop() {
	if h.stopped.Swap(true) {
		return
	}
	h.owner.Invalidate()
}

func (h *RepeatingTaskHandle) IsStopped() bool {
	return h.stopped.Load()
}

// PostRepeatingTask runs task now and then every interval until stopped.
func (r *QueueTaskRunner) PostRepeatingTask(task Task, interval time.Duration) (*RepeatingTaskHandle, error) {
	return r.PostRepeatingTaskWithInitialDelay(task, 0, interval)
}

// PostRepeatingTaskWithInitialDelay is PostRepeatingTask with a first delay.
func (r *QueueTaskRunner) PostRepeatingTaskWithInitialDelay(task Task, initialDelay, interval time.Duration) (*RepeatingTaskHandle, error) {
	if task == nil {
		return nil, ErrNilTask
	}
	handle := &RepeatingTaskHandle{owner: NewOwner()}
	name := resolveTaskName(task, "")

	var repeat Task
	repeat = func(ctx context.Context) {
		task(ctx)
		if handle.IsStopped() {
			return
		}
		// A failed re-post means the queue or manager is gone, which ends the chain.
		_, _ = r.PostTaskWithOptions(repeat, TaskOptions{Name: name, Delay: interval, Owner: handle.owner.WeakRef()})
	}

	if _, err := r.PostTaskWithOptions(repeat, TaskOptions{Name: name, Delay: initialDelay, Owner: handle.owner.WeakRef()}); err != nil {
		return nil, err
	}
	return handle, nil
}

// =============================================================================
// Task and Reply
// =============================================================================

// PostTaskAndReply runs task on this runner, then posts reply to replyRunner.
// If task panics, reply will not be executed. A nil replyRunner posts the
// reply back to this runner.
func (r *QueueTaskRunner) PostTaskAndReply(task Task, reply Task, replyRunner TaskRunner) error {
	if task == nil || reply == nil {
		return ErrNilTask
	}
	if replyRunner == nil {
		replyRunner = r
	}
	name := resolveTaskName(task, "")
	_, err := r.PostTaskWithOptions(func(ctx context.Context) {
		task(ctx)
		if err := replyRunner.PostTask(reply); err != nil {
			r.manager.logger.Debug("reply dropped", F("task", name), F("error", err))
		}
	}, TaskOptions{Name: name})
	return err
}

// TaskWithResult is a task producing a value for its reply.
type TaskWithResult[T any] func(ctx context.Context) (T, error)

// ReplyWithResult receives the result of a TaskWithResult.
type ReplyWithResult[T any] func(ctx context.Context, result T, err error)

// PostTaskAndReplyWithResult executes a task that returns a result of type T and an error,
// then passes that result to a reply callback on the replyRunner.
//
// The task always completes before the reply starts, and the reply sees the
// values the task wrote.
func PostTaskAndReplyWithResult[T any](
	targetRunner *QueueTaskRunner,
	task TaskWithResult[T],
	reply ReplyWithResult[T],
	replyRunner TaskRunner,
) error {
	if task == nil || reply == nil {
		return ErrNilTask
	}

	var result T
	var err error

	wrappedTask := func(ctx context.Context) {
		result, err = task(ctx)
	}
	wrappedReply := func(ctx context.Context) {
		reply(ctx, result, err)
	}
	return targetRunner.PostTaskAndReply(wrappedTask, wrappedReply, replyRunner)
}
