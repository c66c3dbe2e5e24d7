package core

import (
	"runtime/debug"
	"time"
)

//go:generate mockgen -destination=mock_task_time_observer_test.go -package=core . TaskTimeObserver

// Observer is the manager's primary set of lifecycle hooks. Every field is
// optional. Callbacks run on the owner goroutine; a panicking callback is
// recovered and logged and the pump carries on.
type Observer struct {
	WillRunTask func(task TaskInfo)
	DidRunTask  func(task TaskInfo, elapsed time.Duration)

	// OnQueueNonEmpty fires when a queue's ready FIFO goes from empty to non-empty.
	OnQueueNonEmpty func(queue QueueInfo)

	OnBeginNestedRunLoop func(depth int)
	OnExitNestedRunLoop  func(depth int)

	// OnTriedToExecuteBlockedTask fires when the selected queue was paused
	// between selection and execution.
	OnTriedToExecuteBlockedTask func(queue QueueInfo, task TaskInfo)

	// OnQuiescent fires at the end of a pump that found no ready work and no
	// delayed work due yet.
	OnQuiescent func()

	// OnTasksDropped fires when DestroyQueue cancels tasks that never ran.
	OnTasksDropped func(queue QueueInfo, count int)
}

// TaskTiming is what task-time observers receive once a task finishes.
type TaskTiming struct {
	Task       TaskInfo
	StartedAt  time.Time
	FinishedAt time.Time
	Panicked   bool
}

func (t TaskTiming) Duration() time.Duration {
	return t.FinishedAt.Sub(t.StartedAt)
}

// TaskTimeObserver instruments task execution. Any number can be attached.
type TaskTimeObserver interface {
	WillProcessTask(task TaskInfo, startedAt time.Time)
	DidProcessTask(timing TaskTiming)
}

// safeCall runs an observer callback, logging instead of propagating a panic.
func safeCall(logger Logger, hook string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("observer callback panicked",
				F("hook", hook),
				F("panic", r),
				F("stack", string(debug.Stack())))
		}
	}()
	fn()
}
