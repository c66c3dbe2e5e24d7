package core

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// HostLoop drives a TaskQueueManager from one dedicated goroutine, which
// becomes the manager's owner goroutine. It sleeps until a post wakes it or
// the next delayed task comes due.
type HostLoop struct {
	manager *TaskQueueManager
	barrier TaskRunner

	ctx    context.Context
	cancel context.CancelFunc

	started   atomic.Bool
	startOnce sync.Once
	stopOnce  sync.Once
	stopped   chan struct{}
}

// NewHostLoop creates a loop for m. WaitIdle posts its barrier tasks through
// barrier; with a nil barrier the loop creates a Control queue of its own.
func NewHostLoop(m *TaskQueueManager, barrier TaskRunner) (*HostLoop, error) {
	if barrier == nil {
		h, err := m.CreateQueue(QueueSpec{Name: "host-loop-barrier", Priority: PriorityControl})
		if err != nil {
			return nil, err
		}
		barrier = m.TaskRunner(h)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &HostLoop{
		manager: m,
		barrier: barrier,
		ctx:     ctx,
		cancel:  cancel,
		stopped: make(chan struct{}),
	}, nil
}

// Start spawns the loop goroutine. Calling it again has no effect.
func (l *HostLoop) Start() {
	l.startOnce.Do(func() {
		l.started.Store(true)
		go l.run()
	})
}

// Stop ends the loop and waits for the task in flight to finish. It does not
// shut the manager down.
func (l *HostLoop) Stop() {
	l.stopOnce.Do(func() {
		l.cancel()
		if l.started.Load() {
			<-l.stopped
		}
	})
}

// WaitIdle blocks until the loop has run every task that was ready, including
// tasks those tasks posted. Delayed tasks that are not due and tasks of paused
// queues do not count.
func (l *HostLoop) WaitIdle(ctx context.Context) error {
	for {
		// The check runs on the loop goroutine, so no task is half way
		// through when the queues are counted.
		idle := make(chan bool, 1)
		if err := l.barrier.PostTask(func(context.Context) {
			idle <- l.manager.readyTaskCount() == 0
		}); err != nil {
			return err
		}
		select {
		case ok := <-idle:
			if ok {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		case <-l.manager.Done():
			return ErrManagerShutdown
		}
	}
}

// WaitShutdown blocks until the manager shuts down or ctx is done.
func (l *HostLoop) WaitShutdown(ctx context.Context) error {
	select {
	case <-l.manager.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// minDueRetryDelay bounds how often the loop re-pumps for due work that a
// pump left unrun.
const minDueRetryDelay = time.Millisecond

func (l *HostLoop) run() {
	defer close(l.stopped)

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		if l.ctx.Err() != nil {
			return
		}

		res := l.manager.Pump(l.ctx)
		if res.Shutdown {
			return
		}
		if res.HasMoreWork {
			runtime.Gosched()
			continue
		}

		var timeout <-chan time.Time
		if res.HasDelayedWork {
			delay := res.NextWakeDelay
			if delay <= 0 {
				if res.TasksRun > 0 {
					continue
				}
				// Due work that this pump could not run; back off instead of spinning.
				delay = minDueRetryDelay
			}
			timer.Reset(delay)
			timeout = timer.C
		}

		select {
		case <-l.manager.WakeUp():
		case <-timeout:
		case <-l.manager.Done():
			return
		case <-l.ctx.Done():
			return
		}
		if timeout != nil && !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
}
