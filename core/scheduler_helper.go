package core

import (
	"fmt"
	"sync"
	"time"
)

// SchedulerHelper owns a TaskQueueManager together with the two queues every
// scheduler needs: "default" for ordinary work and "control" for scheduler
// bookkeeping. After Shutdown it drops the manager, and every accessor falls
// back to a zero value instead of failing.
type SchedulerHelper struct {
	mu       sync.Mutex
	manager  *TaskQueueManager
	observer *Observer

	logger       Logger
	clock        Clock
	defaultQueue QueueHandle
	controlQueue QueueHandle
}

// NewSchedulerHelper takes ownership of manager, raises its work batch size
// to DefaultWorkBatchSize and creates the default and control queues.
func NewSchedulerHelper(manager *TaskQueueManager) (*SchedulerHelper, error) {
	h := &SchedulerHelper{
		manager: manager,
		logger:  manager.Logger(),
		clock:   manager.clock,
	}

	manager.SetWorkBatchSize(DefaultWorkBatchSize)

	var err error
	h.defaultQueue, err = manager.CreateQueue(QueueSpec{
		Name:              "default",
		Priority:          PriorityNormal,
		MonitorQuiescence: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create default queue: %w", err)
	}
	h.controlQueue, err = manager.CreateQueue(QueueSpec{
		Name:     "control",
		Priority: PriorityControl,
	})
	if err != nil {
		return nil, fmt.Errorf("create control queue: %w", err)
	}

	manager.SetObserver(h.forwardingObserver())
	return h, nil
}

// forwardingObserver is installed on the manager. It logs what the helper
// cares about and passes every event on to the helper's own observer.
func (h *SchedulerHelper) forwardingObserver() *Observer {
	return &Observer{
		WillRunTask: func(task TaskInfo) {
			if o := h.currentObserver(); o != nil && o.WillRunTask != nil {
				o.WillRunTask(task)
			}
		},
		DidRunTask: func(task TaskInfo, elapsed time.Duration) {
			if o := h.currentObserver(); o != nil && o.DidRunTask != nil {
				o.DidRunTask(task, elapsed)
			}
		},
		OnQueueNonEmpty: func(queue QueueInfo) {
			if o := h.currentObserver(); o != nil && o.OnQueueNonEmpty != nil {
				o.OnQueueNonEmpty(queue)
			}
		},
		OnBeginNestedRunLoop: func(depth int) {
			h.logger.Debug("nested run loop started", F("depth", depth))
			if o := h.currentObserver(); o != nil && o.OnBeginNestedRunLoop != nil {
				o.OnBeginNestedRunLoop(depth)
			}
		},
		OnExitNestedRunLoop: func(depth int) {
			h.logger.Debug("nested run loop finished", F("depth", depth))
			if o := h.currentObserver(); o != nil && o.OnExitNestedRunLoop != nil {
				o.OnExitNestedRunLoop(depth)
			}
		},
		OnTriedToExecuteBlockedTask: func(queue QueueInfo, task TaskInfo) {
			if o := h.currentObserver(); o != nil && o.OnTriedToExecuteBlockedTask != nil {
				o.OnTriedToExecuteBlockedTask(queue, task)
			}
		},
		OnQuiescent: func() {
			if o := h.currentObserver(); o != nil && o.OnQuiescent != nil {
				o.OnQuiescent()
			}
		},
		OnTasksDropped: func(queue QueueInfo, count int) {
			if o := h.currentObserver(); o != nil && o.OnTasksDropped != nil {
				o.OnTasksDropped(queue, count)
			}
		},
	}
}

func (h *SchedulerHelper) currentObserver() *Observer {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.observer
}

func (h *SchedulerHelper) currentManager() *TaskQueueManager {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.manager
}

// Manager returns the owned manager, or nil after Shutdown.
func (h *SchedulerHelper) Manager() *TaskQueueManager {
	return h.currentManager()
}

// SetObserver sets the observer notified of scheduler events; nil clears it.
func (h *SchedulerHelper) SetObserver(o *Observer) {
	h.mu.Lock()
	h.observer = o
	h.mu.Unlock()
}

func (h *SchedulerHelper) DefaultQueue() QueueHandle { return h.defaultQueue }

func (h *SchedulerHelper) ControlQueue() QueueHandle { return h.controlQueue }

// DefaultTaskRunner returns a runner for the default queue, or nil after Shutdown.
func (h *SchedulerHelper) DefaultTaskRunner() *QueueTaskRunner {
	m := h.currentManager()
	if m == nil {
		return nil
	}
	return m.TaskRunner(h.defaultQueue)
}

// ControlTaskRunner returns a runner for the control queue, or nil after Shutdown.
func (h *SchedulerHelper) ControlTaskRunner() *QueueTaskRunner {
	m := h.currentManager()
	if m == nil {
		return nil
	}
	return m.TaskRunner(h.controlQueue)
}

func (h *SchedulerHelper) CreateQueue(spec QueueSpec) (QueueHandle, error) {
	m := h.currentManager()
	if m == nil {
		return QueueHandle{}, ErrManagerShutdown
	}
	return m.CreateQueue(spec)
}

// Shutdown clears the observer, shuts the manager down and releases it.
func (h *SchedulerHelper) Shutdown() {
	h.mu.Lock()
	m := h.manager
	h.manager = nil
	h.observer = nil
	h.mu.Unlock()

	if m == nil {
		return
	}
	m.SetObserver(nil)
	m.Shutdown()
}

func (h *SchedulerHelper) IsShutdown() bool {
	return h.currentManager() == nil
}

func (h *SchedulerHelper) SetWorkBatchSizeForTesting(n int) {
	if m := h.currentManager(); m != nil {
		m.SetWorkBatchSize(n)
	}
}

func (h *SchedulerHelper) GetNumberOfPendingTasks() int {
	if m := h.currentManager(); m != nil {
		return m.GetNumberOfPendingTasks()
	}
	return 0
}

// GetAndClearSystemIsQuiescentBit reports true after Shutdown: nothing can run.
func (h *SchedulerHelper) GetAndClearSystemIsQuiescentBit() bool {
	if m := h.currentManager(); m != nil {
		return m.GetAndClearSystemIsQuiescentBit()
	}
	return true
}

func (h *SchedulerHelper) AddTaskTimeObserver(o TaskTimeObserver) {
	if m := h.currentManager(); m != nil {
		m.AddTaskTimeObserver(o)
	}
}

func (h *SchedulerHelper) RemoveTaskTimeObserver(o TaskTimeObserver) {
	if m := h.currentManager(); m != nil {
		m.RemoveTaskTimeObserver(o)
	}
}

func (h *SchedulerHelper) RegisterTimeDomain(d TimeDomain) error {
	m := h.currentManager()
	if m == nil {
		return ErrManagerShutdown
	}
	return m.RegisterTimeDomain(d)
}

func (h *SchedulerHelper) UnregisterTimeDomain(d TimeDomain) error {
	if m := h.currentManager(); m != nil {
		return m.UnregisterTimeDomain(d)
	}
	return nil
}

// RealTimeDomain returns nil after Shutdown.
func (h *SchedulerHelper) RealTimeDomain() *RealTimeDomain {
	if m := h.currentManager(); m != nil {
		return m.RealTimeDomain()
	}
	return nil
}

func (h *SchedulerHelper) SweepCanceledDelayedTasks() int {
	if m := h.currentManager(); m != nil {
		return m.SweepCanceledDelayedTasks()
	}
	return 0
}

// NowTicks reads the real-time domain, or the manager's clock once shut down.
func (h *SchedulerHelper) NowTicks() time.Time {
	if m := h.currentManager(); m != nil {
		return m.RealTimeDomain().Now()
	}
	return h.clock.Now()
}
