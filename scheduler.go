package taskqueue

import (
	"context"
	"sync"

	"github.com/Swind/go-task-queue-manager/core"
)

// Scheduler bundles a manager, its SchedulerHelper and a HostLoop: a ready
// to use owner goroutine with a default and a control queue.
type Scheduler struct {
	helper *core.SchedulerHelper
	loop   *core.HostLoop

	runningMu sync.RWMutex
	running   bool
}

// NewScheduler creates a stopped scheduler from cfg.
func NewScheduler(cfg core.ManagerConfig) (*Scheduler, error) {
	m := core.NewTaskQueueManager(cfg)
	helper, err := core.NewSchedulerHelper(m)
	if err != nil {
		m.Shutdown()
		return nil, err
	}
	loop, err := core.NewHostLoop(m, helper.ControlTaskRunner())
	if err != nil {
		helper.Shutdown()
		return nil, err
	}
	return &Scheduler{helper: helper, loop: loop}, nil
}

// Start spawns the owner goroutine.
func (s *Scheduler) Start() {
	s.runningMu.Lock()
	defer s.runningMu.Unlock()

	if s.running {
		return
	}
	s.running = true
	s.loop.Start()
}

// Stop shuts the manager down and waits for the owner goroutine to exit.
// Pending tasks are dropped.
func (s *Scheduler) Stop() {
	s.helper.Shutdown()
	s.loop.Stop()

	s.runningMu.Lock()
	s.running = false
	s.runningMu.Unlock()
}

// StopGraceful runs every ready task before stopping. If ctx ends first the
// scheduler is stopped anyway and ctx's error is returned.
func (s *Scheduler) StopGraceful(ctx context.Context) error {
	var err error
	if s.IsRunning() {
		err = s.loop.WaitIdle(ctx)
	}
	s.Stop()
	return err
}

// IsRunning returns whether the owner goroutine has been started and not stopped.
func (s *Scheduler) IsRunning() bool {
	s.runningMu.RLock()
	defer s.runningMu.RUnlock()
	return s.running
}

// WaitIdle blocks until every ready task has run.
func (s *Scheduler) WaitIdle(ctx context.Context) error {
	return s.loop.WaitIdle(ctx)
}

func (s *Scheduler) Helper() *core.SchedulerHelper        { return s.helper }
func (s *Scheduler) Manager() *core.TaskQueueManager      { return s.helper.Manager() }
func (s *Scheduler) DefaultRunner() *core.QueueTaskRunner { return s.helper.DefaultTaskRunner() }
func (s *Scheduler) ControlRunner() *core.QueueTaskRunner { return s.helper.ControlTaskRunner() }

// CreateTaskQueue creates a queue on the real time domain and returns a
// runner posting to it.
func (s *Scheduler) CreateTaskQueue(name string, priority QueuePriority) (*core.QueueTaskRunner, error) {
	h, err := s.helper.CreateQueue(core.QueueSpec{Name: name, Priority: priority})
	if err != nil {
		return nil, err
	}
	return s.Manager().TaskRunner(h), nil
}

// =============================================================================
// Global Scheduler Helper (Singleton)
// =============================================================================

var (
	globalScheduler *Scheduler
	globalMu        sync.Mutex
)

// InitGlobalScheduler creates and starts the process-wide scheduler with the
// default configuration. Later calls are no-ops.
func InitGlobalScheduler() {
	InitGlobalSchedulerWithConfig(core.ManagerConfig{})
}

// InitGlobalSchedulerWithConfig is InitGlobalScheduler with an explicit config.
func InitGlobalSchedulerWithConfig(cfg core.ManagerConfig) {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalScheduler != nil {
		return
	}
	s, err := NewScheduler(cfg)
	if err != nil {
		panic("taskqueue: init global scheduler: " + err.Error())
	}
	s.Start()
	globalScheduler = s
}

// GetGlobalScheduler returns the global scheduler instance.
// It panics if InitGlobalScheduler has not been called.
func GetGlobalScheduler() *Scheduler {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalScheduler == nil {
		panic("GlobalScheduler not initialized. Call InitGlobalScheduler() first.")
	}
	return globalScheduler
}

// ShutdownGlobalScheduler stops the global scheduler.
func ShutdownGlobalScheduler() {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalScheduler != nil {
		globalScheduler.Stop()
		globalScheduler = nil
	}
}

// CreateTaskQueue creates a queue on the global scheduler.
func CreateTaskQueue(name string, priority QueuePriority) (*core.QueueTaskRunner, error) {
	return GetGlobalScheduler().CreateTaskQueue(name, priority)
}
