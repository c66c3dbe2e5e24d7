// Package taskqueue is a cooperative, single-owner task queue manager in the
// style of Chromium's renderer scheduler.
//
// Producers on any goroutine post tasks to named queues. One owner goroutine
// pumps the queues: it always runs the front task of the highest priority
// tier that has work, runs tasks of one queue in FIFO order, and re-selects
// after every task so urgent work posted mid-batch runs next.
//
// # Quick Start
//
// The package-level scheduler owns a manager, a default and a control queue,
// and a host loop goroutine:
//
//	taskqueue.InitGlobalScheduler()
//	defer taskqueue.ShutdownGlobalScheduler()
//
//	input, _ := taskqueue.CreateTaskQueue("input", taskqueue.PriorityHigh)
//	input.PostTask(func(ctx context.Context) {
//		// runs on the owner goroutine, before any Normal priority task
//	})
//
// # Key Concepts
//
// TaskQueueManager: holds the queues and runs them from Pump or RunUntilIdle.
// Only one goroutine may pump at a time.
//
// QueuePriority: Control, Highest, High, Normal, Low and BestEffort. A lower
// tier runs only when every higher tier is empty or paused.
//
// TimeDomain: the clock a queue's delayed tasks are measured against. The
// RealTimeDomain follows the wall clock; a VirtualTimeDomain moves only when
// advanced, which makes delayed work deterministic in tests.
//
// HostLoop: drives a manager from a dedicated goroutine, sleeping until a
// post or the next delayed task wakes it.
//
// # Testing
//
// Tests usually skip the host loop and pump directly:
//
//	m := core.NewTaskQueueManager(core.ManagerConfig{})
//	q, _ := m.CreateQueue(core.QueueSpec{Name: "work"})
//	m.PostTask(q, task)
//	m.RunUntilIdle(ctx)
package taskqueue
