package taskqueue

import "github.com/Swind/go-task-queue-manager/core"

// Re-export commonly used types from core package for convenience.
// This allows users to import only the taskqueue package for most use cases.

// Task is the unit of work (Closure)
type Task = core.Task

// TaskRunner is the interface for posting tasks
type TaskRunner = core.TaskRunner

// QueueTaskRunner posts to one queue of a manager
type QueueTaskRunner = core.QueueTaskRunner

// TaskQueueManager owns the queues and runs them on one goroutine
type TaskQueueManager = core.TaskQueueManager

// SchedulerHelper wraps a manager with its default and control queues
type SchedulerHelper = core.SchedulerHelper

type (
	QueueHandle         = core.QueueHandle
	QueuePriority       = core.QueuePriority
	QueueSpec           = core.QueueSpec
	TaskOptions         = core.TaskOptions
	TaskHandle          = core.TaskHandle
	TaskInfo            = core.TaskInfo
	RepeatingTaskHandle = core.RepeatingTaskHandle
	TimeDomain          = core.TimeDomain
	VirtualTimeDomain   = core.VirtualTimeDomain
	Observer            = core.Observer
	TaskTimeObserver    = core.TaskTimeObserver
	ManagerConfig       = core.ManagerConfig
)

// Priority constants
const (
	PriorityControl    = core.PriorityControl
	PriorityHighest    = core.PriorityHighest
	PriorityHigh       = core.PriorityHigh
	PriorityNormal     = core.PriorityNormal
	PriorityLow        = core.PriorityLow
	PriorityBestEffort = core.PriorityBestEffort
)

// TaskWithResult and ReplyWithResult for generic PostTaskAndReply pattern
type TaskWithResult[T any] = core.TaskWithResult[T]
type ReplyWithResult[T any] = core.ReplyWithResult[T]

var (
	// NewTaskQueueManager creates a manager; see core.NewTaskQueueManager.
	NewTaskQueueManager = core.NewTaskQueueManager
	// NewVirtualTimeDomain creates a time domain that moves only when advanced.
	NewVirtualTimeDomain = core.NewVirtualTimeDomain

	// GetCurrentTaskRunner retrieves the queue runner of the running task from context
	GetCurrentTaskRunner = core.GetCurrentTaskRunner
	// GetCurrentManager retrieves the manager of the running task from context
	GetCurrentManager = core.GetCurrentManager
)
