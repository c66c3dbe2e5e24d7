package core

import "time"

// TaskExecutionRecord captures a completed task execution event.
type TaskExecutionRecord struct {
	TaskID       TaskID
	Name         string
	QueueName    string
	Priority     QueuePriority
	Sequence     uint64
	StartedAt    time.Time
	FinishedAt   time.Time
	Duration     time.Duration
	NestingDepth int
	Panicked     bool
}

// QueueStats represents runtime observability state for one task queue.
type QueueStats struct {
	Name         string
	Priority     QueuePriority
	Enabled      bool
	TimeDomain   string
	Pending      int
	Delayed      int
	Ran          int64
	Rejected     int64
	LastTaskName string
	LastTaskAt   time.Time
}

// ManagerStats represents runtime observability state for a TaskQueueManager.
type ManagerStats struct {
	State             ManagerState
	WorkBatchSize     int
	PendingTasks      int
	TasksRun          int64
	NestingDepth      int
	TaskTimeObservers int
	TimeDomains       []string
	Queues            []QueueStats
}
