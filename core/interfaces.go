package core

import (
	"context"
	"time"
)

// =============================================================================
// PanicHandler: Interface for handling task panics
// =============================================================================

// PanicHandler is called when a task panics during execution.
// This allows custom panic handling, logging, and recovery strategies.
//
// It is always called on the manager's owner goroutine.
type PanicHandler interface {
	// HandlePanic is called when a task panics.
	//
	// Parameters:
	// - ctx: The context of the panicked task (carries its TaskInfo)
	// - queueName: The name of the queue the task came from
	// - panicInfo: The panic value recovered from the task
	// - stackTrace: The stack trace at the time of panic
	HandlePanic(ctx context.Context, queueName string, panicInfo any, stackTrace []byte)
}

// DefaultPanicHandler logs the panic and its stack at error level.
type DefaultPanicHandler struct {
	Logger Logger
}

// HandlePanic logs panic information.
func (h *DefaultPanicHandler) HandlePanic(ctx context.Context, queueName string, panicInfo any, stackTrace []byte) {
	logger := h.Logger
	if logger == nil {
		logger = NewDefaultLogger()
	}
	fields := []Field{F("queue", queueName), F("panic", panicInfo), F("stack", string(stackTrace))}
	if info, ok := CurrentTaskInfo(ctx); ok {
		fields = append(fields, F("task", info.Name), F("sequence", info.Sequence))
	}
	logger.Error("task panicked", fields...)
}

// =============================================================================
// Metrics: Interface for observability and monitoring
// =============================================================================

// Metrics defines the interface for collecting task execution metrics.
// Implementations can send metrics to monitoring systems (Prometheus, StatsD, etc.).
//
// Methods should be non-blocking and fast to avoid impacting task execution performance.
type Metrics interface {
	// RecordTaskDuration records how long a task took to execute.
	RecordTaskDuration(queueName string, priority QueuePriority, duration time.Duration)

	// RecordTaskPanic records that a task panicked during execution.
	RecordTaskPanic(queueName string, panicInfo any)

	// RecordQueueDepth records the number of pending tasks of a queue.
	// The manager reports it after each task it runs from that queue.
	RecordQueueDepth(queueName string, depth int)

	// RecordTaskRejected records that a task was rejected or dropped.
	//
	// Parameters:
	// - queueName: The name of the queue
	// - reason: "shutdown", "queue_destroyed" or "queue_not_found"
	RecordTaskRejected(queueName string, reason string)
}

// NilMetrics provides a no-op metrics implementation that does nothing.
// This is the default when no metrics interface is provided.
type NilMetrics struct{}

func (m *NilMetrics) RecordTaskDuration(queueName string, priority QueuePriority, duration time.Duration) {
}

func (m *NilMetrics) RecordTaskPanic(queueName string, panicInfo any) {}

func (m *NilMetrics) RecordQueueDepth(queueName string, depth int) {}

func (m *NilMetrics) RecordTaskRejected(queueName string, reason string) {}

// =============================================================================
// RejectedTaskHandler: Interface for handling rejected tasks
// =============================================================================

// RejectedTaskHandler is called when a post is rejected:
// - The manager is shutting down or shut down
// - The target queue was destroyed
//
// Implementations should be thread-safe; posts come from any goroutine.
type RejectedTaskHandler interface {
	HandleRejectedTask(queueName string, reason string)
}

// DefaultRejectedTaskHandler logs rejected tasks at debug level.
type DefaultRejectedTaskHandler struct {
	Logger Logger
}

func (h *DefaultRejectedTaskHandler) HandleRejectedTask(queueName string, reason string) {
	if h.Logger == nil {
		return
	}
	h.Logger.Debug("task rejected", F("queue", queueName), F("reason", reason))
}

// =============================================================================
// ManagerConfig: Configuration for TaskQueueManager
// =============================================================================

// DefaultWorkBatchSize is how many tasks one pump runs before yielding.
const DefaultWorkBatchSize = 4

// ManagerConfig holds configuration options for TaskQueueManager.
// Zero fields are replaced with defaults.
type ManagerConfig struct {
	// WorkBatchSize caps the tasks run per pump. Defaults to 1; the
	// SchedulerHelper raises it to DefaultWorkBatchSize.
	WorkBatchSize int

	// Logger defaults to NewDefaultLogger().
	Logger Logger

	// PanicHandler is called when a task panics. Defaults to DefaultPanicHandler.
	PanicHandler PanicHandler

	// Metrics is called to record task execution metrics. Defaults to NilMetrics.
	Metrics Metrics

	// RejectedTaskHandler is called when a task is rejected. Defaults to DefaultRejectedTaskHandler.
	RejectedTaskHandler RejectedTaskHandler

	// Clock drives the built-in RealTimeDomain and task timings. Defaults to SystemClock.
	Clock Clock

	// HistoryCapacity bounds RecentTasks. Defaults to 100.
	HistoryCapacity int
}

// DefaultManagerConfig returns a config with default handlers.
func DefaultManagerConfig() ManagerConfig {
	logger := NewDefaultLogger()
	return ManagerConfig{
		WorkBatchSize:       1,
		Logger:              logger,
		PanicHandler:        &DefaultPanicHandler{Logger: logger},
		Metrics:             &NilMetrics{},
		RejectedTaskHandler: &DefaultRejectedTaskHandler{Logger: logger},
		Clock:               SystemClock{},
		HistoryCapacity:     defaultTaskHistoryCapacity,
	}
}

func (c ManagerConfig) withDefaults() ManagerConfig {
	d := DefaultManagerConfig()
	if c.WorkBatchSize < 1 {
		c.WorkBatchSize = d.WorkBatchSize
	}
	if c.Logger == nil {
		c.Logger = d.Logger
	}
	if c.PanicHandler == nil {
		c.PanicHandler = &DefaultPanicHandler{Logger: c.Logger}
	}
	if c.Metrics == nil {
		c.Metrics = d.Metrics
	}
	if c.RejectedTaskHandler == nil {
		c.RejectedTaskHandler = &DefaultRejectedTaskHandler{Logger: c.Logger}
	}
	if c.Clock == nil {
		c.Clock = d.Clock
	}
	if c.HistoryCapacity < 1 {
		c.HistoryCapacity = d.HistoryCapacity
	}
	return c
}
