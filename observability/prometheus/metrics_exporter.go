package prometheus

import (
	"errors"
	"fmt"
	"time"

	"github.com/Swind/go-task-queue-manager/core"
	prom "github.com/prometheus/client_golang/prometheus"
)

// ExporterOptions controls collector configuration.
type ExporterOptions struct {
	DurationBuckets []float64
}

// MetricsExporter adapts core.Metrics to Prometheus collectors.
type MetricsExporter struct {
	taskDurationSeconds *prom.HistogramVec
	taskPanicTotal      *prom.CounterVec
	taskRejectedTotal   *prom.CounterVec
	queueDepth          *prom.GaugeVec
	queueingDelay       *prom.HistogramVec
	nestedTasksTotal    *prom.CounterVec
}

var (
	_ core.Metrics          = (*MetricsExporter)(nil)
	_ core.TaskTimeObserver = (*MetricsExporter)(nil)
)

// NewMetricsExporter creates and registers the collectors backing core.Metrics.
// Registering twice against the same registry reuses the first collectors.
func NewMetricsExporter(namespace string, reg prom.Registerer, opts ExporterOptions) (*MetricsExporter, error) {
	if namespace == "" {
		namespace = "taskqueue"
	}
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	buckets := opts.DurationBuckets
	if len(buckets) == 0 {
		buckets = prom.ExponentialBuckets(0.0001, 4, 10)
	}

	durationVec := prom.NewHistogramVec(prom.HistogramOpts{
		Namespace: namespace,
		Name:      "task_duration_seconds",
		Help:      "Wall time spent running a task, by queue and queue priority.",
		Buckets:   buckets,
	}, []string{"queue", "priority"})
	panicVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "task_panic_total",
		Help:      "Tasks that panicked.",
	}, []string{"queue"})
	rejectedVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "task_rejected_total",
		Help:      "Posts refused by the manager.",
	}, []string{"queue", "reason"})
	queueDepthVec := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Tasks waiting in a queue, delayed ones included.",
	}, []string{"queue"})
	queueingVec := prom.NewHistogramVec(prom.HistogramOpts{
		Namespace: namespace,
		Name:      "task_queueing_delay_seconds",
		Help:      "Time from when a task became runnable until it started.",
		Buckets:   buckets,
	}, []string{"queue", "priority"})
	nestedVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "nested_tasks_total",
		Help:      "Tasks run from a nested pump.",
	}, []string{"queue"})

	var err error
	if durationVec, err = registerCollector(reg, durationVec); err != nil {
		return nil, err
	}
	if panicVec, err = registerCollector(reg, panicVec); err != nil {
		return nil, err
	}
	if rejectedVec, err = registerCollector(reg, rejectedVec); err != nil {
		return nil, err
	}
	if queueDepthVec, err = registerCollector(reg, queueDepthVec); err != nil {
		return nil, err
	}
	if queueingVec, err = registerCollector(reg, queueingVec); err != nil {
		return nil, err
	}
	if nestedVec, err = registerCollector(reg, nestedVec); err != nil {
		return nil, err
	}

	return &MetricsExporter{
		taskDurationSeconds: durationVec,
		taskPanicTotal:      panicVec,
		taskRejectedTotal:   rejectedVec,
		queueDepth:          queueDepthVec,
		queueingDelay:       queueingVec,
		nestedTasksTotal:    nestedVec,
	}, nil
}

func (m *MetricsExporter) RecordTaskDuration(queueName string, priority core.QueuePriority, duration time.Duration) {
	if m == nil {
		return
	}
	m.taskDurationSeconds.WithLabelValues(normalizeLabel(queueName, "unknown"), priority.String()).Observe(duration.Seconds())
}

func (m *MetricsExporter) RecordTaskPanic(queueName string, _ any) {
	if m == nil {
		return
	}
	m.taskPanicTotal.WithLabelValues(normalizeLabel(queueName, "unknown")).Inc()
}

func (m *MetricsExporter) RecordQueueDepth(queueName string, depth int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(normalizeLabel(queueName, "unknown")).Set(float64(depth))
}

func (m *MetricsExporter) RecordTaskRejected(queueName string, reason string) {
	if m == nil {
		return
	}
	m.taskRejectedTotal.WithLabelValues(normalizeLabel(queueName, "unknown"), normalizeLabel(reason, "unknown")).Inc()
}

// WillProcessTask records how long the task waited. Delayed tasks are
// measured from their run time, immediate ones from their post time.
// Attach the exporter with AddTaskTimeObserver to receive these.
func (m *MetricsExporter) WillProcessTask(task core.TaskInfo, startedAt time.Time) {
	if m == nil {
		return
	}
	queue := normalizeLabel(task.Queue.Name, "unknown")
	runnable := task.PostedAt
	if task.RunAt.After(runnable) {
		runnable = task.RunAt
	}
	if wait := startedAt.Sub(runnable); wait >= 0 {
		m.queueingDelay.WithLabelValues(queue, task.Queue.Priority.String()).Observe(wait.Seconds())
	}
	if task.NestingDepth > 0 {
		m.nestedTasksTotal.WithLabelValues(queue).Inc()
	}
}

func (m *MetricsExporter) DidProcessTask(core.TaskTiming) {}

func normalizeLabel(v string, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func registerCollector[T prom.Collector](reg prom.Registerer, collector T) (T, error) {
	err := reg.Register(collector)
	if err == nil {
		return collector, nil
	}

	var alreadyRegisteredErr prom.AlreadyRegisteredError
	if errors.As(err, &alreadyRegisteredErr) {
		existing, ok := alreadyRegisteredErr.ExistingCollector.(T)
		if !ok {
			return collector, fmt.Errorf("collector type mismatch for %T", collector)
		}
		return existing, nil
	}

	return collector, err
}
