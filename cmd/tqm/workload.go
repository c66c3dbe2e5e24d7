package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/hackebrot/go-fibonacci"
	"github.com/sourcegraph/conc/pool"

	"github.com/Swind/go-task-queue-manager/core"
	"github.com/Swind/go-task-queue-manager/internal/config"
)

type namedQueue struct {
	name   string
	handle core.QueueHandle
}

// workload posts fibonacci tasks from several producer goroutines at once.
type workload struct {
	cfg      config.WorkloadConfig
	manager  *core.TaskQueueManager
	queues   []namedQueue
	strategy fibonacci.Strategy
	logger   core.Logger
	seed     uint64

	posted   atomic.Int64
	computed atomic.Int64
}

func newWorkload(cfg config.WorkloadConfig, m *core.TaskQueueManager, queues []namedQueue, logger core.Logger) *workload {
	return &workload{
		cfg:      cfg,
		manager:  m,
		queues:   queues,
		strategy: fibonacci.NewRecursive(),
		logger:   logger,
		seed:     uint64(time.Now().UnixNano()),
	}
}

func (w *workload) fibTask(n int) core.Task {
	return func(ctx context.Context) {
		result := w.strategy.Compute(n)
		w.computed.Add(1)
		if info, ok := core.CurrentTaskInfo(ctx); ok {
			w.logger.Debug("fibonacci computed",
				core.F("n", n),
				core.F("result", result),
				core.F("queue", info.Queue.Name),
				core.F("sequence", info.Sequence))
		}
	}
}

// produce runs every producer to completion. A producer stops early when ctx
// ends or the manager shuts down.
func (w *workload) produce(ctx context.Context) error {
	if len(w.queues) == 0 {
		return errors.New("workload has no queues")
	}
	p := pool.New().WithContext(ctx).WithCancelOnError()
	for id := 0; id < w.cfg.Producers; id++ {
		p.Go(func(ctx context.Context) error {
			return w.runProducer(ctx, id)
		})
	}
	return p.Wait()
}

func (w *workload) runProducer(ctx context.Context, id int) error {
	rng := rand.New(rand.NewPCG(w.seed, uint64(id)))
	for i := 0; i < w.cfg.TasksPerProducer; i++ {
		if ctx.Err() != nil {
			return nil
		}
		q := w.queues[rng.IntN(len(w.queues))]
		n := rng.IntN(w.cfg.FibN + 1)
		opts := core.TaskOptions{Name: fmt.Sprintf("fib(%d)", n)}
		if w.cfg.MaxDelay > 0 && rng.IntN(4) == 0 {
			opts.Delay = time.Duration(rng.Int64N(int64(w.cfg.MaxDelay)))
		}

		if _, err := w.manager.PostTaskWithOptions(q.handle, w.fibTask(n), opts); err != nil {
			if errors.Is(err, core.ErrManagerShutdown) {
				return nil
			}
			return fmt.Errorf("producer %d: post to %s: %w", id, q.name, err)
		}
		w.posted.Add(1)
	}
	return nil
}
