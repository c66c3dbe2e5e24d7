package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/Swind/go-task-queue-manager/core"
)

func scenarioCommand() *cli.Command {
	return &cli.Command{
		Name:  "scenario",
		Usage: "Run the priority and virtual-time reference scenarios",
		Action: func(c *cli.Context) error {
			order, err := priorityScenario()
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			fmt.Fprintf(c.App.Writer, "priority:     %s\n", strings.Join(order, " "))

			steps, err := virtualTimeScenario()
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			for _, s := range steps {
				fmt.Fprintf(c.App.Writer, "virtual time: %s\n", s)
			}
			return nil
		},
	}
}

func scenarioManager() (*core.SchedulerHelper, error) {
	m := core.NewTaskQueueManager(core.ManagerConfig{Logger: core.NewNoOpLogger()})
	h, err := core.NewSchedulerHelper(m)
	if err != nil {
		m.Shutdown()
		return nil, err
	}
	return h, nil
}

// priorityScenario posts t1 to the default queue, t2 to the control queue and
// t3 to the default queue, then runs until idle.
func priorityScenario() ([]string, error) {
	h, err := scenarioManager()
	if err != nil {
		return nil, err
	}
	defer h.Shutdown()

	var order []string
	record := func(label string) core.Task {
		return func(context.Context) { order = append(order, label) }
	}
	m := h.Manager()
	for _, post := range []struct {
		q     core.QueueHandle
		label string
	}{
		{h.DefaultQueue(), "t1"},
		{h.ControlQueue(), "t2"},
		{h.DefaultQueue(), "t3"},
	} {
		if err := m.PostTask(post.q, record(post.label)); err != nil {
			return nil, err
		}
	}
	m.RunUntilIdle(context.Background())
	return order, nil
}

// virtualTimeScenario posts a task 100ms out on a virtual domain and advances
// the domain in two 50ms steps.
func virtualTimeScenario() ([]string, error) {
	h, err := scenarioManager()
	if err != nil {
		return nil, err
	}
	defer h.Shutdown()

	start := time.Unix(0, 0)
	domain := core.NewVirtualTimeDomain("virtual", start)
	if err := h.RegisterTimeDomain(domain); err != nil {
		return nil, err
	}
	q, err := h.CreateQueue(core.QueueSpec{Name: "virtual", TimeDomain: domain})
	if err != nil {
		return nil, err
	}

	var ranAt time.Duration = -1
	m := h.Manager()
	if err := m.PostDelayedTask(q, func(context.Context) { ranAt = domain.Now().Sub(start) }, 100*time.Millisecond); err != nil {
		return nil, err
	}

	var steps []string
	for i := 0; i < 2; i++ {
		if err := domain.AdvanceBy(50 * time.Millisecond); err != nil {
			return nil, err
		}
		m.RunUntilIdle(context.Background())
		now := domain.Now().Sub(start)
		if ranAt < 0 {
			steps = append(steps, fmt.Sprintf("t=%s pending", now))
		} else {
			steps = append(steps, fmt.Sprintf("t=%s ran at %s", now, ranAt))
		}
	}
	return steps, nil
}
