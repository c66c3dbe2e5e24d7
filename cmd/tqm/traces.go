package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/Swind/go-task-queue-manager/observability/sqlite"
)

func tracesCommand() *cli.Command {
	return &cli.Command{
		Name:  "traces",
		Usage: "Print task traces stored by `tqm run --trace-db`",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "trace-db",
				Required: true,
				Usage:    "SQLite trace database",
			},
			&cli.IntFlag{
				Name:  "limit",
				Value: 20,
				Usage: "maximum rows to print",
			},
			&cli.DurationFlag{
				Name:  "slow",
				Usage: "only show tasks that took at least this long, slowest first",
			},
		},
		Action: tracesAction,
	}
}

func tracesAction(c *cli.Context) error {
	store, err := sqlite.Open(c.String("trace-db"), sqlite.Options{})
	if err != nil {
		return cli.Exit(fmt.Sprintf("open trace store: %v", err), 1)
	}
	defer store.Close()

	var traces []sqlite.Trace
	if slow := c.Duration("slow"); slow > 0 {
		traces, err = store.SlowTasks(c.Context, slow, c.Int("limit"))
	} else {
		traces, err = store.Recent(c.Context, c.Int("limit"))
	}
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	tw := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tQUEUE\tPRIORITY\tSEQ\tDURATION\tNAME")
	for _, t := range traces {
		name := t.Name
		if t.Panicked {
			name += " (panicked)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			t.StartedAt.Format(time.StampMicro), t.Queue, t.Priority, t.Sequence, t.Duration, name)
	}
	return tw.Flush()
}
