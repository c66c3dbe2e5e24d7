// Command tqm runs and inspects a task queue manager: a demo workload with
// metrics and traces, the reference scheduling scenarios, and stored traces.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

var version = "dev"

func newApp() *cli.App {
	return &cli.App{
		Name:    "tqm",
		Usage:   "cooperative task queue manager demo",
		Version: version,
		Commands: []*cli.Command{
			runCommand(),
			scenarioCommand(),
			tracesCommand(),
		},
	}
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
