// backfill-cli is the workflow-client CLI of spec §6: start, status,
// watch, pause, resume, cancel and health, each a thin wrapper over a
// Temporal client call against the already-running backfill-worker.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/dlncollector/backfill/internal/config"
)

const (
	clientIdentifier    = "backfill-cli"
	parentWorkflowID    = "backfill-parent"
	createdWorkflowID   = "collector-created"
	fulfilledWorkflowID = "collector-fulfilled"
)

var app = &cli.App{
	Name:  clientIdentifier,
	Usage: "control and observe the Solana order-event backfill engine",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "config", Usage: "path to a backfill config file"},
	},
	Commands: []*cli.Command{
		startCommand,
		statusCommand,
		watchCommand,
		pauseCommand,
		resumeCommand,
		cancelCommand,
		healthCommand,
	},
	Action: func(c *cli.Context) error {
		if c.Args().Present() {
			return cli.Exit(fmt.Sprintf("unknown command %q", c.Args().First()), 2)
		}
		return cli.ShowAppHelp(c)
	},
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
}

func exitCodeFor(err error) int {
	if _, ok := err.(cli.ExitCoder); ok {
		return err.(cli.ExitCoder).ExitCode()
	}
	return 1
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	return config.Load(c.String("config"))
}
