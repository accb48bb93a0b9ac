package main

import (
	"fmt"
	"log"
	"os"

	"github.com/urfave/cli/v2"
)

var (
	// Version information (set via ldflags during build)
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "pullpay",
		Usage: "Delegated ERC-20 transfer service CLI",
		Description: `A command-line tool for the pullpay service.

Use this CLI to request transfers, check allowances, inspect the transfer
journal and start reconciliation of unconfirmed transfers.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		Commands: []*cli.Command{
			transferCommand(),
			allowanceCommand(),
			infoCommand(),
			// Transfer journal commands
			{
				Name:  "transfers",
				Usage: "Transfer journal commands",
				Subcommands: []*cli.Command{
					getTransferCommand(),
					listTransfersCommand(),
					watchTransfersCommand(),
				},
			},
			reconcileCommand(),
			// Server utility commands
			{
				Name:  "server",
				Usage: "Server utility commands",
				Subcommands: []*cli.Command{
					healthCommand(),
					versionCommand(),
				},
			},
		},
		// Global flags available to all commands
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server-url",
				Aliases: []string{"s"},
				Usage:   "pullpay server URL",
				EnvVars: []string{"PULLPAY_SERVER_URL", "SERVER_URL"},
				Value:   "http://localhost:8080",
			},
			&cli.StringFlag{
				Name:    "temporal-host",
				Usage:   "Temporal server address",
				EnvVars: []string{"TEMPORAL_HOST"},
				Value:   "localhost:7233",
			},
			&cli.StringFlag{
				Name:    "temporal-namespace",
				Usage:   "Temporal namespace",
				EnvVars: []string{"TEMPORAL_NAMESPACE"},
				Value:   "default",
			},
			&cli.StringFlag{
				Name:    "temporal-task-queue",
				Usage:   "Temporal task queue served by the reconciliation worker",
				EnvVars: []string{"TEMPORAL_TASK_QUEUE"},
				Value:   "pullpay-reconcile",
			},
			&cli.BoolFlag{
				Name:    "json",
				Aliases: []string{"j"},
				Usage:   "Output in JSON format",
			},
		},
	}
}
