package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/brojonat/pullpay/client"
	"github.com/urfave/cli/v2"
)

func transferCommand() *cli.Command {
	return &cli.Command{
		Name:      "transfer",
		Usage:     "Pull tokens from a depositor to a recipient and wait for confirmation",
		ArgsUsage: "FROM_ADDRESS RECIPIENT_ADDRESS AMOUNT",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "request-id",
				Usage: "Correlation id forwarded as X-Request-ID",
			},
			&cli.DurationFlag{
				Name:    "timeout",
				Aliases: []string{"t"},
				Value:   5 * time.Minute,
				Usage:   "How long to wait for the server to answer",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 3 {
				return fmt.Errorf("requires exactly three arguments: from address, recipient address and amount")
			}

			cl := newClient(c, c.Duration("timeout"))
			res, err := cl.Transfer(context.Background(), c.Args().Get(0), c.Args().Get(1), c.Args().Get(2), c.String("request-id"))
			if err != nil {
				return fmt.Errorf("transfer failed: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(c.App.Writer, map[string]string{
					"hash":       res.Hash,
					"request_id": res.RequestID,
				})
			}

			fmt.Fprintf(c.App.Writer, "✓ Transfer confirmed\n")
			fmt.Fprintf(c.App.Writer, "  Hash:       %s\n", res.Hash)
			fmt.Fprintf(c.App.Writer, "  Request ID: %s\n", res.RequestID)
			return nil
		},
	}
}

func allowanceCommand() *cli.Command {
	return &cli.Command{
		Name:      "allowance",
		Usage:     "Show how much the operator may pull from an owner",
		ArgsUsage: "OWNER_ADDRESS",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: owner address")
			}

			a, err := newClient(c, 30*time.Second).Allowance(context.Background(), c.Args().First())
			if err != nil {
				return fmt.Errorf("failed to get allowance: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(c.App.Writer, a)
			}

			fmt.Fprintf(c.App.Writer, "Owner:     %s\n", a.Owner)
			fmt.Fprintf(c.App.Writer, "Spender:   %s\n", a.Spender)
			fmt.Fprintf(c.App.Writer, "Token:     %s (%d decimals)\n", a.Token, a.Decimals)
			fmt.Fprintf(c.App.Writer, "Allowance: %s\n", a.Allowance)
			fmt.Fprintf(c.App.Writer, "Balance:   %s\n", a.Balance)
			return nil
		},
	}
}

func infoCommand() *cli.Command {
	return &cli.Command{
		Name:  "info",
		Usage: "Show the token and operator addresses depositors must approve",
		Action: func(c *cli.Context) error {
			info, err := newClient(c, 30*time.Second).Info(context.Background())
			if err != nil {
				return fmt.Errorf("failed to get service info: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(c.App.Writer, info)
			}

			fmt.Fprintf(c.App.Writer, "Token:    %s\n", info.Token)
			fmt.Fprintf(c.App.Writer, "Operator: %s\n", info.Operator)
			return nil
		},
	}
}

// newClient builds an API client for the --server-url flag.
func newClient(c *cli.Context, timeout time.Duration) *client.Client {
	return client.NewClient(c.String("server-url"), &http.Client{Timeout: timeout}, newLogger())
}

// outputJSON writes v as indented JSON.
func outputJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
