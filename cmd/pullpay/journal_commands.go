package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/brojonat/pullpay/client"
	"github.com/brojonat/pullpay/service/temporal"
	"github.com/ethereum/go-ethereum/common"
	"github.com/itchyny/gojq"
	"github.com/urfave/cli/v2"
)

func getTransferCommand() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "Get a journaled transfer by transaction hash",
		ArgsUsage: "TX_HASH",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: transaction hash")
			}

			t, err := newClient(c, 30*time.Second).GetTransfer(context.Background(), c.Args().First())
			if err != nil {
				return fmt.Errorf("failed to get transfer: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(c.App.Writer, t)
			}

			w := c.App.Writer
			fmt.Fprintf(w, "Hash:       %s\n", t.Hash)
			fmt.Fprintf(w, "Status:     %s\n", t.Status)
			if t.ErrorKind != "" {
				fmt.Fprintf(w, "Error Kind: %s\n", t.ErrorKind)
			}
			fmt.Fprintf(w, "Depositor:  %s\n", t.Depositor)
			fmt.Fprintf(w, "Recipient:  %s\n", t.Recipient)
			fmt.Fprintf(w, "Token:      %s\n", t.Token)
			fmt.Fprintf(w, "Amount:     %s (%s minor units)\n", t.Amount, t.AmountMinor)
			if t.RequestID != "" {
				fmt.Fprintf(w, "Request ID: %s\n", t.RequestID)
			}
			fmt.Fprintf(w, "Created:    %s\n", t.CreatedAt.Format(time.RFC3339))
			fmt.Fprintf(w, "Updated:    %s\n", t.UpdatedAt.Format(time.RFC3339))
			return nil
		},
	}
}

func listTransfersCommand() *cli.Command {
	return &cli.Command{
		Name:    "list",
		Aliases: []string{"ls"},
		Usage:   "List journaled transfers, most recent first",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "depositor",
				Usage: "Only transfers pulled from this address",
			},
			&cli.StringFlag{
				Name:  "status",
				Usage: "Filter by status (submitted, confirmed, reverted, timeout, failed)",
			},
			&cli.IntFlag{
				Name:  "limit",
				Usage: "Maximum number of transfers to return",
				Value: 100,
			},
			&cli.IntFlag{
				Name:  "offset",
				Usage: "Number of transfers to skip",
			},
			&cli.StringSliceFlag{
				Name:  "jq",
				Usage: "jq filter expression that must evaluate to true (can be specified multiple times, all must match)",
			},
		},
		Action: func(c *cli.Context) error {
			filters, err := compileJQFilters(c.StringSlice("jq"))
			if err != nil {
				return err
			}

			transfers, err := newClient(c, 30*time.Second).ListTransfers(context.Background(), client.ListTransfersOptions{
				Depositor: c.String("depositor"),
				Status:    c.String("status"),
				Limit:     c.Int("limit"),
				Offset:    c.Int("offset"),
			})
			if err != nil {
				return fmt.Errorf("failed to list transfers: %w", err)
			}

			if len(filters) > 0 {
				filtered := make([]*client.Transfer, 0, len(transfers))
				for _, t := range transfers {
					ok, err := matchesJQ(filters, t)
					if err != nil {
						return err
					}
					if ok {
						filtered = append(filtered, t)
					}
				}
				transfers = filtered
			}

			if c.Bool("json") {
				return outputJSON(c.App.Writer, transfers)
			}

			w := tabwriter.NewWriter(c.App.Writer, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "HASH\tSTATUS\tDEPOSITOR\tRECIPIENT\tAMOUNT\tCREATED")
			for _, t := range transfers {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					t.Hash,
					t.Status,
					t.Depositor,
					t.Recipient,
					t.Amount,
					t.CreatedAt.Format(time.RFC3339),
				)
			}
			w.Flush()

			fmt.Fprintf(c.App.ErrWriter, "\nTotal: %d transfers\n", len(transfers))
			return nil
		},
	}
}

func watchTransfersCommand() *cli.Command {
	return &cli.Command{
		Name:      "watch",
		Usage:     "Block until a transfer event matching the criteria arrives",
		ArgsUsage: "[DEPOSITOR_ADDRESS]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "hash",
				Usage: "Match an exact transaction hash",
			},
			&cli.StringFlag{
				Name:  "status",
				Usage: "Match a lifecycle status (submitted, confirmed, reverted, timeout)",
			},
			&cli.StringSliceFlag{
				Name:  "jq",
				Usage: "jq filter expression over the event that must evaluate to true",
			},
			&cli.DurationFlag{
				Name:    "timeout",
				Aliases: []string{"t"},
				Value:   5 * time.Minute,
				Usage:   "How long to wait for a matching event",
			},
		},
		Action: func(c *cli.Context) error {
			hash := strings.ToLower(c.String("hash"))
			status := c.String("status")
			filters, err := compileJQFilters(c.StringSlice("jq"))
			if err != nil {
				return err
			}
			if hash == "" && status == "" && len(filters) == 0 {
				return fmt.Errorf("must specify at least one filter: --hash, --status or --jq")
			}

			matcher := func(e *client.TransferEvent) bool {
				if hash != "" && strings.ToLower(e.Hash) != hash {
					return false
				}
				if status != "" && e.Status != status {
					return false
				}
				ok, err := matchesJQ(filters, e)
				return err == nil && ok
			}

			if !c.Bool("json") {
				fmt.Fprintf(c.App.ErrWriter, "Waiting for transfer event...\n")
				fmt.Fprintf(c.App.ErrWriter, "  Timeout: %v\n\n", c.Duration("timeout"))
			}

			ctx, cancel := context.WithTimeout(context.Background(), c.Duration("timeout"))
			defer cancel()

			event, err := newClient(c, 0).Await(ctx, c.Args().First(), matcher)
			if err != nil {
				return fmt.Errorf("failed to await transfer event: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(c.App.Writer, event)
			}

			fmt.Fprintf(c.App.Writer, "✓ Transfer %s\n", event.Status)
			fmt.Fprintf(c.App.Writer, "  Hash:      %s\n", event.Hash)
			fmt.Fprintf(c.App.Writer, "  Depositor: %s\n", event.Depositor)
			fmt.Fprintf(c.App.Writer, "  Amount:    %s\n", event.Amount)
			return nil
		},
	}
}

func reconcileCommand() *cli.Command {
	return &cli.Command{
		Name:      "reconcile",
		Usage:     "Start receipt reconciliation for a transfer whose confirmation was not observed",
		ArgsUsage: "TX_HASH",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "depositor",
				Usage: "Depositor address, used for the published event subject",
			},
			&cli.IntFlag{
				Name:  "max-attempts",
				Usage: "Receipt lookups before giving up (0 uses the workflow default)",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: transaction hash")
			}
			hash := c.Args().First()
			if !isTxHash(hash) {
				return fmt.Errorf("invalid transaction hash: must be 0x followed by 64 hex characters")
			}

			temporalClient, err := temporal.NewClient(
				c.String("temporal-host"),
				c.String("temporal-namespace"),
				c.String("temporal-task-queue"),
				newLogger(),
			)
			if err != nil {
				return err
			}
			defer temporalClient.Close()

			input := temporal.ReconcileTransferInput{
				Hash:        common.HexToHash(hash).Hex(),
				Depositor:   c.String("depositor"),
				MaxAttempts: int32(c.Int("max-attempts")),
			}
			if err := temporalClient.StartReconcile(context.Background(), input); err != nil {
				return fmt.Errorf("failed to start reconciliation: %w", err)
			}

			fmt.Fprintf(c.App.Writer, "✓ Reconciliation started for %s\n", input.Hash)
			return nil
		},
	}
}

// compileJQFilters parses and compiles each jq expression.
func compileJQFilters(filters []string) ([]*gojq.Code, error) {
	codes := make([]*gojq.Code, 0, len(filters))
	for _, filter := range filters {
		query, err := gojq.Parse(filter)
		if err != nil {
			return nil, fmt.Errorf("failed to parse jq filter %q: %w", filter, err)
		}
		code, err := gojq.Compile(query)
		if err != nil {
			return nil, fmt.Errorf("failed to compile jq filter %q: %w", filter, err)
		}
		codes = append(codes, code)
	}
	return codes, nil
}

// matchesJQ reports whether every filter yields a truthy first result for v.
// v is converted to its JSON form first so filters see the wire field names.
func matchesJQ(codes []*gojq.Code, v interface{}) (bool, error) {
	if len(codes) == 0 {
		return true, nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		return false, fmt.Errorf("failed to marshal value for jq: %w", err)
	}
	var input interface{}
	if err := json.Unmarshal(data, &input); err != nil {
		return false, fmt.Errorf("failed to unmarshal value for jq: %w", err)
	}

	for _, code := range codes {
		iter := code.Run(input)
		result, ok := iter.Next()
		if !ok {
			return false, nil
		}
		if err, isErr := result.(error); isErr {
			return false, fmt.Errorf("jq filter failed: %w", err)
		}
		if !isTruthy(result) {
			return false, nil
		}
	}
	return true, nil
}

// isTruthy follows jq semantics: only false and null are falsy.
func isTruthy(v interface{}) bool {
	if v == nil {
		return false
	}
	if b, ok := v.(bool); ok {
		return b
	}
	return true
}

func isTxHash(s string) bool {
	if len(s) != 66 || !strings.HasPrefix(s, "0x") {
		return false
	}
	for _, r := range s[2:] {
		if !strings.ContainsRune("0123456789abcdefABCDEF", r) {
			return false
		}
	}
	return true
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError, // Only errors to stderr
	}))
}
