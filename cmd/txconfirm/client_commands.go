package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/brojonat/txconfirm/client"
	"github.com/urfave/cli/v2"
)

func clientCommands() *cli.Command {
	return &cli.Command{
		Name:  "client",
		Usage: "HTTP client commands for interacting with the txconfirm server",
		Subcommands: []*cli.Command{
			clientSubmitCommand(),
			clientStatusCommand(),
			clientListCommand(),
			clientWorkflowCommand(),
		},
	}
}

func newClient(c *cli.Context, timeout time.Duration) *client.Client {
	httpClient := &http.Client{
		Timeout: timeout + 30*time.Second, // Add buffer beyond server timeout
	}
	return client.NewClient(c.String("server-url"), httpClient, newLogger(c))
}

func clientSubmitCommand() *cli.Command {
	return &cli.Command{
		Name:  "submit",
		Usage: "Have the server sign and submit an instruction",
		Description: `Accounts are given as PUBKEY[:FLAGS] where FLAGS is any of
w (writable), s (signer) and p (fee payer). Signers must be held by the server.`,
		Flags: append(instructionFlags(),
			&cli.StringFlag{
				Name:     "program-id",
				Usage:    "Program id to invoke",
				EnvVars:  []string{"PROGRAM_ID"},
				Required: true,
			},
			&cli.BoolFlag{
				Name:  "async",
				Usage: "Hand the submission to a workflow and return its id",
			},
			&cli.StringFlag{
				Name:  "request-id",
				Usage: "Idempotency key for async submissions",
			},
		),
		Action: func(c *cli.Context) error {
			accounts, err := parseClientAccounts(c.StringSlice("account"))
			if err != nil {
				return err
			}
			data, err := instructionData(c)
			if err != nil {
				return err
			}

			timeout := c.Duration("timeout")
			req := client.SubmitRequest{
				ProgramID:  c.String("program-id"),
				Accounts:   accounts,
				Data:       data,
				Commitment: c.String("commitment"),
				Timeout:    timeout,
				RequestID:  c.String("request-id"),
			}
			cl := newClient(c, timeout)
			ctx := context.Background()

			if c.Bool("async") {
				id, err := cl.SubmitAsync(ctx, req)
				if err != nil {
					return fmt.Errorf("failed to start submission: %w", err)
				}
				return output(c, map[string]string{"workflow_id": id}, func() {
					fmt.Printf("✓ Submission workflow started: %s\n", id)
				})
			}

			sub, subErr := cl.Submit(ctx, req)
			if sub == nil {
				return fmt.Errorf("submission failed: %w", subErr)
			}
			out := submissionOutput{
				Signature:     sub.Signature,
				Outcome:       sub.Outcome,
				Status:        sub.Status,
				Slot:          sub.Slot,
				Reason:        sub.Reason,
				Attempts:      sub.Attempts,
				StaleRetries:  sub.StaleRetries,
				ElapsedMS:     sub.Elapsed.Milliseconds(),
				Indeterminate: sub.Indeterminate,
			}
			if subErr != nil {
				out.Error = subErr.Error()
			}
			if err := output(c, out, func() { printSubmission(out) }); err != nil {
				return err
			}
			if errors.Is(subErr, client.ErrIndeterminate) {
				return cli.Exit("", 2)
			}
			if subErr != nil {
				return cli.Exit("", 1)
			}
			return nil
		},
	}
}

func clientStatusCommand() *cli.Command {
	return &cli.Command{
		Name:      "status",
		Usage:     "Get a signature's status and journal entry from the server",
		ArgsUsage: "SIGNATURE",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: signature")
			}
			st, err := newClient(c, 0).Status(context.Background(), c.Args().First())
			if err != nil {
				return fmt.Errorf("failed to get status: %w", err)
			}
			return output(c, st, func() {
				fmt.Printf("Signature: %s\n", st.Signature)
				fmt.Printf("Status:    %s\n", st.Status)
				if st.Reason != "" {
					fmt.Printf("Reason:    %s\n", st.Reason)
				}
				if st.Journal != nil {
					fmt.Printf("Journaled: %s (attempts: %d, submitted: %s)\n",
						st.Journal.Outcome, st.Journal.Attempts, st.Journal.SubmittedAt.Format(time.RFC3339))
				}
			})
		},
	}
}

func clientListCommand() *cli.Command {
	return &cli.Command{
		Name:    "list",
		Usage:   "List journaled submissions through the server",
		Aliases: []string{"ls"},
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "outcome", Aliases: []string{"o"}, Usage: "Filter by outcome (e.g. timed_out)"},
			&cli.IntFlag{Name: "limit", Aliases: []string{"l"}, Value: 50, Usage: "Maximum number of rows"},
			&cli.IntFlag{Name: "offset", Usage: "Rows to skip"},
		},
		Action: func(c *cli.Context) error {
			subs, err := newClient(c, 0).List(context.Background(), c.String("outcome"), c.Int("limit"), c.Int("offset"))
			if err != nil {
				return fmt.Errorf("failed to list submissions: %w", err)
			}
			return output(c, subs, func() {
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "SIGNATURE\tOUTCOME\tSTATUS\tATTEMPTS\tSUBMITTED")
				for _, s := range subs {
					fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", s.Signature, s.Outcome, s.Status, s.Attempts, s.SubmittedAt.Format(time.RFC3339))
				}
				w.Flush()
				fmt.Fprintf(os.Stderr, "\nTotal: %d submissions\n", len(subs))
			})
		},
	}
}

func clientWorkflowCommand() *cli.Command {
	return &cli.Command{
		Name:      "workflow",
		Usage:     "Get the state of an async submission",
		ArgsUsage: "WORKFLOW_ID",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: workflow id")
			}
			st, err := newClient(c, 0).Workflow(context.Background(), c.Args().First())
			if err != nil {
				return fmt.Errorf("failed to get workflow: %w", err)
			}
			return output(c, st, func() {
				fmt.Printf("Workflow: %s\n", st.WorkflowID)
				fmt.Printf("Status:   %s\n", st.Status)
				if len(st.Result) > 0 {
					fmt.Printf("Result:   %s\n", st.Result)
				}
			})
		},
	}
}

// parseClientAccounts parses PUBKEY[:FLAGS] specs where p marks the fee payer.
func parseClientAccounts(specs []string) ([]client.Account, error) {
	accounts := make([]client.Account, 0, len(specs))
	for i, spec := range specs {
		key, flags, _ := strings.Cut(spec, ":")
		if key == "" {
			return nil, fmt.Errorf("account %d: public key is required", i)
		}
		acc := client.Account{PublicKey: key}
		for _, f := range flags {
			switch f {
			case 'w':
				acc.Writable = true
			case 's':
				acc.Signer = true
			case 'p':
				acc.FeePayer = true
				acc.Signer = true
			case ':':
				// PUBKEY:w:s is accepted as well as PUBKEY:ws
			default:
				return nil, fmt.Errorf("account %d: unknown flag %q (want w, s or p)", i, f)
			}
		}
		accounts = append(accounts, acc)
	}
	return accounts, nil
}
