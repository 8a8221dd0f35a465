package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/brojonat/txconfirm/service/db"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/urfave/cli/v2"
)

func listSubmissionsCommand() *cli.Command {
	return &cli.Command{
		Name:    "list-submissions",
		Usage:   "List journaled submissions, newest first",
		Aliases: []string{"ls"},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "outcome",
				Aliases: []string{"o"},
				Usage:   "Filter by outcome (confirmed, failed, timed_out, ...)",
			},
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"l"},
				Value:   50,
				Usage:   "Maximum number of rows",
			},
		},
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			subs, err := store.ListSubmissions(context.Background(), db.ListSubmissionsParams{
				Outcome: c.String("outcome"),
				Limit:   int32(c.Int("limit")),
			})
			if err != nil {
				return fmt.Errorf("failed to list submissions: %w", err)
			}

			return output(c, subs, func() {
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "SIGNATURE\tOUTCOME\tSTATUS\tSLOT\tATTEMPTS\tSUBMITTED")
				for _, s := range subs {
					fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n",
						s.Signature,
						s.Outcome,
						s.Status,
						s.Slot,
						s.Attempts,
						s.SubmittedAt.Format(time.RFC3339),
					)
				}
				w.Flush()

				fmt.Fprintf(os.Stderr, "\nTotal: %d submissions\n", len(subs))
			})
		},
	}
}

func getSubmissionCommand() *cli.Command {
	return &cli.Command{
		Name:      "get-submission",
		Usage:     "Get a journaled submission",
		Aliases:   []string{"get"},
		ArgsUsage: "<signature>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: signature")
			}

			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			sub, err := store.GetSubmission(context.Background(), c.Args().First())
			if err != nil {
				return fmt.Errorf("failed to get submission: %w", err)
			}

			return output(c, sub, func() {
				fmt.Printf("Signature:     %s\n", sub.Signature)
				fmt.Printf("Program:       %s\n", sub.ProgramID)
				fmt.Printf("Fee Payer:     %s\n", sub.FeePayer)
				fmt.Printf("Required:      %s\n", sub.RequiredLevel)
				fmt.Printf("Outcome:       %s\n", sub.Outcome)
				fmt.Printf("Status:        %s\n", sub.Status)
				fmt.Printf("Slot:          %d\n", sub.Slot)
				if sub.Reason != nil {
					fmt.Printf("Reason:        %s\n", *sub.Reason)
				}
				fmt.Printf("Attempts:      %d (stale retries: %d)\n", sub.Attempts, sub.StaleRetries)
				fmt.Printf("Submitted:     %s\n", sub.SubmittedAt.Format(time.RFC3339))
				if sub.CompletedAt != nil {
					fmt.Printf("Completed:     %s\n", sub.CompletedAt.Format(time.RFC3339))
				} else {
					fmt.Printf("Completed:     (outcome unknown)\n")
				}
			})
		},
	}
}

func pruneSubmissionsCommand() *cli.Command {
	return &cli.Command{
		Name:  "prune",
		Usage: "Delete journaled submissions older than a cutoff",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:     "older-than",
				Usage:    "Delete submissions sent before now minus this duration (e.g. 720h)",
				Required: true,
			},
		},
		Action: func(c *cli.Context) error {
			olderThan := c.Duration("older-than")
			if olderThan <= 0 {
				return fmt.Errorf("older-than must be positive")
			}

			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			cutoff := time.Now().Add(-olderThan)
			deleted, err := store.DeleteSubmissionsOlderThan(context.Background(), cutoff)
			if err != nil {
				return fmt.Errorf("failed to prune submissions: %w", err)
			}

			result := map[string]interface{}{
				"deleted": deleted,
				"cutoff":  cutoff.UTC().Format(time.RFC3339),
			}
			return output(c, result, func() {
				fmt.Printf("Deleted %d submissions sent before %s\n", deleted, cutoff.UTC().Format(time.RFC3339))
			})
		},
	}
}

// getStore creates a database store from CLI context.
func getStore(c *cli.Context) (*db.Store, func(), error) {
	dbURL := c.String("database-url")
	if dbURL == "" {
		return nil, nil, fmt.Errorf("database-url is required (set DATABASE_URL env var or use --database-url)")
	}

	pool, err := pgxpool.New(context.Background(), dbURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := db.NewStore(pool, nil)
	closer := func() { pool.Close() }

	return store, closer, nil
}
