package main

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/brojonat/txconfirm/service/config"
	"github.com/brojonat/txconfirm/service/instruction"
	"github.com/brojonat/txconfirm/service/program"
	"github.com/brojonat/txconfirm/service/solana"
	"github.com/brojonat/txconfirm/service/stack"
	"github.com/brojonat/txconfirm/service/submitter"
	"github.com/brojonat/txconfirm/service/txerr"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/urfave/cli/v2"
)

// submissionOutput is the JSON form of a direct submission.
type submissionOutput struct {
	Signature     string `json:"signature,omitempty"`
	Outcome       string `json:"outcome"`
	Status        string `json:"status,omitempty"`
	Slot          uint64 `json:"slot,omitempty"`
	Reason        string `json:"reason,omitempty"`
	Attempts      int    `json:"attempts"`
	StaleRetries  int    `json:"stale_retries"`
	ElapsedMS     int64  `json:"elapsed_ms"`
	Indeterminate bool   `json:"indeterminate"`
	Error         string `json:"error,omitempty"`
}

func submitInitializeCommand() *cli.Command {
	return &cli.Command{
		Name:  "initialize",
		Usage: "Call the market program's initialize instruction, paid by --keypair",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "program-id",
				Usage:   "Program id (defaults to the deployed market program)",
				EnvVars: []string{"PROGRAM_ID"},
			},
		},
		Action: func(c *cli.Context) error {
			return runSubmission(c, func(payer solanago.PublicKey) (*instruction.Instruction, error) {
				programID := program.ProgramID
				if s := c.String("program-id"); s != "" {
					pk, err := solanago.PublicKeyFromBase58(s)
					if err != nil {
						return nil, fmt.Errorf("invalid --program-id: %w", err)
					}
					programID = pk
				}
				return program.InitializeFor(programID, payer)
			})
		},
	}
}

func submitRawCommand() *cli.Command {
	return &cli.Command{
		Name:  "raw",
		Usage: "Submit an arbitrary single instruction, paid by --keypair",
		Description: `Accounts are given as PUBKEY[:FLAGS] where FLAGS is any of
w (writable) and s (signer). The keypair is always added as the fee payer.

Example:
  txconfirm submit raw --program-id MemoSq4gqABAXKb96qnH8TysNcWxMyWCqXgDLGmfcHr --data-base64 aGVsbG8=`,
		Flags: append(instructionFlags(), &cli.StringFlag{
			Name:    "program-id",
			Usage:   "Program id to invoke",
			EnvVars: []string{"PROGRAM_ID"},
		}),
		Action: func(c *cli.Context) error {
			return runSubmission(c, func(payer solanago.PublicKey) (*instruction.Instruction, error) {
				programID, err := solanago.PublicKeyFromBase58(c.String("program-id"))
				if err != nil {
					return nil, fmt.Errorf("invalid --program-id: %w", err)
				}
				accounts, err := parseAccounts(c.StringSlice("account"))
				if err != nil {
					return nil, err
				}
				data, err := instructionData(c)
				if err != nil {
					return nil, err
				}
				return instruction.Build(programID, withFeePayer(accounts, payer), data)
			})
		},
	}
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:      "status",
		Usage:     "Query the cluster's status for a signature",
		ArgsUsage: "SIGNATURE",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: signature")
			}
			sig, err := solanago.SignatureFromBase58(c.Args().First())
			if err != nil {
				return fmt.Errorf("invalid signature: %w", err)
			}

			commitment, err := solana.ParseLevel(c.String("commitment"))
			if err != nil {
				return err
			}
			conn := solana.NewConnection(solana.NewRPCClient(c.String("rpc-url")), solana.ConnectionConfig{
				Endpoint:      stack.EndpointLabel(c.String("rpc-url")),
				Commitment:    commitment,
				DescribeError: program.DescribeError,
			}, nil, newLogger(c))

			st, err := conn.GetStatus(context.Background(), solana.SubmissionHandle{Signature: sig})
			if err != nil {
				return fmt.Errorf("failed to get status: %w", err)
			}

			out := map[string]interface{}{
				"signature": sig.String(),
				"status":    st.Level.String(),
				"slot":      st.Slot,
			}
			if st.Reason != "" {
				out["reason"] = st.Reason
			}
			return output(c, out, func() {
				fmt.Printf("Signature: %s\n", sig)
				fmt.Printf("Status:    %s\n", st)
				if st.Slot > 0 {
					fmt.Printf("Slot:      %d\n", st.Slot)
				}
			})
		},
	}
}

// instructionFlags are the flags describing a raw instruction's accounts and data.
func instructionFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringSliceFlag{
			Name:    "account",
			Aliases: []string{"a"},
			Usage:   "Account as PUBKEY[:w][:s] (repeatable, in instruction order)",
		},
		&cli.StringFlag{
			Name:  "data-hex",
			Usage: "Instruction data as hex",
		},
		&cli.StringFlag{
			Name:  "data-base64",
			Usage: "Instruction data as base64",
		},
		&cli.StringFlag{
			Name:  "anchor-method",
			Usage: "Use the Anchor discriminator of this method as instruction data",
		},
	}
}

// runSubmission builds the local pipeline from global flags, builds the
// instruction with the keypair as fee payer, and submits it.
func runSubmission(c *cli.Context, build func(payer solanago.PublicKey) (*instruction.Instruction, error)) error {
	keypair := c.String("keypair")
	if keypair == "" {
		return fmt.Errorf("--keypair is required (or set KEYPAIR_PATH)")
	}
	commitment, err := solana.ParseLevel(c.String("commitment"))
	if err != nil {
		return err
	}

	cfg := &config.Config{
		SolanaRPCURL:       c.String("rpc-url"),
		Commitment:         commitment,
		SkipPreflight:      c.Bool("skip-preflight"),
		KeypairPath:        keypair,
		ConfirmTimeout:     c.Duration("timeout"),
		PollBackoffBase:    500 * time.Millisecond,
		PollBackoffCeiling: 4 * time.Second,
		MaxPollErrors:      5,
		BlockhashMaxAge:    60 * time.Second,
	}

	logger := newLogger(c)
	ctx := context.Background()
	pipeline, err := stack.Build(ctx, cfg, stack.Options{}, nil, logger)
	if err != nil {
		return err
	}
	defer pipeline.Close()

	ix, err := build(pipeline.Signers[0].PublicKey())
	if err != nil {
		return err
	}

	if !c.Bool("json") && c.String("jq") == "" {
		fmt.Fprintf(os.Stderr, "Submitting to %s (waiting up to %v for %s)...\n", pipeline.Connection.Endpoint(), cfg.ConfirmTimeout, commitment)
	}

	res, subErr := pipeline.Submitter.Submit(ctx, submitter.Request{
		Instructions: []*instruction.Instruction{ix},
		Signers:      pipeline.Signers,
		Required:     commitment,
		Timeout:      cfg.ConfirmTimeout,
	})
	out := toSubmissionOutput(res, subErr)

	if err := output(c, out, func() { printSubmission(out) }); err != nil {
		return err
	}
	if subErr != nil {
		return cli.Exit("", exitCode(subErr))
	}
	return nil
}

func toSubmissionOutput(res *submitter.Result, err error) submissionOutput {
	out := submissionOutput{
		Outcome:       submitter.Outcome(res, err),
		Indeterminate: txerr.Indeterminate(err),
	}
	if err != nil {
		out.Error = err.Error()
		out.Reason = txerr.ReasonOf(err)
	}
	if res != nil {
		out.Signature = res.Signature.String()
		out.Status = res.Status.Level.String()
		out.Slot = res.Status.Slot
		out.Attempts = res.Attempts
		out.StaleRetries = res.StaleRetries
		out.ElapsedMS = res.Elapsed.Milliseconds()
	}
	return out
}

func printSubmission(out submissionOutput) {
	mark := "✓"
	if out.Error != "" {
		mark = "✗"
	}
	if out.Indeterminate {
		mark = "?"
	}
	fmt.Printf("%s %s\n", mark, out.Outcome)
	if out.Signature != "" {
		fmt.Printf("Signature:     %s\n", out.Signature)
		fmt.Printf("Status:        %s\n", out.Status)
		if out.Slot > 0 {
			fmt.Printf("Slot:          %d\n", out.Slot)
		}
		fmt.Printf("Attempts:      %d (stale retries: %d)\n", out.Attempts, out.StaleRetries)
		fmt.Printf("Elapsed:       %v\n", time.Duration(out.ElapsedMS)*time.Millisecond)
	}
	if out.Reason != "" {
		fmt.Printf("Reason:        %s\n", out.Reason)
	} else if out.Error != "" {
		fmt.Printf("Error:         %s\n", out.Error)
	}
	if out.Indeterminate {
		fmt.Println("The transaction was sent but not confirmed in time; it may still land.")
	}
}

// exitCode distinguishes an unknown outcome from a definite failure.
func exitCode(err error) int {
	if txerr.Indeterminate(err) {
		return 2
	}
	return 1
}

// parseAccounts parses PUBKEY[:FLAGS] account specs.
func parseAccounts(specs []string) ([]instruction.AccountRef, error) {
	refs := make([]instruction.AccountRef, 0, len(specs))
	for i, spec := range specs {
		parts := strings.Split(spec, ":")
		pk, err := solanago.PublicKeyFromBase58(parts[0])
		if err != nil {
			return nil, fmt.Errorf("account %d: invalid public key %q: %w", i, parts[0], err)
		}
		ref := instruction.AccountRef{PublicKey: pk}
		for _, flags := range parts[1:] {
			for _, f := range flags {
				switch f {
				case 'w':
					ref.Writable = true
				case 's':
					ref.Signer = true
				default:
					return nil, fmt.Errorf("account %d: unknown flag %q (want w or s)", i, f)
				}
			}
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// withFeePayer marks payer as fee payer, prepending it when absent.
func withFeePayer(refs []instruction.AccountRef, payer solanago.PublicKey) []instruction.AccountRef {
	for i := range refs {
		if refs[i].PublicKey.Equals(payer) {
			refs[i].Signer = true
			refs[i].FeePayer = true
			return refs
		}
	}
	return append([]instruction.AccountRef{{PublicKey: payer, Signer: true, Writable: true, FeePayer: true}}, refs...)
}

// instructionData decodes at most one of the data flags.
func instructionData(c *cli.Context) ([]byte, error) {
	set := 0
	for _, name := range []string{"data-hex", "data-base64", "anchor-method"} {
		if c.String(name) != "" {
			set++
		}
	}
	if set > 1 {
		return nil, errors.New("use only one of --data-hex, --data-base64 and --anchor-method")
	}

	switch {
	case c.String("data-hex") != "":
		data, err := hex.DecodeString(strings.TrimPrefix(c.String("data-hex"), "0x"))
		if err != nil {
			return nil, fmt.Errorf("invalid --data-hex: %w", err)
		}
		return data, nil
	case c.String("data-base64") != "":
		data, err := base64.StdEncoding.DecodeString(c.String("data-base64"))
		if err != nil {
			return nil, fmt.Errorf("invalid --data-base64: %w", err)
		}
		return data, nil
	case c.String("anchor-method") != "":
		return instruction.AnchorData(c.String("anchor-method"), nil)
	default:
		return nil, nil
	}
}
