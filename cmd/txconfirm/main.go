package main

import (
	"fmt"
	"log"
	"os"
	"time"

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
		Name:  "txconfirm",
		Usage: "Submit Solana instructions and wait for confirmation",
		Description: `A command-line tool for the txconfirm submission service.

Use "submit" to sign and send directly against an RPC node, "client" to go
through a running server, and "db" to inspect the submissions journal.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		Commands: []*cli.Command{
			// Direct cluster commands
			{
				Name:  "submit",
				Usage: "Sign and submit an instruction directly to the cluster",
				Subcommands: []*cli.Command{
					submitInitializeCommand(),
					submitRawCommand(),
				},
			},
			statusCommand(),
			// Client commands (HTTP API)
			clientCommands(),
			// Journal inspection commands
			{
				Name:  "db",
				Usage: "Submissions journal inspection commands",
				Subcommands: []*cli.Command{
					listSubmissionsCommand(),
					getSubmissionCommand(),
					pruneSubmissionsCommand(),
				},
			},
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
				Name:    "rpc-url",
				Usage:   "Solana RPC URL",
				EnvVars: []string{"SOLANA_RPC_URL"},
				Value:   "https://api.devnet.solana.com",
			},
			&cli.StringFlag{
				Name:    "commitment",
				Usage:   "Required commitment level (processed, confirmed, finalized)",
				EnvVars: []string{"SOLANA_COMMITMENT"},
				Value:   "confirmed",
			},
			&cli.StringFlag{
				Name:    "keypair",
				Aliases: []string{"k"},
				Usage:   "Path to a solana-keygen keypair file",
				EnvVars: []string{"KEYPAIR_PATH"},
			},
			&cli.DurationFlag{
				Name:    "timeout",
				Usage:   "Confirmation timeout",
				EnvVars: []string{"CONFIRM_TIMEOUT"},
				Value:   30 * time.Second,
			},
			&cli.BoolFlag{
				Name:    "skip-preflight",
				Usage:   "Skip the node's simulation before broadcast",
				EnvVars: []string{"SKIP_PREFLIGHT"},
			},
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "Database connection URL",
				EnvVars: []string{"DATABASE_URL"},
			},
			&cli.StringFlag{
				Name:    "server-url",
				Usage:   "Server URL for client commands and health checks",
				EnvVars: []string{"SERVER_URL"},
				Value:   "http://localhost:8080",
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				EnvVars: []string{"LOG_LEVEL"},
				Value:   "warn",
			},
			&cli.BoolFlag{
				Name:    "json",
				Aliases: []string{"j"},
				Usage:   "Output in JSON format",
			},
			&cli.StringFlag{
				Name:  "jq",
				Usage: "Filter JSON output through a jq expression (implies --json)",
			},
		},
	}
}
