// Package stack assembles the submission pipeline from configuration. The
// server, the worker and the CLI all run the same pipeline.
package stack

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/brojonat/txconfirm/service/blockhash"
	"github.com/brojonat/txconfirm/service/config"
	"github.com/brojonat/txconfirm/service/confirm"
	"github.com/brojonat/txconfirm/service/db"
	"github.com/brojonat/txconfirm/service/metrics"
	natspkg "github.com/brojonat/txconfirm/service/nats"
	"github.com/brojonat/txconfirm/service/program"
	"github.com/brojonat/txconfirm/service/signer"
	"github.com/brojonat/txconfirm/service/solana"
	"github.com/brojonat/txconfirm/service/submitter"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Options control which optional backends are attached.
type Options struct {
	// Hooks attaches the journal and publisher to the submitter itself. The
	// worker leaves this off because its RecordOutcome activity does the same.
	Hooks bool
	// RPC overrides the RPC client built from cfg.SolanaRPCURL.
	RPC solana.RPCClient
}

// Stack is a wired submission pipeline and the backends it owns.
type Stack struct {
	Connection *solana.Connection
	Tokens     *blockhash.Provider
	Poller     *confirm.Poller
	Submitter  *submitter.Submitter
	Signers    []signer.Signer

	Store     *db.Store                   // nil when DatabaseURL is empty
	Publisher *natspkg.JetStreamPublisher // nil when NATSURL is empty

	pool *pgxpool.Pool
}

// Build connects to the configured backends and wires the pipeline.
// Close must be called to release them.
func Build(ctx context.Context, cfg *config.Config, opts Options, m *metrics.Metrics, logger *slog.Logger) (*Stack, error) {
	s := &Stack{}

	if cfg.KeypairPath == "" {
		return nil, fmt.Errorf("KEYPAIR_PATH is required to sign submissions")
	}
	key, err := signer.LoadKeygenFile(cfg.KeypairPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load keypair: %w", err)
	}
	s.Signers = []signer.Signer{key}
	logger.Info("loaded signing key", "signer", key)

	rpcClient := opts.RPC
	if rpcClient == nil {
		// Note: for premium RPC endpoints, include the API key in the URL
		rpcClient = solana.NewRPCClient(cfg.SolanaRPCURL)
	}
	s.Connection = solana.NewConnection(rpcClient, solana.ConnectionConfig{
		Endpoint:      EndpointLabel(cfg.SolanaRPCURL),
		Commitment:    cfg.Commitment,
		SkipPreflight: cfg.SkipPreflight,
		DescribeError: program.DescribeError,
	}, m, logger)

	s.Tokens, err = blockhash.NewProvider(&blockhash.ProviderConfig{
		Logger:  logger,
		Fetcher: s.Connection,
		Metrics: m,
		MaxAge:  cfg.BlockhashMaxAge,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create blockhash provider: %w", err)
	}

	s.Poller, err = confirm.NewPoller(s.Connection, &confirm.Config{
		Logger:         logger,
		Metrics:        m,
		Required:       cfg.Commitment,
		Timeout:        cfg.ConfirmTimeout,
		BackoffBase:    cfg.PollBackoffBase,
		BackoffCeiling: cfg.PollBackoffCeiling,
		MaxPollErrors:  cfg.MaxPollErrors,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create confirmation poller: %w", err)
	}

	if cfg.DatabaseURL != "" {
		if err := s.connectStore(ctx, cfg.DatabaseURL, m, logger); err != nil {
			s.Close()
			return nil, err
		}
	}

	if cfg.NATSURL != "" {
		s.Publisher, err = natspkg.NewPublisher(cfg.NATSURL, m, logger)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to create NATS publisher: %w", err)
		}
		logger.Info("connected to NATS", "url", cfg.NATSURL)
	}

	subCfg := &submitter.Config{
		Logger:   logger,
		Metrics:  m,
		Sender:   s.Connection,
		Tokens:   s.Tokens,
		Poller:   s.Poller,
		Required: cfg.Commitment,
	}
	if opts.Hooks {
		// typed nils must not reach the interface fields
		if s.Store != nil {
			subCfg.Recorder = s.Store
		}
		if s.Publisher != nil {
			subCfg.Notifier = s.Publisher
		}
	}
	s.Submitter, err = submitter.New(subCfg)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to create submitter: %w", err)
	}

	logger.Info("submission pipeline ready",
		"endpoint", s.Connection.Endpoint(),
		"commitment", cfg.Commitment.String(),
		"journal", s.Store != nil,
		"events", s.Publisher != nil,
	)
	return s, nil
}

func (s *Stack) connectStore(ctx context.Context, databaseURL string, m *metrics.Metrics, logger *slog.Logger) error {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}
	s.pool = pool
	s.Store = db.NewStore(pool, m)
	if err := s.Store.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	logger.Info("connected to database")
	return nil
}

// Close releases the database pool and the NATS connection.
func (s *Stack) Close() {
	if s.Publisher != nil {
		s.Publisher.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

// EndpointLabel extracts a short identifier from a Solana RPC URL for metrics
// labeling, so API keys in the URL never reach a label.
//
//   - "https://api.mainnet-beta.solana.com" -> "mainnet"
//   - "https://mainnet.helius-rpc.com/?api-key=..." -> "helius"
//   - "http://127.0.0.1:8899" -> "127.0.0.1"
func EndpointLabel(rpcURL string) string {
	parsed, err := url.Parse(rpcURL)
	if err != nil || parsed.Hostname() == "" {
		return "unknown"
	}
	host := parsed.Hostname()

	for _, provider := range []string{"helius", "quiknode", "quicknode", "alchemy", "triton", "rpcpool"} {
		if strings.Contains(host, provider) {
			if provider == "quicknode" {
				return "quiknode"
			}
			return provider
		}
	}
	for _, cluster := range []string{"mainnet", "devnet", "testnet"} {
		if strings.Contains(host, cluster) {
			return cluster
		}
	}
	return host
}
