package solana

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/brojonat/txconfirm/service/metrics"
	"github.com/brojonat/txconfirm/service/txerr"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// RPCClient is an interface for the Solana RPC operations we need.
// This allows us to mock the RPC layer in tests without hitting real Solana nodes.
type RPCClient interface {
	SendTransactionWithOpts(
		ctx context.Context,
		tx *solana.Transaction,
		opts rpc.TransactionOpts,
	) (solana.Signature, error)

	GetLatestBlockhash(
		ctx context.Context,
		commitment rpc.CommitmentType,
	) (*rpc.GetLatestBlockhashResult, error)

	GetSignatureStatuses(
		ctx context.Context,
		searchTransactionHistory bool,
		signatures ...solana.Signature,
	) (*rpc.GetSignatureStatusesResult, error)
}

// SignedPayload is a fully signed transaction ready for the wire.
// Transaction must fail rather than return a partially signed transaction.
type SignedPayload interface {
	Transaction() (*solana.Transaction, error)
}

// ConnectionConfig holds the read-only settings of a Connection.
type ConnectionConfig struct {
	// Endpoint identifies the cluster in logs and metrics (e.g. "devnet" or the RPC host).
	Endpoint string
	// Commitment is the default commitment for blockhash fetches and preflight.
	Commitment Level
	// SkipPreflight disables the node's simulation before broadcast.
	SkipPreflight bool
	// DescribeError names custom program error codes in rejection/failure reasons.
	DescribeError ErrorDescriber
}

// Connection issues the raw cluster calls: send, status, blockhash.
// It holds no per-submission state and is safe for concurrent use.
type Connection struct {
	rpc     RPCClient
	cfg     ConnectionConfig
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewConnection creates a new Connection.
// If metrics is nil, no metrics will be recorded.
func NewConnection(rpcClient RPCClient, cfg ConnectionConfig, m *metrics.Metrics, logger *slog.Logger) *Connection {
	if cfg.Commitment == LevelUnknown {
		cfg.Commitment = LevelConfirmed
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Connection{
		rpc:     rpcClient,
		cfg:     cfg,
		metrics: m,
		logger:  logger,
	}
}

// Commitment returns the connection's default commitment level.
func (c *Connection) Commitment() Level {
	return c.cfg.Commitment
}

// Endpoint returns the endpoint label.
func (c *Connection) Endpoint() string {
	return c.cfg.Endpoint
}

// Send broadcasts a signed transaction and returns its handle.
// Transport failures come back as txerr.KindNetwork, cluster refusals as
// txerr.KindRejected or txerr.KindStaleFreshnessToken.
func (c *Connection) Send(ctx context.Context, payload SignedPayload) (SubmissionHandle, error) {
	tx, err := payload.Transaction()
	if err != nil {
		return SubmissionHandle{}, err
	}

	opts := rpc.TransactionOpts{
		SkipPreflight:       c.cfg.SkipPreflight,
		PreflightCommitment: c.cfg.Commitment.Commitment(),
	}

	start := time.Now()
	sig, err := c.rpc.SendTransactionWithOpts(ctx, tx, opts)
	c.recordCall("sendTransaction", err, start)

	if err != nil {
		classified := classifySendError(err, c.cfg.DescribeError)
		c.logger.WarnContext(ctx, "send transaction failed",
			"signature", tx.Signatures[0].String(),
			"kind", txerr.KindOf(classified).String(),
			"error", err,
		)
		if c.metrics != nil {
			c.metrics.RecordSend(txerr.KindOf(classified).String())
		}
		return SubmissionHandle{}, classified
	}

	if c.metrics != nil {
		c.metrics.RecordSend("accepted")
	}
	c.logger.DebugContext(ctx, "transaction sent",
		"signature", sig.String(),
		"endpoint", c.cfg.Endpoint,
	)

	return SubmissionHandle{Signature: sig, SubmittedAt: time.Now()}, nil
}

// GetStatus reports the cluster's view of a submitted transaction.
// A signature the cluster has not seen yet is LevelUnknown, not an error.
func (c *Connection) GetStatus(ctx context.Context, handle SubmissionHandle) (ConfirmationStatus, error) {
	start := time.Now()
	out, err := c.rpc.GetSignatureStatuses(ctx, true, handle.Signature)
	c.recordCall("getSignatureStatuses", err, start)
	if err != nil {
		return ConfirmationStatus{}, txerr.Network("getStatus", err)
	}

	if out == nil || len(out.Value) == 0 || out.Value[0] == nil {
		return ConfirmationStatus{Level: LevelUnknown}, nil
	}

	return statusFromResult(out.Value[0], c.cfg.DescribeError), nil
}

// LatestBlockhash fetches a fresh freshness token at the connection's commitment.
func (c *Connection) LatestBlockhash(ctx context.Context) (FreshnessToken, error) {
	start := time.Now()
	out, err := c.rpc.GetLatestBlockhash(ctx, c.cfg.Commitment.Commitment())
	c.recordCall("getLatestBlockhash", err, start)
	if err != nil {
		return FreshnessToken{}, txerr.Network("getLatestBlockhash", err)
	}
	if out == nil || out.Value == nil {
		return FreshnessToken{}, txerr.Network("getLatestBlockhash", errors.New("empty blockhash response"))
	}

	return FreshnessToken{
		Blockhash:            out.Value.Blockhash,
		LastValidBlockHeight: out.Value.LastValidBlockHeight,
		FetchedAt:            time.Now(),
	}, nil
}

func (c *Connection) recordCall(method string, err error, start time.Time) {
	if c.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
		if strings.Contains(err.Error(), "429") {
			c.metrics.RecordRateLimitHit(c.cfg.Endpoint)
		}
	}
	c.metrics.RecordRPCCall(method, status, c.cfg.Endpoint, time.Since(start).Seconds())
}

// statusFromResult converts one getSignatureStatuses entry.
// A nil confirmations count with no explicit status means the slot is rooted.
func statusFromResult(r *rpc.SignatureStatusesResult, describe ErrorDescriber) ConfirmationStatus {
	if r.Err != nil {
		return ConfirmationStatus{
			Level:  LevelFailed,
			Slot:   r.Slot,
			Reason: describeTransactionError(r.Err, describe),
		}
	}

	status := ConfirmationStatus{Slot: r.Slot}
	switch r.ConfirmationStatus {
	case rpc.ConfirmationStatusFinalized:
		status.Level = LevelFinalized
	case rpc.ConfirmationStatusConfirmed:
		status.Level = LevelConfirmed
	case rpc.ConfirmationStatusProcessed:
		status.Level = LevelProcessed
	default:
		if r.Confirmations == nil {
			status.Level = LevelFinalized
		} else {
			status.Level = LevelProcessed
		}
	}
	return status
}
