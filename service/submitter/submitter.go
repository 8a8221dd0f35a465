// Package submitter runs the submit-and-confirm flow: build a message over a
// fresh blockhash, sign it, send it, and wait for the required commitment.
package submitter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/txconfirm/service/confirm"
	"github.com/brojonat/txconfirm/service/db"
	"github.com/brojonat/txconfirm/service/instruction"
	"github.com/brojonat/txconfirm/service/message"
	"github.com/brojonat/txconfirm/service/metrics"
	"github.com/brojonat/txconfirm/service/nats"
	"github.com/brojonat/txconfirm/service/signer"
	"github.com/brojonat/txconfirm/service/solana"
	"github.com/brojonat/txconfirm/service/txerr"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"
)

const hookTimeout = 5 * time.Second

// Sender broadcasts signed transactions.
type Sender interface {
	Send(ctx context.Context, payload solana.SignedPayload) (solana.SubmissionHandle, error)
}

// TokenSource hands out freshness tokens and forgets the ones the cluster rejected.
type TokenSource interface {
	Get(ctx context.Context) (solana.FreshnessToken, error)
	Invalidate(tok solana.FreshnessToken)
}

// Awaiter waits for a sent transaction to reach a commitment level.
type Awaiter interface {
	Await(ctx context.Context, handle solana.SubmissionHandle, opts confirm.Options) (*confirm.Result, error)
}

// Recorder journals submission outcomes.
type Recorder interface {
	UpsertSubmission(ctx context.Context, params db.UpsertSubmissionParams) (*db.Submission, error)
}

// Notifier publishes submission outcomes.
type Notifier interface {
	PublishSubmission(ctx context.Context, event *nats.SubmissionEvent) error
}

type Config struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Clock   clockwork.Clock

	Sender Sender
	Tokens TokenSource
	Poller Awaiter

	// Required is the level a request waits for unless it sets its own.
	Required solana.Level

	// Recorder and Notifier are optional.
	Recorder Recorder
	Notifier Notifier
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Sender == nil {
		return errors.New("sender is required")
	}
	if c.Tokens == nil {
		return errors.New("token source is required")
	}
	if c.Poller == nil {
		return errors.New("poller is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Required == solana.LevelUnknown {
		c.Required = solana.LevelConfirmed
	}
	if c.Required == solana.LevelFailed {
		return errors.New("required level cannot be failed")
	}
	return nil
}

// Request is one submission.
type Request struct {
	Instructions []*instruction.Instruction
	Signers      []signer.Signer
	// Required defaults to Config.Required.
	Required solana.Level
	// Timeout bounds the confirmation wait only. Zero or negative means the
	// poller's configured default.
	Timeout time.Duration
}

// Result describes a submission. Signature is set whenever the cluster
// accepted the transaction, including when the wait later failed or timed out.
type Result struct {
	Signature    solanago.Signature
	Status       solana.ConfirmationStatus
	State        confirm.State
	Attempts     int
	StaleRetries int
	SubmittedAt  time.Time
	Elapsed      time.Duration
}

// Submitter is safe for concurrent use; each call is an independent flow.
type Submitter struct {
	cfg *Config
}

func New(cfg *Config) (*Submitter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Submitter{cfg: cfg}, nil
}

// SubmitAndConfirm submits ix signed by signers and waits up to timeout for
// the default commitment level. It returns the signature once confirmed.
func (s *Submitter) SubmitAndConfirm(ctx context.Context, ix *instruction.Instruction, signers []signer.Signer, timeout time.Duration) (solanago.Signature, error) {
	res, err := s.Submit(ctx, Request{
		Instructions: []*instruction.Instruction{ix},
		Signers:      signers,
		Timeout:      timeout,
	})
	if res == nil {
		return solanago.Signature{}, err
	}
	return res.Signature, err
}

// Submit runs the full flow. A stale blockhash rejection is retried once with
// a new blockhash; any other failure is returned as is. The returned Result is
// nil only when nothing was sent.
func (s *Submitter) Submit(ctx context.Context, req Request) (*Result, error) {
	start := s.cfg.Clock.Now()

	if len(req.Instructions) == 0 {
		return nil, s.finish(ctx, nil, start, txerr.Validation("submit", "at least one instruction is required"))
	}
	for i, ix := range req.Instructions {
		if ix == nil {
			return nil, s.finish(ctx, nil, start, txerr.Validation("submit", fmt.Sprintf("instruction %d is nil", i)))
		}
	}

	keyring := signer.NewKeyring(req.Signers...)
	for _, ix := range req.Instructions {
		for _, pk := range ix.Signers() {
			if !keyring.Has(pk) {
				return nil, s.finish(ctx, nil, start,
					txerr.Signing("submit", fmt.Sprintf("no signer provided for %s", pk), nil))
			}
		}
	}

	if req.Required == solana.LevelUnknown {
		req.Required = s.cfg.Required
	}

	res := &Result{}
	handle, err := s.send(ctx, req, keyring, res)
	if err != nil {
		return nil, s.finish(ctx, nil, start, err)
	}
	res.Signature = handle.Signature
	res.SubmittedAt = handle.SubmittedAt

	waited, err := s.cfg.Poller.Await(ctx, handle, confirm.Options{
		Required: req.Required,
		Timeout:  req.Timeout,
	})
	if waited != nil {
		res.State = waited.State
		res.Status = waited.Status
	}
	res.Elapsed = s.cfg.Clock.Since(start)

	s.report(ctx, req, res, err)
	return res, s.finish(ctx, res, start, err)
}

// send builds, signs and broadcasts, rebuilding once on a stale blockhash.
func (s *Submitter) send(ctx context.Context, req Request, keyring *signer.Keyring, res *Result) (solana.SubmissionHandle, error) {
	for {
		res.Attempts++

		tok, err := s.cfg.Tokens.Get(ctx)
		if err != nil {
			return solana.SubmissionHandle{}, err
		}
		msg, err := message.New(tok, req.Instructions...)
		if err != nil {
			return solana.SubmissionHandle{}, err
		}
		stx, err := keyring.SignMessage(ctx, msg)
		if err != nil {
			return solana.SubmissionHandle{}, err
		}

		handle, err := s.cfg.Sender.Send(ctx, stx)
		if err == nil {
			return handle, nil
		}
		if !errors.Is(err, txerr.ErrStaleFreshnessToken) {
			return solana.SubmissionHandle{}, err
		}

		s.cfg.Tokens.Invalidate(tok)
		if res.StaleRetries > 0 {
			return solana.SubmissionHandle{}, txerr.Rejected("submit",
				fmt.Sprintf("blockhash stale again after %d retry: %s", res.StaleRetries, txerr.ReasonOf(err)), err)
		}
		res.StaleRetries++
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RecordStaleTokenRetry()
		}
		s.cfg.Logger.InfoContext(ctx, "blockhash went stale, rebuilding",
			"blockhash", tok.Blockhash.String(),
			"attempt", res.Attempts,
		)
	}
}

// finish records metrics and logs the end of a submission. It returns err.
func (s *Submitter) finish(ctx context.Context, res *Result, start time.Time, err error) error {
	outcome := Outcome(res, err)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RecordSubmission(outcome, s.cfg.Clock.Since(start).Seconds())
	}

	attrs := []any{"outcome", outcome}
	if res != nil {
		attrs = append(attrs,
			"signature", res.Signature.String(),
			"attempts", res.Attempts,
			"stale_retries", res.StaleRetries,
			"elapsed", res.Elapsed,
		)
	}
	if err != nil {
		s.cfg.Logger.WarnContext(ctx, "submission did not confirm", append(attrs, "error", err)...)
	} else {
		s.cfg.Logger.InfoContext(ctx, "submission confirmed", attrs...)
	}
	return err
}

// report hands the outcome of a sent transaction to the journal and event
// stream. Their failures are logged only.
func (s *Submitter) report(ctx context.Context, req Request, res *Result, err error) {
	if s.cfg.Recorder == nil && s.cfg.Notifier == nil {
		return
	}

	// the caller's ctx may already be done when the wait timed out
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), hookTimeout)
	defer cancel()

	params := journalEntry(req, res, err, s.cfg.Clock.Now())
	sub := &db.Submission{
		Signature:     params.Signature,
		ProgramID:     params.ProgramID,
		FeePayer:      params.FeePayer,
		RequiredLevel: params.RequiredLevel,
		Outcome:       params.Outcome,
		Status:        params.Status,
		Slot:          params.Slot,
		Reason:        params.Reason,
		Attempts:      params.Attempts,
		StaleRetries:  params.StaleRetries,
		SubmittedAt:   params.SubmittedAt,
		CompletedAt:   params.CompletedAt,
	}

	if s.cfg.Recorder != nil {
		row, rerr := s.cfg.Recorder.UpsertSubmission(hctx, params)
		if rerr != nil {
			s.cfg.Logger.ErrorContext(ctx, "failed to journal submission",
				"signature", params.Signature,
				"error", rerr,
			)
		} else if row != nil {
			sub = row
		}
	}

	if s.cfg.Notifier != nil {
		if nerr := s.cfg.Notifier.PublishSubmission(hctx, nats.FromDBSubmission(sub)); nerr != nil {
			s.cfg.Logger.ErrorContext(ctx, "failed to publish submission event",
				"signature", params.Signature,
				"error", nerr,
			)
		}
	}
}

func journalEntry(req Request, res *Result, err error, now time.Time) db.UpsertSubmissionParams {
	first := req.Instructions[0]

	params := db.UpsertSubmissionParams{
		Signature:     res.Signature.String(),
		ProgramID:     first.ProgramID().String(),
		FeePayer:      first.FeePayer().String(),
		RequiredLevel: req.Required.String(),
		Outcome:       Outcome(res, err),
		Status:        res.Status.Level.String(),
		Slot:          int64(res.Status.Slot),
		Attempts:      int32(res.Attempts),
		StaleRetries:  int32(res.StaleRetries),
		SubmittedAt:   res.SubmittedAt,
	}
	if err != nil {
		reason := txerr.ReasonOf(err)
		params.Reason = &reason
	}
	if res.State != confirm.StateTimedOut {
		completed := now
		params.CompletedAt = &completed
	}
	return params
}

// Outcome names how a submission ended: the terminal state when the wait
// settled it, the error kind otherwise.
func Outcome(res *Result, err error) string {
	if err == nil {
		if res == nil {
			return "unknown"
		}
		return res.State.String()
	}
	switch kind := txerr.KindOf(err); kind {
	case txerr.KindConfirmationFailure:
		return confirm.StateFailed.String()
	default:
		return kind.String()
	}
}
