package temporal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/txconfirm/service/confirm"
	"github.com/brojonat/txconfirm/service/db"
	"github.com/brojonat/txconfirm/service/instruction"
	"github.com/brojonat/txconfirm/service/metrics"
	natspkg "github.com/brojonat/txconfirm/service/nats"
	"github.com/brojonat/txconfirm/service/signer"
	"github.com/brojonat/txconfirm/service/solana"
	"github.com/brojonat/txconfirm/service/submitter"
	"github.com/brojonat/txconfirm/service/txerr"
	solanago "github.com/gagliardetto/solana-go"
	temporalsdk "go.temporal.io/sdk/temporal"
)

// AccountInput is one account of a submitted instruction.
type AccountInput struct {
	PublicKey string `json:"public_key"`
	Writable  bool   `json:"writable"`
	Signer    bool   `json:"signer"`
	FeePayer  bool   `json:"fee_payer"`
}

// SubmitInstructionInput contains the instruction to submit. Signatures come
// from the worker's keyring, so every signer account must be held there.
type SubmitInstructionInput struct {
	ProgramID string         `json:"program_id"`
	Accounts  []AccountInput `json:"accounts"`
	Data      []byte         `json:"data"`
	// Required is processed, confirmed or finalized. Empty means the worker default.
	Required string `json:"required,omitempty"`
	// Timeout bounds the confirmation wait and sets the activity deadline.
	// The workflow rejects a zero timeout.
	Timeout time.Duration `json:"timeout"`
}

// FeePayer returns the account flagged as fee payer, or "".
func (in SubmitInstructionInput) FeePayer() string {
	for _, acc := range in.Accounts {
		if acc.FeePayer {
			return acc.PublicKey
		}
	}
	return ""
}

// SubmitInstructionResult is the settled outcome of a submission.
type SubmitInstructionResult struct {
	Signature     string     `json:"signature,omitempty"`
	Outcome       string     `json:"outcome"`
	Status        string     `json:"status,omitempty"`
	Slot          uint64     `json:"slot,omitempty"`
	Reason        string     `json:"reason,omitempty"`
	Attempts      int        `json:"attempts"`
	StaleRetries  int        `json:"stale_retries"`
	Indeterminate bool       `json:"indeterminate"`
	SubmittedAt   time.Time  `json:"submitted_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	Error         string     `json:"error,omitempty"`
}

// RecordOutcomeInput contains a settled submission to journal and publish.
type RecordOutcomeInput struct {
	ProgramID string                  `json:"program_id"`
	FeePayer  string                  `json:"fee_payer"`
	Required  string                  `json:"required"`
	Result    SubmitInstructionResult `json:"result"`
}

// ReconcileInput selects timed-out submissions to re-query.
type ReconcileInput struct {
	OlderThan time.Duration `json:"older_than"`
	Limit     int32         `json:"limit"`
}

// ReconcileResult counts what a reconcile pass did.
type ReconcileResult struct {
	Checked  int `json:"checked"`
	Resolved int `json:"resolved"`
}

// SubmitterInterface defines the submission flow needed by activities.
// This allows for easy mocking in tests.
type SubmitterInterface interface {
	Submit(ctx context.Context, req submitter.Request) (*submitter.Result, error)
}

// StoreInterface defines the journal operations needed by activities.
// This allows for easy mocking in tests.
type StoreInterface interface {
	UpsertSubmission(context.Context, db.UpsertSubmissionParams) (*db.Submission, error)
	UpdateSubmissionStatus(context.Context, db.UpdateSubmissionStatusParams) (*db.Submission, error)
	ListIndeterminate(context.Context, time.Time, int32) ([]*db.Submission, error)
}

// StatusInterface defines the status lookup needed to reconcile submissions.
type StatusInterface interface {
	GetStatus(ctx context.Context, handle solana.SubmissionHandle) (solana.ConfirmationStatus, error)
}

// PublisherInterface defines the NATS publishing operations needed by activities.
// This allows for easy mocking in tests.
type PublisherInterface interface {
	PublishSubmission(ctx context.Context, event *natspkg.SubmissionEvent) error
}

// Activities holds the dependencies needed by Temporal activities.
// Following go-kit pattern, all dependencies are explicit.
type Activities struct {
	submitter SubmitterInterface
	signers   []signer.Signer
	store     StoreInterface     // optional
	status    StatusInterface    // optional, needed for reconcile
	publisher PublisherInterface // optional
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewActivities creates a new Activities instance with explicit dependencies.
// If metrics is nil, no metrics will be recorded.
func NewActivities(
	sub SubmitterInterface,
	signers []signer.Signer,
	store StoreInterface,
	status StatusInterface,
	publisher PublisherInterface,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Activities {
	if logger == nil {
		logger = slog.Default()
	}
	return &Activities{
		submitter: sub,
		signers:   signers,
		store:     store,
		status:    status,
		publisher: publisher,
		metrics:   m,
		logger:    logger,
	}
}

// SubmitAndConfirm builds the instruction, submits it with the worker's
// signers and waits for confirmation. A transaction that was sent always
// yields a result, even when it failed on chain or the wait timed out; only
// failures before or during send are returned as errors.
func (a *Activities) SubmitAndConfirm(ctx context.Context, input SubmitInstructionInput) (*SubmitInstructionResult, error) {
	start := time.Now()
	status := "success"
	defer func() {
		if a.metrics != nil {
			a.metrics.RecordActivityDuration("SubmitAndConfirm", status, time.Since(start).Seconds())
		}
	}()

	req, err := input.Request(a.signers)
	if err != nil {
		status = "error"
		return nil, activityError(err)
	}

	res, err := a.submitter.Submit(ctx, req)
	if res == nil {
		status = "error"
		a.logger.ErrorContext(ctx, "submission not sent",
			"program_id", input.ProgramID,
			"error", err,
		)
		return nil, activityError(err)
	}

	out := resultFrom(res, err, time.Now())
	if err != nil {
		status = out.Outcome
	}
	a.logger.InfoContext(ctx, "submission settled",
		"signature", out.Signature,
		"outcome", out.Outcome,
		"attempts", out.Attempts,
	)
	return out, nil
}

// RecordOutcome journals a settled submission and publishes its event.
// Both backends are optional; a publish failure does not fail the activity.
func (a *Activities) RecordOutcome(ctx context.Context, input RecordOutcomeInput) error {
	start := time.Now()
	status := "success"
	defer func() {
		if a.metrics != nil {
			a.metrics.RecordActivityDuration("RecordOutcome", status, time.Since(start).Seconds())
		}
	}()

	res := input.Result
	if a.metrics != nil && !res.SubmittedAt.IsZero() {
		a.metrics.RecordWorkflowDuration(res.Outcome, time.Since(res.SubmittedAt).Seconds())
	}

	sub := &db.Submission{
		Signature:     res.Signature,
		ProgramID:     input.ProgramID,
		FeePayer:      input.FeePayer,
		RequiredLevel: input.Required,
		Outcome:       res.Outcome,
		Status:        res.Status,
		Slot:          int64(res.Slot),
		Attempts:      int32(res.Attempts),
		StaleRetries:  int32(res.StaleRetries),
		SubmittedAt:   res.SubmittedAt,
		CompletedAt:   res.CompletedAt,
	}
	if res.Reason != "" {
		reason := res.Reason
		sub.Reason = &reason
	}

	if a.store != nil {
		row, err := a.store.UpsertSubmission(ctx, db.UpsertSubmissionParams{
			Signature:     sub.Signature,
			ProgramID:     sub.ProgramID,
			FeePayer:      sub.FeePayer,
			RequiredLevel: sub.RequiredLevel,
			Outcome:       sub.Outcome,
			Status:        sub.Status,
			Slot:          sub.Slot,
			Reason:        sub.Reason,
			Attempts:      sub.Attempts,
			StaleRetries:  sub.StaleRetries,
			SubmittedAt:   sub.SubmittedAt,
			CompletedAt:   sub.CompletedAt,
		})
		if err != nil {
			status = "error"
			a.logger.ErrorContext(ctx, "failed to journal submission",
				"signature", sub.Signature,
				"error", err,
			)
			return fmt.Errorf("failed to journal submission %s: %w", sub.Signature, err)
		}
		sub = row
	}

	if a.publisher != nil {
		if err := a.publisher.PublishSubmission(ctx, natspkg.FromDBSubmission(sub)); err != nil {
			// Log error but don't fail the activity
			// The outcome is journaled, NATS publish is best-effort
			a.logger.ErrorContext(ctx, "failed to publish submission to NATS",
				"signature", sub.Signature,
				"error", err,
			)
		}
	}

	return nil
}

// ReconcileIndeterminate re-queries timed-out submissions older than
// input.OlderThan and records any that have since settled.
func (a *Activities) ReconcileIndeterminate(ctx context.Context, input ReconcileInput) (*ReconcileResult, error) {
	start := time.Now()
	status := "success"
	defer func() {
		if a.metrics != nil {
			a.metrics.RecordActivityDuration("ReconcileIndeterminate", status, time.Since(start).Seconds())
		}
	}()

	if a.store == nil || a.status == nil {
		status = "error"
		return nil, temporalsdk.NewNonRetryableApplicationError("reconcile needs a journal and a connection", "configuration", nil)
	}

	limit := input.Limit
	if limit <= 0 {
		limit = 100
	}

	pending, err := a.store.ListIndeterminate(ctx, time.Now().Add(-input.OlderThan), limit)
	if err != nil {
		status = "error"
		return nil, fmt.Errorf("failed to list indeterminate submissions: %w", err)
	}

	result := &ReconcileResult{}
	for _, sub := range pending {
		sig, err := solanago.SignatureFromBase58(sub.Signature)
		if err != nil {
			a.logger.WarnContext(ctx, "skipping journaled submission with bad signature",
				"signature", sub.Signature,
				"error", err,
			)
			continue
		}

		result.Checked++
		current, err := a.status.GetStatus(ctx, solana.SubmissionHandle{Signature: sig, SubmittedAt: sub.SubmittedAt})
		if err != nil {
			a.logger.WarnContext(ctx, "status re-query failed", "signature", sub.Signature, "error", err)
			continue
		}

		update, settled := reconcileUpdate(sub, current, time.Now())
		if !settled {
			continue
		}

		row, err := a.store.UpdateSubmissionStatus(ctx, update)
		if err != nil {
			status = "error"
			return result, fmt.Errorf("failed to update submission %s: %w", sub.Signature, err)
		}
		result.Resolved++

		a.logger.InfoContext(ctx, "resolved indeterminate submission",
			"signature", sub.Signature,
			"outcome", row.Outcome,
		)
		if a.publisher != nil {
			if err := a.publisher.PublishSubmission(ctx, natspkg.FromDBSubmission(row)); err != nil {
				a.logger.ErrorContext(ctx, "failed to publish submission to NATS",
					"signature", sub.Signature,
					"error", err,
				)
			}
		}
	}

	return result, nil
}

// reconcileUpdate decides whether a re-queried status settles a timed-out
// submission: it must have failed or reached the level the caller required.
func reconcileUpdate(sub *db.Submission, current solana.ConfirmationStatus, now time.Time) (db.UpdateSubmissionStatusParams, bool) {
	required, err := solana.ParseLevel(sub.RequiredLevel)
	if err != nil {
		required = solana.LevelConfirmed
	}

	update := db.UpdateSubmissionStatusParams{
		Signature:   sub.Signature,
		Status:      current.Level.String(),
		Slot:        int64(current.Slot),
		CompletedAt: &now,
	}
	switch {
	case current.Failed():
		update.Outcome = confirm.StateFailed.String()
		reason := current.Reason
		update.Reason = &reason
	case current.AtLeast(required):
		update.Outcome = current.Level.String()
	default:
		return db.UpdateSubmissionStatusParams{}, false
	}
	return update, true
}

// Request builds the submitter request for input, signed by signers.
func (in SubmitInstructionInput) Request(signers []signer.Signer) (submitter.Request, error) {
	programID, err := solanago.PublicKeyFromBase58(in.ProgramID)
	if err != nil {
		return submitter.Request{}, txerr.Validation("submit", fmt.Sprintf("invalid program id %q", in.ProgramID))
	}

	refs := make([]instruction.AccountRef, 0, len(in.Accounts))
	for i, acc := range in.Accounts {
		pk, err := solanago.PublicKeyFromBase58(acc.PublicKey)
		if err != nil {
			return submitter.Request{}, txerr.Validation("submit", fmt.Sprintf("account %d: invalid public key %q", i, acc.PublicKey))
		}
		refs = append(refs, instruction.AccountRef{
			PublicKey: pk,
			Writable:  acc.Writable,
			Signer:    acc.Signer,
			FeePayer:  acc.FeePayer,
		})
	}

	ix, err := instruction.Build(programID, refs, in.Data)
	if err != nil {
		return submitter.Request{}, err
	}

	req := submitter.Request{
		Instructions: []*instruction.Instruction{ix},
		Signers:      signers,
		Timeout:      in.Timeout,
	}
	if in.Required != "" {
		level, err := solana.ParseLevel(in.Required)
		if err != nil {
			return submitter.Request{}, txerr.Validation("submit", err.Error())
		}
		req.Required = level
	}
	return req, nil
}

func resultFrom(res *submitter.Result, err error, now time.Time) *SubmitInstructionResult {
	out := &SubmitInstructionResult{
		Signature:     res.Signature.String(),
		Outcome:       submitter.Outcome(res, err),
		Status:        res.Status.Level.String(),
		Slot:          res.Status.Slot,
		Attempts:      res.Attempts,
		StaleRetries:  res.StaleRetries,
		Indeterminate: txerr.Indeterminate(err),
		SubmittedAt:   res.SubmittedAt,
	}
	if err != nil {
		out.Reason = txerr.ReasonOf(err)
		out.Error = err.Error()
	}
	if !out.Indeterminate {
		out.CompletedAt = &now
	}
	return out
}

// errTypeSendNetwork marks a transport failure while broadcasting. The
// transaction may have reached the cluster, so it is surfaced, not resent.
const errTypeSendNetwork = "send_network"

// activityError tags err with its kind so the workflow retry policy can tell
// retryable failures apart.
func activityError(err error) error {
	if err == nil {
		return nil
	}
	errType := txerr.KindOf(err).String()
	var txErr *txerr.Error
	if errors.As(err, &txErr) && txErr.Kind == txerr.KindNetwork && txErr.Op == "send" {
		errType = errTypeSendNetwork
	}
	return temporalsdk.NewApplicationErrorWithCause(err.Error(), errType, err)
}
