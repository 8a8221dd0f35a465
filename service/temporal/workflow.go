package temporal

import (
	"errors"
	"time"

	"github.com/brojonat/txconfirm/service/txerr"
	temporalsdk "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

var a *Activities // for type-safe activity invocation

const (
	// submitActivityMargin covers blockhash fetch, signing and send on top of
	// the confirmation wait.
	submitActivityMargin = 30 * time.Second
)

// nonRetryableKinds are failures a retry cannot fix, plus network failures
// of the broadcast itself. Network failures before the send are retried by
// Temporal.
var nonRetryableKinds = []string{
	txerr.KindValidation.String(),
	txerr.KindSigning.String(),
	txerr.KindRejected.String(),
	txerr.KindStaleFreshnessToken.String(),
	txerr.KindConfirmationFailure.String(),
	txerr.KindTimedOut.String(),
	errTypeSendNetwork,
}

// SubmitInstructionWorkflow submits one instruction and waits for it to
// confirm, then journals and publishes the outcome.
//
// The workflow performs these steps:
// 1. Build, sign, send and confirm (SubmitAndConfirm activity)
// 2. Record the outcome in the journal and event stream (RecordOutcome activity)
//
// A confirmation timeout is not a workflow failure: the result carries the
// signature with Indeterminate set so the caller can re-query it.
func SubmitInstructionWorkflow(ctx workflow.Context, input SubmitInstructionInput) (*SubmitInstructionResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("SubmitInstructionWorkflow started",
		"program_id", input.ProgramID,
		"accounts", len(input.Accounts),
	)

	// the activity deadline is derived from the wait, so it must be explicit
	if input.Timeout <= 0 {
		err := activityError(txerr.Validation("submit", "confirmation timeout is required"))
		return &SubmitInstructionResult{
			Outcome: failureKind(err),
			Error:   err.Error(),
		}, err
	}

	submitCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: input.Timeout + submitActivityMargin,
		RetryPolicy: &temporalsdk.RetryPolicy{
			InitialInterval:        time.Second,
			BackoffCoefficient:     2.0,
			MaximumInterval:        10 * time.Second,
			MaximumAttempts:        3,
			NonRetryableErrorTypes: nonRetryableKinds,
		},
	})

	var result *SubmitInstructionResult
	err := workflow.ExecuteActivity(submitCtx, a.SubmitAndConfirm, input).Get(ctx, &result)
	if err != nil {
		logger.Error("submission failed", "error", err)
		return &SubmitInstructionResult{
			Outcome: failureKind(err),
			Error:   err.Error(),
		}, err
	}

	logger.Info("submission settled",
		"signature", result.Signature,
		"outcome", result.Outcome,
	)

	recordCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy: &temporalsdk.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    5,
		},
	})
	if err := workflow.ExecuteActivity(recordCtx, a.RecordOutcome, RecordOutcomeInput{
		ProgramID: input.ProgramID,
		FeePayer:  input.FeePayer(),
		Required:  input.Required,
		Result:    *result,
	}).Get(ctx, nil); err != nil {
		// the transaction outcome stands; the journal can be reconciled later
		logger.Warn("failed to record outcome", "signature", result.Signature, "error", err)
	}

	return result, nil
}

// ReconcileSubmissionsWorkflow re-queries journaled submissions whose
// confirmation wait timed out. It is started by the reconcile schedule.
func ReconcileSubmissionsWorkflow(ctx workflow.Context, input ReconcileInput) (*ReconcileResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("ReconcileSubmissionsWorkflow started", "older_than", input.OlderThan, "limit", input.Limit)

	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 5 * time.Minute,
		RetryPolicy: &temporalsdk.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    3,
		},
	})

	var result *ReconcileResult
	if err := workflow.ExecuteActivity(ctx, a.ReconcileIndeterminate, input).Get(ctx, &result); err != nil {
		logger.Error("reconcile failed", "error", err)
		return nil, err
	}

	logger.Info("ReconcileSubmissionsWorkflow completed",
		"checked", result.Checked,
		"resolved", result.Resolved,
	)
	return result, nil
}

// failureKind recovers the error kind carried as the application error type.
func failureKind(err error) string {
	var appErr *temporalsdk.ApplicationError
	if errors.As(err, &appErr) && appErr.Type() != "" {
		return appErr.Type()
	}
	return txerr.KindUnknown.String()
}
