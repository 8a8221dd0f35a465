package temporal

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/brojonat/txconfirm/service/confirm"
	"github.com/brojonat/txconfirm/service/db"
	natspkg "github.com/brojonat/txconfirm/service/nats"
	"github.com/brojonat/txconfirm/service/signer"
	"github.com/brojonat/txconfirm/service/solana"
	"github.com/brojonat/txconfirm/service/submitter"
	"github.com/brojonat/txconfirm/service/txerr"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	temporalsdk "go.temporal.io/sdk/temporal"
)

// Mock Submitter
type MockSubmitter struct {
	mock.Mock
}

func (m *MockSubmitter) Submit(ctx context.Context, req submitter.Request) (*submitter.Result, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*submitter.Result), args.Error(1)
}

// Mock Store
type MockStore struct {
	mock.Mock
}

func (m *MockStore) UpsertSubmission(ctx context.Context, params db.UpsertSubmissionParams) (*db.Submission, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*db.Submission), args.Error(1)
}

func (m *MockStore) UpdateSubmissionStatus(ctx context.Context, params db.UpdateSubmissionStatusParams) (*db.Submission, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*db.Submission), args.Error(1)
}

func (m *MockStore) ListIndeterminate(ctx context.Context, before time.Time, limit int32) ([]*db.Submission, error) {
	args := m.Called(ctx, before, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*db.Submission), args.Error(1)
}

// Mock Status
type MockStatus struct {
	mock.Mock
}

func (m *MockStatus) GetStatus(ctx context.Context, handle solana.SubmissionHandle) (solana.ConfirmationStatus, error) {
	args := m.Called(ctx, handle)
	return args.Get(0).(solana.ConfirmationStatus), args.Error(1)
}

func testSigner(t *testing.T) *signer.KeypairSigner {
	t.Helper()
	s, err := signer.Generate()
	require.NoError(t, err)
	return s
}

func inputFor(payer solanago.PublicKey) SubmitInstructionInput {
	in := testInput()
	in.Accounts[0].PublicKey = payer.String()
	in.Required = "finalized"
	return in
}

func TestSubmitAndConfirm_Success(t *testing.T) {
	payer := testSigner(t)
	sub := new(MockSubmitter)
	sig := solanago.Signature{7}

	sub.On("Submit", mock.Anything, mock.MatchedBy(func(req submitter.Request) bool {
		return len(req.Instructions) == 1 &&
			req.Instructions[0].FeePayer() == payer.PublicKey() &&
			req.Required == solana.LevelFinalized &&
			req.Timeout == 20*time.Second &&
			len(req.Signers) == 1
	})).Return(&submitter.Result{
		Signature:    sig,
		State:        confirm.StateFinalized,
		Status:       solana.ConfirmationStatus{Level: solana.LevelFinalized, Slot: 88},
		Attempts:     2,
		StaleRetries: 1,
	}, nil)

	activities := NewActivities(sub, []signer.Signer{payer}, nil, nil, nil, nil, slog.Default())
	result, err := activities.SubmitAndConfirm(context.Background(), inputFor(payer.PublicKey()))
	require.NoError(t, err)

	assert.Equal(t, sig.String(), result.Signature)
	assert.Equal(t, "finalized", result.Outcome)
	assert.Equal(t, uint64(88), result.Slot)
	assert.Equal(t, 1, result.StaleRetries)
	assert.False(t, result.Indeterminate)
	assert.NotNil(t, result.CompletedAt)
	sub.AssertExpectations(t)
}

func TestSubmitAndConfirm_TimeoutIsIndeterminateResult(t *testing.T) {
	payer := testSigner(t)
	sub := new(MockSubmitter)
	sub.On("Submit", mock.Anything, mock.Anything).Return(&submitter.Result{
		Signature: solanago.Signature{9},
		State:     confirm.StateTimedOut,
		Status:    solana.ConfirmationStatus{Level: solana.LevelProcessed},
		Attempts:  1,
	}, txerr.TimedOut("await", "not finalized within 20s, last status processed"))

	activities := NewActivities(sub, []signer.Signer{payer}, nil, nil, nil, nil, slog.Default())
	result, err := activities.SubmitAndConfirm(context.Background(), inputFor(payer.PublicKey()))
	require.NoError(t, err)

	assert.Equal(t, "timed_out", result.Outcome)
	assert.True(t, result.Indeterminate)
	assert.Nil(t, result.CompletedAt)
	assert.Contains(t, result.Reason, "last status processed")
}

func TestSubmitAndConfirm_NotSentErrorsCarryKind(t *testing.T) {
	payer := testSigner(t)
	sub := new(MockSubmitter)
	sub.On("Submit", mock.Anything, mock.Anything).
		Return(nil, txerr.Rejected("send", "insufficient funds for fee", nil))

	activities := NewActivities(sub, []signer.Signer{payer}, nil, nil, nil, nil, slog.Default())
	_, err := activities.SubmitAndConfirm(context.Background(), inputFor(payer.PublicKey()))
	require.Error(t, err)

	var appErr *temporalsdk.ApplicationError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "rejected", appErr.Type())
}

func TestSubmitAndConfirm_InvalidInput(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*SubmitInstructionInput)
	}{
		{"bad program id", func(in *SubmitInstructionInput) { in.ProgramID = "not-a-key" }},
		{"bad account", func(in *SubmitInstructionInput) { in.Accounts[0].PublicKey = "???" }},
		{"no accounts", func(in *SubmitInstructionInput) { in.Accounts = nil }},
		{"bad commitment", func(in *SubmitInstructionInput) { in.Required = "max" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payer := testSigner(t)
			sub := new(MockSubmitter)
			activities := NewActivities(sub, []signer.Signer{payer}, nil, nil, nil, nil, slog.Default())

			in := inputFor(payer.PublicKey())
			tt.mutate(&in)
			_, err := activities.SubmitAndConfirm(context.Background(), in)
			require.Error(t, err)

			var appErr *temporalsdk.ApplicationError
			require.ErrorAs(t, err, &appErr)
			assert.Equal(t, "validation", appErr.Type())
			sub.AssertNotCalled(t, "Submit", mock.Anything, mock.Anything)
		})
	}
}

func TestRecordOutcome(t *testing.T) {
	store := new(MockStore)
	publisher := natspkg.NewMockPublisher()
	completed := time.Now()

	store.On("UpsertSubmission", mock.Anything, mock.MatchedBy(func(p db.UpsertSubmissionParams) bool {
		return p.Signature == "sig1" && p.Outcome == "failed" && p.Reason != nil && *p.Reason == "custom program error 6000"
	})).Return(&db.Submission{Signature: "sig1", Outcome: "failed"}, nil)

	activities := NewActivities(new(MockSubmitter), nil, store, nil, publisher, nil, slog.Default())
	err := activities.RecordOutcome(context.Background(), RecordOutcomeInput{
		ProgramID: testProgram,
		FeePayer:  "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM",
		Required:  "confirmed",
		Result: SubmitInstructionResult{
			Signature:   "sig1",
			Outcome:     "failed",
			Status:      "failed",
			Reason:      "custom program error 6000",
			CompletedAt: &completed,
		},
	})
	require.NoError(t, err)
	store.AssertExpectations(t)
	assert.Len(t, publisher.GetPublishedEventsForOutcome("failed"), 1)
}

func TestRecordOutcome_StoreErrorFails(t *testing.T) {
	store := new(MockStore)
	store.On("UpsertSubmission", mock.Anything, mock.Anything).Return(nil, errors.New("database error"))
	publisher := natspkg.NewMockPublisher()

	activities := NewActivities(new(MockSubmitter), nil, store, nil, publisher, nil, slog.Default())
	err := activities.RecordOutcome(context.Background(), RecordOutcomeInput{Result: SubmitInstructionResult{Signature: "sig1"}})
	assert.Error(t, err)
	assert.Zero(t, publisher.GetPublishedEventCount())
}

func TestRecordOutcome_PublishErrorIsBestEffort(t *testing.T) {
	publisher := natspkg.NewMockPublisher()
	publisher.SetPublishError(errors.New("nats down"))

	activities := NewActivities(new(MockSubmitter), nil, nil, nil, publisher, nil, slog.Default())
	err := activities.RecordOutcome(context.Background(), RecordOutcomeInput{Result: SubmitInstructionResult{Signature: "sig1", Outcome: "confirmed"}})
	assert.NoError(t, err)
}

func TestReconcileIndeterminate(t *testing.T) {
	landed := solanago.Signature{1}
	failed := solanago.Signature{2}
	pending := solanago.Signature{3}

	store := new(MockStore)
	status := new(MockStatus)
	publisher := natspkg.NewMockPublisher()

	store.On("ListIndeterminate", mock.Anything, mock.Anything, int32(100)).Return([]*db.Submission{
		{Signature: landed.String(), RequiredLevel: "confirmed", Outcome: "timed_out"},
		{Signature: failed.String(), RequiredLevel: "confirmed", Outcome: "timed_out"},
		{Signature: pending.String(), RequiredLevel: "finalized", Outcome: "timed_out"},
		{Signature: "garbage", RequiredLevel: "confirmed", Outcome: "timed_out"},
	}, nil)

	status.On("GetStatus", mock.Anything, mock.MatchedBy(func(h solana.SubmissionHandle) bool { return h.Signature == landed })).
		Return(solana.ConfirmationStatus{Level: solana.LevelFinalized, Slot: 10}, nil)
	status.On("GetStatus", mock.Anything, mock.MatchedBy(func(h solana.SubmissionHandle) bool { return h.Signature == failed })).
		Return(solana.ConfirmationStatus{Level: solana.LevelFailed, Reason: "InstructionError"}, nil)
	status.On("GetStatus", mock.Anything, mock.MatchedBy(func(h solana.SubmissionHandle) bool { return h.Signature == pending })).
		Return(solana.ConfirmationStatus{Level: solana.LevelConfirmed}, nil)

	store.On("UpdateSubmissionStatus", mock.Anything, mock.MatchedBy(func(p db.UpdateSubmissionStatusParams) bool {
		return p.Signature == landed.String() && p.Outcome == "finalized" && p.Slot == 10
	})).Return(&db.Submission{Signature: landed.String(), Outcome: "finalized"}, nil)
	store.On("UpdateSubmissionStatus", mock.Anything, mock.MatchedBy(func(p db.UpdateSubmissionStatusParams) bool {
		return p.Signature == failed.String() && p.Outcome == "failed" && *p.Reason == "InstructionError"
	})).Return(&db.Submission{Signature: failed.String(), Outcome: "failed"}, nil)

	activities := NewActivities(new(MockSubmitter), nil, store, status, publisher, nil, slog.Default())
	result, err := activities.ReconcileIndeterminate(context.Background(), ReconcileInput{OlderThan: time.Minute})
	require.NoError(t, err)

	assert.Equal(t, 3, result.Checked)
	assert.Equal(t, 2, result.Resolved)
	assert.Equal(t, 2, publisher.GetPublishedEventCount())
	store.AssertNumberOfCalls(t, "UpdateSubmissionStatus", 2)
}

func TestReconcileIndeterminate_RequiresBackends(t *testing.T) {
	activities := NewActivities(new(MockSubmitter), nil, nil, nil, nil, nil, slog.Default())
	_, err := activities.ReconcileIndeterminate(context.Background(), ReconcileInput{})
	assert.Error(t, err)
}
