package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/brojonat/txconfirm/service/confirm"
	"github.com/brojonat/txconfirm/service/db"
	"github.com/brojonat/txconfirm/service/signer"
	"github.com/brojonat/txconfirm/service/solana"
	"github.com/brojonat/txconfirm/service/submitter"
	"github.com/brojonat/txconfirm/service/temporal"
	"github.com/brojonat/txconfirm/service/txerr"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.temporal.io/api/serviceerror"
)

var memoProgram = solanago.MustPublicKeyFromBase58("MemoSq4gqABAXKb96qnH8TysNcWxMyWCqXgDLGmfcHr")

type fakeSubmission struct {
	mu       sync.Mutex
	requests []submitter.Request
	submit   func(req submitter.Request) (*submitter.Result, error)
}

func (f *fakeSubmission) Submit(ctx context.Context, req submitter.Request) (*submitter.Result, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	return f.submit(req)
}

type fakeStatus struct {
	status solana.ConfirmationStatus
	err    error
}

func (f *fakeStatus) GetStatus(ctx context.Context, handle solana.SubmissionHandle) (solana.ConfirmationStatus, error) {
	return f.status, f.err
}

type fakeJournal struct {
	rows       map[string]*db.Submission
	getErr     error
	listParams db.ListSubmissionsParams
	list       []*db.Submission
	listErr    error
}

func (f *fakeJournal) GetSubmission(ctx context.Context, signature string) (*db.Submission, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	row, ok := f.rows[signature]
	if !ok {
		return nil, db.ErrNotFound
	}
	return row, nil
}

func (f *fakeJournal) ListSubmissions(ctx context.Context, params db.ListSubmissionsParams) ([]*db.Submission, error) {
	f.listParams = params
	return f.list, f.listErr
}

type fakeWorkflows struct {
	requestID string
	input     temporal.SubmitInstructionInput
	startErr  error
	status    *temporal.SubmissionWorkflowStatus
	statusErr error
}

func (f *fakeWorkflows) StartSubmission(ctx context.Context, requestID string, input temporal.SubmitInstructionInput) (string, error) {
	f.requestID = requestID
	f.input = input
	if f.startErr != nil {
		return "", f.startErr
	}
	return "submit-" + requestID, nil
}

func (f *fakeWorkflows) SubmissionStatus(ctx context.Context, workflowID string) (*temporal.SubmissionWorkflowStatus, error) {
	return f.status, f.statusErr
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testDeps struct {
	payer     *signer.KeypairSigner
	submitter *fakeSubmission
	status    *fakeStatus
	journal   *fakeJournal
	workflows *fakeWorkflows
}

func newTestDeps(t *testing.T) *testDeps {
	t.Helper()
	payer, err := signer.Generate()
	require.NoError(t, err)
	return &testDeps{
		payer: payer,
		submitter: &fakeSubmission{submit: func(req submitter.Request) (*submitter.Result, error) {
			return nil, errors.New("unexpected submit")
		}},
		status:    &fakeStatus{},
		journal:   &fakeJournal{rows: map[string]*db.Submission{}},
		workflows: &fakeWorkflows{},
	}
}

func (d *testDeps) handler(withOptional bool) http.Handler {
	var journal Journal
	var workflows WorkflowService
	if withOptional {
		journal = d.journal
		workflows = d.workflows
	}
	s := New(":0", d.submitter, d.status, []signer.Signer{d.payer}, journal, workflows, 30*time.Second, nil, testLogger())
	return s.Handler()
}

func (d *testDeps) body(t *testing.T, mutate func(map[string]interface{})) *bytes.Reader {
	t.Helper()
	req := map[string]interface{}{
		"program_id": memoProgram.String(),
		"accounts": []map[string]interface{}{
			{"public_key": d.payer.PublicKey().String(), "signer": true, "fee_payer": true},
		},
		"data": []byte("hello"),
	}
	if mutate != nil {
		mutate(req)
	}
	b, err := json.Marshal(req)
	require.NoError(t, err)
	return bytes.NewReader(b)
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHandleSubmit_Confirmed(t *testing.T) {
	d := newTestDeps(t)
	sig := solanago.Signature{7}
	d.submitter.submit = func(req submitter.Request) (*submitter.Result, error) {
		return &submitter.Result{
			Signature:    sig,
			Status:       solana.ConfirmationStatus{Level: solana.LevelFinalized, Slot: 42},
			State:        confirm.StateFinalized,
			Attempts:     3,
			StaleRetries: 1,
			Elapsed:      1500 * time.Millisecond,
		}, nil
	}

	rec := httptest.NewRecorder()
	body := d.body(t, func(m map[string]interface{}) {
		m["commitment"] = "finalized"
		m["timeout"] = "10s"
	})
	d.handler(false).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/submissions", body))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := decode(t, rec)
	assert.Equal(t, sig.String(), out["signature"])
	assert.Equal(t, "finalized", out["outcome"])
	assert.Equal(t, float64(42), out["slot"])
	assert.Equal(t, float64(1), out["stale_retries"])
	assert.Equal(t, float64(1500), out["elapsed_ms"])
	assert.Equal(t, false, out["indeterminate"])

	require.Len(t, d.submitter.requests, 1)
	req := d.submitter.requests[0]
	assert.Equal(t, solana.LevelFinalized, req.Required)
	assert.Equal(t, 10*time.Second, req.Timeout)
	require.Len(t, req.Instructions, 1)
	assert.Equal(t, d.payer.PublicKey(), req.Instructions[0].FeePayer())
	data, err := req.Instructions[0].Data()
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)
}

func TestHandleSubmit_DefaultTimeout(t *testing.T) {
	d := newTestDeps(t)
	d.submitter.submit = func(req submitter.Request) (*submitter.Result, error) {
		return &submitter.Result{State: confirm.StateConfirmed, Status: solana.ConfirmationStatus{Level: solana.LevelConfirmed}}, nil
	}

	rec := httptest.NewRecorder()
	d.handler(false).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/submissions", d.body(t, nil)))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, d.submitter.requests, 1)
	assert.Equal(t, 30*time.Second, d.submitter.requests[0].Timeout)
	assert.Equal(t, solana.LevelUnknown, d.submitter.requests[0].Required, "empty commitment leaves the submitter default")
}

func TestHandleSubmit_ErrorMapping(t *testing.T) {
	sig := solanago.Signature{9}
	sent := &submitter.Result{Signature: sig, Attempts: 2}

	tests := []struct {
		name          string
		res           *submitter.Result
		err           error
		wantCode      int
		wantOutcome   string
		wantSignature bool
		indeterminate bool
	}{
		{
			name:        "signing",
			err:         txerr.Signing("submit", "no signer provided for X", nil),
			wantCode:    http.StatusUnprocessableEntity,
			wantOutcome: "signing",
		},
		{
			name:        "rejected",
			err:         txerr.Rejected("send", "insufficient funds", errors.New("rpc")),
			wantCode:    http.StatusConflict,
			wantOutcome: "rejected",
		},
		{
			name:        "network",
			err:         txerr.Network("send", errors.New("connection refused")),
			wantCode:    http.StatusBadGateway,
			wantOutcome: "network",
		},
		{
			name:          "confirmation failure keeps signature",
			res:           sent,
			err:           txerr.ConfirmationFailure("await", "InstructionError: instruction 0: custom program error 6000"),
			wantCode:      http.StatusUnprocessableEntity,
			wantOutcome:   "failed",
			wantSignature: true,
		},
		{
			name:          "timeout is accepted with unknown outcome",
			res:           sent,
			err:           txerr.TimedOut("await", "no confirmation within 30s"),
			wantCode:      http.StatusAccepted,
			wantOutcome:   "timed_out",
			wantSignature: true,
			indeterminate: true,
		},
		{
			name:        "untyped error",
			err:         errors.New("boom"),
			wantCode:    http.StatusInternalServerError,
			wantOutcome: "unknown",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newTestDeps(t)
			d.submitter.submit = func(req submitter.Request) (*submitter.Result, error) {
				return tt.res, tt.err
			}

			rec := httptest.NewRecorder()
			d.handler(false).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/submissions", d.body(t, nil)))

			require.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
			out := decode(t, rec)
			assert.Equal(t, tt.wantOutcome, out["outcome"])
			assert.NotEmpty(t, out["error"])
			assert.Equal(t, tt.indeterminate, out["indeterminate"])
			if tt.wantSignature {
				assert.Equal(t, sig.String(), out["signature"])
			} else {
				assert.NotContains(t, out, "signature")
			}
		})
	}
}

func TestHandleSubmit_InvalidRequests(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(map[string]interface{})
		raw     string
		wantErr string
	}{
		{
			name:    "malformed json",
			raw:     "{not json",
			wantErr: "invalid request body",
		},
		{
			name:    "missing program id",
			mutate:  func(m map[string]interface{}) { delete(m, "program_id") },
			wantErr: "invalid program_id",
		},
		{
			name:    "program id with invalid characters",
			mutate:  func(m map[string]interface{}) { m["program_id"] = "0OIl; drop table" },
			wantErr: "invalid program_id",
		},
		{
			name: "bad account key",
			mutate: func(m map[string]interface{}) {
				m["accounts"] = []map[string]interface{}{{"public_key": "abc", "signer": true, "fee_payer": true}}
			},
			wantErr: "invalid accounts[0].public_key",
		},
		{
			name:    "bad commitment",
			mutate:  func(m map[string]interface{}) { m["commitment"] = "max" },
			wantErr: "invalid commitment",
		},
		{
			name:    "bad timeout",
			mutate:  func(m map[string]interface{}) { m["timeout"] = "soon" },
			wantErr: "invalid timeout format",
		},
		{
			name:    "timeout too long",
			mutate:  func(m map[string]interface{}) { m["timeout"] = "1h" },
			wantErr: "timeout cannot exceed",
		},
		{
			name:    "no fee payer",
			mutate:  func(m map[string]interface{}) { m["accounts"] = []map[string]interface{}{} },
			wantErr: "no account is marked as fee payer",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newTestDeps(t)
			var body io.Reader
			if tt.raw != "" {
				body = strings.NewReader(tt.raw)
			} else {
				body = d.body(t, tt.mutate)
			}

			rec := httptest.NewRecorder()
			d.handler(false).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/submissions", body))

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, decode(t, rec)["error"], tt.wantErr)
			assert.Empty(t, d.submitter.requests, "invalid requests never reach the submitter")
		})
	}
}

func TestHandleSubmit_BodyTooLarge(t *testing.T) {
	d := newTestDeps(t)
	big := `{"program_id":"` + strings.Repeat("a", maxRequestBodySize) + `"}`

	rec := httptest.NewRecorder()
	d.handler(false).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/submissions", strings.NewReader(big)))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode(t, rec)["error"], "request body too large")
}

func TestHandleSubmit_Async(t *testing.T) {
	t.Run("starts workflow", func(t *testing.T) {
		d := newTestDeps(t)
		rec := httptest.NewRecorder()
		body := d.body(t, func(m map[string]interface{}) {
			m["async"] = true
			m["request_id"] = "order-17"
			m["commitment"] = "confirmed"
		})
		d.handler(true).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/submissions", body))

		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
		out := decode(t, rec)
		assert.Equal(t, "submit-order-17", out["workflow_id"])
		assert.Equal(t, "order-17", out["request_id"])
		assert.Equal(t, memoProgram.String(), d.workflows.input.ProgramID)
		assert.Equal(t, "confirmed", d.workflows.input.Required)
		assert.Equal(t, d.payer.PublicKey().String(), d.workflows.input.FeePayer())
		assert.Empty(t, d.submitter.requests)
	})

	t.Run("generates request id", func(t *testing.T) {
		d := newTestDeps(t)
		rec := httptest.NewRecorder()
		body := d.body(t, func(m map[string]interface{}) { m["async"] = true })
		d.handler(true).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/submissions", body))

		require.Equal(t, http.StatusAccepted, rec.Code)
		assert.Len(t, d.workflows.requestID, 36)
	})

	t.Run("disabled without temporal", func(t *testing.T) {
		d := newTestDeps(t)
		rec := httptest.NewRecorder()
		body := d.body(t, func(m map[string]interface{}) { m["async"] = true })
		d.handler(false).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/submissions", body))

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("duplicate request id", func(t *testing.T) {
		d := newTestDeps(t)
		d.workflows.startErr = fmt.Errorf("failed to start workflow: %w",
			serviceerror.NewWorkflowExecutionAlreadyStarted("already started", "", "run-1"))
		rec := httptest.NewRecorder()
		body := d.body(t, func(m map[string]interface{}) {
			m["async"] = true
			m["request_id"] = "order-17"
		})
		d.handler(true).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/submissions", body))

		require.Equal(t, http.StatusConflict, rec.Code)
		out := decode(t, rec)
		assert.Equal(t, "submit-order-17", out["workflow_id"])
	})

	t.Run("start failure", func(t *testing.T) {
		d := newTestDeps(t)
		d.workflows.startErr = errors.New("temporal unavailable")
		rec := httptest.NewRecorder()
		body := d.body(t, func(m map[string]interface{}) { m["async"] = true })
		d.handler(true).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/submissions", body))

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}

func TestHandleGetSubmission(t *testing.T) {
	sig := solanago.Signature{1, 2, 3}
	reason := "InstructionError: instruction 0: custom program error 1"
	completed := time.Date(2024, 1, 1, 0, 0, 5, 0, time.UTC)

	t.Run("live status with journal row", func(t *testing.T) {
		d := newTestDeps(t)
		d.status.status = solana.ConfirmationStatus{Level: solana.LevelFailed, Slot: 99, Reason: reason}
		d.journal.rows[sig.String()] = &db.Submission{
			Signature:     sig.String(),
			ProgramID:     memoProgram.String(),
			FeePayer:      d.payer.PublicKey().String(),
			RequiredLevel: "confirmed",
			Outcome:       "failed",
			Status:        "failed",
			Slot:          99,
			Reason:        &reason,
			Attempts:      4,
			SubmittedAt:   completed.Add(-5 * time.Second),
			CompletedAt:   &completed,
		}

		rec := httptest.NewRecorder()
		d.handler(true).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/submissions/"+sig.String(), nil))

		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		out := decode(t, rec)
		assert.Equal(t, "failed", out["status"])
		assert.Equal(t, reason, out["reason"])
		journal, ok := out["journal"].(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, "failed", journal["outcome"])
		assert.Equal(t, float64(4), journal["attempts"])
	})

	t.Run("unknown signature without journal", func(t *testing.T) {
		d := newTestDeps(t)
		rec := httptest.NewRecorder()
		d.handler(true).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/submissions/"+sig.String(), nil))

		require.Equal(t, http.StatusOK, rec.Code)
		out := decode(t, rec)
		assert.Equal(t, "unknown", out["status"])
		assert.NotContains(t, out, "journal")
	})

	t.Run("journal error still reports live status", func(t *testing.T) {
		d := newTestDeps(t)
		d.status.status = solana.ConfirmationStatus{Level: solana.LevelConfirmed}
		d.journal.getErr = errors.New("db down")
		rec := httptest.NewRecorder()
		d.handler(true).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/submissions/"+sig.String(), nil))

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "confirmed", decode(t, rec)["status"])
	})

	t.Run("network error", func(t *testing.T) {
		d := newTestDeps(t)
		d.status.err = txerr.Network("getStatus", errors.New("timeout"))
		rec := httptest.NewRecorder()
		d.handler(false).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/submissions/"+sig.String(), nil))

		assert.Equal(t, http.StatusBadGateway, rec.Code)
	})

	t.Run("invalid signature", func(t *testing.T) {
		d := newTestDeps(t)
		rec := httptest.NewRecorder()
		d.handler(false).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/submissions/not-base58!", nil))

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHandleListSubmissions(t *testing.T) {
	t.Run("passes filters", func(t *testing.T) {
		d := newTestDeps(t)
		d.journal.list = []*db.Submission{
			{Signature: "a", Outcome: "timed_out"},
			{Signature: "b", Outcome: "timed_out"},
		}

		rec := httptest.NewRecorder()
		d.handler(true).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/submissions?outcome=timed_out&limit=2&offset=4", nil))

		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Equal(t, db.ListSubmissionsParams{Outcome: "timed_out", Limit: 2, Offset: 4}, d.journal.listParams)
		out := decode(t, rec)
		assert.Equal(t, float64(2), out["count"])
	})

	t.Run("defaults", func(t *testing.T) {
		d := newTestDeps(t)
		rec := httptest.NewRecorder()
		d.handler(true).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/submissions", nil))

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, int32(100), d.journal.listParams.Limit)
	})

	bad := []string{"limit=abc", "limit=0", "limit=5000", "offset=-1", "outcome=pending"}
	for _, q := range bad {
		t.Run(q, func(t *testing.T) {
			d := newTestDeps(t)
			rec := httptest.NewRecorder()
			d.handler(true).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/submissions?"+q, nil))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}

	t.Run("not routed without journal", func(t *testing.T) {
		d := newTestDeps(t)
		rec := httptest.NewRecorder()
		d.handler(false).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/submissions", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}

func TestHandleGetWorkflow(t *testing.T) {
	t.Run("completed", func(t *testing.T) {
		d := newTestDeps(t)
		d.workflows.status = &temporal.SubmissionWorkflowStatus{
			WorkflowID: "submit-1",
			Status:     "Completed",
			Result:     &temporal.SubmitInstructionResult{Signature: "sig", Outcome: "confirmed"},
		}
		rec := httptest.NewRecorder()
		d.handler(true).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/workflows/submit-1", nil))

		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Contains(t, rec.Body.String(), `"outcome":"confirmed"`)
	})

	t.Run("not found", func(t *testing.T) {
		d := newTestDeps(t)
		d.workflows.statusErr = serviceerror.NewNotFound("workflow not found")
		rec := httptest.NewRecorder()
		d.handler(true).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/workflows/missing", nil))

		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestHealthAndCORS(t *testing.T) {
	d := newTestDeps(t)
	h := d.handler(false)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/api/v1/submissions", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestStatusForError(t *testing.T) {
	assert.Equal(t, http.StatusConflict, statusForError(txerr.StaleFreshnessToken("send", "Blockhash not found", nil)))
	assert.Equal(t, http.StatusBadRequest, statusForError(txerr.Validation("build", "program id is required")))
}
