package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/brojonat/txconfirm/service/db"
	"github.com/brojonat/txconfirm/service/signer"
	"github.com/brojonat/txconfirm/service/solana"
	"github.com/brojonat/txconfirm/service/submitter"
	"github.com/brojonat/txconfirm/service/temporal"
	"github.com/brojonat/txconfirm/service/txerr"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"go.temporal.io/api/serviceerror"
)

const (
	maxRequestBodySize = 1 << 20 // 1MB
	maxAddressLength   = 100     // Solana addresses are 44 chars, give buffer
	maxSignatureLength = 100     // signatures are 88 chars
	maxAccounts        = 64
	minConfirmTimeout  = time.Second
	maxConfirmTimeout  = 5 * time.Minute
)

var (
	// Valid Solana address characters: base58 (no 0, O, I, l)
	validAddressRegex = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]+$`)

	// Outcomes a journal row can carry.
	validOutcomes = map[string]bool{
		"processed":             true,
		"confirmed":             true,
		"finalized":             true,
		"failed":                true,
		"timed_out":             true,
		"rejected":              true,
		"stale_freshness_token": true,
		"network":               true,
		"validation":            true,
		"signing":               true,
	}
)

type submitRequest struct {
	ProgramID string                  `json:"program_id"`
	Accounts  []temporal.AccountInput `json:"accounts"`
	Data      []byte                  `json:"data"` // base64
	// Commitment is processed, confirmed or finalized. Empty means the server default.
	Commitment string `json:"commitment"`
	// Timeout bounds the confirmation wait (e.g. "30s"). Empty means the server default.
	Timeout string `json:"timeout"`
	// Async hands the submission to a durable workflow and returns immediately.
	Async     bool   `json:"async"`
	RequestID string `json:"request_id"`
}

type submissionResponse struct {
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

type journalResponse struct {
	Signature     string     `json:"signature"`
	ProgramID     string     `json:"program_id"`
	FeePayer      string     `json:"fee_payer"`
	RequiredLevel string     `json:"required_level"`
	Outcome       string     `json:"outcome"`
	Status        string     `json:"status"`
	Slot          int64      `json:"slot"`
	Reason        string     `json:"reason,omitempty"`
	Attempts      int32      `json:"attempts"`
	StaleRetries  int32      `json:"stale_retries"`
	SubmittedAt   time.Time  `json:"submitted_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

type statusResponse struct {
	Signature string           `json:"signature"`
	Status    string           `json:"status"`
	Slot      uint64           `json:"slot,omitempty"`
	Reason    string           `json:"reason,omitempty"`
	Journal   *journalResponse `json:"journal,omitempty"`
}

// handleSubmit returns a handler that submits one instruction and waits for it
// to confirm, or hands it to a workflow when async is set.
// POST /api/v1/submissions
func handleSubmit(sub SubmissionService, workflows WorkflowService, signers []signer.Signer, defaultTimeout time.Duration, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Limit request body size to prevent memory exhaustion
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

		var req submitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			logger.Debug("failed to decode submit request", "error", err)
			if strings.Contains(err.Error(), "http: request body too large") {
				writeError(w, "request body too large: maximum size is 1MB", http.StatusBadRequest)
				return
			}
			writeError(w, "invalid request body: must be valid JSON", http.StatusBadRequest)
			return
		}

		input, err := parseSubmitRequest(req, defaultTimeout)
		if err != nil {
			logger.Debug("invalid submit request", "error", err)
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		if req.Async {
			if workflows == nil {
				writeError(w, "async submissions are not enabled on this server", http.StatusBadRequest)
				return
			}
			requestID := req.RequestID
			if requestID == "" {
				requestID = uuid.NewString()
			}
			workflowID, err := workflows.StartSubmission(r.Context(), requestID, input)
			var started *serviceerror.WorkflowExecutionAlreadyStarted
			if errors.As(err, &started) {
				writeJSON(w, map[string]string{
					"error":       "request_id was already submitted",
					"workflow_id": temporal.SubmissionWorkflowID(requestID),
					"request_id":  requestID,
				}, http.StatusConflict)
				return
			}
			if err != nil {
				logger.Error("failed to start submission workflow", "request_id", requestID, "error", err)
				writeError(w, "failed to start submission workflow", http.StatusInternalServerError)
				return
			}
			logger.Info("submission workflow started", "workflow_id", workflowID, "program_id", input.ProgramID)
			writeJSON(w, map[string]string{
				"workflow_id": workflowID,
				"request_id":  requestID,
			}, http.StatusAccepted)
			return
		}

		sreq, err := input.Request(signers)
		if err != nil {
			writeError(w, err.Error(), statusForError(err))
			return
		}

		res, err := sub.Submit(r.Context(), sreq)
		resp := submissionToResponse(res, err)
		code := http.StatusOK
		if err != nil {
			code = statusForError(err)
			if code >= http.StatusInternalServerError {
				logger.Error("submission failed", "signature", resp.Signature, "outcome", resp.Outcome, "error", err)
			} else {
				logger.Info("submission did not succeed", "signature", resp.Signature, "outcome", resp.Outcome, "error", err)
			}
		}
		writeJSON(w, resp, code)
	})
}

// handleGetSubmission returns a handler that reports the cluster's current
// status for a signature, plus its journal row when one exists.
// GET /api/v1/submissions/{signature}
func handleGetSubmission(status StatusService, journal Journal, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.PathValue("signature")
		sig, err := parseSignature(raw)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		cs, err := status.GetStatus(r.Context(), solana.SubmissionHandle{Signature: sig})
		if err != nil {
			logger.Error("failed to get signature status", "signature", raw, "error", err)
			writeError(w, "failed to query cluster status", statusForError(err))
			return
		}

		resp := statusResponse{
			Signature: raw,
			Status:    cs.Level.String(),
			Slot:      cs.Slot,
			Reason:    cs.Reason,
		}

		if journal != nil {
			row, err := journal.GetSubmission(r.Context(), raw)
			switch {
			case errors.Is(err, db.ErrNotFound):
			case err != nil:
				logger.Warn("failed to read journal", "signature", raw, "error", err)
			default:
				j := journalToResponse(row)
				resp.Journal = &j
			}
		}

		writeJSON(w, resp, http.StatusOK)
	})
}

// handleListSubmissions returns a handler that lists journaled submissions.
// GET /api/v1/submissions?outcome=confirmed&limit=100&offset=0
func handleListSubmissions(journal Journal, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()

		outcome := query.Get("outcome")
		if outcome != "" && !validOutcomes[outcome] {
			writeError(w, fmt.Sprintf("invalid outcome %q", outcome), http.StatusBadRequest)
			return
		}

		// Parse limit (default 100, max 1000)
		limit := int32(100)
		if limitStr := query.Get("limit"); limitStr != "" {
			var parsedLimit int
			if _, err := fmt.Sscanf(limitStr, "%d", &parsedLimit); err != nil {
				writeError(w, "invalid limit parameter: must be an integer", http.StatusBadRequest)
				return
			}
			if parsedLimit < 1 {
				writeError(w, "limit must be at least 1", http.StatusBadRequest)
				return
			}
			if parsedLimit > 1000 {
				writeError(w, "limit cannot exceed 1000", http.StatusBadRequest)
				return
			}
			limit = int32(parsedLimit)
		}

		// Parse offset (default 0)
		offset := int32(0)
		if offsetStr := query.Get("offset"); offsetStr != "" {
			var parsedOffset int
			if _, err := fmt.Sscanf(offsetStr, "%d", &parsedOffset); err != nil {
				writeError(w, "invalid offset parameter: must be an integer", http.StatusBadRequest)
				return
			}
			if parsedOffset < 0 {
				writeError(w, "offset cannot be negative", http.StatusBadRequest)
				return
			}
			offset = int32(parsedOffset)
		}

		rows, err := journal.ListSubmissions(r.Context(), db.ListSubmissionsParams{
			Outcome: outcome,
			Limit:   limit,
			Offset:  offset,
		})
		if err != nil {
			logger.Error("failed to list submissions", "outcome", outcome, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		resp := make([]journalResponse, len(rows))
		for i := range rows {
			resp[i] = journalToResponse(rows[i])
		}

		writeJSON(w, map[string]interface{}{
			"submissions": resp,
			"limit":       limit,
			"offset":      offset,
			"count":       len(resp),
		}, http.StatusOK)
	})
}

// handleGetWorkflow returns a handler that reports an async submission.
// GET /api/v1/workflows/{workflow_id}
func handleGetWorkflow(workflows WorkflowService, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		workflowID := r.PathValue("workflow_id")
		if workflowID == "" || len(workflowID) > 200 {
			writeError(w, "invalid workflow id", http.StatusBadRequest)
			return
		}

		st, err := workflows.SubmissionStatus(r.Context(), workflowID)
		if err != nil {
			var notFound *serviceerror.NotFound
			if errors.As(err, &notFound) {
				writeError(w, "workflow not found", http.StatusNotFound)
				return
			}
			logger.Error("failed to describe workflow", "workflow_id", workflowID, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		writeJSON(w, st, http.StatusOK)
	})
}

// parseSubmitRequest validates the request body and converts it to workflow input.
func parseSubmitRequest(req submitRequest, defaultTimeout time.Duration) (temporal.SubmitInstructionInput, error) {
	if err := validateAddress(req.ProgramID); err != nil {
		return temporal.SubmitInstructionInput{}, errorf("invalid program_id: %v", err)
	}
	if len(req.Accounts) > maxAccounts {
		return temporal.SubmitInstructionInput{}, errorf("too many accounts: maximum is %d", maxAccounts)
	}
	for i, acc := range req.Accounts {
		if err := validateAddress(acc.PublicKey); err != nil {
			return temporal.SubmitInstructionInput{}, errorf("invalid accounts[%d].public_key: %v", i, err)
		}
	}
	if req.Commitment != "" {
		if _, err := solana.ParseLevel(req.Commitment); err != nil {
			return temporal.SubmitInstructionInput{}, errorf("invalid commitment: %v", err)
		}
	}

	timeout := defaultTimeout
	if req.Timeout != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil {
			return temporal.SubmitInstructionInput{}, errorf("invalid timeout format: %v", err)
		}
		if err := validateTimeout(d); err != nil {
			return temporal.SubmitInstructionInput{}, err
		}
		timeout = d
	}

	return temporal.SubmitInstructionInput{
		ProgramID: req.ProgramID,
		Accounts:  req.Accounts,
		Data:      req.Data,
		Required:  req.Commitment,
		Timeout:   timeout,
	}, nil
}

// statusForError maps an error kind onto an HTTP status.
func statusForError(err error) int {
	switch txerr.KindOf(err) {
	case txerr.KindValidation:
		return http.StatusBadRequest
	case txerr.KindSigning, txerr.KindConfirmationFailure:
		return http.StatusUnprocessableEntity
	case txerr.KindRejected, txerr.KindStaleFreshnessToken:
		return http.StatusConflict
	case txerr.KindNetwork:
		return http.StatusBadGateway
	case txerr.KindTimedOut:
		// sent, outcome unknown
		return http.StatusAccepted
	default:
		return http.StatusInternalServerError
	}
}

func submissionToResponse(res *submitter.Result, err error) submissionResponse {
	resp := submissionResponse{
		Outcome:       submitter.Outcome(res, err),
		Indeterminate: txerr.Indeterminate(err),
	}
	if err != nil {
		resp.Error = err.Error()
		resp.Reason = txerr.ReasonOf(err)
	}
	if res == nil {
		return resp
	}
	resp.Signature = res.Signature.String()
	resp.Status = res.Status.Level.String()
	resp.Slot = res.Status.Slot
	if resp.Reason == "" {
		resp.Reason = res.Status.Reason
	}
	resp.Attempts = res.Attempts
	resp.StaleRetries = res.StaleRetries
	resp.ElapsedMS = res.Elapsed.Milliseconds()
	return resp
}

func journalToResponse(s *db.Submission) journalResponse {
	resp := journalResponse{
		Signature:     s.Signature,
		ProgramID:     s.ProgramID,
		FeePayer:      s.FeePayer,
		RequiredLevel: s.RequiredLevel,
		Outcome:       s.Outcome,
		Status:        s.Status,
		Slot:          s.Slot,
		Attempts:      s.Attempts,
		StaleRetries:  s.StaleRetries,
		SubmittedAt:   s.SubmittedAt,
		CompletedAt:   s.CompletedAt,
	}
	if s.Reason != nil {
		resp.Reason = *s.Reason
	}
	return resp
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}

// validateAddress validates a base58 public key for security and format.
func validateAddress(address string) error {
	if address == "" {
		return errorf("address is required")
	}

	if len(address) > maxAddressLength {
		return errorf("address too long: maximum length is %d characters", maxAddressLength)
	}

	// Check for null bytes and control characters
	for _, r := range address {
		if r == 0 || unicode.IsControl(r) {
			return errorf("invalid characters in address: control characters not allowed")
		}
	}

	if !validAddressRegex.MatchString(address) {
		return errorf("invalid address format: must contain only valid base58 characters")
	}

	if _, err := solanago.PublicKeyFromBase58(address); err != nil {
		return errorf("invalid address: %v", err)
	}

	return nil
}

// parseSignature validates and decodes a base58 transaction signature.
func parseSignature(raw string) (solanago.Signature, error) {
	if raw == "" {
		return solanago.Signature{}, errorf("signature is required")
	}
	if len(raw) > maxSignatureLength {
		return solanago.Signature{}, errorf("signature too long: maximum length is %d characters", maxSignatureLength)
	}
	if !validAddressRegex.MatchString(raw) {
		return solanago.Signature{}, errorf("invalid signature format: must contain only valid base58 characters")
	}
	sig, err := solanago.SignatureFromBase58(raw)
	if err != nil {
		return solanago.Signature{}, errorf("invalid signature: %v", err)
	}
	return sig, nil
}

// validateTimeout validates a confirmation timeout for reasonable bounds.
func validateTimeout(timeout time.Duration) error {
	if timeout < minConfirmTimeout {
		return errorf("timeout must be at least %v", minConfirmTimeout)
	}

	if timeout > maxConfirmTimeout {
		return errorf("timeout cannot exceed %v", maxConfirmTimeout)
	}

	return nil
}

// errorf is a helper to format error strings.
func errorf(format string, args ...interface{}) error {
	return &validationError{msg: strings.TrimSpace(fmt.Sprintf(format, args...))}
}

type validationError struct {
	msg string
}

func (e *validationError) Error() string {
	return e.msg
}
