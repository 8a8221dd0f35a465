package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Account is one account of a submitted instruction.
type Account struct {
	PublicKey string `json:"public_key"`
	Writable  bool   `json:"writable"`
	Signer    bool   `json:"signer"`
	FeePayer  bool   `json:"fee_payer"`
}

// SubmitRequest describes a single-instruction transaction for the server to
// sign with its keys and submit.
type SubmitRequest struct {
	ProgramID string
	Accounts  []Account
	Data      []byte
	// Commitment is processed, confirmed or finalized. Empty means the server default.
	Commitment string
	// Timeout bounds the confirmation wait. Zero means the server default.
	Timeout time.Duration
	// RequestID deduplicates async submissions. Empty lets the server pick one.
	RequestID string
}

// Submission is the settled outcome of a synchronous submission.
type Submission struct {
	Signature     string        `json:"signature,omitempty"`
	Outcome       string        `json:"outcome"`
	Status        string        `json:"status,omitempty"`
	Slot          uint64        `json:"slot,omitempty"`
	Reason        string        `json:"reason,omitempty"`
	Attempts      int           `json:"attempts"`
	StaleRetries  int           `json:"stale_retries"`
	Elapsed       time.Duration `json:"-"`
	Indeterminate bool          `json:"indeterminate"`
}

// JournalEntry is a journaled submission.
type JournalEntry struct {
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

// SignatureStatus is the cluster's current view of a signature.
type SignatureStatus struct {
	Signature string        `json:"signature"`
	Status    string        `json:"status"`
	Slot      uint64        `json:"slot,omitempty"`
	Reason    string        `json:"reason,omitempty"`
	Journal   *JournalEntry `json:"journal,omitempty"`
}

// WorkflowStatus describes an async submission.
type WorkflowStatus struct {
	WorkflowID string          `json:"workflow_id"`
	Status     string          `json:"status"`
	Result     json.RawMessage `json:"result,omitempty"`
}

// APIError is a non-success response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("request failed with status %d: %s", e.StatusCode, e.Message)
}

// ErrIndeterminate is returned when the server sent the transaction but could
// not confirm it in time. The transaction may still land.
var ErrIndeterminate = errors.New("submission outcome unknown")

// Client is the HTTP client for the txconfirm submission service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new submission service client. Synchronous submissions
// block until the server settles them, so httpClient should allow for the
// confirmation timeout.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Minute}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger,
	}
}

// Submit sends the instruction and waits for the server to settle it.
// A submission that was sent but did not succeed is returned together with a
// non-nil error so callers keep the signature. A timed-out submission returns
// an error wrapping ErrIndeterminate.
func (c *Client) Submit(ctx context.Context, in SubmitRequest) (*Submission, error) {
	resp, err := c.postSubmission(ctx, in, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var out struct {
		Submission
		ElapsedMS int64  `json:"elapsed_ms"`
		Error     string `json:"error"`
	}
	if err := json.Unmarshal(body, &out); err != nil || out.Outcome == "" {
		return nil, apiError(resp.StatusCode, body)
	}
	sub := out.Submission
	sub.Elapsed = time.Duration(out.ElapsedMS) * time.Millisecond

	switch {
	case resp.StatusCode == http.StatusOK:
		c.logger.Debug("submission settled", "signature", sub.Signature, "outcome", sub.Outcome)
		return &sub, nil
	case sub.Indeterminate:
		return &sub, fmt.Errorf("%w: %s", ErrIndeterminate, out.Error)
	default:
		return &sub, &APIError{StatusCode: resp.StatusCode, Message: out.Error}
	}
}

// SubmitAsync hands the instruction to a durable workflow and returns its id.
func (c *Client) SubmitAsync(ctx context.Context, in SubmitRequest) (string, error) {
	resp, err := c.postSubmission(ctx, in, true)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return "", c.parseErrorResponse(resp)
	}

	var out struct {
		WorkflowID string `json:"workflow_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}

	c.logger.Debug("submission workflow started", "workflow_id", out.WorkflowID)
	return out.WorkflowID, nil
}

// Status reports the cluster's current status for a signature.
func (c *Client) Status(ctx context.Context, signature string) (*SignatureStatus, error) {
	var out SignatureStatus
	u := fmt.Sprintf("%s/api/v1/submissions/%s", c.baseURL, url.PathEscape(signature))
	if err := c.getJSON(ctx, u, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// List returns journaled submissions, newest first. An empty outcome lists all.
func (c *Client) List(ctx context.Context, outcome string, limit, offset int) ([]*JournalEntry, error) {
	q := url.Values{}
	if outcome != "" {
		q.Set("outcome", outcome)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	u := c.baseURL + "/api/v1/submissions"
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var out struct {
		Submissions []*JournalEntry `json:"submissions"`
	}
	if err := c.getJSON(ctx, u, &out); err != nil {
		return nil, err
	}
	return out.Submissions, nil
}

// Workflow reports an async submission.
func (c *Client) Workflow(ctx context.Context, workflowID string) (*WorkflowStatus, error) {
	var out WorkflowStatus
	u := fmt.Sprintf("%s/api/v1/workflows/%s", c.baseURL, url.PathEscape(workflowID))
	if err := c.getJSON(ctx, u, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health checks that the server is up.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.parseErrorResponse(resp)
	}
	return nil
}

func (c *Client) postSubmission(ctx context.Context, in SubmitRequest, async bool) (*http.Response, error) {
	reqBody := map[string]interface{}{
		"program_id": in.ProgramID,
		"accounts":   in.Accounts,
		"data":       in.Data,
		"async":      async,
	}
	if in.Commitment != "" {
		reqBody["commitment"] = in.Commitment
	}
	if in.Timeout > 0 {
		reqBody["timeout"] = in.Timeout.String()
	}
	if in.RequestID != "" {
		reqBody["request_id"] = in.RequestID
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/v1/submissions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

func (c *Client) getJSON(ctx context.Context, u string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.parseErrorResponse(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// parseErrorResponse attempts to parse an error response from the server.
func (c *Client) parseErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	return apiError(resp.StatusCode, body)
}

func apiError(code int, body []byte) error {
	var errResp struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		return &APIError{StatusCode: code, Message: string(bytes.TrimSpace(body))}
	}
	return &APIError{StatusCode: code, Message: errResp.Error}
}
