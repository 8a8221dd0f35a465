package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/brojonat/txconfirm/service/metrics"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a submission is not in the journal.
var ErrNotFound = errors.New("submission not found")

// Schema creates the submissions journal.
const Schema = `
CREATE TABLE IF NOT EXISTS submissions (
    signature      TEXT PRIMARY KEY,
    program_id     TEXT NOT NULL,
    fee_payer      TEXT NOT NULL,
    required_level TEXT NOT NULL,
    outcome        TEXT NOT NULL,
    status         TEXT NOT NULL,
    slot           BIGINT NOT NULL DEFAULT 0,
    reason         TEXT,
    attempts       INTEGER NOT NULL DEFAULT 1,
    stale_retries  INTEGER NOT NULL DEFAULT 0,
    submitted_at   TIMESTAMPTZ NOT NULL,
    completed_at   TIMESTAMPTZ,
    created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS submissions_outcome_idx ON submissions (outcome, submitted_at);
`

const submissionColumns = `signature, program_id, fee_payer, required_level, outcome, status, slot,
	reason, attempts, stale_retries, submitted_at, completed_at, created_at, updated_at`

// Store provides database operations for the submissions journal.
type Store struct {
	pool    *pgxpool.Pool
	metrics *metrics.Metrics
}

// NewStore creates a new Store with the given database connection pool.
// If m is nil, no metrics will be recorded.
func NewStore(pool *pgxpool.Pool, m *metrics.Metrics) *Store {
	return &Store{
		pool:    pool,
		metrics: m,
	}
}

// Submission is one journaled transaction and the last outcome observed for it.
type Submission struct {
	Signature     string
	ProgramID     string
	FeePayer      string
	RequiredLevel string
	Outcome       string // confirmed, finalized, failed, timed_out, rejected, ...
	Status        string // last observed commitment level
	Slot          int64
	Reason        *string
	Attempts      int32
	StaleRetries  int32
	SubmittedAt   time.Time
	CompletedAt   *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Indeterminate reports whether the outcome is unknown and worth re-querying.
func (s *Submission) Indeterminate() bool {
	return s.Outcome == "timed_out"
}

// UpsertSubmissionParams contains the parameters for journaling a submission.
type UpsertSubmissionParams struct {
	Signature     string
	ProgramID     string
	FeePayer      string
	RequiredLevel string
	Outcome       string
	Status        string
	Slot          int64
	Reason        *string
	Attempts      int32
	StaleRetries  int32
	SubmittedAt   time.Time
	CompletedAt   *time.Time
}

// UpdateSubmissionStatusParams records a later status re-query.
type UpdateSubmissionStatusParams struct {
	Signature   string
	Outcome     string
	Status      string
	Slot        int64
	Reason      *string
	CompletedAt *time.Time
}

// ListSubmissionsParams contains filter and pagination parameters.
// An empty Outcome lists every outcome.
type ListSubmissionsParams struct {
	Outcome string
	Limit   int32
	Offset  int32
}

// EnsureSchema creates the journal table if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	start := time.Now()
	_, err := s.pool.Exec(ctx, Schema)
	s.record("ensure_schema", start, err)
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// UpsertSubmission inserts a submission or overwrites the outcome of an existing one.
func (s *Store) UpsertSubmission(ctx context.Context, params UpsertSubmissionParams) (*Submission, error) {
	start := time.Now()
	row := s.pool.QueryRow(ctx, `
		INSERT INTO submissions (signature, program_id, fee_payer, required_level, outcome, status, slot,
			reason, attempts, stale_retries, submitted_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (signature) DO UPDATE SET
			outcome = EXCLUDED.outcome,
			status = EXCLUDED.status,
			slot = EXCLUDED.slot,
			reason = EXCLUDED.reason,
			attempts = EXCLUDED.attempts,
			stale_retries = EXCLUDED.stale_retries,
			completed_at = EXCLUDED.completed_at,
			updated_at = NOW()
		RETURNING `+submissionColumns,
		params.Signature,
		params.ProgramID,
		params.FeePayer,
		params.RequiredLevel,
		params.Outcome,
		params.Status,
		params.Slot,
		params.Reason,
		params.Attempts,
		params.StaleRetries,
		params.SubmittedAt,
		params.CompletedAt,
	)
	sub, err := scanSubmission(row)
	s.record("upsert", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert submission: %w", err)
	}
	return sub, nil
}

// UpdateSubmissionStatus records the result of re-querying a submission.
func (s *Store) UpdateSubmissionStatus(ctx context.Context, params UpdateSubmissionStatusParams) (*Submission, error) {
	start := time.Now()
	row := s.pool.QueryRow(ctx, `
		UPDATE submissions
		SET outcome = $2, status = $3, slot = $4, reason = $5, completed_at = $6, updated_at = NOW()
		WHERE signature = $1
		RETURNING `+submissionColumns,
		params.Signature,
		params.Outcome,
		params.Status,
		params.Slot,
		params.Reason,
		params.CompletedAt,
	)
	sub, err := scanSubmission(row)
	s.record("update_status", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update submission: %w", err)
	}
	return sub, nil
}

// GetSubmission retrieves a submission by signature.
func (s *Store) GetSubmission(ctx context.Context, signature string) (*Submission, error) {
	start := time.Now()
	row := s.pool.QueryRow(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE signature = $1`, signature)
	sub, err := scanSubmission(row)
	s.record("get", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get submission: %w", err)
	}
	return sub, nil
}

// ListSubmissions returns submissions newest first.
func (s *Store) ListSubmissions(ctx context.Context, params ListSubmissionsParams) ([]*Submission, error) {
	if params.Limit <= 0 {
		params.Limit = 100
	}
	start := time.Now()
	rows, err := s.pool.Query(ctx, `
		SELECT `+submissionColumns+` FROM submissions
		WHERE ($1::text = '' OR outcome = $1::text)
		ORDER BY submitted_at DESC
		LIMIT $2 OFFSET $3`,
		params.Outcome, params.Limit, params.Offset,
	)
	if err != nil {
		s.record("list", start, err)
		return nil, fmt.Errorf("failed to list submissions: %w", err)
	}
	subs, err := collectSubmissions(rows)
	s.record("list", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to list submissions: %w", err)
	}
	return subs, nil
}

// ListIndeterminate returns timed-out submissions sent before the cutoff,
// oldest first, so their status can be re-queried.
func (s *Store) ListIndeterminate(ctx context.Context, before time.Time, limit int32) ([]*Submission, error) {
	if limit <= 0 {
		limit = 100
	}
	start := time.Now()
	rows, err := s.pool.Query(ctx, `
		SELECT `+submissionColumns+` FROM submissions
		WHERE outcome = 'timed_out' AND submitted_at < $1
		ORDER BY submitted_at ASC
		LIMIT $2`,
		before, limit,
	)
	if err != nil {
		s.record("list_indeterminate", start, err)
		return nil, fmt.Errorf("failed to list indeterminate submissions: %w", err)
	}
	subs, err := collectSubmissions(rows)
	s.record("list_indeterminate", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to list indeterminate submissions: %w", err)
	}
	return subs, nil
}

// DeleteSubmissionsOlderThan prunes the journal.
func (s *Store) DeleteSubmissionsOlderThan(ctx context.Context, before time.Time) (int64, error) {
	start := time.Now()
	tag, err := s.pool.Exec(ctx, `DELETE FROM submissions WHERE submitted_at < $1`, before)
	s.record("delete", start, err)
	if err != nil {
		return 0, fmt.Errorf("failed to delete submissions: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) record(op string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	if errors.Is(err, pgx.ErrNoRows) {
		err = nil
	}
	s.metrics.RecordDBQuery(op, "submissions", time.Since(start).Seconds(), err)
}

func scanSubmission(row pgx.Row) (*Submission, error) {
	var sub Submission
	err := row.Scan(
		&sub.Signature,
		&sub.ProgramID,
		&sub.FeePayer,
		&sub.RequiredLevel,
		&sub.Outcome,
		&sub.Status,
		&sub.Slot,
		&sub.Reason,
		&sub.Attempts,
		&sub.StaleRetries,
		&sub.SubmittedAt,
		&sub.CompletedAt,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func collectSubmissions(rows pgx.Rows) ([]*Submission, error) {
	defer rows.Close()
	subs := make([]*Submission, 0)
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}
