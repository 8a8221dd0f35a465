package db

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func newSubmissionParams(sig, outcome string, submittedAt time.Time) UpsertSubmissionParams {
	return UpsertSubmissionParams{
		Signature:     sig,
		ProgramID:     "2j64V9Te3wcmWZnkZDDSd3iA5YYfwErPAGeD9ip7i5BD",
		FeePayer:      "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM",
		RequiredLevel: "confirmed",
		Outcome:       outcome,
		Status:        "processed",
		Attempts:      1,
		SubmittedAt:   submittedAt,
	}
}

func TestSubmissionIndeterminate(t *testing.T) {
	assert.True(t, (&Submission{Outcome: "timed_out"}).Indeterminate())
	assert.False(t, (&Submission{Outcome: "failed"}).Indeterminate())
	assert.False(t, (&Submission{Outcome: "confirmed"}).Indeterminate())
}

func TestUpsertAndGetSubmission(t *testing.T) {
	SkipIfNoTestDB(t)
	store := NewTestStore(t)
	defer store.Close()
	store.Cleanup(t)

	ctx := context.Background()
	submittedAt := time.Now().UTC().Truncate(time.Microsecond)

	created, err := store.UpsertSubmission(ctx, newSubmissionParams("sig-1", "timed_out", submittedAt))
	require.NoError(t, err)
	assert.Equal(t, "sig-1", created.Signature)
	assert.Equal(t, "timed_out", created.Outcome)
	assert.Nil(t, created.Reason)
	assert.Nil(t, created.CompletedAt)
	assert.True(t, created.SubmittedAt.Equal(submittedAt))

	completed := submittedAt.Add(3 * time.Second)
	params := newSubmissionParams("sig-1", "failed", submittedAt)
	params.Status = "failed"
	params.Reason = strPtr("InstructionError: instruction 0: custom program error 6000")
	params.StaleRetries = 1
	params.Attempts = 2
	params.CompletedAt = &completed

	updated, err := store.UpsertSubmission(ctx, params)
	require.NoError(t, err)
	assert.Equal(t, "failed", updated.Outcome)
	require.NotNil(t, updated.Reason)
	assert.Contains(t, *updated.Reason, "6000")
	assert.Equal(t, int32(2), updated.Attempts)
	assert.Equal(t, int32(1), updated.StaleRetries)

	got, err := store.GetSubmission(ctx, "sig-1")
	require.NoError(t, err)
	assert.Equal(t, updated.Outcome, got.Outcome)

	_, err = store.GetSubmission(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateSubmissionStatus(t *testing.T) {
	SkipIfNoTestDB(t)
	store := NewTestStore(t)
	defer store.Close()
	store.Cleanup(t)

	ctx := context.Background()
	_, err := store.UpsertSubmission(ctx, newSubmissionParams("sig-2", "timed_out", time.Now()))
	require.NoError(t, err)

	now := time.Now()
	sub, err := store.UpdateSubmissionStatus(ctx, UpdateSubmissionStatusParams{
		Signature:   "sig-2",
		Outcome:     "finalized",
		Status:      "finalized",
		Slot:        1234,
		CompletedAt: &now,
	})
	require.NoError(t, err)
	assert.Equal(t, "finalized", sub.Outcome)
	assert.Equal(t, int64(1234), sub.Slot)
	assert.False(t, sub.Indeterminate())

	_, err = store.UpdateSubmissionStatus(ctx, UpdateSubmissionStatusParams{Signature: "missing", Outcome: "failed"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListSubmissions(t *testing.T) {
	SkipIfNoTestDB(t)
	store := NewTestStore(t)
	defer store.Close()
	store.Cleanup(t)

	ctx := context.Background()
	base := time.Now().Add(-time.Hour)
	for i, outcome := range []string{"confirmed", "timed_out", "timed_out", "failed"} {
		sig := "sig-list-" + string(rune('a'+i))
		_, err := store.UpsertSubmission(ctx, newSubmissionParams(sig, outcome, base.Add(time.Duration(i)*time.Minute)))
		require.NoError(t, err)
	}

	all, err := store.ListSubmissions(ctx, ListSubmissionsParams{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "sig-list-d", all[0].Signature, "newest first")

	timedOut, err := store.ListSubmissions(ctx, ListSubmissionsParams{Outcome: "timed_out"})
	require.NoError(t, err)
	assert.Len(t, timedOut, 2)

	pending, err := store.ListIndeterminate(ctx, base.Add(90*time.Second), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "sig-list-b", pending[0].Signature)

	deleted, err := store.DeleteSubmissionsOlderThan(ctx, base.Add(90*time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)
}

func TestDeleteSubmissionsOlderThan(t *testing.T) {
	SkipIfNoTestDB(t)
	store := NewTestStore(t)
	defer store.Close()
	store.Cleanup(t)

	ctx := context.Background()
	now := time.Now()
	_, err := store.UpsertSubmission(ctx, newSubmissionParams("sig-old", "confirmed", now))
	require.NoError(t, err)
	_, err = store.UpsertSubmission(ctx, newSubmissionParams("sig-new", "confirmed", now))
	require.NoError(t, err)

	// upserts keep the first submitted_at, so backdate directly
	store.MustExec(t, "UPDATE submissions SET submitted_at = $1 WHERE signature = $2", now.Add(-48*time.Hour), "sig-old")

	deleted, err := store.DeleteSubmissionsOlderThan(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, err = store.GetSubmission(ctx, "sig-old")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.GetSubmission(ctx, "sig-new")
	assert.NoError(t, err)
}
