package nats

import (
	"time"

	"github.com/brojonat/txconfirm/service/db"
)

// SubmissionEvent is published when a submission reaches a terminal outcome.
// It is published to the subject "submissions.{outcome}" in JetStream.
type SubmissionEvent struct {
	Signature string `json:"signature"`
	ProgramID string `json:"program_id"`
	FeePayer  string `json:"fee_payer"`

	// Outcome is confirmed, finalized, processed, failed, timed_out, rejected or network.
	Outcome       string `json:"outcome"`
	Status        string `json:"status"`
	RequiredLevel string `json:"required_level"`
	Slot          int64  `json:"slot,omitempty"`
	Reason        string `json:"reason,omitempty"`

	Attempts     int32 `json:"attempts"`
	StaleRetries int32 `json:"stale_retries"`

	SubmittedAt time.Time  `json:"submitted_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	PublishedAt time.Time  `json:"published_at"`
}

// Subject returns the subject the event is published to.
func (e *SubmissionEvent) Subject() string {
	outcome := e.Outcome
	if outcome == "" {
		outcome = "unknown"
	}
	return SubjectPrefix + outcome
}

// FromDBSubmission converts a journaled submission to an event for publishing.
func FromDBSubmission(sub *db.Submission) *SubmissionEvent {
	event := &SubmissionEvent{
		Signature:     sub.Signature,
		ProgramID:     sub.ProgramID,
		FeePayer:      sub.FeePayer,
		Outcome:       sub.Outcome,
		Status:        sub.Status,
		RequiredLevel: sub.RequiredLevel,
		Slot:          sub.Slot,
		Attempts:      sub.Attempts,
		StaleRetries:  sub.StaleRetries,
		SubmittedAt:   sub.SubmittedAt,
		CompletedAt:   sub.CompletedAt,
		PublishedAt:   time.Now().UTC(),
	}
	if sub.Reason != nil {
		event.Reason = *sub.Reason
	}
	return event
}
