package solana

import (
	"fmt"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// SubmissionHandle identifies a transaction the cluster has accepted.
// It is the key for status polling.
type SubmissionHandle struct {
	Signature   solana.Signature
	SubmittedAt time.Time
}

// FreshnessToken is a recent blockhash. It bounds how long a signed message
// stays valid for submission.
type FreshnessToken struct {
	Blockhash            solana.Hash
	LastValidBlockHeight uint64
	FetchedAt            time.Time
}

// Age returns how long ago the token was fetched.
func (t FreshnessToken) Age(now time.Time) time.Duration {
	return now.Sub(t.FetchedAt)
}

// Level is a commitment level, ordered by durability. LevelFailed sits outside
// the order: it is terminal and never satisfies a requirement.
type Level int

const (
	LevelUnknown Level = iota
	LevelProcessed
	LevelConfirmed
	LevelFinalized
	LevelFailed
)

func (l Level) String() string {
	switch l {
	case LevelProcessed:
		return "processed"
	case LevelConfirmed:
		return "confirmed"
	case LevelFinalized:
		return "finalized"
	case LevelFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Commitment maps the level onto the RPC commitment parameter.
func (l Level) Commitment() rpc.CommitmentType {
	switch l {
	case LevelProcessed:
		return rpc.CommitmentProcessed
	case LevelFinalized:
		return rpc.CommitmentFinalized
	default:
		return rpc.CommitmentConfirmed
	}
}

// ParseLevel parses a commitment level name. Only the three levels a caller
// can require are accepted.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "processed":
		return LevelProcessed, nil
	case "confirmed":
		return LevelConfirmed, nil
	case "finalized":
		return LevelFinalized, nil
	default:
		return LevelUnknown, fmt.Errorf("invalid commitment level %q (must be processed, confirmed or finalized)", s)
	}
}

// ConfirmationStatus is what the cluster reports for a signature.
type ConfirmationStatus struct {
	Level  Level
	Slot   uint64
	Reason string // set when Level is LevelFailed
}

// AtLeast reports whether the status satisfies the required level.
func (s ConfirmationStatus) AtLeast(required Level) bool {
	if s.Level == LevelFailed {
		return false
	}
	return s.Level >= required
}

// Failed reports whether the cluster says the transaction failed.
func (s ConfirmationStatus) Failed() bool {
	return s.Level == LevelFailed
}

func (s ConfirmationStatus) String() string {
	if s.Level == LevelFailed && s.Reason != "" {
		return "failed(" + s.Reason + ")"
	}
	return s.Level.String()
}
