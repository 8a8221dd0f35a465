// Package txerr classifies the failures a submission can end in.
//
// Every error returned by the submit path is (or wraps) an *Error carrying a
// Kind. Callers branch with errors.Is against the sentinels below, or with
// KindOf when they need the kind itself (e.g. to pick an HTTP status).
package txerr

import (
	"errors"
	"strings"
)

// Kind is the category of a submission failure.
type Kind int

const (
	KindUnknown Kind = iota
	// KindValidation: malformed instruction or accounts. Local, never sent.
	KindValidation
	// KindSigning: missing or invalid credential. Local, never sent.
	KindSigning
	// KindRejected: the cluster refused the transaction.
	KindRejected
	// KindStaleFreshnessToken: the cluster refused the transaction because its
	// blockhash expired. A rejection sub-kind; retried once by the submitter.
	KindStaleFreshnessToken
	// KindNetwork: transport failure talking to the cluster.
	KindNetwork
	// KindConfirmationFailure: the cluster accepted the transaction and then
	// reported it failed.
	KindConfirmationFailure
	// KindTimedOut: no confirmation within the deadline. The outcome is unknown.
	KindTimedOut
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindSigning:
		return "signing"
	case KindRejected:
		return "rejected"
	case KindStaleFreshnessToken:
		return "stale_freshness_token"
	case KindNetwork:
		return "network"
	case KindConfirmationFailure:
		return "confirmation_failure"
	case KindTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is.
var (
	ErrValidation          = errors.New("validation error")
	ErrSigning             = errors.New("signing error")
	ErrRejected            = errors.New("transaction rejected")
	ErrStaleFreshnessToken = errors.New("stale freshness token")
	ErrNetwork             = errors.New("network error")
	ErrConfirmationFailure = errors.New("confirmation failure")
	ErrTimedOut            = errors.New("confirmation timed out")
)

// Error is a classified submission failure.
type Error struct {
	Kind Kind
	// Op is the operation that failed, e.g. "build", "sign", "send", "await".
	Op string
	// Reason is the human readable cause, cluster-provided when available.
	Reason string
	// Err is the underlying error, if any.
	Err error
}

func (e *Error) Error() string {
	var sb strings.Builder
	if e.Op != "" {
		sb.WriteString(e.Op)
		sb.WriteString(": ")
	}
	sb.WriteString(e.Kind.String())
	if e.Reason != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Reason)
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the kind sentinels. A stale-token rejection is also a rejection.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrValidation:
		return e.Kind == KindValidation
	case ErrSigning:
		return e.Kind == KindSigning
	case ErrRejected:
		return e.Kind == KindRejected || e.Kind == KindStaleFreshnessToken
	case ErrStaleFreshnessToken:
		return e.Kind == KindStaleFreshnessToken
	case ErrNetwork:
		return e.Kind == KindNetwork
	case ErrConfirmationFailure:
		return e.Kind == KindConfirmationFailure
	case ErrTimedOut:
		return e.Kind == KindTimedOut
	}
	return false
}

func Validation(op, reason string) error {
	return &Error{Kind: KindValidation, Op: op, Reason: reason}
}

func Signing(op, reason string, err error) error {
	return &Error{Kind: KindSigning, Op: op, Reason: reason, Err: err}
}

func Rejected(op, reason string, err error) error {
	return &Error{Kind: KindRejected, Op: op, Reason: reason, Err: err}
}

func StaleFreshnessToken(op, reason string, err error) error {
	return &Error{Kind: KindStaleFreshnessToken, Op: op, Reason: reason, Err: err}
}

func Network(op string, err error) error {
	return &Error{Kind: KindNetwork, Op: op, Err: err}
}

func ConfirmationFailure(op, reason string) error {
	return &Error{Kind: KindConfirmationFailure, Op: op, Reason: reason}
}

func TimedOut(op, reason string) error {
	return &Error{Kind: KindTimedOut, Op: op, Reason: reason}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// ReasonOf returns the reason of the first *Error in err's chain.
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}

// Indeterminate reports whether err leaves the transaction's fate unknown.
// The caller should re-query status rather than treat it as failed.
func Indeterminate(err error) bool {
	return errors.Is(err, ErrTimedOut)
}
