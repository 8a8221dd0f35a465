// Package confirm waits for a submitted transaction to reach a required
// commitment level.
//
// Await polls the cluster with exponential backoff until the status reaches
// the required level, the cluster reports the transaction failed, polling
// keeps failing, or the deadline passes. A deadline miss is an unknown
// outcome: the transaction may still land after Await returns.
package confirm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/txconfirm/service/metrics"
	"github.com/brojonat/txconfirm/service/solana"
	"github.com/brojonat/txconfirm/service/txerr"
	"github.com/cenkalti/backoff/v5"
	"github.com/jonboulle/clockwork"
)

const (
	DefaultTimeout        = 30 * time.Second
	DefaultBackoffBase    = 500 * time.Millisecond
	DefaultBackoffCeiling = 4 * time.Second
	DefaultMaxPollErrors  = 5
)

// StatusGetter is the part of the Connection the poller needs.
type StatusGetter interface {
	GetStatus(ctx context.Context, handle solana.SubmissionHandle) (solana.ConfirmationStatus, error)
}

// State is where a confirmation wait ended up.
type State int

const (
	StateWaiting State = iota
	StateProcessed
	StateConfirmed
	StateFinalized
	StateFailed
	StateTimedOut
)

func (s State) String() string {
	switch s {
	case StateWaiting:
		return "waiting"
	case StateProcessed:
		return "processed"
	case StateConfirmed:
		return "confirmed"
	case StateFinalized:
		return "finalized"
	case StateFailed:
		return "failed"
	case StateTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Succeeded reports whether the state is a success terminal.
func (s State) Succeeded() bool {
	return s == StateProcessed || s == StateConfirmed || s == StateFinalized
}

func successState(l solana.Level) State {
	switch l {
	case solana.LevelFinalized:
		return StateFinalized
	case solana.LevelConfirmed:
		return StateConfirmed
	default:
		return StateProcessed
	}
}

type Config struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Clock   clockwork.Clock

	// Required is the default level a wait must reach.
	Required solana.Level
	// Timeout is the default confirmation deadline.
	Timeout time.Duration
	// BackoffBase is the first poll interval; it doubles up to BackoffCeiling.
	BackoffBase    time.Duration
	BackoffCeiling time.Duration
	// MaxPollErrors is how many consecutive failed polls are retried before
	// the wait gives up.
	MaxPollErrors int
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Required == solana.LevelUnknown {
		c.Required = solana.LevelConfirmed
	}
	if c.Required == solana.LevelFailed {
		return errors.New("required level cannot be failed")
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.BackoffBase == 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.BackoffCeiling == 0 {
		c.BackoffCeiling = DefaultBackoffCeiling
	}
	if c.MaxPollErrors == 0 {
		c.MaxPollErrors = DefaultMaxPollErrors
	}
	if c.Timeout < 0 || c.BackoffBase < 0 || c.BackoffCeiling < 0 || c.MaxPollErrors < 0 {
		return errors.New("timeout, backoff and max poll errors must be positive")
	}
	if c.BackoffCeiling < c.BackoffBase {
		return fmt.Errorf("backoff ceiling %s is below base %s", c.BackoffCeiling, c.BackoffBase)
	}
	return nil
}

// Options override the configured defaults for one wait.
type Options struct {
	Required solana.Level
	Timeout  time.Duration
}

// Result describes how a wait ended. Status is the highest status observed,
// or the failure the cluster reported.
type Result struct {
	State   State
	Status  solana.ConfirmationStatus
	Polls   int
	Elapsed time.Duration
}

// Poller waits for confirmations. It holds no per-wait state and may be
// shared across goroutines.
type Poller struct {
	conn StatusGetter
	cfg  *Config
}

func NewPoller(conn StatusGetter, cfg *Config) (*Poller, error) {
	if conn == nil {
		return nil, errors.New("status getter is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Poller{conn: conn, cfg: cfg}, nil
}

// Await blocks until handle reaches the required level or the wait ends
// otherwise. The returned Result is always non-nil. Errors are:
//   - txerr.KindConfirmationFailure when the cluster reports failure
//   - txerr.KindNetwork when more than MaxPollErrors polls fail in a row
//   - txerr.KindTimedOut when the deadline passes or ctx is done
func (p *Poller) Await(ctx context.Context, handle solana.SubmissionHandle, opts Options) (*Result, error) {
	required := opts.Required
	if required == solana.LevelUnknown {
		required = p.cfg.Required
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = p.cfg.Timeout
	}

	w := &wait{
		poller:   p,
		handle:   handle,
		required: required,
		timeout:  timeout,
		start:    p.cfg.Clock.Now(),
		logger: p.cfg.Logger.With(
			"signature", handle.Signature.String(),
			"required", required.String(),
		),
	}
	w.deadline = w.start.Add(timeout)
	w.backoff = &backoff.ExponentialBackOff{
		InitialInterval:     p.cfg.BackoffBase,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         p.cfg.BackoffCeiling,
	}
	w.backoff.Reset()

	// bounds in-flight polls as well as the sleeps between them
	waitCtx, cancel := clockwork.WithDeadline(ctx, p.cfg.Clock, w.deadline)
	defer cancel()

	res, err := w.run(waitCtx)
	res.Elapsed = p.cfg.Clock.Since(w.start)

	if p.cfg.Metrics != nil {
		p.cfg.Metrics.RecordConfirmation(required.String(), res.State.String(), res.Elapsed.Seconds())
	}
	if err != nil {
		w.logger.WarnContext(ctx, "confirmation wait ended without success",
			"state", res.State.String(),
			"status", res.Status.String(),
			"polls", res.Polls,
			"elapsed", res.Elapsed,
			"error", err,
		)
	} else {
		w.logger.InfoContext(ctx, "transaction confirmed",
			"state", res.State.String(),
			"slot", res.Status.Slot,
			"polls", res.Polls,
			"elapsed", res.Elapsed,
		)
	}
	return res, err
}

// wait is the state of one Await call.
type wait struct {
	poller   *Poller
	handle   solana.SubmissionHandle
	required solana.Level
	timeout  time.Duration
	start    time.Time
	deadline time.Time
	backoff  *backoff.ExponentialBackOff
	logger   *slog.Logger

	best       solana.ConfirmationStatus
	polls      int
	pollErrors int
}

func (w *wait) result(state State) *Result {
	return &Result{State: state, Status: w.best, Polls: w.polls}
}

func (w *wait) run(ctx context.Context) (*Result, error) {
	cfg := w.poller.cfg
	for {
		w.polls++
		status, err := w.poller.conn.GetStatus(ctx, w.handle)
		switch {
		case err != nil:
			if done(ctx) {
				return w.stopped(ctx)
			}
			w.pollErrors++
			w.record("error")
			w.logger.WarnContext(ctx, "status poll failed",
				"consecutive_errors", w.pollErrors,
				"error", err,
			)
			if w.pollErrors > cfg.MaxPollErrors {
				return w.result(StateFailed), txerr.Network("await",
					fmt.Errorf("%d consecutive status polls failed: %w", w.pollErrors, err))
			}

		case status.Failed():
			w.record(status.Level.String())
			w.best = status
			return w.result(StateFailed), txerr.ConfirmationFailure("await", status.Reason)

		default:
			w.pollErrors = 0
			w.record(status.Level.String())
			// keep the highest level seen; a lagging node must not regress it
			if status.Level > w.best.Level {
				w.best = status
			}
			w.logger.DebugContext(ctx, "polled status", "status", w.best.String(), "poll", w.polls)
			if w.best.AtLeast(w.required) {
				return w.result(successState(w.best.Level)), nil
			}
		}

		remaining := w.deadline.Sub(cfg.Clock.Now())
		if remaining <= 0 {
			return w.timedOut()
		}

		delay := w.backoff.NextBackOff()
		if delay > remaining {
			delay = remaining
		}
		select {
		case <-ctx.Done():
			return w.stopped(ctx)
		case <-cfg.Clock.After(delay):
		}
	}
}

func (w *wait) timedOut() (*Result, error) {
	return w.result(StateTimedOut), txerr.TimedOut("await",
		fmt.Sprintf("not %s within %s, last status %s", w.required, w.timeout, w.best))
}

// stopped reports why ctx ended: the wait's own deadline, or the caller.
func (w *wait) stopped(ctx context.Context) (*Result, error) {
	if !w.poller.cfg.Clock.Now().Before(w.deadline) {
		return w.timedOut()
	}
	return w.cancelled(ctx)
}

// done reports whether ctx is finished without blocking.
func done(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// cancelled reports a caller cancellation. The transaction was already sent,
// so its fate is as unknown as after a deadline miss.
func (w *wait) cancelled(ctx context.Context) (*Result, error) {
	return w.result(StateTimedOut), &txerr.Error{
		Kind:   txerr.KindTimedOut,
		Op:     "await",
		Reason: fmt.Sprintf("wait cancelled, last status %s", w.best),
		Err:    ctx.Err(),
	}
}

func (w *wait) record(level string) {
	if m := w.poller.cfg.Metrics; m != nil {
		m.RecordPollAttempt(level)
	}
}
