package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrInvalidParams        = errors.New("invalid parameters")
	ErrTransient            = errors.New("transient remote failure")
	ErrSlippage             = errors.New("slippage tolerance exceeded")
	ErrLockHeld             = errors.New("lock already held")
	ErrExtractionInProgress = errors.New("extraction already in progress")
	ErrContextDone          = errors.New("context cancelled")
)

// fatalError marks an error as never retryable. The retry engine stops on the
// first fatal error regardless of the policy's matchers.
type fatalError struct {
	err error
}

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// Fatal wraps err so that IsFatal reports true for it and anything wrapping it.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// IsFatal reports whether err (or anything it wraps) was marked fatal, either
// through Fatal or by implementing Fatal() bool.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var fe *fatalError
	if errors.As(err, &fe) {
		return true
	}
	var marker interface{ Fatal() bool }
	if errors.As(err, &marker) {
		return marker.Fatal()
	}
	return false
}

// RangeComputationError is returned when computed bin ranges violate the
// layout postcondition. It is a programmer-error class failure.
type RangeComputationError struct {
	ActiveBin int64
	LegWidth  int64
	Reason    string
}

func (e *RangeComputationError) Error() string {
	return fmt.Sprintf("range computation: active_bin=%d leg_width=%d: %s", e.ActiveBin, e.LegWidth, e.Reason)
}

func (e *RangeComputationError) Fatal() bool { return true }

// AllocationError is returned when a split policy is unusable.
type AllocationError struct {
	Reason string
}

func (e *AllocationError) Error() string { return "allocation: " + e.Reason }

func (e *AllocationError) Fatal() bool { return true }

// PlanError is returned when an assembled plan fails validation.
type PlanError struct {
	Pool   string
	Reason string
}

func (e *PlanError) Error() string {
	return fmt.Sprintf("plan %s: %s", e.Pool, e.Reason)
}

func (e *PlanError) Fatal() bool { return true }

// LegError describes the failure of a single leg submission.
type LegError struct {
	Index    int
	LowerBin int64
	UpperBin int64
	Err      error
}

func (e *LegError) Error() string {
	return fmt.Sprintf("leg %d [%d,%d]: %v", e.Index, e.LowerBin, e.UpperBin, e.Err)
}

func (e *LegError) Unwrap() error { return e.Err }

// LegsFailedError is returned when every leg of a plan failed. Nothing was
// committed, so no recovery was needed.
type LegsFailedError struct {
	Failures []*LegError
}

func (e *LegsFailedError) Error() string {
	msgs := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		msgs = append(msgs, f.Error())
	}
	return fmt.Sprintf("all %d legs failed: %s", len(e.Failures), strings.Join(msgs, "; "))
}

// Unwrap exposes every leg error to errors.Is / errors.As.
func (e *LegsFailedError) Unwrap() []error {
	out := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		out = append(out, f)
	}
	return out
}

// PartialFailureError signals that some legs committed, others failed, and the
// committed ones were already closed and purged. The whole plan may be retried
// from a clean slate.
type PartialFailureError struct {
	Closed   []string
	Failures []*LegError
}

func (e *PartialFailureError) Error() string {
	msgs := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		msgs = append(msgs, f.Error())
	}
	return fmt.Sprintf("partial failure, already recovered (closed %s): %s",
		strings.Join(e.Closed, ","), strings.Join(msgs, "; "))
}

func (e *PartialFailureError) Unwrap() []error {
	out := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		out = append(out, f)
	}
	return out
}

// RecoveryError is returned when a committed leg could not be closed or
// purged, or when a leg landed without an address the keeper could track.
// System state needs external intervention; it is never retried.
type RecoveryError struct {
	Closed    []string
	Attempted []string
	Failed    string
	Untracked []string // signatures of landed creates with no known position
	Err       error
}

func (e *RecoveryError) Error() string {
	var parts []string
	if e.Failed != "" {
		parts = append(parts, fmt.Sprintf("closing %s failed: %v", e.Failed, e.Err))
	}
	if len(e.Untracked) > 0 {
		parts = append(parts, fmt.Sprintf("legs landed without a tracked position (tx=[%s])", strings.Join(e.Untracked, ",")))
	}
	if len(parts) == 0 && e.Err != nil {
		parts = append(parts, e.Err.Error())
	}
	return fmt.Sprintf("recovery aborted: %s (attempted=[%s] closed=[%s])",
		strings.Join(parts, "; "), strings.Join(e.Attempted, ","), strings.Join(e.Closed, ","))
}

func (e *RecoveryError) Unwrap() error { return e.Err }

func (e *RecoveryError) Fatal() bool { return true }

// UntrackedTxError reports a transaction that landed, or may have landed,
// without leaving anything the keeper can track. Repeating it could commit
// the same thing twice, so it is fatal.
type UntrackedTxError struct {
	Signature string
	Reason    string
}

func (e *UntrackedTxError) Error() string {
	return fmt.Sprintf("transaction %s landed untracked: %s", e.Signature, e.Reason)
}

func (e *UntrackedTxError) Fatal() bool { return true }

// TxRef returns the landed transaction's signature.
func (e *UntrackedTxError) TxRef() string { return e.Signature }

// TxReference returns the signature of a broadcast transaction carried by
// err through a TxRef() string method, or "" when there is none.
func TxReference(err error) string {
	var r interface{ TxRef() string }
	if errors.As(err, &r) {
		return r.TxRef()
	}
	return ""
}
