package domain

import (
	"errors"
	"fmt"
)

type FailureKind string

const (
	FailureNodeUnreachable        FailureKind = "node_unreachable"
	FailureNodeOutOfSync          FailureKind = "node_out_of_sync"
	FailureLockBusy               FailureKind = "lock_busy"
	FailureCacheUnavailable       FailureKind = "cache_unavailable"
	FailureNoWorker               FailureKind = "no_worker"
	FailureInsufficientFunds      FailureKind = "insufficient_funds"
	FailureInsufficientGas        FailureKind = "insufficient_gas"
	FailureNonceTooLow            FailureKind = "nonce_too_low"
	FailureReplacementUnderpriced FailureKind = "replacement_underpriced"
	FailureReverted               FailureKind = "reverted"
	FailureReceiptTimeout         FailureKind = "receipt_timeout"
	FailureUnknown                FailureKind = "unknown"
)

// Recoverable kinds reschedule the request instead of failing it.
func (k FailureKind) Recoverable() bool {
	switch k {
	case FailureNodeUnreachable, FailureNodeOutOfSync, FailureLockBusy, FailureCacheUnavailable, FailureNoWorker:
		return true
	default:
		return false
	}
}

// Failure tags an error with its FailureKind.
type Failure struct {
	Kind FailureKind
	Err  error
}

func NewFailure(kind FailureKind, err error) *Failure {
	return &Failure{Kind: kind, Err: err}
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return string(f.Kind)
	}
	return fmt.Sprintf("%s: %v", f.Kind, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// KindOf returns the kind of the first Failure in err's chain, or
// FailureUnknown.
func KindOf(err error) FailureKind {
	var failure *Failure
	if errors.As(err, &failure) {
		return failure.Kind
	}
	return FailureUnknown
}
