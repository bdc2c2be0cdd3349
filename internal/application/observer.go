package application

import (
	"time"

	"txrelay/internal/domain"
)

// Observer receives lifecycle signals for metrics.
type Observer interface {
	SubmitAccepted()
	TransactionSubmitted()
	TransactionFailed(kind domain.FailureKind)
	TransactionRescheduled(kind domain.FailureKind)
	UnclassifiedFailure()
	BlockReconciled(number uint64, txs int, elapsed time.Duration)
	BlockFailed(number uint64)
	RecordsSynthesized(n int)
	ChainHead(number uint64)
}

type nopObserver struct{}

func (nopObserver) SubmitAccepted()                            {}
func (nopObserver) TransactionSubmitted()                      {}
func (nopObserver) TransactionFailed(domain.FailureKind)       {}
func (nopObserver) TransactionRescheduled(domain.FailureKind)  {}
func (nopObserver) UnclassifiedFailure()                       {}
func (nopObserver) BlockReconciled(uint64, int, time.Duration) {}
func (nopObserver) BlockFailed(uint64)                         {}
func (nopObserver) RecordsSynthesized(int)                     {}
func (nopObserver) ChainHead(uint64)                           {}

func observerOrNop(o Observer) Observer {
	if o == nil {
		return nopObserver{}
	}
	return o
}
