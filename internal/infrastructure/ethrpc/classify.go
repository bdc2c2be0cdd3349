package ethrpc

import (
	"context"
	"errors"
	"io"
	"net"
	"net/url"
	"strings"
	"syscall"

	"txrelay/internal/domain"

	"github.com/ethereum/go-ethereum/core"
	"github.com/ethereum/go-ethereum/core/txpool"
	"github.com/ethereum/go-ethereum/rpc"
)

// Node errors arrive as JSON-RPC messages, so matching is on the text the
// node uses for its own error values.
var messageKinds = []struct {
	fragment string
	kind     domain.FailureKind
}{
	{core.ErrNonceTooLow.Error(), domain.FailureNonceTooLow},
	{txpool.ErrReplaceUnderpriced.Error(), domain.FailureReplacementUnderpriced},
	{core.ErrInsufficientFunds.Error(), domain.FailureInsufficientFunds},
	{"insufficient funds", domain.FailureInsufficientFunds},
	{core.ErrIntrinsicGas.Error(), domain.FailureInsufficientGas},
	{"gas too low", domain.FailureInsufficientGas},
	{"out of gas", domain.FailureInsufficientGas},
	{core.ErrNonceTooHigh.Error(), domain.FailureNodeOutOfSync},
	{"header not found", domain.FailureNodeOutOfSync},
	{"missing trie node", domain.FailureNodeOutOfSync},
	{"syncing", domain.FailureNodeOutOfSync},
	{"connection refused", domain.FailureNodeUnreachable},
	{"no such host", domain.FailureNodeUnreachable},
}

// Classify maps a node error to a failure kind. Anything it does not
// recognise is FailureUnknown.
func Classify(err error) domain.FailureKind {
	if err == nil {
		return ""
	}
	var failure *domain.Failure
	if errors.As(err, &failure) {
		return failure.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) {
		return domain.FailureNodeUnreachable
	}
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) && (httpErr.StatusCode >= 500 || httpErr.StatusCode == 429) {
		return domain.FailureNodeUnreachable
	}
	message := strings.ToLower(err.Error())
	for _, candidate := range messageKinds {
		if strings.Contains(message, strings.ToLower(candidate.fragment)) {
			return candidate.kind
		}
	}
	var netErr net.Error
	var urlErr *url.Error
	if errors.As(err, &netErr) || errors.As(err, &urlErr) {
		return domain.FailureNodeUnreachable
	}
	return domain.FailureUnknown
}

// AsFailure wraps err with its classification. Cancellation passes
// through untouched so callers can tell shutdown from node trouble.
func AsFailure(err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return err
	}
	var failure *domain.Failure
	if errors.As(err, &failure) {
		return err
	}
	return domain.NewFailure(Classify(err), err)
}
