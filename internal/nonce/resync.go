package nonce

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"txrelay/internal/domain"

	"golang.org/x/sync/errgroup"
)

var ErrNoReplica = errors.New("no chain node replica answered")

// NodeQuerier is the per-replica view the allocator needs.
type NodeQuerier interface {
	URL() string
	// NonceAt returns the mined transaction count of address.
	NonceAt(ctx context.Context, address string) (uint64, error)
	// PendingNonces returns the nonces of pending and queued transactions
	// sent by address.
	PendingNonces(ctx context.Context, address string) ([]uint64, error)
}

// Resync derives the next nonce for address from every replica:
// max(max mined count, 1 + max pending nonce). Replicas that fail are
// ignored; if none answers the result is a FailureNodeUnreachable.
func Resync(ctx context.Context, nodes []NodeQuerier, address string) (uint64, error) {
	var (
		mu         sync.Mutex
		answered   int
		maxMined   uint64
		maxPending uint64
		anyPending bool
	)
	var g errgroup.Group
	for _, node := range nodes {
		g.Go(func() error {
			mined, err := node.NonceAt(ctx, address)
			if err != nil {
				slog.Warn("nonce resync: mined count failed", "node", node.URL(), "address", address, "err", err)
				return nil
			}
			pending, err := node.PendingNonces(ctx, address)
			if err != nil {
				slog.Warn("nonce resync: txpool query failed", "node", node.URL(), "address", address, "err", err)
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			answered++
			if mined > maxMined {
				maxMined = mined
			}
			for _, n := range pending {
				if !anyPending || n > maxPending {
					maxPending = n
					anyPending = true
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	if answered == 0 {
		return 0, domain.NewFailure(domain.FailureNodeUnreachable, ErrNoReplica)
	}
	next := maxMined
	if anyPending && maxPending+1 > next {
		next = maxPending + 1
	}
	return next, nil
}
