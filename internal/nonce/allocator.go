package nonce

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"txrelay/internal/domain"
)

var ErrLeaseReleased = errors.New("nonce lease already released")

const releaseTimeout = 5 * time.Second

// Key identifies one nonce sequence.
type Key struct {
	Address   string
	ChainKind string
	ChainID   uint64
}

func (k Key) normalize() Key {
	k.Address = strings.ToLower(strings.TrimSpace(k.Address))
	if k.ChainKind == "" {
		k.ChainKind = "evm"
	}
	return k
}

func (k Key) prefix() string {
	return fmt.Sprintf("nonce:%s:%d:%s", k.ChainKind, k.ChainID, k.Address)
}

// Allocator issues nonces for a single Key. Calls within the process are
// served in arrival order; across processes the Mutex serializes them.
type Allocator struct {
	key        Key
	cache      Cache
	nodes      []NodeQuerier
	mutex      *Mutex
	counterKey string
	queue      fifo
}

func NewAllocator(key Key, cache Cache, nodes []NodeQuerier, opts MutexOptions) *Allocator {
	key = key.normalize()
	prefix := key.prefix()
	return &Allocator{
		key:        key,
		cache:      cache,
		nodes:      nodes,
		mutex:      NewMutex(cache, prefix, opts),
		counterKey: prefix + ":counter",
	}
}

func (a *Allocator) Key() Key {
	return a.key
}

// Acquire waits for its turn, takes the distributed lock and returns a
// Lease carrying the nonce. The caller must finish the lease exactly once.
func (a *Allocator) Acquire(ctx context.Context) (*Lease, error) {
	if err := a.queue.enter(ctx); err != nil {
		return nil, err
	}
	token, err := a.mutex.Lock(ctx)
	if err != nil {
		a.queue.leave()
		return nil, err
	}
	nonce, err := a.current(ctx)
	if err != nil {
		a.unlock(ctx, token)
		a.queue.leave()
		return nil, err
	}
	return &Lease{allocator: a, token: token, nonce: nonce}, nil
}

func (a *Allocator) current(ctx context.Context) (uint64, error) {
	raw, ok, err := a.cache.Get(ctx, a.counterKey)
	if err != nil {
		return 0, domain.NewFailure(domain.FailureCacheUnavailable, err)
	}
	if ok {
		value, err := strconv.ParseUint(raw, 10, 64)
		if err == nil {
			return value, nil
		}
		slog.Warn("nonce counter corrupt, resyncing", "key", a.counterKey, "value", raw)
	}
	return a.resync(ctx)
}

func (a *Allocator) resync(ctx context.Context) (uint64, error) {
	next, err := Resync(ctx, a.nodes, a.key.Address)
	if err != nil {
		_ = a.cache.Del(ctx, a.counterKey)
		return 0, err
	}
	if err := a.cache.Set(ctx, a.counterKey, strconv.FormatUint(next, 10), 0); err != nil {
		return 0, domain.NewFailure(domain.FailureCacheUnavailable, err)
	}
	slog.Info("nonce resynced", "address", a.key.Address, "chain_id", a.key.ChainID, "next", next)
	return next, nil
}

func (a *Allocator) unlock(ctx context.Context, token string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := a.mutex.Unlock(ctx, token); err != nil {
		slog.Warn("nonce lock release failed", "address", a.key.Address, "chain_id", a.key.ChainID, "err", err)
	}
}

// Lease is one granted nonce. Exactly one of CompleteWithSuccess,
// CompleteWithFailure or Abort takes effect; later calls return
// ErrLeaseReleased.
type Lease struct {
	allocator *Allocator
	token     string
	nonce     uint64
	done      atomic.Bool
}

func (l *Lease) Nonce() uint64 {
	return l.nonce
}

// CompleteWithSuccess records the nonce as consumed.
func (l *Lease) CompleteWithSuccess(ctx context.Context) error {
	if !l.done.CompareAndSwap(false, true) {
		return ErrLeaseReleased
	}
	defer l.release(ctx)
	a := l.allocator
	if err := a.cache.Set(ctx, a.counterKey, strconv.FormatUint(l.nonce+1, 10), 0); err != nil {
		_ = a.cache.Del(ctx, a.counterKey)
		return domain.NewFailure(domain.FailureCacheUnavailable, err)
	}
	return nil
}

// CompleteWithFailure releases the lease. With resync the counter is
// re-derived from chain state first; if that fails the counter is dropped
// so the next Acquire resyncs.
func (l *Lease) CompleteWithFailure(ctx context.Context, resync bool) error {
	if !l.done.CompareAndSwap(false, true) {
		return ErrLeaseReleased
	}
	defer l.release(ctx)
	if !resync {
		return nil
	}
	_, err := l.allocator.resync(ctx)
	return err
}

// Abort releases the lease without touching the counter.
func (l *Lease) Abort(ctx context.Context) error {
	if !l.done.CompareAndSwap(false, true) {
		return ErrLeaseReleased
	}
	l.release(ctx)
	return nil
}

func (l *Lease) release(ctx context.Context) {
	l.allocator.unlock(ctx, l.token)
	l.allocator.queue.leave()
}

// fifo admits one holder at a time and hands off in arrival order.
type fifo struct {
	mu      sync.Mutex
	busy    bool
	waiters []chan struct{}
}

func (q *fifo) enter(ctx context.Context) error {
	q.mu.Lock()
	if !q.busy {
		q.busy = true
		q.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	q.waiters = append(q.waiters, ch)
	q.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		q.mu.Lock()
		for i, waiter := range q.waiters {
			if waiter == ch {
				q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
				q.mu.Unlock()
				return ctx.Err()
			}
		}
		q.mu.Unlock()
		// Handed off concurrently with cancellation; pass the turn on.
		q.leave()
		return ctx.Err()
	}
}

func (q *fifo) leave() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.waiters) == 0 {
		q.busy = false
		return
	}
	next := q.waiters[0]
	q.waiters = q.waiters[1:]
	close(next)
}
