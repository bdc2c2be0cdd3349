package nonce

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"txrelay/internal/domain"
)

var (
	ErrLockTimeout = errors.New("nonce lock acquisition timed out")
	ErrLockLost    = errors.New("nonce lock expired before release")
)

type MutexOptions struct {
	PollInterval time.Duration
	Timeout      time.Duration
	TTL          time.Duration
}

func (o MutexOptions) withDefaults() MutexOptions {
	if o.PollInterval <= 0 {
		o.PollInterval = 100 * time.Millisecond
	}
	if o.Timeout <= 0 {
		o.Timeout = 50 * time.Second
	}
	if o.TTL <= 0 {
		o.TTL = 2 * time.Minute
	}
	return o
}

// Mutex is a distributed lock over an atomic counter. The first INCR to
// observe 1 owns it and every other INCR is undone by a DECR, so the
// counter is only ever released by decrement: deleting it while a loser's
// DECR is still in flight would let two callers observe 1. The owner
// stores a fencing token so a release after expiry cannot drop a newer
// holder's lock.
type Mutex struct {
	cache    Cache
	lockKey  string
	fenceKey string
	ownerKey string
	opts     MutexOptions
}

func NewMutex(cache Cache, prefix string, opts MutexOptions) *Mutex {
	return &Mutex{
		cache:    cache,
		lockKey:  prefix + ":lock",
		fenceKey: prefix + ":fence",
		ownerKey: prefix + ":owner",
		opts:     opts.withDefaults(),
	}
}

// Lock polls until the lock is held, the timeout elapses or ctx ends.
// It returns the fencing token to pass to Unlock.
func (m *Mutex) Lock(ctx context.Context) (string, error) {
	deadline := time.Now().Add(m.opts.Timeout)
	for {
		token, ok, err := m.tryLock(ctx)
		if err != nil {
			return "", domain.NewFailure(domain.FailureCacheUnavailable, err)
		}
		if ok {
			return token, nil
		}
		if !time.Now().Before(deadline) {
			return "", domain.NewFailure(domain.FailureLockBusy, ErrLockTimeout)
		}
		timer := time.NewTimer(m.opts.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-timer.C:
		}
	}
}

func (m *Mutex) tryLock(ctx context.Context) (string, bool, error) {
	count, err := m.cache.Incr(ctx, m.lockKey)
	if err != nil {
		return "", false, err
	}
	if count != 1 {
		m.backOff(ctx, count)
		return "", false, nil
	}
	fence, err := m.cache.Incr(ctx, m.fenceKey)
	if err != nil {
		return "", false, m.abandon(ctx, err)
	}
	token := strconv.FormatInt(fence, 10)
	// The owner key expires before the counter, so a stale holder can
	// never decrement a counter that a newer holder has taken.
	if err := m.cache.Set(ctx, m.ownerKey, token, m.opts.TTL); err != nil {
		return "", false, m.abandon(ctx, err)
	}
	if err := m.cache.Expire(ctx, m.lockKey, m.opts.TTL); err != nil {
		return "", false, m.abandon(ctx, err)
	}
	return token, true, nil
}

// backOff undoes a losing INCR. A counter left without an owner gets a TTL
// so a holder that died between INCR and EXPIRE cannot wedge the address.
func (m *Mutex) backOff(ctx context.Context, count int64) {
	remaining, err := m.cache.Decr(ctx, m.lockKey)
	if err != nil {
		slog.Warn("nonce lock decrement failed", "key", m.lockKey, "err", err)
		return
	}
	if remaining < 0 || count < 1 {
		_ = m.cache.Del(ctx, m.lockKey)
		return
	}
	if _, held, err := m.cache.Get(ctx, m.ownerKey); err == nil && !held {
		_ = m.cache.Expire(ctx, m.lockKey, m.opts.TTL)
	}
}

// abandon gives back a won INCR after a later step failed.
func (m *Mutex) abandon(ctx context.Context, cause error) error {
	_ = m.cache.Del(ctx, m.ownerKey)
	if remaining, err := m.cache.Decr(ctx, m.lockKey); err == nil && remaining <= 0 {
		_ = m.cache.Del(ctx, m.lockKey)
	}
	return cause
}

// Unlock releases the lock if token still owns it.
func (m *Mutex) Unlock(ctx context.Context, token string) error {
	released, err := m.cache.ReleaseOwned(ctx, m.ownerKey, token, m.lockKey)
	if err != nil {
		return err
	}
	if !released {
		return ErrLockLost
	}
	return nil
}
