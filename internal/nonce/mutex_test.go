package nonce

import (
	"context"
	"testing"
	"time"

	"txrelay/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMutex_SecondLockTimesOut(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryCache()
	first := NewMutex(cache, "nonce:test", fastOptions())
	second := NewMutex(cache, "nonce:test", fastOptions())

	token, err := first.Lock(ctx)
	require.NoError(t, err)

	_, err = second.Lock(ctx)
	require.Error(t, err)
	assert.Equal(t, domain.FailureLockBusy, domain.KindOf(err))
	assert.ErrorIs(t, err, ErrLockTimeout)

	require.NoError(t, first.Unlock(ctx, token))
	token, err = second.Lock(ctx)
	require.NoError(t, err)
	require.NoError(t, second.Unlock(ctx, token))
}

func TestMutex_ExpiredHolderCannotReleaseNewOwner(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryCache()
	now := time.Now()
	cache.now = func() time.Time { return now }
	mutex := NewMutex(cache, "nonce:test", fastOptions())

	stale, err := mutex.Lock(ctx)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	fresh, err := mutex.Lock(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, stale, fresh)

	assert.ErrorIs(t, mutex.Unlock(ctx, stale), ErrLockLost)
	_, held, err := cache.Get(ctx, "nonce:test:lock")
	require.NoError(t, err)
	assert.True(t, held)

	require.NoError(t, mutex.Unlock(ctx, fresh))
	_, held, err = cache.Get(ctx, "nonce:test:lock")
	require.NoError(t, err)
	assert.False(t, held)
}

func TestMutex_OrphanedCounterGetsTTL(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryCache()
	now := time.Now()
	cache.now = func() time.Time { return now }
	mutex := NewMutex(cache, "nonce:test", MutexOptions{PollInterval: time.Millisecond, Timeout: 5 * time.Millisecond, TTL: time.Minute})

	// A holder crashed right after INCR: counter set, no TTL, no owner.
	_, err := cache.Incr(ctx, "nonce:test:lock")
	require.NoError(t, err)

	_, err = mutex.Lock(ctx)
	require.Error(t, err)

	now = now.Add(time.Minute)
	token, err := mutex.Lock(ctx)
	require.NoError(t, err)
	require.NoError(t, mutex.Unlock(ctx, token))
}

func TestMutex_ReleaseKeepsInFlightContenderCounted(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryCache()
	first := NewMutex(cache, "nonce:test", fastOptions())
	second := NewMutex(cache, "nonce:test", fastOptions())
	third := NewMutex(cache, "nonce:test", fastOptions())

	token, err := first.Lock(ctx)
	require.NoError(t, err)
	// A contender incremented and has not backed off yet.
	count, err := cache.Incr(ctx, "nonce:test:lock")
	require.NoError(t, err)
	require.NoError(t, first.Unlock(ctx, token))

	_, err = second.Lock(ctx)
	require.ErrorIs(t, err, ErrLockTimeout, "the pending increment still counts against the lock")

	first.backOff(ctx, count)
	held, err := second.Lock(ctx)
	require.NoError(t, err)
	_, err = third.Lock(ctx)
	require.ErrorIs(t, err, ErrLockTimeout)

	require.NoError(t, second.Unlock(ctx, held))
	token, err = third.Lock(ctx)
	require.NoError(t, err)
	require.NoError(t, third.Unlock(ctx, token))
}
