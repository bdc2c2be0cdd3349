package redis

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"txrelay/internal/nonce"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ nonce.Cache = (*Client)(nil)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	server := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewClientFrom(rdb), server
}

func TestClient_CounterOps(t *testing.T) {
	ctx := context.Background()
	client, _ := newTestClient(t)

	n, err := client.Incr(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = client.Decr(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	_, ok, err := client.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClient_ReleaseOwned(t *testing.T) {
	ctx := context.Background()
	client, _ := newTestClient(t)

	require.NoError(t, client.Set(ctx, "owner", "7", time.Minute))
	require.NoError(t, client.Set(ctx, "lock", "2", time.Minute))

	released, err := client.ReleaseOwned(ctx, "owner", "6", "lock")
	require.NoError(t, err)
	assert.False(t, released)

	released, err = client.ReleaseOwned(ctx, "owner", "7", "lock")
	require.NoError(t, err)
	assert.True(t, released)
	value, ok, err := client.Get(ctx, "lock")
	require.NoError(t, err)
	require.True(t, ok, "an in-flight contender still holds an increment")
	assert.Equal(t, "1", value)
	_, ok, err = client.Get(ctx, "owner")
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := client.Decr(ctx, "lock")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
	require.NoError(t, client.Set(ctx, "owner", "8", time.Minute))
	require.NoError(t, client.Set(ctx, "lock", "1", time.Minute))
	released, err = client.ReleaseOwned(ctx, "owner", "8", "lock")
	require.NoError(t, err)
	assert.True(t, released)
	_, ok, err = client.Get(ctx, "lock")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClient_MutexExcludesAcrossInstances(t *testing.T) {
	ctx := context.Background()
	client, _ := newTestClient(t)
	opts := nonce.MutexOptions{PollInterval: time.Millisecond, Timeout: 20 * time.Millisecond, TTL: time.Minute}
	first := nonce.NewMutex(client, "nonce:evm:1:0xabc", opts)
	second := nonce.NewMutex(client, "nonce:evm:1:0xabc", opts)

	token, err := first.Lock(ctx)
	require.NoError(t, err)
	// A contender on another instance has incremented but not yet backed off.
	_, err = client.Incr(ctx, "nonce:evm:1:0xabc:lock")
	require.NoError(t, err)
	require.NoError(t, first.Unlock(ctx, token))

	_, err = second.Lock(ctx)
	require.ErrorIs(t, err, nonce.ErrLockTimeout)

	_, err = client.Decr(ctx, "nonce:evm:1:0xabc:lock")
	require.NoError(t, err)
	held, err := second.Lock(ctx)
	require.NoError(t, err)
	_, err = first.Lock(ctx)
	require.ErrorIs(t, err, nonce.ErrLockTimeout)
	require.NoError(t, second.Unlock(ctx, held))
}

func TestClient_MutexTTLExpires(t *testing.T) {
	ctx := context.Background()
	client, server := newTestClient(t)
	opts := nonce.MutexOptions{PollInterval: time.Millisecond, Timeout: 20 * time.Millisecond, TTL: time.Minute}
	mutex := nonce.NewMutex(client, "nonce:evm:1:0xabc", opts)

	stale, err := mutex.Lock(ctx)
	require.NoError(t, err)
	_, err = mutex.Lock(ctx)
	require.Error(t, err)

	server.FastForward(2 * time.Minute)
	fresh, err := mutex.Lock(ctx)
	require.NoError(t, err)
	assert.ErrorIs(t, mutex.Unlock(ctx, stale), nonce.ErrLockLost)
	require.NoError(t, mutex.Unlock(ctx, fresh))
}

type minedNode struct{ mined uint64 }

func (n minedNode) URL() string { return "node" }

func (n minedNode) NonceAt(context.Context, string) (uint64, error) { return n.mined, nil }

func (n minedNode) PendingNonces(context.Context, string) ([]uint64, error) { return nil, nil }

func TestClient_AllocatorsShareCounter(t *testing.T) {
	ctx := context.Background()
	client, _ := newTestClient(t)
	key := nonce.Key{Address: "0x00000000000000000000000000000000000000aa", ChainKind: "evm", ChainID: 1}
	opts := nonce.MutexOptions{PollInterval: time.Millisecond, Timeout: 5 * time.Second, TTL: time.Minute}

	const processes, callers = 4, 5
	var (
		mu     sync.Mutex
		issued []uint64
		wg     sync.WaitGroup
	)
	for p := 0; p < processes; p++ {
		allocator := nonce.NewAllocator(key, client, []nonce.NodeQuerier{minedNode{mined: 7}}, opts)
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				lease, err := allocator.Acquire(ctx)
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				issued = append(issued, lease.Nonce())
				mu.Unlock()
				assert.NoError(t, lease.CompleteWithSuccess(ctx))
			}()
		}
	}
	wg.Wait()

	require.Len(t, issued, processes*callers)
	sort.Slice(issued, func(i, j int) bool { return issued[i] < issued[j] })
	for i, n := range issued {
		assert.Equal(t, uint64(7+i), n)
	}
}
