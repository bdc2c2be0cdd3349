package application

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"txrelay/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitions_ConcurrentClaimHasOneWinner(t *testing.T) {
	requests := newMemRequests()
	requests.put(dueRow("u1", domain.StatusQueued))
	now := time.Now()

	var (
		wins atomic.Int32
		wg   sync.WaitGroup
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := requests.Claim(context.Background(), "u1", now, now.Add(time.Minute))
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, domain.StatusProcessing, requests.row("u1").Status)
}

func TestTransitions_TerminalRowsAreFinal(t *testing.T) {
	ctx := context.Background()
	for _, status := range []domain.Status{domain.StatusComplete, domain.StatusFailed} {
		t.Run(string(status), func(t *testing.T) {
			requests := newMemRequests()
			row := dueSubmitted("u1", "0xh1")
			row.Status = status
			row.LockID = "scan-1:100"
			requests.put(row)
			now := time.Now()

			var wg sync.WaitGroup
			attempts := []func() (bool, error){
				func() (bool, error) { return requests.Claim(ctx, "u1", now, now.Add(time.Minute)) },
				func() (bool, error) {
					return requests.MarkFailed(ctx, "u1", domain.FailureReceiptTimeout, "late")
				},
				func() (bool, error) {
					return requests.Finalize(ctx, "u1", domain.Outcome{Status: domain.StatusComplete, BlockNumber: 7})
				},
				func() (bool, error) {
					return requests.Reschedule(ctx, "u1", domain.FailureNodeUnreachable, "down", now)
				},
				func() (bool, error) { return requests.Defer(ctx, "u1", now) },
				func() (bool, error) {
					claimed, err := requests.ClaimMined(ctx, 1, []string{"0xh1"}, "scan-1:100", 100)
					return len(claimed) > 0, err
				},
			}
			for _, attempt := range attempts {
				for i := 0; i < 4; i++ {
					wg.Add(1)
					go func() {
						defer wg.Done()
						ok, err := attempt()
						assert.NoError(t, err)
						assert.False(t, ok)
					}()
				}
			}
			wg.Wait()

			got := requests.row("u1")
			assert.Equal(t, status, got.Status)
			assert.Empty(t, got.FailureKind)
			assert.Zero(t, got.BlockNumber)
		})
	}
}

func TestTransitions_FinalizeRequiresMined(t *testing.T) {
	requests := newMemRequests()
	requests.put(dueSubmitted("u1", "0xh1"))

	ok, err := requests.Finalize(context.Background(), "u1", domain.Outcome{Status: domain.StatusComplete})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, domain.StatusSubmitted, requests.row("u1").Status)
}
