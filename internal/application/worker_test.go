package application

import (
	"fmt"
	"testing"

	"txrelay/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testWorkers(n int) []domain.Worker {
	workers := make([]domain.Worker, 0, n)
	for i := 0; i < n; i++ {
		workers = append(workers, domain.Worker{
			ID:        fmt.Sprintf("w%d", i),
			Address:   fmt.Sprintf("0x%040d", i+1),
			ChainKind: "evm",
			ChainID:   1,
			Enabled:   true,
			CanSubmit: true,
		})
	}
	return workers
}

func TestPickWorker_StableForSameKey(t *testing.T) {
	workers := testWorkers(4)
	first, err := PickWorker("client-a:order-1", workers)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := PickWorker("client-a:order-1", workers)
		require.NoError(t, err)
		assert.Equal(t, first.ID, again.ID)
	}
}

func TestPickWorker_SkipsDisabledAndReadOnly(t *testing.T) {
	workers := testWorkers(3)
	workers[0].Enabled = false
	workers[1].CanSubmit = false
	for i := 0; i < 20; i++ {
		worker, err := PickWorker(fmt.Sprintf("key-%d", i), workers)
		require.NoError(t, err)
		assert.Equal(t, "w2", worker.ID)
	}

	workers[2].Enabled = false
	_, err := PickWorker("key", workers)
	assert.ErrorIs(t, err, ErrNoWorker)
}

func TestPickWorker_RemovingWorkerOnlyMovesItsKeys(t *testing.T) {
	workers := testWorkers(5)
	before := make(map[string]string)
	for i := 0; i < 200; i++ {
		key := fmt.Sprintf("entity-%d", i)
		worker, err := PickWorker(key, workers)
		require.NoError(t, err)
		before[key] = worker.ID
	}

	workers[3].Enabled = false
	for key, id := range before {
		worker, err := PickWorker(key, workers)
		require.NoError(t, err)
		if id != "w3" {
			assert.Equal(t, id, worker.ID, key)
		} else {
			assert.NotEqual(t, "w3", worker.ID)
		}
	}
}
