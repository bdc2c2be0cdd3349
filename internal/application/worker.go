package application

import (
	"errors"
	"sort"

	"txrelay/internal/domain"

	"github.com/cespare/xxhash/v2"
	"github.com/dgryski/go-rendezvous"
)

var ErrNoWorker = errors.New("no worker available")

// PickWorker maps stableKey onto one of the enabled, submit-capable
// workers by rendezvous hashing. Adding or removing a worker only moves
// the keys that hashed to it.
func PickWorker(stableKey string, workers []domain.Worker) (domain.Worker, error) {
	byID := make(map[string]domain.Worker, len(workers))
	ids := make([]string, 0, len(workers))
	for _, worker := range workers {
		if !worker.Enabled || !worker.CanSubmit {
			continue
		}
		if _, dup := byID[worker.ID]; dup {
			continue
		}
		byID[worker.ID] = worker
		ids = append(ids, worker.ID)
	}
	if len(ids) == 0 {
		return domain.Worker{}, ErrNoWorker
	}
	sort.Strings(ids)
	id := rendezvous.New(ids, xxhash.Sum64String).Lookup(stableKey)
	return byID[id], nil
}
