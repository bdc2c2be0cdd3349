package application

import (
	"errors"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/dgryski/go-rendezvous"
)

// ShardRouter resolves clients to shards: explicit assignments first,
// rendezvous hashing over all shards otherwise.
type ShardRouter struct {
	stores   map[string]ShardStore
	assigned map[string]string
	hash     *rendezvous.Rendezvous
}

func NewShardRouter(stores map[string]ShardStore, assigned map[string]string) (*ShardRouter, error) {
	if len(stores) == 0 {
		return nil, errors.New("at least one shard is required")
	}
	names := make([]string, 0, len(stores))
	for name := range stores {
		names = append(names, name)
	}
	sort.Strings(names)
	for client, shard := range assigned {
		if _, ok := stores[shard]; !ok {
			return nil, errors.New("client " + client + " assigned to unknown shard " + shard)
		}
	}
	return &ShardRouter{
		stores:   stores,
		assigned: assigned,
		hash:     rendezvous.New(names, xxhash.Sum64String),
	}, nil
}

func (r *ShardRouter) ShardFor(clientID string) (string, ShardStore) {
	name, ok := r.assigned[clientID]
	if !ok {
		name = r.hash.Lookup(clientID)
	}
	return name, r.stores[name]
}

func (r *ShardRouter) Shard(name string) (ShardStore, bool) {
	store, ok := r.stores[name]
	return store, ok
}
