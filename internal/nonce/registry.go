package nonce

import (
	"context"
	"sync"
)

// Registry owns one Allocator per Key for the lifetime of the process.
type Registry struct {
	mu         sync.Mutex
	cache      Cache
	nodes      []NodeQuerier
	opts       MutexOptions
	allocators map[Key]*Allocator
}

func NewRegistry(cache Cache, nodes []NodeQuerier, opts MutexOptions) *Registry {
	return &Registry{
		cache:      cache,
		nodes:      nodes,
		opts:       opts,
		allocators: make(map[Key]*Allocator),
	}
}

func (r *Registry) Allocator(key Key) *Allocator {
	key = key.normalize()
	r.mu.Lock()
	defer r.mu.Unlock()
	if allocator, ok := r.allocators[key]; ok {
		return allocator
	}
	allocator := NewAllocator(key, r.cache, r.nodes, r.opts)
	r.allocators[key] = allocator
	return allocator
}

func (r *Registry) Acquire(ctx context.Context, key Key) (*Lease, error) {
	return r.Allocator(key).Acquire(ctx)
}
