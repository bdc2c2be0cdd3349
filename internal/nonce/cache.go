package nonce

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// Cache is the atomic key/value surface the allocator needs.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Incr(ctx context.Context, key string) (int64, error)
	Decr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	// ReleaseOwned deletes ownerKey and decrements counterKey, atomically
	// and only while ownerKey holds expected. A counter that drops to zero
	// or below is deleted.
	ReleaseOwned(ctx context.Context, ownerKey, expected, counterKey string) (bool, error)
}

type memoryEntry struct {
	value   string
	expires time.Time
}

// MemoryCache is a process-local Cache for single-replica runs and tests.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memoryEntry), now: time.Now}
}

func (c *MemoryCache) lookup(key string) (memoryEntry, bool) {
	entry, ok := c.entries[key]
	if !ok {
		return memoryEntry{}, false
	}
	if !entry.expires.IsZero() && !c.now().Before(entry.expires) {
		delete(c.entries, key)
		return memoryEntry{}, false
	}
	return entry, true
}

func (c *MemoryCache) Get(_ context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.lookup(key)
	return entry.value, ok, nil
}

func (c *MemoryCache) Set(_ context.Context, key, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry := memoryEntry{value: value}
	if ttl > 0 {
		entry.expires = c.now().Add(ttl)
	}
	c.entries[key] = entry
	return nil
}

func (c *MemoryCache) Incr(_ context.Context, key string) (int64, error) {
	return c.add(key, 1)
}

func (c *MemoryCache) Decr(_ context.Context, key string) (int64, error) {
	return c.add(key, -1)
}

func (c *MemoryCache) add(key string, delta int64) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, _ := c.lookup(key)
	var current int64
	if entry.value != "" {
		parsed, err := strconv.ParseInt(entry.value, 10, 64)
		if err != nil {
			return 0, err
		}
		current = parsed
	}
	current += delta
	entry.value = strconv.FormatInt(current, 10)
	c.entries[key] = entry
	return current, nil
}

func (c *MemoryCache) Expire(_ context.Context, key string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.lookup(key)
	if !ok {
		return nil
	}
	entry.expires = c.now().Add(ttl)
	c.entries[key] = entry
	return nil
}

func (c *MemoryCache) Del(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range keys {
		delete(c.entries, key)
	}
	return nil
}

func (c *MemoryCache) ReleaseOwned(_ context.Context, ownerKey, expected, counterKey string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.lookup(ownerKey)
	if !ok || entry.value != expected {
		return false, nil
	}
	delete(c.entries, ownerKey)
	counter, ok := c.lookup(counterKey)
	if !ok {
		return true, nil
	}
	value, err := strconv.ParseInt(counter.value, 10, 64)
	if err != nil || value <= 1 {
		delete(c.entries, counterKey)
		return true, nil
	}
	counter.value = strconv.FormatInt(value-1, 10)
	c.entries[counterKey] = counter
	return true, nil
}
