package mysql

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"txrelay/internal/application"
	"txrelay/internal/domain"

	"github.com/redis/go-redis/v9"
)

const (
	requestCacheKeyPrefix = "txrelay:request:"
	defaultCacheTTL       = time.Hour
)

type CacheConfig struct {
	TTL time.Duration
}

// CachedRepository serves status reads of terminal requests from Redis.
// Terminal rows never change again, so entries need no invalidation;
// everything else passes straight through to the base store.
type CachedRepository struct {
	application.RequestStore
	cache *redis.Client
	ttl   time.Duration
}

func NewCachedRepository(base application.RequestStore, cache *redis.Client, cfg CacheConfig) (*CachedRepository, error) {
	if base == nil {
		return nil, errors.New("base repository is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultCacheTTL
	}
	return &CachedRepository{RequestStore: base, cache: cache, ttl: cfg.TTL}, nil
}

func (r *CachedRepository) Get(ctx context.Context, uuid string) (domain.TransactionRequest, error) {
	if r.cache == nil {
		return r.RequestStore.Get(ctx, uuid)
	}
	key := requestCacheKeyPrefix + uuid
	if cached, err := r.cache.Get(ctx, key).Result(); err == nil {
		var req domain.TransactionRequest
		if err := json.Unmarshal([]byte(cached), &req); err == nil {
			return req, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		slog.Debug("request cache read failed", "uuid", uuid, "err", err)
	}

	req, err := r.RequestStore.Get(ctx, uuid)
	if err != nil {
		return req, err
	}
	if !req.Status.Terminal() {
		return req, nil
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return req, nil
	}
	_ = r.cache.Set(ctx, key, payload, r.ttl).Err()
	return req, nil
}
