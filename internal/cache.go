package internal

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

// KV is the TTL key-value capability every component takes as a dependency.
// Backed by Redis in production and by an in-process map in tests and
// DRY_RUN mode. All cross-instance shared state (device token lookups,
// presence flags, last-value cache) lives behind this interface.
type KV interface {
	Get(ctx context.Context, key string) (value string, found bool, err error)
	// Set stores value under key. ttl <= 0 means no expiry.
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

const memoryTierExpiration = 10 * time.Second

// RedisKV is a Redis-backed KV with a short-lived in-memory tier in front,
// so hot keys (device token lookups) skip the network round trip.
type RedisKV struct {
	rdb *redis.Client
	mem *cache.Cache
}

func NewRedisKV(rdb *redis.Client) *RedisKV {
	return &RedisKV{
		rdb: rdb,
		mem: cache.New(memoryTierExpiration, 2*memoryTierExpiration),
	}
}

// NewRedisClient connects to redis and pings it once to fail fast.
func NewRedisClient(uri string, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     uri,
		Password: password,
		DB:       db,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return rdb, nil
}

func (r *RedisKV) Get(ctx context.Context, key string) (string, bool, error) {
	if v, cached := r.mem.Get(key); cached {
		return v.(string), true, nil
	}
	v, err := r.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	r.mem.SetDefault(key, v)
	return v, true, nil
}

func (r *RedisKV) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	// The memory tier keeps its own short expiration, never longer than ttl.
	memTTL := memoryTierExpiration
	if ttl > 0 && ttl < memTTL {
		memTTL = ttl
	}
	r.mem.Set(key, value, memTTL)
	if ttl < 0 {
		ttl = 0
	}
	return r.rdb.Set(ctx, key, value, ttl).Err()
}

func (r *RedisKV) Delete(ctx context.Context, key string) error {
	r.mem.Delete(key)
	return r.rdb.Del(ctx, key).Err()
}

// MemoryKV is the in-process KV used by tests and DRY_RUN mode.
type MemoryKV struct {
	mem *cache.Cache
}

func NewMemoryKV() *MemoryKV {
	zap.S().Debugf("Using in-memory KV, shared state is local to this instance")
	return &MemoryKV{mem: cache.New(cache.NoExpiration, time.Minute)}
}

func (m *MemoryKV) Get(_ context.Context, key string) (string, bool, error) {
	v, found := m.mem.Get(key)
	if !found {
		return "", false, nil
	}
	return v.(string), true, nil
}

func (m *MemoryKV) Set(_ context.Context, key string, value string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = cache.NoExpiration
	}
	m.mem.Set(key, value, ttl)
	return nil
}

func (m *MemoryKV) Delete(_ context.Context, key string) error {
	m.mem.Delete(key)
	return nil
}
