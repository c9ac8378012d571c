package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache is a Provider backed by a Redis server. It is intended for
// deployments where the proxy runs server-side rather than on-device.
// Capacity enforcement is delegated to the server's maxmemory policy;
// entries additionally carry a retention TTL so abandoned URLs age out.
type RedisCache struct {
	client    *redis.Client
	keyPrefix string
	retention time.Duration
}

// NewRedisCache creates a Redis-backed cache. A retention of zero means
// 30 days.
func NewRedisCache(client *redis.Client, keyPrefix string, retention time.Duration) *RedisCache {
	if keyPrefix == "" {
		keyPrefix = "offline-cache:"
	}
	if retention == 0 {
		retention = 30 * 24 * time.Hour
	}
	return &RedisCache{
		client:    client,
		keyPrefix: keyPrefix,
		retention: retention,
	}
}

func (r *RedisCache) Get(key string) (Entry, bool, error) {
	ctx := context.Background()
	blob, err := r.client.Get(ctx, r.keyPrefix+key).Bytes()
	if err == redis.Nil {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	entry, err := decodeEntry(blob)
	if err != nil {
		r.Purge(key)
		return Entry{}, false, err
	}
	return entry, true, nil
}

func (r *RedisCache) Put(key string, entry Entry) error {
	blob, err := encodeEntry(entry)
	if err != nil {
		return err
	}
	return r.client.Set(context.Background(), r.keyPrefix+key, blob, r.retention).Err()
}

func (r *RedisCache) Purge(key string) {
	r.client.Del(context.Background(), r.keyPrefix+key)
}

func (r *RedisCache) Clear() error {
	ctx := context.Background()
	iter := r.client.Scan(ctx, 0, r.keyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		if err := r.client.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}

func (r *RedisCache) Keys(cb func(key string)) {
	ctx := context.Background()
	iter := r.client.Scan(ctx, 0, r.keyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		cb(iter.Val()[len(r.keyPrefix):])
	}
}

func (r *RedisCache) Close() error {
	return r.client.Close()
}
