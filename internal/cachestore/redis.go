package cachestore

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"go.trai.ch/zerr"
)

// ErrEmptyRedisAddress is returned when the redis backend has no address.
var ErrEmptyRedisAddress = zerr.New("redis address is required")

const (
	defaultRedisNamespace  = "opticache"
	redisConnectionTimeout = 5 * time.Second
)

// RedisBackend shares caches between gateway instances through redis.
//
// Layout, relative to the namespace:
//
//	<ns>:seq           counter handing out creation sequence numbers
//	<ns>:caches        sorted set, member = cache name, score = creation sequence
//	<ns>:cache:<name>  hash, field = entry key, value = encoded entry
type RedisBackend struct {
	client *redis.Client
	ns     string
}

// OpenRedis connects and pings the server.
func OpenRedis(ctx context.Context, opts RedisOptions) (*RedisBackend, error) {
	if opts.Address == "" {
		return nil, ErrEmptyRedisAddress
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Address,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, redisConnectionTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, zerr.With(zerr.Wrap(err, "redis ping failed"), "address", opts.Address)
	}
	return NewRedisBackend(client, opts.Namespace), nil
}

// NewRedisBackend wraps an existing client.
func NewRedisBackend(client *redis.Client, namespace string) *RedisBackend {
	if namespace == "" {
		namespace = defaultRedisNamespace
	}
	return &RedisBackend{client: client, ns: namespace}
}

func (r *RedisBackend) namesKey() string {
	return r.ns + ":caches"
}

func (r *RedisBackend) seqKey() string {
	return r.ns + ":seq"
}

func (r *RedisBackend) cacheKey(name string) string {
	return r.ns + ":cache:" + name
}

func (r *RedisBackend) CreateCache(ctx context.Context, name string) error {
	if err := validateName(name); err != nil {
		return err
	}
	err := r.client.ZScore(ctx, r.namesKey(), name).Err()
	if err == nil {
		return nil
	}
	if !errors.Is(err, redis.Nil) {
		return zerr.With(zerr.Wrap(err, "redis zscore"), "cache", name)
	}
	seq, err := r.client.Incr(ctx, r.seqKey()).Result()
	if err != nil {
		return zerr.With(zerr.Wrap(err, "redis incr"), "cache", name)
	}
	err = r.client.ZAddNX(ctx, r.namesKey(), redis.Z{Score: float64(seq), Member: name}).Err()
	if err != nil {
		return zerr.With(zerr.Wrap(err, "redis zadd"), "cache", name)
	}
	return nil
}

func (r *RedisBackend) CacheNames(ctx context.Context) ([]string, error) {
	zs, err := r.client.ZRangeWithScores(ctx, r.namesKey(), 0, -1).Result()
	if err != nil {
		return nil, zerr.Wrap(err, "redis zrange")
	}
	items := make([]namedCache, 0, len(zs))
	for _, z := range zs {
		name, ok := z.Member.(string)
		if !ok {
			continue
		}
		items = append(items, namedCache{name: name, created: int64(z.Score)})
	}
	return sortNamed(items), nil
}

func (r *RedisBackend) DeleteCache(ctx context.Context, name string) (bool, error) {
	var removed *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.ZRem(ctx, r.namesKey(), name)
		pipe.Del(ctx, r.cacheKey(name))
		return nil
	})
	if err != nil {
		return false, zerr.With(zerr.Wrap(err, "redis delete cache"), "cache", name)
	}
	return removed.Val() > 0, nil
}

func (r *RedisBackend) Get(ctx context.Context, cache, key string) ([]byte, bool, error) {
	b, err := r.client.HGet(ctx, r.cacheKey(cache), key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, zerr.With(zerr.Wrap(err, "redis hget"), "cache", cache)
	}
	return b, true, nil
}

func (r *RedisBackend) Put(ctx context.Context, cache, key string, val []byte) error {
	if err := validateName(cache); err != nil {
		return err
	}
	if err := r.CreateCache(ctx, cache); err != nil {
		return err
	}
	if err := r.client.HSet(ctx, r.cacheKey(cache), key, val).Err(); err != nil {
		return zerr.With(zerr.Wrap(err, "redis hset"), "cache", cache)
	}
	return nil
}

func (r *RedisBackend) Delete(ctx context.Context, cache, key string) (bool, error) {
	n, err := r.client.HDel(ctx, r.cacheKey(cache), key).Result()
	if err != nil {
		return false, zerr.With(zerr.Wrap(err, "redis hdel"), "cache", cache)
	}
	return n > 0, nil
}

func (r *RedisBackend) Keys(ctx context.Context, cache string) ([]string, error) {
	keys, err := r.client.HKeys(ctx, r.cacheKey(cache)).Result()
	if err != nil {
		return nil, zerr.With(zerr.Wrap(err, "redis hkeys"), "cache", cache)
	}
	sort.Strings(keys)
	return keys, nil
}

func (r *RedisBackend) Close() error {
	return r.client.Close()
}
