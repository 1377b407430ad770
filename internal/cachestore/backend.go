// Package cachestore implements named, versioned response caches on top of a
// pluggable key-value backend, with an optional in-process RAM tier.
package cachestore

import (
	"context"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go.trai.ch/zerr"
)

var (
	// ErrUnknownBackend is returned by OpenBackend for an unsupported kind.
	ErrUnknownBackend = zerr.New("unknown storage backend")

	// ErrInvalidCacheName is returned for empty names or names containing a NUL byte.
	ErrInvalidCacheName = zerr.New("invalid cache name")
)

// Backend persists named caches. Every method must be safe for concurrent use.
// Writing to a cache that does not exist yet creates it.
type Backend interface {
	// CreateCache records name if it does not exist. Idempotent.
	CreateCache(ctx context.Context, name string) error
	// CacheNames lists caches in creation order.
	CacheNames(ctx context.Context) ([]string, error)
	// DeleteCache drops a cache and all its records. Reports whether it existed.
	DeleteCache(ctx context.Context, name string) (bool, error)

	Get(ctx context.Context, cache, key string) ([]byte, bool, error)
	Put(ctx context.Context, cache, key string, val []byte) error
	Delete(ctx context.Context, cache, key string) (bool, error)
	Keys(ctx context.Context, cache string) ([]string, error)

	Close() error
}

// Kind names a backend implementation.
type Kind string

const (
	KindMemory  Kind = "memory"
	KindLevelDB Kind = "leveldb"
	KindBadger  Kind = "badger"
	KindRedis   Kind = "redis"
)

// RedisOptions configures the redis backend.
type RedisOptions struct {
	Address   string
	Password  string
	DB        int
	Namespace string
}

// BackendOptions selects and configures a backend.
type BackendOptions struct {
	Kind  Kind
	Path  string
	Redis RedisOptions
}

// OpenBackend opens the backend described by opts.
func OpenBackend(ctx context.Context, opts BackendOptions) (Backend, error) {
	switch opts.Kind {
	case KindMemory:
		return NewMemoryBackend(), nil
	case KindLevelDB:
		return OpenLevelDB(opts.Path)
	case KindBadger:
		return OpenBadger(opts.Path)
	case KindRedis:
		return OpenRedis(ctx, opts.Redis)
	default:
		return nil, zerr.With(ErrUnknownBackend, "kind", string(opts.Kind))
	}
}

// Record keys for the ordered key-value backends (leveldb, badger):
//
//	n:<cache>         -> creation time, unix nanoseconds (decimal)
//	e:<cache>\x00<key> -> gob-encoded Entry
const (
	namePrefix  = "n:"
	entryPrefix = "e:"
	keySep      = "\x00"
)

func validateName(name string) error {
	if name == "" || strings.Contains(name, keySep) {
		return zerr.With(ErrInvalidCacheName, "cache", name)
	}
	return nil
}

func nameKey(name string) []byte {
	return []byte(namePrefix + name)
}

func entryKey(cache, key string) []byte {
	return []byte(entryPrefix + cache + keySep + key)
}

func entryKeyPrefix(cache string) []byte {
	return []byte(entryPrefix + cache + keySep)
}

func formatCreated(nanos int64) []byte {
	return []byte(strconv.FormatInt(nanos, 10))
}

func parseCreated(b []byte) int64 {
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

type namedCache struct {
	name    string
	created int64
}

var lastCreated atomic.Int64

// nextCreated returns a creation timestamp strictly greater than any handed out
// before by this process, so caches created back to back keep their order.
func nextCreated() int64 {
	for {
		last := lastCreated.Load()
		now := time.Now().UnixNano()
		if now <= last {
			now = last + 1
		}
		if lastCreated.CompareAndSwap(last, now) {
			return now
		}
	}
}
