package cachestore

import (
	"context"

	"go.trai.ch/zerr"

	"opticache/internal/logger"
)

// Options configures a Storage.
type Options struct {
	// RAMMaxBytes bounds the in-process tier. Zero disables it.
	RAMMaxBytes int64
	Logger      logger.Logger
	// OnRAMOverflow is called with the number of items evicted from the RAM tier.
	OnRAMOverflow func(evicted int)
}

// Storage is the set of named caches the gateway owns.
type Storage struct {
	backend Backend
	ram     *ramCache
	log     logger.Logger
}

func New(backend Backend, opts Options) *Storage {
	s := &Storage{backend: backend, log: opts.Logger}
	if s.log == nil {
		s.log = logger.NewNop()
	}
	if opts.RAMMaxBytes > 0 {
		s.ram = newRAMCache(opts.RAMMaxBytes)
		s.ram.onOverflow = opts.OnRAMOverflow
	}
	return s
}

// Open returns the named cache, creating it when missing.
func (s *Storage) Open(ctx context.Context, name string) (*Cache, error) {
	if err := s.backend.CreateCache(ctx, name); err != nil {
		return nil, zerr.With(zerr.Wrap(err, "open cache"), "cache", name)
	}
	return &Cache{name: name, s: s}, nil
}

// Cache returns a handle on name without creating it. The first Put does.
func (s *Storage) Cache(name string) *Cache {
	return &Cache{name: name, s: s}
}

// Names lists caches in creation order.
func (s *Storage) Names(ctx context.Context) ([]string, error) {
	return s.backend.CacheNames(ctx)
}

func (s *Storage) Has(ctx context.Context, name string) (bool, error) {
	names, err := s.backend.CacheNames(ctx)
	if err != nil {
		return false, err
	}
	for _, n := range names {
		if n == name {
			return true, nil
		}
	}
	return false, nil
}

// Delete drops a cache with all its entries.
func (s *Storage) Delete(ctx context.Context, name string) (bool, error) {
	if s.ram != nil {
		s.ram.DropCache(name)
	}
	ok, err := s.backend.DeleteCache(ctx, name)
	if s.ram != nil {
		// bumps the generation again for reads that began between the drops
		s.ram.DropCache(name)
	}
	return ok, err
}

// Match looks key up in every cache, oldest cache first, and returns the first hit.
func (s *Storage) Match(ctx context.Context, key string) (Entry, bool, error) {
	names, err := s.backend.CacheNames(ctx)
	if err != nil {
		return Entry{}, false, err
	}
	for _, name := range names {
		ent, ok, err := s.get(ctx, name, key)
		if err != nil {
			return Entry{}, false, err
		}
		if ok {
			return ent, true, nil
		}
	}
	return Entry{}, false, nil
}

// RAMUsage reports the bytes and items held by the RAM tier.
func (s *Storage) RAMUsage() (bytes int64, items int) {
	if s.ram == nil {
		return 0, 0
	}
	return s.ram.TotalSize(), s.ram.Len()
}

func (s *Storage) Close() error {
	return s.backend.Close()
}

func (s *Storage) get(ctx context.Context, cache, key string) (Entry, bool, error) {
	var gen uint64
	if s.ram != nil {
		if ent, ok := s.ram.Get(ramKey(cache, key)); ok {
			return ent, true, nil
		}
		gen = s.ram.Generation(cache)
	}
	b, ok, err := s.backend.Get(ctx, cache, key)
	if err != nil || !ok {
		return Entry{}, false, err
	}
	ent, err := decodeEntry(b)
	if err != nil {
		s.log.Warn("Dropping undecodable cache entry",
			logger.String("cache", cache),
			logger.String("key", key),
			logger.Error(err),
		)
		_, _ = s.backend.Delete(ctx, cache, key)
		return Entry{}, false, nil
	}
	if s.ram != nil {
		s.ram.Fill(cache, key, gen, ent.Clone())
	}
	return ent, true, nil
}

func (s *Storage) put(ctx context.Context, cache, key string, ent Entry) error {
	b, err := encodeEntry(ent)
	if err != nil {
		return zerr.With(zerr.Wrap(err, "encode entry"), "key", key)
	}
	var gen uint64
	if s.ram != nil {
		gen = s.ram.Generation(cache)
	}
	if err := s.backend.Put(ctx, cache, key, b); err != nil {
		return err
	}
	if s.ram != nil {
		s.ram.Fill(cache, key, gen, ent.Clone())
	}
	return nil
}

// Cache is a handle on one named cache.
type Cache struct {
	name string
	s    *Storage
}

func (c *Cache) Name() string { return c.name }

func (c *Cache) Match(ctx context.Context, key string) (Entry, bool, error) {
	return c.s.get(ctx, c.name, key)
}

// Put stores ent under key, overwriting any previous entry.
func (c *Cache) Put(ctx context.Context, key string, ent Entry) error {
	return c.s.put(ctx, c.name, key, ent)
}

func (c *Cache) Delete(ctx context.Context, key string) (bool, error) {
	if c.s.ram != nil {
		c.s.ram.Delete(ramKey(c.name, key))
	}
	return c.s.backend.Delete(ctx, c.name, key)
}

func (c *Cache) Keys(ctx context.Context) ([]string, error) {
	return c.s.backend.Keys(ctx, c.name)
}
