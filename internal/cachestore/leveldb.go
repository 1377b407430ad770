package cachestore

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
	"go.trai.ch/zerr"
)

// LevelDBBackend stores caches in a goleveldb database. Cache names are mirrored
// in memory so the hot path never scans the name records.
type LevelDBBackend struct {
	db *leveldb.DB

	mu    sync.Mutex
	names map[string]int64
}

func OpenLevelDB(path string) (*LevelDBBackend, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, zerr.With(zerr.Wrap(err, "open leveldb"), "path", path)
	}
	b := &LevelDBBackend{db: db, names: map[string]int64{}}
	if err := b.loadIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}

func (b *LevelDBBackend) loadIndex() error {
	it := b.db.NewIterator(util.BytesPrefix([]byte(namePrefix)), nil)
	defer it.Release()

	idx := map[string]int64{}
	for it.Next() {
		name := string(bytes.TrimPrefix(it.Key(), []byte(namePrefix)))
		idx[name] = parseCreated(it.Value())
	}
	if err := it.Error(); err != nil {
		return zerr.Wrap(err, "load cache names")
	}
	b.mu.Lock()
	b.names = idx
	b.mu.Unlock()
	return nil
}

func (b *LevelDBBackend) CreateCache(_ context.Context, name string) error {
	if err := validateName(name); err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.stageNameLocked(batch, name) {
		return nil
	}
	return b.writeLocked(batch, name, true)
}

// stageNameLocked adds the name record to batch when the cache is new.
func (b *LevelDBBackend) stageNameLocked(batch *leveldb.Batch, name string) bool {
	if _, ok := b.names[name]; ok {
		return false
	}
	created := nextCreated()
	b.names[name] = created
	batch.Put(nameKey(name), formatCreated(created))
	return true
}

func (b *LevelDBBackend) writeLocked(batch *leveldb.Batch, name string, created bool) error {
	if err := b.db.Write(batch, nil); err != nil {
		if created {
			delete(b.names, name)
		}
		return zerr.With(zerr.Wrap(err, "leveldb write"), "cache", name)
	}
	return nil
}

func (b *LevelDBBackend) CacheNames(_ context.Context) ([]string, error) {
	b.mu.Lock()
	items := make([]namedCache, 0, len(b.names))
	for name, created := range b.names {
		items = append(items, namedCache{name: name, created: created})
	}
	b.mu.Unlock()
	return sortNamed(items), nil
}

func (b *LevelDBBackend) DeleteCache(_ context.Context, name string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, existed := b.names[name]
	batch := new(leveldb.Batch)
	batch.Delete(nameKey(name))

	it := b.db.NewIterator(util.BytesPrefix(entryKeyPrefix(name)), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return false, zerr.With(zerr.Wrap(err, "scan cache"), "cache", name)
	}
	if err := b.db.Write(batch, nil); err != nil {
		return false, zerr.With(zerr.Wrap(err, "leveldb write"), "cache", name)
	}
	delete(b.names, name)
	return existed, nil
}

func (b *LevelDBBackend) Get(_ context.Context, cache, key string) ([]byte, bool, error) {
	v, err := b.db.Get(entryKey(cache, key), nil)
	if err == leveldb.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, zerr.With(zerr.Wrap(err, "leveldb get"), "cache", cache)
	}
	return v, true, nil
}

func (b *LevelDBBackend) Put(_ context.Context, cache, key string, val []byte) error {
	if err := validateName(cache); err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	b.mu.Lock()
	defer b.mu.Unlock()
	created := b.stageNameLocked(batch, cache)
	batch.Put(entryKey(cache, key), val)
	return b.writeLocked(batch, cache, created)
}

func (b *LevelDBBackend) Delete(_ context.Context, cache, key string) (bool, error) {
	k := entryKey(cache, key)
	ok, err := b.db.Has(k, nil)
	if err != nil {
		return false, zerr.With(zerr.Wrap(err, "leveldb has"), "cache", cache)
	}
	if !ok {
		return false, nil
	}
	if err := b.db.Delete(k, nil); err != nil {
		return false, zerr.With(zerr.Wrap(err, "leveldb delete"), "cache", cache)
	}
	return true, nil
}

func (b *LevelDBBackend) Keys(_ context.Context, cache string) ([]string, error) {
	prefix := entryKeyPrefix(cache)
	it := b.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()

	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), prefix)))
	}
	if err := it.Error(); err != nil {
		return nil, zerr.With(zerr.Wrap(err, "scan cache"), "cache", cache)
	}
	sort.Strings(out)
	return out, nil
}

func (b *LevelDBBackend) Close() error {
	return b.db.Close()
}
