package cachestore

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"sync"

	badger "github.com/dgraph-io/badger/v4"
	"go.trai.ch/zerr"
)

// BadgerBackend stores caches in a BadgerDB database. An empty path opens an
// in-memory database.
type BadgerBackend struct {
	db *badger.DB

	// serializes name creation so concurrent first writes agree on one timestamp
	createMu sync.Mutex
}

func OpenBadger(path string) (*BadgerBackend, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, zerr.With(zerr.Wrap(err, "open badger"), "path", path)
	}
	return &BadgerBackend{db: db}, nil
}

func (b *BadgerBackend) CreateCache(_ context.Context, name string) error {
	if err := validateName(name); err != nil {
		return err
	}
	b.createMu.Lock()
	defer b.createMu.Unlock()
	return b.db.Update(func(txn *badger.Txn) error {
		return ensureName(txn, name)
	})
}

func ensureName(txn *badger.Txn, name string) error {
	_, err := txn.Get(nameKey(name))
	if err == nil {
		return nil
	}
	if !errors.Is(err, badger.ErrKeyNotFound) {
		return err
	}
	return txn.Set(nameKey(name), formatCreated(nextCreated()))
}

func (b *BadgerBackend) CacheNames(_ context.Context) ([]string, error) {
	var items []namedCache
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(namePrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			name := string(bytes.TrimPrefix(item.Key(), []byte(namePrefix)))
			err := item.Value(func(val []byte) error {
				items = append(items, namedCache{name: name, created: parseCreated(val)})
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, zerr.Wrap(err, "list caches")
	}
	return sortNamed(items), nil
}

func (b *BadgerBackend) DeleteCache(ctx context.Context, name string) (bool, error) {
	existed := false
	err := b.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(nameKey(name))
		if err == nil {
			existed = true
			return nil
		}
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return false, zerr.With(zerr.Wrap(err, "badger get"), "cache", name)
	}
	keys, err := b.Keys(ctx, name)
	if err != nil {
		return false, err
	}
	wb := b.db.NewWriteBatch()
	for _, k := range append([][]byte{nameKey(name)}, entryKeys(name, keys)...) {
		if err := wb.Delete(k); err != nil {
			wb.Cancel()
			return false, zerr.With(zerr.Wrap(err, "badger delete"), "cache", name)
		}
	}
	if err := wb.Flush(); err != nil {
		return false, zerr.With(zerr.Wrap(err, "badger flush"), "cache", name)
	}
	return existed, nil
}

func (b *BadgerBackend) Get(_ context.Context, cache, key string) ([]byte, bool, error) {
	var out []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(entryKey(cache, key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, zerr.With(zerr.Wrap(err, "badger get"), "cache", cache)
	}
	return out, true, nil
}

func (b *BadgerBackend) Put(_ context.Context, cache, key string, val []byte) error {
	if err := validateName(cache); err != nil {
		return err
	}
	b.createMu.Lock()
	defer b.createMu.Unlock()
	err := b.db.Update(func(txn *badger.Txn) error {
		if err := ensureName(txn, cache); err != nil {
			return err
		}
		return txn.Set(entryKey(cache, key), val)
	})
	if err != nil {
		return zerr.With(zerr.Wrap(err, "badger put"), "cache", cache)
	}
	return nil
}

func (b *BadgerBackend) Delete(_ context.Context, cache, key string) (bool, error) {
	existed := false
	err := b.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(entryKey(cache, key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		existed = true
		return txn.Delete(entryKey(cache, key))
	})
	if err != nil {
		return false, zerr.With(zerr.Wrap(err, "badger delete"), "cache", cache)
	}
	return existed, nil
}

func (b *BadgerBackend) Keys(_ context.Context, cache string) ([]string, error) {
	prefix := entryKeyPrefix(cache)
	var out []string
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			out = append(out, string(bytes.TrimPrefix(it.Item().Key(), prefix)))
		}
		return nil
	})
	if err != nil {
		return nil, zerr.With(zerr.Wrap(err, "scan cache"), "cache", cache)
	}
	sort.Strings(out)
	return out, nil
}

func (b *BadgerBackend) Close() error {
	return b.db.Close()
}

func entryKeys(cache string, keys []string) [][]byte {
	out := make([][]byte, len(keys))
	for i, k := range keys {
		out[i] = entryKey(cache, k)
	}
	return out
}
