package cachestore

import (
	"context"
	"sort"
	"sync"
)

type memCache struct {
	created int64
	entries map[string][]byte
}

// MemoryBackend keeps caches in process memory. Contents are lost on exit.
type MemoryBackend struct {
	mu     sync.RWMutex
	caches map[string]*memCache
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{caches: map[string]*memCache{}}
}

func (m *MemoryBackend) CreateCache(_ context.Context, name string) error {
	if err := validateName(name); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensureLocked(name)
	return nil
}

func (m *MemoryBackend) ensureLocked(name string) *memCache {
	c, ok := m.caches[name]
	if !ok {
		c = &memCache{created: nextCreated(), entries: map[string][]byte{}}
		m.caches[name] = c
	}
	return c
}

func (m *MemoryBackend) CacheNames(_ context.Context) ([]string, error) {
	m.mu.RLock()
	items := make([]namedCache, 0, len(m.caches))
	for name, c := range m.caches {
		items = append(items, namedCache{name: name, created: c.created})
	}
	m.mu.RUnlock()
	return sortNamed(items), nil
}

func (m *MemoryBackend) DeleteCache(_ context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.caches[name]
	delete(m.caches, name)
	return ok, nil
}

func (m *MemoryBackend) Get(_ context.Context, cache, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.caches[cache]
	if !ok {
		return nil, false, nil
	}
	b, ok := c.entries[key]
	return b, ok, nil
}

func (m *MemoryBackend) Put(_ context.Context, cache, key string, val []byte) error {
	if err := validateName(cache); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensureLocked(cache).entries[key] = val
	return nil
}

func (m *MemoryBackend) Delete(_ context.Context, cache, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.caches[cache]
	if !ok {
		return false, nil
	}
	_, ok = c.entries[key]
	delete(c.entries, key)
	return ok, nil
}

func (m *MemoryBackend) Keys(_ context.Context, cache string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.caches[cache]
	if !ok {
		return nil, nil
	}
	out := make([]string, 0, len(c.entries))
	for k := range c.entries {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryBackend) Close() error { return nil }

func sortNamed(items []namedCache) []string {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].created != items[j].created {
			return items[i].created < items[j].created
		}
		return items[i].name < items[j].name
	})
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.name
	}
	return out
}
