package cachestore

import (
	"strings"
	"sync"
)

type ramItem struct {
	key  string
	ent  Entry
	size int64
	prev *ramItem
	next *ramItem
}

// ramCache is a byte-bounded LRU of decoded entries in front of the backend.
// It is write-through: evicting an item never loses data.
type ramCache struct {
	maxBytes int64

	mu    sync.Mutex
	items map[string]*ramItem
	head  *ramItem
	tail  *ramItem
	total int64
	// gens counts DropCache calls per cache; see Fill.
	gens  map[string]uint64

	onOverflow func(evicted int)
}

func newRAMCache(maxBytes int64) *ramCache {
	return &ramCache{maxBytes: maxBytes, items: map[string]*ramItem{}, gens: map[string]uint64{}}
}

func ramKey(cache, key string) string {
	return cache + keySep + key
}

func (c *ramCache) TotalSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

func (c *ramCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *ramCache) Get(key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok {
		return Entry{}, false
	}
	c.moveToFront(it)
	return it.ent.Clone(), true
}

func (c *ramCache) Put(key string, ent Entry) {
	c.store(key, ent, func() bool { return true })
}

// Generation is read before going to the backend for cache and passed to Fill.
func (c *ramCache) Generation(cache string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gens[cache]
}

// Fill stores ent for key in cache unless cache was dropped after gen was
// read, so bytes read from a cache being deleted do not outlive it.
func (c *ramCache) Fill(cache, key string, gen uint64, ent Entry) {
	c.store(ramKey(cache, key), ent, func() bool { return c.gens[cache] == gen })
}

// store runs current under the lock and skips the write when it is false.
func (c *ramCache) store(key string, ent Entry, current func() bool) {
	sz := ent.size()
	if sz > c.maxBytes {
		c.Delete(key)
		return
	}

	c.mu.Lock()
	if !current() {
		c.mu.Unlock()
		return
	}
	if it, ok := c.items[key]; ok {
		c.total -= it.size
		it.ent = ent
		it.size = sz
		c.total += sz
		c.moveToFront(it)
	} else {
		it := &ramItem{key: key, ent: ent, size: sz}
		c.items[key] = it
		c.addToFront(it)
		c.total += sz
	}
	evicted := c.evictLocked()
	onOverflow := c.onOverflow
	c.mu.Unlock()

	if evicted > 0 && onOverflow != nil {
		onOverflow(evicted)
	}
}

// evictLocked drops least-recently-used items until the budget holds.
func (c *ramCache) evictLocked() int {
	n := 0
	for c.total > c.maxBytes && c.tail != nil {
		it := c.tail
		c.remove(it)
		delete(c.items, it.key)
		c.total -= it.size
		n++
	}
	return n
}

func (c *ramCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok {
		return
	}
	c.remove(it)
	delete(c.items, key)
	c.total -= it.size
}

// DropCache removes every item belonging to cache.
func (c *ramCache) DropCache(cache string) {
	prefix := cache + keySep
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gens[cache]++
	for k, it := range c.items {
		if strings.HasPrefix(k, prefix) {
			c.remove(it)
			delete(c.items, k)
			c.total -= it.size
		}
	}
}

func (c *ramCache) addToFront(it *ramItem) {
	it.prev = nil
	it.next = c.head
	if c.head != nil {
		c.head.prev = it
	}
	c.head = it
	if c.tail == nil {
		c.tail = it
	}
}

func (c *ramCache) remove(it *ramItem) {
	if it.prev != nil {
		it.prev.next = it.next
	} else {
		c.head = it.next
	}
	if it.next != nil {
		it.next.prev = it.prev
	} else {
		c.tail = it.prev
	}
	it.prev, it.next = nil, nil
}

func (c *ramCache) moveToFront(it *ramItem) {
	if c.head == it {
		return
	}
	c.remove(it)
	c.addToFront(it)
}
