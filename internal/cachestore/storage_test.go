package cachestore

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func textEntry(body string) Entry {
	h := http.Header{}
	h.Set("Content-Type", "text/plain")
	h.Set("Content-Length", "99")
	return NewEntry(http.StatusOK, h, []byte(body))
}

func TestNewEntry_DropsContentLengthAndHashes(t *testing.T) {
	a := textEntry("hello")
	b := textEntry("hello")
	c := textEntry("world")

	assert.Empty(t, a.Header.Get("Content-Length"))
	assert.Equal(t, "text/plain", a.Header.Get("Content-Type"))
	assert.Equal(t, a.Hash64, b.Hash64)
	assert.NotEqual(t, a.Hash64, c.Hash64)
	assert.True(t, a.OK())
	assert.False(t, NewEntry(http.StatusNotFound, nil, nil).OK())
}

func TestStorage_MatchPrefersOldestCache(t *testing.T) {
	ctx := context.Background()
	s := New(NewMemoryBackend(), Options{})

	older, err := s.Open(ctx, "myst-cache-v5")
	require.NoError(t, err)
	newer, err := s.Open(ctx, "myst-cache-v6")
	require.NoError(t, err)

	require.NoError(t, newer.Put(ctx, "https://site.test/app.js", textEntry("new")))
	require.NoError(t, older.Put(ctx, "https://site.test/app.js", textEntry("old")))

	ent, ok, err := s.Match(ctx, "https://site.test/app.js")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "old", string(ent.Body))

	_, ok, err = s.Match(ctx, "https://site.test/missing.js")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStorage_RAMTierServesAndDrops(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	s := New(backend, Options{RAMMaxBytes: 1 << 20})

	c, err := s.Open(ctx, "myst-runtime-v1")
	require.NoError(t, err)
	require.NoError(t, c.Put(ctx, "k", textEntry("body")))

	_, items := s.RAMUsage()
	assert.Equal(t, 1, items)

	ent, ok, err := c.Match(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	ent.Header.Set("X-Mutated", "1")

	again, ok, err := c.Match(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Empty(t, again.Header.Get("X-Mutated"))

	existed, err := s.Delete(ctx, "myst-runtime-v1")
	require.NoError(t, err)
	assert.True(t, existed)

	bytes, items := s.RAMUsage()
	assert.Zero(t, bytes)
	assert.Zero(t, items)

	_, ok, err = s.Match(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStorage_DropsUndecodableEntries(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	s := New(backend, Options{})

	require.NoError(t, backend.Put(ctx, "c", "k", []byte("not gob")))

	_, ok, err := s.Match(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = backend.Get(ctx, "c", "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCache_DeleteAndKeys(t *testing.T) {
	ctx := context.Background()
	s := New(NewMemoryBackend(), Options{RAMMaxBytes: 1 << 20})

	c, err := s.Open(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, "c", c.Name())
	require.NoError(t, c.Put(ctx, "/b", textEntry("b")))
	require.NoError(t, c.Put(ctx, "/a", textEntry("a")))

	keys, err := c.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"/a", "/b"}, keys)

	deleted, err := c.Delete(ctx, "/a")
	require.NoError(t, err)
	assert.True(t, deleted)

	_, ok, err := c.Match(ctx, "/a")
	require.NoError(t, err)
	assert.False(t, ok)
}

// pausedBackend holds the first Get after it has read from the wrapped
// backend until resume is closed.
type pausedBackend struct {
	Backend
	read   chan struct{}
	resume chan struct{}
}

func (b *pausedBackend) Get(ctx context.Context, cache, key string) ([]byte, bool, error) {
	v, ok, err := b.Backend.Get(ctx, cache, key)
	select {
	case b.read <- struct{}{}:
	default:
	}
	<-b.resume
	return v, ok, err
}

func TestStorage_ReadRacingDeleteDoesNotRefillRAM(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryBackend()
	require.NoError(t, New(mem, Options{}).Cache("myst-runtime-v1").Put(ctx, "k", textEntry("stale")))

	paused := &pausedBackend{Backend: mem, read: make(chan struct{}, 1), resume: make(chan struct{})}
	s := New(paused, Options{RAMMaxBytes: 1 << 20})

	done := make(chan bool, 1)
	go func() {
		_, ok, _ := s.Cache("myst-runtime-v1").Match(ctx, "k")
		done <- ok
	}()

	select {
	case <-paused.read:
	case <-time.After(3 * time.Second):
		t.Fatal("read never reached the backend")
	}
	existed, err := s.Delete(ctx, "myst-runtime-v1")
	require.NoError(t, err)
	assert.True(t, existed)

	close(paused.resume)
	assert.True(t, <-done, "the racing read still answers with what it read")

	require.NoError(t, s.Cache("myst-runtime-v1").Put(ctx, "other", textEntry("fresh")))

	_, ok, err := s.Match(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
	_, items := s.RAMUsage()
	assert.Equal(t, 1, items)
}
