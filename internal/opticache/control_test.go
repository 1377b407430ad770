package opticache

import (
	"context"
	"net/http"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessage_ClearCacheLeavesColdCache(t *testing.T) {
	h := newHarness(t)
	cfg := h.config(t, "v1", "")
	h.register(t, cfg)
	h.origin.set("/app.css", "text/css", "a{}")
	h.do(get("/app.css", "text/css"))
	h.drain(t)
	_, err := h.storage.Open(context.Background(), "other-cache-v9")
	require.NoError(t, err)

	ev, err := h.rt.PostMessage(Message{Type: MessageClearCache})
	require.NoError(t, err)
	require.NoError(t, ev.Wait())

	names, err := h.storage.Names(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"other-cache-v9"}, names)

	h.fetcher.offline.Store(true)
	rec := h.do(navigate("/"))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, offlineHTML, rec.Body.String())
}

func TestMessage_CacheURLs(t *testing.T) {
	h := newHarness(t)
	cfg := h.config(t, "v1", "")
	h.register(t, cfg)
	h.origin.set("/chapter-1/", "text/html", "<html><body>one</body></html>")
	h.origin.set("/data.json", "application/json", "[]")

	ev, err := h.rt.PostMessage(Message{
		Type: MessageCacheURLs,
		URLs: []string{
			"/chapter-1/",
			h.origin.URL + "/data.json",
			"https://elsewhere.test/x.js",
			"/not-there",
		},
	})
	require.NoError(t, err)
	require.NoError(t, ev.Wait())

	_, ok := h.cached(t, cfg.RuntimeCacheName(), "/chapter-1/")
	assert.True(t, ok)
	_, ok = h.cached(t, cfg.RuntimeCacheName(), "/data.json")
	assert.True(t, ok)
	_, ok = h.cached(t, cfg.RuntimeCacheName(), "/not-there")
	assert.False(t, ok)

	h.fetcher.offline.Store(true)
	rec := h.do(navigate("/chapter-1/"))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cache", rec.Header().Get(markerHeader))
}

func TestMessage_UnknownTypeIsIgnored(t *testing.T) {
	h := newHarness(t)
	h.register(t, h.config(t, "v1", ""))

	ev, err := h.rt.PostMessage(Message{Type: "PING"})
	require.NoError(t, err)
	assert.NoError(t, ev.Wait())
}

func TestPostMessage_NoWorker(t *testing.T) {
	h := newHarness(t)

	_, err := h.rt.PostMessage(Message{Type: MessageClearCache})
	assert.ErrorIs(t, err, ErrNoWorker)

	_, err = h.rt.Sync(SyncUpdateCache)
	assert.ErrorIs(t, err, ErrNoWorker)
}

func TestSync_UpdateCacheRewritesChangedEntries(t *testing.T) {
	h := newHarness(t)
	cfg := h.config(t, "v1", "")
	h.register(t, cfg)
	before, ok := h.cached(t, cfg.CacheName(), "/manifest.json")
	require.True(t, ok)

	h.origin.set("/", "text/html", "<html><body>home, revised</body></html>")
	ev, err := h.rt.Sync(SyncUpdateCache)
	require.NoError(t, err)
	require.NoError(t, ev.Wait())

	home, ok := h.cached(t, cfg.CacheName(), "/")
	require.True(t, ok)
	assert.Contains(t, string(home.Body), "revised")

	after, ok := h.cached(t, cfg.CacheName(), "/manifest.json")
	require.True(t, ok)
	assert.Equal(t, before.Hash64, after.Hash64)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.refreshed))
}

func TestSync_UpdateCacheKeepsEntriesWhenOffline(t *testing.T) {
	h := newHarness(t)
	cfg := h.config(t, "v1", "")
	h.register(t, cfg)
	h.fetcher.offline.Store(true)

	ev, err := h.rt.Sync(SyncUpdateCache)
	require.NoError(t, err)
	require.NoError(t, ev.Wait())

	home, ok := h.cached(t, cfg.CacheName(), "/")
	require.True(t, ok)
	assert.Contains(t, string(home.Body), "home")
	assert.Equal(t, 0.0, testutil.ToFloat64(h.metrics.refreshed))
}
