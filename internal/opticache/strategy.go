package opticache

import (
	"context"
	"errors"
	"net/http"

	"opticache/internal/cachestore"
	"opticache/internal/logger"
)

// onFetch picks a strategy by traffic class. Requests outside the scope,
// non-GET requests and bodies too large to cache get no response, so they are
// proxied untouched.
func (w *Worker) onFetch(e *Event) {
	r := e.Request
	if r == nil || r.URL == nil || r.Method != http.MethodGet || !inScope(w.cfg.basePath, r.URL.Path) {
		return
	}

	class := w.classifier.Classify(r)
	var resp *Response
	switch class {
	case ClassStatic:
		resp = w.cacheFirst(e)
	case ClassNavigation:
		resp = w.networkFirst(e)
	default:
		resp = w.staleWhileRevalidate(e)
	}
	w.rt.metrics.observeRequest(class, resp)
	if resp != nil {
		e.RespondWith(resp)
	}
}

// tooLarge reports a response that has to be streamed past the caches.
func (w *Worker) tooLarge(err error, key string) bool {
	if !errors.Is(err, ErrBodyTooLarge) {
		return false
	}
	w.log.Info("Response too large to cache, passing through", logger.String("key", key))
	return true
}

// cacheFirst answers from any cache and only goes to the network on a miss.
func (w *Worker) cacheFirst(e *Event) *Response {
	ctx := e.Context()
	key := w.urls.requestKey(e.Request.URL)

	if ent, ok := w.match(ctx, key); ok {
		return fromCache(ent)
	}

	ent, err := w.fetch(ctx, key, e.Request.Header)
	if w.tooLarge(err, key) {
		return nil
	}
	if err != nil {
		w.log.Warn("Cache-first fetch failed", logger.String("key", key), logger.Error(err))
		return unavailable("Asset not available offline")
	}
	if ent.OK() {
		w.putRuntime(e, key, ent)
	}
	return fromNetwork(ent)
}

// networkFirst fetches the slash-normalized URL and falls back to the caches,
// then to the offline page. A 404 is passed through and never cached.
func (w *Worker) networkFirst(e *Event) *Response {
	ctx := e.Context()
	u := e.Request.URL
	original := w.urls.requestKey(u)
	normalized := w.urls.key(normalizeNavigationPath(u.EscapedPath()), u.RawQuery)

	ent, err := w.fetch(ctx, normalized, e.Request.Header)
	switch {
	case w.tooLarge(err, normalized):
		return nil
	case err != nil:
		w.log.Warn("Network-first fetch failed, trying cache",
			logger.String("key", normalized),
			logger.Error(err),
		)
	case ent.OK():
		if w.cfg.KeyboardNav() {
			ent = injectKeyboardNav(ent)
		}
		w.putRuntime(e, normalized, ent)
		if original != normalized {
			w.putRuntime(e, original, ent)
		}
		return fromNetwork(ent)
	case ent.Status == http.StatusNotFound:
		w.log.Debug("Page not found", logger.String("key", normalized))
		return fromNetwork(ent)
	default:
		w.log.Warn("Network-first got error status, trying cache",
			logger.String("key", normalized),
			logger.Int("status", ent.Status),
		)
	}

	if cached, ok := w.match(ctx, normalized); ok {
		return fromCache(cached)
	}
	if original != normalized {
		if cached, ok := w.match(ctx, original); ok {
			return fromCache(cached)
		}
	}
	return w.offline(ctx)
}

type fetchResult struct {
	ent cachestore.Entry
	err error
}

// staleWhileRevalidate answers from the cache when it can and always
// refreshes the entry in the background.
func (w *Worker) staleWhileRevalidate(e *Event) *Response {
	ctx := e.Context()
	key := w.urls.requestKey(e.Request.URL)
	header := e.Request.Header.Clone()

	cached, hit := w.match(ctx, key)

	result := make(chan fetchResult, 1)
	started := e.WaitUntil("revalidate", func(ctx context.Context) error {
		ent, err := w.fetch(ctx, key, header)
		result <- fetchResult{ent: ent, err: err}
		if errors.Is(err, ErrBodyTooLarge) {
			return nil
		}
		if err != nil {
			return err
		}
		if ent.OK() {
			w.storeLogged(ctx, w.runtimeName(), key, ent)
		}
		return nil
	})

	if hit {
		return fromCache(cached)
	}
	if !started {
		return unavailable("Content not available")
	}

	select {
	case res := <-result:
		if w.tooLarge(res.err, key) {
			return nil
		}
		if res.err != nil {
			return unavailable("Content not available")
		}
		return fromNetwork(res.ent)
	case <-ctx.Done():
		return unavailable("Content not available")
	}
}
