package opticache

import (
	"context"
	"net/http"

	"opticache/internal/cachestore"
)

const offlineHTML = `<html><body><h1>Offline</h1><p>This page is not available offline. Please check your connection.</p></body></html>`

// offline is the last resort for a page: the cached offline document, or a
// built-in page. It never touches the network.
func (w *Worker) offline(ctx context.Context) *Response {
	if ent, ok := w.match(ctx, w.offlineKey); ok {
		ent.Status = http.StatusServiceUnavailable
		return &Response{Entry: ent, Source: SourceOffline}
	}
	return inlineOffline()
}

func inlineOffline() *Response {
	h := make(http.Header)
	h.Set("Content-Type", "text/html; charset=utf-8")
	h.Set("Cache-Control", "no-store")
	return &Response{
		Entry: cachestore.Entry{
			Status: http.StatusServiceUnavailable,
			Header: h,
			Body:   []byte(offlineHTML),
		},
		Source: SourceOffline,
	}
}
