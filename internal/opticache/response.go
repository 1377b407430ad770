package opticache

import (
	"net/http"
	"strings"

	"opticache/internal/cachestore"
)

// Source tells where a response came from. It is sent to clients in the
// X-Opticache header.
type Source string

const (
	SourceCache       Source = "cache"
	SourceNetwork     Source = "network"
	SourceOffline     Source = "offline"
	SourceUnavailable Source = "unavailable"
	SourceBypass      Source = "bypass"
)

const markerHeader = "X-Opticache"

// Response is what a fetch handler answers with.
type Response struct {
	cachestore.Entry
	Source Source
}

func fromCache(ent cachestore.Entry) *Response {
	return &Response{Entry: ent, Source: SourceCache}
}

func fromNetwork(ent cachestore.Entry) *Response {
	return &Response{Entry: ent, Source: SourceNetwork}
}

// unavailable is the placeholder for a resource with neither cache nor network.
func unavailable(msg string) *Response {
	h := make(http.Header)
	h.Set("Content-Type", "text/plain; charset=utf-8")
	return &Response{
		Entry: cachestore.Entry{
			Status: http.StatusServiceUnavailable,
			Header: h,
			Body:   []byte(msg),
		},
		Source: SourceUnavailable,
	}
}

func writeResponse(w http.ResponseWriter, resp *Response) {
	for k, vs := range resp.Header {
		if strings.EqualFold(k, markerHeader) {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setMarker(w.Header(), resp.Source)
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

func setMarker(h http.Header, src Source) {
	if src != "" {
		h.Set(markerHeader, string(src))
	}
	// browsers hide custom headers from cross-origin scripts unless exposed
	ensureExposedHeader(h, markerHeader)
}

func ensureExposedHeader(h http.Header, name string) {
	if name == "" {
		return
	}

	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}

	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}

	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}
