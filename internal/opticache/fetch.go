package opticache

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"go.trai.ch/zerr"

	"opticache/internal/cachestore"
)

const (
	defaultFetchTimeout = 30 * time.Second
	maxBodyBytes        = 64 << 20
)

// ErrBodyTooLarge is returned as is, never wrapped, for a response whose
// body is over the cacheable limit. Strategies proxy such requests instead.
var ErrBodyTooLarge = zerr.New("origin response body too large")

// Fetcher retrieves a URL from the network. An error means no response was
// obtained at all; HTTP error statuses come back as entries.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string, header http.Header) (cachestore.Entry, error)
}

// HTTPFetcher fetches from the origin over HTTP, following redirects.
type HTTPFetcher struct {
	client  *http.Client
	maxBody int64
}

func NewHTTPFetcher(timeout time.Duration) *HTTPFetcher {
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	return &HTTPFetcher{client: &http.Client{Timeout: timeout}, maxBody: maxBodyBytes}
}

// NewHTTPFetcherWithClient uses client as is.
func NewHTTPFetcherWithClient(client *http.Client) *HTTPFetcher {
	return &HTTPFetcher{client: client, maxBody: maxBodyBytes}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string, header http.Header) (cachestore.Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return cachestore.Entry{}, zerr.With(zerr.Wrap(err, "build origin request"), "url", rawURL)
	}
	copyRequestHeaders(req.Header, header)
	// bodies are stored and replayed verbatim
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := f.client.Do(req)
	if err != nil {
		return cachestore.Entry{}, zerr.With(zerr.Wrap(err, "origin fetch"), "url", rawURL)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBody+1))
	if err != nil {
		return cachestore.Entry{}, zerr.With(zerr.Wrap(err, "read origin body"), "url", rawURL)
	}
	if int64(len(body)) > f.maxBody {
		return cachestore.Entry{}, ErrBodyTooLarge
	}

	h := resp.Header.Clone()
	removeHopHeaders(h)
	return cachestore.NewEntry(resp.StatusCode, h, body), nil
}

var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Conditional and partial requests would yield 304/206 bodies that cannot be
// stored as full responses.
var droppedRequestHeaders = []string{
	"Host",
	"Accept-Encoding",
	"If-Match",
	"If-None-Match",
	"If-Modified-Since",
	"If-Unmodified-Since",
	"If-Range",
	"Range",
}

func copyRequestHeaders(dst, src http.Header) {
	for k, vs := range src {
		if isDropped(k) {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
	removeHopHeaders(dst)
}

func isDropped(name string) bool {
	for _, d := range droppedRequestHeaders {
		if strings.EqualFold(name, d) {
			return true
		}
	}
	return false
}

func removeHopHeaders(h http.Header) {
	for _, f := range h.Values("Connection") {
		for _, name := range strings.Split(f, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}
