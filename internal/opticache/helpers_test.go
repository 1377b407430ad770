package opticache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"opticache/internal/cachestore"
	"opticache/internal/logger"
)

var errOffline = errors.New("network unreachable")

type page struct {
	status      int
	contentType string
	body        string
}

// testOrigin is a static host whose pages can be swapped while a test runs.
type testOrigin struct {
	*httptest.Server

	mu    sync.Mutex
	pages map[string]page
	hits  map[string]int
}

func newTestOrigin(t *testing.T) *testOrigin {
	t.Helper()
	o := &testOrigin{pages: map[string]page{}, hits: map[string]int{}}
	o.Server = httptest.NewServer(http.HandlerFunc(o.serve))
	t.Cleanup(o.Close)

	o.set("/", "text/html", "<html><body>home</body></html>")
	o.set("/manifest.json", "application/json", `{"name":"docs"}`)
	o.set("/offline.html", "text/html", "<html><body>you are offline</body></html>")
	return o
}

func (o *testOrigin) serve(w http.ResponseWriter, r *http.Request) {
	o.mu.Lock()
	o.hits[r.URL.Path]++
	p, ok := o.pages[r.URL.Path]
	o.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", p.contentType)
	w.WriteHeader(p.status)
	_, _ = fmt.Fprint(w, p.body)
}

func (o *testOrigin) set(path, contentType, body string) {
	o.setStatus(path, http.StatusOK, contentType, body)
}

func (o *testOrigin) setStatus(path string, status int, contentType, body string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pages[path] = page{status: status, contentType: contentType, body: body}
}

func (o *testOrigin) hitCount(path string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hits[path]
}

// switchFetcher can take the network down and hold fetches until released.
type switchFetcher struct {
	inner   Fetcher
	offline atomic.Bool

	mu   sync.Mutex
	gate chan struct{}
}

func (f *switchFetcher) Fetch(ctx context.Context, rawURL string, header http.Header) (cachestore.Entry, error) {
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return cachestore.Entry{}, ctx.Err()
		}
	}
	if f.offline.Load() {
		return cachestore.Entry{}, errOffline
	}
	return f.inner.Fetch(ctx, rawURL, header)
}

// hold blocks fetches until the returned func is called.
func (f *switchFetcher) hold() (release func()) {
	gate := make(chan struct{})
	f.mu.Lock()
	f.gate = gate
	f.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			f.gate = nil
			f.mu.Unlock()
			close(gate)
		})
	}
}

type harness struct {
	origin  *testOrigin
	fetcher *switchFetcher
	storage *cachestore.Storage
	reg     *prometheus.Registry
	metrics *Metrics
	rt      *Runtime
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWith(t, cachestore.NewMemoryBackend(), nil)
}

// newHarnessWith runs the runtime over backend and logs to log (nil discards).
func newHarnessWith(t *testing.T, backend cachestore.Backend, log logger.Logger) *harness {
	t.Helper()
	origin := newTestOrigin(t)
	reg := prometheus.NewRegistry()
	h := &harness{
		origin:  origin,
		fetcher: &switchFetcher{inner: NewHTTPFetcher(5 * time.Second)},
		storage: cachestore.New(backend, cachestore.Options{}),
		reg:     reg,
		metrics: NewMetrics(reg),
	}
	h.rt = NewRuntime(Options{
		Storage: h.storage,
		Fetcher: h.fetcher,
		Logger:  log,
		Metrics: h.metrics,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.rt.Close(ctx)
	})
	return h
}

// config builds a memory-backed config for the origin; extra is appended to
// the YAML document.
func (h *harness) config(t *testing.T, version string, extra string) Config {
	t.Helper()
	return h.configAt(t, version, "", extra)
}

func (h *harness) configAt(t *testing.T, version, basePath, extra string) Config {
	t.Helper()
	doc := fmt.Sprintf("server:\n  origin: %s\n  basePath: %q\ncache:\n  version: %s\nstorage:\n  backend: memory\n%s",
		h.origin.URL, basePath, version, extra)
	cfg, err := ParseConfig([]byte(doc))
	require.NoError(t, err)
	return cfg
}

func (h *harness) register(t *testing.T, cfg Config) *Worker {
	t.Helper()
	w, err := h.rt.Register(context.Background(), cfg)
	require.NoError(t, err)
	return w
}

func (h *harness) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.rt.Drain(ctx))
}

func (h *harness) key(path string) string {
	return h.origin.URL + path
}

func (h *harness) cached(t *testing.T, cache, path string) (cachestore.Entry, bool) {
	t.Helper()
	ent, ok, err := h.storage.Cache(cache).Match(context.Background(), h.key(path))
	require.NoError(t, err)
	return ent, ok
}

func (h *harness) do(r *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.rt.ServeHTTP(rec, r)
	return rec
}

func navigate(path string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, path, nil)
	r.Header.Set("Accept", "text/html,application/xhtml+xml")
	r.Header.Set("Sec-Fetch-Mode", "navigate")
	return r
}

func get(path, accept string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, path, nil)
	if accept != "" {
		r.Header.Set("Accept", accept)
	}
	return r
}
