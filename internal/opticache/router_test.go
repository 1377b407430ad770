package opticache

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serveRouter(h *harness, r *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	NewRouter(h.rt, h.reg, nil).ServeHTTP(rec, r)
	return rec
}

func TestRouter_Health(t *testing.T) {
	h := newHarness(t)

	rec := serveRouter(h, httptest.NewRequest(http.MethodGet, "/_opticache/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	h.register(t, h.config(t, "v1", ""))
	rec = serveRouter(h, httptest.NewRequest(http.MethodGet, "/_opticache/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestRouter_Status(t *testing.T) {
	h := newHarness(t)
	cfg := h.config(t, "v1", "")
	h.register(t, cfg)

	rec := serveRouter(h, httptest.NewRequest(http.MethodGet, "/_opticache/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var got statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.NotNil(t, got.Active)
	assert.Equal(t, "v1", got.Active.Version)
	assert.Equal(t, "active", got.Active.State)
	assert.Nil(t, got.Waiting)
	assert.Equal(t, []cacheStatus{{Name: cfg.CacheName(), Entries: 3}}, got.Caches)
}

func TestRouter_Message(t *testing.T) {
	h := newHarness(t)
	h.register(t, h.config(t, "v1", ""))

	tests := []struct {
		name string
		body string
		want int
	}{
		{name: "accepted", body: `{"type":"CLEAR_CACHE"}`, want: http.StatusAccepted},
		{name: "lowercase type", body: `{"type":"cache_urls","urls":["/"]}`, want: http.StatusAccepted},
		{name: "missing type", body: `{"urls":["/"]}`, want: http.StatusBadRequest},
		{name: "not json", body: `CLEAR_CACHE`, want: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/_opticache/message", strings.NewReader(tt.body))
			rec := serveRouter(h, r)
			assert.Equal(t, tt.want, rec.Code)
			if tt.want == http.StatusAccepted {
				var got acceptedResponse
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
				assert.NotEmpty(t, got.EventID)
			}
		})
	}
	h.drain(t)
}

func TestRouter_Sync(t *testing.T) {
	h := newHarness(t)

	rec := serveRouter(h, httptest.NewRequest(http.MethodPost, "/_opticache/sync", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	h.register(t, h.config(t, "v1", ""))
	rec = serveRouter(h, httptest.NewRequest(http.MethodPost, "/_opticache/sync?tag=update-cache", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	h.drain(t)
}

func TestRouter_MetricsAndFetch(t *testing.T) {
	h := newHarness(t)
	h.register(t, h.config(t, "v1", ""))

	rec := serveRouter(h, navigate("/"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "network", rec.Header().Get(markerHeader))
	assert.Contains(t, rec.Header().Get("Access-Control-Expose-Headers"), markerHeader)
	h.drain(t)

	rec = serveRouter(h, httptest.NewRequest(http.MethodGet, "/_opticache/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `opticache_requests_total{class="navigation",source="network"} 1`)
	assert.Contains(t, body, "opticache_precached_total 3")
}
