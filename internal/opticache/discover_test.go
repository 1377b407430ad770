package opticache

import (
	"bytes"
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gzipped(t *testing.T, s string) string {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(s))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.String()
}

func TestBuildManifest(t *testing.T) {
	origin := newTestOrigin(t)
	origin.set("/sitemap.xml", "application/xml", `<?xml version="1.0" encoding="UTF-8"?>
<sitemapindex xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <sitemap><loc>`+origin.URL+`/pages.xml.gz</loc></sitemap>
  <sitemap><loc>https://elsewhere.test/sitemap.xml</loc></sitemap>
</sitemapindex>`)
	origin.set("/pages.xml.gz", "application/octet-stream", gzipped(t, `<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url><loc>`+origin.URL+`/</loc></url>
  <url><loc>`+origin.URL+`/chapter-1/</loc></url>
  <url><loc> /chapter-2/ </loc></url>
  <url><loc>https://elsewhere.test/chapter-3/</loc></url>
</urlset>`))
	origin.set("/", "text/html", `<html><body>
<nav>
  <a href="/chapter-1">One</a>
  <a href="chapter-4">Four</a>
  <a href="#top">Top</a>
  <a href="https://elsewhere.test/x">Away</a>
  <a href="/files/paper.pdf">Paper</a>
</nav>
<a href="/footer-link">Not in nav</a>
</body></html>`)

	cfg, err := ParseConfig([]byte("server:\n  origin: " + origin.URL + "\nprecache:\n  sitemaps: [/sitemap.xml]\n  discover:\n    enabled: true\n"))
	require.NoError(t, err)

	m, err := BuildManifest(context.Background(), cfg, NewHTTPFetcher(5*time.Second), nil)
	require.NoError(t, err)

	assert.Equal(t, "v1", m.Version)
	assert.Equal(t, []string{
		"/", "/manifest.json", "/offline.html",
		"/chapter-1/", "/chapter-2/",
		"/chapter-4/", "/files/paper.pdf",
	}, m.Paths)

	path := filepath.Join(t.TempDir(), "out", "manifest.yaml")
	require.NoError(t, m.Save(path))
	loaded, err := LoadManifest(path)
	require.NoError(t, err)
	assert.Equal(t, m, loaded)
}

func TestBuildManifest_SitemapError(t *testing.T) {
	origin := newTestOrigin(t)
	cfg, err := ParseConfig([]byte("server:\n  origin: " + origin.URL + "\nprecache:\n  sitemaps: [/sitemap.xml]\n"))
	require.NoError(t, err)

	_, err = BuildManifest(context.Background(), cfg, NewHTTPFetcher(5*time.Second), nil)
	require.Error(t, err)
	assert.ErrorContains(t, err, "fetch sitemap")
}

func TestDiscoverer_ScopeFilter(t *testing.T) {
	urls, err := newSiteURLs("https://example.org", "/docs")
	require.NoError(t, err)
	d := newDiscoverer(nil, urls, nil)

	p, ok := d.sitePath("https://example.org/docs/a/")
	assert.True(t, ok)
	assert.Equal(t, "/docs/a/", p)

	_, ok = d.sitePath("https://example.org/blog/")
	assert.False(t, ok)
	_, ok = d.sitePath("https://other.org/docs/a/")
	assert.False(t, ok)

	assert.Equal(t, "/docs/b", normalizePathFromLoc("docs/b?x=1#frag"))
	assert.Equal(t, "/", normalizePathFromLoc("https://example.org"))
	assert.Empty(t, normalizePathFromLoc("  "))
}

func TestDiscoverer_RejectsNonHTTPSchemes(t *testing.T) {
	urls, err := newSiteURLs("https://example.org", "")
	require.NoError(t, err)
	d := newDiscoverer(nil, urls, nil)

	for _, loc := range []string{"mailto:x@example.org", "javascript:void(0)", "tel:+3112345", "ftp://example.org/a"} {
		_, ok := d.sitePath(loc)
		assert.False(t, ok, loc)
	}
	p, ok := d.sitePath("HTTPS://example.org/a")
	assert.True(t, ok)
	assert.Equal(t, "/a", p)
}

func TestBuildManifest_SkipsMailtoAndScriptLinks(t *testing.T) {
	origin := newTestOrigin(t)
	origin.set("/", "text/html", `<html><body><nav>
  <a href="mailto:editor@example.org">Mail</a>
  <a href="javascript:window.print()">Print</a>
  <a href="/contact">Contact</a>
</nav></body></html>`)

	cfg, err := ParseConfig([]byte("server:\n  origin: " + origin.URL + "\n  basePath: /\nprecache:\n  discover:\n    enabled: true\n"))
	require.NoError(t, err)

	m, err := BuildManifest(context.Background(), cfg, NewHTTPFetcher(5*time.Second), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"/", "/manifest.json", "/offline.html", "/contact/"}, m.Paths)
}

func TestCoreAssets_WithoutManifest(t *testing.T) {
	cfg, err := ParseConfig([]byte("server:\n  origin: https://example.org\n"))
	require.NoError(t, err)

	got, err := CoreAssets(cfg)
	require.NoError(t, err)
	assert.Equal(t, cfg.CorePaths(), got)
}

func TestFetcher_ReportsStatusesAndDropsConditionals(t *testing.T) {
	var seen http.Header
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set("Connection", "close")
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	}))
	defer origin.Close()

	hdr := http.Header{}
	hdr.Set("If-None-Match", `"abc"`)
	hdr.Set("Range", "bytes=0-10")
	hdr.Set("Accept", "text/html")
	ent, err := NewHTTPFetcher(0).Fetch(context.Background(), origin.URL+"/x", hdr)

	require.NoError(t, err)
	assert.Equal(t, http.StatusTeapot, ent.Status)
	assert.Equal(t, "short and stout", string(ent.Body))
	assert.Empty(t, ent.Header.Get("Connection"))
	assert.Empty(t, seen.Get("If-None-Match"))
	assert.Empty(t, seen.Get("Range"))
	assert.Equal(t, "text/html", seen.Get("Accept"))
	assert.Equal(t, "identity", seen.Get("Accept-Encoding"))
}

func TestFetcher_NetworkError(t *testing.T) {
	origin := httptest.NewServer(http.NotFoundHandler())
	url := origin.URL
	origin.Close()

	_, err := NewHTTPFetcher(time.Second).Fetch(context.Background(), url+"/", nil)
	assert.ErrorContains(t, err, "origin fetch")
}

func TestFetcher_BodyOverLimit(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(bytes.Repeat([]byte("x"), 100))
	}))
	defer origin.Close()

	f := NewHTTPFetcher(time.Second)
	f.maxBody = 64
	_, err := f.Fetch(context.Background(), origin.URL+"/big", nil)
	assert.ErrorIs(t, err, ErrBodyTooLarge)

	f.maxBody = 100
	ent, err := f.Fetch(context.Background(), origin.URL+"/big", nil)
	require.NoError(t, err)
	assert.Len(t, ent.Body, 100)
}
