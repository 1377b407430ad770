package opticache

import (
	"net/url"
	"path"
	"strings"
)

// normalizeNavigationPath appends a trailing slash to page paths so the static
// host serves the directory index instead of redirecting. Paths whose last
// segment carries an extension are files and stay untouched.
func normalizeNavigationPath(p string) string {
	if p == "" {
		return "/"
	}
	if strings.HasSuffix(p, "/") {
		return p
	}
	if strings.Contains(path.Base(p), ".") {
		return p
	}
	return p + "/"
}

// inScope reports whether p falls under base ("" is the site root).
func inScope(base, p string) bool {
	if base == "" {
		return true
	}
	return p == base || strings.HasPrefix(p, base+"/")
}

// siteURLs builds cache keys: absolute origin URLs, so a cache stays valid
// whichever host name the gateway is reached through.
type siteURLs struct {
	origin *url.URL
	base   string
}

func newSiteURLs(origin string, base string) (siteURLs, error) {
	u, err := url.Parse(origin)
	if err != nil {
		return siteURLs{}, err
	}
	return siteURLs{origin: u, base: base}, nil
}

// key returns the absolute URL for an escaped path and raw query.
func (s siteURLs) key(escapedPath, rawQuery string) string {
	if escapedPath == "" {
		escapedPath = "/"
	}
	k := strings.TrimRight(s.origin.String(), "/") + escapedPath
	if rawQuery != "" {
		k += "?" + rawQuery
	}
	return k
}

func (s siteURLs) requestKey(u *url.URL) string {
	return s.key(u.EscapedPath(), u.RawQuery)
}

// resolve turns a client-supplied URL into a cache key. Absolute URLs must
// point at the origin host; relative ones resolve against the base path.
func (s siteURLs) resolve(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	if ref.IsAbs() || ref.Host != "" {
		if !strings.EqualFold(ref.Host, s.origin.Host) {
			return "", false
		}
		return s.key(ref.EscapedPath(), ref.RawQuery), true
	}
	baseRef := &url.URL{Path: s.base + "/"}
	abs := baseRef.ResolveReference(ref)
	return s.key(abs.EscapedPath(), abs.RawQuery), true
}
