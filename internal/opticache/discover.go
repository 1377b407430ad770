package opticache

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/xml"
	"io"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.trai.ch/zerr"

	"opticache/internal/logger"
)

type sitemapDoc struct {
	URLs     []string `xml:"url>loc"`
	Sitemaps []string `xml:"sitemap>loc"`
}

// discoverer finds site pages for the pre-warm manifest.
type discoverer struct {
	fetcher Fetcher
	urls    siteURLs
	log     logger.Logger
}

func newDiscoverer(fetcher Fetcher, urls siteURLs, log logger.Logger) *discoverer {
	return &discoverer{fetcher: fetcher, urls: urls, log: log}
}

// fromSitemaps walks the sitemaps, following nested sitemap indexes, and
// returns the page paths inside the site scope.
func (d *discoverer) fromSitemaps(ctx context.Context, sitemaps []string) ([]string, error) {
	seenSitemaps := map[string]struct{}{}
	queue := make([]string, 0, len(sitemaps))
	for _, sm := range sitemaps {
		if key, ok := d.urls.resolve(sm); ok {
			queue = append(queue, key)
		}
	}

	var out []string
	seen := map[string]struct{}{}
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return out, err
		}

		smURL := queue[0]
		queue = queue[1:]
		if _, ok := seenSitemaps[smURL]; ok {
			continue
		}
		seenSitemaps[smURL] = struct{}{}

		doc, err := d.fetchSitemap(ctx, smURL)
		if err != nil {
			return out, zerr.With(zerr.Wrap(err, "fetch sitemap"), "sitemap", smURL)
		}

		for _, nested := range doc.Sitemaps {
			if key, ok := d.urls.resolve(nested); ok {
				queue = append(queue, key)
			}
		}

		fit := 0
		for _, loc := range doc.URLs {
			p, ok := d.sitePath(loc)
			if !ok {
				continue
			}
			fit++
			out = appendUnique(out, seen, p)
		}
		d.log.Info("Sitemap read",
			logger.String("sitemap", smURL),
			logger.Int("urls", len(doc.URLs)),
			logger.Int("fit", fit),
		)
	}
	return out, nil
}

func (d *discoverer) fetchSitemap(ctx context.Context, sitemapURL string) (sitemapDoc, error) {
	ent, err := d.fetcher.Fetch(ctx, sitemapURL, nil)
	if err != nil {
		return sitemapDoc{}, err
	}
	if !ent.OK() {
		return sitemapDoc{}, zerr.With(ErrUnexpectedStatus, "status", ent.Status)
	}

	body := ent.Body
	// .gz sitemaps, or a gzip body served without Content-Encoding
	tryGzip := strings.HasSuffix(strings.ToLower(sitemapURL), ".gz") || (len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b)
	if tryGzip {
		if gz, err := gzip.NewReader(bytes.NewReader(body)); err == nil {
			if unzipped, err := io.ReadAll(gz); err == nil {
				body = unzipped
			}
			_ = gz.Close()
		}
	}

	var doc sitemapDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return sitemapDoc{}, zerr.Wrap(err, "parse sitemap")
	}
	for i := range doc.URLs {
		doc.URLs[i] = strings.TrimSpace(doc.URLs[i])
	}
	for i := range doc.Sitemaps {
		doc.Sitemaps[i] = strings.TrimSpace(doc.Sitemaps[i])
	}
	return doc, nil
}

// fromLinks collects the targets of the links matching selector on the page
// at pagePath, normalized like navigations.
func (d *discoverer) fromLinks(ctx context.Context, pagePath, selector string) ([]string, error) {
	pageURL := d.urls.key(pagePath, "")
	ent, err := d.fetcher.Fetch(ctx, pageURL, nil)
	if err != nil {
		return nil, err
	}
	if !ent.OK() {
		return nil, zerr.With(ErrUnexpectedStatus, "status", ent.Status)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(ent.Body))
	if err != nil {
		return nil, zerr.With(zerr.Wrap(err, "parse page"), "page", pageURL)
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, zerr.With(zerr.Wrap(err, "parse page url"), "page", pageURL)
	}

	var out []string
	seen := map[string]struct{}{}
	doc.Find(selector).Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		if !ok {
			return
		}
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") {
			return
		}
		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		p, ok := d.sitePath(base.ResolveReference(ref).String())
		if !ok {
			return
		}
		out = appendUnique(out, seen, normalizeNavigationPath(p))
	})
	d.log.Info("Links discovered",
		logger.String("page", pageURL),
		logger.String("selector", selector),
		logger.Int("paths", len(out)),
	)
	return out, nil
}

// sitePath maps a sitemap loc or link target to a path on the site. Other
// hosts, non-http schemes like mailto: and paths outside the base path are
// rejected.
func (d *discoverer) sitePath(loc string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(loc))
	if err != nil {
		return "", false
	}
	switch strings.ToLower(u.Scheme) {
	case "", "http", "https":
	default:
		return "", false
	}
	if u.Host != "" && !strings.EqualFold(u.Host, d.urls.origin.Host) {
		return "", false
	}
	p := normalizePathFromLoc(loc)
	if p == "" {
		return "", false
	}
	if !inScope(d.urls.base, p) {
		return "", false
	}
	return p, true
}

func normalizePathFromLoc(loc string) string {
	loc = strings.TrimSpace(loc)
	if loc == "" {
		return ""
	}
	if strings.HasPrefix(loc, "http://") || strings.HasPrefix(loc, "https://") {
		u, err := url.Parse(loc)
		if err != nil {
			return ""
		}
		if u.Path == "" {
			return "/"
		}
		if !strings.HasPrefix(u.Path, "/") {
			return "/" + u.Path
		}
		return u.Path
	}
	// relative locs are paths
	if i := strings.IndexAny(loc, "?#"); i >= 0 {
		loc = loc[:i]
	}
	if !strings.HasPrefix(loc, "/") {
		loc = "/" + loc
	}
	return loc
}
