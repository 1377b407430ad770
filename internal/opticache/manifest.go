package opticache

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"go.trai.ch/zerr"
	"gopkg.in/yaml.v3"

	"opticache/internal/logger"
)

// Manifest is the build-time list of paths pre-warmed on install.
type Manifest struct {
	Version string   `yaml:"version,omitempty"`
	Paths   []string `yaml:"paths"`
}

func LoadManifest(path string) (Manifest, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, zerr.With(zerr.Wrap(err, "read manifest"), "path", path)
	}
	var m Manifest
	if err := yaml.Unmarshal(b, &m); err != nil {
		return Manifest{}, zerr.With(zerr.Wrap(err, "decode manifest"), "path", path)
	}
	return m, nil
}

func (m Manifest) Save(path string) error {
	b, err := yaml.Marshal(m)
	if err != nil {
		return zerr.Wrap(err, "encode manifest")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return zerr.With(zerr.Wrap(err, "create manifest dir"), "path", path)
		}
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return zerr.With(zerr.Wrap(err, "write manifest"), "path", path)
	}
	return nil
}

// CoreAssets is the install list for cfg: the manifest when one is
// configured, otherwise the configured pages and assets. The offline document
// is always included.
func CoreAssets(cfg Config) ([]string, error) {
	if cfg.Precache.Manifest == "" {
		return cfg.CorePaths(), nil
	}
	m, err := LoadManifest(cfg.Precache.Manifest)
	if err != nil {
		return nil, err
	}
	var out []string
	seen := map[string]struct{}{}
	for _, p := range m.Paths {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !strings.HasPrefix(p, "/") {
			p = "/" + p
		}
		out = appendUnique(out, seen, p)
	}
	return appendUnique(out, seen, cfg.OfflineDocument()), nil
}

// BuildManifest collects the configured paths plus what the sitemaps and the
// landing page links reveal.
func BuildManifest(ctx context.Context, cfg Config, fetcher Fetcher, log logger.Logger) (Manifest, error) {
	if log == nil {
		log = logger.NewNop()
	}
	urls, err := newSiteURLs(cfg.Server.Origin, cfg.basePath)
	if err != nil {
		return Manifest{}, zerr.With(zerr.Wrap(err, "parse origin"), "origin", cfg.Server.Origin)
	}
	d := newDiscoverer(fetcher, urls, log)

	paths := cfg.CorePaths()
	seen := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		seen[p] = struct{}{}
	}

	if len(cfg.Precache.Sitemaps) > 0 {
		found, err := d.fromSitemaps(ctx, cfg.Precache.Sitemaps)
		if err != nil {
			return Manifest{}, err
		}
		for _, p := range found {
			paths = appendUnique(paths, seen, p)
		}
	}
	if cfg.Precache.Discover.Enabled {
		found, err := d.fromLinks(ctx, cfg.SitePath("/"), cfg.Precache.Discover.Selector)
		if err != nil {
			return Manifest{}, err
		}
		for _, p := range found {
			paths = appendUnique(paths, seen, p)
		}
	}

	return Manifest{Version: cfg.Version(), Paths: paths}, nil
}
