package opticache

import (
	"math"
	"os"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-playground/validator/v10"
	"go.trai.ch/zerr"
	"gopkg.in/yaml.v3"

	"opticache/internal/cachestore"
)

const (
	defaultPort          = 8080
	defaultVersion       = "v1"
	defaultPrefix        = "myst"
	defaultBackend       = "leveldb"
	defaultStoragePath   = "./data/cache"
	defaultRAMMax        = "64MiB"
	defaultConcurrency   = 4
	defaultSelector      = "nav a[href]"
	defaultOfflineDoc    = "/offline.html"
	defaultShutdownGrace = 10 * time.Second
)

var (
	ErrInvalidConfig     = zerr.New("invalid config")
	ErrRedisAddressUnset = zerr.New("storage.redis.address is required for the redis backend")
	ErrInvalidSize       = zerr.New("invalid size")
)

type Config struct {
	Server struct {
		Port     int    `yaml:"port" validate:"gte=0,lte=65535"`
		Origin   string `yaml:"origin" validate:"required,url"`
		BasePath string `yaml:"basePath"`
	} `yaml:"server"`

	Cache struct {
		Prefix  string `yaml:"prefix" validate:"omitempty,excludes=/"`
		Version string `yaml:"version" validate:"required,excludes=/"`
	} `yaml:"cache"`

	Storage struct {
		Backend string `yaml:"backend" validate:"oneof=leveldb badger redis memory"`
		Path    string `yaml:"path"`
		RAM     struct {
			Max string `yaml:"max"`
		} `yaml:"ram"`
		Redis struct {
			Address   string `yaml:"address"`
			Password  string `yaml:"password"`
			DB        int    `yaml:"db" validate:"gte=0"`
			Namespace string `yaml:"namespace"`
		} `yaml:"redis"`
	} `yaml:"storage"`

	Precache struct {
		Manifest    string   `yaml:"manifest"`
		Pages       []string `yaml:"pages"`
		Assets      []string `yaml:"assets"`
		Concurrency int      `yaml:"concurrency" validate:"gte=0"`
		Sitemaps    []string `yaml:"sitemaps"`
		Discover    struct {
			Enabled  bool   `yaml:"enabled"`
			Selector string `yaml:"selector"`
		} `yaml:"discover"`
	} `yaml:"precache"`

	Offline struct {
		Document string `yaml:"document"`
	} `yaml:"offline"`

	Classifier struct {
		StaticPatterns []string `yaml:"staticPatterns"`
	} `yaml:"classifier"`

	Inject struct {
		KeyboardNav *bool `yaml:"keyboardNav"`
	} `yaml:"inject"`

	Lifecycle struct {
		SkipWaiting   *bool  `yaml:"skipWaiting"`
		SyncEvery     string `yaml:"syncEvery"`
		WatchConfig   *bool  `yaml:"watchConfig"`
		ShutdownGrace string `yaml:"shutdownGrace"`
	} `yaml:"lifecycle"`

	Logging struct {
		Level         string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
		LogStatsEvery string `yaml:"logStatsEvery"`
	} `yaml:"logging"`

	Metrics struct {
		Enabled *bool `yaml:"enabled"`
	} `yaml:"metrics"`

	// compiled
	basePath         string
	staticPatterns   []*regexp.Regexp
	ramMaxBytes      int64
	syncEveryDur     time.Duration
	shutdownGraceDur time.Duration
	logStatsEveryDur time.Duration
}

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, zerr.With(zerr.Wrap(err, "read config"), "path", path)
	}
	cfg, err := ParseConfig(b)
	if err != nil {
		return Config{}, zerr.With(err, "path", path)
	}
	return cfg, nil
}

// ParseConfig decodes YAML, applies defaults, validates and compiles the result.
func ParseConfig(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, zerr.Wrap(err, "decode config")
	}
	cfg.applyDefaults()

	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, zerr.Wrap(err, ErrInvalidConfig.Error())
	}
	if cfg.Storage.Backend == string(cachestore.KindRedis) && cfg.Storage.Redis.Address == "" {
		return Config{}, ErrRedisAddressUnset
	}
	if err := cfg.compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = defaultPort
	}
	c.Server.Origin = strings.TrimRight(strings.TrimSpace(c.Server.Origin), "/")
	if c.Cache.Version == "" {
		c.Cache.Version = defaultVersion
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = defaultBackend
	}
	if c.Storage.Path == "" {
		c.Storage.Path = defaultStoragePath
	}
	if c.Storage.RAM.Max == "" {
		c.Storage.RAM.Max = defaultRAMMax
	}
	if c.Precache.Pages == nil {
		c.Precache.Pages = []string{"/"}
	}
	if c.Precache.Assets == nil {
		c.Precache.Assets = []string{"/manifest.json", defaultOfflineDoc}
	}
	if c.Precache.Concurrency == 0 {
		c.Precache.Concurrency = defaultConcurrency
	}
	if c.Precache.Discover.Selector == "" {
		c.Precache.Discover.Selector = defaultSelector
	}
	if c.Offline.Document == "" {
		c.Offline.Document = defaultOfflineDoc
	}
	if len(c.Classifier.StaticPatterns) == 0 {
		c.Classifier.StaticPatterns = DefaultStaticPatterns()
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

func (c *Config) compile() error {
	c.basePath = cleanBasePath(c.Server.BasePath)

	c.staticPatterns = make([]*regexp.Regexp, 0, len(c.Classifier.StaticPatterns))
	for _, p := range c.Classifier.StaticPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return zerr.With(zerr.Wrap(err, "classifier.staticPatterns"), "pattern", p)
		}
		c.staticPatterns = append(c.staticPatterns, re)
	}

	ram, err := humanize.ParseBytes(strings.TrimSpace(c.Storage.RAM.Max))
	if err != nil || ram > math.MaxInt64 {
		return zerr.With(zerr.Wrap(ErrInvalidSize, "storage.ram.max"), "size", c.Storage.RAM.Max)
	}
	c.ramMaxBytes = int64(ram)

	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"lifecycle.syncEvery", c.Lifecycle.SyncEvery, &c.syncEveryDur},
		{"lifecycle.shutdownGrace", c.Lifecycle.ShutdownGrace, &c.shutdownGraceDur},
		{"logging.logStatsEvery", c.Logging.LogStatsEvery, &c.logStatsEveryDur},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return zerr.Wrap(err, d.name)
		}
		if v < 0 {
			return zerr.With(ErrInvalidConfig, "field", d.name)
		}
		*d.dst = v
	}
	if c.shutdownGraceDur == 0 {
		c.shutdownGraceDur = defaultShutdownGrace
	}
	return nil
}

// cleanBasePath returns "" for the site root, otherwise a path with a leading
// slash and no trailing slash.
func cleanBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" || p == "/" {
		return ""
	}
	p = path.Clean("/" + p)
	if p == "/" {
		return ""
	}
	return p
}

// BasePath is the scope the gateway intercepts, "/" for the site root.
func (c Config) BasePath() string {
	if c.basePath == "" {
		return "/"
	}
	return c.basePath
}

// Prefix is the naming prefix shared by every cache this site owns.
func (c Config) Prefix() string {
	if c.Cache.Prefix != "" {
		return c.Cache.Prefix
	}
	if c.basePath != "" {
		seg := strings.TrimPrefix(c.basePath, "/")
		if i := strings.IndexByte(seg, '/'); i >= 0 {
			seg = seg[:i]
		}
		if seg != "" {
			return seg
		}
	}
	return defaultPrefix
}

func (c Config) Version() string { return c.Cache.Version }

// CacheName is the install-time cache for the current version.
func (c Config) CacheName() string {
	return c.Prefix() + "-cache-" + c.Cache.Version
}

// RuntimeCacheName holds responses captured while serving.
func (c Config) RuntimeCacheName() string {
	return c.Prefix() + "-runtime-" + c.Cache.Version
}

// SitePath joins p onto the base path.
func (c Config) SitePath(p string) string {
	return c.basePath + "/" + strings.TrimPrefix(strings.TrimSpace(p), "/")
}

// OfflineDocument is the absolute path of the offline fallback page.
func (c Config) OfflineDocument() string {
	return c.SitePath(c.Offline.Document)
}

// CorePaths lists configured pages, then assets, then the offline document as
// absolute paths, without duplicates.
func (c Config) CorePaths() []string {
	var out []string
	seen := map[string]struct{}{}
	for _, group := range [][]string{c.Precache.Pages, c.Precache.Assets} {
		for _, p := range group {
			if strings.TrimSpace(p) == "" {
				continue
			}
			out = appendUnique(out, seen, c.SitePath(p))
		}
	}
	return appendUnique(out, seen, c.OfflineDocument())
}

func (c Config) StaticPatterns() []*regexp.Regexp { return c.staticPatterns }
func (c Config) RAMMaxBytes() int64               { return c.ramMaxBytes }
func (c Config) SyncEvery() time.Duration         { return c.syncEveryDur }
func (c Config) ShutdownGrace() time.Duration     { return c.shutdownGraceDur }
func (c Config) LogStatsEvery() time.Duration     { return c.logStatsEveryDur }

func (c Config) KeyboardNav() bool    { return boolOr(c.Inject.KeyboardNav, true) }
func (c Config) SkipWaiting() bool    { return boolOr(c.Lifecycle.SkipWaiting, true) }
func (c Config) WatchConfig() bool    { return boolOr(c.Lifecycle.WatchConfig, true) }
func (c Config) MetricsEnabled() bool { return boolOr(c.Metrics.Enabled, true) }

// BackendOptions maps the storage section onto cachestore options.
func (c Config) BackendOptions() cachestore.BackendOptions {
	return cachestore.BackendOptions{
		Kind: cachestore.Kind(c.Storage.Backend),
		Path: c.Storage.Path,
		Redis: cachestore.RedisOptions{
			Address:   c.Storage.Redis.Address,
			Password:  c.Storage.Redis.Password,
			DB:        c.Storage.Redis.DB,
			Namespace: c.Storage.Redis.Namespace,
		},
	}
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

func appendUnique(out []string, seen map[string]struct{}, s string) []string {
	if _, ok := seen[s]; ok {
		return out
	}
	seen[s] = struct{}{}
	return append(out, s)
}
