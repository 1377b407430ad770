package opticache

import (
	"context"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync/atomic"
	"time"

	"go.trai.ch/zerr"

	"opticache/internal/cachestore"
	"opticache/internal/logger"
)

// Handler handles one event kind.
type Handler func(e *Event)

// Worker is one version of the gateway: a config, its cache names and the
// handlers run for its events. Workers are created by Runtime.Register.
type Worker struct {
	cfg        Config
	urls       siteURLs
	classifier *Classifier
	core       []string
	offlineKey string
	proxy      *httputil.ReverseProxy

	rt       *Runtime
	log      logger.Logger
	state    atomic.Int32
	handlers map[EventKind]Handler
}

func (rt *Runtime) newWorker(cfg Config, core []string) (*Worker, error) {
	urls, err := newSiteURLs(cfg.Server.Origin, cfg.basePath)
	if err != nil {
		return nil, zerr.With(zerr.Wrap(err, "parse origin"), "origin", cfg.Server.Origin)
	}
	w := &Worker{
		cfg:        cfg,
		urls:       urls,
		classifier: NewClassifier(cfg.StaticPatterns()),
		core:       core,
		offlineKey: urls.key(cfg.OfflineDocument(), ""),
		proxy:      newPassthroughProxy(urls.origin, rt.log),
		rt:         rt,
		log: rt.log.With(
			logger.String("version", cfg.Version()),
			logger.String("prefix", cfg.Prefix()),
		),
	}
	w.handlers = map[EventKind]Handler{
		EventInstall:  w.onInstall,
		EventActivate: w.onActivate,
		EventFetch:    w.onFetch,
		EventMessage:  w.onMessage,
		EventSync:     w.onSync,
	}
	return w, nil
}

func (w *Worker) dispatch(e *Event) {
	h, ok := w.handlers[e.Kind]
	if !ok {
		w.log.Debug("No handler for event", logger.String("event", string(e.Kind)))
		return
	}
	h(e)
}

func (w *Worker) Config() Config  { return w.cfg }
func (w *Worker) Version() string { return w.cfg.Version() }

func (w *Worker) CoreAssets() []string {
	out := make([]string, len(w.core))
	copy(out, w.core)
	return out
}

func (w *Worker) cacheName() string   { return w.cfg.CacheName() }
func (w *Worker) runtimeName() string { return w.cfg.RuntimeCacheName() }

// fetch goes to the network and records the outcome.
func (w *Worker) fetch(ctx context.Context, key string, header http.Header) (cachestore.Entry, error) {
	start := time.Now()
	ent, err := w.rt.fetcher.Fetch(ctx, key, header)
	w.rt.metrics.observeFetch(ent.Status, err, time.Since(start))
	return ent, err
}

// match looks key up in every cache. Storage errors count as a miss.
func (w *Worker) match(ctx context.Context, key string) (cachestore.Entry, bool) {
	ent, ok, err := w.rt.storage.Match(ctx, key)
	if err != nil {
		w.rt.bgLog.Warn("Cache lookup failed", logger.String("key", key), logger.Error(err))
		return cachestore.Entry{}, false
	}
	return ent, ok
}

// store writes into the named cache and counts the outcome. Callers log.
func (w *Worker) store(ctx context.Context, cache, key string, ent cachestore.Entry) error {
	err := w.rt.storage.Cache(cache).Put(ctx, key, ent)
	w.rt.metrics.observeCacheWrite(err)
	return err
}

// storeLogged is store for writes made on behalf of fetches, where a failing
// backend would otherwise log once per request.
func (w *Worker) storeLogged(ctx context.Context, cache, key string, ent cachestore.Entry) {
	if err := w.store(ctx, cache, key, ent); err != nil {
		w.rt.bgLog.Warn("Cache write failed",
			logger.String("cache", cache),
			logger.String("key", key),
			logger.Error(err),
		)
	}
}

// putRuntime stores ent in the runtime cache after the handler has returned.
// A failed write never changes the response.
func (w *Worker) putRuntime(e *Event, key string, ent cachestore.Entry) {
	e.WaitUntil("cache put", func(ctx context.Context) error {
		w.storeLogged(ctx, w.runtimeName(), key, ent)
		return nil
	})
}

func newPassthroughProxy(origin *url.URL, log logger.Logger) *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(origin)
			pr.SetXForwarded()
			pr.Out.Host = origin.Host
		},
		ModifyResponse: func(resp *http.Response) error {
			setMarker(resp.Header, SourceBypass)
			return nil
		},
		ErrorHandler: func(rw http.ResponseWriter, r *http.Request, err error) {
			log.Warn("Passthrough failed",
				logger.String("method", r.Method),
				logger.String("path", r.URL.Path),
				logger.Error(err),
			)
			setMarker(rw.Header(), SourceBypass)
			http.Error(rw, "bad gateway", http.StatusBadGateway)
		},
	}
}
