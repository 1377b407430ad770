package opticache

import (
	"context"
	"sync/atomic"

	"go.trai.ch/zerr"
	"golang.org/x/sync/errgroup"

	"opticache/internal/logger"
)

func (w *Worker) onMessage(e *Event) {
	msg := e.Message
	switch msg.Type {
	case MessageSkipWaiting:
		e.WaitUntil("skip waiting", func(context.Context) error {
			w.rt.skipWaiting(w)
			return nil
		})
	case MessageClearCache:
		e.WaitUntil("clear cache", func(ctx context.Context) error {
			deleted, err := w.deleteCaches(ctx, func(string) bool { return true })
			if err != nil {
				return err
			}
			w.log.Info("Cleared caches", logger.Strings("deleted", deleted))
			return nil
		})
	case MessageCacheURLs:
		urls := append([]string(nil), msg.URLs...)
		e.WaitUntil("cache urls", func(ctx context.Context) error {
			w.cacheURLs(ctx, urls)
			return nil
		})
	default:
		w.log.Debug("Ignoring unknown message", logger.String("type", msg.Type))
	}
}

// cacheURLs adds the given URLs to the runtime cache. URLs on another host,
// failed fetches and error statuses are skipped.
func (w *Worker) cacheURLs(ctx context.Context, raw []string) {
	var stored atomic.Int64
	g := new(errgroup.Group)
	g.SetLimit(max(w.cfg.Precache.Concurrency, 1))
	for _, u := range raw {
		key, ok := w.urls.resolve(u)
		if !ok {
			w.log.Warn("Refusing to cache foreign URL", logger.String("url", u))
			continue
		}
		g.Go(func() error {
			ent, err := w.fetch(ctx, key, nil)
			if err == nil && !ent.OK() {
				err = zerr.With(ErrUnexpectedStatus, "status", ent.Status)
			}
			if err != nil {
				w.log.Warn("Failed to cache URL", logger.String("key", key), logger.Error(err))
				return nil
			}
			if err := w.store(ctx, w.runtimeName(), key, ent); err != nil {
				w.log.Warn("Failed to store URL", logger.String("key", key), logger.Error(err))
				return nil
			}
			stored.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	w.log.Info("Cached requested URLs",
		logger.Int64("stored", stored.Load()),
		logger.Int("requested", len(raw)),
	)
}

func (w *Worker) onSync(e *Event) {
	switch e.Tag {
	case SyncUpdateCache:
		e.WaitUntil("update cache", w.updateCache)
	default:
		w.log.Debug("Ignoring unknown sync tag", logger.String("tag", e.Tag))
	}
}

// updateCache refetches every entry of the install-time cache and rewrites
// the ones whose content changed.
func (w *Worker) updateCache(ctx context.Context) error {
	cache, err := w.rt.storage.Open(ctx, w.cacheName())
	if err != nil {
		return err
	}
	keys, err := cache.Keys(ctx)
	if err != nil {
		return zerr.With(zerr.Wrap(err, "list cache keys"), "cache", cache.Name())
	}

	var refreshed atomic.Int64
	g := new(errgroup.Group)
	g.SetLimit(max(w.cfg.Precache.Concurrency, 1))
	for _, key := range keys {
		g.Go(func() error {
			ent, err := w.fetch(ctx, key, nil)
			if err != nil || !ent.OK() {
				w.log.Debug("Update skipped", logger.String("key", key), logger.Int("status", ent.Status), logger.Error(err))
				return nil
			}
			if cur, ok, err := cache.Match(ctx, key); err == nil && ok && cur.Hash64 == ent.Hash64 {
				return nil
			}
			if err := w.store(ctx, cache.Name(), key, ent); err != nil {
				w.log.Warn("Failed to update entry", logger.String("key", key), logger.Error(err))
				return nil
			}
			refreshed.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	w.rt.metrics.addRefreshed(int(refreshed.Load()))
	w.log.Info("Install cache updated",
		logger.Int("checked", len(keys)),
		logger.Int64("refreshed", refreshed.Load()),
	)
	return nil
}
