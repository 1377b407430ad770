package opticache

import (
	"context"
	"strings"
	"sync/atomic"

	"go.trai.ch/zerr"
	"golang.org/x/sync/errgroup"

	"opticache/internal/logger"
)

// State is a worker's lifecycle state.
type State int32

const (
	StateInstalling State = iota
	StateInstalled
	StateActivating
	StateActive
	// StateRedundant marks a worker replaced by a newer one or whose install failed.
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActive:
		return "active"
	case StateRedundant:
		return "redundant"
	default:
		return "unknown"
	}
}

var ErrUnexpectedStatus = zerr.New("unexpected origin status")

func (w *Worker) State() State { return State(w.state.Load()) }

func (w *Worker) setState(s State) {
	if State(w.state.Swap(int32(s))) == s {
		return
	}
	w.rt.metrics.transition(s)
	w.log.Info("Worker state changed", logger.String("state", s.String()))
}

// onInstall pre-warms the install-time cache with the core assets. One asset
// failing does not fail the install.
func (w *Worker) onInstall(e *Event) {
	e.WaitUntil("precache", func(ctx context.Context) error {
		cache, err := w.rt.storage.Open(ctx, w.cacheName())
		if err != nil {
			return err
		}

		var stored atomic.Int64
		g := new(errgroup.Group)
		g.SetLimit(max(w.cfg.Precache.Concurrency, 1))
		for _, p := range w.core {
			g.Go(func() error {
				key := w.urls.key(p, "")
				ent, err := w.fetch(ctx, key, nil)
				if err == nil && !ent.OK() {
					err = zerr.With(ErrUnexpectedStatus, "status", ent.Status)
				}
				if err != nil {
					w.log.Warn("Failed to precache", logger.String("path", p), logger.Error(err))
					return nil
				}
				if err := w.store(ctx, cache.Name(), key, ent); err != nil {
					w.log.Warn("Failed to store core asset",
						logger.String("path", p),
						logger.String("cache", cache.Name()),
						logger.Error(err),
					)
					return nil
				}
				stored.Add(1)
				return nil
			})
		}
		_ = g.Wait()

		w.rt.metrics.addPrecached(int(stored.Load()))
		w.log.Info("Core assets cached",
			logger.String("cache", cache.Name()),
			logger.Int64("stored", stored.Load()),
			logger.Int("total", len(w.core)),
		)
		if w.cfg.SkipWaiting() {
			e.SkipWaiting()
		}
		return nil
	})
}

// onActivate deletes caches left behind by other versions, then takes over.
func (w *Worker) onActivate(e *Event) {
	e.WaitUntil("prune", func(ctx context.Context) error {
		deleted, err := w.deleteCaches(ctx, func(name string) bool {
			return name != w.cacheName() && name != w.runtimeName()
		})
		if err != nil {
			return err
		}
		w.log.Info("Pruned old caches", logger.Strings("deleted", deleted))
		e.Claim(w)
		return nil
	})
}

// deleteCaches removes every cache carrying this site's prefix that drop
// selects, and reports the names it removed.
func (w *Worker) deleteCaches(ctx context.Context, drop func(name string) bool) ([]string, error) {
	names, err := w.rt.storage.Names(ctx)
	if err != nil {
		return nil, zerr.Wrap(err, "list caches")
	}
	prefix := w.cfg.Prefix() + "-"
	var deleted []string
	for _, name := range names {
		if !strings.HasPrefix(name, prefix) || !drop(name) {
			continue
		}
		if _, err := w.rt.storage.Delete(ctx, name); err != nil {
			return deleted, zerr.With(zerr.Wrap(err, "delete cache"), "cache", name)
		}
		w.rt.metrics.cacheDeleted()
		w.log.Info("Deleted cache", logger.String("cache", name))
		deleted = append(deleted, name)
	}
	return deleted, nil
}
