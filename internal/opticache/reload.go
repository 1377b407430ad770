package opticache

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.trai.ch/zerr"

	"opticache/internal/logger"
)

const reloadDebounce = 250 * time.Millisecond

// WatchConfig registers a new worker whenever the config file at path is
// rewritten with a different cache version. It returns once the watch is set
// up; the watch ends with ctx.
func (rt *Runtime) WatchConfig(ctx context.Context, path string) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return zerr.Wrap(err, "create config watcher")
	}
	// editors replace files, so watch the directory
	dir := filepath.Dir(path)
	if err := fw.Add(dir); err != nil {
		_ = fw.Close()
		return zerr.With(zerr.Wrap(err, "watch config dir"), "dir", dir)
	}

	target := filepath.Clean(path)
	rt.loops.Add(1)
	go func() {
		defer rt.loops.Done()
		defer fw.Close()

		var timer *time.Timer
		var fire <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case <-rt.stopCh:
				return
			case ev, ok := <-fw.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(reloadDebounce)
				} else {
					timer.Reset(reloadDebounce)
				}
				fire = timer.C
			case <-fire:
				fire = nil
				rt.reload(ctx, path)
			case err, ok := <-fw.Errors:
				if !ok {
					return
				}
				rt.log.Warn("Config watcher error", logger.Error(err))
			}
		}
	}()
	return nil
}

func (rt *Runtime) reload(ctx context.Context, path string) {
	cfg, err := LoadConfig(path)
	if err != nil {
		rt.log.Warn("Ignoring invalid config", logger.String("path", path), logger.Error(err))
		return
	}
	if w := rt.Active(); w != nil && w.Version() == cfg.Version() {
		rt.log.Info("Config changed without a version bump, keeping worker",
			logger.String("version", cfg.Version()),
		)
		return
	}
	rt.log.Info("New version detected, registering worker", logger.String("version", cfg.Version()))
	if _, err := rt.Register(ctx, cfg); err != nil {
		rt.log.Error("Registering new worker failed", logger.Error(err))
	}
}
