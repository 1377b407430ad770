package opticache

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"go.trai.ch/zerr"

	"opticache/internal/cachestore"
	"opticache/internal/logger"
)

const (
	defaultExtensionTimeout = 5 * time.Minute
	backgroundLogInterval   = time.Minute
)

var (
	ErrNoWorker      = zerr.New("no worker registered")
	ErrInstallFailed = zerr.New("worker install failed")
)

// Options configures a Runtime.
type Options struct {
	Storage *cachestore.Storage
	Fetcher Fetcher
	Logger  logger.Logger
	Metrics *Metrics
	// ExtensionTimeout bounds each piece of work registered with Event.WaitUntil.
	ExtensionTimeout time.Duration
}

// Runtime hosts workers. It owns the cache storage, decides which worker
// controls fetches and keeps background work alive until it completes.
type Runtime struct {
	storage *cachestore.Storage
	fetcher Fetcher
	log     logger.Logger
	bgLog   *logger.RateLimited
	metrics *Metrics

	lifetime         context.Context
	cancel           context.CancelFunc
	extensionTimeout time.Duration
	work             workTracker

	registerMu sync.Mutex

	mu      sync.RWMutex
	active  *Worker
	waiting *Worker

	stopCh   chan struct{}
	stopOnce sync.Once
	loops    sync.WaitGroup
}

func NewRuntime(opts Options) *Runtime {
	log := opts.Logger
	if log == nil {
		log = logger.NewNop()
	}
	timeout := opts.ExtensionTimeout
	if timeout <= 0 {
		timeout = defaultExtensionTimeout
	}
	lifetime, cancel := context.WithCancel(context.Background())
	return &Runtime{
		storage:          opts.Storage,
		fetcher:          opts.Fetcher,
		log:              log,
		bgLog:            logger.NewRateLimited(log, backgroundLogInterval),
		metrics:          opts.Metrics,
		lifetime:         lifetime,
		cancel:           cancel,
		extensionTimeout: timeout,
		stopCh:           make(chan struct{}),
	}
}

func (rt *Runtime) Storage() *cachestore.Storage { return rt.storage }

// Register installs a worker for cfg. It becomes active right away when the
// install asks to skip waiting or when no worker is active yet; otherwise it
// waits for a SKIP_WAITING message.
func (rt *Runtime) Register(ctx context.Context, cfg Config) (*Worker, error) {
	rt.registerMu.Lock()
	defer rt.registerMu.Unlock()

	core, err := CoreAssets(cfg)
	if err != nil {
		return nil, err
	}
	w, err := rt.newWorker(cfg, core)
	if err != nil {
		return nil, err
	}

	w.setState(StateInstalling)
	install := newEvent(rt.lifetime, rt, EventInstall)
	w.dispatch(install)
	if err := waitEvent(ctx, install); err != nil {
		w.setState(StateRedundant)
		return nil, zerr.With(zerr.Wrap(err, ErrInstallFailed.Error()), "version", cfg.Version())
	}
	w.setState(StateInstalled)

	if install.skipWaitingRequested() || rt.Active() == nil {
		rt.activate(w)
		return w, nil
	}

	rt.mu.Lock()
	prev := rt.waiting
	rt.waiting = w
	rt.mu.Unlock()
	if prev != nil && prev != w {
		prev.setState(StateRedundant)
	}
	w.log.Info("Worker installed, waiting for SKIP_WAITING")
	return w, nil
}

func (rt *Runtime) activate(w *Worker) {
	w.setState(StateActivating)
	ev := newEvent(rt.lifetime, rt, EventActivate)
	w.dispatch(ev)
	if err := ev.Wait(); err != nil {
		w.log.Warn("Activation finished with errors", logger.Error(err))
	}
	if !ev.wasClaimed() {
		rt.claim(w)
	}
	w.setState(StateActive)
}

// claim makes w the worker that handles fetches.
func (rt *Runtime) claim(w *Worker) {
	rt.mu.Lock()
	old := rt.active
	rt.active = w
	if rt.waiting == w {
		rt.waiting = nil
	}
	rt.mu.Unlock()
	if old != nil && old != w {
		old.setState(StateRedundant)
	}
}

// skipWaiting activates w if it is still the waiting worker.
func (rt *Runtime) skipWaiting(w *Worker) {
	rt.registerMu.Lock()
	defer rt.registerMu.Unlock()
	if rt.Waiting() != w {
		return
	}
	rt.activate(w)
}

func (rt *Runtime) Active() *Worker {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.active
}

func (rt *Runtime) Waiting() *Worker {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.waiting
}

// PostMessage delivers msg without waiting for its effects. SKIP_WAITING goes
// to the waiting worker, everything else to the active one.
func (rt *Runtime) PostMessage(msg Message) (*Event, error) {
	msg.Type = strings.ToUpper(strings.TrimSpace(msg.Type))
	var w *Worker
	if msg.Type == MessageSkipWaiting {
		w = rt.Waiting()
	}
	if w == nil {
		w = rt.Active()
	}
	if w == nil {
		return nil, ErrNoWorker
	}
	ev := newEvent(rt.lifetime, rt, EventMessage)
	ev.Message = msg
	w.dispatch(ev)
	return ev, nil
}

// Sync fires a sync event with tag at the active worker.
func (rt *Runtime) Sync(tag string) (*Event, error) {
	w := rt.Active()
	if w == nil {
		return nil, ErrNoWorker
	}
	ev := newEvent(rt.lifetime, rt, EventSync)
	ev.Tag = tag
	w.dispatch(ev)
	return ev, nil
}

// ServeHTTP dispatches a fetch event to the active worker. Requests the
// worker does not respond to are proxied to the origin.
func (rt *Runtime) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	w := rt.Active()
	if w == nil {
		setMarker(rw.Header(), SourceUnavailable)
		http.Error(rw, "no active worker", http.StatusServiceUnavailable)
		return
	}
	ev := newEvent(r.Context(), rt, EventFetch)
	ev.Request = r
	w.dispatch(ev)
	if resp := ev.Response(); resp != nil {
		writeResponse(rw, resp)
		return
	}
	w.proxy.ServeHTTP(rw, r)
}

// StartSyncLoop fires update-cache every interval until Close.
func (rt *Runtime) StartSyncLoop(every time.Duration) {
	if every <= 0 {
		return
	}
	rt.loops.Add(1)
	go func() {
		defer rt.loops.Done()
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-rt.stopCh:
				return
			case <-t.C:
				if _, err := rt.Sync(SyncUpdateCache); err != nil {
					rt.log.Debug("Skipping periodic sync", logger.Error(err))
				}
			}
		}
	}()
}

// StartStatsLoop logs a cache summary every interval until Close.
func (rt *Runtime) StartStatsLoop(every time.Duration) {
	if every <= 0 {
		return
	}
	rt.loops.Add(1)
	go func() {
		defer rt.loops.Done()
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-rt.stopCh:
				return
			case <-t.C:
				rt.logStats()
			}
		}
	}()
}

func (rt *Runtime) logStats() {
	names, err := rt.storage.Names(rt.lifetime)
	if err != nil {
		rt.log.Warn("Stats: listing caches failed", logger.Error(err))
		return
	}
	ramBytes, ramItems := rt.storage.RAMUsage()
	rt.log.Info("Cache stats",
		logger.Int("caches", len(names)),
		logger.String("ram_usage", humanize.IBytes(uint64(max(ramBytes, 0)))),
		logger.Int("ram_items", ramItems),
	)
}

// Drain waits for all background work registered so far.
func (rt *Runtime) Drain(ctx context.Context) error {
	return rt.work.wait(ctx)
}

// Close stops the loops, refuses new background work and waits for the
// running work until ctx is done. Whatever is left is then cancelled.
func (rt *Runtime) Close(ctx context.Context) error {
	rt.stopOnce.Do(func() { close(rt.stopCh) })
	rt.loops.Wait()
	rt.work.close()
	err := rt.work.wait(ctx)
	rt.cancel()
	return err
}

func (rt *Runtime) acquire() bool { return rt.work.acquire() }
func (rt *Runtime) release()      { rt.work.release() }

// waitEvent waits for e's background work or for ctx, whichever ends first.
func waitEvent(ctx context.Context, e *Event) error {
	done := make(chan error, 1)
	go func() { done <- e.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// workTracker counts running background work. Unlike a WaitGroup it can be
// waited on while new work keeps arriving.
type workTracker struct {
	mu     sync.Mutex
	n      int
	closed bool
	idle   chan struct{} // closed when n drops back to zero
}

func (t *workTracker) acquire() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	if t.n == 0 {
		t.idle = make(chan struct{})
	}
	t.n++
	return true
}

func (t *workTracker) release() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.n--
	if t.n == 0 {
		close(t.idle)
	}
}

func (t *workTracker) close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
}

func (t *workTracker) wait(ctx context.Context) error {
	t.mu.Lock()
	if t.n == 0 {
		t.mu.Unlock()
		return nil
	}
	idle := t.idle
	t.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
