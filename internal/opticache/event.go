package opticache

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/google/uuid"

	"opticache/internal/logger"
)

// EventKind keys the worker's dispatch table.
type EventKind string

const (
	EventInstall  EventKind = "install"
	EventActivate EventKind = "activate"
	EventFetch    EventKind = "fetch"
	EventMessage  EventKind = "message"
	EventSync     EventKind = "sync"
)

// Message is a control command posted to a worker.
type Message struct {
	Type string   `json:"type"`
	URLs []string `json:"urls,omitempty"`
}

const (
	MessageSkipWaiting = "SKIP_WAITING"
	MessageClearCache  = "CLEAR_CACHE"
	MessageCacheURLs   = "CACHE_URLS"
)

// SyncUpdateCache refreshes the install-time cache from the origin.
const SyncUpdateCache = "update-cache"

// Event is one dispatch to a worker handler.
//
// Work that has to outlive the handler must be registered with WaitUntil.
// It then runs under the runtime's lifetime, not the request's, and shutdown
// waits for it.
type Event struct {
	ID      string
	Kind    EventKind
	Request *http.Request
	Message Message
	Tag     string

	ctx context.Context
	rt  *Runtime

	wg sync.WaitGroup

	mu          sync.Mutex
	response    *Response
	errs        []error
	skipWaiting bool
	claimed     bool
}

func newEvent(ctx context.Context, rt *Runtime, kind EventKind) *Event {
	return &Event{
		ID:   uuid.NewString(),
		Kind: kind,
		ctx:  ctx,
		rt:   rt,
	}
}

// Context is cancelled when the caller of the event goes away.
func (e *Event) Context() context.Context { return e.ctx }

// WaitUntil runs fn in the background and keeps the event, and the runtime,
// alive until it returns. Once the runtime is closing, fn is not started and
// WaitUntil reports false.
func (e *Event) WaitUntil(name string, fn func(ctx context.Context) error) bool {
	if !e.rt.acquire() {
		e.rt.log.Debug("Dropping background work after shutdown",
			logger.String("event_id", e.ID),
			logger.String("work", name),
		)
		return false
	}
	e.wg.Add(1)
	go func() {
		defer e.rt.release()
		defer e.wg.Done()

		ctx, cancel := context.WithTimeout(e.rt.lifetime, e.rt.extensionTimeout)
		defer cancel()

		if err := fn(ctx); err != nil {
			e.mu.Lock()
			e.errs = append(e.errs, err)
			e.mu.Unlock()
			e.rt.bgLog.Warn("Background work failed",
				logger.String("event_id", e.ID),
				logger.String("event", string(e.Kind)),
				logger.String("work", name),
				logger.Error(err),
			)
		}
	}()
	return true
}

// Wait blocks until every WaitUntil registered so far has returned.
func (e *Event) Wait() error {
	e.wg.Wait()
	e.mu.Lock()
	defer e.mu.Unlock()
	return errors.Join(e.errs...)
}

// RespondWith sets the answer to a fetch event. A fetch event nobody responds
// to goes to the origin untouched.
func (e *Event) RespondWith(resp *Response) {
	e.mu.Lock()
	e.response = resp
	e.mu.Unlock()
}

func (e *Event) Response() *Response {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.response
}

// SkipWaiting asks for the worker to be activated without waiting.
func (e *Event) SkipWaiting() {
	e.mu.Lock()
	e.skipWaiting = true
	e.mu.Unlock()
}

func (e *Event) skipWaitingRequested() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.skipWaiting
}

// Claim routes subsequent fetches to the worker handling this activate event.
func (e *Event) Claim(w *Worker) {
	e.mu.Lock()
	e.claimed = true
	e.mu.Unlock()
	e.rt.claim(w)
}

func (e *Event) wasClaimed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.claimed
}
