package opticache

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"opticache/internal/logger"
)

// ControlPrefix is reserved for the gateway's own endpoints. Everything else
// is dispatched to the active worker.
const ControlPrefix = "/_opticache"

const maxControlBody = 1 << 20

// NewRouter wires the control endpoints in front of the runtime.
//
// Routes:
//   - GET  /_opticache/healthz - liveness
//   - GET  /_opticache/metrics - Prometheus metrics, when gatherer is set
//   - GET  /_opticache/status  - workers and caches
//   - POST /_opticache/message - post a control message
//   - POST /_opticache/sync    - fire a sync event (?tag=, default update-cache)
//   - /*                       - fetch events
func NewRouter(rt *Runtime, gatherer prometheus.Gatherer, log logger.Logger) http.Handler {
	if log == nil {
		log = logger.NewNop()
	}
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(log))
	r.Use(middleware.Recoverer)

	h := &controlHandler{rt: rt, log: log}
	r.Route(ControlPrefix, func(r chi.Router) {
		r.Get("/healthz", h.health)
		if gatherer != nil {
			r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
		}
		r.Get("/status", h.status)
		r.Post("/message", h.message)
		r.Post("/sync", h.sync)
	})

	r.Handle("/*", rt)
	return r
}

// requestLogger logs every request once it completes. Control endpoints are
// logged at debug level.
func requestLogger(log logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			fields := []logger.Field{
				logger.String("request_id", middleware.GetReqID(r.Context())),
				logger.String("method", r.Method),
				logger.String("path", r.URL.Path),
				logger.Int("status", ww.Status()),
				logger.Int("bytes", ww.BytesWritten()),
				logger.String("source", ww.Header().Get(markerHeader)),
				logger.Duration("duration", time.Since(start)),
			}
			if strings.HasPrefix(r.URL.Path, ControlPrefix+"/") {
				log.Debug("Request completed", fields...)
				return
			}
			log.Info("Request completed", fields...)
		})
	}
}

type controlHandler struct {
	rt  *Runtime
	log logger.Logger
}

type workerStatus struct {
	Version string `json:"version"`
	State   string `json:"state"`
}

type cacheStatus struct {
	Name    string `json:"name"`
	Entries int    `json:"entries"`
}

type statusResponse struct {
	Active   *workerStatus `json:"active"`
	Waiting  *workerStatus `json:"waiting,omitempty"`
	Caches   []cacheStatus `json:"caches"`
	RAMBytes int64         `json:"ram_bytes"`
	RAMItems int           `json:"ram_items"`
}

type acceptedResponse struct {
	EventID string `json:"event_id"`
}

func (h *controlHandler) health(w http.ResponseWriter, _ *http.Request) {
	if h.rt.Active() == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "no active worker"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *controlHandler) status(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := statusResponse{
		Active:  describeWorker(h.rt.Active()),
		Waiting: describeWorker(h.rt.Waiting()),
		Caches:  []cacheStatus{},
	}

	names, err := h.rt.storage.Names(ctx)
	if err != nil {
		h.log.Warn("Status: listing caches failed", logger.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "listing caches failed"})
		return
	}
	for _, name := range names {
		keys, err := h.rt.storage.Cache(name).Keys(ctx)
		if err != nil {
			h.log.Warn("Status: listing keys failed", logger.String("cache", name), logger.Error(err))
			continue
		}
		resp.Caches = append(resp.Caches, cacheStatus{Name: name, Entries: len(keys)})
	}
	resp.RAMBytes, resp.RAMItems = h.rt.storage.RAMUsage()

	writeJSON(w, http.StatusOK, resp)
}

func (h *controlHandler) message(w http.ResponseWriter, r *http.Request) {
	var msg Message
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxControlBody)).Decode(&msg); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid message body"})
		return
	}
	if strings.TrimSpace(msg.Type) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "message type is required"})
		return
	}
	ev, err := h.rt.PostMessage(msg)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, acceptedResponse{EventID: ev.ID})
}

func (h *controlHandler) sync(w http.ResponseWriter, r *http.Request) {
	tag := r.URL.Query().Get("tag")
	if tag == "" {
		tag = SyncUpdateCache
	}
	ev, err := h.rt.Sync(tag)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, acceptedResponse{EventID: ev.ID})
}

func describeWorker(w *Worker) *workerStatus {
	if w == nil {
		return nil
	}
	return &workerStatus{Version: w.Version(), State: w.State().String()}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
