package opticache

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the Prometheus side of the gateway. A nil *Metrics records nothing.
type Metrics struct {
	requests      *prometheus.CounterVec
	originFetches *prometheus.CounterVec
	fetchDuration prometheus.Histogram
	cacheWrites   *prometheus.CounterVec
	cachesDeleted prometheus.Counter
	ramEvictions  prometheus.Counter
	transitions   *prometheus.CounterVec
	precached     prometheus.Counter
	refreshed     prometheus.Counter
	responseBytes prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		requests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "opticache_requests_total",
				Help: "Intercepted requests by traffic class and response source",
			},
			[]string{"class", "source"},
		),
		originFetches: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "opticache_origin_fetches_total",
				Help: "Origin fetches by outcome",
			},
			[]string{"result"}, // "2xx", "3xx", "4xx", "5xx", "error"
		),
		fetchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "opticache_origin_fetch_duration_seconds",
			Help:    "Origin fetch latency",
			Buckets: prometheus.DefBuckets,
		}),
		cacheWrites: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "opticache_cache_writes_total",
				Help: "Cache writes by result",
			},
			[]string{"result"}, // "ok", "error"
		),
		cachesDeleted: f.NewCounter(prometheus.CounterOpts{
			Name: "opticache_caches_deleted_total",
			Help: "Caches deleted by activation pruning or CLEAR_CACHE",
		}),
		ramEvictions: f.NewCounter(prometheus.CounterOpts{
			Name: "opticache_ram_evictions_total",
			Help: "Entries evicted from the RAM tier",
		}),
		transitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "opticache_lifecycle_transitions_total",
				Help: "Worker lifecycle transitions by target state",
			},
			[]string{"state"},
		),
		precached: f.NewCounter(prometheus.CounterOpts{
			Name: "opticache_precached_total",
			Help: "Core assets stored during install",
		}),
		refreshed: f.NewCounter(prometheus.CounterOpts{
			Name: "opticache_refreshed_total",
			Help: "Install cache entries rewritten by update-cache because their content changed",
		}),
		responseBytes: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "opticache_response_bytes",
			Help:    "Body size of responses served from the caches or the network",
			Buckets: prometheus.ExponentialBuckets(512, 4, 8), // 512B .. 8MiB
		}),
	}
}

// RegisterRAMGauges exposes the RAM tier usage reported by usage.
func (m *Metrics) RegisterRAMGauges(reg prometheus.Registerer, usage func() (int64, int)) {
	if m == nil {
		return
	}
	f := promauto.With(reg)
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "opticache_ram_bytes",
		Help: "Bytes held by the RAM tier",
	}, func() float64 {
		b, _ := usage()
		return float64(b)
	})
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "opticache_ram_items",
		Help: "Entries held by the RAM tier",
	}, func() float64 {
		_, n := usage()
		return float64(n)
	})
}

// observeRequest counts a handled fetch. A nil resp was proxied to the origin.
func (m *Metrics) observeRequest(class TrafficClass, resp *Response) {
	if m == nil {
		return
	}
	if resp == nil {
		m.requests.WithLabelValues(class.String(), string(SourceBypass)).Inc()
		return
	}
	m.requests.WithLabelValues(class.String(), string(resp.Source)).Inc()
	switch resp.Source {
	case SourceCache, SourceNetwork:
		m.responseBytes.Observe(float64(len(resp.Body)))
	}
}

func (m *Metrics) observeFetch(status int, err error, took time.Duration) {
	if m == nil {
		return
	}
	m.fetchDuration.Observe(took.Seconds())
	if err != nil {
		m.originFetches.WithLabelValues("error").Inc()
		return
	}
	m.originFetches.WithLabelValues(fmt.Sprintf("%dxx", status/100)).Inc()
}

func (m *Metrics) observeCacheWrite(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.cacheWrites.WithLabelValues("error").Inc()
		return
	}
	m.cacheWrites.WithLabelValues("ok").Inc()
}

func (m *Metrics) cacheDeleted() {
	if m == nil {
		return
	}
	m.cachesDeleted.Inc()
}

// RAMEvicted counts entries dropped by the RAM tier.
func (m *Metrics) RAMEvicted(n int) {
	if m == nil {
		return
	}
	m.ramEvictions.Add(float64(n))
}

func (m *Metrics) transition(s State) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(s.String()).Inc()
}

func (m *Metrics) addPrecached(n int) {
	if m == nil {
		return
	}
	m.precached.Add(float64(n))
}

func (m *Metrics) addRefreshed(n int) {
	if m == nil {
		return
	}
	m.refreshed.Add(float64(n))
}
