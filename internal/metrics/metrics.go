package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "offlinegate",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests handled by offlinegate",
		},
		[]string{"route", "method", "code"},
	)

	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "offlinegate",
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests handled by offlinegate",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)

	cacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "offlinegate",
			Name:      "cache_hits_total",
			Help:      "Total responses served from a cache store",
		},
		[]string{"policy"},
	)

	cacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "offlinegate",
			Name:      "cache_misses_total",
			Help:      "Total cache lookups that found no entry",
		},
		[]string{"policy"},
	)

	cacheFallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "offlinegate",
			Name:      "cache_fallbacks_total",
			Help:      "Total cached responses served because the network failed",
		},
		[]string{"policy"},
	)

	networkFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "offlinegate",
			Name:      "network_failures_total",
			Help:      "Total origin fetches that failed at the transport",
		},
		[]string{"policy"},
	)

	revalidations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "offlinegate",
			Name:      "revalidations_total",
			Help:      "Background stale-while-revalidate refreshes by result",
		},
		[]string{"result"},
	)

	seedFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "offlinegate",
			Name:      "seed_failures_total",
			Help:      "Seed URLs that could not be cached at install",
		},
		[]string{"store"},
	)

	evictedStores = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "offlinegate",
			Name:      "evicted_stores_total",
			Help:      "Cache stores deleted on activation",
		},
	)

	lifecycleState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "offlinegate",
			Name:      "lifecycle_state",
			Help:      "Lifecycle state of each cache version (0 uninitialized, 1 installing, 2 active, 3 superseded)",
		},
		[]string{"store"},
	)
)

var initOnce sync.Once

// Init registers every collector with the default registry. Safe to call more
// than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			requestTotal,
			requestDuration,
			cacheHits,
			cacheMisses,
			cacheFallbacks,
			networkFailures,
			revalidations,
			seedFailures,
			evictedStores,
			lifecycleState,
		)
	})
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func ObserveRequest(route, method, code string, d time.Duration) {
	requestTotal.WithLabelValues(route, method, code).Inc()
	requestDuration.WithLabelValues(route, method).Observe(d.Seconds())
}

func IncCacheHit(policy string) {
	cacheHits.WithLabelValues(policy).Inc()
}

func IncCacheMiss(policy string) {
	cacheMisses.WithLabelValues(policy).Inc()
}

func IncCacheFallback(policy string) {
	cacheFallbacks.WithLabelValues(policy).Inc()
}

func IncNetworkFailure(policy string) {
	networkFailures.WithLabelValues(policy).Inc()
}

func IncRevalidation(result string) {
	revalidations.WithLabelValues(result).Inc()
}

func IncSeedFailure(store string) {
	seedFailures.WithLabelValues(store).Inc()
}

func IncEvictedStore() {
	evictedStores.Inc()
}

func SetLifecycleState(store string, state float64) {
	lifecycleState.WithLabelValues(store).Set(state)
}
