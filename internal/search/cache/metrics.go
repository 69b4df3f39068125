package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "search_cache_hits_total",
		Help: "Search fingerprint lookups satisfied by the cache.",
	})

	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "search_cache_misses_total",
		Help: "Search fingerprint lookups that fell through to the backend.",
	})

	cacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "search_cache_evictions_total",
		Help: "Entries evicted because the cache was at capacity.",
	})
)
