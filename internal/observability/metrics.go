package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SearchesTotal  = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: "donor_matching", Name: "searches_total", Help: "Total proximity searches by outcome"}, []string{"outcome"})
	FallbacksTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "donor_matching", Name: "fallbacks_total", Help: "Searches answered from the fallback donor pool"})
	IndexErrors    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "donor_matching", Name: "index_errors_total", Help: "Geo index queries that failed or timed out"})
	SearchLatency  = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "donor_matching", Name: "search_latency_seconds", Help: "Search latency seconds", Buckets: prometheus.DefBuckets})
	GeoCacheHits   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "donor_matching", Name: "geo_cache_hits_total", Help: "Geo index cache hits"})
	GeoCacheMisses = promauto.NewCounter(prometheus.CounterOpts{Namespace: "donor_matching", Name: "geo_cache_misses_total", Help: "Geo index cache misses"})
	LocationEvents = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: "donor_matching", Name: "location_events_total", Help: "Donor location events by result"}, []string{"result"})
	AlertsSent     = promauto.NewCounter(prometheus.CounterOpts{Namespace: "donor_matching", Name: "request_alerts_sent_total", Help: "Blood request alerts delivered to connected donors"})
	AuditDropped   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "donor_matching", Name: "search_audit_dropped_total", Help: "Search audit rows dropped because the write queue was full"})
	DonorSessions  = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "donor_matching", Name: "donor_sessions", Help: "Connected donor websocket sessions"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "donor_matching", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "donor_matching",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
