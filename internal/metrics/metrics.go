// Package metrics holds the Prometheus collectors for transcriptd.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ResultsTotal counts results returned by the pipeline, by source and path.
	ResultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcriptd_results_total",
		Help: "Total number of retrieval results, by source and delivery path (sync/update).",
	}, []string{"source", "path"})

	CacheLookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcriptd_cache_lookups_total",
		Help: "Total number of cache lookups, by outcome (hit/miss/expired).",
	}, []string{"outcome"})

	CacheEvictionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcriptd_cache_evictions_total",
		Help: "Total number of cache entries removed, by reason (expired/sweep/invalidate/clear).",
	}, []string{"reason"})

	ActivePolls = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "transcriptd_active_polls",
		Help: "Current number of live background completion polls.",
	})

	PollOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcriptd_poll_outcomes_total",
		Help: "Total number of finished polls, by outcome (complete/error/timeout/cancelled/superseded).",
	}, []string{"outcome"})

	PrefetchJobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcriptd_prefetch_jobs_total",
		Help: "Total number of prefetch jobs, by final state.",
	}, []string{"state"})
)

// IncResult records a result handed to a caller.
func IncResult(source, path string) {
	if source == "" {
		source = "unknown"
	}
	ResultsTotal.WithLabelValues(source, path).Inc()
}

func IncCacheLookup(outcome string) {
	CacheLookupsTotal.WithLabelValues(outcome).Inc()
}

func AddCacheEvictions(reason string, n int) {
	if n <= 0 {
		return
	}
	CacheEvictionsTotal.WithLabelValues(reason).Add(float64(n))
}

func IncPollOutcome(outcome string) {
	PollOutcomesTotal.WithLabelValues(outcome).Inc()
}

func IncPrefetchJob(state string) {
	PrefetchJobsTotal.WithLabelValues(state).Inc()
}

var EventDropsTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "transcriptd_event_drops_total",
	Help: "Total number of update events dropped because a subscriber was full.",
})
