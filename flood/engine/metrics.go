package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var evaluationCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "flood_evaluations",
	Help: "Number of quota evaluations, by outcome",
}, []string{"result"})

var evaluationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name: "flood_evaluation_duration_sec",
	Help: "Total duration of quota evaluations",
})

var itemsExcluded = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "flood_items_excluded",
	Help: "Number of tracked items excluded from quota counts, by reason",
}, []string{"reason"})

var janitorEvicted = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "flood_janitor_evicted",
	Help: "Number of expired records evicted by the janitor",
}, []string{"store"})

var janitorAuthorErrors = promauto.NewCounter(prometheus.CounterOpts{
	Name: "flood_janitor_author_errors",
	Help: "Number of per-author evictions which failed during janitor sweeps",
})

func init() {
	// export a zero for every reason, so rate queries see reasons which haven't happened yet
	for _, r := range AllExclusionReasons {
		itemsExcluded.WithLabelValues(string(r))
	}
}
