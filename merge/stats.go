package merge

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// queryDuration records per-(ddoc, index) merge query elapsed time, the
// global timing stat named in §9 design notes.
var queryDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "viewmerge",
		Name:      "query_duration_seconds",
		Help:      "Elapsed time of a merge coordinator query, by design document and index.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"ddoc", "index"},
)

func init() {
	prometheus.MustRegister(queryDuration)
}

// PrometheusStatsObserver is the default StatsObserver, backed by a
// Prometheus histogram keyed by design-document id and index name.
type PrometheusStatsObserver struct{}

// Record implements StatsObserver.
func (PrometheusStatsObserver) Record(ddocID, indexName string, elapsed time.Duration) {
	queryDuration.WithLabelValues(ddocID, indexName).Observe(elapsed.Seconds())
}

// NopStatsObserver discards all measurements; it is the default used by
// tests that don't care about timing stats.
type NopStatsObserver struct{}

// Record implements StatsObserver.
func (NopStatsObserver) Record(string, string, time.Duration) {}
