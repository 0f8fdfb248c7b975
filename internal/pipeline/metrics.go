package pipeline

import "github.com/prometheus/client_golang/prometheus"

const (
	MetricRowsExtracted = "rows_extracted_total"
	MetricRowsFiltered  = "rows_filtered_total"
	MetricRowsLoaded    = "rows_loaded_total"
	MetricLoadFailures  = "load_failures_total"
	MetricSchemaChanges = "schema_changes_total"
	MetricRunDuration   = "run_duration_seconds"
)

var CounterRowsExtracted = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "siphon",
		Name:      MetricRowsExtracted,
		Help:      "Records fetched from the source API.",
	},
	[]string{"resource"},
)

var CounterRowsFiltered = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "siphon",
		Name:      MetricRowsFiltered,
		Help:      "Records dropped by the incremental cursor.",
	},
	[]string{"resource"},
)

var CounterRowsLoaded = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "siphon",
		Name:      MetricRowsLoaded,
		Help:      "Rows committed to the destination.",
	},
	[]string{"resource", "disposition"},
)

var CounterLoadFailures = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "siphon",
		Name:      MetricLoadFailures,
		Help:      "Resources whose extract or load failed.",
	},
	[]string{"resource"},
)

var CounterSchemaChanges = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "siphon",
		Name:      MetricSchemaChanges,
		Help:      "Tables created or widened by a load.",
	},
	[]string{"table"},
)

var HistogramRunDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "siphon",
		Name:      MetricRunDuration,
		Help:      "Wall time of complete pipeline runs.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
	},
)

func init() {
	prometheus.MustRegister(CounterRowsExtracted)
	prometheus.MustRegister(CounterRowsFiltered)
	prometheus.MustRegister(CounterRowsLoaded)
	prometheus.MustRegister(CounterLoadFailures)
	prometheus.MustRegister(CounterSchemaChanges)
	prometheus.MustRegister(HistogramRunDuration)
}
