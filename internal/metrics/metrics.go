// Package metrics defines the Prometheus counters and gauges exported
// at /metrics, in the package-level var + init()-registration style of
// FeatureBaseDB-featurebase's idk/metrics.go.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "dbsandbox"

var CounterInstancesCreated = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "instances_created_total",
		Help:      "Number of instances successfully created, by dialect.",
	},
	[]string{"dialect"},
)

var CounterInstancesDestroyed = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "instances_destroyed_total",
		Help:      "Number of instances destroyed, by dialect and reason.",
	},
	[]string{"dialect", "reason"},
)

var CounterQueriesExecuted = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "queries_executed_total",
		Help:      "Number of queries executed, by dialect and outcome.",
	},
	[]string{"dialect", "outcome"},
)

var HistogramQueryDurationSeconds = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "query_duration_seconds",
		Help:      "Query execution latency, by dialect.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"dialect"},
)

var GaugeHostContainersReady = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "host_containers_ready",
		Help:      "Current count of Ready host containers, by dialect.",
	},
	[]string{"dialect"},
)

var CounterPoolColdStarts = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pool_cold_starts_total",
		Help:      "Number of host containers spawned from a cold pull, by dialect.",
	},
	[]string{"dialect"},
)

var CounterBackupsCreated = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "backups_created_total",
		Help:      "Number of backups created, by dialect and trigger.",
	},
	[]string{"dialect", "trigger"},
)

var CounterReaperSweeps = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reaper_sweeps_total",
		Help:      "Number of reaper sweep ticks executed.",
	},
)

func init() {
	prometheus.MustRegister(
		CounterInstancesCreated,
		CounterInstancesDestroyed,
		CounterQueriesExecuted,
		HistogramQueryDurationSeconds,
		GaugeHostContainersReady,
		CounterPoolColdStarts,
		CounterBackupsCreated,
		CounterReaperSweeps,
	)
}
