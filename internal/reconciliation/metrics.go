package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileUnloggedRows = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ledgersync",
		Subsystem: "reconciliation",
		Name:      "unlogged_rows",
		Help:      "Number of mirror rows with no transaction log entry found in last reconciliation run.",
	})

	reconcileVersionDrift = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ledgersync",
		Subsystem: "reconciliation",
		Name:      "version_drift",
		Help:      "Number of mirror rows whose current sync token was never logged, from last reconciliation run.",
	})

	reconcileOrphanedEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ledgersync",
		Subsystem: "reconciliation",
		Name:      "orphaned_entries",
		Help:      "Number of logged entities missing from the mirror found in last reconciliation run.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ledgersync",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ledgersync",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation check errors.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileUnloggedRows,
		reconcileVersionDrift,
		reconcileOrphanedEntries,
		reconcileDuration,
		reconcileErrors,
	)
}
