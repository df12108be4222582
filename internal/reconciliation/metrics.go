package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileLedgerMismatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "garant",
		Subsystem: "reconciliation",
		Name:      "ledger_mismatches",
		Help:      "Whether the last run found a ledger invariant violation (0 or 1).",
	})

	reconcileEscrowMismatch = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "garant",
		Subsystem: "reconciliation",
		Name:      "escrow_mismatch",
		Help:      "Whether the escrow balance diverged from open deal totals in the last run (0 or 1).",
	})

	reconcileOpenDisputes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "garant",
		Subsystem: "reconciliation",
		Name:      "open_disputes",
		Help:      "Number of disputed deals awaiting arbitration at last run.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "garant",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "garant",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation check errors.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileLedgerMismatches,
		reconcileEscrowMismatch,
		reconcileOpenDisputes,
		reconcileDuration,
		reconcileErrors,
	)
}
