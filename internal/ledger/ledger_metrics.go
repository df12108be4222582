package ledger

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// LedgerOpsTotal counts journal operations by category.
	LedgerOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "garant",
			Name:      "ledger_operations_total",
			Help:      "Total ledger operations by category.",
		},
		[]string{"category"},
	)

	// LedgerOpDuration observes operation latency by category.
	LedgerOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "garant",
			Name:      "ledger_operation_duration_seconds",
			Help:      "Ledger operation duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"category"},
	)

	// LedgerEscrowBalance tracks the current escrow lockbox balance.
	LedgerEscrowBalance = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "garant",
			Name:      "ledger_escrow_balance",
			Help:      "Current balance of the escrow lockbox account.",
		},
	)

	// LedgerCommissionBalance tracks accrued platform commission.
	LedgerCommissionBalance = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "garant",
			Name:      "ledger_commission_balance",
			Help:      "Accrued platform commission balance.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		LedgerOpsTotal,
		LedgerOpDuration,
		LedgerEscrowBalance,
		LedgerCommissionBalance,
	)
}

// observeOp increments the operation counter and returns a function to observe duration.
func observeOp(category string) func() {
	LedgerOpsTotal.WithLabelValues(category).Inc()
	start := time.Now()
	return func() {
		LedgerOpDuration.WithLabelValues(category).Observe(time.Since(start).Seconds())
	}
}
