// Package metrics declares the Prometheus instruments shared by the balance,
// aggregate and import components. They register on the default registry and
// are served by the HTTP layer at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BalanceOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tally",
			Subsystem: "balance",
			Name:      "operations_total",
			Help:      "Balance coordinator operations by kind and result",
		},
		[]string{"op", "result"},
	)
	BalancePublishes = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tally",
			Subsystem: "balance",
			Name:      "publishes_total",
			Help:      "Balance table snapshots published to observers",
		},
	)
	SkippedLegs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tally",
			Subsystem: "balance",
			Name:      "skipped_legs_total",
			Help:      "Transaction legs skipped because the account is missing, manual or unresolved",
		},
		[]string{"reason"},
	)
	ReconciliationMismatches = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tally",
			Subsystem: "balance",
			Name:      "reconciliation_mismatches_total",
			Help:      "Accounts whose incremental balance disagreed with full recalculation",
		},
	)
	AggregateRebuilds = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tally",
			Subsystem: "aggregate",
			Name:      "rebuilds_total",
			Help:      "Full aggregate rebuilds by trigger",
		},
		[]string{"trigger"},
	)
	ImportRows = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tally",
			Subsystem: "import",
			Name:      "rows_total",
			Help:      "Import rows by outcome",
		},
		[]string{"outcome"},
	)
	ImportDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "tally",
			Subsystem: "import",
			Name:      "duration_seconds",
			Help:      "Wall time of complete import runs",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		},
	)
)
