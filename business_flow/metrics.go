package businessflow

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Batch submissions partitioned by outcome (enqueued, skipped, failed)
	dispatchBatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_batches_total",
			Help: "Total number of campaign batch submissions by outcome",
		},
		[]string{"outcome"},
	)

	// Enqueue calls partitioned by result; "ok" or a rejection reason or "error"
	enqueueResultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_enqueue_results_total",
			Help: "Total number of campaign enqueue attempts by result",
		},
		[]string{"result"},
	)

	reconcileActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_reconcile_actions_total",
			Help: "Total number of reconciliation decisions by action",
		},
		[]string{"action"},
	)

	// Ledger operations partitioned by operation and result
	ledgerOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_ledger_operations_total",
			Help: "Total number of credit ledger operations",
		},
		[]string{"op", "result"},
	)

	duplicateScanErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_duplicate_scan_errors_total",
			Help: "Broker scans that failed and were skipped",
		},
	)

	rollbackFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_rollback_failures_total",
			Help: "Status rollbacks that failed and left a campaign sending",
		},
	)

	statusRefreshUpdatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_status_refresh_updates_total",
			Help: "Recipient rows updated from provider delivery reports",
		},
		[]string{"status"},
	)
)
