package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Lease attempts by task and result (acquired, held, error)
	lockAcquisitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_lock_acquisitions_total",
			Help: "Total number of scheduler lease attempts by task and result",
		},
		[]string{"task", "result"},
	)

	taskRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_task_runs_total",
			Help: "Total number of scheduler task runs by task and result",
		},
		[]string{"task", "result"},
	)

	taskDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scheduler_task_duration_seconds",
			Help:    "Duration of scheduler task runs",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"task"},
	)

	// Due campaigns by outcome: ok, lost, error or a rejection reason
	dueCampaignsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_due_campaigns_total",
			Help: "Total number of due campaigns handled by outcome",
		},
		[]string{"outcome"},
	)
)
