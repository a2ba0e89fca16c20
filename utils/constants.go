package utils

import (
	"time"
)

// Dispatch defaults
const (
	// DefaultBatchSize is the number of recipient rows carried by one broker job
	DefaultBatchSize = 500

	// RecipientInsertChunk bounds a single bulk insert of recipient rows
	RecipientInsertChunk = 10000

	// DefaultReservationTTL is how long a credit hold lives before it becomes reclaimable
	DefaultReservationTTL = 24 * time.Hour

	// DefaultJobAttempts and DefaultJobBackoff are handed to the broker per batch job
	DefaultJobAttempts = 5
	DefaultJobBackoff  = 3 * time.Second

	// CompletedJobScanWindow is how many recently completed jobs the duplicate scan inspects
	CompletedJobScanWindow = 100

	// BatchJobName is the broker job name consumed by the send worker
	BatchJobName = "campaign-batch-send"

	// ClaimAttempts bounds how often enqueue chases a campaign whose status keeps changing under it
	ClaimAttempts = 3
)

// Reconciliation defaults
const (
	DefaultStaleThreshold         = 15 * time.Minute
	DefaultReconcileCooldown      = 180 * time.Second
	DefaultReservationMaxAge      = 48 * time.Hour
	DefaultReconcileSweepLimit    = 50
	DefaultDueCampaignLimit       = 50
	DefaultStatusRefreshBatchSize = 500
	// DefaultIdempotencyLease is how long an unfinished request keeps its idempotency key
	DefaultIdempotencyLease = time.Minute
)

// Release reasons recorded on credit reservations
const (
	ReleaseReasonTerminal     = "campaign_reconciled_terminal"
	ReleaseReasonCancelled    = "campaign_cancelled"
	ReleaseReasonExpired      = "expired_reconciliation"
	ReleaseReasonEnqueueError = "enqueue_failed"
)

type contextKey string

// RequestIDKey carries the caller's request id through context into audit rows
const RequestIDKey contextKey = "request_id"
