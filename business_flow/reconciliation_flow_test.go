package businessflow

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/amirphl/orochi-dispatch/app/dto"
	"github.com/amirphl/orochi-dispatch/app/services"
	"github.com/amirphl/orochi-dispatch/models"
	"github.com/amirphl/orochi-dispatch/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReconcileCampaign_FinalizesFinishedCampaign(t *testing.T) {
	ctx := context.Background()
	env := newFlowEnv(t)
	env.setWallet(tenant, 500)
	c := env.addCampaign(tenant, models.CampaignStatusSending)
	env.addRecipients(c, 100, func(i int, r *models.CampaignRecipient) {
		accepted("p")(i, r)
		if i < 60 {
			r.DeliveryStatus = utils.ToPtr("DELIVERED")
		} else {
			r.DeliveryStatus = utils.ToPtr("failed")
			r.Status = models.RecipientStatusFailed
		}
	})
	_, err := env.ledger.Reserve(ctx, tenant, 100, ReserveOptions{CampaignID: &c.ID, IdempotencyKey: "campaign-run"})
	require.NoError(t, err)

	resp, err := env.reconcile.ReconcileCampaign(ctx, &dto.ReconcileCampaignRequest{TenantID: tenant, CampaignID: c.ID})
	require.NoError(t, err)
	require.True(t, resp.OK)

	assert.Equal(t, dto.ReconcileActionFinalized, resp.Action)
	require.NotNil(t, resp.FinalStatus)
	assert.Equal(t, models.CampaignStatusCompleted, *resp.FinalStatus)
	assert.Equal(t, int64(60), resp.Metrics.Delivery.Delivered)
	assert.Equal(t, int64(40), resp.Metrics.Delivery.FailedDelivery)

	after := env.campaign(c.ID)
	assert.Equal(t, models.CampaignStatusCompleted, after.Status)
	assert.NotNil(t, after.FinishedAt)

	res := env.reservations()
	require.Len(t, res, 1)
	assert.Equal(t, models.ReservationStatusReleased, res[0].Status)
	assert.Equal(t, utils.ReleaseReasonTerminal, *res[0].ReleaseReason)
	assert.Zero(t, env.wallet(tenant).ReservedBalance)
	assert.Equal(t, string(dto.ReconcileActionFinalized), env.db.metadata[c.ID][models.MetadataLastReconcileAction])

	again, err := env.reconcile.ReconcileCampaign(ctx, &dto.ReconcileCampaignRequest{TenantID: tenant, CampaignID: c.ID})
	require.NoError(t, err)
	assert.Equal(t, dto.ReconcileActionNoop, again.Action)
	assert.Equal(t, models.CampaignStatusCompleted, again.Status)
}

func TestReconcileCampaign_FinalStatus(t *testing.T) {
	tests := []struct {
		name  string
		rows  int
		stale bool
		setup func(i int, r *models.CampaignRecipient)
		want  models.CampaignStatus
	}{
		{
			name: "every recipient failed",
			rows: 10,
			setup: func(i int, r *models.CampaignRecipient) {
				accepted("f")(i, r)
				r.DeliveryStatus = utils.ToPtr("undelivered")
			},
			want: models.CampaignStatusFailed,
		},
		{
			name: "one delivery among failures",
			rows: 10,
			setup: func(i int, r *models.CampaignRecipient) {
				accepted("m")(i, r)
				r.DeliveryStatus = utils.ToPtr("failure")
				if i == 0 {
					r.DeliveryStatus = utils.ToPtr("ok")
				}
			},
			want: models.CampaignStatusCompleted,
		},
		{
			name:  "stale campaign without recipients",
			stale: true,
			want:  models.CampaignStatusFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newFlowEnv(t)
			c := env.addCampaign(tenant, models.CampaignStatusSending)
			env.addRecipients(c, tt.rows, tt.setup)
			if tt.stale {
				env.ageCampaign(c.ID, time.Hour)
			}

			resp, err := env.reconcile.ReconcileCampaign(context.Background(), &dto.ReconcileCampaignRequest{CampaignID: c.ID})
			require.NoError(t, err)
			assert.Equal(t, dto.ReconcileActionFinalized, resp.Action)
			assert.Equal(t, tt.want, env.campaign(c.ID).Status)
		})
	}
}

func TestReconcileCampaign_FreshCampaignIsLeftAlone(t *testing.T) {
	env := newFlowEnv(t)
	c := env.addCampaign(tenant, models.CampaignStatusSending)
	env.addRecipients(c, 20, nil)

	resp, err := env.reconcile.ReconcileCampaign(context.Background(), &dto.ReconcileCampaignRequest{TenantID: tenant, CampaignID: c.ID})
	require.NoError(t, err)
	assert.Equal(t, dto.ReconcileActionNoop, resp.Action)
	assert.False(t, resp.Stale)
	assert.Equal(t, int64(20), resp.PendingRecipients)
	assert.Empty(t, env.waitingJobs(t))
}

func TestReconcileCampaign_RequeuesStalledBatchOnce(t *testing.T) {
	ctx := context.Background()
	env := newFlowEnv(t)
	c := env.addCampaign(tenant, models.CampaignStatusSending)
	env.addRecipients(c, 900, func(i int, r *models.CampaignRecipient) {
		if i < 500 {
			accepted("ok")(i, r)
		}
	})
	env.ageCampaign(c.ID, 20*time.Minute)
	req := &dto.ReconcileCampaignRequest{TenantID: tenant, CampaignID: c.ID}

	resp, err := env.reconcile.ReconcileCampaign(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, dto.ReconcileActionRequeued, resp.Action)
	assert.True(t, resp.Stale)
	assert.Equal(t, int64(400), resp.PendingRecipients)
	assert.Equal(t, 1, resp.Enqueued)

	jobs := env.waitingJobs(t)
	require.Len(t, jobs, 1)
	assert.Len(t, jobs[0].Data.RecipientRowIDs, 400)

	// touched, so no longer stale
	resp, err = env.reconcile.ReconcileCampaign(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, dto.ReconcileActionNoop, resp.Action)

	// stale again but the job is still queued
	env.ageCampaign(c.ID, 20*time.Minute)
	resp, err = env.reconcile.ReconcileCampaign(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, dto.ReconcileActionNoop, resp.Action)
	assert.Len(t, env.waitingJobs(t), 1)

	// the job finished without updating rows; the same recipient set is not submitted again
	env.queue.move(jobs[0].ID, services.JobStateCompleted, "")
	env.ageCampaign(c.ID, 20*time.Minute)
	staleSince := env.campaign(c.ID).UpdatedAt
	audits := len(env.audits(models.AuditActionCampaignRequeued))
	require.Equal(t, 1, audits)

	for range 2 {
		resp, err = env.reconcile.ReconcileCampaign(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, dto.ReconcileActionNoop, resp.Action)
		assert.Zero(t, resp.Enqueued)
		assert.Equal(t, 1, resp.Skipped)
	}
	assert.Empty(t, env.waitingJobs(t))
	assert.Equal(t, staleSince, env.campaign(c.ID).UpdatedAt)
	assert.Len(t, env.audits(models.AuditActionCampaignRequeued), audits)
	assert.Equal(t, string(dto.ReconcileActionRequeued), env.db.metadata[c.ID][models.MetadataLastReconcileAction])
}

func TestReconcileCampaign_NotFound(t *testing.T) {
	env := newFlowEnv(t)
	c := env.addCampaign(tenant+1, models.CampaignStatusSending)

	resp, err := env.reconcile.ReconcileCampaign(context.Background(), &dto.ReconcileCampaignRequest{TenantID: tenant, CampaignID: c.ID})
	require.NoError(t, err)
	assert.False(t, resp.OK)
	assert.Equal(t, ReasonNotFound, resp.Reason)
}

func TestSweep(t *testing.T) {
	ctx := context.Background()
	env := newFlowEnv(t)
	env.setWallet(tenant, 100)

	done := env.addCampaign(tenant, models.CampaignStatusSending)
	env.addRecipients(done, 5, func(i int, r *models.CampaignRecipient) {
		accepted("d")(i, r)
		r.DeliveryStatus = utils.ToPtr("delivered")
	})
	running := env.addCampaign(tenant, models.CampaignStatusSending)
	env.addRecipients(running, 5, nil)
	env.addCampaign(tenant, models.CampaignStatusDraft)

	_, err := env.ledger.Reserve(ctx, tenant, 40, ReserveOptions{IdempotencyKey: "orphan", ExpiresAt: time.Now().Add(-time.Minute)})
	require.NoError(t, err)

	old := &models.IdempotencyRecord{TenantID: tenant, Operation: models.OperationCancelCampaign, Key: "old"}
	_, err = fakeIdempotencyRepo{db: env.db}.Claim(ctx, old)
	require.NoError(t, err)
	env.db.mu.Lock()
	env.db.idempotency[old.ID].Status = models.IdempotencyStatusCompleted
	env.db.idempotency[old.ID].CompletedAt = utils.ToPtr(time.Now().Add(-2 * time.Hour))
	env.db.mu.Unlock()

	first, err := env.reconcile.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, first.Examined)
	assert.Equal(t, 1, first.Finalized)
	assert.Zero(t, first.Requeued)
	assert.Equal(t, 1, first.ExpiredReservations)
	assert.Equal(t, int64(1), first.PurgedIdempotency)
	assert.Zero(t, env.wallet(tenant).ReservedBalance)
	assert.Equal(t, models.CampaignStatusCompleted, env.campaign(done.ID).Status)

	second, err := env.reconcile.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, second.Examined)
	assert.Equal(t, 1, second.CoolingDown)
	assert.Zero(t, second.ExpiredReservations)

	env.mr.FastForward(utils.DefaultReconcileCooldown + time.Second)
	third, err := env.reconcile.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, third.Examined)
}

func TestSweep_CooledDownCampaignsDoNotStarveOthers(t *testing.T) {
	ctx := context.Background()
	env := newFlowEnv(t)
	flow := env.reconcileWith(ReconciliationConfig{SweepLimit: 2})

	var running []*models.Campaign
	for range 5 {
		c := env.addCampaign(tenant, models.CampaignStatusSending)
		env.addRecipients(c, 1, accepted(fmt.Sprintf("c%d", c.ID)))
		running = append(running, c)
	}

	first, err := flow.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, first.Examined)
	assert.Zero(t, first.CoolingDown)

	// the first two are cooling down; the rest are reached in the next sweeps
	second, err := flow.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, second.Examined)

	third, err := flow.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, third.Examined)
	assert.Equal(t, 4, third.CoolingDown, "wraps around once and stops")

	for _, c := range running {
		assert.True(t, env.mr.Exists(fmt.Sprintf("test:campaign:reconcile:cooldown:%d", c.ID)), "campaign %d was reconciled", c.ID)
		assert.Equal(t, models.CampaignStatusSending, env.campaign(c.ID).Status)
	}
}

func TestSweep_DropsAbandonedIdempotencyClaims(t *testing.T) {
	ctx := context.Background()
	env := newFlowEnv(t)
	env.setSubscription(tenant, 100, 0)
	env.resolver.set(3)
	c := env.addCampaign(tenant, models.CampaignStatusDraft)

	orphan := &models.IdempotencyRecord{TenantID: tenant, Operation: models.OperationEnqueueCampaign, Key: "k"}
	_, err := fakeIdempotencyRepo{db: env.db}.Claim(ctx, orphan)
	require.NoError(t, err)
	env.db.mu.Lock()
	env.db.idempotency[orphan.ID].CreatedAt = time.Now().Add(-7 * 24 * time.Hour)
	env.db.mu.Unlock()

	res, err := env.reconcile.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.AbandonedClaims)

	resp, err := env.dispatch.EnqueueCampaign(ctx, &dto.EnqueueCampaignRequest{TenantID: tenant, CampaignID: c.ID, IdempotencyKey: "k"})
	require.NoError(t, err)
	require.True(t, resp.OK, resp.Reason)
	assert.Equal(t, models.CampaignStatusSending, env.campaign(c.ID).Status)
}
