package businessflow

import (
	"context"
	"errors"
	"testing"

	"github.com/amirphl/orochi-dispatch/app/services"
	"github.com/amirphl/orochi-dispatch/models"
	"github.com/amirphl/orochi-dispatch/utils"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubStatusProvider struct {
	statuses map[string]string
	err      error
	asked    []string
}

func (p *stubStatusProvider) FetchStatuses(_ context.Context, ids []string) ([]services.DeliveryStatus, error) {
	p.asked = append(p.asked, ids...)
	if p.err != nil {
		return nil, p.err
	}
	var out []services.DeliveryStatus
	for _, id := range ids {
		if st, ok := p.statuses[id]; ok {
			out = append(out, services.DeliveryStatus{ProviderMessageID: id, Status: st})
		}
	}
	return out, nil
}

func TestRefreshDeliveryStatuses(t *testing.T) {
	ctx := context.Background()
	env := newFlowEnv(t)
	c := env.addCampaign(tenant, models.CampaignStatusSending)
	env.addRecipients(c, 4, accepted("s"))
	env.addRecipients(c, 1, nil)
	env.addRecipients(c, 1, func(i int, r *models.CampaignRecipient) {
		accepted("done")(i, r)
		r.DeliveryStatus = utils.ToPtr("delivered")
	})

	provider := &stubStatusProvider{statuses: map[string]string{
		"s-0":    "Delivered",
		"s-1":    "FAILED",
		"s-2":    "sent",
		"done-0": "failed",
	}}
	flow := NewStatusRefreshFlow(fakeRecipientRepo{db: env.db}, provider, 0, zerolog.Nop())

	res, err := flow.RefreshDeliveryStatuses(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Checked)
	assert.Equal(t, 3, res.Updated)
	assert.Equal(t, 1, res.Delivered)
	assert.Equal(t, 1, res.Failed)
	assert.ElementsMatch(t, []string{"s-0", "s-1", "s-2", "s-3"}, provider.asked)

	counts, err := fakeRecipientRepo{db: env.db}.Counts(ctx, c.TenantID, c.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts.Delivered)
	assert.Equal(t, int64(1), counts.Failed)

	// an unchanged report is not written again
	res, err = flow.RefreshDeliveryStatuses(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Checked)
	assert.Zero(t, res.Updated)
}

func TestRefreshDeliveryStatuses_OpenRowsDoNotStarveOthers(t *testing.T) {
	ctx := context.Background()
	env := newFlowEnv(t)
	c := env.addCampaign(tenant, models.CampaignStatusSending)
	env.addRecipients(c, 3, accepted("s"))

	provider := &stubStatusProvider{statuses: map[string]string{
		"s-0": "queued",
		"s-1": "queued",
		"s-2": "delivered",
	}}
	flow := NewStatusRefreshFlow(fakeRecipientRepo{db: env.db}, provider, 2, zerolog.Nop())

	res, err := flow.RefreshDeliveryStatuses(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"s-0", "s-1"}, provider.asked)
	assert.Zero(t, res.Delivered)

	provider.asked = nil
	res, err = flow.RefreshDeliveryStatuses(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, provider.asked)
	assert.Equal(t, "s-2", provider.asked[0], "never checked rows go first")
	assert.Equal(t, 1, res.Delivered)

	counts, err := fakeRecipientRepo{db: env.db}.Counts(ctx, c.TenantID, c.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Delivered)

	// the remaining open rows keep alternating
	for range 3 {
		provider.asked = nil
		_, err = flow.RefreshDeliveryStatuses(ctx)
		require.NoError(t, err)
		assert.Len(t, provider.asked, 2)
	}
}

func TestRefreshDeliveryStatuses_ProviderError(t *testing.T) {
	env := newFlowEnv(t)
	c := env.addCampaign(tenant, models.CampaignStatusSending)
	env.addRecipients(c, 2, accepted("x"))

	flow := NewStatusRefreshFlow(fakeRecipientRepo{db: env.db}, &stubStatusProvider{err: errors.New("timeout")}, 10, zerolog.Nop())
	_, err := flow.RefreshDeliveryStatuses(context.Background())
	assert.Error(t, err)
}

func TestRefreshDeliveryStatuses_NothingToCheck(t *testing.T) {
	env := newFlowEnv(t)
	provider := &stubStatusProvider{}
	flow := NewStatusRefreshFlow(fakeRecipientRepo{db: env.db}, provider, 10, zerolog.Nop())

	res, err := flow.RefreshDeliveryStatuses(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Checked)
	assert.Empty(t, provider.asked)
}

func TestRefreshDeliveryStatuses_NoProvider(t *testing.T) {
	env := newFlowEnv(t)
	c := env.addCampaign(tenant, models.CampaignStatusSending)
	env.addRecipients(c, 2, accepted("x"))

	flow := NewStatusRefreshFlow(fakeRecipientRepo{db: env.db}, nil, 10, zerolog.Nop())
	res, err := flow.RefreshDeliveryStatuses(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Checked)
}
