package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amirphl/orochi-dispatch/app/dto"
	"github.com/amirphl/orochi-dispatch/app/middleware"
	businessflow "github.com/amirphl/orochi-dispatch/business_flow"
	"github.com/amirphl/orochi-dispatch/models"
)

type fakeDispatchFlow struct {
	reason    string
	err       error
	enqueue   *dto.EnqueueCampaignRequest
	cancel    *dto.CancelCampaignRequest
	schedule  *dto.ScheduleCampaignRequest
	prepared  *dto.PrepareCampaignRequest
	metricsOf *dto.GetCampaignMetricsRequest
}

func (f *fakeDispatchFlow) PrepareCampaign(_ context.Context, req *dto.PrepareCampaignRequest) (*dto.PrepareCampaignResponse, error) {
	f.prepared = req
	if f.err != nil {
		return nil, f.err
	}
	return &dto.PrepareCampaignResponse{OK: f.reason == "", Reason: f.reason, CampaignID: req.CampaignID, RecipientCount: 10, CanSend: true}, nil
}

func (f *fakeDispatchFlow) EnqueueCampaign(_ context.Context, req *dto.EnqueueCampaignRequest) (*dto.EnqueueCampaignResponse, error) {
	f.enqueue = req
	if f.err != nil {
		return nil, f.err
	}
	return &dto.EnqueueCampaignResponse{OK: f.reason == "", Reason: f.reason, CampaignID: req.CampaignID, Status: models.CampaignStatusSending}, nil
}

func (f *fakeDispatchFlow) CancelCampaign(_ context.Context, req *dto.CancelCampaignRequest) (*dto.CancelCampaignResponse, error) {
	f.cancel = req
	if f.err != nil {
		return nil, f.err
	}
	return &dto.CancelCampaignResponse{OK: f.reason == "", Reason: f.reason, CampaignID: req.CampaignID}, nil
}

func (f *fakeDispatchFlow) ScheduleCampaign(_ context.Context, req *dto.ScheduleCampaignRequest) (*dto.ScheduleCampaignResponse, error) {
	f.schedule = req
	if f.err != nil {
		return nil, f.err
	}
	return &dto.ScheduleCampaignResponse{OK: f.reason == "", Reason: f.reason, CampaignID: req.CampaignID, ScheduleType: req.ScheduleType}, nil
}

func (f *fakeDispatchFlow) GetCampaignMetrics(_ context.Context, req *dto.GetCampaignMetricsRequest) (*dto.GetCampaignMetricsResponse, error) {
	f.metricsOf = req
	if f.err != nil {
		return nil, f.err
	}
	return &dto.GetCampaignMetricsResponse{OK: f.reason == "", Reason: f.reason, CampaignID: req.CampaignID}, nil
}

func (f *fakeDispatchFlow) DispatchClaimed(context.Context, *models.Campaign, models.CampaignStatus) (*dto.EnqueueCampaignResponse, error) {
	return nil, errors.New("not used by the API")
}

type fakeReconcileFlow struct {
	req *dto.ReconcileCampaignRequest
}

func (f *fakeReconcileFlow) ReconcileCampaign(_ context.Context, req *dto.ReconcileCampaignRequest) (*dto.ReconcileCampaignResponse, error) {
	f.req = req
	return &dto.ReconcileCampaignResponse{OK: true, CampaignID: req.CampaignID, Action: dto.ReconcileActionNoop}, nil
}

func (f *fakeReconcileFlow) Sweep(context.Context) (*businessflow.SweepResult, error) {
	return &businessflow.SweepResult{}, nil
}

type apiBody struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Error   struct {
		Code string `json:"code"`
	} `json:"error"`
}

func newTestApp(dispatch *fakeDispatchFlow, reconcile *fakeReconcileFlow, tenantID uint) *fiber.App {
	app := fiber.New()
	api := app.Group("/api/v1", func(c fiber.Ctx) error {
		if tenantID != 0 {
			c.Locals(middleware.LocalTenantID, tenantID)
		}
		return c.Next()
	})
	NewCampaignDispatchHandler(dispatch, reconcile, time.Second, zerolog.Nop()).Register(api)
	return app
}

func do(t *testing.T, app *fiber.App, method, path, body string, headers map[string]string) (int, apiBody) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var parsed apiBody
	require.NoError(t, json.Unmarshal(raw, &parsed))
	return resp.StatusCode, parsed
}

func TestEnqueuePassesTenantAndIdempotencyKey(t *testing.T) {
	dispatch := &fakeDispatchFlow{}
	app := newTestApp(dispatch, &fakeReconcileFlow{}, 9)

	status, body := do(t, app, http.MethodPost, "/api/v1/campaigns/55/enqueue", "", map[string]string{IdempotencyHeader: "req-1"})
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, body.Success)

	require.NotNil(t, dispatch.enqueue)
	assert.Equal(t, uint(9), dispatch.enqueue.TenantID)
	assert.Equal(t, uint(55), dispatch.enqueue.CampaignID)
	assert.Equal(t, "req-1", dispatch.enqueue.IdempotencyKey)
}

func TestRejectionReasonStatus(t *testing.T) {
	tests := []struct {
		reason string
		want   int
	}{
		{businessflow.ReasonNotFound, http.StatusNotFound},
		{businessflow.ReasonInvalidStatus, http.StatusConflict},
		{businessflow.ReasonAlreadySending, http.StatusConflict},
		{businessflow.ReasonRequestInProgress, http.StatusConflict},
		{businessflow.ReasonInsufficientCredits, http.StatusPaymentRequired},
		{businessflow.ReasonSubscriptionRequired, http.StatusPaymentRequired},
		{businessflow.ReasonNoRecipients, http.StatusUnprocessableEntity},
		{businessflow.ReasonScheduleInPast, http.StatusUnprocessableEntity},
		{"something_new", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.reason, func(t *testing.T) {
			app := newTestApp(&fakeDispatchFlow{reason: tt.reason}, &fakeReconcileFlow{}, 1)
			status, body := do(t, app, http.MethodPost, "/api/v1/campaigns/3/cancel", "", nil)
			assert.Equal(t, tt.want, status)
			assert.False(t, body.Success)
			assert.Equal(t, tt.reason, body.Error.Code)
			assert.NotEmpty(t, body.Message)
		})
	}
}

func TestIdentifyFailures(t *testing.T) {
	dispatch := &fakeDispatchFlow{}

	status, body := do(t, newTestApp(dispatch, &fakeReconcileFlow{}, 0), http.MethodGet, "/api/v1/campaigns/3/metrics", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "MISSING_TENANT_ID", body.Error.Code)

	status, body = do(t, newTestApp(dispatch, &fakeReconcileFlow{}, 1), http.MethodGet, "/api/v1/campaigns/abc/metrics", "", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "INVALID_CAMPAIGN_ID", body.Error.Code)

	status, _ = do(t, newTestApp(dispatch, &fakeReconcileFlow{}, 1), http.MethodGet, "/api/v1/campaigns/0/metrics", "", nil)
	assert.Equal(t, http.StatusBadRequest, status)

	assert.Nil(t, dispatch.metricsOf)
}

func TestScheduleValidation(t *testing.T) {
	dispatch := &fakeDispatchFlow{}
	app := newTestApp(dispatch, &fakeReconcileFlow{}, 4)

	status, body := do(t, app, http.MethodPost, "/api/v1/campaigns/8/schedule", `{"schedule_type":"weekly"}`, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "VALIDATION_ERROR", body.Error.Code)
	assert.Nil(t, dispatch.schedule)

	status, body = do(t, app, http.MethodPost, "/api/v1/campaigns/8/schedule", `{not json`, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "INVALID_REQUEST", body.Error.Code)

	at := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
	status, body = do(t, app, http.MethodPost, "/api/v1/campaigns/8/schedule",
		`{"schedule_at":"2030-01-02T03:04:05Z","schedule_type":"recurring"}`, map[string]string{IdempotencyHeader: "s-1"})
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, body.Success)
	require.NotNil(t, dispatch.schedule)
	assert.True(t, at.Equal(dispatch.schedule.ScheduleAt))
	assert.Equal(t, models.ScheduleTypeRecurring, dispatch.schedule.ScheduleType)
	assert.Equal(t, "s-1", dispatch.schedule.IdempotencyKey)
}

func TestFlowErrors(t *testing.T) {
	validation := businessflow.NewBusinessError("VALIDATION_FAILED", "Invalid prepare request", errors.New("bad"))
	status, body := do(t, newTestApp(&fakeDispatchFlow{err: validation}, &fakeReconcileFlow{}, 1), http.MethodPost, "/api/v1/campaigns/2/prepare", "", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "VALIDATION_ERROR", body.Error.Code)

	status, body = do(t, newTestApp(&fakeDispatchFlow{err: errors.New("db down")}, &fakeReconcileFlow{}, 1), http.MethodPost, "/api/v1/campaigns/2/prepare", "", nil)
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "INTERNAL_ERROR", body.Error.Code)
}

func TestReconcileAndPrepareRoutes(t *testing.T) {
	dispatch := &fakeDispatchFlow{}
	reconcile := &fakeReconcileFlow{}
	app := newTestApp(dispatch, reconcile, 6)

	status, _ := do(t, app, http.MethodPost, "/api/v1/campaigns/12/reconcile", "", nil)
	assert.Equal(t, http.StatusOK, status)
	require.NotNil(t, reconcile.req)
	assert.Equal(t, uint(6), reconcile.req.TenantID)
	assert.Equal(t, uint(12), reconcile.req.CampaignID)

	status, body := do(t, app, http.MethodPost, "/api/v1/campaigns/12/prepare", "", nil)
	assert.Equal(t, http.StatusOK, status)
	var preview dto.PrepareCampaignResponse
	require.NoError(t, json.Unmarshal(body.Data, &preview))
	assert.Equal(t, int64(10), preview.RecipientCount)
	assert.True(t, preview.CanSend)
}
