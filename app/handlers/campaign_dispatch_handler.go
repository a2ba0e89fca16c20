package handlers

import (
	"context"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/requestid"
	"github.com/rs/zerolog"

	"github.com/amirphl/orochi-dispatch/app/dto"
	"github.com/amirphl/orochi-dispatch/app/middleware"
	businessflow "github.com/amirphl/orochi-dispatch/business_flow"
	"github.com/amirphl/orochi-dispatch/models"
	"github.com/amirphl/orochi-dispatch/utils"
)

// IdempotencyHeader carries the caller's idempotency key for mutating calls
const IdempotencyHeader = "Idempotency-Key"

// CampaignDispatchHandler serves the dispatch operations to the storefront application
type CampaignDispatchHandler struct {
	dispatch  businessflow.CampaignDispatchFlow
	reconcile businessflow.ReconciliationFlow
	validator *validator.Validate
	timeout   time.Duration
	logger    zerolog.Logger
}

// ScheduleBody is the JSON body of a schedule call
type ScheduleBody struct {
	ScheduleAt   time.Time           `json:"schedule_at" validate:"required"`
	ScheduleType models.ScheduleType `json:"schedule_type,omitempty" validate:"omitempty,oneof=scheduled recurring"`
}

// NewCampaignDispatchHandler creates a new campaign dispatch handler
func NewCampaignDispatchHandler(
	dispatch businessflow.CampaignDispatchFlow,
	reconcile businessflow.ReconciliationFlow,
	timeout time.Duration,
	logger zerolog.Logger,
) *CampaignDispatchHandler {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &CampaignDispatchHandler{
		dispatch:  dispatch,
		reconcile: reconcile,
		validator: validator.New(validator.WithRequiredStructEnabled()),
		timeout:   timeout,
		logger:    logger.With().Str("component", "dispatch_api").Logger(),
	}
}

// Register mounts the campaign routes on group
func (h *CampaignDispatchHandler) Register(group fiber.Router) {
	campaigns := group.Group("/campaigns/:id")
	campaigns.Post("/prepare", h.PrepareCampaign)
	campaigns.Post("/enqueue", h.EnqueueCampaign)
	campaigns.Post("/cancel", h.CancelCampaign)
	campaigns.Post("/schedule", h.ScheduleCampaign)
	campaigns.Post("/reconcile", h.ReconcileCampaign)
	campaigns.Get("/metrics", h.GetCampaignMetrics)
}

// PrepareCampaign returns the dispatch preview of a draft campaign
func (h *CampaignDispatchHandler) PrepareCampaign(c fiber.Ctx) error {
	tenantID, campaignID, ok := h.identify(c)
	if !ok {
		return nil
	}
	ctx, cancel := h.requestContext(c)
	defer cancel()

	res, err := h.dispatch.PrepareCampaign(ctx, &dto.PrepareCampaignRequest{TenantID: tenantID, CampaignID: campaignID})
	if err != nil {
		return h.flowError(c, "prepare", campaignID, err)
	}
	return h.outcome(c, res.OK, res.Reason, "Campaign preview ready", res)
}

// EnqueueCampaign starts dispatching a campaign
func (h *CampaignDispatchHandler) EnqueueCampaign(c fiber.Ctx) error {
	tenantID, campaignID, ok := h.identify(c)
	if !ok {
		return nil
	}
	ctx, cancel := h.requestContext(c)
	defer cancel()

	res, err := h.dispatch.EnqueueCampaign(ctx, &dto.EnqueueCampaignRequest{
		TenantID:       tenantID,
		CampaignID:     campaignID,
		IdempotencyKey: c.Get(IdempotencyHeader),
	})
	if err != nil {
		return h.flowError(c, "enqueue", campaignID, err)
	}
	return h.outcome(c, res.OK, res.Reason, "Campaign enqueued", res)
}

// CancelCampaign stops a sending campaign
func (h *CampaignDispatchHandler) CancelCampaign(c fiber.Ctx) error {
	tenantID, campaignID, ok := h.identify(c)
	if !ok {
		return nil
	}
	ctx, cancel := h.requestContext(c)
	defer cancel()

	res, err := h.dispatch.CancelCampaign(ctx, &dto.CancelCampaignRequest{
		TenantID:       tenantID,
		CampaignID:     campaignID,
		IdempotencyKey: c.Get(IdempotencyHeader),
	})
	if err != nil {
		return h.flowError(c, "cancel", campaignID, err)
	}
	return h.outcome(c, res.OK, res.Reason, "Campaign cancelled", res)
}

// ScheduleCampaign sets a future start time
func (h *CampaignDispatchHandler) ScheduleCampaign(c fiber.Ctx) error {
	tenantID, campaignID, ok := h.identify(c)
	if !ok {
		return nil
	}

	var body ScheduleBody
	if err := c.Bind().JSON(&body); err != nil {
		return h.errorResponse(c, fiber.StatusBadRequest, "Invalid request body", "INVALID_REQUEST", err.Error())
	}
	if err := h.validator.Struct(&body); err != nil {
		return h.validationResponse(c, err)
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	res, err := h.dispatch.ScheduleCampaign(ctx, &dto.ScheduleCampaignRequest{
		TenantID:       tenantID,
		CampaignID:     campaignID,
		ScheduleAt:     body.ScheduleAt,
		ScheduleType:   body.ScheduleType,
		IdempotencyKey: c.Get(IdempotencyHeader),
	})
	if err != nil {
		return h.flowError(c, "schedule", campaignID, err)
	}
	return h.outcome(c, res.OK, res.Reason, "Campaign scheduled", res)
}

// ReconcileCampaign examines one campaign on demand
func (h *CampaignDispatchHandler) ReconcileCampaign(c fiber.Ctx) error {
	tenantID, campaignID, ok := h.identify(c)
	if !ok {
		return nil
	}
	ctx, cancel := h.requestContext(c)
	defer cancel()

	res, err := h.reconcile.ReconcileCampaign(ctx, &dto.ReconcileCampaignRequest{TenantID: tenantID, CampaignID: campaignID})
	if err != nil {
		return h.flowError(c, "reconcile", campaignID, err)
	}
	return h.outcome(c, res.OK, res.Reason, "Campaign reconciled", res)
}

// GetCampaignMetrics returns provider-truth metrics of a campaign
func (h *CampaignDispatchHandler) GetCampaignMetrics(c fiber.Ctx) error {
	tenantID, campaignID, ok := h.identify(c)
	if !ok {
		return nil
	}
	ctx, cancel := h.requestContext(c)
	defer cancel()

	res, err := h.dispatch.GetCampaignMetrics(ctx, &dto.GetCampaignMetricsRequest{TenantID: tenantID, CampaignID: campaignID})
	if err != nil {
		return h.flowError(c, "metrics", campaignID, err)
	}
	return h.outcome(c, res.OK, res.Reason, "Campaign metrics retrieved", res)
}

// identify reads the authenticated tenant and the campaign path parameter.
// When ok is false the error response has already been written.
func (h *CampaignDispatchHandler) identify(c fiber.Ctx) (tenantID, campaignID uint, ok bool) {
	tenantID, found := c.Locals(middleware.LocalTenantID).(uint)
	if !found || tenantID == 0 {
		_ = h.errorResponse(c, fiber.StatusUnauthorized, "Tenant not found in context", "MISSING_TENANT_ID", nil)
		return 0, 0, false
	}

	id, err := strconv.ParseUint(c.Params("id"), 10, 64)
	if err != nil || id == 0 {
		_ = h.errorResponse(c, fiber.StatusBadRequest, "Invalid campaign id", "INVALID_CAMPAIGN_ID", c.Params("id"))
		return 0, 0, false
	}
	return tenantID, uint(id), true
}

// requestContext derives a bounded context carrying the request id for audit rows
func (h *CampaignDispatchHandler) requestContext(c fiber.Ctx) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(c.Context(), h.timeout)
	if rid := requestid.FromContext(c); rid != "" {
		ctx = context.WithValue(ctx, utils.RequestIDKey, rid)
	}
	return ctx, cancel
}

func (h *CampaignDispatchHandler) outcome(c fiber.Ctx, ok bool, reason, message string, data any) error {
	if ok {
		return h.successResponse(c, fiber.StatusOK, message, data)
	}
	return c.Status(reasonStatus(reason)).JSON(dto.APIResponse{
		Success: false,
		Message: reasonMessage(reason),
		Data:    data,
		Error:   dto.ErrorDetail{Code: reason},
	})
}

func (h *CampaignDispatchHandler) flowError(c fiber.Ctx, op string, campaignID uint, err error) error {
	if businessflow.BusinessErrorCode(err) == "VALIDATION_FAILED" {
		return h.errorResponse(c, fiber.StatusBadRequest, "Validation failed", "VALIDATION_ERROR", err.Error())
	}
	h.logger.Error().Err(err).Str("operation", op).Uint("campaign_id", campaignID).Msg("dispatch operation failed")
	return h.errorResponse(c, fiber.StatusInternalServerError, "Campaign "+op+" failed", "INTERNAL_ERROR", nil)
}

func (h *CampaignDispatchHandler) validationResponse(c fiber.Ctx, err error) error {
	var messages []string
	if verrs, ok := err.(validator.ValidationErrors); ok {
		for _, fe := range verrs {
			messages = append(messages, getValidationErrorMessage(fe))
		}
	} else {
		messages = append(messages, err.Error())
	}
	return h.errorResponse(c, fiber.StatusBadRequest, "Validation failed", "VALIDATION_ERROR", messages)
}

func (h *CampaignDispatchHandler) errorResponse(c fiber.Ctx, statusCode int, message, errorCode string, details any) error {
	return c.Status(statusCode).JSON(dto.APIResponse{
		Success: false,
		Message: message,
		Error: dto.ErrorDetail{
			Code:    errorCode,
			Details: details,
		},
	})
}

func (h *CampaignDispatchHandler) successResponse(c fiber.Ctx, statusCode int, message string, data any) error {
	return c.Status(statusCode).JSON(dto.APIResponse{
		Success: true,
		Message: message,
		Data:    data,
	})
}

func reasonStatus(reason string) int {
	switch reason {
	case businessflow.ReasonNotFound:
		return fiber.StatusNotFound
	case businessflow.ReasonInvalidStatus, businessflow.ReasonAlreadySending, businessflow.ReasonRequestInProgress:
		return fiber.StatusConflict
	case businessflow.ReasonInsufficientCredits, businessflow.ReasonSubscriptionRequired:
		return fiber.StatusPaymentRequired
	case businessflow.ReasonNoRecipients, businessflow.ReasonScheduleInPast:
		return fiber.StatusUnprocessableEntity
	default:
		return fiber.StatusBadRequest
	}
}

func reasonMessage(reason string) string {
	if err := businessflow.ReasonError(reason); err != nil {
		return err.Error()
	}
	return "Request rejected"
}
