package handlers

import (
	"log"

	"github.com/amirphl/broadcast-core/app/dto"
	"github.com/amirphl/broadcast-core/app/middleware"
	"github.com/amirphl/broadcast-core/app/services"
	businessflow "github.com/amirphl/broadcast-core/business_flow"
	"github.com/amirphl/broadcast-core/models"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
)

// BroadcastDispatchHandlerInterface defines the contract for dispatch handlers
type BroadcastDispatchHandlerInterface interface {
	RecordDeliveryOutcome(c fiber.Ctx) error
	TriggerLinkTest(c fiber.Ctx) error
}

// BroadcastDispatchHandler serves CBC proxy callbacks and operator link tests
type BroadcastDispatchHandler struct {
	dispatchFlow businessflow.BroadcastDispatchFlow
	validator    *validator.Validate
}

// NewBroadcastDispatchHandler creates a new dispatch handler
func NewBroadcastDispatchHandler(dispatchFlow businessflow.BroadcastDispatchFlow) *BroadcastDispatchHandler {
	return &BroadcastDispatchHandler{
		dispatchFlow: dispatchFlow,
		validator:    validator.New(),
	}
}

// RecordDeliveryOutcome stores the asynchronous outcome a CBC proxy reports for a provider message
// @Summary Record Delivery Outcome
// @Tags CBC
// @Accept json
// @Produce json
// @Param provider_message_id path string true "Provider message ID"
// @Param request body dto.DeliveryOutcomeRequest true "Outcome"
// @Success 200 {object} dto.APIResponse{data=dto.DeliveryOutcomeResponse}
// @Failure 404 {object} dto.APIResponse "Provider message not found"
// @Failure 409 {object} dto.APIResponse "Provider message already final"
// @Router /api/v1/cbc/provider-messages/{provider_message_id}/outcome [post]
func (h *BroadcastDispatchHandler) RecordDeliveryOutcome(c fiber.Ctx) error {
	var req dto.DeliveryOutcomeRequest
	if err := c.Bind().JSON(&req); err != nil {
		return errorResponse(c, fiber.StatusBadRequest, "Invalid request body", "INVALID_REQUEST", err.Error())
	}
	if err := h.validator.Struct(&req); err != nil {
		return errorResponse(c, fiber.StatusBadRequest, "Validation failed", "VALIDATION_ERROR", validationMessages(err))
	}

	req.ProviderMessageID = c.Params("provider_message_id")
	id, err := uuid.Parse(req.ProviderMessageID)
	if err != nil {
		return errorResponse(c, fiber.StatusBadRequest, "Invalid provider message id", "INVALID_IDENTIFIER", nil)
	}

	ctx, cancel := createRequestContext(c, "/api/v1/cbc/provider-messages/:provider_message_id/outcome")
	defer cancel()

	pm, err := h.dispatchFlow.RecordDeliveryOutcome(ctx, id, services.TransmissionOutcome(req.Outcome), clientMetadata(c))
	if err != nil {
		if businessErrorStatus(err) == fiber.StatusInternalServerError {
			log.Println("Record delivery outcome failed", err)
		}
		return businessErrorResponse(c, err, "Failed to record delivery outcome", "DELIVERY_OUTCOME_FAILED")
	}

	return successResponse(c, fiber.StatusOK, "Delivery outcome recorded", dto.DeliveryOutcomeResponse{
		Message:           "Delivery outcome recorded",
		ProviderMessageID: pm.ID.String(),
		Status:            pm.Status.String(),
	})
}

// TriggerLinkTest sends a test message to one provider
// @Summary Trigger CBC Link Test
// @Tags CBC
// @Accept json
// @Produce json
// @Param request body dto.LinkTestRequest true "Provider"
// @Success 200 {object} dto.APIResponse{data=dto.LinkTestResponse}
// @Failure 400 {object} dto.APIResponse "Provider not enabled"
// @Failure 502 {object} dto.APIResponse "Link test failed"
// @Failure 503 {object} dto.APIResponse "CBC proxy disabled"
// @Router /api/v1/admin/cbc/link-test [post]
func (h *BroadcastDispatchHandler) TriggerLinkTest(c fiber.Ctx) error {
	var req dto.LinkTestRequest
	if err := c.Bind().JSON(&req); err != nil {
		return errorResponse(c, fiber.StatusBadRequest, "Invalid request body", "INVALID_REQUEST", err.Error())
	}
	if err := h.validator.Struct(&req); err != nil {
		return errorResponse(c, fiber.StatusBadRequest, "Validation failed", "VALIDATION_ERROR", validationMessages(err))
	}

	userID, ok := middleware.GetUserIDFromContext(c)
	if !ok {
		return errorResponse(c, fiber.StatusUnauthorized, "User ID not found in context", "MISSING_USER_ID", nil)
	}
	req.UserID = userID.String()

	ctx, cancel := createRequestContext(c, "/api/v1/admin/cbc/link-test")
	defer cancel()

	result, err := h.dispatchFlow.TriggerLinkTest(ctx, models.BroadcastProvider(req.Provider), &userID, clientMetadata(c))
	if err != nil {
		if result != nil {
			log.Printf("Link test to %s failed: %v", req.Provider, err)
			return errorResponse(c, fiber.StatusBadGateway, "Link test failed", "LINK_TEST_FAILED", linkTestResponse(result))
		}
		if businessErrorStatus(err) == fiber.StatusInternalServerError {
			log.Println("Link test failed", err)
		}
		return businessErrorResponse(c, err, "Link test failed", "LINK_TEST_FAILED")
	}

	return successResponse(c, fiber.StatusOK, "Link test sent", linkTestResponse(result))
}

func linkTestResponse(result *businessflow.LinkTestResult) dto.LinkTestResponse {
	return dto.LinkTestResponse{
		Message:       "Link test " + string(result.Outcome),
		Identifier:    result.Identifier.String(),
		Provider:      result.Provider.String(),
		MessageNumber: result.MessageNumber,
		Outcome:       string(result.Outcome),
	}
}
