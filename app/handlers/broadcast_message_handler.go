package handlers

import (
	"log"
	"strconv"

	"github.com/amirphl/broadcast-core/app/dto"
	"github.com/amirphl/broadcast-core/app/middleware"
	businessflow "github.com/amirphl/broadcast-core/business_flow"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// BroadcastMessageHandlerInterface defines the contract for broadcast message handlers
type BroadcastMessageHandlerInterface interface {
	CreateMessage(c fiber.Ctx) error
	UpdateMessage(c fiber.Ctx) error
	UpdateStatus(c fiber.Ctx) error
	GetMessage(c fiber.Ctx) error
	ListMessages(c fiber.Ctx) error
	DownloadDeliveryReport(c fiber.Ctx) error
}

// BroadcastMessageHandler handles broadcast message HTTP requests
type BroadcastMessageHandler struct {
	messageFlow businessflow.BroadcastMessageFlow
	reportFlow  businessflow.DeliveryReportFlow
	validator   *validator.Validate
}

// NewBroadcastMessageHandler creates a new broadcast message handler
func NewBroadcastMessageHandler(messageFlow businessflow.BroadcastMessageFlow, reportFlow businessflow.DeliveryReportFlow) *BroadcastMessageHandler {
	return &BroadcastMessageHandler{
		messageFlow: messageFlow,
		reportFlow:  reportFlow,
		validator:   validator.New(),
	}
}

// CreateMessage creates a draft broadcast
// @Summary Create Broadcast Message
// @Tags Broadcasts
// @Accept json
// @Produce json
// @Param service_id path string true "Service ID"
// @Param request body dto.CreateBroadcastMessageRequest true "Broadcast content or template"
// @Success 201 {object} dto.APIResponse{data=dto.BroadcastMessageResponse}
// @Failure 400 {object} dto.APIResponse "Validation error"
// @Failure 403 {object} dto.APIResponse "User is not a member of the service"
// @Failure 404 {object} dto.APIResponse "Service or template not found"
// @Router /api/v1/services/{service_id}/broadcast-messages [post]
func (h *BroadcastMessageHandler) CreateMessage(c fiber.Ctx) error {
	var req dto.CreateBroadcastMessageRequest
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
	req.ServiceID = c.Params("service_id")
	req.UserID = userID.String()

	ctx, cancel := createRequestContext(c, "/api/v1/services/:service_id/broadcast-messages")
	defer cancel()

	result, err := h.messageFlow.CreateMessage(ctx, &req, clientMetadata(c))
	if err != nil {
		if businessErrorStatus(err) == fiber.StatusInternalServerError {
			log.Println("Broadcast creation failed", err)
		}
		return businessErrorResponse(c, err, "Broadcast creation failed", "BROADCAST_CREATION_FAILED")
	}

	return successResponse(c, fiber.StatusCreated, result.Message, result)
}

// UpdateMessage edits a broadcast that has not been approved yet
// @Summary Update Broadcast Message
// @Tags Broadcasts
// @Accept json
// @Produce json
// @Param service_id path string true "Service ID"
// @Param message_id path string true "Broadcast message ID"
// @Param request body dto.UpdateBroadcastMessageRequest true "Fields to change"
// @Success 200 {object} dto.APIResponse{data=dto.BroadcastMessageResponse}
// @Failure 400 {object} dto.APIResponse "Validation error or message not editable"
// @Failure 404 {object} dto.APIResponse "Broadcast message not found"
// @Failure 409 {object} dto.APIResponse "Concurrent change"
// @Router /api/v1/services/{service_id}/broadcast-messages/{message_id} [put]
func (h *BroadcastMessageHandler) UpdateMessage(c fiber.Ctx) error {
	var req dto.UpdateBroadcastMessageRequest
	if err := c.Bind().JSON(&req); err != nil {
		return errorResponse(c, fiber.StatusBadRequest, "Invalid request body", "INVALID_REQUEST", err.Error())
	}

	userID, ok := middleware.GetUserIDFromContext(c)
	if !ok {
		return errorResponse(c, fiber.StatusUnauthorized, "User ID not found in context", "MISSING_USER_ID", nil)
	}
	req.ServiceID = c.Params("service_id")
	req.MessageID = c.Params("message_id")
	req.UserID = userID.String()

	ctx, cancel := createRequestContext(c, "/api/v1/services/:service_id/broadcast-messages/:message_id")
	defer cancel()

	result, err := h.messageFlow.UpdateMessage(ctx, &req, clientMetadata(c))
	if err != nil {
		if businessErrorStatus(err) == fiber.StatusInternalServerError {
			log.Println("Broadcast update failed", err)
		}
		return businessErrorResponse(c, err, "Broadcast update failed", "BROADCAST_UPDATE_FAILED")
	}

	return successResponse(c, fiber.StatusOK, result.Message, result)
}

// UpdateStatus requests a lifecycle transition
// @Summary Change Broadcast Status
// @Tags Broadcasts
// @Accept json
// @Produce json
// @Param service_id path string true "Service ID"
// @Param message_id path string true "Broadcast message ID"
// @Param request body dto.UpdateBroadcastStatusRequest true "Requested status"
// @Success 200 {object} dto.APIResponse{data=dto.BroadcastMessageResponse}
// @Failure 400 {object} dto.APIResponse "Illegal transition, self approval or no areas"
// @Failure 403 {object} dto.APIResponse "User is not a member of the service"
// @Failure 404 {object} dto.APIResponse "Broadcast message not found"
// @Failure 409 {object} dto.APIResponse "Concurrent transition"
// @Router /api/v1/services/{service_id}/broadcast-messages/{message_id}/status [post]
func (h *BroadcastMessageHandler) UpdateStatus(c fiber.Ctx) error {
	var req dto.UpdateBroadcastStatusRequest
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
	req.ServiceID = c.Params("service_id")
	req.MessageID = c.Params("message_id")
	req.UserID = userID.String()

	ctx, cancel := createRequestContext(c, "/api/v1/services/:service_id/broadcast-messages/:message_id/status")
	defer cancel()

	result, err := h.messageFlow.RequestTransition(ctx, &req, clientMetadata(c))
	if err != nil {
		if businessErrorStatus(err) == fiber.StatusInternalServerError {
			log.Println("Broadcast status change failed", err)
		}
		return businessErrorResponse(c, err, "Broadcast status change failed", "BROADCAST_TRANSITION_FAILED")
	}

	return successResponse(c, fiber.StatusOK, result.Message, result)
}

// GetMessage returns one broadcast with its events
// @Summary Get Broadcast Message
// @Tags Broadcasts
// @Produce json
// @Param service_id path string true "Service ID"
// @Param message_id path string true "Broadcast message ID"
// @Success 200 {object} dto.APIResponse{data=dto.BroadcastMessageResponse}
// @Failure 403 {object} dto.APIResponse "User is not a member of the service"
// @Failure 404 {object} dto.APIResponse "Broadcast message not found"
// @Router /api/v1/services/{service_id}/broadcast-messages/{message_id} [get]
func (h *BroadcastMessageHandler) GetMessage(c fiber.Ctx) error {
	userID, ok := middleware.GetUserIDFromContext(c)
	if !ok {
		return errorResponse(c, fiber.StatusUnauthorized, "User ID not found in context", "MISSING_USER_ID", nil)
	}
	req := &dto.GetBroadcastMessageRequest{
		ServiceID: c.Params("service_id"),
		MessageID: c.Params("message_id"),
		UserID:    userID.String(),
	}

	ctx, cancel := createRequestContext(c, "/api/v1/services/:service_id/broadcast-messages/:message_id")
	defer cancel()

	result, err := h.messageFlow.GetMessage(ctx, req)
	if err != nil {
		if businessErrorStatus(err) == fiber.StatusInternalServerError {
			log.Println("Get broadcast failed", err)
		}
		return businessErrorResponse(c, err, "Failed to get broadcast message", "BROADCAST_LOOKUP_FAILED")
	}

	return successResponse(c, fiber.StatusOK, result.Message, result)
}

// ListMessages returns a page of the service's broadcasts, newest first
// @Summary List Broadcast Messages
// @Tags Broadcasts
// @Produce json
// @Param service_id path string true "Service ID"
// @Param page query int false "Page number (default 1)"
// @Param page_size query int false "Page size (default 20, max 100)"
// @Success 200 {object} dto.APIResponse{data=dto.ListBroadcastMessagesResponse}
// @Failure 400 {object} dto.APIResponse "Invalid pagination"
// @Failure 403 {object} dto.APIResponse "User is not a member of the service"
// @Router /api/v1/services/{service_id}/broadcast-messages [get]
func (h *BroadcastMessageHandler) ListMessages(c fiber.Ctx) error {
	userID, ok := middleware.GetUserIDFromContext(c)
	if !ok {
		return errorResponse(c, fiber.StatusUnauthorized, "User ID not found in context", "MISSING_USER_ID", nil)
	}

	page, err := queryInt(c, "page")
	if err != nil {
		return errorResponse(c, fiber.StatusBadRequest, "Invalid page", "INVALID_PAGINATION", err.Error())
	}
	pageSize, err := queryInt(c, "page_size")
	if err != nil {
		return errorResponse(c, fiber.StatusBadRequest, "Invalid page size", "INVALID_PAGINATION", err.Error())
	}

	req := &dto.ListBroadcastMessagesRequest{
		ServiceID: c.Params("service_id"),
		UserID:    userID.String(),
		Page:      page,
		PageSize:  pageSize,
	}

	ctx, cancel := createRequestContext(c, "/api/v1/services/:service_id/broadcast-messages")
	defer cancel()

	result, err := h.messageFlow.ListMessages(ctx, req)
	if err != nil {
		if businessErrorStatus(err) == fiber.StatusInternalServerError {
			log.Println("List broadcasts failed", err)
		}
		return businessErrorResponse(c, err, "Failed to list broadcast messages", "BROADCAST_LIST_FAILED")
	}

	return successResponse(c, fiber.StatusOK, "Broadcast messages retrieved successfully", result)
}

// DownloadDeliveryReport returns the xlsx delivery report of one broadcast
// @Summary Download Broadcast Delivery Report
// @Tags Broadcasts
// @Produce application/vnd.openxmlformats-officedocument.spreadsheetml.sheet
// @Param service_id path string true "Service ID"
// @Param message_id path string true "Broadcast message ID"
// @Success 200 {file} file
// @Failure 404 {object} dto.APIResponse "Broadcast message not found"
// @Router /api/v1/services/{service_id}/broadcast-messages/{message_id}/delivery-report [get]
func (h *BroadcastMessageHandler) DownloadDeliveryReport(c fiber.Ctx) error {
	userID, ok := middleware.GetUserIDFromContext(c)
	if !ok {
		return errorResponse(c, fiber.StatusUnauthorized, "User ID not found in context", "MISSING_USER_ID", nil)
	}
	req := &dto.GetBroadcastMessageRequest{
		ServiceID: c.Params("service_id"),
		MessageID: c.Params("message_id"),
		UserID:    userID.String(),
	}

	ctx, cancel := createRequestContext(c, "/api/v1/services/:service_id/broadcast-messages/:message_id/delivery-report")
	defer cancel()

	filename, data, err := h.reportFlow.DownloadDeliveryReport(ctx, req)
	if err != nil {
		if businessErrorStatus(err) == fiber.StatusInternalServerError {
			log.Println("Delivery report failed", err)
		}
		return businessErrorResponse(c, err, "Failed to generate delivery report", "DOWNLOAD_FAILED")
	}

	c.Set("Content-Type", xlsxContentType)
	c.Set("Content-Disposition", "attachment; filename="+filename)
	return c.Send(data)
}

// queryInt reads an optional integer query parameter; absent means 0
func queryInt(c fiber.Ctx, key string) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}
