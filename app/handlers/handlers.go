// Package handlers contains HTTP request handlers and presentation layer logic for the API endpoints
package handlers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/amirphl/broadcast-core/app/dto"
	businessflow "github.com/amirphl/broadcast-core/business_flow"
	"github.com/amirphl/broadcast-core/utils"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
)

const defaultRequestTimeout = 30 * time.Second

func getValidationErrorMessage(err validator.FieldError) string {
	switch err.Tag() {
	case "required":
		return err.Field() + " is required"
	case "uuid":
		return err.Field() + " must be a UUID"
	case "min":
		return err.Field() + " must have at least " + err.Param() + " items or characters"
	case "max":
		return err.Field() + " must have at most " + err.Param() + " items or characters"
	case "oneof":
		return err.Field() + " must be one of: " + err.Param()
	case "gte":
		return fmt.Sprintf("%s must be greater than or equal to %s", err.Field(), err.Param())
	case "lte":
		return fmt.Sprintf("%s must be less than or equal to %s", err.Field(), err.Param())
	default:
		return err.Field() + " is invalid"
	}
}

func validationMessages(err error) []string {
	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) {
		return []string{err.Error()}
	}
	messages := make([]string, 0, len(fieldErrors))
	for _, fe := range fieldErrors {
		messages = append(messages, getValidationErrorMessage(fe))
	}
	return messages
}

func errorResponse(c fiber.Ctx, statusCode int, message, errorCode string, details any) error {
	return c.Status(statusCode).JSON(dto.APIResponse{
		Success: false,
		Message: message,
		Error: dto.ErrorDetail{
			Code:    errorCode,
			Details: details,
		},
	})
}

func successResponse(c fiber.Ctx, statusCode int, message string, data any) error {
	return c.Status(statusCode).JSON(dto.APIResponse{
		Success: true,
		Message: message,
		Data:    data,
	})
}

// createRequestContext creates a context with request-scoped values for observability and timeout
func createRequestContext(c fiber.Ctx, endpoint string) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultRequestTimeout)

	ctx = context.WithValue(ctx, utils.RequestIDKey, c.Get("X-Request-ID"))
	ctx = context.WithValue(ctx, utils.UserAgentKey, c.Get("User-Agent"))
	ctx = context.WithValue(ctx, utils.IPAddressKey, c.IP())
	ctx = context.WithValue(ctx, utils.EndpointKey, endpoint)
	ctx = context.WithValue(ctx, utils.TimeoutKey, defaultRequestTimeout)

	return ctx, cancel
}

func clientMetadata(c fiber.Ctx) *businessflow.ClientMetadata {
	metadata := businessflow.NewClientMetadata(c.IP(), c.Get("User-Agent"))
	metadata.SetRequestID(c.Get("X-Request-ID"))
	metadata.AddAdditional("route", c.Route().Path)
	return metadata
}

// businessErrorStatus maps a business flow error to its HTTP status
func businessErrorStatus(err error) int {
	switch {
	case businessflow.IsBroadcastMessageNotFound(err),
		businessflow.IsBroadcastEventNotFound(err),
		businessflow.IsProviderMessageNotFound(err),
		businessflow.IsServiceNotFound(err),
		businessflow.IsTemplateNotFound(err):
		return fiber.StatusNotFound
	case businessflow.IsUserNotFound(err),
		businessflow.IsUserNotInService(err):
		return fiber.StatusForbidden
	case businessflow.IsTransitionConflict(err),
		businessflow.IsProviderMessageFinalised(err):
		return fiber.StatusConflict
	case businessflow.IsCBCProxyDisabled(err):
		return fiber.StatusServiceUnavailable
	case businessflow.IsIllegalTransition(err),
		businessflow.IsSelfApproval(err),
		businessflow.IsNoSimplePolygons(err),
		businessflow.IsInvalidBroadcastStatus(err),
		businessflow.IsBroadcastMessageNotEditable(err),
		businessflow.IsContentAndTemplate(err),
		businessflow.IsContentOrTemplateRequired(err),
		businessflow.IsReferenceRequired(err),
		businessflow.IsAreasOrPolygonsMissing(err),
		businessflow.IsMissingPersonalisation(err),
		businessflow.IsFinishesBeforeStarts(err),
		businessflow.IsInvalidPage(err),
		businessflow.IsInvalidPageSize(err),
		businessflow.IsProviderNotEnabled(err):
		return fiber.StatusBadRequest
	}
	if businessflow.ErrorCode(err) == "INVALID_IDENTIFIER" {
		return fiber.StatusBadRequest
	}
	return fiber.StatusInternalServerError
}

// businessErrorResponse writes err using its BusinessError code and message when it has one
func businessErrorResponse(c fiber.Ctx, err error, fallbackMessage, fallbackCode string) error {
	status := businessErrorStatus(err)
	if status == fiber.StatusInternalServerError {
		return errorResponse(c, status, fallbackMessage, fallbackCode, nil)
	}

	code, message := fallbackCode, fallbackMessage
	var be *businessflow.BusinessError
	if errors.As(err, &be) {
		code, message = be.Code, be.Message
	}
	// the sentinel text is what the caller can act on
	var details any
	if cause := errors.Unwrap(err); cause != nil {
		details = cause.Error()
	} else {
		details = err.Error()
	}
	return errorResponse(c, status, message, code, details)
}
