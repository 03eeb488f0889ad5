package handlers

import (
	"errors"
	"strings"

	"github.com/amirphl/broadcast-core/app/dto"
	"github.com/amirphl/broadcast-core/app/services"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
)

// AuthHandlerInterface defines the contract for token handlers
type AuthHandlerInterface interface {
	RefreshToken(c fiber.Ctx) error
	Logout(c fiber.Ctx) error
}

// AuthHandler rotates and revokes the JWTs issued to platform users
type AuthHandler struct {
	tokenService services.TokenService
	validator    *validator.Validate
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(tokenService services.TokenService) *AuthHandler {
	return &AuthHandler{
		tokenService: tokenService,
		validator:    validator.New(),
	}
}

// RefreshToken issues a new token pair and revokes the refresh token used
// @Summary Refresh Access Token
// @Tags Authentication
// @Accept json
// @Produce json
// @Param request body dto.RefreshTokenRequest true "Refresh token"
// @Success 200 {object} dto.APIResponse{data=dto.TokenResponse}
// @Failure 401 {object} dto.APIResponse "Invalid, expired or revoked refresh token"
// @Router /api/v1/auth/refresh [post]
func (h *AuthHandler) RefreshToken(c fiber.Ctx) error {
	var req dto.RefreshTokenRequest
	if err := c.Bind().JSON(&req); err != nil {
		return errorResponse(c, fiber.StatusBadRequest, "Invalid request body", "INVALID_REQUEST", err.Error())
	}
	if err := h.validator.Struct(&req); err != nil {
		return errorResponse(c, fiber.StatusBadRequest, "Validation failed", "VALIDATION_ERROR", validationMessages(err))
	}

	access, refresh, err := h.tokenService.RefreshToken(req.RefreshToken)
	if err != nil {
		if errors.Is(err, services.ErrTokenExpired) {
			return errorResponse(c, fiber.StatusUnauthorized, "Refresh token has expired", "TOKEN_EXPIRED", nil)
		}
		if errors.Is(err, services.ErrTokenRevoked) {
			return errorResponse(c, fiber.StatusUnauthorized, "Refresh token has been revoked", "TOKEN_REVOKED", nil)
		}
		return errorResponse(c, fiber.StatusUnauthorized, "Invalid refresh token", "TOKEN_INVALID", nil)
	}

	return successResponse(c, fiber.StatusOK, "Token refreshed successfully", dto.TokenResponse{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
	})
}

// Logout revokes the access token of the request and, when given, its refresh token
// @Summary Logout
// @Tags Authentication
// @Accept json
// @Produce json
// @Param request body dto.LogoutRequest false "Refresh token to revoke"
// @Success 200 {object} dto.APIResponse
// @Router /api/v1/auth/logout [post]
func (h *AuthHandler) Logout(c fiber.Ctx) error {
	var req dto.LogoutRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return errorResponse(c, fiber.StatusBadRequest, "Invalid request body", "INVALID_REQUEST", err.Error())
		}
	}

	access := strings.TrimPrefix(c.Get("Authorization"), "Bearer ")
	if err := h.tokenService.RevokeToken(access); err != nil {
		return errorResponse(c, fiber.StatusUnauthorized, "Invalid access token", "TOKEN_INVALID", nil)
	}
	if req.RefreshToken != "" {
		// an already invalid refresh token needs no revocation
		_ = h.tokenService.RevokeToken(req.RefreshToken)
	}

	return successResponse(c, fiber.StatusOK, "Logged out successfully", nil)
}
