package http

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"rtmsrelay/internal/core/domain"
	"rtmsrelay/internal/core/services"
	"rtmsrelay/pkg/errors"
	"rtmsrelay/pkg/validation"

	"github.com/gin-gonic/gin"
)

// AuthHandler exchanges the operator API key for a short-lived bearer token.
type AuthHandler struct {
	authService services.AuthService
	apiKey      string
	tokenTTL    time.Duration
}

func NewAuthHandler(authService services.AuthService, apiKey string, tokenTTL time.Duration) *AuthHandler {
	return &AuthHandler{
		authService: authService,
		apiKey:      apiKey,
		tokenTTL:    tokenTTL,
	}
}

func (h *AuthHandler) SetupRoutes(router gin.IRouter) {
	router.POST("/auth/token", h.IssueToken)
}

type TokenRequest struct {
	OperatorID string              `json:"operator_id" binding:"required,max=128"`
	Role       domain.OperatorRole `json:"role"`
	APIKey     string              `json:"api_key" binding:"required,max=512"`
}

func (h *AuthHandler) IssueToken(c *gin.Context) {
	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}

	if h.apiKey == "" || subtle.ConstantTimeCompare([]byte(req.APIKey), []byte(h.apiKey)) != 1 {
		c.Error(errors.NewUnauthorizedError("invalid api key"))
		return
	}

	operatorID := strings.TrimSpace(req.OperatorID)
	if err := validation.ValidateIdentifier(operatorID, "operator_id"); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	role := req.Role
	switch role {
	case "":
		role = domain.RoleOperator
	case domain.RoleViewer, domain.RoleOperator, domain.RoleAdmin:
	default:
		c.Error(errors.NewInvalidInputError("unknown role").WithContext("role", req.Role))
		return
	}

	token, err := h.authService.GenerateToken(domain.OperatorID(operatorID), role)
	if err != nil {
		c.Error(errors.NewInternalError("failed to generate token"))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"access_token": token,
		"token_type":   "Bearer",
		"expires_in":   int(h.tokenTTL.Seconds()),
		"role":         role,
	})
}
