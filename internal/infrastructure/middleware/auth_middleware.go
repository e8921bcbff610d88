package middleware

import (
	"net/http"
	"strings"

	"rtmsrelay/internal/core/domain"
	"rtmsrelay/internal/core/services"
	apperrors "rtmsrelay/pkg/errors"

	"github.com/gin-gonic/gin"
)

const claimsKey = "auth_claims"

// AuthMiddleware requires a valid bearer token and stores its claims.
func AuthMiddleware(authService services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			c.Error(apperrors.NewUnauthorizedError("bearer token required"))
			c.Abort()
			return
		}

		claims, err := authService.ValidateToken(token)
		if err != nil {
			c.Error(apperrors.WrapError(err, apperrors.ErrCodeUnauthorized, err.Error(), http.StatusUnauthorized))
			c.Abort()
			return
		}

		c.Set(claimsKey, claims)
		c.Set("operator_id", claims.OperatorID)
		c.Request = c.Request.WithContext(services.WithOperator(c.Request.Context(), claims.OperatorID))
		c.Next()
	}
}

// RequireRole must run after AuthMiddleware.
func RequireRole(authService services.AuthService, required domain.OperatorRole) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, _ := c.Get(claimsKey)
		typed, _ := claims.(*services.Claims)
		if err := authService.CheckRole(typed, required); err != nil {
			c.Error(apperrors.NewForbiddenError("insufficient role"))
			c.Abort()
			return
		}
		c.Next()
	}
}

func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
