package http

import (
	"errors"
	"net/http"

	"rtmsrelay/internal/core/domain"
	apperrors "rtmsrelay/pkg/errors"

	"github.com/gin-gonic/gin"
)

// toAppError maps the domain taxonomy onto HTTP-facing errors.
func toAppError(err error) *apperrors.AppError {
	if appErr := apperrors.GetAppError(err); appErr != nil {
		return appErr
	}

	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		return apperrors.WrapError(err, apperrors.ErrCodeInvalidInput, err.Error(), http.StatusBadRequest)
	case errors.Is(err, domain.ErrSessionNotFound):
		return apperrors.NewNotFoundError("session")
	case errors.Is(err, domain.ErrSessionExists):
		return apperrors.NewConflictError("session already running")
	case errors.Is(err, domain.ErrNotOpen):
		return apperrors.WrapError(err, apperrors.ErrCodeConflict, "media connection is not open", http.StatusConflict)
	case errors.Is(err, domain.ErrDeviceUnavailable):
		return apperrors.WrapError(err, apperrors.ErrCodeServiceUnavailable, "capture devices unavailable", http.StatusServiceUnavailable)
	case errors.Is(err, domain.ErrSignatureMismatch):
		return apperrors.NewSignatureMismatchError(err)
	case errors.Is(err, domain.ErrHandshakeTimeout):
		return apperrors.NewGatewayTimeoutError(err, "handshake timed out")
	case errors.Is(err, domain.ErrTransport):
		return apperrors.NewBadGatewayError(err, "upstream connection failed")
	case errors.Is(err, domain.ErrQueueFull):
		return apperrors.WrapError(err, apperrors.ErrCodeServiceUnavailable, "send queue full", http.StatusServiceUnavailable)
	default:
		return apperrors.WrapError(err, apperrors.ErrCodeInternal, "Internal server error", http.StatusInternalServerError)
	}
}

func abortWithError(c *gin.Context, err error) {
	c.Error(toAppError(err))
	c.Abort()
}
