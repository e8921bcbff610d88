package middleware

import (
	"net/http"

	"rtmsrelay/pkg/errors"
	"rtmsrelay/pkg/logger"
	"rtmsrelay/pkg/utils"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const requestIDHeader = "X-Request-ID"

// RequestIDMiddleware propagates or assigns a request id and stores it in
// the request context for log enrichment.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = utils.GenerateRequestID()
		}
		c.Header(requestIDHeader, id)
		c.Set("request_id", id)
		c.Request = c.Request.WithContext(logger.WithRequestID(c.Request.Context(), id))
		c.Next()
	}
}

// ErrorHandlerMiddleware renders the last error attached with c.Error.
// Handlers that already wrote a response are left alone.
func ErrorHandlerMiddleware(base *zap.SugaredLogger) gin.HandlerFunc {
	cl := logger.NewContextLogger(base)
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}
		err := c.Errors.Last().Err
		ctx := c.Request.Context()

		appErr := errors.GetAppError(err)
		if appErr != nil {
			log := cl.WithContext(ctx)
			logf := log.Warnw
			if appErr.HTTPStatus >= http.StatusInternalServerError {
				logf = log.Errorw
			}
			logf("application error",
				"code", appErr.Code,
				"message", appErr.Message,
				"status", appErr.HTTPStatus,
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
				"cause", appErr.Cause,
			)

			body := gin.H{
				"error":   string(appErr.Code),
				"message": appErr.Message,
			}
			if len(appErr.Context) > 0 {
				body["details"] = appErr.Context
			}
			c.JSON(appErr.HTTPStatus, body)
			return
		}

		cl.LogError(ctx, err, "unhandled error",
			"path", c.Request.URL.Path,
			"method", c.Request.Method,
		)

		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   string(errors.ErrCodeInternal),
			"message": "Internal server error",
		})
	}
}

// RecoveryMiddleware turns a handler panic into a 500 so one bad request
// cannot take the receiver down.
func RecoveryMiddleware(base *zap.SugaredLogger) gin.HandlerFunc {
	cl := logger.NewContextLogger(base)
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				cl.WithContext(c.Request.Context()).Errorw("panic recovered",
					"error", err,
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
				)

				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error":   string(errors.ErrCodeInternal),
					"message": "Internal server error",
				})
			}
		}()

		c.Next()
	}
}
