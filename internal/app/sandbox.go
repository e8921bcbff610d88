package app

import (
	"net/http"
	"time"

	"rtmsrelay/internal/infrastructure/middleware"
	"rtmsrelay/internal/infrastructure/signal"
	"rtmsrelay/pkg/config"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// NewSandbox builds the local RTMS stand-in and its router. It signs with
// the same client credentials the relay uses.
func NewSandbox(cfg *config.Config, logger *zap.SugaredLogger) (*signal.SandboxServer, http.Handler) {
	sandbox := signal.NewSandboxServer(signal.Options{
		ClientID:          cfg.RTMS.ClientID,
		ClientSecret:      cfg.RTMS.ClientSecret,
		PublicURL:         cfg.Sandbox.PublicURL,
		KeepAliveInterval: cfg.Sandbox.KeepAliveInterval,
		WriteTimeout:      cfg.RTMS.WriteTimeout,
	}, logger)

	startTime := time.Now()
	router := gin.New()
	router.UseRawPath = true
	router.UnescapePathValues = true
	router.Use(
		middleware.RequestIDMiddleware(),
		middleware.RecoveryMiddleware(logger),
		middleware.ErrorHandlerMiddleware(logger),
	)

	sandbox.SetupRoutes(router)
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":        "healthy",
			"uptime":        time.Since(startTime).String(),
			"signaling_url": sandbox.SignalingURL(),
		})
	})

	return sandbox, router
}
