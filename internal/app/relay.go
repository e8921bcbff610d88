// Package app assembles the relay and sandbox processes from their parts.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"rtmsrelay/internal/core/domain"
	"rtmsrelay/internal/core/ports"
	"rtmsrelay/internal/core/services"
	httphandlers "rtmsrelay/internal/handlers/http"
	"rtmsrelay/internal/infrastructure/capture"
	"rtmsrelay/internal/infrastructure/distributed"
	"rtmsrelay/internal/infrastructure/middleware"
	"rtmsrelay/internal/infrastructure/monitoring"
	"rtmsrelay/internal/infrastructure/registry"
	"rtmsrelay/internal/infrastructure/repositories"
	"rtmsrelay/internal/infrastructure/rtms"
	"rtmsrelay/internal/infrastructure/status"
	"rtmsrelay/pkg/config"
	"rtmsrelay/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const secretVisibleChars = 3

// Relay is a fully wired relay process minus its listener.
type Relay struct {
	cfg        *config.Config
	logger     *zap.SugaredLogger
	instanceID string
	startTime  time.Time

	factory   *repositories.RepositoryFactory
	directory ports.SessionDirectory
	bus       *distributed.EventBus
	hub       *status.Hub
	relay     ports.RelayService
	webhook   *httphandlers.WebhookHandler
	health    *monitoring.HealthChecker

	stopChecks context.CancelFunc
	router     *gin.Engine
}

// Options overrides what the relay would otherwise build from config.
type Options struct {
	// Registry defaults to the global Prometheus registry.
	Registry *prometheus.Registry
	// Opener defaults to the built-in device named by capture.device.
	Opener capture.Opener
}

func NewRelay(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger, opts Options) (*Relay, error) {
	r := &Relay{
		cfg:        cfg,
		logger:     logger,
		instanceID: uuid.NewString(),
		startTime:  time.Now(),
	}

	opener := opts.Opener
	if opener == nil {
		var err error
		if opener, err = capture.NewOpener(capture.OptionsFromConfig(cfg)); err != nil {
			return nil, fmt.Errorf("capture device: %w", err)
		}
	}

	var (
		registerer prometheus.Registerer = prometheus.DefaultRegisterer
		metricsH   http.Handler          = promhttp.Handler()
	)
	if opts.Registry != nil {
		registerer = opts.Registry
		metricsH = promhttp.HandlerFor(opts.Registry, promhttp.HandlerOpts{})
	}
	metrics := monitoring.NewPrometheusCollector(registerer)

	r.factory = repositories.NewRepositoryFactory(ctx, cfg, r.instanceID, logger)
	r.directory = r.factory.CreateSessionDirectory()

	if client := r.factory.RedisClient(); client != nil {
		r.bus = distributed.NewEventBus(client, r.instanceID, logger)
		r.hub = status.NewHub(logger, r.bus)
	} else {
		r.hub = status.NewHub(logger, nil)
	}

	connections := registry.NewConnectionRegistry(logger)
	clients := rtms.NewClientFactory(rtms.OptionsFromConfig(cfg), rtms.Dependencies{
		Registry: connections,
		Metrics:  metrics,
		Status:   r.hub,
		Logger:   logger,
	})

	captureOpts := capture.OptionsFromConfig(cfg)
	devices := capture.NewDeviceManager(opener, logger)
	pipelines := capture.NewPipelineFactory(devices, captureOpts, metrics, logger)

	r.relay = services.NewRelayService(clients, pipelines, devices, connections, r.directory,
		metrics, r.hub, logger, services.RelayOptions{ClaimTTL: cfg.Redis.SessionTTL})

	r.health = monitoring.NewHealthChecker()
	r.health.AddDirectoryCheck(r.directory, cfg.Monitoring.HealthInterval, 2*time.Second)
	if client := r.factory.RedisClient(); client != nil {
		r.health.AddRedisCheck(client, cfg.Monitoring.HealthInterval, 2*time.Second)
	}
	checksCtx, stopChecks := context.WithCancel(context.Background())
	r.stopChecks = stopChecks
	r.health.StartBackgroundChecks(checksCtx, logger)

	r.webhook = httphandlers.NewWebhookHandler(r.relay, cfg.Webhook.Secret, cfg.RTMS.ClientID, metrics, logger)
	r.router = r.newRouter(metricsH)

	logger.Infow("relay assembled",
		"instance_id", r.instanceID,
		"capture_device", cfg.Capture.Device,
		"redis", r.factory.RedisClient() != nil,
		"client_id", cfg.RTMS.ClientID,
		"client_secret", utils.MaskSensitive(cfg.RTMS.ClientSecret, secretVisibleChars),
		"webhook_secret", utils.MaskSensitive(cfg.Webhook.Secret, secretVisibleChars),
	)
	return r, nil
}

func (r *Relay) newRouter(metricsH http.Handler) *gin.Engine {
	router := gin.New()
	// meeting UUIDs may contain '/' and arrive percent-encoded
	router.UseRawPath = true
	router.UnescapePathValues = true

	router.Use(
		middleware.RequestIDMiddleware(),
		middleware.RecoveryMiddleware(r.logger),
		middleware.ErrorHandlerMiddleware(r.logger),
		middleware.TracingMiddleware(),
	)

	// gin binds middleware at registration time, so the webhook is not
	// subject to the per-IP limiter added below.
	r.webhook.SetupRoutes(router, r.cfg.Webhook.Path)
	router.Use(middleware.NewHTTPRateLimitMiddleware(r.cfg))

	api := router.Group("/api/v1")
	var read, write gin.IRoutes = api, api
	if r.cfg.Auth.Enabled {
		authService := services.NewAuthService(r.cfg.Auth.JWTSecret, r.cfg.Auth.AccessTokenTTL)
		httphandlers.NewAuthHandler(authService, r.cfg.Auth.APIKey, r.cfg.Auth.AccessTokenTTL).SetupRoutes(api)

		read = api.Group("", middleware.AuthMiddleware(authService), middleware.RequireRole(authService, domain.RoleViewer))
		write = api.Group("", middleware.AuthMiddleware(authService), middleware.RequireRole(authService, domain.RoleOperator))
	}
	httphandlers.NewSessionHandler(r.relay, r.cfg.RTMS.ClientID).SetupRoutes(read, write)
	httphandlers.NewStatusHandler(r.hub).SetupRoutes(read)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "healthy",
			"timestamp":   time.Now(),
			"uptime":      time.Since(r.startTime).String(),
			"instance_id": r.instanceID,
			"sessions":    len(r.relay.List()),
		})
	})

	router.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		readiness := r.health.GetReadinessStatus(ctx)
		code := http.StatusOK
		if readiness.Status != "healthy" {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, readiness)
	})

	if r.cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(metricsH))
	}

	return router
}

func (r *Relay) Handler() http.Handler { return r.router }

func (r *Relay) Service() ports.RelayService { return r.relay }

func (r *Relay) Status() *status.Hub { return r.hub }

// Shutdown stops every session and releases shared resources. Call it after
// the HTTP server has stopped accepting webhooks.
func (r *Relay) Shutdown(ctx context.Context) error {
	var errs []error

	r.webhook.Wait()
	if err := r.relay.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("relay shutdown: %w", err))
	}

	switch dir := r.directory.(type) {
	case interface{ ReleaseAll(context.Context) error }:
		if err := dir.ReleaseAll(ctx); err != nil {
			errs = append(errs, fmt.Errorf("release claims: %w", err))
		}
	case interface{ Close() }:
		dir.Close()
	}

	r.stopChecks()
	r.hub.Close()
	if r.bus != nil {
		if err := r.bus.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close event bus: %w", err))
		}
	}
	if err := r.factory.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close repositories: %w", err))
	}

	return errors.Join(errs...)
}
