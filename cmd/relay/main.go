package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"rtmsrelay/internal/app"
	"rtmsrelay/internal/infrastructure/capture"
	"rtmsrelay/internal/infrastructure/capture/devices"
	"rtmsrelay/pkg/config"
	"rtmsrelay/pkg/logger"
	"rtmsrelay/pkg/tracing"

	"github.com/gin-gonic/gin"
)

func main() {
	envErr := config.LoadEnvFile(".env")

	// Try multiple config paths
	configPaths := []string{
		"configs/config.yaml",
		"./configs/config.yaml",
		"/etc/rtmsrelay/config.yaml",
		"config.yaml",
	}

	var cfg *config.Config
	var err error
	var loadedFrom string

	for _, path := range configPaths {
		cfg, err = config.Load(path)
		if err == nil {
			loadedFrom = path
			break
		}
	}

	if err != nil {
		// Fallback to defaults if config cannot be loaded
		cfg = config.DefaultConfig()
	}

	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()

	log := zapLogger.Sugar()
	if err != nil {
		log.Warnw("no usable config file, using defaults", "error", err)
	} else {
		log.Infow("loaded config", "path", loadedFrom)
	}
	if envErr != nil {
		log.Warnw("ignoring .env file", "error", envErr)
	}

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	var opener capture.Opener
	if cfg.Capture.Device == "mediadevices" {
		opener = devices.Opener(capture.OptionsFromConfig(cfg))
	}

	relay, err := app.NewRelay(context.Background(), cfg, log, app.Options{Opener: opener})
	if err != nil {
		log.Fatalw("failed to assemble relay", "error", err)
	}

	// no WriteTimeout: /api/v1/events is a long-lived stream
	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           relay.Handler(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting RTMS relay", "address", cfg.Server.Address, "webhook_path", cfg.Webhook.Path)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("error force closing server", "error", closeErr)
		}
	}

	// every session reports STOPPED before its sockets close
	if err := relay.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error stopping relay", "error", err)
	}

	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error flushing traces", "error", err)
	}

	log.Info("RTMS relay stopped")
}
