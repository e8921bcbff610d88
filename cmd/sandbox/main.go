package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"rtmsrelay/internal/app"
	"rtmsrelay/pkg/config"
	"rtmsrelay/pkg/logger"

	"github.com/gin-gonic/gin"
)

// The sandbox stands in for the RTMS platform: point a relay webhook at it
// with POST /streams and it dials back through /signaling and /media.
func main() {
	envErr := config.LoadEnvFile(".env")

	configPaths := []string{
		"configs/config.yaml",
		"./configs/config.yaml",
		"/etc/rtmsrelay/config.yaml",
		"config.yaml",
	}

	var cfg *config.Config
	var err error

	for _, path := range configPaths {
		cfg, err = config.Load(path)
		if err == nil {
			break
		}
	}
	if err != nil {
		cfg = config.DefaultConfig()
	}

	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()

	log := zapLogger.Sugar().With("component", "sandbox")
	if envErr != nil {
		log.Warnw("ignoring .env file", "error", envErr)
	}
	if cfg.RTMS.ClientID == "" || cfg.RTMS.ClientSecret == "" {
		log.Fatal("rtms.client_id and rtms.client_secret are required to verify handshakes")
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	sandbox, handler := app.NewSandbox(cfg, log)

	srv := &http.Server{
		Addr:              cfg.Sandbox.Address,
		Handler:           handler,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting RTMS sandbox", "address", cfg.Sandbox.Address, "signaling_url", sandbox.SignalingURL())
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// hijacked websocket connections are not tracked by Shutdown
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		_ = srv.Close()
	}
	log.Info("RTMS sandbox stopped")
}
