package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"aetherlive/internal/core/ports"
	"aetherlive/internal/core/services"
	httphandlers "aetherlive/internal/handlers/http"
	"aetherlive/internal/infrastructure/middleware"
	"aetherlive/internal/infrastructure/monitoring"
	"aetherlive/internal/infrastructure/relay"
	"aetherlive/internal/infrastructure/rendezvous"
	"aetherlive/internal/infrastructure/repositories"
	"aetherlive/internal/infrastructure/transcode"
	"aetherlive/pkg/config"
	"aetherlive/pkg/logger"
	"aetherlive/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	startTime := time.Now()

	// Try multiple config paths
	configPaths := []string{
		"configs/config.yaml",
		"./configs/config.yaml",
		"/etc/aetherlive/config.yaml",
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
		// Fallback to defaults if config cannot be loaded
		cfg = config.DefaultConfig()
	}

	zapLogger := logger.New(cfg.Logging.Level)
	defer zapLogger.Sync()

	log := zapLogger.Sugar()

	tracerProvider, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "aetherlive-relay",
		JaegerURL:   cfg.Tracing.JaegerURL,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	repoFactory, err := repositories.NewRepositoryFactory(cfg, log)
	if err != nil {
		log.Fatalw("failed to create repository factory", "error", err)
	}

	statsRepo := repoFactory.CreateSessionStatsRepository()

	var authService services.AuthService
	if cfg.Auth.Enabled {
		authService = services.NewAuthService(cfg.Auth.SharedSecret, cfg.Auth.TokenTTL)
		log.Info("relay authentication enabled")
	}

	var metrics ports.RelayMetrics = monitoring.NopMetrics{}
	if cfg.Monitoring.PrometheusEnabled {
		metrics = monitoring.NewPrometheusCollector()
	}

	transcoderFactory := transcode.NewFactory(cfg, zapLogger)
	registry := relay.NewRegistry(statsRepo, zapLogger)
	wsServer := relay.NewWebSocketServer(registry, transcoderFactory, authService, metrics, cfg, zapLogger)

	rendezvousServer := rendezvous.NewServer(zapLogger)

	// Relay endpoint runs on its own listener so media traffic never
	// competes with the API surface. The rendezvous endpoint rides
	// along for deployments that do not use a third-party cloud.
	relayMux := http.NewServeMux()
	relayMux.HandleFunc("/ws/relay", wsServer.HandleRelay)
	relayMux.HandleFunc("/ws/rendezvous", rendezvousServer.HandleRendezvous)
	relayMux.HandleFunc("/health", wsServer.HealthCheck)

	relaySrv := &http.Server{
		Addr:    cfg.Relay.Address,
		Handler: relayMux,
	}

	// API surface
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()
	router.Use(middleware.NewHTTPRateLimitMiddleware(cfg))
	if cfg.Tracing.Enabled {
		router.Use(middleware.TracingMiddleware())
	}

	sessionHandler := httphandlers.NewSessionHandler(registry, authService)
	sessionHandler.SetupRoutes(router)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":    "healthy",
			"timestamp": time.Now(),
			"uptime":    time.Since(startTime).String(),
			"sessions":  registry.Count(),
		})
	})

	router.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		if err := repoFactory.HealthCheck(ctx); err != nil {
			c.JSON(503, gin.H{
				"status":       "not_ready",
				"timestamp":    time.Now(),
				"dependencies": "unhealthy",
				"error":        err.Error(),
			})
			return
		}

		c.JSON(200, gin.H{
			"status":       "ready",
			"timestamp":    time.Now(),
			"dependencies": "ok",
		})
	})

	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
		log.Info("Prometheus metrics enabled")
	}

	apiSrv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 2)
	go func() {
		log.Infof("Starting relay endpoint on %s", cfg.Relay.Address)
		if err := relaySrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()
	go func() {
		log.Infof("Starting API server on %s", cfg.Server.Address)
		if err := apiSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("Server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("Received shutdown signal", "signal", sig)
	}

	log.Info("Shutting down relay...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := relaySrv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error during relay shutdown", "error", err)
		relaySrv.Close()
	}
	if err := apiSrv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error during API server shutdown", "error", err)
		apiSrv.Close()
	}

	if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error shutting down tracer provider", "error", err)
	}

	if err := repoFactory.Close(); err != nil {
		log.Errorw("Error closing repository factory", "error", err)
	}

	log.Info("Relay stopped")
}
