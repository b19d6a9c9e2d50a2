package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prohmpiriya/seat-rush/internal/di"
	"github.com/prohmpiriya/seat-rush/internal/metrics"
	"github.com/prohmpiriya/seat-rush/pkg/config"
	"github.com/prohmpiriya/seat-rush/pkg/logger"
	"github.com/prohmpiriya/seat-rush/pkg/middleware"
	"github.com/prohmpiriya/seat-rush/pkg/telemetry"
)

const serviceName = "seat-gateway"

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize logger
	logCfg := &logger.Config{
		Level:       cfg.App.Environment,
		ServiceName: serviceName,
		Development: cfg.IsDevelopment(),
	}
	if err := logger.Init(logCfg); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	appLog := logger.Get()
	appLog.Info(fmt.Sprintf("Starting Seat Gateway (worker %s)...", cfg.Gateway.WorkerID))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize telemetry
	if _, err := telemetry.Init(ctx, &telemetry.Config{
		Enabled:        cfg.OTel.Enabled,
		ServiceName:    serviceName,
		ServiceVersion: cfg.App.Version,
		CollectorAddr:  cfg.OTel.CollectorAddr,
		SampleRatio:    cfg.OTel.SampleRatio,
	}); err != nil {
		appLog.Warn(fmt.Sprintf("Telemetry disabled: %v", err))
	}
	if err := metrics.Init(); err != nil {
		appLog.Warn(fmt.Sprintf("Failed to register metrics: %v", err))
	}

	infra, err := di.NewInfrastructure(ctx, cfg, di.InfrastructureOptions{Transport: true, Sink: true})
	if err != nil {
		appLog.Fatal(fmt.Sprintf("Failed to initialize infrastructure: %v", err))
	}
	defer infra.Close()

	container := di.NewContainer(cfg, infra)

	// Subscriptions left by a previous process with this worker id point at
	// sessions that no longer exist
	if removed, err := infra.Registry.UnsubscribeWorker(ctx, cfg.Gateway.WorkerID); err != nil {
		appLog.Warn(fmt.Sprintf("Failed to clear stale subscriptions: %v", err))
	} else if removed > 0 {
		appLog.Info(fmt.Sprintf("Cleared %d stale subscriptions", removed))
	}

	if container.Provisioner != nil {
		if _, err := container.Provisioner.Provision(ctx); err != nil {
			appLog.Error(fmt.Sprintf("Catalog provisioning failed: %v", err))
		}
	}

	// Start receiving broadcasts for this worker
	dispatcherDone := make(chan struct{})
	go func() {
		defer close(dispatcherDone)
		if err := container.Dispatcher.Run(ctx); err != nil && ctx.Err() == nil {
			appLog.Fatal(fmt.Sprintf("Broadcast dispatcher stopped: %v", err))
		}
	}()

	if container.Sweeper != nil {
		if err := container.Sweeper.Start(ctx); err != nil {
			appLog.Error(fmt.Sprintf("Failed to start sweeper: %v", err))
		}
	}

	// Setup Gin
	if !cfg.App.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.Logger(appLog, "/health", "/ready"))
	router.Use(telemetry.TracingMiddleware(serviceName))
	corsCfg := middleware.DefaultCORSConfig()
	corsCfg.AllowOrigins = cfg.Gateway.CORSOrigins
	router.Use(middleware.CORSWithConfig(corsCfg))

	// Health check endpoints
	router.GET("/health", container.HealthHandler.Health)
	router.GET("/ready", container.HealthHandler.Ready)

	// WebSocket endpoint
	router.GET("/ws", container.Gateway.HandleWebSocket)

	// API routes
	v1 := router.Group("/api/v1")
	{
		v1.GET("/status", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{
				"status":      "ok",
				"version":     cfg.App.Version,
				"service":     serviceName,
				"worker_id":   cfg.Gateway.WorkerID,
				"connections": container.Gateway.ConnectionCount(),
			})
		})

		events := v1.Group("/events/:eventId")
		{
			events.GET("/seats", container.SeatHandler.GetSeats)
			events.GET("/stats", container.SeatHandler.GetStats)
		}

		v1.GET("/sweeper/stats", container.SweeperHandler.GetStats)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 2 * time.Second,
		IdleTimeout:       cfg.Server.IdleTimeout,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		appLog.Info(fmt.Sprintf("Seat Gateway listening on %s", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLog.Fatal(fmt.Sprintf("Failed to start server: %v", err))
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	appLog.Info("Shutting down gateway...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Hijacked WebSocket connections are not closed by srv.Shutdown
	if err := container.Gateway.Shutdown(shutdownCtx); err != nil {
		appLog.Error(fmt.Sprintf("Gateway shutdown: %v", err))
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLog.Error(fmt.Sprintf("Server forced to shutdown: %v", err))
	}
	if container.Sweeper != nil {
		container.Sweeper.Stop()
	}

	cancel()
	<-dispatcherDone
	if err := container.Publisher.Close(); err != nil {
		appLog.Warn(fmt.Sprintf("Publisher close: %v", err))
	}
	if err := telemetry.Shutdown(shutdownCtx); err != nil {
		appLog.Warn(fmt.Sprintf("Telemetry shutdown: %v", err))
	}

	appLog.Info("Gateway exited gracefully")
}
