package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/prohmpiriya/seat-rush/internal/bus"
	"github.com/prohmpiriya/seat-rush/internal/di"
	"github.com/prohmpiriya/seat-rush/internal/metrics"
	"github.com/prohmpiriya/seat-rush/pkg/config"
	"github.com/prohmpiriya/seat-rush/pkg/logger"
	"github.com/prohmpiriya/seat-rush/pkg/telemetry"
)

const serviceName = "hold-sweeper"

// The sweeper runs apart from the gateways when holds must keep expiring
// while every gateway is being redeployed. It publishes expirations on the
// bus like any gateway would.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

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
	appLog.Info("Starting Hold Sweeper...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

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

	infra, err := di.NewInfrastructure(ctx, cfg, di.InfrastructureOptions{Transport: true})
	if err != nil {
		appLog.Fatal(fmt.Sprintf("Failed to initialize infrastructure: %v", err))
	}
	defer infra.Close()

	publisher := bus.NewPublisher(infra.Registry, infra.Transport, &bus.PublisherConfig{
		SendTimeout: cfg.Bus.SendTimeout,
	})
	defer publisher.Close()

	svc := di.NewReservationService(cfg, infra, publisher)
	sweeper := di.NewSweeper(cfg, infra, svc)
	if err := sweeper.Start(ctx); err != nil {
		appLog.Fatal(fmt.Sprintf("Failed to start sweeper: %v", err))
	}

	appLog.Info("Hold Sweeper started successfully")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLog.Info("Shutting down sweeper...")
	sweeper.Stop()
	publisher.Flush()

	stats := sweeper.GetStats()
	appLog.Info(fmt.Sprintf("Sweeper exited gracefully (scans: %d, expired: %d)", stats.TotalScans, stats.TotalExpired))
}
