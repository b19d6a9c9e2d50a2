package di

import (
	"github.com/prohmpiriya/seat-rush/internal/bus"
	"github.com/prohmpiriya/seat-rush/internal/catalog"
	"github.com/prohmpiriya/seat-rush/internal/gateway"
	"github.com/prohmpiriya/seat-rush/internal/handler"
	"github.com/prohmpiriya/seat-rush/internal/registry"
	"github.com/prohmpiriya/seat-rush/internal/service"
	"github.com/prohmpiriya/seat-rush/internal/worker"
	"github.com/prohmpiriya/seat-rush/pkg/config"
	"github.com/prohmpiriya/seat-rush/pkg/retry"
)

// Container holds all dependencies of a gateway worker
type Container struct {
	// Infrastructure
	Infra *Infrastructure

	// Broadcast bus
	Publisher  *bus.Publisher
	Rooms      *registry.LocalRooms
	Dispatcher *bus.Dispatcher

	// Services
	ReservationService service.ReservationService
	Gateway            *gateway.Gateway
	Sweeper            *worker.ExpiryWorker
	Provisioner        *catalog.Provisioner

	// Handlers
	HealthHandler  *handler.HealthHandler
	SeatHandler    *handler.SeatHandler
	SweeperHandler *handler.SweeperHandler
}

// NewContainer creates a new dependency injection container. infra must
// have been built with a transport.
func NewContainer(cfg *config.Config, infra *Infrastructure) *Container {
	c := &Container{Infra: infra}

	// Bus
	c.Publisher = bus.NewPublisher(infra.Registry, infra.Transport, &bus.PublisherConfig{
		SendTimeout: cfg.Bus.SendTimeout,
		Retry: &retry.Config{
			MaxRetries:      cfg.Bus.MaxRetries,
			InitialInterval: retry.DefaultConfig().InitialInterval,
			MaxInterval:     retry.DefaultConfig().MaxInterval,
			Multiplier:      2.0,
			JitterFactor:    0.2,
		},
	})
	c.Rooms = registry.NewLocalRooms()
	c.Dispatcher = bus.NewDispatcher(cfg.Gateway.WorkerID, infra.Transport, c.Rooms, nil)

	// Services
	c.ReservationService = NewReservationService(cfg, infra, c.Publisher)
	c.Gateway = gateway.NewGateway(
		c.ReservationService,
		infra.Registry,
		c.Rooms,
		gateway.NewAuthenticator(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.Required),
		&gateway.Config{
			WorkerID:       cfg.Gateway.WorkerID,
			AllowedOrigins: cfg.Gateway.CORSOrigins,
			WriteTimeout:   cfg.Gateway.WriteTimeout,
			PingInterval:   cfg.Gateway.PingInterval,
			MaxMessageSize: cfg.Gateway.MaxMessage,
			SendBuffer:     cfg.Bus.SubscriberBuffer,
		},
	)
	if cfg.Sweeper.Enabled {
		c.Sweeper = NewSweeper(cfg, infra, c.ReservationService)
	}
	if infra.Catalog != nil {
		c.Provisioner = catalog.NewProvisioner(infra.Catalog, infra.Store)
	}

	// Handlers
	c.HealthHandler = handler.NewHealthHandler(infra.HealthChecks())
	c.SeatHandler = handler.NewSeatHandler(c.ReservationService)
	if c.Sweeper != nil {
		c.SweeperHandler = handler.NewSweeperHandler(c.Sweeper)
	} else {
		c.SweeperHandler = handler.NewSweeperHandler(nil)
	}

	return c
}

// NewReservationService builds the coordinator over infra's store and sink
func NewReservationService(cfg *config.Config, infra *Infrastructure, publisher service.StateChangePublisher) service.ReservationService {
	return service.NewReservationService(infra.Store, publisher, infra.Sink, &service.ReservationServiceConfig{
		DefaultTTL: cfg.Hold.DefaultTTL,
		MinTTL:     cfg.Hold.MinTTL,
		MaxTTL:     cfg.Hold.MaxTTL,
	})
}

// NewSweeper builds the hold expiry sweeper. With Redis the sweepers of
// all processes share one leader lease.
func NewSweeper(cfg *config.Config, infra *Infrastructure, expirer worker.HoldExpirer) *worker.ExpiryWorker {
	var lease worker.LeaderLease = worker.LocalLease{}
	if infra.Redis != nil && cfg.Store.Backend == "redis" {
		lease = worker.NewRedisLease(infra.Redis, worker.SweeperLeaseKey, cfg.Sweeper.LeaseTTL)
	}
	return worker.NewExpiryWorker(infra.Store, expirer, lease, &worker.ExpiryWorkerConfig{
		ScanInterval: cfg.Sweeper.Interval,
		BatchSize:    cfg.Sweeper.BatchSize,
	})
}
