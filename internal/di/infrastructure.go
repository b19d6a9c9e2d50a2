package di

import (
	"context"
	"fmt"
	"time"

	"github.com/prohmpiriya/seat-rush/internal/bus"
	"github.com/prohmpiriya/seat-rush/internal/catalog"
	"github.com/prohmpiriya/seat-rush/internal/handler"
	"github.com/prohmpiriya/seat-rush/internal/notify"
	"github.com/prohmpiriya/seat-rush/internal/registry"
	"github.com/prohmpiriya/seat-rush/internal/service"
	"github.com/prohmpiriya/seat-rush/internal/store"
	"github.com/prohmpiriya/seat-rush/pkg/config"
	"github.com/prohmpiriya/seat-rush/pkg/database"
	"github.com/prohmpiriya/seat-rush/pkg/logger"
	pkgredis "github.com/prohmpiriya/seat-rush/pkg/redis"
)

// Infrastructure holds the connections shared by every binary
type Infrastructure struct {
	Redis     *pkgredis.Client
	CatalogDB *database.PostgresDB

	Store     store.Store
	Registry  registry.Registry
	Transport bus.Transport
	Sink      service.ReservationSink
	Catalog   *catalog.PostgresCatalog
}

// InfrastructureOptions selects the optional parts a binary needs
type InfrastructureOptions struct {
	// Transport connects the broadcast bus
	Transport bool
	// Sink connects the reservation sink when RabbitMQ is enabled
	Sink bool
}

// NewInfrastructure connects the store, registry and optional collaborators
// described by cfg. Optional collaborators that fail to connect fall back
// to no-op implementations; the store and bus are required.
func NewInfrastructure(ctx context.Context, cfg *config.Config, opts InfrastructureOptions) (*Infrastructure, error) {
	log := logger.Get()
	infra := &Infrastructure{}

	needRedis := cfg.Store.Backend == "redis" || (opts.Transport && cfg.Bus.Transport == "redis")
	if needRedis {
		client, err := pkgredis.NewClient(ctx, &pkgredis.Config{
			Host:          cfg.Redis.Host,
			Port:          cfg.Redis.Port,
			Password:      cfg.Redis.Password,
			DB:            cfg.Redis.DB,
			PoolSize:      cfg.Redis.PoolSize,
			MinIdleConns:  cfg.Redis.MinIdleConns,
			MaxRetries:    3,
			RetryInterval: 100 * time.Millisecond,
			DialTimeout:   cfg.Redis.DialTimeout,
			ReadTimeout:   cfg.Redis.ReadTimeout,
			WriteTimeout:  cfg.Redis.WriteTimeout,
			PoolTimeout:   4 * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("redis connection failed: %w", err)
		}
		infra.Redis = client
		log.Info(fmt.Sprintf("Redis connected (pool: %d, minIdle: %d)", cfg.Redis.PoolSize, cfg.Redis.MinIdleConns))
	}

	// The registry lives next to the seat state
	if cfg.Store.Backend == "redis" {
		redisStore := store.NewRedisStore(infra.Redis)
		if err := redisStore.LoadScripts(ctx); err != nil {
			log.Warn(fmt.Sprintf("Failed to pre-load Lua scripts: %v", err))
		} else {
			log.Info("Lua scripts pre-loaded into Redis")
		}
		infra.Store = redisStore
		infra.Registry = registry.NewRedisRegistry(infra.Redis)
	} else {
		log.Warn("Using in-memory seat store and registry; state is local to this process")
		infra.Store = store.NewMemoryStore()
		infra.Registry = registry.NewMemoryRegistry()
	}

	if opts.Transport {
		transport, err := newTransport(ctx, cfg, infra.Redis)
		if err != nil {
			infra.Close()
			return nil, err
		}
		infra.Transport = transport
	}

	infra.Sink = service.NewNoOpReservationSink()
	if opts.Sink && cfg.RabbitMQ.Enabled {
		sink, err := notify.NewRabbitMQSink(&notify.RabbitMQSinkConfig{
			URL:         cfg.RabbitMQ.URL,
			Queue:       cfg.RabbitMQ.Queue,
			BufferSize:  cfg.RabbitMQ.BufferSize,
			DialTimeout: cfg.RabbitMQ.DialTimeout,
		})
		if err != nil {
			log.Warn(fmt.Sprintf("RabbitMQ connection failed, confirmed reservations will not be forwarded: %v", err))
		} else {
			infra.Sink = sink
			log.Info(fmt.Sprintf("Reservation sink publishing to queue %s", cfg.RabbitMQ.Queue))
		}
	}

	if cfg.CatalogDatabase.Enabled {
		if err := cfg.ValidateCatalogDatabase(); err != nil {
			infra.Close()
			return nil, err
		}
		db, err := database.NewPostgres(ctx, &database.PostgresConfig{
			Host:            cfg.CatalogDatabase.Host,
			Port:            cfg.CatalogDatabase.Port,
			User:            cfg.CatalogDatabase.User,
			Password:        cfg.CatalogDatabase.Password,
			Database:        cfg.CatalogDatabase.DBName,
			SSLMode:         cfg.CatalogDatabase.SSLMode,
			MaxConns:        int32(cfg.CatalogDatabase.MaxOpenConns),
			MinConns:        int32(cfg.CatalogDatabase.MaxIdleConns),
			MaxConnLifetime: cfg.CatalogDatabase.ConnMaxLifetime,
			MaxConnIdleTime: cfg.CatalogDatabase.ConnMaxIdleTime,
			ConnectTimeout:  5 * time.Second,
			MaxRetries:      3,
			RetryInterval:   time.Second,
			EnableTracing:   cfg.OTel.Enabled,
		})
		if err != nil {
			infra.Close()
			return nil, fmt.Errorf("catalog database connection failed: %w", err)
		}
		infra.CatalogDB = db
		infra.Catalog = catalog.NewPostgresCatalog(db.Pool())
		log.Info("Catalog database connected")
	}

	return infra, nil
}

func newTransport(ctx context.Context, cfg *config.Config, client *pkgredis.Client) (bus.Transport, error) {
	switch cfg.Bus.Transport {
	case "redis":
		return bus.NewRedisTransport(client), nil
	case "kafka":
		t, err := bus.NewKafkaTransport(ctx, &bus.KafkaTransportConfig{
			Brokers:     cfg.Kafka.Brokers,
			Topic:       cfg.Bus.Topic,
			GroupPrefix: cfg.Kafka.ConsumerGroup,
			ClientID:    cfg.Kafka.ClientID,
		})
		if err != nil {
			return nil, fmt.Errorf("kafka bus connection failed: %w", err)
		}
		return t, nil
	default:
		logger.Get().Warn("Using in-memory bus; broadcasts stay within this process")
		return bus.NewMemoryTransport(cfg.Bus.SubscriberBuffer), nil
	}
}

// HealthChecks returns the readiness checks of the connected parts
func (i *Infrastructure) HealthChecks() map[string]handler.HealthCheck {
	checks := map[string]handler.HealthCheck{
		"store":    i.Store.Ping,
		"registry": i.Registry.Ping,
	}
	if i.Redis != nil {
		checks["redis"] = i.Redis.HealthCheck
	}
	if i.CatalogDB != nil {
		checks["catalog"] = i.CatalogDB.HealthCheck
	}
	return checks
}

// Close releases every connection
func (i *Infrastructure) Close() {
	log := logger.Get()
	if i.Transport != nil {
		if err := i.Transport.Close(); err != nil {
			log.Warn(fmt.Sprintf("Failed to close bus transport: %v", err))
		}
	}
	if i.Sink != nil {
		if err := i.Sink.Close(); err != nil {
			log.Warn(fmt.Sprintf("Failed to close reservation sink: %v", err))
		}
	}
	if i.CatalogDB != nil {
		i.CatalogDB.Close()
	}
	if i.Redis != nil {
		if err := i.Redis.Close(); err != nil {
			log.Warn(fmt.Sprintf("Failed to close Redis: %v", err))
		}
	}
}
