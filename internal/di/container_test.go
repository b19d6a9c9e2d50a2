package di

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prohmpiriya/seat-rush/internal/bus"
	"github.com/prohmpiriya/seat-rush/internal/domain"
	"github.com/prohmpiriya/seat-rush/internal/registry"
	"github.com/prohmpiriya/seat-rush/internal/service"
	"github.com/prohmpiriya/seat-rush/internal/store"
	"github.com/prohmpiriya/seat-rush/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func memoryConfig() *config.Config {
	cfg := &config.Config{}
	cfg.App.Name = "seat-rush"
	cfg.App.Environment = "development"
	cfg.Gateway.WorkerID = "w1"
	cfg.Store.Backend = "memory"
	cfg.Bus.Transport = "memory"
	cfg.Bus.SubscriberBuffer = 16
	cfg.Hold.DefaultTTL = 2 * time.Minute
	cfg.Hold.MinTTL = 5 * time.Second
	cfg.Hold.MaxTTL = 3 * time.Minute
	cfg.Sweeper.Enabled = true
	cfg.Sweeper.Interval = time.Second
	return cfg
}

type collector struct {
	mu      sync.Mutex
	changes []*domain.StateChange
}

func (c *collector) ID() string { return "conn-1" }

func (c *collector) Offer(change *domain.StateChange) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.changes = append(c.changes, change)
	return true
}

func (c *collector) Drop(reason string) {}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.changes)
}

func TestNewInfrastructure_Memory(t *testing.T) {
	infra, err := NewInfrastructure(context.Background(), memoryConfig(), InfrastructureOptions{Transport: true, Sink: true})
	require.NoError(t, err)
	defer infra.Close()

	assert.Nil(t, infra.Redis)
	assert.Nil(t, infra.CatalogDB)
	assert.IsType(t, &store.MemoryStore{}, infra.Store)
	assert.IsType(t, &registry.MemoryRegistry{}, infra.Registry)
	assert.IsType(t, &bus.MemoryTransport{}, infra.Transport)
	assert.IsType(t, &service.NoOpReservationSink{}, infra.Sink)

	checks := infra.HealthChecks()
	assert.Contains(t, checks, "store")
	assert.Contains(t, checks, "registry")
	assert.NotContains(t, checks, "catalog")
	assert.NotContains(t, checks, "redis")
}

func TestNewInfrastructure_RedisHealthCheck(t *testing.T) {
	mr := miniredis.RunT(t)
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)

	cfg := memoryConfig()
	cfg.Store.Backend = "redis"
	cfg.Redis.Host = mr.Host()
	cfg.Redis.Port = port
	cfg.Redis.PoolSize = 4
	cfg.Redis.DialTimeout = time.Second
	cfg.Redis.ReadTimeout = time.Second
	cfg.Redis.WriteTimeout = time.Second

	infra, err := NewInfrastructure(context.Background(), cfg, InfrastructureOptions{})
	require.NoError(t, err)
	defer infra.Close()

	checks := infra.HealthChecks()
	require.Contains(t, checks, "redis")
	assert.NoError(t, checks["redis"](context.Background()))

	mr.Close()
	assert.Error(t, checks["redis"](context.Background()))
}

func TestNewContainer_WiresHoldToBroadcast(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := memoryConfig()
	infra, err := NewInfrastructure(ctx, cfg, InfrastructureOptions{Transport: true})
	require.NoError(t, err)
	defer infra.Close()

	c := NewContainer(cfg, infra)
	defer c.Publisher.Close()

	require.NotNil(t, c.Sweeper)
	assert.Nil(t, c.Provisioner)
	assert.Equal(t, "w1", c.Gateway.WorkerID())

	_, err = infra.Store.InitEvent(ctx, "evt-1", []string{"A1"})
	require.NoError(t, err)

	go func() { _ = c.Dispatcher.Run(ctx) }()
	mt := infra.Transport.(*bus.MemoryTransport)
	require.Eventually(t, func() bool { return mt.Receiving("w1") }, time.Second, time.Millisecond)

	sub := &collector{}
	require.NoError(t, infra.Registry.Subscribe(ctx, "evt-1", sub.ID(), "w1"))
	c.Rooms.Join("evt-1", sub)

	hold, err := c.ReservationService.Hold(ctx, &service.HoldRequest{EventID: "evt-1", SeatID: "A1", HolderID: "alice"})
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(cfg.Hold.DefaultTTL), hold.ExpiresAt, 5*time.Second)

	assert.Eventually(t, func() bool { return sub.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestNewSweeper_LocalLeaseWithoutRedis(t *testing.T) {
	cfg := memoryConfig()
	infra, err := NewInfrastructure(context.Background(), cfg, InfrastructureOptions{})
	require.NoError(t, err)
	defer infra.Close()

	svc := NewReservationService(cfg, infra, nil)
	sweeper := NewSweeper(cfg, infra, svc)

	// A local lease always leads, so a scan runs
	sweeper.Scan(context.Background())
	stats := sweeper.GetStats()
	assert.True(t, stats.IsLeader)
	assert.Equal(t, int64(1), stats.TotalScans)
}
