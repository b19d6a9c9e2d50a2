package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeEnvFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadWithPath_Defaults(t *testing.T) {
	cfg, err := LoadWithPath(writeEnvFile(t, "APP_NAME=seat-rush-test\n"))
	require.NoError(t, err)

	assert.Equal(t, "seat-rush-test", cfg.App.Name)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, 120*time.Second, cfg.Hold.DefaultTTL)
	assert.Equal(t, 5*time.Second, cfg.Hold.MinTTL)
	assert.Equal(t, 180*time.Second, cfg.Hold.MaxTTL)
	assert.Equal(t, 2*time.Second, cfg.Sweeper.Interval)
	assert.Equal(t, "redis", cfg.Store.Backend)
	assert.Equal(t, "redis", cfg.Bus.Transport)
	assert.Equal(t, []string{"*"}, cfg.Gateway.CORSOrigins)
	assert.NotEmpty(t, cfg.Gateway.WorkerID)
}

func TestLoadWithPath_FileOverrides(t *testing.T) {
	path := writeEnvFile(t, `
SERVER_PORT=4000
HOLD_DEFAULT_TTL=60s
BUS_TRANSPORT=kafka
KAFKA_BROKERS=k1:9092, k2:9092
CORS_ORIGIN=http://a.test,http://b.test
GATEWAY_WORKER_ID=worker-7
`)
	cfg, err := LoadWithPath(path)
	require.NoError(t, err)

	assert.Equal(t, 4000, cfg.Server.Port)
	assert.Equal(t, 60*time.Second, cfg.Hold.DefaultTTL)
	assert.Equal(t, "kafka", cfg.Bus.Transport)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.Gateway.CORSOrigins)
	assert.Equal(t, "worker-7", cfg.Gateway.WorkerID)
}

func TestLoadWithPath_EnvOverridesFile(t *testing.T) {
	t.Setenv("SWEEPER_BATCH_SIZE", "50")
	cfg, err := LoadWithPath(writeEnvFile(t, "SWEEPER_BATCH_SIZE=10\n"))
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.Sweeper.BatchSize)
}

func TestLoadWithPath_MissingFile(t *testing.T) {
	_, err := LoadWithPath(filepath.Join(t.TempDir(), "missing.env"))
	assert.Error(t, err)
}

func validConfig() *Config {
	return &Config{
		App:     AppConfig{Name: "seat-rush", Environment: "development"},
		Server:  ServerConfig{Port: 3000},
		Store:   StoreConfig{Backend: "redis"},
		Bus:     BusConfig{Transport: "redis"},
		Hold:    HoldConfig{DefaultTTL: 120 * time.Second, MinTTL: 5 * time.Second, MaxTTL: 180 * time.Second},
		Sweeper: SweeperConfig{Interval: 2 * time.Second},
		JWT:     JWTConfig{Secret: "s"},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"missing app name", func(c *Config) { c.App.Name = "" }, true},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, true},
		{"inverted ttl bounds", func(c *Config) { c.Hold.MaxTTL = time.Second }, true},
		{"default ttl out of range", func(c *Config) { c.Hold.DefaultTTL = time.Hour }, true},
		{"zero sweeper interval", func(c *Config) { c.Sweeper.Interval = 0 }, true},
		{"unknown store", func(c *Config) { c.Store.Backend = "etcd" }, true},
		{"unknown transport", func(c *Config) { c.Bus.Transport = "nats" }, true},
		{"memory store in production", func(c *Config) {
			c.App.Environment = "production"
			c.Store.Backend = "memory"
		}, true},
		{"kafka without brokers", func(c *Config) { c.Bus.Transport = "kafka" }, true},
		{"default secret in production", func(c *Config) {
			c.App.Environment = "production"
			c.JWT.Secret = "your-secret-key-change-in-production"
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, splitList(" a, ,b "))
	assert.Empty(t, splitList(""))
}
