package worker

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/google/uuid"
	pkgredis "github.com/prohmpiriya/seat-rush/pkg/redis"
)

//go:embed scripts/lease_acquire.lua
var leaseAcquireScript string

//go:embed scripts/lease_release.lua
var leaseReleaseScript string

const (
	scriptLeaseAcquire = "lease_acquire"
	scriptLeaseRelease = "lease_release"

	// SweeperLeaseKey is the Redis key of the sweeper leader lease
	SweeperLeaseKey = "sweeper:leader"
)

// LeaderLease elects one sweeper per cluster. It only avoids duplicate
// work; expiry stays correct when two instances scan at once.
type LeaderLease interface {
	// Acquire takes the lease or extends it if already held
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// RedisLease is a SET NX PX lease whose extend and release check the owner token
type RedisLease struct {
	client *pkgredis.Client
	key    string
	token  string
	ttl    time.Duration
}

// NewRedisLease creates a lease on key held for ttl per acquire
func NewRedisLease(client *pkgredis.Client, key string, ttl time.Duration) *RedisLease {
	if key == "" {
		key = SweeperLeaseKey
	}
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &RedisLease{
		client: client,
		key:    key,
		token:  uuid.New().String(),
		ttl:    ttl,
	}
}

func (l *RedisLease) Acquire(ctx context.Context) (bool, error) {
	n, err := l.client.EvalWithFallback(ctx, scriptLeaseAcquire, leaseAcquireScript,
		[]string{l.key}, l.token, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease %s: %w", l.key, err)
	}
	return n == 1, nil
}

func (l *RedisLease) Release(ctx context.Context) error {
	if err := l.client.EvalWithFallback(ctx, scriptLeaseRelease, leaseReleaseScript,
		[]string{l.key}, l.token).Err(); err != nil {
		return fmt.Errorf("failed to release lease %s: %w", l.key, err)
	}
	return nil
}

// LocalLease always leads; for a single process
type LocalLease struct{}

func (LocalLease) Acquire(ctx context.Context) (bool, error) { return true, nil }
func (LocalLease) Release(ctx context.Context) error         { return nil }
