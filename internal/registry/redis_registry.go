package registry

import (
	"context"
	_ "embed"
	"fmt"
	"sort"
	"strings"

	"github.com/prohmpiriya/seat-rush/internal/domain"
	pkgredis "github.com/prohmpiriya/seat-rush/pkg/redis"
	"github.com/prohmpiriya/seat-rush/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

//go:embed scripts/subscribe.lua
var subscribeScript string

//go:embed scripts/unsubscribe.lua
var unsubscribeScript string

const (
	scriptSubscribe   = "registry_subscribe"
	scriptUnsubscribe = "registry_unsubscribe"
)

// The two room keys share the {event} tag; the per-worker index lives in
// its own slot and is updated outside the scripts.
func roomKey(eventID string) string        { return fmt.Sprintf("room:{%s}", eventID) }
func roomWorkersKey(eventID string) string { return fmt.Sprintf("room:{%s}:workers", eventID) }
func workerSubsKey(workerID string) string { return fmt.Sprintf("worker:{%s}:subs", workerID) }

const memberSep = "\x00"

func subMember(eventID, connID string) string { return eventID + memberSep + connID }

func splitMember(m string) (eventID, connID string, ok bool) {
	return strings.Cut(m, memberSep)
}

// RedisRegistry is the cluster-wide registry shared by every worker
type RedisRegistry struct {
	client *pkgredis.Client
}

// NewRedisRegistry creates a new Redis backed registry
func NewRedisRegistry(client *pkgredis.Client) *RedisRegistry {
	return &RedisRegistry{client: client}
}

func (r *RedisRegistry) Subscribe(ctx context.Context, eventID, connID, workerID string) error {
	ctx, span := telemetry.StartSpan(ctx, "registry.redis.subscribe")
	defer span.End()
	span.SetAttributes(
		attribute.String("event_id", eventID),
		attribute.String("worker_id", workerID),
	)

	if eventID == "" || connID == "" || workerID == "" {
		return domain.ErrInvalidRequest
	}

	err := r.client.EvalWithFallback(ctx, scriptSubscribe, subscribeScript,
		[]string{roomKey(eventID), roomWorkersKey(eventID)}, connID, workerID).Err()
	if err == nil {
		err = r.client.SAdd(ctx, workerSubsKey(workerID), subMember(eventID, connID)).Err()
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to subscribe %s to %s: %w", connID, eventID, err)
	}
	return nil
}

func (r *RedisRegistry) Unsubscribe(ctx context.Context, eventID, connID string) error {
	ctx, span := telemetry.StartSpan(ctx, "registry.redis.unsubscribe")
	defer span.End()
	span.SetAttributes(attribute.String("event_id", eventID))

	if _, err := r.unsubscribe(ctx, eventID, connID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// unsubscribe reports whether a subscription was removed
func (r *RedisRegistry) unsubscribe(ctx context.Context, eventID, connID string) (bool, error) {
	workerID, err := r.client.EvalWithFallback(ctx, scriptUnsubscribe, unsubscribeScript,
		[]string{roomKey(eventID), roomWorkersKey(eventID)}, connID).Text()
	if pkgredis.IsNil(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to unsubscribe %s from %s: %w", connID, eventID, err)
	}

	if err := r.client.SRem(ctx, workerSubsKey(workerID), subMember(eventID, connID)).Err(); err != nil {
		return true, fmt.Errorf("failed to update worker index for %s: %w", workerID, err)
	}
	return true, nil
}

func (r *RedisRegistry) ListSubscribers(ctx context.Context, eventID string) ([]domain.Subscription, error) {
	entries, err := r.client.HGetAll(ctx, roomKey(eventID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list subscribers of %s: %w", eventID, err)
	}

	subs := make([]domain.Subscription, 0, len(entries))
	for connID, workerID := range entries {
		subs = append(subs, domain.Subscription{EventID: eventID, ConnectionID: connID, WorkerID: workerID})
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].ConnectionID < subs[j].ConnectionID })
	return subs, nil
}

func (r *RedisRegistry) Workers(ctx context.Context, eventID string) ([]string, error) {
	ctx, span := telemetry.StartSpan(ctx, "registry.redis.workers")
	defer span.End()

	workers, err := r.client.HKeys(ctx, roomWorkersKey(eventID)).Result()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to resolve workers of %s: %w", eventID, err)
	}
	sort.Strings(workers)
	span.SetAttributes(attribute.Int("workers", len(workers)))
	return workers, nil
}

func (r *RedisRegistry) UnsubscribeWorker(ctx context.Context, workerID string) (int, error) {
	ctx, span := telemetry.StartSpan(ctx, "registry.redis.unsubscribe_worker")
	defer span.End()
	span.SetAttributes(attribute.String("worker_id", workerID))

	members, err := r.client.SMembers(ctx, workerSubsKey(workerID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read subscriptions of worker %s: %w", workerID, err)
	}

	removed := 0
	for _, m := range members {
		eventID, connID, ok := splitMember(m)
		if !ok {
			continue
		}
		done, err := r.unsubscribe(ctx, eventID, connID)
		if err != nil {
			span.RecordError(err)
			return removed, err
		}
		if done {
			removed++
		}
	}

	if err := r.client.Del(ctx, workerSubsKey(workerID)).Err(); err != nil {
		return removed, fmt.Errorf("failed to clear worker index %s: %w", workerID, err)
	}
	span.SetAttributes(attribute.Int("removed", removed))
	return removed, nil
}

func (r *RedisRegistry) Ping(ctx context.Context) error {
	return r.client.Ping(ctx)
}
