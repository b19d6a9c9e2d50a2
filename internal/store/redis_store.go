package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/prohmpiriya/seat-rush/internal/domain"
	pkgredis "github.com/prohmpiriya/seat-rush/pkg/redis"
	"github.com/prohmpiriya/seat-rush/pkg/telemetry"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

//go:embed scripts/compare_and_transition.lua
var compareAndTransitionScript string

//go:embed scripts/init_event.lua
var initEventScript string

// Script names for caching
const (
	scriptCompareAndTransition = "compare_and_transition"
	scriptInitEvent            = "init_event"
)

// initBatchSize bounds the number of KEYS passed to one init_event call
const initBatchSize = 500

var seatFields = []string{"status", "version", "hold_token", "holder_id", "expires_at", "lapsed_token"}

// Keys of one event share the {event} hash tag so a script touching the
// seat, the expiry index and the counts stays in one cluster slot.
func seatKey(eventID, seatID string) string { return fmt.Sprintf("seat:{%s}:%s", eventID, seatID) }
func holdsKey(eventID string) string         { return fmt.Sprintf("holds:{%s}", eventID) }
func countsKey(eventID string) string        { return fmt.Sprintf("counts:{%s}", eventID) }
func seatIDsKey(eventID string) string       { return fmt.Sprintf("seatids:{%s}", eventID) }

const eventsKey = "events"

// RedisStore implements Store on Redis hashes and Lua scripts
type RedisStore struct {
	client *pkgredis.Client
}

// NewRedisStore creates a new RedisStore
func NewRedisStore(client *pkgredis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// LoadScripts loads all Lua scripts into Redis
func (s *RedisStore) LoadScripts(ctx context.Context) error {
	scripts := map[string]string{
		scriptCompareAndTransition: compareAndTransitionScript,
		scriptInitEvent:            initEventScript,
	}

	for name, script := range scripts {
		if _, err := s.client.LoadScript(ctx, name, script); err != nil {
			return unavailable(fmt.Errorf("failed to load script %s: %w", name, err))
		}
	}
	return nil
}

// CompareAndTransition applies t atomically if the stored version matches
func (s *RedisStore) CompareAndTransition(ctx context.Context, t Transition) (*TransitionResult, error) {
	ctx, span := telemetry.StartSpan(ctx, "store.redis.compare_and_transition")
	defer span.End()

	span.SetAttributes(
		attribute.String("event_id", t.EventID),
		attribute.String("seat_id", t.SeatID),
		attribute.Int64("expected_version", t.ExpectedVersion),
		attribute.String("status", string(t.Status)),
	)

	if err := validateTransition(t); err != nil {
		span.SetStatus(codes.Error, "invalid transition")
		return nil, err
	}

	var expiresAt, requireLive string
	if t.Status == domain.SeatHeld {
		expiresAt = strconv.FormatInt(t.ExpiresAt.UnixMilli(), 10)
	}
	if t.RequireLiveHold {
		requireLive = "1"
	}

	keys := []string{seatKey(t.EventID, t.SeatID), holdsKey(t.EventID), countsKey(t.EventID)}
	args := []interface{}{
		t.ExpectedVersion, // ARGV[1]: expected version
		string(t.Status),  // ARGV[2]: new status
		t.HoldToken,       // ARGV[3]: hold token
		t.HolderID,        // ARGV[4]: holder id
		expiresAt,         // ARGV[5]: expires_at ms
		t.LapsedToken,     // ARGV[6]: lapsed token
		t.SeatID,          // ARGV[7]: seat id
		requireLive,       // ARGV[8]: require live hold
	}

	result := s.client.EvalWithFallback(ctx, scriptCompareAndTransition, compareAndTransitionScript, keys, args...)
	if result.Err() != nil {
		span.RecordError(result.Err())
		span.SetStatus(codes.Error, result.Err().Error())
		return nil, unavailable(fmt.Errorf("failed to execute compare_and_transition script: %w", result.Err()))
	}

	values, err := result.Slice()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to parse script result: %w", err)
	}

	code, _ := toInt64(values[0])
	if code < 0 {
		span.SetStatus(codes.Error, "seat not found")
		return nil, s.missingSeatError(ctx, t.EventID)
	}
	if len(values) < 7 {
		span.SetStatus(codes.Error, "unexpected result length")
		return nil, fmt.Errorf("unexpected script result length: %d", len(values))
	}

	seat, err := parseSeat(t.EventID, t.SeatID, values[1:])
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(
		attribute.Bool("applied", code == 1),
		attribute.Bool("hold_lapsed", code == 2),
		attribute.Int64("version", seat.Version),
	)
	span.SetStatus(codes.Ok, "")
	return &TransitionResult{Applied: code == 1, HoldLapsed: code == 2, Current: seat}, nil
}

// Get returns the current state of one seat
func (s *RedisStore) Get(ctx context.Context, eventID, seatID string) (*domain.Seat, error) {
	ctx, span := telemetry.StartSpan(ctx, "store.redis.get")
	defer span.End()
	span.SetAttributes(attribute.String("event_id", eventID), attribute.String("seat_id", seatID))

	values, err := s.client.Client().HMGet(ctx, seatKey(eventID, seatID), seatFields...).Result()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, unavailable(fmt.Errorf("failed to read seat %s: %w", seatID, err))
	}
	if values[0] == nil {
		return nil, s.missingSeatError(ctx, eventID)
	}
	return parseSeat(eventID, seatID, values)
}

// Snapshot reads every seat of the event with one pipeline
func (s *RedisStore) Snapshot(ctx context.Context, eventID string) ([]*domain.Seat, error) {
	ctx, span := telemetry.StartSpan(ctx, "store.redis.snapshot")
	defer span.End()
	span.SetAttributes(attribute.String("event_id", eventID))

	seatIDs, err := s.client.ZRange(ctx, seatIDsKey(eventID), 0, -1).Result()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, unavailable(fmt.Errorf("failed to list seats: %w", err))
	}
	if len(seatIDs) == 0 {
		if ok, err := s.EventExists(ctx, eventID); err != nil {
			return nil, err
		} else if !ok {
			return nil, domain.ErrEventNotFound
		}
		return []*domain.Seat{}, nil
	}

	seats, err := s.readSeats(ctx, eventID, seatIDs)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("seats", len(seats)))
	return seats, nil
}

// Counts returns the per-status counters maintained by the scripts
func (s *RedisStore) Counts(ctx context.Context, eventID string) (*domain.SeatCounts, error) {
	ctx, span := telemetry.StartSpan(ctx, "store.redis.counts")
	defer span.End()
	span.SetAttributes(attribute.String("event_id", eventID))

	raw, err := s.client.HGetAll(ctx, countsKey(eventID)).Result()
	if err != nil {
		span.RecordError(err)
		return nil, unavailable(fmt.Errorf("failed to read counts: %w", err))
	}
	if len(raw) == 0 {
		if ok, err := s.EventExists(ctx, eventID); err != nil {
			return nil, err
		} else if !ok {
			return nil, domain.ErrEventNotFound
		}
	}

	counts := &domain.SeatCounts{}
	counts.Free, _ = strconv.ParseInt(raw[string(domain.SeatFree)], 10, 64)
	counts.Held, _ = strconv.ParseInt(raw[string(domain.SeatHeld)], 10, 64)
	counts.Reserved, _ = strconv.ParseInt(raw[string(domain.SeatReserved)], 10, 64)
	return counts, nil
}

// InitEvent provisions the event's seats in batches; re-running is a no-op
// for seats that already exist
func (s *RedisStore) InitEvent(ctx context.Context, eventID string, seatIDs []string) (int, error) {
	ctx, span := telemetry.StartSpan(ctx, "store.redis.init_event")
	defer span.End()
	span.SetAttributes(attribute.String("event_id", eventID), attribute.Int("seats", len(seatIDs)))

	if eventID == "" {
		return 0, domain.ErrInvalidRequest
	}

	created := 0
	for start := 0; start < len(seatIDs); start += initBatchSize {
		end := start + initBatchSize
		if end > len(seatIDs) {
			end = len(seatIDs)
		}
		batch := seatIDs[start:end]

		keys := make([]string, 0, len(batch)+2)
		keys = append(keys, seatIDsKey(eventID), countsKey(eventID))
		args := make([]interface{}, 0, len(batch)+2)
		args = append(args, start, eventID)
		for _, id := range batch {
			keys = append(keys, seatKey(eventID, id))
			args = append(args, id)
		}

		n, err := s.client.EvalWithFallback(ctx, scriptInitEvent, initEventScript, keys, args...).Int()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return created, unavailable(fmt.Errorf("failed to execute init_event script: %w", err))
		}
		created += n
	}

	if err := s.client.SAdd(ctx, eventsKey, eventID).Err(); err != nil {
		span.RecordError(err)
		return created, unavailable(fmt.Errorf("failed to register event: %w", err))
	}

	span.SetAttributes(attribute.Int("created", created))
	span.SetStatus(codes.Ok, "")
	return created, nil
}

// EventExists reports whether the event was provisioned
func (s *RedisStore) EventExists(ctx context.Context, eventID string) (bool, error) {
	ok, err := s.client.SIsMember(ctx, eventsKey, eventID).Result()
	if err != nil {
		return false, unavailable(fmt.Errorf("failed to check event: %w", err))
	}
	return ok, nil
}

// ListEvents returns every provisioned event
func (s *RedisStore) ListEvents(ctx context.Context) ([]string, error) {
	ids, err := s.client.SMembers(ctx, eventsKey).Result()
	if err != nil {
		return nil, unavailable(fmt.Errorf("failed to list events: %w", err))
	}
	return ids, nil
}

// ExpiredHolds reads the expiry index and returns seats still HELD
func (s *RedisStore) ExpiredHolds(ctx context.Context, eventID string, now time.Time, limit int) ([]*domain.Seat, error) {
	ctx, span := telemetry.StartSpan(ctx, "store.redis.expired_holds")
	defer span.End()
	span.SetAttributes(attribute.String("event_id", eventID), attribute.Int("limit", limit))

	seatIDs, err := s.client.ZRangeByScore(ctx, holdsKey(eventID), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, unavailable(fmt.Errorf("failed to scan hold index: %w", err))
	}
	if len(seatIDs) == 0 {
		return nil, nil
	}

	seats, err := s.readSeats(ctx, eventID, seatIDs)
	if err != nil {
		return nil, err
	}

	expired := seats[:0]
	for _, seat := range seats {
		if seat.HoldLapsed(now) {
			expired = append(expired, seat)
		}
	}
	span.SetAttributes(attribute.Int("expired", len(expired)))
	return expired, nil
}

// Ping checks Redis connectivity
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx); err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *RedisStore) readSeats(ctx context.Context, eventID string, seatIDs []string) ([]*domain.Seat, error) {
	pipe := s.client.Pipeline()
	cmds := make([]*redis.SliceCmd, len(seatIDs))
	for i, id := range seatIDs {
		cmds[i] = pipe.HMGet(ctx, seatKey(eventID, id), seatFields...)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, unavailable(fmt.Errorf("failed to read seats: %w", err))
	}

	seats := make([]*domain.Seat, 0, len(seatIDs))
	for i, cmd := range cmds {
		values := cmd.Val()
		if len(values) == 0 || values[0] == nil {
			// index entry without a seat hash; skip rather than fail the read
			continue
		}
		seat, err := parseSeat(eventID, seatIDs[i], values)
		if err != nil {
			return nil, err
		}
		seats = append(seats, seat)
	}
	return seats, nil
}

func (s *RedisStore) missingSeatError(ctx context.Context, eventID string) error {
	ok, err := s.EventExists(ctx, eventID)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrEventNotFound
	}
	return domain.ErrSeatNotFound
}

// parseSeat decodes values in seatFields order
func parseSeat(eventID, seatID string, values []interface{}) (*domain.Seat, error) {
	if len(values) < len(seatFields) {
		return nil, fmt.Errorf("unexpected seat field count: %d", len(values))
	}

	seat := &domain.Seat{
		EventID:     eventID,
		SeatID:      seatID,
		Status:      domain.SeatStatus(toString(values[0])),
		HoldToken:   toString(values[2]),
		HolderID:    toString(values[3]),
		LapsedToken: toString(values[5]),
	}
	if !seat.Status.Valid() {
		return nil, fmt.Errorf("seat %s has unknown status %q", seatID, seat.Status)
	}

	version, err := toInt64(values[1])
	if err != nil {
		return nil, fmt.Errorf("seat %s has invalid version: %w", seatID, err)
	}
	seat.Version = version

	if raw := toString(values[4]); raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("seat %s has invalid expires_at: %w", seatID, err)
		}
		seat.ExpiresAt = time.UnixMilli(ms)
	}
	return seat, nil
}

func unavailable(err error) error {
	if errors.Is(err, domain.ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
}

func toString(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case []byte:
		return string(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case nil:
		return ""
	default:
		return fmt.Sprint(val)
	}
}

// toInt64 converts interface{} to int64
func toInt64(v interface{}) (int64, error) {
	switch val := v.(type) {
	case int64:
		return val, nil
	case string:
		return strconv.ParseInt(val, 10, 64)
	case nil:
		return 0, nil
	default:
		return 0, fmt.Errorf("cannot convert %T to int64", v)
	}
}
