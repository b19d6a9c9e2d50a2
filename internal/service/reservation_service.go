package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prohmpiriya/seat-rush/internal/domain"
	"github.com/prohmpiriya/seat-rush/internal/metrics"
	"github.com/prohmpiriya/seat-rush/internal/store"
	"github.com/prohmpiriya/seat-rush/pkg/logger"
	"github.com/prohmpiriya/seat-rush/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ReservationService validates and applies hold, release and confirm
// requests. It is the only mutator of seat state besides the sweeper, and
// both go through the store's compare-and-transition.
type ReservationService interface {
	// Hold provisionally claims a FREE seat for req.TTL (0 = default)
	Hold(ctx context.Context, req *HoldRequest) (*domain.Hold, error)

	// Release gives a live hold back; the seat becomes FREE
	Release(ctx context.Context, req *HoldActionRequest) (*domain.Seat, error)

	// Confirm turns a live hold into a reservation
	Confirm(ctx context.Context, req *HoldActionRequest) (*domain.Seat, error)

	// ExpireHold frees a lapsed hold on behalf of the system, without
	// holder or token checks. Reports whether this call applied the expiry.
	ExpireHold(ctx context.Context, seat *domain.Seat) (bool, error)

	// Snapshot returns every seat of the event
	Snapshot(ctx context.Context, eventID string) ([]*domain.Seat, error)

	// Counts returns FREE/HELD/RESERVED totals of the event
	Counts(ctx context.Context, eventID string) (*domain.SeatCounts, error)

	// EventExists reports whether the event was provisioned
	EventExists(ctx context.Context, eventID string) (bool, error)
}

// HoldRequest asks for a hold on one seat
type HoldRequest struct {
	EventID  string
	SeatID   string
	HolderID string
	TTL      time.Duration
}

// HoldActionRequest identifies a hold to release or confirm
type HoldActionRequest struct {
	EventID   string
	SeatID    string
	HolderID  string
	HoldToken string
}

// ReservationServiceConfig contains configuration for the reservation service
type ReservationServiceConfig struct {
	DefaultTTL time.Duration
	MinTTL     time.Duration
	MaxTTL     time.Duration
	// MaxAttempts bounds re-reads after a lost compare-and-transition
	MaxAttempts int
	// Now is the clock; tests replace it
	Now func() time.Time
}

type reservationService struct {
	store       store.Store
	publisher   StateChangePublisher
	sink        ReservationSink
	defaultTTL  time.Duration
	minTTL      time.Duration
	maxTTL      time.Duration
	maxAttempts int
	now         func() time.Time
}

// NewReservationService creates a new reservation service
func NewReservationService(
	st store.Store,
	publisher StateChangePublisher,
	sink ReservationSink,
	cfg *ReservationServiceConfig,
) ReservationService {
	s := &reservationService{
		store:       st,
		publisher:   publisher,
		sink:        sink,
		defaultTTL:  120 * time.Second,
		minTTL:      5 * time.Second,
		maxTTL:      180 * time.Second,
		maxAttempts: 3,
		now:         time.Now,
	}
	if cfg != nil {
		if cfg.DefaultTTL > 0 {
			s.defaultTTL = cfg.DefaultTTL
		}
		if cfg.MinTTL > 0 {
			s.minTTL = cfg.MinTTL
		}
		if cfg.MaxTTL > 0 {
			s.maxTTL = cfg.MaxTTL
		}
		if cfg.MaxAttempts > 0 {
			s.maxAttempts = cfg.MaxAttempts
		}
		if cfg.Now != nil {
			s.now = cfg.Now
		}
	}
	if s.publisher == nil {
		s.publisher = NewNoOpStateChangePublisher()
	}
	if s.sink == nil {
		s.sink = NewNoOpReservationSink()
	}
	return s
}

// Hold provisionally claims a FREE seat
func (s *reservationService) Hold(ctx context.Context, req *HoldRequest) (*domain.Hold, error) {
	ctx, span := telemetry.StartSpan(ctx, "service.reservation.hold")
	defer span.End()
	start := time.Now()

	if req == nil || req.EventID == "" || req.SeatID == "" || req.HolderID == "" {
		span.SetStatus(codes.Error, "invalid request")
		return nil, domain.ErrInvalidRequest
	}
	span.SetAttributes(
		attribute.String("event_id", req.EventID),
		attribute.String("seat_id", req.SeatID),
		attribute.String("holder_id", req.HolderID),
	)

	ttl := req.TTL
	if ttl == 0 {
		ttl = s.defaultTTL
	}
	if ttl < s.minTTL || ttl > s.maxTTL {
		span.SetStatus(codes.Error, "invalid ttl")
		return nil, fmt.Errorf("%w: %s not in [%s, %s]", domain.ErrInvalidTTL, ttl, s.minTTL, s.maxTTL)
	}

	seat, err := s.store.Get(ctx, req.EventID, req.SeatID)
	if err != nil {
		return nil, s.fail(ctx, span, "hold", err)
	}

	for attempt := 1; ; attempt++ {
		now := s.now()

		if seat.HoldLapsed(now) {
			// Lapsed hold the sweeper has not reached yet; expire it through the
			// same primitive, then look again
			if _, err := s.expire(ctx, seat, now); err != nil {
				return nil, s.fail(ctx, span, "hold", err)
			}
			if seat, err = s.store.Get(ctx, req.EventID, req.SeatID); err != nil {
				return nil, s.fail(ctx, span, "hold", err)
			}
			if attempt >= s.maxAttempts {
				break
			}
			continue
		}

		if seat.Status != domain.SeatFree {
			break
		}

		expiresAt := now.Add(ttl).Truncate(time.Millisecond)
		token := uuid.New().String()
		result, err := s.store.CompareAndTransition(ctx, store.Transition{
			EventID:         req.EventID,
			SeatID:          req.SeatID,
			ExpectedVersion: seat.Version,
			Status:          domain.SeatHeld,
			HoldToken:       token,
			HolderID:        req.HolderID,
			ExpiresAt:       expiresAt,
		})
		if err != nil {
			return nil, s.fail(ctx, span, "hold", err)
		}

		if result.Applied {
			s.publish(ctx, domain.NewStateChange(result.Current, domain.CauseHeld, now))
			metrics.RecordHoldGranted(ctx, req.EventID, time.Since(start).Seconds())
			span.SetAttributes(attribute.Int64("version", result.Current.Version))
			span.SetStatus(codes.Ok, "")
			return &domain.Hold{
				EventID:   req.EventID,
				SeatID:    req.SeatID,
				HolderID:  req.HolderID,
				HoldToken: token,
				ExpiresAt: expiresAt,
				Version:   result.Current.Version,
			}, nil
		}

		// Lost the race; decide on the state that won
		seat = result.Current
		if attempt >= s.maxAttempts {
			break
		}
	}

	metrics.RecordHoldDenied(ctx, req.EventID, domain.CodeSeatUnavailable)
	span.SetAttributes(attribute.String("seat_status", string(seat.Status)))
	return nil, domain.ErrSeatUnavailable
}

// Release gives back a live hold owned by the requester
func (s *reservationService) Release(ctx context.Context, req *HoldActionRequest) (*domain.Seat, error) {
	ctx, span := telemetry.StartSpan(ctx, "service.reservation.release")
	defer span.End()
	start := time.Now()

	if err := validateAction(req); err != nil {
		span.SetStatus(codes.Error, "invalid request")
		return nil, err
	}
	span.SetAttributes(
		attribute.String("event_id", req.EventID),
		attribute.String("seat_id", req.SeatID),
	)

	seat, err := s.store.Get(ctx, req.EventID, req.SeatID)
	if err != nil {
		return nil, s.fail(ctx, span, "release", err)
	}
	if !seat.OwnsHold(req.HolderID, req.HoldToken) {
		return nil, domain.ErrHoldNotOwned
	}

	now := s.now()
	if seat.HoldLapsed(now) {
		if _, err := s.expire(ctx, seat, now); err != nil {
			return nil, s.fail(ctx, span, "release", err)
		}
		return nil, domain.ErrHoldNotOwned
	}

	result, err := s.store.CompareAndTransition(ctx, store.Transition{
		EventID:         req.EventID,
		SeatID:          req.SeatID,
		ExpectedVersion: seat.Version,
		Status:          domain.SeatFree,
	})
	if err != nil {
		return nil, s.fail(ctx, span, "release", err)
	}
	if !result.Applied {
		// Expiry or another request landed first; it wins
		return nil, domain.ErrHoldNotOwned
	}

	s.publish(ctx, domain.NewStateChange(result.Current, domain.CauseReleased, now))
	metrics.RecordRelease(ctx, req.EventID, time.Since(start).Seconds())
	span.SetStatus(codes.Ok, "")
	return result.Current, nil
}

// Confirm turns a live hold into a reservation owned by the holder
func (s *reservationService) Confirm(ctx context.Context, req *HoldActionRequest) (*domain.Seat, error) {
	ctx, span := telemetry.StartSpan(ctx, "service.reservation.confirm")
	defer span.End()
	start := time.Now()

	if err := validateAction(req); err != nil {
		span.SetStatus(codes.Error, "invalid request")
		return nil, err
	}
	span.SetAttributes(
		attribute.String("event_id", req.EventID),
		attribute.String("seat_id", req.SeatID),
	)

	seat, err := s.store.Get(ctx, req.EventID, req.SeatID)
	if err != nil {
		return nil, s.fail(ctx, span, "confirm", err)
	}
	if !seat.OwnsHold(req.HolderID, req.HoldToken) {
		return nil, notOwnedOrExpired(seat, req.HoldToken)
	}

	now := s.now()
	if seat.HoldLapsed(now) {
		if _, err := s.expire(ctx, seat, now); err != nil {
			return nil, s.fail(ctx, span, "confirm", err)
		}
		return nil, domain.ErrHoldExpired
	}

	result, err := s.store.CompareAndTransition(ctx, store.Transition{
		EventID:         req.EventID,
		SeatID:          req.SeatID,
		ExpectedVersion: seat.Version,
		Status:          domain.SeatReserved,
		HolderID:        req.HolderID,
		RequireLiveHold: true,
	})
	if err != nil {
		return nil, s.fail(ctx, span, "confirm", err)
	}
	if result.HoldLapsed {
		// The hold ran out between the read and the write
		if _, err := s.expire(ctx, result.Current, s.now()); err != nil {
			return nil, s.fail(ctx, span, "confirm", err)
		}
		return nil, domain.ErrHoldExpired
	}
	if !result.Applied {
		return nil, notOwnedOrExpired(result.Current, req.HoldToken)
	}

	s.publish(ctx, domain.NewStateChange(result.Current, domain.CauseReserved, now))
	if err := s.sink.ReservationConfirmed(ctx, result.Current); err != nil {
		logger.Get().Warn("reservation sink handoff failed",
			zap.String("event_id", req.EventID),
			zap.String("seat_id", req.SeatID),
			zap.Error(err),
		)
	}
	metrics.RecordConfirmation(ctx, req.EventID, time.Since(start).Seconds())
	span.SetStatus(codes.Ok, "")
	return result.Current, nil
}

// ExpireHold frees a lapsed hold; used by the sweeper
func (s *reservationService) ExpireHold(ctx context.Context, seat *domain.Seat) (bool, error) {
	ctx, span := telemetry.StartSpan(ctx, "service.reservation.expire_hold")
	defer span.End()

	if seat == nil {
		return false, domain.ErrInvalidRequest
	}
	span.SetAttributes(
		attribute.String("event_id", seat.EventID),
		attribute.String("seat_id", seat.SeatID),
		attribute.Int64("expected_version", seat.Version),
	)

	applied, err := s.expire(ctx, seat, s.now())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, err
	}
	span.SetAttributes(attribute.Bool("applied", applied))
	return applied, nil
}

func (s *reservationService) Snapshot(ctx context.Context, eventID string) ([]*domain.Seat, error) {
	return s.store.Snapshot(ctx, eventID)
}

func (s *reservationService) Counts(ctx context.Context, eventID string) (*domain.SeatCounts, error) {
	return s.store.Counts(ctx, eventID)
}

func (s *reservationService) EventExists(ctx context.Context, eventID string) (bool, error) {
	return s.store.EventExists(ctx, eventID)
}

// expire applies HELD -> FREE at the observed version when the hold has
// lapsed. A lost race means someone else already moved the seat on.
func (s *reservationService) expire(ctx context.Context, seat *domain.Seat, now time.Time) (bool, error) {
	if !seat.HoldLapsed(now) {
		return false, nil
	}

	result, err := s.store.CompareAndTransition(ctx, store.Transition{
		EventID:         seat.EventID,
		SeatID:          seat.SeatID,
		ExpectedVersion: seat.Version,
		Status:          domain.SeatFree,
		LapsedToken:     seat.HoldToken,
	})
	if err != nil {
		return false, err
	}
	if !result.Applied {
		return false, nil
	}

	s.publish(ctx, domain.NewStateChange(result.Current, domain.CauseExpired, now))
	metrics.RecordExpiration(ctx, seat.EventID, 1)
	return true, nil
}

// publish hands the change to the bus. The mutation already stands, so a
// failure here is logged and left to the bus's own redelivery.
func (s *reservationService) publish(ctx context.Context, change *domain.StateChange) {
	if err := s.publisher.Publish(ctx, change); err != nil {
		logger.Get().Warn("state change publish failed",
			zap.String("event_id", change.EventID),
			zap.String("seat_id", change.SeatID),
			zap.Int64("version", change.Version),
			zap.Error(err),
		)
	}
}

// fail records infrastructure errors; client errors pass through quietly
func (s *reservationService) fail(ctx context.Context, span trace.Span, op string, err error) error {
	if domain.IsClientError(err) {
		span.SetAttributes(attribute.String("reason", domain.Code(err)))
		return err
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	logger.Get().Error("seat store failure",
		zap.String("op", op),
		zap.Error(err),
	)
	if !errors.Is(err, domain.ErrStoreUnavailable) {
		err = fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
	}
	return err
}

func validateAction(req *HoldActionRequest) error {
	if req == nil || req.EventID == "" || req.SeatID == "" || req.HolderID == "" || req.HoldToken == "" {
		return domain.ErrInvalidRequest
	}
	return nil
}

func notOwnedOrExpired(seat *domain.Seat, token string) error {
	if seat != nil && seat.LapsedToken != "" && seat.LapsedToken == token {
		return domain.ErrHoldExpired
	}
	return domain.ErrHoldNotOwned
}
