package service

import (
	"context"

	"github.com/prohmpiriya/seat-rush/internal/domain"
)

// StateChangePublisher hands applied transitions to the broadcast bus
type StateChangePublisher interface {
	Publish(ctx context.Context, change *domain.StateChange) error
}

// ReservationSink receives confirmed reservations at the reservation boundary
type ReservationSink interface {
	ReservationConfirmed(ctx context.Context, seat *domain.Seat) error
	Close() error
}

// NoOpStateChangePublisher is a publisher that does nothing (for testing or when bus is disabled)
type NoOpStateChangePublisher struct{}

// NewNoOpStateChangePublisher creates a new no-op publisher
func NewNoOpStateChangePublisher() *NoOpStateChangePublisher {
	return &NoOpStateChangePublisher{}
}

func (p *NoOpStateChangePublisher) Publish(ctx context.Context, change *domain.StateChange) error {
	return nil
}

// NoOpReservationSink drops confirmed reservations
type NoOpReservationSink struct{}

// NewNoOpReservationSink creates a new no-op sink
func NewNoOpReservationSink() *NoOpReservationSink {
	return &NoOpReservationSink{}
}

func (s *NoOpReservationSink) ReservationConfirmed(ctx context.Context, seat *domain.Seat) error {
	return nil
}

func (s *NoOpReservationSink) Close() error {
	return nil
}
