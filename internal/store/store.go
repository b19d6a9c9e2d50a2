package store

import (
	"context"
	"time"

	"github.com/prohmpiriya/seat-rush/internal/domain"
)

// Transition is a compare-and-transition request. The fields describe the
// complete hold state after the transition: FREE and RESERVED drop
// HoldToken and ExpiresAt, HolderID is kept only when non-empty.
type Transition struct {
	EventID         string
	SeatID          string
	ExpectedVersion int64
	Status          domain.SeatStatus
	HoldToken       string
	HolderID        string
	ExpiresAt       time.Time
	// LapsedToken is recorded when non-empty (hold ended by expiry)
	LapsedToken string
	// RequireLiveHold refuses the transition when the stored hold's
	// expires_at is not after the store's clock at write time
	RequireLiveHold bool
}

// TransitionResult is the outcome of a compare-and-transition. Current is
// the new state when Applied, otherwise the unchanged authoritative state.
type TransitionResult struct {
	Applied bool
	// HoldLapsed is set when RequireLiveHold refused the transition
	HoldLapsed bool
	Current    *domain.Seat
}

// Store is the cluster-wide authority for seat state. Every mutation goes
// through CompareAndTransition.
type Store interface {
	CompareAndTransition(ctx context.Context, t Transition) (*TransitionResult, error)
	Get(ctx context.Context, eventID, seatID string) (*domain.Seat, error)
	// Snapshot returns every seat of the event in seat-map order
	Snapshot(ctx context.Context, eventID string) ([]*domain.Seat, error)
	Counts(ctx context.Context, eventID string) (*domain.SeatCounts, error)
	// InitEvent creates missing seats as FREE and returns how many were created
	InitEvent(ctx context.Context, eventID string, seatIDs []string) (int, error)
	EventExists(ctx context.Context, eventID string) (bool, error)
	ListEvents(ctx context.Context) ([]string, error)
	// ExpiredHolds returns up to limit HELD seats with expires_at <= now
	ExpiredHolds(ctx context.Context, eventID string, now time.Time, limit int) ([]*domain.Seat, error)
	Ping(ctx context.Context) error
}

func validateTransition(t Transition) error {
	if t.EventID == "" || t.SeatID == "" || !t.Status.Valid() {
		return domain.ErrInvalidRequest
	}
	if t.Status == domain.SeatHeld && (t.HoldToken == "" || t.HolderID == "" || t.ExpiresAt.IsZero()) {
		return domain.ErrInvalidRequest
	}
	return nil
}
