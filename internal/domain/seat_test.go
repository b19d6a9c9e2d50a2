package domain

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSeat_HoldLapsed(t *testing.T) {
	now := time.Now()
	seat := &Seat{Status: SeatHeld, ExpiresAt: now}
	assert.True(t, seat.HoldLapsed(now), "expires_at == now counts as lapsed")
	assert.False(t, seat.HoldLapsed(now.Add(-time.Second)))

	free := &Seat{Status: SeatFree}
	assert.False(t, free.HoldLapsed(now))
}

func TestSeat_OwnsHold(t *testing.T) {
	seat := &Seat{Status: SeatHeld, HolderID: "alice", HoldToken: "tok-1"}

	assert.True(t, seat.OwnsHold("alice", "tok-1"))
	assert.False(t, seat.OwnsHold("bob", "tok-1"))
	assert.False(t, seat.OwnsHold("alice", "tok-2"))
	assert.False(t, seat.OwnsHold("alice", ""))

	reserved := &Seat{Status: SeatReserved, HolderID: "alice"}
	assert.False(t, reserved.OwnsHold("alice", "tok-1"))
}

func TestSeatStatus_Valid(t *testing.T) {
	assert.True(t, SeatFree.Valid())
	assert.True(t, SeatHeld.Valid())
	assert.True(t, SeatReserved.Valid())
	assert.False(t, SeatStatus("SOLD").Valid())
}

func TestSeatCounts_Total(t *testing.T) {
	c := SeatCounts{Free: 7, Held: 2, Reserved: 1}
	assert.Equal(t, int64(10), c.Total())
}

func TestNewStateChange(t *testing.T) {
	at := time.Now()
	seat := &Seat{EventID: "e1", SeatID: "S1", Status: SeatReserved, Version: 2, HolderID: "alice"}

	change := NewStateChange(seat, CauseReserved, at)

	assert.Equal(t, "e1", change.EventID)
	assert.Equal(t, SeatReserved, change.Status)
	assert.Equal(t, int64(2), change.Version)
	assert.Equal(t, CauseReserved, change.Cause)
	assert.Equal(t, at, change.OccurredAt)
}

func TestCode(t *testing.T) {
	tests := []struct {
		err  error
		code string
	}{
		{ErrSeatUnavailable, CodeSeatUnavailable},
		{ErrHoldNotOwned, CodeHoldNotOwned},
		{ErrHoldExpired, CodeHoldExpired},
		{ErrEventNotFound, CodeEventNotFound},
		{ErrSeatNotFound, CodeSeatNotFound},
		{ErrInvalidTTL, CodeInvalidTTL},
		{ErrInvalidRequest, CodeInvalidRequest},
		{fmt.Errorf("%w: dial tcp: refused", ErrStoreUnavailable), CodeServiceUnavailable},
		{fmt.Errorf("boom"), CodeInternal},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.code, Code(tt.err), "Code(%v)", tt.err)
	}
}

func TestIsClientError(t *testing.T) {
	assert.True(t, IsClientError(fmt.Errorf("hold S1: %w", ErrSeatUnavailable)))
	assert.True(t, IsClientError(ErrEventNotFound))
	assert.True(t, IsClientError(ErrInvalidTTL))
	assert.False(t, IsClientError(ErrStoreUnavailable))
	assert.False(t, IsClientError(ErrDeliveryFailure))
}
