package domain

import "time"

// SeatStatus is the state of a seat within the sales window
type SeatStatus string

const (
	SeatFree     SeatStatus = "FREE"
	SeatHeld     SeatStatus = "HELD"
	SeatReserved SeatStatus = "RESERVED"
)

// Valid reports whether s is a known status
func (s SeatStatus) Valid() bool {
	switch s {
	case SeatFree, SeatHeld, SeatReserved:
		return true
	}
	return false
}

// Seat is the authoritative state of one seat as read from the store
type Seat struct {
	EventID   string     `json:"event_id"`
	SeatID    string     `json:"seat_id"`
	Status    SeatStatus `json:"status"`
	Version   int64      `json:"version"`
	HoldToken string     `json:"-"`
	HolderID  string     `json:"holder_id,omitempty"`
	ExpiresAt time.Time  `json:"expires_at,omitempty"`

	// LapsedToken is the token of the last hold that ended by expiry.
	// It only lets confirm tell HoldExpired apart from HoldNotOwned.
	LapsedToken string `json:"-"`
}

// HoldLapsed reports whether the seat is HELD with expires_at at or before now
func (s *Seat) HoldLapsed(now time.Time) bool {
	return s.Status == SeatHeld && !s.ExpiresAt.After(now)
}

// OwnsHold reports whether holderID/token match the current hold
func (s *Seat) OwnsHold(holderID, token string) bool {
	return s.Status == SeatHeld && token != "" && s.HolderID == holderID && s.HoldToken == token
}

// Hold is a successful provisional claim returned to the requester
type Hold struct {
	EventID   string    `json:"event_id"`
	SeatID    string    `json:"seat_id"`
	HolderID  string    `json:"holder_id"`
	HoldToken string    `json:"hold_token"`
	ExpiresAt time.Time `json:"expires_at"`
	Version   int64     `json:"version"`
}

// ChangeCause tells subscribers why a seat transitioned
type ChangeCause string

const (
	CauseHeld     ChangeCause = "held"
	CauseReleased ChangeCause = "released"
	CauseReserved ChangeCause = "reserved"
	CauseExpired  ChangeCause = "expired"
)

// StateChange is a single applied transition, the unit carried by the bus
type StateChange struct {
	EventID    string      `json:"event_id"`
	SeatID     string      `json:"seat_id"`
	Status     SeatStatus  `json:"status"`
	Version    int64       `json:"version"`
	Cause      ChangeCause `json:"cause"`
	OccurredAt time.Time   `json:"occurred_at"`
}

// NewStateChange builds the broadcast for a seat that was just written
func NewStateChange(seat *Seat, cause ChangeCause, at time.Time) *StateChange {
	return &StateChange{
		EventID:    seat.EventID,
		SeatID:     seat.SeatID,
		Status:     seat.Status,
		Version:    seat.Version,
		Cause:      cause,
		OccurredAt: at,
	}
}

// SeatCounts aggregates seats per status for one event
type SeatCounts struct {
	Free     int64 `json:"free"`
	Held     int64 `json:"held"`
	Reserved int64 `json:"reserved"`
}

// Total returns the number of seats in the event
func (c SeatCounts) Total() int64 {
	return c.Free + c.Held + c.Reserved
}

// Subscription records that a connection on a worker wants an event's broadcasts
type Subscription struct {
	EventID      string `json:"event_id"`
	ConnectionID string `json:"connection_id"`
	WorkerID     string `json:"worker_id"`
}
