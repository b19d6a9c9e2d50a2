package dto

import (
	"encoding/json"
	"time"

	"github.com/prohmpiriya/seat-rush/internal/domain"
)

// Client message types
const (
	TypeJoinEvent           = "join_event"
	TypeLeaveEvent          = "leave_event"
	TypeHoldRequest         = "hold_request"
	TypeReleaseRequest      = "release_request"
	TypeConfirmationRequest = "confirmation_request"
)

// Server message types
const (
	TypeSeatSnapshot     = "seat_snapshot"
	TypeLeaveAck         = "leave_ack"
	TypeHoldGranted      = "hold_granted"
	TypeHoldDenied       = "hold_denied"
	TypeReleaseAck       = "release_ack"
	TypeConfirmationAck  = "confirmation_ack"
	TypeSeatStateChanged = "seat_state_changed"
	TypeError            = "error"
)

// messageAliases maps the older dotted names onto the current ones
var messageAliases = map[string]string{
	"event.join":               TypeJoinEvent,
	"event.leave":              TypeLeaveEvent,
	"seat.holdRequest":         TypeHoldRequest,
	"seat.releaseRequest":      TypeReleaseRequest,
	"seat.confirmationRequest": TypeConfirmationRequest,
}

// NormalizeType resolves an alias to its canonical message type
func NormalizeType(t string) string {
	if canonical, ok := messageAliases[t]; ok {
		return canonical
	}
	return t
}

// InboundFrame is a client message
type InboundFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// OutboundFrame is a server message
type OutboundFrame struct {
	Type      string      `json:"type"`
	RequestID string      `json:"request_id,omitempty"`
	Payload   interface{} `json:"payload,omitempty"`
}

// EventPayload names an event (join_event, leave_event)
type EventPayload struct {
	EventID string `json:"event_id"`
}

// HoldRequestPayload is the body of hold_request
type HoldRequestPayload struct {
	EventID    string `json:"event_id"`
	SeatID     string `json:"seat_id"`
	TTLSeconds int    `json:"ttl_seconds,omitempty"`
}

// HoldActionPayload is the body of release_request and confirmation_request
type HoldActionPayload struct {
	EventID   string `json:"event_id"`
	SeatID    string `json:"seat_id"`
	HoldToken string `json:"hold_token"`
}

// SeatSnapshotPayload is the full seat map sent on join
type SeatSnapshotPayload struct {
	EventID string     `json:"event_id"`
	Seats   []*SeatDTO `json:"seats"`
}

// HoldGrantedPayload answers a successful hold_request
type HoldGrantedPayload struct {
	EventID   string    `json:"event_id"`
	SeatID    string    `json:"seat_id"`
	HoldToken string    `json:"hold_token"`
	ExpiresAt time.Time `json:"expires_at"`
	Version   int64     `json:"version"`
}

// HoldDeniedPayload answers a refused hold_request
type HoldDeniedPayload struct {
	EventID string `json:"event_id"`
	SeatID  string `json:"seat_id"`
	Reason  string `json:"reason"`
}

// SeatAckPayload answers release_request and confirmation_request
type SeatAckPayload struct {
	EventID string            `json:"event_id"`
	SeatID  string            `json:"seat_id"`
	Status  domain.SeatStatus `json:"status"`
	Version int64             `json:"version"`
}

// SeatStateChangedPayload is the broadcast of one transition
type SeatStateChangedPayload struct {
	EventID    string             `json:"event_id"`
	SeatID     string             `json:"seat_id"`
	Status     domain.SeatStatus  `json:"status"`
	Version    int64              `json:"version"`
	Cause      domain.ChangeCause `json:"cause"`
	OccurredAt time.Time          `json:"occurred_at"`
}

// ErrorPayload reports a failed request
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	EventID string `json:"event_id,omitempty"`
	SeatID  string `json:"seat_id,omitempty"`
}

// FromStateChange converts a bus change to its broadcast payload
func FromStateChange(c *domain.StateChange) *SeatStateChangedPayload {
	return &SeatStateChangedPayload{
		EventID:    c.EventID,
		SeatID:     c.SeatID,
		Status:     c.Status,
		Version:    c.Version,
		Cause:      c.Cause,
		OccurredAt: c.OccurredAt,
	}
}

// FromHold converts a granted hold
func FromHold(h *domain.Hold) *HoldGrantedPayload {
	return &HoldGrantedPayload{
		EventID:   h.EventID,
		SeatID:    h.SeatID,
		HoldToken: h.HoldToken,
		ExpiresAt: h.ExpiresAt,
		Version:   h.Version,
	}
}
