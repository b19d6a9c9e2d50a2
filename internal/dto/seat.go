package dto

import (
	"time"

	"github.com/prohmpiriya/seat-rush/internal/domain"
)

// SeatDTO is the public view of a seat. Hold tokens and holder ids of
// other sessions are never exposed.
type SeatDTO struct {
	SeatID    string            `json:"seat_id"`
	Status    domain.SeatStatus `json:"status"`
	Version   int64             `json:"version"`
	ExpiresAt *time.Time        `json:"expires_at,omitempty"`
}

// FromSeat converts a seat to its public view
func FromSeat(s *domain.Seat) *SeatDTO {
	d := &SeatDTO{
		SeatID:  s.SeatID,
		Status:  s.Status,
		Version: s.Version,
	}
	if s.Status == domain.SeatHeld && !s.ExpiresAt.IsZero() {
		t := s.ExpiresAt
		d.ExpiresAt = &t
	}
	return d
}

// FromSeats converts a snapshot
func FromSeats(seats []*domain.Seat) []*SeatDTO {
	out := make([]*SeatDTO, 0, len(seats))
	for _, s := range seats {
		out = append(out, FromSeat(s))
	}
	return out
}

// SeatsResponse is returned by GET /api/v1/events/:eventId/seats
type SeatsResponse struct {
	EventID string     `json:"event_id"`
	Seats   []*SeatDTO `json:"seats"`
	Count   int        `json:"count"`
}

// StatsResponse is returned by GET /api/v1/events/:eventId/stats
type StatsResponse struct {
	EventID  string `json:"event_id"`
	Total    int64  `json:"total"`
	Free     int64  `json:"free"`
	Held     int64  `json:"held"`
	Reserved int64  `json:"reserved"`
}

// FromCounts builds the stats response
func FromCounts(eventID string, c *domain.SeatCounts) *StatsResponse {
	return &StatsResponse{
		EventID:  eventID,
		Total:    c.Total(),
		Free:     c.Free,
		Held:     c.Held,
		Reserved: c.Reserved,
	}
}
