package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/prohmpiriya/seat-rush/internal/domain"
)

// MemoryStore keeps seat state in process. It has the same semantics as
// RedisStore but cannot coordinate more than one worker, so it is limited
// to tests and single-process development.
type MemoryStore struct {
	mu     sync.Mutex
	events map[string]*memoryEvent
	now    func() time.Time
}

type memoryEvent struct {
	seats  map[string]*domain.Seat
	order  []string
	counts domain.SeatCounts
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: make(map[string]*memoryEvent), now: time.Now}
}

// WithClock replaces the clock used to judge RequireLiveHold
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

func (s *MemoryStore) CompareAndTransition(ctx context.Context, t Transition) (*TransitionResult, error) {
	if err := validateTransition(t); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seat, err := s.seatLocked(t.EventID, t.SeatID)
	if err != nil {
		return nil, err
	}
	if seat.Version != t.ExpectedVersion {
		return &TransitionResult{Applied: false, Current: copySeat(seat)}, nil
	}
	if t.RequireLiveHold && seat.Status == domain.SeatHeld && !seat.ExpiresAt.After(s.now()) {
		return &TransitionResult{HoldLapsed: true, Current: copySeat(seat)}, nil
	}

	ev := s.events[t.EventID]
	adjustCounts(&ev.counts, seat.Status, -1)
	adjustCounts(&ev.counts, t.Status, 1)

	seat.Status = t.Status
	seat.Version++
	if t.Status == domain.SeatHeld {
		seat.HoldToken = t.HoldToken
		seat.HolderID = t.HolderID
		seat.ExpiresAt = t.ExpiresAt.Truncate(time.Millisecond)
	} else {
		seat.HoldToken = ""
		seat.ExpiresAt = time.Time{}
		seat.HolderID = t.HolderID
	}
	if t.LapsedToken != "" {
		seat.LapsedToken = t.LapsedToken
	}

	return &TransitionResult{Applied: true, Current: copySeat(seat)}, nil
}

func (s *MemoryStore) Get(ctx context.Context, eventID, seatID string) (*domain.Seat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seat, err := s.seatLocked(eventID, seatID)
	if err != nil {
		return nil, err
	}
	return copySeat(seat), nil
}

func (s *MemoryStore) Snapshot(ctx context.Context, eventID string) ([]*domain.Seat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.events[eventID]
	if !ok {
		return nil, domain.ErrEventNotFound
	}
	seats := make([]*domain.Seat, 0, len(ev.order))
	for _, id := range ev.order {
		seats = append(seats, copySeat(ev.seats[id]))
	}
	return seats, nil
}

func (s *MemoryStore) Counts(ctx context.Context, eventID string) (*domain.SeatCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.events[eventID]
	if !ok {
		return nil, domain.ErrEventNotFound
	}
	counts := ev.counts
	return &counts, nil
}

func (s *MemoryStore) InitEvent(ctx context.Context, eventID string, seatIDs []string) (int, error) {
	if eventID == "" {
		return 0, domain.ErrInvalidRequest
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.events[eventID]
	if !ok {
		ev = &memoryEvent{seats: make(map[string]*domain.Seat)}
		s.events[eventID] = ev
	}

	created := 0
	for _, id := range seatIDs {
		if _, exists := ev.seats[id]; exists {
			continue
		}
		ev.seats[id] = &domain.Seat{EventID: eventID, SeatID: id, Status: domain.SeatFree}
		ev.order = append(ev.order, id)
		ev.counts.Free++
		created++
	}
	return created, nil
}

func (s *MemoryStore) EventExists(ctx context.Context, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.events[eventID]
	return ok, nil
}

func (s *MemoryStore) ListEvents(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.events))
	for id := range s.events {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) ExpiredHolds(ctx context.Context, eventID string, now time.Time, limit int) ([]*domain.Seat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.events[eventID]
	if !ok {
		return nil, nil
	}

	var expired []*domain.Seat
	for _, id := range ev.order {
		seat := ev.seats[id]
		if seat.HoldLapsed(now) {
			expired = append(expired, copySeat(seat))
		}
	}
	sort.SliceStable(expired, func(i, j int) bool {
		return expired[i].ExpiresAt.Before(expired[j].ExpiresAt)
	})
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}
	return expired, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func (s *MemoryStore) seatLocked(eventID, seatID string) (*domain.Seat, error) {
	ev, ok := s.events[eventID]
	if !ok {
		return nil, domain.ErrEventNotFound
	}
	seat, ok := ev.seats[seatID]
	if !ok {
		return nil, domain.ErrSeatNotFound
	}
	return seat, nil
}

func adjustCounts(c *domain.SeatCounts, status domain.SeatStatus, delta int64) {
	switch status {
	case domain.SeatFree:
		c.Free += delta
	case domain.SeatHeld:
		c.Held += delta
	case domain.SeatReserved:
		c.Reserved += delta
	}
}

func copySeat(s *domain.Seat) *domain.Seat {
	c := *s
	return &c
}
