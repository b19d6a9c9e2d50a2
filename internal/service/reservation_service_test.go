package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prohmpiriya/seat-rush/internal/domain"
	"github.com/prohmpiriya/seat-rush/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingPublisher keeps every published change
type recordingPublisher struct {
	mu      sync.Mutex
	changes []*domain.StateChange
	err     error
}

func (p *recordingPublisher) Publish(ctx context.Context, change *domain.StateChange) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.changes = append(p.changes, change)
	return p.err
}

func (p *recordingPublisher) Changes() []*domain.StateChange {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*domain.StateChange, len(p.changes))
	copy(out, p.changes)
	return out
}

func (p *recordingPublisher) CountCause(cause domain.ChangeCause) int {
	n := 0
	for _, c := range p.Changes() {
		if c.Cause == cause {
			n++
		}
	}
	return n
}

// recordingSink keeps every confirmed reservation
type recordingSink struct {
	mu    sync.Mutex
	seats []*domain.Seat
	err   error
}

func (s *recordingSink) ReservationConfirmed(ctx context.Context, seat *domain.Seat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seats = append(s.seats, seat)
	return s.err
}

func (s *recordingSink) Close() error { return nil }

// fakeClock is a settable clock
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// failingStore returns err from every read
type failingStore struct {
	store.Store
	err error
}

func (f *failingStore) Get(ctx context.Context, eventID, seatID string) (*domain.Seat, error) {
	return nil, f.err
}

// slowWriteStore lets time pass before each RESERVED write reaches the store
type slowWriteStore struct {
	store.Store
	clock *fakeClock
	delay time.Duration
}

func (s *slowWriteStore) CompareAndTransition(ctx context.Context, t store.Transition) (*store.TransitionResult, error) {
	if t.Status == domain.SeatReserved {
		s.clock.Advance(s.delay)
	}
	return s.Store.CompareAndTransition(ctx, t)
}

type fixture struct {
	svc   ReservationService
	store *store.MemoryStore
	pub   *recordingPublisher
	sink  *recordingSink
	clock *fakeClock
}

func newFixture(t *testing.T, seats ...string) *fixture {
	t.Helper()
	if len(seats) == 0 {
		seats = []string{"A1", "A2"}
	}
	clock := &fakeClock{now: time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)}
	st := store.NewMemoryStore().WithClock(clock.Now)
	_, err := st.InitEvent(context.Background(), "evt-1", seats)
	require.NoError(t, err)

	f := &fixture{
		store: st,
		pub:   &recordingPublisher{},
		sink:  &recordingSink{},
		clock: clock,
	}
	f.svc = NewReservationService(st, f.pub, f.sink, &ReservationServiceConfig{
		DefaultTTL: 120 * time.Second,
		MinTTL:     5 * time.Second,
		MaxTTL:     180 * time.Second,
		Now:        f.clock.Now,
	})
	return f
}

func (f *fixture) seat(t *testing.T, seatID string) *domain.Seat {
	t.Helper()
	seat, err := f.store.Get(context.Background(), "evt-1", seatID)
	require.NoError(t, err)
	return seat
}

func (f *fixture) hold(t *testing.T, seatID, holder string, ttl time.Duration) *domain.Hold {
	t.Helper()
	h, err := f.svc.Hold(context.Background(), &HoldRequest{
		EventID: "evt-1", SeatID: seatID, HolderID: holder, TTL: ttl,
	})
	require.NoError(t, err)
	return h
}

func TestHold_GrantsFreeSeat(t *testing.T) {
	f := newFixture(t)

	h := f.hold(t, "A1", "alice", 30*time.Second)

	assert.NotEmpty(t, h.HoldToken)
	assert.Equal(t, int64(1), h.Version)
	assert.Equal(t, f.clock.Now().Add(30*time.Second), h.ExpiresAt)

	seat := f.seat(t, "A1")
	assert.Equal(t, domain.SeatHeld, seat.Status)
	assert.Equal(t, "alice", seat.HolderID)
	assert.Equal(t, h.HoldToken, seat.HoldToken)

	changes := f.pub.Changes()
	require.Len(t, changes, 1)
	assert.Equal(t, domain.CauseHeld, changes[0].Cause)
	assert.Equal(t, domain.SeatHeld, changes[0].Status)
	assert.Equal(t, int64(1), changes[0].Version)
}

func TestHold_DefaultTTL(t *testing.T) {
	f := newFixture(t)

	h := f.hold(t, "A1", "alice", 0)

	assert.Equal(t, f.clock.Now().Add(120*time.Second), h.ExpiresAt)
}

func TestHold_InvalidTTLRejected(t *testing.T) {
	f := newFixture(t)

	for _, ttl := range []time.Duration{time.Second, -time.Second, time.Hour} {
		_, err := f.svc.Hold(context.Background(), &HoldRequest{
			EventID: "evt-1", SeatID: "A1", HolderID: "alice", TTL: ttl,
		})
		assert.ErrorIs(t, err, domain.ErrInvalidTTL, "ttl %s", ttl)
	}
	assert.Equal(t, domain.SeatFree, f.seat(t, "A1").Status)
	assert.Empty(t, f.pub.Changes())
}

func TestHold_InvalidRequest(t *testing.T) {
	f := newFixture(t)

	tests := []*HoldRequest{
		nil,
		{SeatID: "A1", HolderID: "alice"},
		{EventID: "evt-1", HolderID: "alice"},
		{EventID: "evt-1", SeatID: "A1"},
	}
	for _, req := range tests {
		_, err := f.svc.Hold(context.Background(), req)
		assert.ErrorIs(t, err, domain.ErrInvalidRequest)
	}
}

func TestHold_UnknownEventAndSeat(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Hold(context.Background(), &HoldRequest{EventID: "nope", SeatID: "A1", HolderID: "alice"})
	assert.ErrorIs(t, err, domain.ErrEventNotFound)

	_, err = f.svc.Hold(context.Background(), &HoldRequest{EventID: "evt-1", SeatID: "Z9", HolderID: "alice"})
	assert.ErrorIs(t, err, domain.ErrSeatNotFound)
}

func TestHold_HeldSeatUnavailable(t *testing.T) {
	f := newFixture(t)
	f.hold(t, "A1", "alice", 0)

	_, err := f.svc.Hold(context.Background(), &HoldRequest{EventID: "evt-1", SeatID: "A1", HolderID: "bob"})
	assert.ErrorIs(t, err, domain.ErrSeatUnavailable)

	// Holding again as the same holder is not a renewal
	_, err = f.svc.Hold(context.Background(), &HoldRequest{EventID: "evt-1", SeatID: "A1", HolderID: "alice"})
	assert.ErrorIs(t, err, domain.ErrSeatUnavailable)

	assert.Equal(t, int64(1), f.seat(t, "A1").Version)
}

func TestHold_LapsedHoldExpiredFirst(t *testing.T) {
	f := newFixture(t)
	f.hold(t, "A1", "alice", 5*time.Second)
	f.clock.Advance(6 * time.Second)

	h := f.hold(t, "A1", "bob", 0)

	assert.Equal(t, int64(3), h.Version)
	changes := f.pub.Changes()
	require.Len(t, changes, 3)
	assert.Equal(t, domain.CauseExpired, changes[1].Cause)
	assert.Equal(t, domain.SeatFree, changes[1].Status)
	assert.Equal(t, int64(2), changes[1].Version)
	assert.Equal(t, domain.CauseHeld, changes[2].Cause)
}

func TestHold_ConcurrentSingleWinner(t *testing.T) {
	f := newFixture(t)

	const holders = 100
	var (
		wg          sync.WaitGroup
		mu          sync.Mutex
		granted     int
		unavailable int
		other       []error
	)
	start := make(chan struct{})
	for i := 0; i < holders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, err := f.svc.Hold(context.Background(), &HoldRequest{
				EventID: "evt-1", SeatID: "A1", HolderID: string(rune('a'+i%26)) + "-holder",
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				granted++
			case errors.Is(err, domain.ErrSeatUnavailable):
				unavailable++
			default:
				other = append(other, err)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	assert.Empty(t, other)
	assert.Equal(t, 1, granted)
	assert.Equal(t, holders-1, unavailable)
	assert.Equal(t, int64(1), f.seat(t, "A1").Version)
	assert.Equal(t, 1, f.pub.CountCause(domain.CauseHeld))
}

func TestRelease(t *testing.T) {
	f := newFixture(t)
	h := f.hold(t, "A1", "alice", 0)

	seat, err := f.svc.Release(context.Background(), &HoldActionRequest{
		EventID: "evt-1", SeatID: "A1", HolderID: "alice", HoldToken: h.HoldToken,
	})
	require.NoError(t, err)

	assert.Equal(t, domain.SeatFree, seat.Status)
	assert.Equal(t, int64(2), seat.Version)
	assert.Empty(t, seat.HoldToken)
	assert.Empty(t, seat.HolderID)
	assert.Equal(t, 1, f.pub.CountCause(domain.CauseReleased))
}

func TestRelease_NotOwned(t *testing.T) {
	f := newFixture(t)
	h := f.hold(t, "A1", "alice", 0)

	tests := []struct {
		name   string
		holder string
		token  string
	}{
		{"wrong token", "alice", "forged"},
		{"wrong holder", "bob", h.HoldToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Release(context.Background(), &HoldActionRequest{
				EventID: "evt-1", SeatID: "A1", HolderID: tt.holder, HoldToken: tt.token,
			})
			assert.ErrorIs(t, err, domain.ErrHoldNotOwned)
			assert.Equal(t, int64(1), f.seat(t, "A1").Version)
		})
	}

	_, err := f.svc.Release(context.Background(), &HoldActionRequest{
		EventID: "evt-1", SeatID: "A2", HolderID: "alice", HoldToken: h.HoldToken,
	})
	assert.ErrorIs(t, err, domain.ErrHoldNotOwned, "free seat")
}

func TestRelease_AfterExpiry(t *testing.T) {
	f := newFixture(t)
	h := f.hold(t, "A1", "alice", 5*time.Second)
	f.clock.Advance(5 * time.Second)

	_, err := f.svc.Release(context.Background(), &HoldActionRequest{
		EventID: "evt-1", SeatID: "A1", HolderID: "alice", HoldToken: h.HoldToken,
	})
	assert.ErrorIs(t, err, domain.ErrHoldNotOwned)
	assert.Equal(t, domain.SeatFree, f.seat(t, "A1").Status)
	assert.Equal(t, 1, f.pub.CountCause(domain.CauseExpired))
	assert.Equal(t, 0, f.pub.CountCause(domain.CauseReleased))
}

func TestConfirm(t *testing.T) {
	f := newFixture(t)
	h := f.hold(t, "A1", "alice", 0)

	seat, err := f.svc.Confirm(context.Background(), &HoldActionRequest{
		EventID: "evt-1", SeatID: "A1", HolderID: "alice", HoldToken: h.HoldToken,
	})
	require.NoError(t, err)

	assert.Equal(t, domain.SeatReserved, seat.Status)
	assert.Equal(t, "alice", seat.HolderID)
	assert.Equal(t, int64(2), seat.Version)
	assert.True(t, seat.ExpiresAt.IsZero())
	require.Len(t, f.sink.seats, 1)
	assert.Equal(t, "A1", f.sink.seats[0].SeatID)
	assert.Equal(t, 1, f.pub.CountCause(domain.CauseReserved))

	// Terminal
	_, err = f.svc.Hold(context.Background(), &HoldRequest{EventID: "evt-1", SeatID: "A1", HolderID: "bob"})
	assert.ErrorIs(t, err, domain.ErrSeatUnavailable)
	_, err = f.svc.Release(context.Background(), &HoldActionRequest{
		EventID: "evt-1", SeatID: "A1", HolderID: "alice", HoldToken: h.HoldToken,
	})
	assert.ErrorIs(t, err, domain.ErrHoldNotOwned)
}

func TestConfirm_NotOwned(t *testing.T) {
	f := newFixture(t)
	f.hold(t, "A1", "alice", 0)

	_, err := f.svc.Confirm(context.Background(), &HoldActionRequest{
		EventID: "evt-1", SeatID: "A1", HolderID: "alice", HoldToken: "forged",
	})
	assert.ErrorIs(t, err, domain.ErrHoldNotOwned)
	assert.Equal(t, int64(1), f.seat(t, "A1").Version)
	assert.Empty(t, f.sink.seats)
}

func TestConfirm_ExpiredHold(t *testing.T) {
	f := newFixture(t)
	h := f.hold(t, "A1", "alice", 5*time.Second)
	f.clock.Advance(10 * time.Second)

	req := &HoldActionRequest{EventID: "evt-1", SeatID: "A1", HolderID: "alice", HoldToken: h.HoldToken}

	_, err := f.svc.Confirm(context.Background(), req)
	assert.ErrorIs(t, err, domain.ErrHoldExpired)

	seat := f.seat(t, "A1")
	assert.Equal(t, domain.SeatFree, seat.Status)
	assert.Equal(t, int64(2), seat.Version)

	// Still HoldExpired once the seat is FREE again, and after someone else holds it
	_, err = f.svc.Confirm(context.Background(), req)
	assert.ErrorIs(t, err, domain.ErrHoldExpired)

	f.hold(t, "A1", "bob", 0)
	_, err = f.svc.Confirm(context.Background(), req)
	assert.ErrorIs(t, err, domain.ErrHoldExpired)

	assert.Equal(t, 1, f.pub.CountCause(domain.CauseExpired))
	assert.Empty(t, f.sink.seats)
}

func TestConfirm_HoldLapsesBeforeWrite(t *testing.T) {
	f := newFixture(t)
	h := f.hold(t, "A1", "alice", 5*time.Second)
	f.clock.Advance(4500 * time.Millisecond)

	svc := NewReservationService(&slowWriteStore{Store: f.store, clock: f.clock, delay: time.Second}, f.pub, f.sink,
		&ReservationServiceConfig{MinTTL: 5 * time.Second, Now: f.clock.Now})

	_, err := svc.Confirm(context.Background(), &HoldActionRequest{
		EventID: "evt-1", SeatID: "A1", HolderID: "alice", HoldToken: h.HoldToken,
	})
	assert.ErrorIs(t, err, domain.ErrHoldExpired)

	seat := f.seat(t, "A1")
	assert.Equal(t, domain.SeatFree, seat.Status)
	assert.Equal(t, int64(2), seat.Version)
	assert.Equal(t, h.HoldToken, seat.LapsedToken)
	assert.Equal(t, 1, f.pub.CountCause(domain.CauseExpired))
	assert.Zero(t, f.pub.CountCause(domain.CauseReserved))
	assert.Empty(t, f.sink.seats)
}

func TestConfirm_SinkFailureKeepsReservation(t *testing.T) {
	f := newFixture(t)
	f.sink.err = errors.New("broker down")
	h := f.hold(t, "A1", "alice", 0)

	seat, err := f.svc.Confirm(context.Background(), &HoldActionRequest{
		EventID: "evt-1", SeatID: "A1", HolderID: "alice", HoldToken: h.HoldToken,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.SeatReserved, seat.Status)
}

func TestPublishFailureKeepsMutation(t *testing.T) {
	f := newFixture(t)
	f.pub.err = errors.New("bus down")

	h := f.hold(t, "A1", "alice", 0)

	assert.NotEmpty(t, h.HoldToken)
	assert.Equal(t, domain.SeatHeld, f.seat(t, "A1").Status)
}

func TestExpireHold_AppliesOnce(t *testing.T) {
	f := newFixture(t)
	f.hold(t, "A1", "alice", 5*time.Second)
	f.clock.Advance(6 * time.Second)

	observed := f.seat(t, "A1")

	var wg sync.WaitGroup
	results := make(chan bool, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seat := *observed
			applied, err := f.svc.ExpireHold(context.Background(), &seat)
			assert.NoError(t, err)
			results <- applied
		}()
	}
	wg.Wait()
	close(results)

	applied := 0
	for ok := range results {
		if ok {
			applied++
		}
	}
	assert.Equal(t, 1, applied)
	assert.Equal(t, 1, f.pub.CountCause(domain.CauseExpired))
	assert.Equal(t, domain.SeatFree, f.seat(t, "A1").Status)
}

func TestExpireHold_LiveHoldUntouched(t *testing.T) {
	f := newFixture(t)
	f.hold(t, "A1", "alice", 30*time.Second)

	applied, err := f.svc.ExpireHold(context.Background(), f.seat(t, "A1"))
	require.NoError(t, err)

	assert.False(t, applied)
	assert.Equal(t, domain.SeatHeld, f.seat(t, "A1").Status)
}

func TestExpireHold_StaleObservation(t *testing.T) {
	f := newFixture(t)
	h := f.hold(t, "A1", "alice", 5*time.Second)
	observed := f.seat(t, "A1")

	_, err := f.svc.Confirm(context.Background(), &HoldActionRequest{
		EventID: "evt-1", SeatID: "A1", HolderID: "alice", HoldToken: h.HoldToken,
	})
	require.NoError(t, err)
	f.clock.Advance(time.Minute)

	applied, err := f.svc.ExpireHold(context.Background(), observed)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, domain.SeatReserved, f.seat(t, "A1").Status)
}

func TestScenario_HoldDenyConfirm(t *testing.T) {
	f := newFixture(t)

	h := f.hold(t, "A1", "alice", 0)
	assert.Equal(t, int64(1), h.Version)

	_, err := f.svc.Hold(context.Background(), &HoldRequest{EventID: "evt-1", SeatID: "A1", HolderID: "bob"})
	assert.ErrorIs(t, err, domain.ErrSeatUnavailable)

	seat, err := f.svc.Confirm(context.Background(), &HoldActionRequest{
		EventID: "evt-1", SeatID: "A1", HolderID: "alice", HoldToken: h.HoldToken,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), seat.Version)

	changes := f.pub.Changes()
	require.Len(t, changes, 2)
	assert.Equal(t, domain.SeatReserved, changes[1].Status)
	assert.Equal(t, int64(2), changes[1].Version)

	counts, err := f.svc.Counts(context.Background(), "evt-1")
	require.NoError(t, err)
	assert.Equal(t, domain.SeatCounts{Free: 1, Held: 0, Reserved: 1}, *counts)
}

func TestStoreFailureSurfaces(t *testing.T) {
	svc := NewReservationService(&failingStore{err: errors.New("dial tcp: refused")}, nil, nil, nil)

	_, err := svc.Hold(context.Background(), &HoldRequest{EventID: "evt-1", SeatID: "A1", HolderID: "alice"})

	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
	assert.Equal(t, domain.CodeServiceUnavailable, domain.Code(err))
}

func TestSnapshotPassThrough(t *testing.T) {
	f := newFixture(t, "A1", "A2", "A3")
	f.hold(t, "A2", "alice", 0)

	seats, err := f.svc.Snapshot(context.Background(), "evt-1")
	require.NoError(t, err)

	require.Len(t, seats, 3)
	assert.Equal(t, "A2", seats[1].SeatID)
	assert.Equal(t, domain.SeatHeld, seats[1].Status)

	ok, err := f.svc.EventExists(context.Background(), "evt-1")
	require.NoError(t, err)
	assert.True(t, ok)
}
