package domain

import "sync"

// SeatView is a subscriber's advisory copy of seat versions.
// Delivery is at-least-once and unordered across workers, so a change is
// applied only when its version is strictly greater than the last one seen.
type SeatView struct {
	mu       sync.Mutex
	versions map[string]int64
}

// NewSeatView creates an empty view
func NewSeatView() *SeatView {
	return &SeatView{versions: make(map[string]int64)}
}

func viewKey(eventID, seatID string) string {
	return eventID + "\x00" + seatID
}

// Apply records the change and reports whether it is new
func (v *SeatView) Apply(change *StateChange) bool {
	if change == nil {
		return false
	}
	key := viewKey(change.EventID, change.SeatID)

	v.mu.Lock()
	defer v.mu.Unlock()
	if last, ok := v.versions[key]; ok && change.Version <= last {
		return false
	}
	v.versions[key] = change.Version
	return true
}

// Newer reports whether Apply would accept the change, without recording it
func (v *SeatView) Newer(change *StateChange) bool {
	if change == nil {
		return false
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	last, ok := v.versions[viewKey(change.EventID, change.SeatID)]
	return !ok || change.Version > last
}

// Seed merges a snapshot into the view. A snapshot read before a change
// that was already applied never lowers the recorded version.
func (v *SeatView) Seed(eventID string, seats []*Seat) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, s := range seats {
		key := viewKey(eventID, s.SeatID)
		if last, ok := v.versions[key]; !ok || s.Version > last {
			v.versions[key] = s.Version
		}
	}
}

// Forget drops every seat of the event
func (v *SeatView) Forget(eventID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.dropLocked(eventID)
}

func (v *SeatView) dropLocked(eventID string) {
	prefix := eventID + "\x00"
	for k := range v.versions {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			delete(v.versions, k)
		}
	}
}

// Version returns the last applied version for the seat
func (v *SeatView) Version(eventID, seatID string) (int64, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	ver, ok := v.versions[viewKey(eventID, seatID)]
	return ver, ok
}
