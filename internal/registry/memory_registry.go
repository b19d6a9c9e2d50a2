package registry

import (
	"context"
	"sort"
	"sync"

	"github.com/prohmpiriya/seat-rush/internal/domain"
)

// MemoryRegistry is an in-process registry for tests and single-process runs
type MemoryRegistry struct {
	mu    sync.RWMutex
	rooms map[string]map[string]string // event -> conn -> worker
}

// NewMemoryRegistry creates an empty registry
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{rooms: make(map[string]map[string]string)}
}

func (r *MemoryRegistry) Subscribe(ctx context.Context, eventID, connID, workerID string) error {
	if eventID == "" || connID == "" || workerID == "" {
		return domain.ErrInvalidRequest
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[eventID]
	if !ok {
		room = make(map[string]string)
		r.rooms[eventID] = room
	}
	if _, exists := room[connID]; !exists {
		room[connID] = workerID
	}
	return nil
}

func (r *MemoryRegistry) Unsubscribe(ctx context.Context, eventID, connID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if room, ok := r.rooms[eventID]; ok {
		delete(room, connID)
		if len(room) == 0 {
			delete(r.rooms, eventID)
		}
	}
	return nil
}

func (r *MemoryRegistry) ListSubscribers(ctx context.Context, eventID string) ([]domain.Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room := r.rooms[eventID]
	subs := make([]domain.Subscription, 0, len(room))
	for connID, workerID := range room {
		subs = append(subs, domain.Subscription{EventID: eventID, ConnectionID: connID, WorkerID: workerID})
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].ConnectionID < subs[j].ConnectionID })
	return subs, nil
}

func (r *MemoryRegistry) Workers(ctx context.Context, eventID string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, workerID := range r.rooms[eventID] {
		seen[workerID] = struct{}{}
	}
	workers := make([]string, 0, len(seen))
	for w := range seen {
		workers = append(workers, w)
	}
	sort.Strings(workers)
	return workers, nil
}

func (r *MemoryRegistry) UnsubscribeWorker(ctx context.Context, workerID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for eventID, room := range r.rooms {
		for connID, w := range room {
			if w == workerID {
				delete(room, connID)
				removed++
			}
		}
		if len(room) == 0 {
			delete(r.rooms, eventID)
		}
	}
	return removed, nil
}

func (r *MemoryRegistry) Ping(ctx context.Context) error {
	return nil
}
