package registry

import (
	"sort"
	"sync"

	"github.com/prohmpiriya/seat-rush/internal/domain"
)

// Subscriber is a delivery endpoint owned by the gateway, one per connection
type Subscriber interface {
	ID() string
	// Offer queues a change without blocking; false means the queue is full
	Offer(change *domain.StateChange) bool
	// Drop disconnects a subscriber that cannot keep up
	Drop(reason string)
}

// LocalRooms is this worker's view of its own room members
type LocalRooms struct {
	mu     sync.RWMutex
	rooms  map[string]map[string]Subscriber // event -> conn -> subscriber
	joined map[string]map[string]struct{}   // conn -> events
}

// NewLocalRooms creates empty rooms
func NewLocalRooms() *LocalRooms {
	return &LocalRooms{
		rooms:  make(map[string]map[string]Subscriber),
		joined: make(map[string]map[string]struct{}),
	}
}

// Join adds sub to the event's room; it reports false if already a member
func (l *LocalRooms) Join(eventID string, sub Subscriber) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	room, ok := l.rooms[eventID]
	if !ok {
		room = make(map[string]Subscriber)
		l.rooms[eventID] = room
	}
	if _, exists := room[sub.ID()]; exists {
		return false
	}
	room[sub.ID()] = sub

	events, ok := l.joined[sub.ID()]
	if !ok {
		events = make(map[string]struct{})
		l.joined[sub.ID()] = events
	}
	events[eventID] = struct{}{}
	return true
}

// Leave removes a connection from one room
func (l *LocalRooms) Leave(eventID, connID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.leaveLocked(eventID, connID)
}

// LeaveAll removes a connection from every room and returns the events it left
func (l *LocalRooms) LeaveAll(connID string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	var left []string
	for eventID := range l.joined[connID] {
		if l.leaveLocked(eventID, connID) {
			left = append(left, eventID)
		}
	}
	sort.Strings(left)
	return left
}

func (l *LocalRooms) leaveLocked(eventID, connID string) bool {
	room, ok := l.rooms[eventID]
	if !ok {
		return false
	}
	if _, ok := room[connID]; !ok {
		return false
	}
	delete(room, connID)
	if len(room) == 0 {
		delete(l.rooms, eventID)
	}
	if events, ok := l.joined[connID]; ok {
		delete(events, eventID)
		if len(events) == 0 {
			delete(l.joined, connID)
		}
	}
	return true
}

// Members returns a copy of the event's room
func (l *LocalRooms) Members(eventID string) []Subscriber {
	l.mu.RLock()
	defer l.mu.RUnlock()

	room := l.rooms[eventID]
	members := make([]Subscriber, 0, len(room))
	for _, sub := range room {
		members = append(members, sub)
	}
	return members
}

// Joined reports whether a connection is in the event's room
func (l *LocalRooms) Joined(eventID, connID string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.rooms[eventID][connID]
	return ok
}

// Size returns the number of members in the event's room
func (l *LocalRooms) Size(eventID string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.rooms[eventID])
}
