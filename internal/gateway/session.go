package gateway

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prohmpiriya/seat-rush/internal/domain"
	"github.com/prohmpiriya/seat-rush/internal/dto"
	"github.com/prohmpiriya/seat-rush/pkg/logger"
	"go.uber.org/zap"
)

// Session is one client connection. It is the connection's Subscriber in
// the local rooms; broadcasts and replies share one bounded send queue.
// Broadcasts already covered by the client's view are not sent again.
type Session struct {
	id       string
	holderID string
	conn     *websocket.Conn
	send     chan []byte
	done     chan struct{}
	config   *Config
	log      *logger.Logger

	closeOnce sync.Once
	mu        sync.Mutex
	joined    map[string]struct{}

	offerMu sync.Mutex
	view    *domain.SeatView
}

func newSession(id, holderID string, conn *websocket.Conn, config *Config) *Session {
	return &Session{
		id:       id,
		holderID: holderID,
		conn:     conn,
		send:     make(chan []byte, config.SendBuffer),
		done:     make(chan struct{}),
		config:   config,
		log:      logger.Get().With(zap.String("connection_id", id)),
		joined:   make(map[string]struct{}),
		view:     domain.NewSeatView(),
	}
}

// ID returns the connection id
func (s *Session) ID() string { return s.id }

// Offer queues a broadcast without blocking. Redelivered or stale
// versions are accepted and discarded.
func (s *Session) Offer(change *domain.StateChange) bool {
	s.offerMu.Lock()
	defer s.offerMu.Unlock()

	if !s.view.Newer(change) {
		return true
	}
	data, err := encodeFrame(dto.TypeSeatStateChanged, "", dto.FromStateChange(change))
	if err != nil {
		return true
	}
	select {
	case <-s.done:
		// Closed sessions swallow broadcasts until they leave the rooms
		return true
	default:
	}
	select {
	case s.send <- data:
		s.view.Apply(change)
		return true
	default:
		return false
	}
}

// Drop disconnects the session; the client resyncs on reconnect
func (s *Session) Drop(reason string) {
	s.log.Warn("Dropping session", zap.String("reason", reason))
	s.close(websocket.ClosePolicyViolation, reason)
}

// reply queues a direct response, waiting up to the write timeout
func (s *Session) reply(msgType, requestID string, payload interface{}) {
	data, err := encodeFrame(msgType, requestID, payload)
	if err != nil {
		s.log.Error("Failed to encode reply", zap.Error(err))
		return
	}

	timer := time.NewTimer(s.config.WriteTimeout)
	defer timer.Stop()
	select {
	case s.send <- data:
	case <-s.done:
	case <-timer.C:
		s.Drop("reply queue full")
	}
}

func (s *Session) markJoined(eventID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.joined[eventID]; ok {
		return false
	}
	s.joined[eventID] = struct{}{}
	return true
}

func (s *Session) markLeft(eventID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.joined[eventID]; !ok {
		return false
	}
	delete(s.joined, eventID)
	return true
}

// joinedEvents drains the joined set
func (s *Session) joinedEvents() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	events := make([]string, 0, len(s.joined))
	for eventID := range s.joined {
		events = append(events, eventID)
	}
	s.joined = make(map[string]struct{})
	return events
}

func (s *Session) close(code int, reason string) {
	s.closeOnce.Do(func() {
		close(s.done)
		deadline := time.Now().Add(s.config.WriteTimeout)
		_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		_ = s.conn.Close()
	})
}

// writePump owns all writes to the connection
func (s *Session) writePump() {
	ticker := time.NewTicker(s.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case data := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.log.Debug("Write failed", zap.Error(err))
				s.close(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.config.WriteTimeout)); err != nil {
				s.close(websocket.CloseAbnormalClosure, "ping failed")
				return
			}
		}
	}
}

func encodeFrame(msgType, requestID string, payload interface{}) ([]byte, error) {
	return json.Marshal(&dto.OutboundFrame{Type: msgType, RequestID: requestID, Payload: payload})
}
