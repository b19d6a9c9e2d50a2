package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prohmpiriya/seat-rush/internal/domain"
	"github.com/prohmpiriya/seat-rush/internal/dto"
	"github.com/prohmpiriya/seat-rush/internal/metrics"
	"github.com/prohmpiriya/seat-rush/internal/registry"
	"github.com/prohmpiriya/seat-rush/internal/service"
	"github.com/prohmpiriya/seat-rush/pkg/logger"
	"github.com/prohmpiriya/seat-rush/pkg/response"
	"github.com/prohmpiriya/seat-rush/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Config contains configuration for the connection gateway
type Config struct {
	WorkerID       string
	AllowedOrigins []string
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	MaxMessageSize int64
	// SendBuffer bounds each session's outbound queue
	SendBuffer int
}

// maxTTLSeconds is the largest ttl_seconds that fits a time.Duration
const maxTTLSeconds = int64(math.MaxInt64 / int64(time.Second))

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		AllowedOrigins: []string{"*"},
		WriteTimeout:   10 * time.Second,
		PingInterval:   30 * time.Second,
		MaxMessageSize: 4096,
		SendBuffer:     256,
	}
}

// Gateway terminates client WebSocket connections on one worker
type Gateway struct {
	workerID string
	service  service.ReservationService
	registry registry.Registry
	rooms    *registry.LocalRooms
	auth     *Authenticator
	upgrader websocket.Upgrader
	config   *Config
	log      *logger.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	wg       sync.WaitGroup
}

// NewGateway creates a new gateway
func NewGateway(
	svc service.ReservationService,
	reg registry.Registry,
	rooms *registry.LocalRooms,
	auth *Authenticator,
	config *Config,
) *Gateway {
	def := DefaultConfig()
	if config == nil {
		config = def
	}
	if config.WorkerID == "" {
		config.WorkerID = uuid.New().String()
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = def.WriteTimeout
	}
	if config.PingInterval <= 0 {
		config.PingInterval = def.PingInterval
	}
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = def.MaxMessageSize
	}
	if config.SendBuffer <= 0 {
		config.SendBuffer = def.SendBuffer
	}
	if auth == nil {
		auth = NewAuthenticator("", "", false)
	}

	g := &Gateway{
		workerID: config.WorkerID,
		service:  svc,
		registry: reg,
		rooms:    rooms,
		auth:     auth,
		config:   config,
		log:      logger.Get(),
		sessions: make(map[string]*Session),
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     g.checkOrigin,
	}
	return g
}

// WorkerID returns the id this gateway registers subscriptions under
func (g *Gateway) WorkerID() string { return g.workerID }

// HandleWebSocket handles GET /ws
func (g *Gateway) HandleWebSocket(c *gin.Context) {
	holderID, err := g.auth.Identify(c.Request)
	if err != nil {
		response.Error(c, http.StatusUnauthorized, "UNAUTHORIZED", err.Error())
		return
	}

	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		g.log.Debug("WebSocket upgrade failed", zap.Error(err))
		return
	}

	s := newSession(uuid.New().String(), holderID, conn, g.config)
	g.track(s)
	metrics.ConnectionOpened(c.Request.Context())

	go s.writePump()
	g.readPump(s)
}

func (g *Gateway) track(s *Session) {
	g.mu.Lock()
	g.sessions[s.id] = s
	g.mu.Unlock()
	g.wg.Add(1)
}

// readPump serves one session until the connection ends, then cleans up
func (g *Gateway) readPump(s *Session) {
	defer g.disconnect(s)

	pongWait := 2 * g.config.PingInterval
	s.conn.SetReadLimit(g.config.MaxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Debug("Connection closed unexpectedly", zap.Error(err))
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))

		var frame dto.InboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.reply(dto.TypeError, "", &dto.ErrorPayload{Code: domain.CodeInvalidRequest, Message: "malformed frame"})
			continue
		}
		g.dispatch(context.Background(), s, &frame)
	}
}

// disconnect leaves every room the session joined. Holds are kept; their
// TTL is the only cancellation for abandoned clients.
func (g *Gateway) disconnect(s *Session) {
	s.close(websocket.CloseNormalClosure, "")

	g.rooms.LeaveAll(s.id)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, eventID := range s.joinedEvents() {
		if err := g.registry.Unsubscribe(ctx, eventID, s.id); err != nil {
			g.log.Warn("Failed to unsubscribe on disconnect",
				zap.String("event_id", eventID),
				zap.String("connection_id", s.id),
				zap.Error(err),
			)
		}
	}

	g.mu.Lock()
	delete(g.sessions, s.id)
	g.mu.Unlock()
	metrics.ConnectionClosed(ctx)
	g.wg.Done()
}

func (g *Gateway) dispatch(ctx context.Context, s *Session, frame *dto.InboundFrame) {
	msgType := dto.NormalizeType(frame.Type)
	ctx, span := telemetry.StartSpan(ctx, "gateway.message")
	defer span.End()
	span.SetAttributes(
		attribute.String("type", msgType),
		attribute.String("worker_id", g.workerID),
	)

	switch msgType {
	case dto.TypeJoinEvent:
		g.handleJoin(ctx, s, frame)
	case dto.TypeLeaveEvent:
		g.handleLeave(ctx, s, frame)
	case dto.TypeHoldRequest:
		g.handleHold(ctx, s, frame)
	case dto.TypeReleaseRequest:
		g.handleRelease(ctx, s, frame)
	case dto.TypeConfirmationRequest:
		g.handleConfirm(ctx, s, frame)
	default:
		s.reply(dto.TypeError, frame.RequestID, &dto.ErrorPayload{
			Code:    domain.CodeInvalidRequest,
			Message: fmt.Sprintf("unknown message type %q", frame.Type),
		})
	}
}

func (g *Gateway) handleJoin(ctx context.Context, s *Session, frame *dto.InboundFrame) {
	var p dto.EventPayload
	if err := decodePayload(frame, &p); err != nil || p.EventID == "" {
		s.reply(dto.TypeError, frame.RequestID, invalidPayload("event_id is required"))
		return
	}

	exists, err := g.service.EventExists(ctx, p.EventID)
	if err != nil {
		g.replyError(s, frame.RequestID, p.EventID, "", err)
		return
	}
	if !exists {
		g.replyError(s, frame.RequestID, p.EventID, "", domain.ErrEventNotFound)
		return
	}

	// Subscribe before reading the snapshot so no change falls in between;
	// the session's view drops broadcasts the snapshot already covers
	if s.markJoined(p.EventID) {
		if err := g.registry.Subscribe(ctx, p.EventID, s.id, g.workerID); err != nil {
			s.markLeft(p.EventID)
			g.replyError(s, frame.RequestID, p.EventID, "", fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err))
			return
		}
		g.rooms.Join(p.EventID, s)
	}

	seats, err := g.service.Snapshot(ctx, p.EventID)
	if err != nil {
		g.replyError(s, frame.RequestID, p.EventID, "", err)
		return
	}
	s.view.Seed(p.EventID, seats)
	s.reply(dto.TypeSeatSnapshot, frame.RequestID, &dto.SeatSnapshotPayload{
		EventID: p.EventID,
		Seats:   dto.FromSeats(seats),
	})
}

func (g *Gateway) handleLeave(ctx context.Context, s *Session, frame *dto.InboundFrame) {
	var p dto.EventPayload
	if err := decodePayload(frame, &p); err != nil || p.EventID == "" {
		s.reply(dto.TypeError, frame.RequestID, invalidPayload("event_id is required"))
		return
	}

	if s.markLeft(p.EventID) {
		g.rooms.Leave(p.EventID, s.id)
		s.view.Forget(p.EventID)
		if err := g.registry.Unsubscribe(ctx, p.EventID, s.id); err != nil {
			g.log.Warn("Failed to unsubscribe", zap.String("event_id", p.EventID), zap.Error(err))
		}
	}
	s.reply(dto.TypeLeaveAck, frame.RequestID, &p)
}

func (g *Gateway) handleHold(ctx context.Context, s *Session, frame *dto.InboundFrame) {
	var p dto.HoldRequestPayload
	if err := decodePayload(frame, &p); err != nil {
		s.reply(dto.TypeError, frame.RequestID, invalidPayload("malformed hold_request"))
		return
	}

	var hold *domain.Hold
	var err error
	if p.TTLSeconds < 0 || int64(p.TTLSeconds) > maxTTLSeconds {
		err = fmt.Errorf("%w: ttl_seconds %d out of range", domain.ErrInvalidTTL, p.TTLSeconds)
	} else {
		hold, err = g.service.Hold(ctx, &service.HoldRequest{
			EventID:  p.EventID,
			SeatID:   p.SeatID,
			HolderID: s.holderID,
			TTL:      time.Duration(p.TTLSeconds) * time.Second,
		})
	}
	if err != nil {
		g.logFailure("hold", s, p.EventID, p.SeatID, err)
		s.reply(dto.TypeHoldDenied, frame.RequestID, &dto.HoldDeniedPayload{
			EventID: p.EventID,
			SeatID:  p.SeatID,
			Reason:  domain.Code(err),
		})
		return
	}
	s.reply(dto.TypeHoldGranted, frame.RequestID, dto.FromHold(hold))
}

func (g *Gateway) handleRelease(ctx context.Context, s *Session, frame *dto.InboundFrame) {
	var p dto.HoldActionPayload
	if err := decodePayload(frame, &p); err != nil {
		s.reply(dto.TypeError, frame.RequestID, invalidPayload("malformed release_request"))
		return
	}

	seat, err := g.service.Release(ctx, &service.HoldActionRequest{
		EventID:   p.EventID,
		SeatID:    p.SeatID,
		HolderID:  s.holderID,
		HoldToken: p.HoldToken,
	})
	if err != nil {
		g.logFailure("release", s, p.EventID, p.SeatID, err)
		g.replyError(s, frame.RequestID, p.EventID, p.SeatID, err)
		return
	}
	s.reply(dto.TypeReleaseAck, frame.RequestID, seatAck(seat))
}

func (g *Gateway) handleConfirm(ctx context.Context, s *Session, frame *dto.InboundFrame) {
	var p dto.HoldActionPayload
	if err := decodePayload(frame, &p); err != nil {
		s.reply(dto.TypeError, frame.RequestID, invalidPayload("malformed confirmation_request"))
		return
	}

	seat, err := g.service.Confirm(ctx, &service.HoldActionRequest{
		EventID:   p.EventID,
		SeatID:    p.SeatID,
		HolderID:  s.holderID,
		HoldToken: p.HoldToken,
	})
	if err != nil {
		g.logFailure("confirm", s, p.EventID, p.SeatID, err)
		g.replyError(s, frame.RequestID, p.EventID, p.SeatID, err)
		return
	}
	s.reply(dto.TypeConfirmationAck, frame.RequestID, seatAck(seat))
}

func (g *Gateway) replyError(s *Session, requestID, eventID, seatID string, err error) {
	msg := err.Error()
	if !domain.IsClientError(err) {
		msg = "service unavailable, retry later"
	}
	s.reply(dto.TypeError, requestID, &dto.ErrorPayload{
		Code:    domain.Code(err),
		Message: msg,
		EventID: eventID,
		SeatID:  seatID,
	})
}

// logFailure keeps client mistakes at debug; everything else is a fault
func (g *Gateway) logFailure(op string, s *Session, eventID, seatID string, err error) {
	fields := []zap.Field{
		zap.String("op", op),
		zap.String("connection_id", s.id),
		zap.String("event_id", eventID),
		zap.String("seat_id", seatID),
		zap.Error(err),
	}
	if domain.IsClientError(err) {
		g.log.Debug("Request refused", fields...)
		return
	}
	g.log.Error("Request failed", fields...)
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range g.config.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// ConnectionCount returns the number of open sessions
func (g *Gateway) ConnectionCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sessions)
}

// Shutdown closes every session and removes this worker's subscriptions
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	sessions := make([]*Session, 0, len(g.sessions))
	for _, s := range g.sessions {
		sessions = append(sessions, s)
	}
	g.mu.Unlock()

	for _, s := range sessions {
		s.close(websocket.CloseGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		g.log.Warn("Timed out waiting for sessions to close")
	}

	// ctx may be spent by now; stale subscriptions must still go
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	removed, err := g.registry.UnsubscribeWorker(cleanupCtx, g.workerID)
	if err != nil {
		return fmt.Errorf("failed to clear worker subscriptions: %w", err)
	}
	g.log.Info(fmt.Sprintf("Gateway closed %d sessions, removed %d subscriptions", len(sessions), removed))
	return nil
}

func decodePayload(frame *dto.InboundFrame, v interface{}) error {
	if len(frame.Payload) == 0 {
		return errors.New("missing payload")
	}
	return json.Unmarshal(frame.Payload, v)
}

func invalidPayload(msg string) *dto.ErrorPayload {
	return &dto.ErrorPayload{Code: domain.CodeInvalidRequest, Message: msg}
}

func seatAck(seat *domain.Seat) *dto.SeatAckPayload {
	return &dto.SeatAckPayload{
		EventID: seat.EventID,
		SeatID:  seat.SeatID,
		Status:  seat.Status,
		Version: seat.Version,
	}
}
