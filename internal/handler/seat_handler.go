package handler

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/prohmpiriya/seat-rush/internal/domain"
	"github.com/prohmpiriya/seat-rush/internal/dto"
	"github.com/prohmpiriya/seat-rush/internal/service"
	"github.com/prohmpiriya/seat-rush/pkg/logger"
	"github.com/prohmpiriya/seat-rush/pkg/response"
	"github.com/prohmpiriya/seat-rush/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// SeatHandler serves read-only seat state over REST
type SeatHandler struct {
	service service.ReservationService
}

// NewSeatHandler creates a new seat handler
func NewSeatHandler(svc service.ReservationService) *SeatHandler {
	return &SeatHandler{service: svc}
}

// GetSeats handles GET /api/v1/events/:eventId/seats
func (h *SeatHandler) GetSeats(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "handler.seat.list")
	defer span.End()

	eventID := c.Param("eventId")
	span.SetAttributes(attribute.String("event_id", eventID))

	seats, err := h.service.Snapshot(ctx, eventID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.handleError(c, eventID, err)
		return
	}

	span.SetStatus(codes.Ok, "")
	response.Success(c, &dto.SeatsResponse{
		EventID: eventID,
		Seats:   dto.FromSeats(seats),
		Count:   len(seats),
	})
}

// GetStats handles GET /api/v1/events/:eventId/stats
func (h *SeatHandler) GetStats(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "handler.seat.stats")
	defer span.End()

	eventID := c.Param("eventId")
	span.SetAttributes(attribute.String("event_id", eventID))

	counts, err := h.service.Counts(ctx, eventID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.handleError(c, eventID, err)
		return
	}

	span.SetStatus(codes.Ok, "")
	response.Success(c, dto.FromCounts(eventID, counts))
}

func (h *SeatHandler) handleError(c *gin.Context, eventID string, err error) {
	switch {
	case errors.Is(err, domain.ErrEventNotFound):
		response.NotFound(c, "EVENT_NOT_FOUND", "event not found")
	case domain.IsClientError(err):
		response.BadRequest(c, err.Error())
	default:
		logger.Get().Error("Seat query failed", zap.String("event_id", eventID), zap.Error(err))
		_ = c.Error(err)
		response.ServiceUnavailable(c, "seat store unavailable, retry later")
	}
}

