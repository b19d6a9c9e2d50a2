package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prohmpiriya/seat-rush/internal/domain"
	"github.com/prohmpiriya/seat-rush/internal/dto"
	"github.com/prohmpiriya/seat-rush/internal/service"
	"github.com/prohmpiriya/seat-rush/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockReservationService is a mock implementation of ReservationService for testing
type MockReservationService struct {
	SnapshotFunc func(ctx context.Context, eventID string) ([]*domain.Seat, error)
	CountsFunc   func(ctx context.Context, eventID string) (*domain.SeatCounts, error)
}

func (m *MockReservationService) Hold(ctx context.Context, req *service.HoldRequest) (*domain.Hold, error) {
	return nil, nil
}

func (m *MockReservationService) Release(ctx context.Context, req *service.HoldActionRequest) (*domain.Seat, error) {
	return nil, nil
}

func (m *MockReservationService) Confirm(ctx context.Context, req *service.HoldActionRequest) (*domain.Seat, error) {
	return nil, nil
}

func (m *MockReservationService) ExpireHold(ctx context.Context, seat *domain.Seat) (bool, error) {
	return false, nil
}

func (m *MockReservationService) Snapshot(ctx context.Context, eventID string) ([]*domain.Seat, error) {
	if m.SnapshotFunc != nil {
		return m.SnapshotFunc(ctx, eventID)
	}
	return nil, nil
}

func (m *MockReservationService) Counts(ctx context.Context, eventID string) (*domain.SeatCounts, error) {
	if m.CountsFunc != nil {
		return m.CountsFunc(ctx, eventID)
	}
	return &domain.SeatCounts{}, nil
}

func (m *MockReservationService) EventExists(ctx context.Context, eventID string) (bool, error) {
	return true, nil
}

type envelope[T any] struct {
	Success bool `json:"success"`
	Data    T    `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func setupSeatRouter(svc service.ReservationService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	h := NewSeatHandler(svc)
	router.GET("/api/v1/events/:eventId/seats", h.GetSeats)
	router.GET("/api/v1/events/:eventId/stats", h.GetStats)
	return router
}

func get[T any](t *testing.T, router *gin.Engine, path string) (int, envelope[T]) {
	t.Helper()
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	var body envelope[T]
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return w.Code, body
}

func TestSeatHandler_GetSeats(t *testing.T) {
	expires := time.Now().Add(time.Minute).UTC()
	svc := &MockReservationService{
		SnapshotFunc: func(ctx context.Context, eventID string) ([]*domain.Seat, error) {
			assert.Equal(t, "evt-1", eventID)
			return []*domain.Seat{
				{EventID: eventID, SeatID: "A1", Status: domain.SeatFree},
				{EventID: eventID, SeatID: "A2", Status: domain.SeatHeld, Version: 1, HoldToken: "tok", HolderID: "alice", ExpiresAt: expires},
			}, nil
		},
	}

	code, body := get[dto.SeatsResponse](t, setupSeatRouter(svc), "/api/v1/events/evt-1/seats")

	assert.Equal(t, http.StatusOK, code)
	assert.True(t, body.Success)
	assert.Equal(t, 2, body.Data.Count)
	require.Len(t, body.Data.Seats, 2)
	assert.Equal(t, domain.SeatHeld, body.Data.Seats[1].Status)
	require.NotNil(t, body.Data.Seats[1].ExpiresAt)
}

func TestSeatHandler_GetSeats_UnknownEvent(t *testing.T) {
	svc := &MockReservationService{
		SnapshotFunc: func(ctx context.Context, eventID string) ([]*domain.Seat, error) {
			return nil, domain.ErrEventNotFound
		},
	}

	code, body := get[dto.SeatsResponse](t, setupSeatRouter(svc), "/api/v1/events/nope/seats")

	assert.Equal(t, http.StatusNotFound, code)
	assert.False(t, body.Success)
	assert.Equal(t, "EVENT_NOT_FOUND", body.Error.Code)
}

func TestSeatHandler_GetStats(t *testing.T) {
	svc := &MockReservationService{
		CountsFunc: func(ctx context.Context, eventID string) (*domain.SeatCounts, error) {
			return &domain.SeatCounts{Free: 7, Held: 2, Reserved: 1}, nil
		},
	}

	code, body := get[dto.StatsResponse](t, setupSeatRouter(svc), "/api/v1/events/evt-1/stats")

	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, int64(10), body.Data.Total)
	assert.Equal(t, int64(2), body.Data.Held)
}

func TestSeatHandler_StoreFailureHidesCause(t *testing.T) {
	svc := &MockReservationService{
		CountsFunc: func(ctx context.Context, eventID string) (*domain.SeatCounts, error) {
			return nil, errors.New("dial tcp 10.0.0.7:6379: connection refused")
		},
	}

	code, body := get[dto.StatsResponse](t, setupSeatRouter(svc), "/api/v1/events/evt-1/stats")

	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "STORE_UNAVAILABLE", body.Error.Code)
	assert.NotContains(t, body.Error.Message, "10.0.0.7")
}

func TestHealthHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name       string
		checks     map[string]HealthCheck
		wantStatus int
		wantState  string
	}{
		{
			name: "all healthy",
			checks: map[string]HealthCheck{
				"store":    func(ctx context.Context) error { return nil },
				"registry": func(ctx context.Context) error { return nil },
			},
			wantStatus: http.StatusOK,
			wantState:  "ready",
		},
		{
			name: "store down",
			checks: map[string]HealthCheck{
				"store":    func(ctx context.Context) error { return errors.New("timeout") },
				"registry": func(ctx context.Context) error { return nil },
			},
			wantStatus: http.StatusServiceUnavailable,
			wantState:  "not ready",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthHandler(tt.checks)
			router := gin.New()
			router.GET("/health", h.Health)
			router.GET("/ready", h.Ready)

			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
			assert.Equal(t, http.StatusOK, w.Code)

			w = httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
			assert.Equal(t, tt.wantStatus, w.Code)

			var resp ReadyResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantState, resp.Status)
			assert.Len(t, resp.Components, len(tt.checks))
		})
	}
}

type stubSweeper struct{ stats *worker.ExpiryWorkerStats }

func (s *stubSweeper) GetStats() *worker.ExpiryWorkerStats { return s.stats }

func TestSweeperHandler_GetStats(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.GET("/on", NewSweeperHandler(&stubSweeper{stats: &worker.ExpiryWorkerStats{IsRunning: true, TotalExpired: 4}}).GetStats)
	router.GET("/off", NewSweeperHandler(nil).GetStats)

	code, on := get[SweeperStatsResponse](t, router, "/on")
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, on.Data.Enabled)
	require.NotNil(t, on.Data.Stats)
	assert.Equal(t, int64(4), on.Data.Stats.TotalExpired)

	_, off := get[SweeperStatsResponse](t, router, "/off")
	assert.False(t, off.Data.Enabled)
	assert.Nil(t, off.Data.Stats)
}
