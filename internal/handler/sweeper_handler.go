package handler

import (
	"github.com/gin-gonic/gin"
	"github.com/prohmpiriya/seat-rush/internal/worker"
	"github.com/prohmpiriya/seat-rush/pkg/response"
)

// SweeperStatsProvider exposes sweeper statistics
type SweeperStatsProvider interface {
	GetStats() *worker.ExpiryWorkerStats
}

// SweeperHandler reports on the hold expiry sweeper of this process
type SweeperHandler struct {
	sweeper SweeperStatsProvider
}

// NewSweeperHandler creates a new sweeper handler; sweeper may be nil when
// the process runs without one
func NewSweeperHandler(sweeper SweeperStatsProvider) *SweeperHandler {
	return &SweeperHandler{sweeper: sweeper}
}

// SweeperStatsResponse wraps the stats with whether a sweeper runs here
type SweeperStatsResponse struct {
	Enabled bool                      `json:"enabled"`
	Stats   *worker.ExpiryWorkerStats `json:"stats,omitempty"`
}

// GetStats handles GET /api/v1/sweeper/stats
func (h *SweeperHandler) GetStats(c *gin.Context) {
	if h.sweeper == nil {
		response.Success(c, &SweeperStatsResponse{Enabled: false})
		return
	}
	response.Success(c, &SweeperStatsResponse{Enabled: true, Stats: h.sweeper.GetStats()})
}
