package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prohmpiriya/seat-rush/internal/domain"
	"github.com/prohmpiriya/seat-rush/internal/metrics"
	"github.com/prohmpiriya/seat-rush/pkg/logger"
	"github.com/prohmpiriya/seat-rush/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

// HoldSource finds lapsed holds; store.Store satisfies it
type HoldSource interface {
	ListEvents(ctx context.Context) ([]string, error)
	ExpiredHolds(ctx context.Context, eventID string, now time.Time, limit int) ([]*domain.Seat, error)
}

// HoldExpirer applies the expiry; service.ReservationService satisfies it
type HoldExpirer interface {
	ExpireHold(ctx context.Context, seat *domain.Seat) (bool, error)
}

// ExpiryWorkerConfig contains configuration for the expiry worker
type ExpiryWorkerConfig struct {
	// ScanInterval is the interval between scans for lapsed holds
	ScanInterval time.Duration
	// BatchSize is the number of holds per event handled in each scan
	BatchSize int
	Now       func() time.Time
}

// DefaultExpiryWorkerConfig returns default configuration
func DefaultExpiryWorkerConfig() *ExpiryWorkerConfig {
	return &ExpiryWorkerConfig{
		ScanInterval: 2 * time.Second,
		BatchSize:    200,
		Now:          time.Now,
	}
}

// ExpiryWorker frees holds whose TTL has passed
type ExpiryWorker struct {
	source  HoldSource
	expirer HoldExpirer
	lease   LeaderLease
	config  *ExpiryWorkerConfig
	log     *logger.Logger
	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool

	// Stats
	totalScans       int64
	totalExpired     int64
	totalSkipped     int64
	lastScanTime     time.Time
	lastExpiredCount int
	isLeader         bool
}

// NewExpiryWorker creates a new expiry worker. A nil lease means this
// process always scans.
func NewExpiryWorker(source HoldSource, expirer HoldExpirer, lease LeaderLease, config *ExpiryWorkerConfig) *ExpiryWorker {
	def := DefaultExpiryWorkerConfig()
	if config == nil {
		config = def
	}
	if config.ScanInterval <= 0 {
		config.ScanInterval = def.ScanInterval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	if config.Now == nil {
		config.Now = def.Now
	}
	if lease == nil {
		lease = LocalLease{}
	}

	return &ExpiryWorker{
		source:  source,
		expirer: expirer,
		lease:   lease,
		config:  config,
		log:     logger.Get(),
		stopCh:  make(chan struct{}),
	}
}

// Start starts the expiry worker
func (w *ExpiryWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("expiry worker already running")
	}
	w.running = true
	w.mu.Unlock()

	w.log.Info(fmt.Sprintf("Starting expiry worker (interval=%s, batch=%d)", w.config.ScanInterval, w.config.BatchSize))

	w.wg.Add(1)
	go w.scanLoop(ctx)

	return nil
}

// Stop stops the expiry worker and gives up the lease
func (w *ExpiryWorker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	w.log.Info("Stopping expiry worker")
	close(w.stopCh)
	w.wg.Wait()

	releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := w.lease.Release(releaseCtx); err != nil {
		w.log.Warn(fmt.Sprintf("Failed to release sweeper lease: %v", err))
	}
	w.log.Info("Expiry worker stopped")
}

func (w *ExpiryWorker) scanLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.ScanInterval)
	defer ticker.Stop()

	// Run immediately on start
	w.Scan(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.Scan(ctx)
		}
	}
}

// Scan runs one sweep over every event if this instance holds the lease.
// It returns the number of holds this call expired.
func (w *ExpiryWorker) Scan(ctx context.Context) int {
	leader, err := w.lease.Acquire(ctx)
	if err != nil {
		w.log.Warn(fmt.Sprintf("Sweeper lease check failed, skipping scan: %v", err))
		leader = false
	}

	w.mu.Lock()
	w.isLeader = leader
	if !leader {
		w.totalSkipped++
	}
	w.mu.Unlock()
	if !leader {
		return 0
	}

	ctx, span := telemetry.StartSpan(ctx, "worker.expiry.scan")
	defer span.End()
	start := time.Now()

	events, err := w.source.ListEvents(ctx)
	if err != nil {
		span.RecordError(err)
		w.log.Error(fmt.Sprintf("Failed to list events: %v", err))
		return 0
	}

	expired := 0
	now := w.config.Now()
	for _, eventID := range events {
		expired += w.sweepEvent(ctx, eventID, now)
	}

	metrics.RecordSweep(ctx, time.Since(start).Seconds())
	span.SetAttributes(
		attribute.Int("events", len(events)),
		attribute.Int("expired", expired),
	)

	w.mu.Lock()
	w.totalScans++
	w.totalExpired += int64(expired)
	w.lastScanTime = now
	w.lastExpiredCount = expired
	w.mu.Unlock()

	if expired > 0 {
		w.log.Info(fmt.Sprintf("Expired %d holds across %d events", expired, len(events)))
	}
	return expired
}

// sweepEvent expires one batch of lapsed holds. Failures are left for the
// next tick; a lost race means the seat already moved on.
func (w *ExpiryWorker) sweepEvent(ctx context.Context, eventID string, now time.Time) int {
	seats, err := w.source.ExpiredHolds(ctx, eventID, now, w.config.BatchSize)
	if err != nil {
		w.log.Error(fmt.Sprintf("Failed to read expired holds for event %s: %v", eventID, err))
		return 0
	}

	expired := 0
	for _, seat := range seats {
		applied, err := w.expirer.ExpireHold(ctx, seat)
		if err != nil {
			w.log.Error(fmt.Sprintf("Failed to expire hold on %s/%s: %v", eventID, seat.SeatID, err))
			continue
		}
		if applied {
			expired++
		} else {
			w.log.Debug(fmt.Sprintf("Hold on %s/%s already moved on", eventID, seat.SeatID))
		}
	}
	return expired
}

// GetStats returns worker statistics
func (w *ExpiryWorker) GetStats() *ExpiryWorkerStats {
	w.mu.Lock()
	defer w.mu.Unlock()

	return &ExpiryWorkerStats{
		IsRunning:        w.running,
		IsLeader:         w.isLeader,
		TotalScans:       w.totalScans,
		TotalExpired:     w.totalExpired,
		TotalSkipped:     w.totalSkipped,
		LastScanTime:     w.lastScanTime,
		LastExpiredCount: w.lastExpiredCount,
	}
}

// ExpiryWorkerStats contains worker statistics
type ExpiryWorkerStats struct {
	IsRunning        bool      `json:"is_running"`
	IsLeader         bool      `json:"is_leader"`
	TotalScans       int64     `json:"total_scans"`
	TotalExpired     int64     `json:"total_expired"`
	TotalSkipped     int64     `json:"total_skipped"`
	LastScanTime     time.Time `json:"last_scan_time"`
	LastExpiredCount int       `json:"last_expired_count"`
}
