package metrics

import (
	"context"
	"sync"

	"github.com/prohmpiriya/seat-rush/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

var (
	// Seat transition counters
	HoldsGranted  *telemetry.Counter
	HoldsDenied   *telemetry.Counter
	Releases      *telemetry.Counter
	Confirmations *telemetry.Counter
	Expirations   *telemetry.Counter

	// Bus counters
	BroadcastsPublished *telemetry.Counter
	DeliveryFailures    *telemetry.Counter
	SubscribersDropped  *telemetry.Counter

	// Histograms
	TransitionDuration *telemetry.Histogram
	SweepDuration      *telemetry.Histogram

	// Gauges
	ActiveConnections *telemetry.UpDownCounter
	ActiveHolds       *telemetry.UpDownCounter

	initOnce sync.Once
	initErr  error
)

// Init registers all instruments once
func Init() error {
	initOnce.Do(func() {
		initErr = initMetrics()
	})
	return initErr
}

func initMetrics() error {
	counters := []struct {
		dst  **telemetry.Counter
		opts telemetry.MetricOpts
	}{
		{&HoldsGranted, telemetry.MetricOpts{Name: "seat_holds_granted_total", Description: "Seat holds granted", Unit: "1"}},
		{&HoldsDenied, telemetry.MetricOpts{Name: "seat_holds_denied_total", Description: "Seat holds denied, by reason", Unit: "1"}},
		{&Releases, telemetry.MetricOpts{Name: "seat_releases_total", Description: "Holds released by their owner", Unit: "1"}},
		{&Confirmations, telemetry.MetricOpts{Name: "seat_confirmations_total", Description: "Holds confirmed into reservations", Unit: "1"}},
		{&Expirations, telemetry.MetricOpts{Name: "seat_hold_expirations_total", Description: "Holds reclaimed after their TTL", Unit: "1"}},
		{&BroadcastsPublished, telemetry.MetricOpts{Name: "bus_broadcasts_total", Description: "State changes published to the bus", Unit: "1"}},
		{&DeliveryFailures, telemetry.MetricOpts{Name: "bus_delivery_failures_total", Description: "Worker deliveries that exhausted their retries", Unit: "1"}},
		{&SubscribersDropped, telemetry.MetricOpts{Name: "bus_subscribers_dropped_total", Description: "Slow subscribers disconnected by the dispatcher", Unit: "1"}},
	}
	for _, c := range counters {
		counter, err := telemetry.NewCounter(c.opts)
		if err != nil {
			return err
		}
		*c.dst = counter
	}

	var err error
	TransitionDuration, err = telemetry.NewHistogram(telemetry.MetricOpts{
		Name:        "seat_transition_duration_seconds",
		Description: "Latency of hold, release and confirm including the store round trip",
		Unit:        "s",
	})
	if err != nil {
		return err
	}

	SweepDuration, err = telemetry.NewHistogram(telemetry.MetricOpts{
		Name:        "sweeper_scan_duration_seconds",
		Description: "Duration of one expiry sweep",
		Unit:        "s",
	})
	if err != nil {
		return err
	}

	ActiveConnections, err = telemetry.NewUpDownCounter(telemetry.MetricOpts{
		Name:        "gateway_active_connections",
		Description: "Open client connections on this worker",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	ActiveHolds, err = telemetry.NewUpDownCounter(telemetry.MetricOpts{
		Name:        "seat_active_holds",
		Description: "Holds granted minus holds ended, as observed by this process",
		Unit:        "1",
	})
	return err
}

// RecordHoldGranted records a granted hold
func RecordHoldGranted(ctx context.Context, eventID string, seconds float64) {
	HoldsGranted.Inc(ctx, attribute.String("event_id", eventID))
	ActiveHolds.Inc(ctx)
	TransitionDuration.Record(ctx, seconds, attribute.String("op", "hold"))
}

// RecordHoldDenied records a denied hold with its wire reason
func RecordHoldDenied(ctx context.Context, eventID, reason string) {
	HoldsDenied.Inc(ctx,
		attribute.String("event_id", eventID),
		attribute.String("reason", reason),
	)
}

// RecordRelease records an explicit release
func RecordRelease(ctx context.Context, eventID string, seconds float64) {
	Releases.Inc(ctx, attribute.String("event_id", eventID))
	ActiveHolds.Dec(ctx)
	TransitionDuration.Record(ctx, seconds, attribute.String("op", "release"))
}

// RecordConfirmation records a confirmed reservation
func RecordConfirmation(ctx context.Context, eventID string, seconds float64) {
	Confirmations.Inc(ctx, attribute.String("event_id", eventID))
	ActiveHolds.Dec(ctx)
	TransitionDuration.Record(ctx, seconds, attribute.String("op", "confirm"))
}

// RecordExpiration records holds reclaimed by expiry
func RecordExpiration(ctx context.Context, eventID string, count int64) {
	Expirations.Add(ctx, count, attribute.String("event_id", eventID))
	ActiveHolds.Add(ctx, -count)
}

// RecordBroadcast records a published state change
func RecordBroadcast(ctx context.Context, eventID string, workers int) {
	BroadcastsPublished.Inc(ctx,
		attribute.String("event_id", eventID),
		attribute.Int("workers", workers),
	)
}

// RecordDeliveryFailure records a delivery that gave up
func RecordDeliveryFailure(ctx context.Context, workerID string) {
	DeliveryFailures.Inc(ctx, attribute.String("worker_id", workerID))
}

// RecordSubscriberDropped records a slow subscriber being cut off
func RecordSubscriberDropped(ctx context.Context, eventID string) {
	SubscribersDropped.Inc(ctx, attribute.String("event_id", eventID))
}

// RecordSweep records one sweep pass
func RecordSweep(ctx context.Context, seconds float64) {
	SweepDuration.Record(ctx, seconds)
}

// ConnectionOpened and ConnectionClosed track open sockets
func ConnectionOpened(ctx context.Context) { ActiveConnections.Inc(ctx) }
func ConnectionClosed(ctx context.Context) { ActiveConnections.Dec(ctx) }
