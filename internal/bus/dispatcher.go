package bus

import (
	"context"
	"time"

	"github.com/prohmpiriya/seat-rush/internal/metrics"
	"github.com/prohmpiriya/seat-rush/internal/registry"
	"github.com/prohmpiriya/seat-rush/pkg/logger"
	"github.com/prohmpiriya/seat-rush/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// DispatcherConfig contains configuration for the dispatcher
type DispatcherConfig struct {
	// OfferRetries is how many more times a full subscriber queue is tried
	// before the subscriber is dropped
	OfferRetries int
	// OfferBackoff is the pause between those tries
	OfferBackoff time.Duration
}

// DefaultDispatcherConfig returns default configuration
func DefaultDispatcherConfig() *DispatcherConfig {
	return &DispatcherConfig{
		OfferRetries: 3,
		OfferBackoff: 10 * time.Millisecond,
	}
}

// Dispatcher receives envelopes addressed to this worker and hands them to
// the local room members
type Dispatcher struct {
	workerID  string
	transport Transport
	rooms     *registry.LocalRooms
	config    *DispatcherConfig
	log       *logger.Logger
}

// NewDispatcher creates a new dispatcher
func NewDispatcher(workerID string, transport Transport, rooms *registry.LocalRooms, config *DispatcherConfig) *Dispatcher {
	if config == nil {
		config = DefaultDispatcherConfig()
	}
	if config.OfferRetries < 0 {
		config.OfferRetries = 0
	}
	return &Dispatcher{
		workerID:  workerID,
		transport: transport,
		rooms:     rooms,
		config:    config,
		log:       logger.Get(),
	}
}

// Run blocks receiving until ctx is done
func (d *Dispatcher) Run(ctx context.Context) error {
	d.log.Info("Starting bus dispatcher", zap.String("worker_id", d.workerID))
	err := d.transport.Receive(ctx, d.workerID, d.handle)
	d.log.Info("Bus dispatcher stopped", zap.String("worker_id", d.workerID))
	return err
}

func (d *Dispatcher) handle(ctx context.Context, payload []byte) {
	env, err := DecodeEnvelope(payload)
	if err != nil {
		d.log.Warn("Discarding malformed envelope", zap.Error(err))
		return
	}
	if env.WorkerID != d.workerID {
		return
	}
	d.Deliver(telemetry.ExtractMap(ctx, env.Trace), env)
}

// Deliver offers the change to every local member of the event's room.
// Members whose queue stays full are dropped; they resync on rejoin.
func (d *Dispatcher) Deliver(ctx context.Context, env *Envelope) int {
	ctx, span := telemetry.StartSpan(ctx, "bus.dispatch")
	defer span.End()

	change := env.Change
	members := d.rooms.Members(change.EventID)
	span.SetAttributes(
		attribute.String("event_id", change.EventID),
		attribute.Int64("version", change.Version),
		attribute.Int("members", len(members)),
	)

	delivered := 0
	var pending []registry.Subscriber
	for _, sub := range members {
		if sub.Offer(change) {
			delivered++
		} else {
			pending = append(pending, sub)
		}
	}

	for attempt := 0; attempt < d.config.OfferRetries && len(pending) > 0; attempt++ {
		select {
		case <-ctx.Done():
			return delivered
		case <-time.After(d.config.OfferBackoff):
		}
		still := pending[:0]
		for _, sub := range pending {
			if sub.Offer(change) {
				delivered++
			} else {
				still = append(still, sub)
			}
		}
		pending = still
	}

	for _, sub := range pending {
		d.rooms.LeaveAll(sub.ID())
		sub.Drop("subscriber too slow")
		metrics.RecordSubscriberDropped(ctx, change.EventID)
		d.log.Warn("Dropped slow subscriber",
			zap.String("connection_id", sub.ID()),
			zap.String("event_id", change.EventID),
		)
	}

	span.SetAttributes(attribute.Int("delivered", delivered))
	return delivered
}
