package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prohmpiriya/seat-rush/internal/domain"
	"github.com/prohmpiriya/seat-rush/internal/metrics"
	"github.com/prohmpiriya/seat-rush/internal/registry"
	"github.com/prohmpiriya/seat-rush/pkg/logger"
	"github.com/prohmpiriya/seat-rush/pkg/retry"
	"github.com/prohmpiriya/seat-rush/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// PublisherConfig contains configuration for the publisher
type PublisherConfig struct {
	// SendTimeout bounds every single send to a worker
	SendTimeout time.Duration
	// Retry drives background redelivery after a failed send
	Retry *retry.Config
}

// DefaultPublisherConfig returns default configuration
func DefaultPublisherConfig() *PublisherConfig {
	return &PublisherConfig{
		SendTimeout: 500 * time.Millisecond,
		Retry: &retry.Config{
			MaxRetries:      5,
			InitialInterval: 50 * time.Millisecond,
			MaxInterval:     2 * time.Second,
			Multiplier:      2.0,
			JitterFactor:    0.2,
		},
	}
}

// Publisher fans a state change out to every worker with subscribers for
// its event. Each worker is sent to independently; a failed worker is
// retried in the background and never holds up the others.
type Publisher struct {
	registry  registry.Registry
	transport Transport
	config    *PublisherConfig
	retrier   *retry.Retrier
	log       *logger.Logger

	// background redeliveries
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPublisher creates a new publisher
func NewPublisher(reg registry.Registry, transport Transport, config *PublisherConfig) *Publisher {
	def := DefaultPublisherConfig()
	if config == nil {
		config = def
	}
	if config.SendTimeout <= 0 {
		config.SendTimeout = def.SendTimeout
	}
	if config.Retry == nil {
		config.Retry = def.Retry
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Publisher{
		registry:  reg,
		transport: transport,
		config:    config,
		retrier:   retry.New(config.Retry),
		log:       logger.Get(),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Publish resolves the event's workers and sends to each. It waits at most
// SendTimeout for the first round; failures continue in the background.
func (p *Publisher) Publish(ctx context.Context, change *domain.StateChange) error {
	ctx, span := telemetry.StartSpan(ctx, "bus.publish")
	defer span.End()
	span.SetAttributes(
		attribute.String("event_id", change.EventID),
		attribute.String("seat_id", change.SeatID),
		attribute.Int64("version", change.Version),
	)

	trace := telemetry.InjectMap(ctx)

	workers, err := p.registry.Workers(ctx, change.EventID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.spawn(func(bg context.Context) { p.republish(bg, change, trace) })
		return fmt.Errorf("%w: resolve workers: %w", domain.ErrDeliveryFailure, err)
	}

	p.fanOut(ctx, change, trace, workers)

	metrics.RecordBroadcast(ctx, change.EventID, len(workers))
	span.SetAttributes(attribute.Int("workers", len(workers)))
	span.SetStatus(codes.Ok, "")
	return nil
}

func (p *Publisher) fanOut(ctx context.Context, change *domain.StateChange, trace map[string]string, workers []string) {
	var wg sync.WaitGroup
	for _, workerID := range workers {
		env := &Envelope{
			WorkerID:    workerID,
			Change:      change,
			Trace:       trace,
			PublishedAt: time.Now(),
		}
		payload, err := env.Encode()
		if err != nil {
			p.log.Error("Failed to encode envelope", zap.Error(err))
			continue
		}

		wg.Add(1)
		go func(workerID string, payload []byte) {
			defer wg.Done()
			if err := p.send(ctx, workerID, payload); err != nil {
				p.spawn(func(bg context.Context) { p.redeliver(bg, change, trace, workerID, payload) })
			}
		}(workerID, payload)
	}
	wg.Wait()
}

func (p *Publisher) send(ctx context.Context, workerID string, payload []byte) error {
	sendCtx, cancel := context.WithTimeout(ctx, p.config.SendTimeout)
	defer cancel()
	return p.transport.Send(sendCtx, workerID, payload)
}

// redeliver retries one worker until success or retries run out; the
// latter is a delivery failure that the worker's clients repair by resync
func (p *Publisher) redeliver(ctx context.Context, change *domain.StateChange, trace map[string]string, workerID string, payload []byte) {
	ctx = telemetry.ExtractMap(ctx, trace)
	result := p.retrier.Do(ctx, func(ctx context.Context) error {
		return p.send(ctx, workerID, payload)
	})
	if result.Err == nil {
		p.log.Debug("Redelivered state change",
			zap.String("worker_id", workerID),
			zap.Int("attempts", result.Attempts),
		)
		return
	}

	metrics.RecordDeliveryFailure(ctx, workerID)
	p.log.Warn("State change delivery failed",
		zap.Error(domain.ErrDeliveryFailure),
		zap.String("worker_id", workerID),
		zap.String("event_id", change.EventID),
		zap.String("seat_id", change.SeatID),
		zap.Int64("version", change.Version),
		zap.Int("attempts", result.Attempts),
		zap.NamedError("last_error", result.LastError),
	)
}

// republish retries the worker lookup when the registry was unreachable
func (p *Publisher) republish(ctx context.Context, change *domain.StateChange, trace map[string]string) {
	ctx = telemetry.ExtractMap(ctx, trace)
	var workers []string
	result := p.retrier.Do(ctx, func(ctx context.Context) error {
		var err error
		workers, err = p.registry.Workers(ctx, change.EventID)
		return err
	})
	if result.Err != nil {
		metrics.RecordDeliveryFailure(ctx, "")
		p.log.Warn("State change not broadcast, registry unavailable",
			zap.Error(domain.ErrDeliveryFailure),
			zap.String("event_id", change.EventID),
			zap.String("seat_id", change.SeatID),
			zap.Int64("version", change.Version),
			zap.NamedError("last_error", result.LastError),
		)
		return
	}
	p.fanOut(ctx, change, trace, workers)
	metrics.RecordBroadcast(ctx, change.EventID, len(workers))
}

// spawn runs fn in the background unless the publisher is closing
func (p *Publisher) spawn(fn func(ctx context.Context)) {
	if p.ctx.Err() != nil {
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		fn(p.ctx)
	}()
}

// Close cancels pending redeliveries and waits for them to exit
func (p *Publisher) Close() error {
	p.cancel()
	p.wg.Wait()
	return nil
}

// Flush waits for pending redeliveries without cancelling them
func (p *Publisher) Flush() {
	p.wg.Wait()
}
