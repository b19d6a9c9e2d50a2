package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prohmpiriya/seat-rush/internal/domain"
	"github.com/prohmpiriya/seat-rush/pkg/logger"
	"github.com/prohmpiriya/seat-rush/pkg/retry"
	"github.com/prohmpiriya/seat-rush/pkg/telemetry"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// DefaultQueue receives confirmed reservations
const DefaultQueue = "seat.reserved"

var (
	ErrSinkClosed      = errors.New("reservation sink closed")
	ErrSinkBacklogged  = errors.New("reservation sink backlog full")
	errChannelNotReady = errors.New("rabbitmq channel not open")
)

// ReservationMessage is the body published for each confirmed seat
type ReservationMessage struct {
	EventID    string    `json:"event_id"`
	SeatID     string    `json:"seat_id"`
	HolderID   string    `json:"holder_id"`
	Version    int64     `json:"version"`
	ReservedAt time.Time `json:"reserved_at"`
}

// MessageID identifies a reservation; a seat is reserved at most once
func (m *ReservationMessage) MessageID() string {
	return fmt.Sprintf("%s:%s:%d", m.EventID, m.SeatID, m.Version)
}

type publishChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

type channelOpener func(ctx context.Context) (publishChannel, error)

// RabbitMQSinkConfig contains configuration for the RabbitMQ sink
type RabbitMQSinkConfig struct {
	URL   string
	Queue string
	// BufferSize bounds reservations waiting for the broker
	BufferSize int
	// DialTimeout bounds each connection attempt
	DialTimeout time.Duration
	// PublishTimeout bounds each publish attempt
	PublishTimeout time.Duration
	// DrainTimeout is how long Close keeps publishing the backlog
	DrainTimeout time.Duration
	Retry        *retry.Config
}

// DefaultRabbitMQSinkConfig returns default configuration
func DefaultRabbitMQSinkConfig() *RabbitMQSinkConfig {
	return &RabbitMQSinkConfig{
		Queue:          DefaultQueue,
		BufferSize:     1024,
		DialTimeout:    5 * time.Second,
		PublishTimeout: 5 * time.Second,
		DrainTimeout:   5 * time.Second,
		Retry: &retry.Config{
			MaxRetries:      5,
			InitialInterval: 100 * time.Millisecond,
			MaxInterval:     5 * time.Second,
			Multiplier:      2.0,
			JitterFactor:    0.2,
		},
	}
}

// SinkStats counts what happened to handed-off reservations
type SinkStats struct {
	Published int64 `json:"published"`
	Failed    int64 `json:"failed"`
	Dropped   int64 `json:"dropped"`
}

// RabbitMQSink publishes confirmed reservations to a durable queue for
// downstream billing. Confirm only enqueues; a single background publisher
// owns the channel, reopening it and retrying with backoff.
type RabbitMQSink struct {
	config  *RabbitMQSinkConfig
	open    channelOpener
	retrier *retry.Retrier
	now     func() time.Time
	log     *logger.Logger

	pending chan amqp.Publishing
	ch      publishChannel // publisher goroutine only

	mu     sync.RWMutex
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	published atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

// NewRabbitMQSink connects to the broker, declares the queue and starts
// the background publisher
func NewRabbitMQSink(cfg *RabbitMQSinkConfig) (*RabbitMQSink, error) {
	cfg = withDefaults(cfg)
	open := func(ctx context.Context) (publishChannel, error) {
		return dialChannel(ctx, cfg.URL, cfg.Queue, cfg.DialTimeout)
	}

	dialCtx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	ch, err := open(dialCtx)
	if err != nil {
		return nil, err
	}
	return newRabbitMQSink(cfg, open, ch), nil
}

func withDefaults(cfg *RabbitMQSinkConfig) *RabbitMQSinkConfig {
	def := DefaultRabbitMQSinkConfig()
	if cfg == nil {
		return def
	}
	c := *cfg
	if c.Queue == "" {
		c.Queue = def.Queue
	}
	if c.BufferSize <= 0 {
		c.BufferSize = def.BufferSize
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = def.DialTimeout
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = def.PublishTimeout
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = def.DrainTimeout
	}
	if c.Retry == nil {
		c.Retry = def.Retry
	}
	return &c
}

func newRabbitMQSink(cfg *RabbitMQSinkConfig, open channelOpener, ch publishChannel) *RabbitMQSink {
	cfg = withDefaults(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	s := &RabbitMQSink{
		config:  cfg,
		open:    open,
		retrier: retry.New(cfg.Retry),
		now:     time.Now,
		log:     logger.Get(),
		pending: make(chan amqp.Publishing, cfg.BufferSize),
		ch:      ch,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

// ReservationConfirmed queues a persistent message for a RESERVED seat.
// It never waits for the broker; a full backlog is reported as
// ErrSinkBacklogged.
func (s *RabbitMQSink) ReservationConfirmed(ctx context.Context, seat *domain.Seat) error {
	ctx, span := telemetry.StartSpan(ctx, "notify.rabbitmq.reservation_confirmed")
	defer span.End()
	span.SetAttributes(
		attribute.String("event_id", seat.EventID),
		attribute.String("seat_id", seat.SeatID),
		attribute.String("queue", s.config.Queue),
	)

	msg := &ReservationMessage{
		EventID:    seat.EventID,
		SeatID:     seat.SeatID,
		HolderID:   seat.HolderID,
		Version:    seat.Version,
		ReservedAt: s.now().UTC(),
	}
	body, err := json.Marshal(msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to marshal reservation: %w", err)
	}

	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.MessageID(),
		Timestamp:    msg.ReservedAt,
		Headers:      amqp.Table{},
		Body:         body,
	}
	for k, v := range telemetry.InjectMap(ctx) {
		pub.Headers[k] = v
	}

	if err := s.enqueue(pub); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

func (s *RabbitMQSink) enqueue(pub amqp.Publishing) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrSinkClosed
	}
	select {
	case s.pending <- pub:
		return nil
	default:
		s.dropped.Add(1)
		return fmt.Errorf("%w: %s", ErrSinkBacklogged, pub.MessageId)
	}
}

// run publishes the backlog in order until Close
func (s *RabbitMQSink) run() {
	defer close(s.done)
	defer s.closeChannel()

	for pub := range s.pending {
		s.publish(pub)
	}
}

func (s *RabbitMQSink) publish(pub amqp.Publishing) {
	result := s.retrier.Do(s.ctx, func(ctx context.Context) error {
		return s.publishOnce(ctx, pub)
	})
	if result.Err == nil {
		s.published.Add(1)
		return
	}

	s.failed.Add(1)
	s.log.Error("Reservation not forwarded to RabbitMQ",
		zap.String("message_id", pub.MessageId),
		zap.String("queue", s.config.Queue),
		zap.Int("attempts", result.Attempts),
		zap.NamedError("last_error", result.LastError),
	)
}

// publishOnce sends on the current channel, opening one if needed. A
// failed channel is discarded so the next attempt reopens it.
func (s *RabbitMQSink) publishOnce(ctx context.Context, pub amqp.Publishing) error {
	if s.ch == nil {
		dialCtx, cancel := context.WithTimeout(ctx, s.config.DialTimeout)
		ch, err := s.open(dialCtx)
		cancel()
		if err != nil {
			return err
		}
		if ch == nil {
			return errChannelNotReady
		}
		s.ch = ch
	}

	pubCtx, cancel := context.WithTimeout(ctx, s.config.PublishTimeout)
	defer cancel()
	if err := s.ch.PublishWithContext(pubCtx, "", s.config.Queue, false, false, pub); err != nil {
		s.log.Warn("RabbitMQ publish failed, reopening channel", zap.Error(err))
		s.closeChannel()
		return fmt.Errorf("failed to publish to %s: %w", s.config.Queue, err)
	}
	return nil
}

func (s *RabbitMQSink) closeChannel() {
	if s.ch == nil {
		return
	}
	if err := s.ch.Close(); err != nil {
		s.log.Debug("RabbitMQ channel close failed", zap.Error(err))
	}
	s.ch = nil
}

// Stats returns publish counters
func (s *RabbitMQSink) Stats() SinkStats {
	return SinkStats{
		Published: s.published.Load(),
		Failed:    s.failed.Load(),
		Dropped:   s.dropped.Load(),
	}
}

// Close stops accepting reservations, publishes the backlog for up to
// DrainTimeout, then abandons whatever is left and closes the connection
func (s *RabbitMQSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.done
		return nil
	}
	s.closed = true
	close(s.pending)
	s.mu.Unlock()

	timer := time.NewTimer(s.config.DrainTimeout)
	defer timer.Stop()
	select {
	case <-s.done:
	case <-timer.C:
		s.log.Warn("RabbitMQ backlog not drained in time", zap.Int("remaining", len(s.pending)))
		s.cancel()
		<-s.done
	}
	s.cancel()

	stats := s.Stats()
	s.log.Info(fmt.Sprintf("Reservation sink closed: published=%d failed=%d dropped=%d",
		stats.Published, stats.Failed, stats.Dropped))
	return nil
}

// amqpChannel owns its connection so closing the channel releases both
type amqpChannel struct {
	*amqp.Channel
	conn *amqp.Connection
}

func (c *amqpChannel) Close() error {
	chErr := c.Channel.Close()
	connErr := c.conn.Close()
	return errors.Join(chErr, connErr)
}

func dialChannel(ctx context.Context, url, queue string, timeout time.Duration) (publishChannel, error) {
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("rabbitmq dial failed: %w", context.DeadlineExceeded)
	}

	conn, err := amqp.DialConfig(url, amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(timeout),
	})
	if err != nil {
		return nil, fmt.Errorf("rabbitmq dial failed: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq channel open failed: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq queue declare failed: %w", err)
	}
	return &amqpChannel{Channel: ch, conn: conn}, nil
}
