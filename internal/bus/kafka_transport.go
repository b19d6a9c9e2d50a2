package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prohmpiriya/seat-rush/pkg/kafka"
	"github.com/prohmpiriya/seat-rush/pkg/logger"
)

// HeaderWorkerID addresses a Kafka record to one worker
const HeaderWorkerID = "worker_id"

type recordProducer interface {
	Produce(ctx context.Context, msg *kafka.Message) error
	Close()
}

type recordConsumer interface {
	Poll(ctx context.Context) ([]*kafka.Record, error)
	CommitRecords(ctx context.Context, records []*kafka.Record) error
	Close()
}

// ConsumerFactory opens the consumer for one worker
type ConsumerFactory func(ctx context.Context, workerID string) (recordConsumer, error)

// KafkaTransport shares one topic between workers. Every worker reads the
// whole topic in its own group and keeps records carrying its worker id.
type KafkaTransport struct {
	producer    recordProducer
	newConsumer ConsumerFactory
	topic       string
}

// KafkaTransportConfig holds the Kafka transport settings
type KafkaTransportConfig struct {
	Brokers     []string
	Topic       string
	GroupPrefix string
	ClientID    string
}

// NewKafkaTransport connects the producer; consumers open on Receive
func NewKafkaTransport(ctx context.Context, cfg *KafkaTransportConfig) (*KafkaTransport, error) {
	producer, err := kafka.NewProducer(ctx, &kafka.ProducerConfig{
		Brokers:       cfg.Brokers,
		ClientID:      cfg.ClientID,
		MaxRetries:    3,
		RetryInterval: 100 * time.Millisecond,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create bus producer: %w", err)
	}

	newConsumer := func(ctx context.Context, workerID string) (recordConsumer, error) {
		return kafka.NewConsumer(ctx, &kafka.ConsumerConfig{
			Brokers:    cfg.Brokers,
			GroupID:    fmt.Sprintf("%s-%s", cfg.GroupPrefix, workerID),
			Topics:     []string{cfg.Topic},
			ClientID:   cfg.ClientID,
			MaxRetries: 3,
			StartAtEnd: true,
		})
	}

	return newKafkaTransport(producer, newConsumer, cfg.Topic), nil
}

func newKafkaTransport(producer recordProducer, newConsumer ConsumerFactory, topic string) *KafkaTransport {
	return &KafkaTransport{
		producer:    producer,
		newConsumer: newConsumer,
		topic:       topic,
	}
}

func (t *KafkaTransport) Send(ctx context.Context, workerID string, payload []byte) error {
	err := t.producer.Produce(ctx, &kafka.Message{
		Topic:     t.topic,
		Key:       workerID,
		Value:     payload,
		Headers:   map[string]string{HeaderWorkerID: workerID},
		Timestamp: time.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to produce to worker %s: %w", workerID, err)
	}
	return nil
}

func (t *KafkaTransport) Receive(ctx context.Context, workerID string, handler Handler) error {
	consumer, err := t.newConsumer(ctx, workerID)
	if err != nil {
		return fmt.Errorf("failed to create bus consumer: %w", err)
	}
	defer consumer.Close()

	log := logger.Get()
	for {
		records, err := consumer.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, kafka.ErrClientClosed) {
				return nil
			}
			log.Warn(fmt.Sprintf("Bus poll failed: %v", err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		for _, r := range records {
			if r.Header(HeaderWorkerID) != workerID {
				continue
			}
			handler(ctx, r.Value)
		}

		if err := consumer.CommitRecords(ctx, records); err != nil && ctx.Err() == nil {
			log.Warn(fmt.Sprintf("Bus offset commit failed: %v", err))
		}
	}
}

func (t *KafkaTransport) Close() error {
	t.producer.Close()
	return nil
}
