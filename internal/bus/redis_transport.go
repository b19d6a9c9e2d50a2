package bus

import (
	"context"
	"fmt"

	pkgredis "github.com/prohmpiriya/seat-rush/pkg/redis"
)

// workerChannel is the pub/sub channel a worker listens on
func workerChannel(workerID string) string {
	return fmt.Sprintf("seat-rush:worker:%s", workerID)
}

// RedisTransport uses one pub/sub channel per worker
type RedisTransport struct {
	client *pkgredis.Client
}

// NewRedisTransport creates a Redis pub/sub transport
func NewRedisTransport(client *pkgredis.Client) *RedisTransport {
	return &RedisTransport{client: client}
}

func (t *RedisTransport) Send(ctx context.Context, workerID string, payload []byte) error {
	receivers, err := t.client.Publish(ctx, workerChannel(workerID), payload).Result()
	if err != nil {
		return fmt.Errorf("failed to publish to worker %s: %w", workerID, err)
	}
	if receivers == 0 {
		return fmt.Errorf("%w: %s", ErrNoReceiver, workerID)
	}
	return nil
}

func (t *RedisTransport) Receive(ctx context.Context, workerID string, handler Handler) error {
	ps := t.client.Subscribe(ctx, workerChannel(workerID))
	defer ps.Close()

	// Wait for the subscription before reporting ready
	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to worker channel: %w", err)
	}

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			handler(ctx, []byte(msg.Payload))
		}
	}
}

func (t *RedisTransport) Close() error {
	return nil
}
