package bus

import (
	"context"
	"errors"
	"sync"
)

// ErrNoReceiver means no process is listening for the target worker
var ErrNoReceiver = errors.New("no receiver for worker")

// Handler processes one payload addressed to this worker
type Handler func(ctx context.Context, payload []byte)

// Transport moves encoded envelopes between workers
type Transport interface {
	// Send delivers payload to workerID or returns an error
	Send(ctx context.Context, workerID string, payload []byte) error
	// Receive calls handler for every payload addressed to workerID until
	// ctx is done
	Receive(ctx context.Context, workerID string, handler Handler) error
	Close() error
}

// MemoryTransport connects workers living in one process
type MemoryTransport struct {
	mu     sync.RWMutex
	queues map[string]chan []byte
	buffer int
}

// NewMemoryTransport creates a transport with per-worker queues of buffer entries
func NewMemoryTransport(buffer int) *MemoryTransport {
	if buffer <= 0 {
		buffer = 256
	}
	return &MemoryTransport{
		queues: make(map[string]chan []byte),
		buffer: buffer,
	}
}

func (t *MemoryTransport) Send(ctx context.Context, workerID string, payload []byte) error {
	t.mu.RLock()
	q, ok := t.queues[workerID]
	t.mu.RUnlock()
	if !ok {
		return ErrNoReceiver
	}

	select {
	case q <- payload:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *MemoryTransport) Receive(ctx context.Context, workerID string, handler Handler) error {
	q := make(chan []byte, t.buffer)

	t.mu.Lock()
	if _, exists := t.queues[workerID]; exists {
		t.mu.Unlock()
		return errors.New("worker already receiving")
	}
	t.queues[workerID] = q
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(t.queues, workerID)
		t.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case payload := <-q:
			handler(ctx, payload)
		}
	}
}

// Receiving reports whether a worker is currently attached
func (t *MemoryTransport) Receiving(workerID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.queues[workerID]
	return ok
}

func (t *MemoryTransport) Close() error {
	return nil
}
