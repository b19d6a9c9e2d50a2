package registry

import (
	"context"

	"github.com/prohmpiriya/seat-rush/internal/domain"
)

// Registry records which connections on which workers want which event's
// broadcasts. Entries are session scoped.
type Registry interface {
	// Subscribe is idempotent per (event, connection)
	Subscribe(ctx context.Context, eventID, connID, workerID string) error
	Unsubscribe(ctx context.Context, eventID, connID string) error
	ListSubscribers(ctx context.Context, eventID string) ([]domain.Subscription, error)

	// Workers returns the distinct workers with at least one subscriber
	Workers(ctx context.Context, eventID string) ([]string, error)

	// UnsubscribeWorker drops every subscription held on a worker and
	// returns how many were removed
	UnsubscribeWorker(ctx context.Context, workerID string) (int, error)

	Ping(ctx context.Context) error
}
