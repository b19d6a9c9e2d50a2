package catalog

import (
	"context"
	"fmt"

	"github.com/prohmpiriya/seat-rush/pkg/logger"
	"github.com/prohmpiriya/seat-rush/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// SeatInitializer creates missing seats of an event as FREE
type SeatInitializer interface {
	InitEvent(ctx context.Context, eventID string, seatIDs []string) (int, error)
}

// ProvisionResult summarises one provisioning pass
type ProvisionResult struct {
	Events       int `json:"events"`
	Seats        int `json:"seats"`
	SeatsCreated int `json:"seats_created"`
}

// Provisioner loads catalog seat maps into the seat store. Existing seats
// keep their state, so it is safe to run on every startup.
type Provisioner struct {
	catalog Catalog
	store   SeatInitializer
	log     *logger.Logger
}

// NewProvisioner creates a new provisioner
func NewProvisioner(catalog Catalog, store SeatInitializer) *Provisioner {
	return &Provisioner{
		catalog: catalog,
		store:   store,
		log:     logger.Get(),
	}
}

// Provision initializes every catalog event in the store
func (p *Provisioner) Provision(ctx context.Context) (*ProvisionResult, error) {
	ctx, span := telemetry.StartSpan(ctx, "catalog.provision")
	defer span.End()

	events, err := p.catalog.ListEvents(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	result := &ProvisionResult{}
	for _, event := range events {
		if len(event.SeatIDs) == 0 {
			p.log.Warn("Skipping event without seats", zap.String("event_id", event.ID))
			continue
		}
		created, err := p.store.InitEvent(ctx, event.ID, event.SeatIDs)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return result, fmt.Errorf("failed to provision event %s: %w", event.ID, err)
		}
		result.Events++
		result.Seats += len(event.SeatIDs)
		result.SeatsCreated += created

		p.log.Debug("Provisioned event",
			zap.String("event_id", event.ID),
			zap.Int("seats", len(event.SeatIDs)),
			zap.Int("created", created),
		)
	}

	span.SetAttributes(
		attribute.Int("events", result.Events),
		attribute.Int("seats_created", result.SeatsCreated),
	)
	span.SetStatus(codes.Ok, "")
	p.log.Info(fmt.Sprintf("Provisioned %d events (%d seats, %d new)", result.Events, result.Seats, result.SeatsCreated))
	return result, nil
}
