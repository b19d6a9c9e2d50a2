package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prohmpiriya/seat-rush/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ErrEmptyEvent is returned when an event definition has no seats
var ErrEmptyEvent = errors.New("event has no seats")

// Event is a seat map as defined in the catalog
type Event struct {
	ID      string
	Name    string
	SeatIDs []string
}

// Catalog is the source of seat maps
type Catalog interface {
	// ListEvents returns every event with its seats in position order
	ListEvents(ctx context.Context) ([]*Event, error)
}

// Schema creates the catalog tables
const Schema = `
CREATE TABLE IF NOT EXISTS events (
	id   TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS event_seats (
	event_id TEXT    NOT NULL REFERENCES events(id) ON DELETE CASCADE,
	seat_id  TEXT    NOT NULL,
	position INTEGER NOT NULL,
	PRIMARY KEY (event_id, seat_id)
);
CREATE INDEX IF NOT EXISTS idx_event_seats_position ON event_seats (event_id, position);
`

// PostgresCatalog reads seat maps from PostgreSQL
type PostgresCatalog struct {
	pool *pgxpool.Pool
}

// NewPostgresCatalog creates a new PostgresCatalog
func NewPostgresCatalog(pool *pgxpool.Pool) *PostgresCatalog {
	return &PostgresCatalog{pool: pool}
}

// Migrate creates the catalog tables if they do not exist
func (c *PostgresCatalog) Migrate(ctx context.Context) error {
	if _, err := c.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to migrate catalog: %w", err)
	}
	return nil
}

// ListEvents returns every event with its seats in position order
func (c *PostgresCatalog) ListEvents(ctx context.Context) ([]*Event, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.catalog.list_events")
	defer span.End()

	query := `
		SELECT e.id, e.name, s.seat_id
		FROM events e
		JOIN event_seats s ON s.event_id = e.id
		ORDER BY e.id, s.position, s.seat_id
	`

	rows, err := c.pool.Query(ctx, query)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to query catalog: %w", err)
	}
	defer rows.Close()

	var (
		events  []*Event
		current *Event
	)
	for rows.Next() {
		var eventID, name, seatID string
		if err := rows.Scan(&eventID, &name, &seatID); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("failed to scan catalog row: %w", err)
		}
		if current == nil || current.ID != eventID {
			current = &Event{ID: eventID, Name: name}
			events = append(events, current)
		}
		current.SeatIDs = append(current.SeatIDs, seatID)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}

	span.SetAttributes(attribute.Int("events", len(events)))
	span.SetStatus(codes.Ok, "")
	return events, nil
}

// UpsertEvent writes an event and its seat map. Seats are positioned in
// slice order; seats missing from the slice are left in place.
func (c *PostgresCatalog) UpsertEvent(ctx context.Context, event *Event) error {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.catalog.upsert_event")
	defer span.End()

	if len(event.SeatIDs) == 0 {
		return ErrEmptyEvent
	}
	span.SetAttributes(
		attribute.String("event_id", event.ID),
		attribute.Int("seats", len(event.SeatIDs)),
	)

	err := pgx.BeginFunc(ctx, c.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO events (id, name) VALUES ($1, $2)
			 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name`,
			event.ID, event.Name,
		); err != nil {
			return err
		}

		batch := &pgx.Batch{}
		for i, seatID := range event.SeatIDs {
			batch.Queue(
				`INSERT INTO event_seats (event_id, seat_id, position) VALUES ($1, $2, $3)
				 ON CONFLICT (event_id, seat_id) DO UPDATE SET position = EXCLUDED.position`,
				event.ID, seatID, i,
			)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to upsert event %s: %w", event.ID, err)
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// GridSeatIDs names seats row by row: rows A, B, ... with numbers from 1
func GridSeatIDs(rows, perRow int) []string {
	ids := make([]string, 0, rows*perRow)
	for r := 0; r < rows; r++ {
		for n := 1; n <= perRow; n++ {
			ids = append(ids, fmt.Sprintf("%s%d", rowLabel(r), n))
		}
	}
	return ids
}

// rowLabel spells row indexes like spreadsheet columns: A..Z, AA, AB, ...
func rowLabel(i int) string {
	label := ""
	for i >= 0 {
		label = string(rune('A'+i%26)) + label
		i = i/26 - 1
	}
	return label
}
