package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/prohmpiriya/seat-rush/internal/catalog"
	"github.com/prohmpiriya/seat-rush/internal/di"
	"github.com/prohmpiriya/seat-rush/pkg/config"
	"github.com/prohmpiriya/seat-rush/pkg/logger"
	flag "github.com/spf13/pflag"
)

// provision loads every catalog seat map into the seat store. With --event
// it first writes a grid seat map for that event into the catalog.
func main() {
	var (
		eventID = flag.String("event", "", "create or update this event in the catalog before provisioning")
		name    = flag.String("name", "", "display name of --event")
		rows    = flag.Int("rows", 10, "rows of the --event seat grid")
		perRow  = flag.Int("seats-per-row", 20, "seats per row of the --event seat grid")
		migrate = flag.Bool("migrate", true, "create catalog tables if missing")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	cfg.CatalogDatabase.Enabled = true

	if err := logger.Init(&logger.Config{
		Level:       cfg.App.Environment,
		ServiceName: "seat-provision",
		Development: cfg.IsDevelopment(),
	}); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()
	appLog := logger.Get()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	infra, err := di.NewInfrastructure(ctx, cfg, di.InfrastructureOptions{})
	if err != nil {
		appLog.Fatal(fmt.Sprintf("Failed to initialize infrastructure: %v", err))
	}
	defer infra.Close()

	if *migrate {
		if err := infra.Catalog.Migrate(ctx); err != nil {
			appLog.Fatal(err.Error())
		}
	}

	if *eventID != "" {
		event := &catalog.Event{
			ID:      *eventID,
			Name:    *name,
			SeatIDs: catalog.GridSeatIDs(*rows, *perRow),
		}
		if err := infra.Catalog.UpsertEvent(ctx, event); err != nil {
			appLog.Fatal(err.Error())
		}
		appLog.Info(fmt.Sprintf("Catalog event %s has %d seats", event.ID, len(event.SeatIDs)))
	}

	result, err := catalog.NewProvisioner(infra.Catalog, infra.Store).Provision(ctx)
	if err != nil {
		appLog.Fatal(fmt.Sprintf("Provisioning failed: %v", err))
	}
	appLog.Info(fmt.Sprintf("Done: %d events, %d seats, %d created", result.Events, result.Seats, result.SeatsCreated))
}
