package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"github.com/open-transit-stream/poller/internal/config"
	"github.com/open-transit-stream/poller/internal/db"
	"github.com/open-transit-stream/poller/internal/fencing"
	"github.com/open-transit-stream/poller/internal/geoindex"
	"github.com/open-transit-stream/poller/internal/opendata"
	"github.com/open-transit-stream/poller/internal/static"
)

// staticSource is the part of the open-data client setup needs
type staticSource interface {
	FetchStatic(ctx context.Context) ([]opendata.StaticRecord, error)
}

func main() {
	fenceOnly := flag.Bool("fence-only", false, "Re-register fences from persisted stops without re-importing reference data")
	flag.Parse()

	if *fenceOnly {
		log.Println("Starting fence-only setup...")
	} else {
		log.Println("Starting reference setup...")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	if err := checkConfig(cfg, *fenceOnly); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = run(ctx, cfg, *fenceOnly)
	stop()
	if err != nil {
		log.Fatalf("Setup failed: %v", err)
	}
	log.Println("Setup complete")
}

// checkConfig rejects settings setup cannot do useful work with. Fences
// registered in the memory index vanish when this process exits.
func checkConfig(cfg *config.Config, fenceOnly bool) error {
	var errs []error
	if !fenceOnly {
		errs = append(errs, cfg.Require("OPEN_DATA_DESSERTES"))
	}
	if cfg.GeoIndexBackend == "memory" {
		errs = append(errs, &config.ConfigError{
			Field:   "GEO_INDEX_BACKEND",
			Message: "memory index does not outlive setup, use tile38",
		})
	}
	return errors.Join(errs...)
}

// run owns every connection so deferred closes happen before main exits
func run(ctx context.Context, cfg *config.Config, fenceOnly bool) error {
	// ═══════════════════════════════════════════════════════
	// PHASE 1: Reset relational schema
	// ═══════════════════════════════════════════════════════
	store, err := db.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to connect to %s store: %w", cfg.StoreBackend, err)
	}
	defer store.Close()

	// ═══════════════════════════════════════════════════════
	// PHASE 2: Load reference data
	// ═══════════════════════════════════════════════════════
	stops, err := loadStops(ctx, store, opendata.NewClient(cfg), fenceOnly)
	if err != nil {
		return err
	}

	// ═══════════════════════════════════════════════════════
	// PHASE 3: Register stops and fences
	// ═══════════════════════════════════════════════════════
	idx, err := geoindex.Open(cfg)
	if err != nil {
		return err
	}
	defer idx.Close()

	// Reference rows are committed at this point; an index failure only
	// fails the fencing stage.
	if err := idx.Flush(ctx); err != nil {
		return fmt.Errorf("fencing (reference data kept): %w", err)
	}
	if _, err := fencing.Setup(ctx, idx, stops, cfg.FencingRadius, cfg.FencePerStopChannel); err != nil {
		return fmt.Errorf("fencing (reference data kept): %w", err)
	}
	return nil
}

// loadStops returns the stops to fence. A full run resets the schema and
// imports the static feed. A fence-only run reads the stops already persisted.
func loadStops(ctx context.Context, store db.Store, feed staticSource, fenceOnly bool) ([]fencing.Stop, error) {
	if fenceOnly {
		stops, err := static.StopsFromStore(ctx, store)
		if err != nil {
			return nil, err
		}
		if len(stops) == 0 {
			return nil, errors.New("no persisted stops, run a full setup first")
		}
		log.Printf("Setup: loaded %d persisted stops", len(stops))
		return stops, nil
	}

	if err := store.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	records, err := feed.FetchStatic(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch static feed: %w", err)
	}
	summary, err := static.Import(ctx, store, records)
	if err != nil {
		return nil, fmt.Errorf("failed to import reference data: %w", err)
	}
	return summary.Stops, nil
}
