package static

import (
	"context"
	"fmt"
	"log"

	"github.com/open-transit-stream/poller/internal/db"
	"github.com/open-transit-stream/poller/internal/fencing"
	"github.com/open-transit-stream/poller/internal/opendata"
)

// Summary reports what an import saw
type Summary struct {
	Records int
	Stops   []fencing.Stop // distinct, first-seen order
}

// Import loads reference rows in feed order: line, then stop, then desserte
// for each record. Rows that already exist or reference a missing parent are
// skipped by the store; any other store error aborts the import.
func Import(ctx context.Context, store db.Store, records []opendata.StaticRecord) (Summary, error) {
	var sum Summary
	seen := make(map[string]bool)

	for _, rec := range records {
		if err := store.UpsertLine(ctx, db.Line{ID: rec.LineID, Name: rec.LineName}); err != nil {
			return sum, err
		}
		err := store.UpsertStop(ctx, db.Stop{
			ID:     rec.StopID,
			Name:   rec.StopName,
			LineID: rec.LineID,
			Lon:    rec.StopLon,
			Lat:    rec.StopLat,
		})
		if err != nil {
			return sum, err
		}
		err = store.UpsertDesserte(ctx, db.Desserte{
			ID:     rec.DesserteID,
			LineID: rec.LineID,
			StopID: rec.StopID,
		})
		if err != nil {
			return sum, err
		}
		sum.Records++

		if !seen[rec.StopID] {
			seen[rec.StopID] = true
			sum.Stops = append(sum.Stops, fencing.Stop{
				ID:   rec.StopID,
				Name: rec.StopName,
				Lat:  rec.StopLat,
				Lon:  rec.StopLon,
			})
		}
	}

	log.Printf("Static: imported %d records (%d distinct stops)", sum.Records, len(sum.Stops))
	return sum, nil
}

// StopsFromStore rebuilds the fencing input from persisted stops
func StopsFromStore(ctx context.Context, store db.Store) ([]fencing.Stop, error) {
	stops, err := store.Stops(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load stops: %w", err)
	}
	out := make([]fencing.Stop, 0, len(stops))
	for _, s := range stops {
		out = append(out, fencing.Stop{ID: s.ID, Name: s.Name, Lat: s.Lat, Lon: s.Lon})
	}
	return out, nil
}
