package realtime

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/open-transit-stream/poller/internal/opendata"
)

// Source fetches one page of live records
type Source interface {
	FetchLive(ctx context.Context) ([]opendata.LiveRecord, error)
}

// Stats counts work done by a Run
type Stats struct {
	Iterations int
	Records    int
	SinkErrors int
}

// Poller repeatedly fetches the live feed and fans each record out to sinks
type Poller struct {
	source     Source
	sinks      []Sink
	iterations int // 0 means until the context is cancelled
	interval   time.Duration
}

// NewPoller creates a poller. iterations <= 0 polls until ctx is done.
func NewPoller(source Source, sinks []Sink, iterations int, interval time.Duration) *Poller {
	return &Poller{
		source:     source,
		sinks:      sinks,
		iterations: iterations,
		interval:   interval,
	}
}

// Run polls until the iteration bound is reached or ctx is cancelled.
// Cancellation is not an error. A feed error stops the loop and is returned.
func (p *Poller) Run(ctx context.Context) (Stats, error) {
	var stats Stats
	for p.iterations <= 0 || stats.Iterations < p.iterations {
		if ctx.Err() != nil {
			return stats, nil
		}

		batch := uuid.New()
		records, err := p.source.FetchLive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return stats, nil
			}
			return stats, fmt.Errorf("poll %d (batch %s): %w", stats.Iterations+1, batch, err)
		}

		failures := p.dispatch(ctx, records)
		stats.Iterations++
		stats.Records += len(records)
		stats.SinkErrors += failures
		log.Printf("Realtime: batch %s handled %d records (%d sink errors)", batch, len(records), failures)

		if p.iterations > 0 && stats.Iterations >= p.iterations {
			break
		}
		if !p.wait(ctx) {
			return stats, nil
		}
	}
	return stats, nil
}

// dispatch hands every record to every sink in order and returns the
// number of sink failures. A failing sink never blocks the others.
func (p *Poller) dispatch(ctx context.Context, records []opendata.LiveRecord) int {
	failures := 0
	for _, rec := range records {
		for _, sink := range p.sinks {
			if err := sink.Handle(ctx, rec); err != nil {
				failures++
				log.Printf("Realtime: %s sink failed for %s: %v", sink.Name(), rec.VehicleID, err)
			}
		}
	}
	return failures
}

func (p *Poller) wait(ctx context.Context) bool {
	if p.interval <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(p.interval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
