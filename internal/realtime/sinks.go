package realtime

import (
	"context"
	"log"

	"github.com/open-transit-stream/poller/internal/db"
	"github.com/open-transit-stream/poller/internal/opendata"
)

// Sink receives each live record in feed order
type Sink interface {
	Name() string
	Handle(ctx context.Context, rec opendata.LiveRecord) error
}

// Publisher pushes a record to an external consumer
type Publisher interface {
	Publish(ctx context.Context, rec opendata.LiveRecord) error
}

// StoreSink appends records to the position table
type StoreSink struct {
	store db.Store
}

// NewStoreSink creates a sink writing to store
func NewStoreSink(store db.Store) *StoreSink {
	return &StoreSink{store: store}
}

func (s *StoreSink) Name() string { return "store" }

// Handle appends rec. Duplicates and unknown dessertes are dropped silently.
func (s *StoreSink) Handle(ctx context.Context, rec opendata.LiveRecord) error {
	inserted, err := s.store.AppendPosition(ctx, ToPosition(rec))
	if err != nil {
		return err
	}
	if !inserted {
		log.Printf("Realtime: skipped position %s@%s (duplicate or unknown desserte %s)",
			rec.VehicleID, rec.Time.Format("15:04:05"), rec.DesserteID)
	}
	return nil
}

// PublishSink forwards records to a Publisher
type PublishSink struct {
	name string
	pub  Publisher
}

// NewPublishSink wraps pub under name for logging
func NewPublishSink(name string, pub Publisher) *PublishSink {
	return &PublishSink{name: name, pub: pub}
}

func (s *PublishSink) Name() string { return s.name }

func (s *PublishSink) Handle(ctx context.Context, rec opendata.LiveRecord) error {
	return s.pub.Publish(ctx, rec)
}

// ToPosition maps a feed record to a position row
func ToPosition(rec opendata.LiveRecord) db.Position {
	return db.Position{
		Time:       rec.Time,
		VehicleID:  rec.VehicleID,
		Lon:        rec.Lon,
		Lat:        rec.Lat,
		Type:       rec.Type,
		State:      rec.State,
		DesserteID: rec.DesserteID,
		StopTime:   rec.StopTime,
	}
}
