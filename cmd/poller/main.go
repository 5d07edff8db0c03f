package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"github.com/open-transit-stream/poller/internal/config"
	"github.com/open-transit-stream/poller/internal/db"
	"github.com/open-transit-stream/poller/internal/opendata"
	"github.com/open-transit-stream/poller/internal/realtime"
	"github.com/open-transit-stream/poller/internal/relay"
)

func main() {
	log.Println("Starting realtime poller...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	if err := cfg.Require("OPEN_DATA_REAL_TIME_BUSES"); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	log.Printf("Config loaded: iterations=%d, interval=%v, feed=%s", cfg.PollIterations, cfg.PollInterval, cfg.LiveFeedFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = run(ctx, cfg)
	stop()
	if err != nil {
		log.Fatalf("Poller stopped: %v", err)
	}
	log.Println("Goodbye!")
}

// run owns every connection so deferred closes happen before main exits
func run(ctx context.Context, cfg *config.Config) error {
	// ═══════════════════════════════════════════════════════
	// PHASE 1: Connect store
	// ═══════════════════════════════════════════════════════
	store, err := db.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to connect to %s store: %w", cfg.StoreBackend, err)
	}
	defer store.Close()

	sinks := []realtime.Sink{realtime.NewStoreSink(store)}

	// ═══════════════════════════════════════════════════════
	// PHASE 2: Connect relays
	// ═══════════════════════════════════════════════════════
	if cfg.WSHost != "" {
		socket := relay.NewSocketIO(cfg.WSUser, cfg.WSClientName)
		if err := socket.Connect(ctx, cfg.WSHost); err != nil {
			return fmt.Errorf("failed to connect relay: %w", err)
		}
		defer socket.Close()
		sinks = append(sinks, realtime.NewPublishSink("socketio", socket))
	} else {
		log.Println("WS_HOST not set, socket relay disabled")
	}

	if cfg.KafkaBrokers != "" {
		producer, err := relay.NewKafka(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.WSUser)
		if err != nil {
			return err
		}
		defer producer.Close()
		sinks = append(sinks, realtime.NewPublishSink("kafka", producer))
	}

	// ═══════════════════════════════════════════════════════
	// PHASE 3: Poll
	// ═══════════════════════════════════════════════════════
	var source realtime.Source
	switch cfg.LiveFeedFormat {
	case "gtfsrt":
		source = opendata.NewGTFSRTClient(cfg)
	default:
		source = opendata.NewClient(cfg)
	}

	poller := realtime.NewPoller(source, sinks, cfg.PollIterations, cfg.PollInterval)
	stats, err := poller.Run(ctx)
	log.Printf("Poller finished: %d iterations, %d records, %d sink errors", stats.Iterations, stats.Records, stats.SinkErrors)
	return err
}
