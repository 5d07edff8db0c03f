package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/open-transit-stream/poller/internal/api"
	"github.com/open-transit-stream/poller/internal/config"
	"github.com/open-transit-stream/poller/internal/db"
	"github.com/open-transit-stream/poller/internal/geoindex"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := db.Open(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to connect to %s store: %v", cfg.StoreBackend, err)
	}
	defer store.Close()

	idx, err := geoindex.Open(cfg)
	if err != nil {
		log.Fatalf("Failed to open geo index: %v", err)
	}
	defer idx.Close()

	handler := api.NewHandler(store, idx, cfg.FencingRadius)
	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Port),
		Handler:           api.NewRouter(handler, cfg.CORSOrigins),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Printf("API server starting on %s", srv.Addr)
	log.Println("  GET /health (with database check)")
	log.Println("  GET /api/positions")
	log.Println("  GET /api/stops")
	log.Println("  GET /api/stops/nearby")

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("Server failed: %v", err)
	}
	log.Println("Goodbye!")
}
