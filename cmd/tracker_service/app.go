package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"tracker-monitor/internal/common/config"
	"tracker-monitor/internal/common/log"
	"tracker-monitor/internal/tracking/adapters/api"
	"tracker-monitor/internal/tracking/adapters/fleet"
	"tracker-monitor/internal/tracking/adapters/pull"
	"tracker-monitor/internal/tracking/adapters/queue"
	"tracker-monitor/internal/tracking/adapters/repository"
	"tracker-monitor/internal/tracking/adapters/ws"
	"tracker-monitor/internal/tracking/app"
	"tracker-monitor/internal/tracking/cache"
	"tracker-monitor/internal/tracking/domain"
	"tracker-monitor/internal/tracking/store"
	"tracker-monitor/internal/tracking/stream"
)

// Run wires the service together and blocks until ctx is canceled or the
// HTTP server fails.
func Run(ctx context.Context, cfgPath string) error {
	logger := log.New("tracker-service")
	log.Info(ctx, logger, "init_start", "Tracker service initializing...")

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Error(ctx, logger, "config_load_fail", "Failed to load config file", err)
		return err
	}
	log.Info(ctx, logger, "config_loaded", "Configuration loaded successfully")

	// shared state container; everything else holds a reference
	st := store.New(logger)

	// polling side
	puller := pull.NewClient(cfg.Positions.BaseURL, cfg.Communications.BaseURL, logger)
	pc := cache.New(puller, logger, cfg.Cache.TTL)

	// push side
	sc := stream.NewClient(cfg.Stream.BaseURL, st, logger, cfg.Stream.RetryInitial, cfg.Stream.RetryMax)

	// vehicle registry source
	var fleetSource domain.FleetSource
	switch cfg.Fleet.Source {
	case "postgres":
		pool, err := repository.NewPool(ctx, cfg.Database, logger)
		if err != nil {
			log.Error(ctx, logger, "connect_db_fail", "Failed to connect to registry database", err)
			return err
		}
		defer pool.Close()
		fleetSource = repository.NewVehicleRepo(pool)
	default:
		fleetSource = fleet.NewAPIClient(cfg.Fleet.BaseURL, cfg.Fleet.Token, logger)
	}

	svc := app.NewService(logger, st, pc, puller, fleetSource, sc)

	// initial load: registry first, then last-known positions
	if err := svc.LoadVehicles(ctx); err != nil {
		log.Error(ctx, logger, "vehicles_load_fail", "Failed to load vehicle registry", err)
		return err
	}
	if err := svc.LoadVehiclePositions(ctx); err != nil {
		log.Error(ctx, logger, "positions_load_fail", "Failed to load initial positions", err)
	}

	// realtime subscription; transport errors are logged and the transport
	// reconnects on its own
	handle, err := svc.ConnectToRealtimeStream(ctx, nil, nil, func(err error) {
		log.Warn(ctx, logger, "stream_error", err.Error())
	})
	if err != nil {
		log.Error(ctx, logger, "stream_connect_fail", "Failed to open realtime stream", err)
	}
	if handle != nil {
		defer handle.Close()
	}

	// optional queue ingest (gateway deployments)
	if cfg.RabbitMQ.Enabled {
		rmq, err := queue.Connect(ctx, cfg.RabbitMQ, logger)
		if err != nil {
			log.Error(ctx, logger, "rmq_connect_fail", "Failed to connect to RabbitMQ", err)
			return err
		}
		defer rmq.Close()
		ing := queue.NewIngestor(rmq, st, logger, cfg.RabbitMQ.Queue, cfg.RabbitMQ.Prefetch)
		go ing.Start(ctx)
	}

	// dashboard fan-out
	hub := ws.NewHub(st, logger)
	go hub.Run(ctx)

	handler := api.NewHandler(svc, hub, logger)
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           handler.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info(ctx, logger, "http_server_start", fmt.Sprintf("HTTP server listening on :%d", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		log.Info(ctx, logger, "shutdown_signal", "Shutdown requested")
	case err := <-errCh:
		if err != nil {
			log.Error(ctx, logger, "http_server_fail", "HTTP server failed", err)
			return err
		}
		return nil
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error(ctx, logger, "http_shutdown_fail", "HTTP server shutdown failed", err)
	} else {
		log.Info(ctx, logger, "http_shutdown", "HTTP server stopped")
	}

	return nil
}
