// Parley - Real-Time Chat Presence and Message Delivery Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/parley

// Package main is the entry point for the Parley server.
//
// Parley is the real-time core of a chat system: it terminates client
// WebSocket connections, tracks who is online, routes presence changes
// to subscribers, delivers messages with at-least-once semantics, and
// reconciles reconnecting clients against the durable backlog.
//
// # Application Architecture
//
// The server initializes components in the following order:
//
//  1. Configuration: layered load from defaults, YAML, and environment (koanf v2)
//  2. Store: BadgerDB message store behind a circuit breaker
//  3. Event bus: in-process watermill Pub/Sub carrying presence transitions
//  4. Presence tracker and connection registry
//  5. Subscription router, delivery pipeline, resync reconciler
//  6. WebSocket gateway and HTTP API
//  7. NATS bridge (optional): cross-node presence propagation
//  8. Supervisor tree: everything long-running is supervised by suture
//
// # Configuration
//
// Highest priority wins:
//   - Environment variables (JWT_SECRET, HTTP_PORT, BADGER_PATH, ...)
//   - Config file (config.yaml or CONFIG_PATH)
//   - Built-in defaults
//
// JWT_SECRET (32+ characters) is the only setting without a default.
//
// # Signal Handling
//
// SIGINT and SIGTERM trigger graceful shutdown: the listener drains,
// sessions close, and the store flushes before exit.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/tomtom215/parley/internal/api"
	"github.com/tomtom215/parley/internal/auth"
	"github.com/tomtom215/parley/internal/config"
	"github.com/tomtom215/parley/internal/delivery"
	"github.com/tomtom215/parley/internal/gateway"
	"github.com/tomtom215/parley/internal/logging"
	"github.com/tomtom215/parley/internal/presence"
	"github.com/tomtom215/parley/internal/registry"
	"github.com/tomtom215/parley/internal/resync"
	"github.com/tomtom215/parley/internal/store"
	"github.com/tomtom215/parley/internal/subscription"
	"github.com/tomtom215/parley/internal/supervisor"
	"github.com/tomtom215/parley/internal/supervisor/services"
)

func main() {
	if err := run(); err != nil {
		logging.Fatal().Err(err).Msg("server failed")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logging.Init(logging.Config{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Caller:    cfg.Logging.Caller,
		Timestamp: true,
	})
	logging.Info().
		Str("host", cfg.Server.Host).
		Int("port", cfg.Server.Port).
		Msg("starting parley")

	// Durable store behind the breaker. Policy errors are client
	// mistakes and must not open the circuit.
	badgerStore, err := store.Open(store.Options{
		Path:     cfg.Store.Path,
		InMemory: cfg.Store.InMemory,
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := badgerStore.Close(); err != nil {
			logging.Error().Err(err).Msg("close store")
		}
	}()

	breakerStore := store.NewBreakerStore(badgerStore, store.BreakerConfig{
		FailureThreshold: cfg.Store.BreakerThreshold,
		Timeout:          cfg.Store.BreakerTimeout,
	}, delivery.IsPolicyError)

	// In-process event bus for presence transitions.
	bus := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: 256,
	}, watermill.NopLogger{})
	defer func() { _ = bus.Close() }()

	nodeID := cfg.NATS.NodeID
	if nodeID == "" {
		nodeID = uuid.NewString()[:8]
	}

	tracker := presence.New(bus, presence.Config{
		IdleTimeout:  cfg.Presence.IdleTimeout,
		OfflineGrace: cfg.Presence.OfflineGrace,
		NodeID:       nodeID,
	})
	reg := registry.New(tracker)
	defer reg.Close()

	router := subscription.NewRouter(bus, reg, tracker)
	pipeline := delivery.NewPipeline(breakerStore, reg, delivery.Config{
		MaxContentBytes: cfg.Delivery.MaxContentBytes,
		UnsendWindow:    cfg.Delivery.UnsendWindow,
	})
	reconciler := resync.NewReconciler(breakerStore, router, cfg.Resync.BacklogLimit)

	authMgr, err := auth.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.TokenExpiry)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	gw := gateway.New(authMgr, breakerStore, reg, router, pipeline, reconciler)
	apiServer := api.NewServer(api.Config{
		RateLimitRequests: cfg.Server.RateLimitReqs,
		RateLimitWindow:   cfg.Server.RateLimitWindow,
		RateLimitOff:      cfg.Server.RateLimitOff,
	}, authMgr, gw, router, breakerStore)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           apiServer.Routes(),
		ReadHeaderTimeout: cfg.Server.Timeout,
	}

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())

	tree.AddDataService(services.NewTickerService("store-gc", cfg.Store.GCInterval, func(context.Context) error {
		return badgerStore.RunValueLogGC()
	}))

	tree.AddMessagingService(router)
	tree.AddMessagingService(services.NewTickerService("presence-sweeper", cfg.Presence.SweepInterval, func(context.Context) error {
		tracker.Sweep()
		return nil
	}))
	tree.AddMessagingService(services.NewTickerService("session-sweeper", cfg.Registry.SweepInterval, func(context.Context) error {
		if evicted := reg.SweepStale(cfg.Registry.SessionTTL); evicted > 0 {
			logging.Info().Int("evicted", evicted).Msg("stale sessions swept")
		}
		return nil
	}))

	if cfg.NATS.Enabled {
		natsConn, err := nats.Connect(cfg.NATS.URL,
			nats.Name("parley-"+nodeID),
			nats.MaxReconnects(-1),
		)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer natsConn.Close()
		tree.AddMessagingService(gateway.NewBridge(natsConn, bus, bus, cfg.NATS.SubjectPrefix, nodeID))
	}

	tree.AddAPIService(services.NewHTTPService(httpServer, cfg.Server.Timeout))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := tree.ServeBackground(ctx)
	logging.Info().Str("addr", httpServer.Addr).Str("node_id", nodeID).Msg("parley ready")

	select {
	case <-ctx.Done():
		logging.Info().Msg("shutdown signal received")
		if err := <-errCh; err != nil && err != context.Canceled {
			return err
		}
	case err := <-errCh:
		if err != nil && err != context.Canceled {
			return err
		}
	}

	if report, err := tree.UnstoppedServiceReport(); err == nil && len(report) > 0 {
		for _, svc := range report {
			logging.Warn().Str("service", svc.Name).Msg("service missed shutdown timeout")
		}
	}

	logging.Info().Msg("parley stopped")
	return nil
}
