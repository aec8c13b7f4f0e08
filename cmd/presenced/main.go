// Presenced - Live Presence Synchronization Engine
// Copyright 2026 S. Mehta (satmap)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/satmap/presenced

// Package main is the entry point for the presenced daemon.
//
// Presenced keeps a live map of where a cohort of users are right now.
// Each node runs two halves of one pipeline:
//
//   - Publish: device position fixes pass a consent gate, get throttled
//     and enriched with a reverse-geocoded place name, and land in the
//     shared locations store with a per-session sequence number.
//   - Sync: a snapshot plus a NATS JetStream change feed reconcile into
//     an in-memory presence set, which renders as stable markers pushed
//     to map clients over WebSocket.
//
// # Initialization order
//
//  1. Configuration: Koanf v2 layered sources (env > file > defaults)
//  2. Embedded NATS JetStream server (optional, on by default)
//  3. Stream provisioning for the presence change feed
//  4. Locations store: Postgres or in-memory
//  5. Pipeline components: publisher, subscriber, engine, hub
//  6. HTTP server: REST API, WebSocket, Prometheus metrics
//  7. Supervisor tree: everything runs under suture supervision
//
// # Configuration
//
// See internal/config for the full surface. The common knobs:
//
//	export DATABASE_DRIVER=postgres
//	export DATABASE_URL=postgres://presenced@localhost:5432/presence
//	export PUBLISHER_ENABLED=true
//	export PUBLISHER_USER_ID=asha
//	export PRESENCE_SELF_USER_ID=asha
//	./presenced
//
// # Signal handling
//
// SIGINT and SIGTERM shut the tree down gracefully: the publisher stops
// first with the rest of its layer, in-flight HTTP requests get the
// configured drain window, and the embedded NATS server exits last.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	natsgo "github.com/nats-io/nats.go"

	"github.com/satmap/presenced/internal/api"
	"github.com/satmap/presenced/internal/config"
	"github.com/satmap/presenced/internal/consent"
	"github.com/satmap/presenced/internal/feed"
	"github.com/satmap/presenced/internal/geocoder"
	"github.com/satmap/presenced/internal/logging"
	"github.com/satmap/presenced/internal/markers"
	"github.com/satmap/presenced/internal/metrics"
	"github.com/satmap/presenced/internal/models"
	"github.com/satmap/presenced/internal/position"
	"github.com/satmap/presenced/internal/publisher"
	"github.com/satmap/presenced/internal/reconcile"
	"github.com/satmap/presenced/internal/store"
	"github.com/satmap/presenced/internal/supervisor"
	"github.com/satmap/presenced/internal/websocket"
)

const version = "1.0.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Config errors surface through the default logger; the
		// configured one does not exist yet.
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})

	logging.Info().
		Str("version", version).
		Str("database_driver", cfg.Database.Driver).
		Bool("publisher_enabled", cfg.Publisher.Enabled).
		Msg("Starting presenced")
	metrics.AppInfo.WithLabelValues(version, runtime.Version()).Set(1)

	if err := run(cfg); err != nil && !errors.Is(err, context.Canceled) {
		logging.Fatal().Err(err).Msg("presenced exited with error")
	}
	logging.Info().Msg("presenced stopped")
}

//nolint:gocyclo // Sequential wiring of the full pipeline
func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Embedded NATS server keeps single-node deployments broker-free.
	natsURL := cfg.NATS.URL
	if cfg.NATS.EmbeddedServer {
		srv, err := feed.NewEmbeddedServer(feed.ServerConfig{
			StoreDir:  cfg.NATS.StoreDir,
			MaxMemory: cfg.NATS.MaxMemory,
			MaxStore:  cfg.NATS.MaxStore,
		})
		if err != nil {
			return fmt.Errorf("start embedded nats: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logging.Error().Err(err).Msg("embedded nats shutdown failed")
			}
		}()
		natsURL = srv.ClientURL()
		logging.Info().Str("url", natsURL).Msg("embedded nats server running")
	}

	// The presence stream must exist before publisher or subscriber
	// touch it; stream names cannot carry the subject wildcard, so
	// neither side can auto-provision it.
	if err := provisionStream(ctx, natsURL, cfg.NATS.StreamMaxAge); err != nil {
		return err
	}

	wmLogger := feed.NewWatermillLogger()
	feedPub, err := feed.NewPublisher(feed.PublisherConfig{
		URL:        natsURL,
		TrackMsgID: true,
	}, wmLogger)
	if err != nil {
		return fmt.Errorf("create feed publisher: %w", err)
	}
	defer func() {
		if err := feedPub.Close(); err != nil {
			logging.Error().Err(err).Msg("feed publisher close failed")
		}
	}()

	st, ready, err := buildStore(ctx, cfg.Database, feedPub)
	if err != nil {
		return err
	}
	defer st.Close()

	sub, err := feed.NewSubscriber(feed.SubscriberConfig{
		URL:         natsURL,
		StreamName:  models.FeedStreamName,
		DurableName: cfg.NATS.DurableName,
	}, wmLogger)
	if err != nil {
		return fmt.Errorf("create feed subscriber: %w", err)
	}
	defer func() {
		if err := sub.Close(); err != nil {
			logging.Error().Err(err).Msg("feed subscriber close failed")
		}
	}()

	// Render path: engine diffs feed marker updates through the hub to
	// every connected map client. The hub snapshots markers for clients
	// that connect later.
	var manager *markers.Manager
	hub := websocket.NewHub(func() []*markers.Marker { return manager.Markers() })
	manager = markers.NewManager(markers.Config{SelfUserID: cfg.Presence.SelfUserID}, websocket.NewHubSurface(hub))
	defer manager.Teardown()

	engine := reconcile.New(reconcile.Config{
		SnapshotInitialWait: cfg.Presence.SnapshotInitialWait,
		SnapshotMaxWait:     cfg.Presence.SnapshotMaxWait,
		ProfileTimeout:      cfg.Presence.ProfileTimeout,
	}, st, sub.Events(), sub.Drops(), manager)

	gate := consent.NewGate()
	var fixes api.FixSink
	var pub *publisher.Publisher
	if cfg.Publisher.Enabled {
		source := position.NewChannelSource()
		fixes = source
		pub = publisher.New(publisher.Config{
			UserID:         cfg.Publisher.UserID,
			MinInterval:    cfg.Publisher.MinInterval,
			GeocodeTimeout: cfg.Geocoder.Timeout,
			UpsertRetries:  cfg.Publisher.UpsertRetries,
		}, gate, source, geocoder.NewNominatimClient(geocoder.Config{
			BaseURL:           cfg.Geocoder.BaseURL,
			UserAgent:         cfg.Geocoder.UserAgent,
			RequestsPerSecond: cfg.Geocoder.RequestsPerSecond,
			CacheSize:         cfg.Geocoder.CacheSize,
			Timeout:           cfg.Geocoder.Timeout,
		}), st)
	}

	handler := api.NewHandler(engine, fixes, gate, ready)
	router := api.NewRouter(handler, hub, cfg.Server)
	httpServer := api.NewServer(cfg.Server, router.Setup())

	treeCfg := supervisor.DefaultTreeConfig()
	treeCfg.ShutdownTimeout = cfg.Server.ShutdownTimeout
	tree := supervisor.NewTree(slog.New(logging.NewSlogHandler()), treeCfg)

	if pub != nil {
		tree.AddPublishService(supervisor.NewService("location-publisher", pub))
	}
	tree.AddSyncService(supervisor.NewService("feed-subscriber", sub))
	tree.AddSyncService(supervisor.NewService("reconcile-engine", engine))
	tree.AddSyncService(supervisor.NewService("websocket-hub", hub))
	tree.AddAPIService(supervisor.NewService("http-server", httpServer))

	logging.Info().Msg("supervisor tree starting")
	err = tree.Serve(ctx)

	if report, reportErr := tree.UnstoppedServiceReport(); reportErr == nil && len(report) > 0 {
		for _, svc := range report {
			logging.Warn().Str("service", fmt.Sprintf("%v", svc.Service)).Msg("service did not stop in time")
		}
	}
	return err
}

// provisionStream creates or updates the presence JetStream stream over
// a short-lived connection.
func provisionStream(ctx context.Context, natsURL string, maxAge time.Duration) error {
	nc, err := natsgo.Connect(natsURL,
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(5),
		natsgo.Timeout(10*time.Second),
	)
	if err != nil {
		return fmt.Errorf("connect for stream provisioning: %w", err)
	}
	defer nc.Close()

	mgr, err := feed.NewStreamManager(nc, feed.StreamConfig{MaxAge: maxAge})
	if err != nil {
		return err
	}
	if _, err := mgr.EnsureStream(ctx); err != nil {
		return fmt.Errorf("ensure presence stream: %w", err)
	}
	return nil
}

// buildStore creates the configured locations store and its readiness
// checks.
func buildStore(ctx context.Context, cfg config.DatabaseConfig, pub store.ChangePublisher) (store.Store, map[string]api.ReadyCheck, error) {
	switch cfg.Driver {
	case "postgres":
		pg, err := store.NewPGStore(ctx, postgresDSN(cfg), pub)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		return pg, map[string]api.ReadyCheck{"postgres": pg.Ping}, nil
	case "memory":
		logging.Warn().Msg("using in-memory store; state is lost on restart")
		mem := store.NewMemStore(pub)
		return mem, map[string]api.ReadyCheck{
			"store": func(context.Context) error { return nil },
		}, nil
	default:
		return nil, nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

// postgresDSN appends pool sizing parameters to the configured URL when
// the operator did not set them explicitly.
func postgresDSN(cfg config.DatabaseConfig) string {
	dsn := cfg.URL
	params := make([]string, 0, 2)
	if cfg.MaxConns > 0 && !strings.Contains(dsn, "pool_max_conns") {
		params = append(params, fmt.Sprintf("pool_max_conns=%d", cfg.MaxConns))
	}
	if cfg.ConnMaxLifetime > 0 && !strings.Contains(dsn, "pool_max_conn_lifetime") {
		params = append(params, fmt.Sprintf("pool_max_conn_lifetime=%s", cfg.ConnMaxLifetime))
	}
	if len(params) == 0 {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + strings.Join(params, "&")
}
