// Presenced - Live Presence Synchronization Engine
// Copyright 2026 S. Mehta (satmap)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/satmap/presenced

// Package api provides HTTP routing for presence queries, position
// ingest, consent control, and the live map WebSocket.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/satmap/presenced/internal/config"
	"github.com/satmap/presenced/internal/websocket"
)

// Router assembles the HTTP surface from its handler and hub.
type Router struct {
	handler *Handler
	hub     *websocket.Hub
	cfg     config.ServerConfig
}

// NewRouter creates a Router. hub may be nil; the /ws route is then
// omitted.
func NewRouter(handler *Handler, hub *websocket.Hub, cfg config.ServerConfig) *Router {
	return &Router{handler: handler, hub: hub, cfg: cfg}
}

// Setup configures all routes and returns the root handler.
func (router *Router) Setup() http.Handler {
	r := chi.NewRouter()

	// Global middleware, applied to all routes in order.
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(RequestLogging())
	r.Use(CORS(router.cfg.CORSOrigins))

	r.Get("/healthz", router.handler.HealthLive)
	r.Get("/readyz", router.handler.HealthReady)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/presence", router.handler.Presence)
		r.Get("/consent", router.handler.ConsentStatus)
		r.Post("/consent", router.handler.Consent)

		// Position ingest runs at device fix rates; rate limiting
		// caps a runaway client before the throttle does.
		r.With(RateLimit(router.cfg.RateLimit)).Post("/positions", router.handler.IngestPosition)
	})

	if router.hub != nil {
		r.Get("/ws", websocket.ServeWS(router.hub))
	}

	return r
}
