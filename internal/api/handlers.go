// Presenced - Live Presence Synchronization Engine
// Copyright 2026 S. Mehta (satmap)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/satmap/presenced

package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/satmap/presenced/internal/consent"
	"github.com/satmap/presenced/internal/metrics"
	"github.com/satmap/presenced/internal/models"
	"github.com/satmap/presenced/internal/position"
)

// PresenceReader exposes the reconciled presence set to HTTP clients.
type PresenceReader interface {
	Entries() []models.PresenceEntry
	Size() int
}

// FixSink accepts device position fixes for publication.
type FixSink interface {
	Push(fix position.Fix)
}

// ReadyCheck reports whether one dependency is ready to serve.
type ReadyCheck func(ctx context.Context) error

// Handler holds the dependencies for all HTTP endpoints.
type Handler struct {
	presence  PresenceReader
	fixes     FixSink
	gate      *consent.Gate
	ready     map[string]ReadyCheck
	startTime time.Time
}

// NewHandler creates a Handler. fixes may be nil when the local
// publisher is disabled; position ingest then returns 503.
func NewHandler(presence PresenceReader, fixes FixSink, gate *consent.Gate, ready map[string]ReadyCheck) *Handler {
	return &Handler{
		presence:  presence,
		fixes:     fixes,
		gate:      gate,
		ready:     ready,
		startTime: time.Now(),
	}
}

// HealthLive handles GET /healthz. Always succeeds while the process
// is able to serve requests.
func (h *Handler) HealthLive(w http.ResponseWriter, _ *http.Request) {
	respondSuccess(w, http.StatusOK, map[string]interface{}{
		"status": "alive",
		"uptime": time.Since(h.startTime).String(),
	}, 0)
}

// HealthReady handles GET /readyz. Runs every registered readiness
// check and fails with 503 when any dependency is down.
func (h *Handler) HealthReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]string, len(h.ready))
	healthy := true
	for name, check := range h.ready {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			healthy = false
		} else {
			checks[name] = "ok"
		}
	}

	if !healthy {
		respondJSON(w, http.StatusServiceUnavailable, &models.APIResponse{
			Status:   "error",
			Data:     checks,
			Metadata: models.Metadata{Timestamp: time.Now().UTC()},
			Error:    &models.APIError{Code: "NOT_READY", Message: "one or more dependencies are not ready"},
		})
		return
	}
	respondSuccess(w, http.StatusOK, checks, 0)
}

// Presence handles GET /api/v1/presence. Returns the reconciled
// presence set ordered by user ID.
func (h *Handler) Presence(w http.ResponseWriter, _ *http.Request) {
	entries := h.presence.Entries()
	respondSuccess(w, http.StatusOK, entries, len(entries))
}

// PositionRequest is the body of POST /api/v1/positions.
type PositionRequest struct {
	Latitude  float64 `json:"latitude" validate:"latitude"`
	Longitude float64 `json:"longitude" validate:"longitude"`
	Accuracy  float64 `json:"accuracy" validate:"min=0"`
}

// IngestPosition handles POST /api/v1/positions. Accepted fixes enter
// the publish pipeline; throttling and consent are applied there, so
// acceptance here does not guarantee publication.
func (h *Handler) IngestPosition(w http.ResponseWriter, r *http.Request) {
	if h.fixes == nil {
		respondError(w, http.StatusServiceUnavailable, "PUBLISHER_DISABLED", "position publishing is not enabled on this node", nil)
		return
	}

	var req PositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		metrics.RecordFix("invalid")
		respondError(w, http.StatusBadRequest, "INVALID_BODY", "request body must be valid JSON", err)
		return
	}
	if apiErr := validateRequest(&req); apiErr != nil {
		metrics.RecordFix("invalid")
		respondError(w, http.StatusBadRequest, apiErr.Code, apiErr.Message, nil)
		return
	}

	h.fixes.Push(position.Fix{
		Latitude:  req.Latitude,
		Longitude: req.Longitude,
		Accuracy:  req.Accuracy,
		Timestamp: time.Now().UTC(),
	})
	respondSuccess(w, http.StatusAccepted, map[string]string{"result": "accepted"}, 0)
}

// ConsentRequest is the body of POST /api/v1/consent.
type ConsentRequest struct {
	Action string `json:"action" validate:"required,oneof=grant decline revoke"`
}

// Consent handles POST /api/v1/consent. Transitions the sharing gate
// and returns the resulting state. Invalid transitions return 409.
func (h *Handler) Consent(w http.ResponseWriter, r *http.Request) {
	var req ConsentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_BODY", "request body must be valid JSON", err)
		return
	}
	if apiErr := validateRequest(&req); apiErr != nil {
		respondError(w, http.StatusBadRequest, apiErr.Code, apiErr.Message, nil)
		return
	}

	var err error
	switch req.Action {
	case "grant":
		err = h.gate.Grant()
	case "decline":
		err = h.gate.Decline()
	case "revoke":
		err = h.gate.Revoke()
	}

	if err != nil {
		var invalid *consent.ErrInvalidTransition
		if errors.As(err, &invalid) {
			respondError(w, http.StatusConflict, "INVALID_TRANSITION", err.Error(), nil)
			return
		}
		respondError(w, http.StatusInternalServerError, "CONSENT_ERROR", "failed to update consent", err)
		return
	}

	respondSuccess(w, http.StatusOK, map[string]string{"state": string(h.gate.State())}, 0)
}

// ConsentStatus handles GET /api/v1/consent.
func (h *Handler) ConsentStatus(w http.ResponseWriter, _ *http.Request) {
	respondSuccess(w, http.StatusOK, map[string]string{"state": string(h.gate.State())}, 0)
}
