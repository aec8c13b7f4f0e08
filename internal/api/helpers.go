// Presenced - Live Presence Synchronization Engine
// Copyright 2026 S. Mehta (satmap)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/satmap/presenced

package api

import (
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/satmap/presenced/internal/logging"
	"github.com/satmap/presenced/internal/models"
	"github.com/satmap/presenced/internal/validation"
)

// respondJSON sends a JSON response with proper headers.
func respondJSON(w http.ResponseWriter, status int, response *models.APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")

	data, err := json.Marshal(response)
	if err != nil {
		logging.Error().Err(err).Msg("Failed to marshal JSON response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		logging.Error().Err(err).Msg("Failed to write JSON response")
	}
}

// respondSuccess wraps data in the standard success envelope.
func respondSuccess(w http.ResponseWriter, status int, data interface{}, count int) {
	respondJSON(w, status, &models.APIResponse{
		Status:   "success",
		Data:     data,
		Metadata: models.Metadata{Timestamp: time.Now().UTC(), Count: count},
	})
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, status int, code, message string, err error) {
	if err != nil {
		logging.Error().Str("code", code).Err(err).Msg("API error")
	}

	respondJSON(w, status, &models.APIResponse{
		Status:   "error",
		Metadata: models.Metadata{Timestamp: time.Now().UTC()},
		Error: &models.APIError{
			Code:    code,
			Message: message,
		},
	})
}

// validateRequest validates a struct using go-playground/validator.
// Returns nil when valid, or a models.APIError with the VALIDATION_ERROR
// code describing the first batch of failures.
func validateRequest(v interface{}) *models.APIError {
	err := validation.ValidateStruct(v)
	if err == nil {
		return nil
	}
	return &models.APIError{
		Code:    "VALIDATION_ERROR",
		Message: err.Error(),
	}
}
