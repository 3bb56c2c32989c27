// FleetCare - AppleCare Coverage Sync for Managed Device Fleets
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fleetcare

package api

import (
	"errors"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/tomtom215/fleetcare/internal/database"
	"github.com/tomtom215/fleetcare/internal/logging"
	"github.com/tomtom215/fleetcare/internal/progress"
	syncengine "github.com/tomtom215/fleetcare/internal/sync"
)

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Warn().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeDomainError maps known sentinel errors to status codes.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, progress.ErrSessionRunning):
		writeError(w, http.StatusConflict, "a sync is already running")
	case errors.Is(err, progress.ErrNoSession):
		writeError(w, http.StatusNotFound, "no sync session")
	case errors.Is(err, database.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, syncengine.ErrTokenExpired):
		writeError(w, http.StatusBadGateway, "vendor rejected the access token")
	default:
		logging.Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
