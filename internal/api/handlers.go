// FleetCare - AppleCare Coverage Sync for Managed Device Fleets
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fleetcare

// Package api exposes the HTTP surface: sync control, coverage statistics,
// health and the websocket upgrade.
package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/tomtom215/fleetcare/internal/config"
	"github.com/tomtom215/fleetcare/internal/database"
	"github.com/tomtom215/fleetcare/internal/models"
	syncengine "github.com/tomtom215/fleetcare/internal/sync"
	"github.com/tomtom215/fleetcare/internal/websocket"
)

// Handler holds the API's dependencies.
type Handler struct {
	cfg     *config.Config
	db      *database.DB
	manager *syncengine.Manager
	hub     *websocket.Hub
}

// NewHandler creates the API handler.
func NewHandler(cfg *config.Config, db *database.DB, manager *syncengine.Manager, hub *websocket.Hub) *Handler {
	return &Handler{cfg: cfg, db: db, manager: manager, hub: hub}
}

// Health reports overall service health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	dbOK := h.db.Ping(r.Context()) == nil
	status := "ok"
	code := http.StatusOK
	if !dbOK {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"status":       status,
		"database":     dbOK,
		"sync_running": h.manager.Running(),
	})
}

// HealthLive is the liveness probe.
func (h *Handler) HealthLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HealthReady is the readiness probe; not ready until the database answers.
func (h *Handler) HealthReady(w http.ResponseWriter, r *http.Request) {
	if err := h.db.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "database not ready")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type syncRequest struct {
	ExcludeExisting bool `json:"exclude_existing"`
}

// parseSyncRequest reads the optional JSON body; an empty body means
// defaults.
func parseSyncRequest(r *http.Request) syncRequest {
	var req syncRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if r.URL.Query().Get("exclude_existing") == "true" {
		req.ExcludeExisting = true
	}
	return req
}

// SyncRun starts a full background run over the fleet.
func (h *Handler) SyncRun(w http.ResponseWriter, r *http.Request) {
	req := parseSyncRequest(r)
	runID, err := h.manager.TriggerSync(r.Context(), req.ExcludeExisting)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"success": true,
		"run_id":  runID,
	})
}

// SyncStart begins (or resumes) a chunked session.
func (h *Handler) SyncStart(w http.ResponseWriter, r *http.Request) {
	req := parseSyncRequest(r)
	state, err := h.manager.StartSession(r.Context(), req.ExcludeExisting)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"run_id":   state.ID,
		"progress": state.Progress(),
	})
}

// SyncChunk advances the chunked session by at most one device.
func (h *Handler) SyncChunk(w http.ResponseWriter, r *http.Request) {
	resp, err := h.manager.ProcessChunk(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// SyncStatus reports the session without advancing it.
func (h *Handler) SyncStatus(w http.ResponseWriter, _ *http.Request) {
	resp, err := h.manager.SessionStatus()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// SyncStop requests a cooperative stop; progress is preserved.
func (h *Handler) SyncStop(w http.ResponseWriter, _ *http.Request) {
	if err := h.manager.RequestStop(); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// SyncReset discards the checkpointed session.
func (h *Handler) SyncReset(w http.ResponseWriter, _ *http.Request) {
	if err := h.manager.ResetSession(); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// SyncProgress reports the counters of the active or checkpointed sync.
func (h *Handler) SyncProgress(w http.ResponseWriter, _ *http.Request) {
	p, running, err := h.manager.Progress()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	resp := map[string]interface{}{
		"success":  true,
		"running":  running,
		"progress": p,
	}
	if summary := h.manager.LastSummary(); summary != nil {
		resp["last_run"] = summary
	}
	writeJSON(w, http.StatusOK, resp)
}

// DeviceCount returns the number of fleet devices eligible for sync.
func (h *Handler) DeviceCount(w http.ResponseWriter, r *http.Request) {
	count, err := h.db.CountSerials(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": count})
}

// DeviceSync syncs a single serial immediately.
func (h *Handler) DeviceSync(w http.ResponseWriter, r *http.Request) {
	serial := strings.TrimSpace(chi.URLParam(r, "serial"))
	if serial == "" {
		writeError(w, http.StatusBadRequest, "missing serial")
		return
	}

	res, err := h.manager.SyncSerial(r.Context(), serial)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Stats returns the fleet coverage summary.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.db.CoverageStats(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// CoverageRecalculate re-derives coverage classification for all serials.
func (h *Handler) CoverageRecalculate(w http.ResponseWriter, r *http.Request) {
	classified, err := h.manager.Recalculate(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}

	var stats *models.CoverageStats
	if stats, err = h.db.CoverageStats(r.Context()); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"classified": classified,
		"stats":      stats,
	})
}
