// FleetCare - AppleCare Coverage Sync for Managed Device Fleets
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fleetcare

package api

import (
	"net/http"

	gorilla "github.com/gorilla/websocket"

	"github.com/tomtom215/fleetcare/internal/logging"
	"github.com/tomtom215/fleetcare/internal/websocket"
)

// WebSocket upgrades the connection and registers the client with the hub
// for live sync progress.
func (h *Handler) WebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := gorilla.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := websocket.NewClient(h.hub, conn)
	h.hub.Register <- client
	client.Start()
}

// checkOrigin allows the configured CORS origins, or everything when "*" is
// configured.
func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.cfg.Security.CORSOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}
