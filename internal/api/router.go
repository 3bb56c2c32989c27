// FleetCare - AppleCare Coverage Sync for Managed Device Fleets
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fleetcare

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomtom215/fleetcare/internal/metrics"
)

// NewRouter assembles the HTTP routes with the global middleware stack.
func (h *Handler) NewRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   h.cfg.Security.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Handle("/metrics", promhttp.Handler())

	// Health gets its own permissive limit so monitoring never starves.
	r.Route("/api/v1/health", func(r chi.Router) {
		r.Use(httprate.LimitByIP(1000, time.Minute))
		r.Get("/", h.Health)
		r.Get("/live", h.HealthLive)
		r.Get("/ready", h.HealthReady)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(httprate.LimitByIP(h.cfg.Security.RateLimitReqs, h.cfg.Security.RateLimitWindow))
		r.Use(requestMetrics)

		r.Route("/sync", func(r chi.Router) {
			r.Post("/run", h.SyncRun)
			r.Post("/start", h.SyncStart)
			r.Post("/chunk", h.SyncChunk)
			r.Get("/status", h.SyncStatus)
			r.Post("/stop", h.SyncStop)
			r.Post("/reset", h.SyncReset)
			r.Get("/progress", h.SyncProgress)
		})

		r.Route("/devices", func(r chi.Router) {
			r.Get("/count", h.DeviceCount)
			r.Post("/{serial}/sync", h.DeviceSync)
		})

		r.Get("/stats", h.Stats)
		r.Post("/coverage/recalculate", h.CoverageRecalculate)
		r.Get("/ws", h.WebSocket)
	})

	return r
}

// requestMetrics records per-route request counts and latency under the
// chi route pattern, not the raw path, to keep label cardinality bounded.
func requestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		pattern := chi.RouteContext(r.Context()).RoutePattern()
		if pattern == "" {
			pattern = "unmatched"
		}
		metrics.ObserveAPIRequest(r.Method, pattern, ww.Status(), start)
	})
}
