// FleetCare - AppleCare Coverage Sync for Managed Device Fleets
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fleetcare

// Package metrics exposes Prometheus instrumentation for the sync engine,
// the vendor API client and the HTTP surface.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Vendor API metrics
	VendorAPICalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "applecare_api_calls_total",
			Help: "Total vendor API calls by endpoint and status code",
		},
		[]string{"endpoint", "status_code"},
	)

	VendorAPIDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "applecare_api_call_duration_seconds",
			Help:    "Vendor API call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	VendorRateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "applecare_api_rate_limited_total",
			Help: "Total 429 responses from the vendor API",
		},
	)

	TokenExchanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "applecare_token_exchanges_total",
			Help: "Total OAuth token exchanges by outcome",
		},
		[]string{"outcome"}, // "success", "rate_limited", "error"
	)

	// Sync metrics
	SyncDevicesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_devices_processed_total",
			Help: "Total devices processed by outcome",
		},
		[]string{"outcome"}, // "synced", "skipped", "error"
	)

	SyncDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sync_duration_seconds",
			Help:    "Duration of full sync runs in seconds",
			Buckets: []float64{10, 30, 60, 300, 600, 1800, 3600, 7200},
		},
	)

	SyncRateLimitWaits = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sync_rate_limit_wait_seconds",
			Help:    "Time spent waiting on the moving-window rate limiter",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60},
		},
	)

	SyncLastSuccess = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sync_last_success_timestamp",
			Help: "Unix timestamp of the last completed sync run",
		},
	)

	SyncRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sync_running",
			Help: "1 while a sync run or session is active",
		},
	)

	CoverageRecordsUpserted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "coverage_records_upserted_total",
			Help: "Total coverage rows written to the store",
		},
	)

	// Database metrics
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "duckdb_query_duration_seconds",
			Help:    "Duration of DuckDB queries in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	DBQueryErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duckdb_query_errors_total",
			Help: "Total DuckDB query errors",
		},
		[]string{"operation"},
	)

	// API endpoint metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total API requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "endpoint"},
	)

	// WebSocket metrics
	WebSocketClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "websocket_connected_clients",
			Help: "Currently connected websocket clients",
		},
	)
)

// ObserveDBQuery records one database query's duration and outcome.
func ObserveDBQuery(operation string, start time.Time, err error) {
	DBQueryDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	if err != nil {
		DBQueryErrors.WithLabelValues(operation).Inc()
	}
}

// ObserveVendorCall records one vendor API call.
func ObserveVendorCall(endpoint string, statusCode int, start time.Time) {
	VendorAPICalls.WithLabelValues(endpoint, strconv.Itoa(statusCode)).Inc()
	VendorAPIDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	if statusCode == 429 {
		VendorRateLimited.Inc()
	}
}

// ObserveAPIRequest records one inbound HTTP request.
func ObserveAPIRequest(method, endpoint string, statusCode int, start time.Time) {
	APIRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(statusCode)).Inc()
	APIRequestDuration.WithLabelValues(method, endpoint).Observe(time.Since(start).Seconds())
}
