// FleetCare - AppleCare Coverage Sync for Managed Device Fleets
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fleetcare

package models

import "time"

// DeviceResult is the outcome of syncing a single serial. Message uses the
// "skip: ..." convention for non-error outcomes that stored nothing.
type DeviceResult struct {
	Success      bool   `json:"success"`
	Message      string `json:"message"`
	APICallsMade int    `json:"api_calls_made"`

	// RetryAfter is set when the vendor answered 429; the orchestrator owns
	// the retry policy.
	RetryAfter time.Duration `json:"-"`

	// Records is the number of coverage rows upserted for the serial.
	Records int `json:"records,omitempty"`
}

// Skipped reports whether the device was skipped rather than failed.
func (r DeviceResult) Skipped() bool {
	return !r.Success && len(r.Message) >= 4 && r.Message[:4] == "skip"
}

// Progress is the counters block shared by session snapshots, heartbeats and
// websocket broadcasts.
type Progress struct {
	Total     int `json:"total"`
	Processed int `json:"processed"`
	Synced    int `json:"synced"`
	Skipped   int `json:"skipped"`
	Errors    int `json:"errors"`
}

// Remaining returns how many devices are still unprocessed.
func (p Progress) Remaining() int {
	if p.Total < p.Processed {
		return 0
	}
	return p.Total - p.Processed
}

// SessionState is the durable chunked-session checkpoint. It is persisted
// after every device so an interrupted session can resume.
type SessionState struct {
	ID              string    `json:"id"`
	Running         bool      `json:"running"`
	StartedAt       time.Time `json:"started_at"`
	Devices         []string  `json:"devices"`
	ProcessedSet    []string  `json:"processed"`
	CurrentIndex    int       `json:"current_index"`
	Synced          int       `json:"synced"`
	Skipped         int       `json:"skipped"`
	Errors          int       `json:"errors"`
	ExcludeExisting bool      `json:"exclude_existing"`
	LastDeviceAt    time.Time `json:"last_device_at"`
}

// Progress converts the session counters to the shared progress block.
func (s *SessionState) Progress() Progress {
	return Progress{
		Total:     len(s.Devices),
		Processed: len(s.ProcessedSet),
		Synced:    s.Synced,
		Skipped:   s.Skipped,
		Errors:    s.Errors,
	}
}

// Processed reports whether the serial was already handled this session.
func (s *SessionState) Processed(serial string) bool {
	for _, p := range s.ProcessedSet {
		if p == serial {
			return true
		}
	}
	return false
}

// MarkProcessed records a serial as handled.
func (s *SessionState) MarkProcessed(serial string) {
	if !s.Processed(serial) {
		s.ProcessedSet = append(s.ProcessedSet, serial)
	}
}

// ChunkResponse is the wire shape returned by the chunk endpoint.
type ChunkResponse struct {
	Success  bool     `json:"success"`
	Running  bool     `json:"running"`
	Complete bool     `json:"complete"`
	Waiting  bool     `json:"waiting,omitempty"`
	WaitTime float64  `json:"wait_time,omitempty"`
	Output   []string `json:"output,omitempty"`
	Progress Progress `json:"progress"`
}

// SyncSummary is emitted when a full run finishes.
type SyncSummary struct {
	Total    int           `json:"total"`
	Synced   int           `json:"synced"`
	Skipped  int           `json:"skipped"`
	Errors   int           `json:"errors"`
	Duration time.Duration `json:"duration"`
	Stopped  bool          `json:"stopped"`
}
