// FleetCare - AppleCare Coverage Sync for Managed Device Fleets
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fleetcare

// Package ratelimit implements the moving-window request budget used to stay
// under the vendor API's per-minute limit.
package ratelimit

import (
	"sync"
	"time"
)

// Window is the span of the moving window.
const Window = time.Minute

// budgetFactor keeps actual usage below the advertised limit so bursts from
// other API consumers in the same org do not trip the vendor's limiter.
const budgetFactor = 0.8

// MovingWindow tracks request timestamps over the last minute and answers how
// long a caller must wait before a batch of calls fits within the effective
// budget. Safe for concurrent use.
type MovingWindow struct {
	mu         sync.Mutex
	limit      int
	timestamps []time.Time
	now        func() time.Time
}

// NewMovingWindow creates a limiter for the given advertised requests/minute.
// Limits below 1 are treated as 1.
func NewMovingWindow(limit int) *MovingWindow {
	if limit < 1 {
		limit = 1
	}
	return &MovingWindow{
		limit: limit,
		now:   time.Now,
	}
}

// Limit returns the advertised requests/minute.
func (w *MovingWindow) Limit() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.limit
}

// SetLimit replaces the advertised limit, for org configs that carry their
// own rate limit.
func (w *MovingWindow) SetLimit(limit int) {
	if limit < 1 {
		limit = 1
	}
	w.mu.Lock()
	w.limit = limit
	w.mu.Unlock()
}

// EffectiveBudget returns the number of in-window requests actually allowed:
// floor(limit * 0.8), never below 1.
func (w *MovingWindow) EffectiveBudget() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return effectiveBudget(w.limit)
}

func effectiveBudget(limit int) int {
	b := int(float64(limit) * budgetFactor)
	if b < 1 {
		b = 1
	}
	return b
}

// InWindow returns the number of requests recorded in the last minute.
func (w *MovingWindow) InWindow() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(w.now())
	return len(w.timestamps)
}

// WaitTime returns how long the caller must wait before making calls more
// requests, so the projected in-window count stays within the effective
// budget. Zero means the calls fit now.
//
// The wait is the time until the oldest in-window timestamp ages out; freeing
// one slot is enough to re-check, so the loop calls WaitTime again after
// sleeping when several slots are needed.
func (w *MovingWindow) WaitTime(calls int) time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	w.prune(now)

	if len(w.timestamps)+calls <= effectiveBudget(w.limit) {
		return 0
	}
	if len(w.timestamps) == 0 {
		return 0
	}
	wait := Window - now.Sub(w.timestamps[0])
	if wait < 0 {
		return 0
	}
	return wait
}

// Record appends n request timestamps at the current time. Call it after the
// device's API calls complete, with the number actually made.
func (w *MovingWindow) Record(n int) {
	if n <= 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	w.prune(now)
	for i := 0; i < n; i++ {
		w.timestamps = append(w.timestamps, now)
	}
}

// IdealTimePerDevice returns the pacing interval that spreads device syncs
// evenly across the effective budget: window / (budget / callsPerDevice).
func (w *MovingWindow) IdealTimePerDevice(callsPerDevice int) time.Duration {
	if callsPerDevice < 1 {
		callsPerDevice = 1
	}
	w.mu.Lock()
	budget := effectiveBudget(w.limit)
	w.mu.Unlock()

	devicesPerWindow := float64(budget) / float64(callsPerDevice)
	if devicesPerWindow <= 0 {
		devicesPerWindow = 1
	}
	return time.Duration(float64(Window) / devicesPerWindow)
}

// prune drops timestamps older than the window (must hold mu).
func (w *MovingWindow) prune(now time.Time) {
	cutoff := now.Add(-Window)
	i := 0
	for i < len(w.timestamps) && !w.timestamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.timestamps = append(w.timestamps[:0], w.timestamps[i:]...)
	}
}
