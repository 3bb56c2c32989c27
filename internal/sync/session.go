// FleetCare - AppleCare Coverage Sync for Managed Device Fleets
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fleetcare

package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tomtom215/fleetcare/internal/config"
	"github.com/tomtom215/fleetcare/internal/database"
	"github.com/tomtom215/fleetcare/internal/logging"
	"github.com/tomtom215/fleetcare/internal/metrics"
	"github.com/tomtom215/fleetcare/internal/models"
	"github.com/tomtom215/fleetcare/internal/progress"
	"github.com/tomtom215/fleetcare/internal/ratelimit"
)

// Chunked session mode: instead of one long-lived background run, the caller
// drives the sync one device per request. Each chunk either processes a
// device, reports a wait (rate budget or pacing) or reports completion. State
// lives in the progress store so chunks survive restarts.

// StartSession begins or resumes a chunked sync session. A checkpointed
// session with the same exclude-existing setting resumes; an incompatible one
// is discarded.
func (m *Manager) StartSession(ctx context.Context, excludeExisting bool) (*models.SessionState, error) {
	m.chunkMu.Lock()
	defer m.chunkMu.Unlock()

	if m.store.RunActive() {
		return nil, progress.ErrSessionRunning
	}

	state, err := m.store.LoadSession()
	switch {
	case err == nil:
		if state.ExcludeExisting == excludeExisting && state.Progress().Remaining() > 0 {
			state.Running = true
			if err := m.store.ClearStop(); err != nil {
				return nil, err
			}
			if err := m.store.SaveSession(state); err != nil {
				return nil, err
			}
			logging.Info().
				Str("run_id", state.ID).
				Int("processed", len(state.ProcessedSet)).
				Int("total", len(state.Devices)).
				Msg("resuming chunked sync session")
			return state, nil
		}
		if err := m.store.ClearSession(); err != nil {
			return nil, err
		}
	case errors.Is(err, progress.ErrNoSession):
		// fresh session below
	default:
		return nil, fmt.Errorf("load sync session: %w", err)
	}

	serials, err := m.db.ListSerials(ctx, excludeExisting)
	if err != nil {
		return nil, err
	}

	state = &models.SessionState{
		ID:              uuid.NewString(),
		Running:         true,
		StartedAt:       time.Now().UTC(),
		Devices:         serials,
		ExcludeExisting: excludeExisting,
	}
	if err := m.store.ClearStop(); err != nil {
		return nil, err
	}
	if err := m.store.SaveSession(state); err != nil {
		return nil, err
	}
	logging.Info().
		Str("run_id", state.ID).
		Int("devices", len(serials)).
		Bool("exclude_existing", excludeExisting).
		Msg("chunked sync session started")
	return state, nil
}

// ProcessChunk advances the session by at most one device. It never blocks on
// rate budget; when the device's calls do not fit yet, or pacing demands a
// gap, the response says how long to wait before the next chunk.
func (m *Manager) ProcessChunk(ctx context.Context) (*models.ChunkResponse, error) {
	m.chunkMu.Lock()
	defer m.chunkMu.Unlock()

	if m.store.RunActive() {
		return nil, progress.ErrSessionRunning
	}

	state, err := m.store.LoadSession()
	if err != nil {
		return nil, err
	}

	resp := &models.ChunkResponse{Success: true, Running: state.Running}
	resp.Progress = state.Progress()

	if !state.Running {
		return resp, nil
	}

	if flagged, err := m.store.StopRequested(); err == nil && flagged {
		state.Running = false
		if err := m.store.SaveSession(state); err != nil {
			return nil, err
		}
		if err := m.store.ClearStop(); err != nil {
			logging.Warn().Err(err).Msg("failed to clear stop flag")
		}
		resp.Running = false
		resp.Output = append(resp.Output, m.chunkLine(state, "sync stopped, progress preserved"))
		return resp, nil
	}

	// Skip ahead past already-processed serials.
	for state.CurrentIndex < len(state.Devices) && state.Processed(state.Devices[state.CurrentIndex]) {
		state.CurrentIndex++
	}
	if state.CurrentIndex >= len(state.Devices) {
		return m.completeSession(state, resp)
	}

	serial := state.Devices[state.CurrentIndex]

	org, window, immediate, err := m.resolveOrg(ctx, serial)
	if err != nil {
		return nil, err
	}
	if immediate != nil {
		m.recordChunkResult(state, serial, immediate, resp)
		return resp, m.store.SaveSession(state)
	}

	// Rate budget gate.
	if wt := window.WaitTime(CallsPerDevice); wt > 0 {
		metrics.SyncRateLimitWaits.Observe(wt.Seconds())
		resp.Waiting = true
		resp.WaitTime = wt.Seconds()
		resp.Output = append(resp.Output, m.chunkLine(state,
			fmt.Sprintf("waiting %.1fs for rate budget", wt.Seconds())))
		return resp, nil
	}

	// Pacing gate spreads devices across the window.
	ideal := window.IdealTimePerDevice(CallsPerDevice)
	if since := time.Since(state.LastDeviceAt); since < ideal {
		rem := ideal - since
		resp.Waiting = true
		resp.WaitTime = rem.Seconds()
		return resp, nil
	}

	res, err := m.client.SyncDevice(ctx, serial, org)
	if res != nil {
		window.Record(res.APICallsMade)
	}
	if err != nil {
		if errors.Is(err, ErrTokenExpired) {
			state.Running = false
			if saveErr := m.store.SaveSession(state); saveErr != nil {
				logging.Warn().Err(saveErr).Msg("failed to save session after token expiry")
			}
		}
		return nil, err
	}

	// A vendor 429 leaves the device unprocessed; the caller waits and the
	// next chunk retries it.
	if res.RetryAfter > 0 {
		resp.Waiting = true
		resp.WaitTime = res.RetryAfter.Seconds()
		resp.Output = append(resp.Output, m.chunkLine(state,
			fmt.Sprintf("vendor rate limited, waiting %.0fs", res.RetryAfter.Seconds())))
		return resp, nil
	}

	if res.Success {
		if err := m.classifier.ClassifySerial(ctx, serial); err != nil {
			logging.Warn().Err(err).Str("serial", serial).Msg("classification failed")
		}
	}

	m.recordChunkResult(state, serial, res, resp)
	state.LastDeviceAt = time.Now().UTC()
	if err := m.store.SaveSession(state); err != nil {
		return nil, err
	}

	m.broadcast("sync_progress", map[string]interface{}{
		"run_id":   state.ID,
		"progress": resp.Progress,
	})
	return resp, nil
}

func (m *Manager) completeSession(state *models.SessionState, resp *models.ChunkResponse) (*models.ChunkResponse, error) {
	if err := m.store.ClearSession(); err != nil {
		return nil, err
	}
	if err := m.store.ClearStop(); err != nil {
		logging.Warn().Err(err).Msg("failed to clear stop flag")
	}
	metrics.SyncLastSuccess.Set(float64(time.Now().Unix()))

	p := state.Progress()
	summary := models.SyncSummary{
		Total:    p.Total,
		Synced:   p.Synced,
		Skipped:  p.Skipped,
		Errors:   p.Errors,
		Duration: time.Since(state.StartedAt).Round(time.Second),
	}
	m.mu.Lock()
	m.lastSummary = &summary
	m.mu.Unlock()

	resp.Running = false
	resp.Complete = true
	resp.Output = append(resp.Output, m.chunkLine(state,
		fmt.Sprintf("sync complete: %d synced, %d skipped, %d errors", p.Synced, p.Skipped, p.Errors)))

	logging.Info().
		Str("run_id", state.ID).
		Int("synced", p.Synced).
		Int("skipped", p.Skipped).
		Int("errors", p.Errors).
		Dur("duration", summary.Duration).
		Msg("chunked sync session complete")

	m.broadcast("sync_completed", summary)
	return resp, nil
}

func (m *Manager) recordChunkResult(state *models.SessionState, serial string, res *models.DeviceResult, resp *models.ChunkResponse) {
	m.countOutcome(state, serial, res, state.StartedAt)
	state.MarkProcessed(serial)
	state.CurrentIndex++
	resp.Progress = state.Progress()
	resp.Output = append(resp.Output, m.chunkLine(state,
		fmt.Sprintf("%s: %s", serial, res.Message)))
}

func (m *Manager) chunkLine(state *models.SessionState, msg string) string {
	return fmt.Sprintf("%s %s", elapsedPrefix(state.StartedAt), msg)
}

// SessionStatus reports the checkpointed session without advancing it.
func (m *Manager) SessionStatus() (*models.ChunkResponse, error) {
	state, err := m.store.LoadSession()
	if errors.Is(err, progress.ErrNoSession) {
		return &models.ChunkResponse{Success: true}, nil
	}
	if err != nil {
		return nil, err
	}
	return &models.ChunkResponse{
		Success:  true,
		Running:  state.Running,
		Progress: state.Progress(),
	}, nil
}

// Progress reports the active (or checkpointed) sync progress.
func (m *Manager) Progress() (models.Progress, bool, error) {
	state, err := m.store.LoadSession()
	if errors.Is(err, progress.ErrNoSession) {
		return models.Progress{}, m.store.RunActive(), nil
	}
	if err != nil {
		return models.Progress{}, false, err
	}
	return state.Progress(), state.Running || m.store.RunActive(), nil
}

// ResetSession discards the checkpoint and stop flag. Refused while a run is
// active.
func (m *Manager) ResetSession() error {
	if m.store.RunActive() {
		return progress.ErrSessionRunning
	}
	if err := m.store.ClearSession(); err != nil {
		return err
	}
	if err := m.store.ClearStop(); err != nil {
		return err
	}
	logging.Info().Msg("sync session reset")
	return nil
}

// SyncSerial syncs a single device immediately, outside any session. Refused
// while a run is active so the rate window is not double-charged.
func (m *Manager) SyncSerial(ctx context.Context, serial string) (*models.DeviceResult, error) {
	if !m.store.TryAcquireRun() {
		return nil, progress.ErrSessionRunning
	}
	defer m.store.ReleaseRun()

	res, _, err := m.syncOne(ctx, serial, nil)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// resolveOrg looks up the device's org settings and rate window. When the
// device cannot be synced at all, the immediate result says why.
func (m *Manager) resolveOrg(ctx context.Context, serial string) (*config.OrgSettings, *ratelimit.MovingWindow, *models.DeviceResult, error) {
	if !validSerial(serial) {
		return nil, nil, &models.DeviceResult{Message: "skip: invalid serial"}, nil
	}

	mgk, clientID, err := m.db.DeviceOrg(ctx, serial)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		return nil, nil, nil, fmt.Errorf("resolve device org: %w", err)
	}

	org := m.resolver.Resolve(mgk, clientID)
	if org == nil {
		return nil, nil, &models.DeviceResult{Message: "skip: no api configuration for org"}, nil
	}
	if err := ValidateAssertion(SanitizeAssertion(org.ClientAssertion)); err != nil {
		return nil, nil, &models.DeviceResult{Message: fmt.Sprintf("invalid client assertion: %v", err)}, nil
	}
	return org, m.windowFor(org), nil, nil
}
