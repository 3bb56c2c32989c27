// FleetCare - AppleCare Coverage Sync for Managed Device Fleets
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fleetcare

// Package sync implements the AppleCare coverage sync engine: OAuth token
// management, the vendor API client, the moving-window rate budget, coverage
// classification and the orchestrator that drives full runs and chunked
// sessions with durable resume.
package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
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

// Broadcaster pushes progress events to connected websocket clients. The hub
// satisfies it; a nil Broadcaster disables push updates.
type Broadcaster interface {
	BroadcastJSON(messageType string, data interface{}) error
}

// Manager orchestrates coverage sync runs. One run may be active at a time,
// whether triggered as a background full run or driven chunk by chunk from
// the HTTP surface. Progress is checkpointed after every device.
type Manager struct {
	cfg        *config.Config
	db         *database.DB
	store      *progress.Store
	resolver   *config.Resolver
	tokens     *TokenManager
	client     *Client
	classifier *Classifier

	hub Broadcaster

	limiterMu sync.Mutex
	limiters  map[string]*ratelimit.MovingWindow

	// chunkMu serializes chunk processing; chunks arrive from concurrent
	// HTTP requests.
	chunkMu sync.Mutex

	stopOnce sync.Once
	stopChan chan struct{}
	wg       sync.WaitGroup

	mu          sync.Mutex
	lastSummary *models.SyncSummary
	onCompleted func(models.SyncSummary)
}

// NewManager wires the sync engine together.
func NewManager(cfg *config.Config, db *database.DB, store *progress.Store) *Manager {
	tokenURL := cfg.AppleCare.TokenURL
	if tokenURL == "" {
		tokenURL = config.DefaultTokenURL
	}
	tokens := NewTokenManager(&cfg.Sync, tokenURL)

	return &Manager{
		cfg:        cfg,
		db:         db,
		store:      store,
		resolver:   config.NewResolver(cfg.AppleCare),
		tokens:     tokens,
		client:     NewClient(&cfg.Sync, tokens, db),
		classifier: NewClassifier(db),
		limiters:   make(map[string]*ratelimit.MovingWindow),
		stopChan:   make(chan struct{}),
	}
}

// SetBroadcaster attaches the websocket hub for progress pushes.
func (m *Manager) SetBroadcaster(hub Broadcaster) {
	m.hub = hub
}

// OnCompleted registers a callback invoked after each run finishes.
func (m *Manager) OnCompleted(fn func(models.SyncSummary)) {
	m.mu.Lock()
	m.onCompleted = fn
	m.mu.Unlock()
}

// Start warms the default org's token cache. Satisfies the supervisor's
// start/stop contract.
func (m *Manager) Start() error {
	if m.cfg.HasDefaultOrg() {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			if org := m.resolver.Resolve("", ""); org != nil {
				m.tokens.Pregenerate(ctx, org)
			}
		}()
	}
	logging.Info().Msg("sync manager started")
	return nil
}

// Stop signals any active run to end and waits for it. The run's checkpoint
// is preserved so the next run resumes.
func (m *Manager) Stop() error {
	m.stopOnce.Do(func() { close(m.stopChan) })

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		logging.Warn().Msg("timed out waiting for sync run to stop")
	}
	logging.Info().Msg("sync manager stopped")
	return nil
}

// Running reports whether a run or session chunk is active.
func (m *Manager) Running() bool {
	return m.store.RunActive()
}

// LastSummary returns the most recent completed run's summary, if any.
func (m *Manager) LastSummary() *models.SyncSummary {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSummary
}

// Recalculate re-derives primary rows and coverage status for every serial
// with stored coverage. Returns the number of serials classified.
func (m *Manager) Recalculate(ctx context.Context) (int, error) {
	return m.classifier.ClassifyAll(ctx)
}

// RequestStop sets the durable stop flag. The run ends before the next
// device with progress preserved.
func (m *Manager) RequestStop() error {
	logging.Info().Msg("sync stop requested")
	return m.store.RequestStop()
}

// TriggerSync starts a full background run over the fleet. An existing
// non-stale checkpoint is resumed; otherwise a fresh device list is built,
// optionally excluding serials that already have coverage.
func (m *Manager) TriggerSync(ctx context.Context, excludeExisting bool) (string, error) {
	if !m.store.TryAcquireRun() {
		return "", progress.ErrSessionRunning
	}

	state, err := m.prepareState(ctx, excludeExisting)
	if err != nil {
		m.store.ReleaseRun()
		return "", err
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.runSync(state)
	}()
	return state.ID, nil
}

// prepareState resumes the checkpointed session when one exists, otherwise
// builds a fresh one. Caller holds the run guard.
func (m *Manager) prepareState(ctx context.Context, excludeExisting bool) (*models.SessionState, error) {
	state, err := m.store.LoadSession()
	switch {
	case err == nil:
		if state.ExcludeExisting == excludeExisting && state.Progress().Remaining() > 0 {
			logging.Info().
				Str("run_id", state.ID).
				Int("processed", len(state.ProcessedSet)).
				Int("total", len(state.Devices)).
				Msg("resuming checkpointed sync session")
			state.Running = true
			return state, nil
		}
		// Different exclusion filter or nothing left to process: the
		// checkpoint cannot serve this request.
		if err := m.store.ClearSession(); err != nil {
			return nil, err
		}
	case errors.Is(err, progress.ErrNoSession):
		// fresh run below
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
		Msg("starting sync run")
	return state, nil
}

// runSync is the full-run loop. It owns the run guard.
func (m *Manager) runSync(state *models.SessionState) {
	defer m.store.ReleaseRun()

	metrics.SyncRunning.Set(1)
	defer metrics.SyncRunning.Set(0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-m.stopChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	start := time.Now()
	lastHeartbeat := time.Time{}
	lastDone := time.Now()
	processedThisRun := 0
	stopped := false
	var runErr error

	// Fired from within waits too, so a long rate-budget or 429 backoff
	// still produces progress events.
	hb := func() {
		m.heartbeat(state, start, processedThisRun)
		lastHeartbeat = time.Now()
	}

	for i := state.CurrentIndex; i < len(state.Devices); i++ {
		serial := state.Devices[i]

		if ctx.Err() != nil {
			stopped = true
			break
		}
		if flagged, err := m.store.StopRequested(); err == nil && flagged {
			stopped = true
			break
		}
		if state.Processed(serial) {
			state.CurrentIndex = i + 1
			continue
		}
		if time.Since(lastDone) > m.cfg.Sync.StallTimeout {
			runErr = fmt.Errorf("sync stalled: no device completed in %s", m.cfg.Sync.StallTimeout)
			break
		}

		deviceStart := time.Now()
		res, window, err := m.syncOne(ctx, serial, hb)
		if err != nil {
			if errors.Is(err, ErrTokenExpired) {
				runErr = err
				break
			}
			if ctx.Err() != nil {
				stopped = true
				break
			}
			logging.Error().Err(err).Str("serial", serial).Msg("device sync failed")
			state.Errors++
			metrics.SyncDevicesProcessed.WithLabelValues("error").Inc()
		} else {
			m.countOutcome(state, serial, res, start)
		}

		state.MarkProcessed(serial)
		state.CurrentIndex = i + 1
		state.LastDeviceAt = time.Now().UTC()
		if err := m.store.SaveSession(state); err != nil {
			logging.Warn().Err(err).Msg("failed to checkpoint sync session")
		}
		lastDone = time.Now()
		processedThisRun++

		if time.Since(lastHeartbeat) >= m.cfg.Sync.HeartbeatInterval {
			m.heartbeat(state, start, processedThisRun)
			lastHeartbeat = time.Now()
		}

		// Spread devices across the window instead of bursting to the
		// budget and idling.
		if window != nil {
			ideal := window.IdealTimePerDevice(CallsPerDevice)
			if rem := ideal - time.Since(deviceStart); rem > 0 && rem < time.Minute {
				if err := m.sleep(ctx, rem, hb); err != nil {
					stopped = true
					break
				}
			}
		}
	}

	m.finishRun(state, start, stopped, runErr)
}

// finishRun settles the checkpoint, emits the summary and notifies
// listeners.
func (m *Manager) finishRun(state *models.SessionState, start time.Time, stopped bool, runErr error) {
	p := state.Progress()
	summary := models.SyncSummary{
		Total:    p.Total,
		Synced:   p.Synced,
		Skipped:  p.Skipped,
		Errors:   p.Errors,
		Duration: time.Since(start).Round(time.Second),
		Stopped:  stopped,
	}
	metrics.SyncDuration.Observe(time.Since(start).Seconds())

	switch {
	case runErr != nil:
		state.Running = false
		if err := m.store.SaveSession(state); err != nil {
			logging.Warn().Err(err).Msg("failed to save session after error")
		}
		logging.Error().Err(runErr).
			Str("elapsed", elapsedPrefix(start)).
			Int("processed", p.Processed).
			Msg("sync run aborted, progress preserved")
	case stopped:
		state.Running = false
		if err := m.store.SaveSession(state); err != nil {
			logging.Warn().Err(err).Msg("failed to save session after stop")
		}
		if err := m.store.ClearStop(); err != nil {
			logging.Warn().Err(err).Msg("failed to clear stop flag")
		}
		logging.Info().
			Str("elapsed", elapsedPrefix(start)).
			Int("processed", p.Processed).
			Int("total", p.Total).
			Msg("sync run stopped, progress preserved")
	default:
		if err := m.store.ClearSession(); err != nil {
			logging.Warn().Err(err).Msg("failed to clear completed session")
		}
		if err := m.store.ClearStop(); err != nil {
			logging.Warn().Err(err).Msg("failed to clear stop flag")
		}
		metrics.SyncLastSuccess.Set(float64(time.Now().Unix()))
		logging.Info().
			Str("elapsed", elapsedPrefix(start)).
			Int("synced", summary.Synced).
			Int("skipped", summary.Skipped).
			Int("errors", summary.Errors).
			Dur("duration", summary.Duration).
			Msg("sync run complete")
	}

	m.mu.Lock()
	m.lastSummary = &summary
	callback := m.onCompleted
	m.mu.Unlock()

	m.broadcast("sync_completed", summary)
	if callback != nil {
		callback(summary)
	}
}

func (m *Manager) countOutcome(state *models.SessionState, serial string, res *models.DeviceResult, start time.Time) {
	switch {
	case res.Success:
		state.Synced++
		metrics.SyncDevicesProcessed.WithLabelValues("synced").Inc()
		logging.Debug().
			Str("elapsed", elapsedPrefix(start)).
			Str("serial", serial).
			Int("records", res.Records).
			Msg("device synced")
	case res.Skipped():
		state.Skipped++
		metrics.SyncDevicesProcessed.WithLabelValues("skipped").Inc()
		logging.Debug().
			Str("elapsed", elapsedPrefix(start)).
			Str("serial", serial).
			Str("reason", res.Message).
			Msg("device skipped")
	default:
		state.Errors++
		metrics.SyncDevicesProcessed.WithLabelValues("error").Inc()
		logging.Warn().
			Str("elapsed", elapsedPrefix(start)).
			Str("serial", serial).
			Str("message", res.Message).
			Msg("device sync error")
	}
}

// syncOne resolves the device's org, waits for rate budget and syncs it,
// retrying on vendor 429s. Returns the org's window for pacing.
func (m *Manager) syncOne(ctx context.Context, serial string, hb func()) (*models.DeviceResult, *ratelimit.MovingWindow, error) {
	org, window, immediate, err := m.resolveOrg(ctx, serial)
	if err != nil {
		return nil, nil, err
	}
	if immediate != nil {
		return immediate, nil, nil
	}

	// Wait until the device's calls fit the moving-window budget.
	for {
		wt := window.WaitTime(CallsPerDevice)
		if wt <= 0 {
			break
		}
		metrics.SyncRateLimitWaits.Observe(wt.Seconds())
		logging.Debug().
			Str("serial", serial).
			Dur("wait", wt).
			Int("in_window", window.InWindow()).
			Msg("waiting for rate budget")
		if err := m.sleep(ctx, wt, hb); err != nil {
			return nil, window, err
		}
	}

	var res *models.DeviceResult
	for attempt := 0; ; attempt++ {
		r, err := m.client.SyncDevice(ctx, serial, org)
		if r != nil {
			window.Record(r.APICallsMade)
		}
		if err != nil {
			return r, window, err
		}
		res = r
		if res.RetryAfter <= 0 || attempt >= m.cfg.Sync.DeviceRetries {
			break
		}
		logging.Warn().
			Str("serial", serial).
			Dur("retry_after", res.RetryAfter).
			Int("attempt", attempt+1).
			Msg("vendor rate limited, backing off")
		if err := m.sleep(ctx, res.RetryAfter, hb); err != nil {
			return res, window, err
		}
	}
	if res.RetryAfter > 0 {
		res.Message = "skip: rate limited, retries exhausted"
	}

	if res.Success {
		if err := m.classifier.ClassifySerial(ctx, serial); err != nil {
			logging.Warn().Err(err).Str("serial", serial).Msg("classification failed")
		}
	}
	return res, window, nil
}

// windowFor returns the org's moving window, creating it on first use. Orgs
// carry independent vendor rate limits.
func (m *Manager) windowFor(org *config.OrgSettings) *ratelimit.MovingWindow {
	key := org.Prefix
	if key == "" {
		key = "default"
	}

	m.limiterMu.Lock()
	defer m.limiterMu.Unlock()
	w, ok := m.limiters[key]
	if !ok {
		w = ratelimit.NewMovingWindow(org.RateLimit)
		m.limiters[key] = w
	} else {
		w.SetLimit(org.RateLimit)
	}
	return w
}

func (m *Manager) heartbeat(state *models.SessionState, start time.Time, processedThisRun int) {
	p := state.Progress()

	var etaSeconds float64
	if processedThisRun > 0 {
		avg := time.Since(start) / time.Duration(processedThisRun)
		etaSeconds = (avg * time.Duration(p.Remaining())).Seconds()
	}

	logging.Info().
		Str("elapsed", elapsedPrefix(start)).
		Int("processed", p.Processed).
		Int("total", p.Total).
		Int("synced", p.Synced).
		Int("skipped", p.Skipped).
		Int("errors", p.Errors).
		Float64("eta_seconds", etaSeconds).
		Msg("sync progress")

	m.broadcast("sync_progress", map[string]interface{}{
		"run_id":      state.ID,
		"progress":    p,
		"eta_seconds": etaSeconds,
		"elapsed":     elapsedPrefix(start),
	})
}

func (m *Manager) broadcast(messageType string, data interface{}) {
	if m.hub == nil {
		return
	}
	if err := m.hub.BroadcastJSON(messageType, data); err != nil {
		logging.Debug().Err(err).Str("type", messageType).Msg("broadcast failed")
	}
}

// sleep waits for d unless the context is canceled or a stop arrives.
// sleep waits for d, interruptible by cancellation or manager stop. A
// non-nil hb fires every heartbeat interval so observers keep receiving
// progress during long rate-limit and backoff waits.
func (m *Manager) sleep(ctx context.Context, d time.Duration, hb func()) error {
	deadline := time.Now().Add(d)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}
		step := remaining
		if hb != nil && step > m.cfg.Sync.HeartbeatInterval {
			step = m.cfg.Sync.HeartbeatInterval
		}
		select {
		case <-time.After(step):
			if hb != nil && time.Until(deadline) > 0 {
				hb()
			}
		case <-ctx.Done():
			return ctx.Err()
		case <-m.stopChan:
			return ErrStopped
		}
	}
}
