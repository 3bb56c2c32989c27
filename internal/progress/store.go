// FleetCare - AppleCare Coverage Sync for Managed Device Fleets
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fleetcare

// Package progress persists sync session state and the cooperative stop flag
// in BadgerDB so an interrupted sync can resume across process restarts.
package progress

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/tomtom215/fleetcare/internal/logging"
	"github.com/tomtom215/fleetcare/internal/models"
)

const (
	sessionKey = "sync:session"
	stopKey    = "sync:stop"

	// opRetries is how many times a store operation is attempted before the
	// error is surfaced; between attempts the Badger handle is reopened.
	opRetries  = 3
	retryDelay = 500 * time.Millisecond
)

// ErrNoSession is returned when no (usable) session checkpoint exists.
var ErrNoSession = errors.New("no sync session")

// ErrSessionRunning is returned when starting a sync while one is active.
var ErrSessionRunning = errors.New("sync session already running")

// Store is the durable progress store. Safe for concurrent use.
type Store struct {
	mu   sync.Mutex
	db   *badger.DB
	path string

	// maxAge is the checkpoint staleness cutoff; older sessions are treated
	// as absent and cleared.
	maxAge time.Duration

	// running guards against concurrent sync runs in-process.
	running atomic.Bool
}

// Open opens (or creates) the progress store at path.
func Open(path string, maxAge time.Duration) (*Store, error) {
	db, err := openBadger(path)
	if err != nil {
		return nil, fmt.Errorf("open progress store: %w", err)
	}
	return &Store{db: db, path: path, maxAge: maxAge}, nil
}

func openBadger(path string) (*badger.DB, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	return badger.Open(opts)
}

// Close closes the underlying Badger database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// TryAcquireRun claims the single-run guard. Returns false when a run is
// already active in this process.
func (s *Store) TryAcquireRun() bool {
	return s.running.CompareAndSwap(false, true)
}

// ReleaseRun releases the single-run guard.
func (s *Store) ReleaseRun() {
	s.running.Store(false)
}

// RunActive reports whether a run holds the guard.
func (s *Store) RunActive() bool {
	return s.running.Load()
}

// SaveSession checkpoints the session state. Called after every device.
func (s *Store) SaveSession(state *models.SessionState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	return s.withRetry("save session", func(db *badger.DB) error {
		return db.Update(func(txn *badger.Txn) error {
			return txn.Set([]byte(sessionKey), data)
		})
	})
}

// LoadSession returns the checkpointed session, or ErrNoSession when none
// exists or the checkpoint is older than the staleness cutoff (stale
// checkpoints are cleared).
func (s *Store) LoadSession() (*models.SessionState, error) {
	var state models.SessionState
	err := s.withRetry("load session", func(db *badger.DB) error {
		return db.View(func(txn *badger.Txn) error {
			item, err := txn.Get([]byte(sessionKey))
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNoSession
			}
			if err != nil {
				return fmt.Errorf("get session: %w", err)
			}
			return item.Value(func(val []byte) error {
				return json.Unmarshal(val, &state)
			})
		})
	})
	if err != nil {
		return nil, err
	}

	if s.maxAge > 0 && time.Since(state.StartedAt) > s.maxAge {
		logging.Info().
			Time("started_at", state.StartedAt).
			Dur("max_age", s.maxAge).
			Msg("discarding stale sync session")
		if err := s.ClearSession(); err != nil {
			logging.Warn().Err(err).Msg("failed to clear stale session")
		}
		return nil, ErrNoSession
	}

	// Repair: drop processed entries that are not in the device list, so a
	// checkpoint written against a different fleet cannot poison the resume.
	state.ProcessedSet = intersect(state.ProcessedSet, state.Devices)

	return &state, nil
}

// ClearSession removes the session checkpoint. Called only on clean
// completion or explicit reset; stop and crash keep it for resume.
func (s *Store) ClearSession() error {
	return s.withRetry("clear session", func(db *badger.DB) error {
		return db.Update(func(txn *badger.Txn) error {
			err := txn.Delete([]byte(sessionKey))
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		})
	})
}

// RequestStop sets the durable stop flag. The sync loop checks it before
// each device and ends the run with progress preserved.
func (s *Store) RequestStop() error {
	return s.withRetry("request stop", func(db *badger.DB) error {
		return db.Update(func(txn *badger.Txn) error {
			return txn.Set([]byte(stopKey), []byte("1"))
		})
	})
}

// StopRequested reports whether a stop has been requested.
func (s *Store) StopRequested() (bool, error) {
	var requested bool
	err := s.withRetry("check stop", func(db *badger.DB) error {
		return db.View(func(txn *badger.Txn) error {
			_, err := txn.Get([]byte(stopKey))
			if errors.Is(err, badger.ErrKeyNotFound) {
				requested = false
				return nil
			}
			if err != nil {
				return err
			}
			requested = true
			return nil
		})
	})
	return requested, err
}

// ClearStop clears the stop flag.
func (s *Store) ClearStop() error {
	return s.withRetry("clear stop", func(db *badger.DB) error {
		return db.Update(func(txn *badger.Txn) error {
			err := txn.Delete([]byte(stopKey))
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		})
	})
}

// withRetry runs op up to opRetries times. Failures that look like a dead
// handle reopen the database before the next attempt.
func (s *Store) withRetry(what string, op func(db *badger.DB) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= opRetries; attempt++ {
		if s.db == nil {
			db, err := openBadger(s.path)
			if err != nil {
				lastErr = err
				time.Sleep(retryDelay)
				continue
			}
			s.db = db
		}

		err := op(s.db)
		if err == nil {
			return nil
		}
		// Domain errors are not retryable.
		if errors.Is(err, ErrNoSession) {
			return err
		}
		lastErr = err

		if errors.Is(err, badger.ErrDBClosed) || errors.Is(err, badger.ErrBlockedWrites) {
			logging.Warn().Err(err).Str("op", what).Int("attempt", attempt).Msg("reopening progress store")
			_ = s.db.Close()
			s.db = nil
		} else {
			logging.Warn().Err(err).Str("op", what).Int("attempt", attempt).Msg("progress store operation failed")
		}
		if attempt < opRetries {
			time.Sleep(retryDelay)
		}
	}
	return fmt.Errorf("%s after %d attempts: %w", what, opRetries, lastErr)
}

// intersect returns the members of a that are also in b, preserving order.
func intersect(a, b []string) []string {
	set := make(map[string]struct{}, len(b))
	for _, v := range b {
		set[v] = struct{}{}
	}
	out := a[:0]
	for _, v := range a {
		if _, ok := set[v]; ok {
			out = append(out, v)
		}
	}
	return out
}
