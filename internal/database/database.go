// FleetCare - AppleCare Coverage Sync for Managed Device Fleets
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fleetcare

// Package database wraps the DuckDB coverage store: the device inventory and
// the AppleCare coverage rows written by the sync engine.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/tomtom215/fleetcare/internal/config"
	"github.com/tomtom215/fleetcare/internal/logging"
)

// DB wraps the DuckDB connection and provides the coverage data access
// methods. Safe for concurrent use.
type DB struct {
	conn *sql.DB
	cfg  *config.DatabaseConfig

	reconnectMu       sync.Mutex
	maxReconnectTries int
	reconnectDelay    time.Duration
}

// New opens the database, configures the pool and initializes the schema.
func New(cfg *config.DatabaseConfig) (*DB, error) {
	// Ensure the parent directory exists for file-backed databases.
	if cfg.Path != "" && cfg.Path != ":memory:" {
		dbDir := filepath.Dir(cfg.Path)
		if dbDir != "" && dbDir != "." {
			if err := os.MkdirAll(dbDir, 0o750); err != nil {
				return nil, fmt.Errorf("failed to create database directory %s: %w", dbDir, err)
			}
		}
	}

	conn, err := sql.Open("duckdb", connString(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db := &DB{
		conn:              conn,
		cfg:               cfg,
		maxReconnectTries: 3,
		reconnectDelay:    2 * time.Second,
	}

	db.configureConnectionPool()

	if err := db.initialize(); err != nil {
		closeQuietly(conn)
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	return db, nil
}

func connString(cfg *config.DatabaseConfig) string {
	numThreads := cfg.Threads
	if numThreads <= 0 {
		numThreads = runtime.NumCPU()
	}
	maxMemory := cfg.MaxMemory
	if maxMemory == "" {
		maxMemory = "1GB"
	}
	return fmt.Sprintf("%s?access_mode=read_write&threads=%d&max_memory=%s", cfg.Path, numThreads, maxMemory)
}

// configureConnectionPool sets connection pool parameters.
func (db *DB) configureConnectionPool() {
	db.conn.SetMaxOpenConns(runtime.NumCPU())
	db.conn.SetMaxIdleConns(2)
	db.conn.SetConnMaxLifetime(time.Hour)
	db.conn.SetConnMaxIdleTime(5 * time.Minute)
}

// initialize creates tables and indexes.
func (db *DB) initialize() error {
	if err := db.createTables(); err != nil {
		return err
	}
	return db.createIndexes()
}

// Conn returns the underlying SQL connection.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// Ping checks whether the connection is alive.
func (db *DB) Ping(ctx context.Context) error {
	if db.conn == nil {
		return fmt.Errorf("database connection is nil")
	}
	return db.conn.PingContext(ctx)
}

// Close checkpoints and closes the connection. The checkpoint flushes the
// WAL so the next startup does not replay it.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := db.conn.ExecContext(ctx, "CHECKPOINT"); err != nil {
		logging.Warn().Err(err).Msg("failed to checkpoint database before close")
	}
	return db.conn.Close()
}

// reconnect re-establishes a dead connection with backoff. Only called when
// isConnectionError matched.
func (db *DB) reconnect(ctx context.Context) error {
	db.reconnectMu.Lock()
	defer db.reconnectMu.Unlock()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.Ping(pingCtx); err == nil {
		return nil // another caller already recovered it
	}

	if db.conn != nil {
		closeQuietly(db.conn)
	}

	var lastErr error
	for attempt := 0; attempt < db.maxReconnectTries; attempt++ {
		if attempt > 0 {
			delay := db.reconnectDelay * time.Duration(1<<uint(attempt-1))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		conn, err := sql.Open("duckdb", connString(db.cfg))
		if err != nil {
			lastErr = fmt.Errorf("reconnect attempt %d: %w", attempt+1, err)
			continue
		}
		pctx, pcancel := context.WithTimeout(ctx, 5*time.Second)
		err = conn.PingContext(pctx)
		pcancel()
		if err != nil {
			closeQuietly(conn)
			lastErr = fmt.Errorf("reconnect ping attempt %d: %w", attempt+1, err)
			continue
		}

		db.conn = conn
		db.configureConnectionPool()
		if err := db.initialize(); err != nil {
			closeQuietly(conn)
			lastErr = fmt.Errorf("reconnect init attempt %d: %w", attempt+1, err)
			continue
		}
		logging.Info().Int("attempt", attempt+1).Msg("database reconnected")
		return nil
	}
	return fmt.Errorf("failed to reconnect after %d attempts: %w", db.maxReconnectTries, lastErr)
}

// withReconnect runs op, retrying once through reconnect() when the error
// indicates a lost connection.
func (db *DB) withReconnect(ctx context.Context, op func() error) error {
	err := op()
	if err == nil || !isConnectionError(err) {
		return err
	}
	logging.Warn().Err(err).Msg("database connection lost, attempting reconnect")
	if rerr := db.reconnect(ctx); rerr != nil {
		return fmt.Errorf("reconnect failed: %w (original: %w)", rerr, err)
	}
	return op()
}

// isConnectionError checks if an error indicates connection loss.
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "bad connection") ||
		strings.Contains(msg, "database is closed")
}

func closeQuietly(c interface{ Close() error }) {
	if err := c.Close(); err != nil {
		logging.Debug().Err(err).Msg("close failed")
	}
}
