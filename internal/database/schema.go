// FleetCare - AppleCare Coverage Sync for Managed Device Fleets
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fleetcare

package database

import (
	"context"
	"fmt"
	"time"
)

// createTables creates the devices and coverage tables.
//
// Date columns are stored as ISO 8601 strings exactly as the vendor returns
// them; lexicographic ordering matches chronological ordering, which the
// classifier relies on.
func (db *DB) createTables() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	statements := []string{
		`CREATE TABLE IF NOT EXISTS devices (
			serial_number     VARCHAR PRIMARY KEY,
			machine_group_key VARCHAR,
			client_id         VARCHAR,
			last_seen         TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS coverage (
			coverage_id              VARCHAR PRIMARY KEY,
			serial_number            VARCHAR NOT NULL,
			description              VARCHAR,
			status                   VARCHAR,
			agreement_number         VARCHAR,
			payment_type             VARCHAR,
			is_renewable             BOOLEAN DEFAULT FALSE,
			is_canceled              BOOLEAN DEFAULT FALSE,
			start_date               VARCHAR,
			end_date                 VARCHAR,
			cancel_date              VARCHAR,
			device_model             VARCHAR,
			part_number              VARCHAR,
			product_family           VARCHAR,
			product_type             VARCHAR,
			color                    VARCHAR,
			device_capacity          VARCHAR,
			device_assignment_status VARCHAR,
			purchase_source_type     VARCHAR,
			purchase_source_id       VARCHAR,
			order_number             VARCHAR,
			order_date               VARCHAR,
			added_to_org_date        VARCHAR,
			released_from_org_date   VARCHAR,
			wifi_mac                 VARCHAR,
			bluetooth_mac            VARCHAR,
			ethernet_mac             VARCHAR,
			mdm_server               VARCHAR,
			is_primary               BOOLEAN DEFAULT FALSE,
			coverage_status          VARCHAR,
			last_updated             VARCHAR,
			last_fetched             TIMESTAMP
		)`,
	}

	for _, stmt := range statements {
		if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	return nil
}

// createIndexes creates the lookup indexes the sync loop and classifier use.
func (db *DB) createIndexes() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_coverage_serial ON coverage(serial_number)`,
		`CREATE INDEX IF NOT EXISTS idx_coverage_primary ON coverage(is_primary)`,
	}
	for _, stmt := range indexes {
		if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	return nil
}
