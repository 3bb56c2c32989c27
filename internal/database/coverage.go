// FleetCare - AppleCare Coverage Sync for Managed Device Fleets
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fleetcare

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tomtom215/fleetcare/internal/metrics"
	"github.com/tomtom215/fleetcare/internal/models"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// UpsertCoverage writes one coverage record keyed by the vendor coverage ID.
func (db *DB) UpsertCoverage(ctx context.Context, rec *models.CoverageRecord) error {
	start := time.Now()
	err := db.withReconnect(ctx, func() error {
		_, err := db.conn.ExecContext(ctx, `
			INSERT INTO coverage (
				coverage_id, serial_number, description, status, agreement_number,
				payment_type, is_renewable, is_canceled, start_date, end_date,
				cancel_date, device_model, part_number, product_family, product_type,
				color, device_capacity, device_assignment_status, purchase_source_type,
				purchase_source_id, order_number, order_date, added_to_org_date,
				released_from_org_date, wifi_mac, bluetooth_mac, ethernet_mac,
				mdm_server, last_updated, last_fetched
			) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
			ON CONFLICT (coverage_id) DO UPDATE SET
				serial_number = excluded.serial_number,
				description = excluded.description,
				status = excluded.status,
				agreement_number = excluded.agreement_number,
				payment_type = excluded.payment_type,
				is_renewable = excluded.is_renewable,
				is_canceled = excluded.is_canceled,
				start_date = excluded.start_date,
				end_date = excluded.end_date,
				cancel_date = excluded.cancel_date,
				device_model = excluded.device_model,
				part_number = excluded.part_number,
				product_family = excluded.product_family,
				product_type = excluded.product_type,
				color = excluded.color,
				device_capacity = excluded.device_capacity,
				device_assignment_status = excluded.device_assignment_status,
				purchase_source_type = excluded.purchase_source_type,
				purchase_source_id = excluded.purchase_source_id,
				order_number = excluded.order_number,
				order_date = excluded.order_date,
				added_to_org_date = excluded.added_to_org_date,
				released_from_org_date = excluded.released_from_org_date,
				wifi_mac = excluded.wifi_mac,
				bluetooth_mac = excluded.bluetooth_mac,
				ethernet_mac = excluded.ethernet_mac,
				mdm_server = excluded.mdm_server,
				last_updated = excluded.last_updated,
				last_fetched = excluded.last_fetched`,
			rec.CoverageID, rec.SerialNumber, rec.Description, rec.Status,
			rec.AgreementNumber, rec.PaymentType, rec.IsRenewable, rec.IsCanceled,
			rec.StartDate, rec.EndDate, rec.CancelDate,
			rec.Device.Model, rec.Device.PartNumber, rec.Device.ProductFamily,
			rec.Device.ProductType, rec.Device.Color, rec.Device.Capacity,
			rec.Device.AssignmentStatus, rec.Device.PurchaseSourceType,
			rec.Device.PurchaseSourceID, rec.Device.OrderNumber,
			rec.Device.OrderDateTime, rec.Device.AddedToOrgDateTime,
			rec.Device.ReleasedFromOrgDateTime, rec.Device.WifiMAC,
			rec.Device.BluetoothMAC, rec.Device.EthernetMAC,
			rec.Device.MDMServer, rec.LastUpdated, rec.LastFetched,
		)
		return err
	})
	metrics.ObserveDBQuery("upsert_coverage", start, err)
	if err != nil {
		return fmt.Errorf("upsert coverage %s: %w", rec.CoverageID, err)
	}
	metrics.CoverageRecordsUpserted.Inc()
	return nil
}

// UpsertDevice records a fleet device eligible for sync.
func (db *DB) UpsertDevice(ctx context.Context, serial, machineGroupKey, clientID string) error {
	start := time.Now()
	err := db.withReconnect(ctx, func() error {
		_, err := db.conn.ExecContext(ctx, `
			INSERT INTO devices (serial_number, machine_group_key, client_id, last_seen)
			VALUES (?,?,?,?)
			ON CONFLICT (serial_number) DO UPDATE SET
				machine_group_key = excluded.machine_group_key,
				client_id = excluded.client_id,
				last_seen = excluded.last_seen`,
			serial, machineGroupKey, clientID, time.Now().UTC(),
		)
		return err
	})
	metrics.ObserveDBQuery("upsert_device", start, err)
	if err != nil {
		return fmt.Errorf("upsert device %s: %w", serial, err)
	}
	return nil
}

// DeviceOrg returns a device's machine-group key and client ID for org
// resolution. Missing devices return ErrNotFound.
func (db *DB) DeviceOrg(ctx context.Context, serial string) (machineGroupKey, clientID string, err error) {
	start := time.Now()
	err = db.withReconnect(ctx, func() error {
		var mgk, cid sql.NullString
		row := db.conn.QueryRowContext(ctx,
			`SELECT machine_group_key, client_id FROM devices WHERE serial_number = ?`, serial)
		if err := row.Scan(&mgk, &cid); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		machineGroupKey, clientID = mgk.String, cid.String
		return nil
	})
	metrics.ObserveDBQuery("device_org", start, err)
	return machineGroupKey, clientID, err
}

// ListSerials returns the fleet serials to sync, ordered for deterministic
// runs. With excludeExisting, serials that already have coverage rows are
// left out.
func (db *DB) ListSerials(ctx context.Context, excludeExisting bool) ([]string, error) {
	query := `SELECT serial_number FROM devices ORDER BY serial_number`
	if excludeExisting {
		query = `SELECT d.serial_number FROM devices d
			WHERE NOT EXISTS (SELECT 1 FROM coverage c WHERE c.serial_number = d.serial_number)
			ORDER BY d.serial_number`
	}

	var serials []string
	start := time.Now()
	err := db.withReconnect(ctx, func() error {
		rows, err := db.conn.QueryContext(ctx, query)
		if err != nil {
			return err
		}
		defer closeQuietly(rows)

		serials = serials[:0]
		for rows.Next() {
			var s string
			if err := rows.Scan(&s); err != nil {
				return err
			}
			serials = append(serials, s)
		}
		return rows.Err()
	})
	metrics.ObserveDBQuery("list_serials", start, err)
	if err != nil {
		return nil, fmt.Errorf("list serials: %w", err)
	}
	return serials, nil
}

// CountSerials returns the number of fleet devices.
func (db *DB) CountSerials(ctx context.Context) (int, error) {
	var count int
	start := time.Now()
	err := db.withReconnect(ctx, func() error {
		return db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM devices`).Scan(&count)
	})
	metrics.ObserveDBQuery("count_serials", start, err)
	if err != nil {
		return 0, fmt.Errorf("count serials: %w", err)
	}
	return count, nil
}

// CoverageRow is the slice of a coverage record the classifier needs.
type CoverageRow struct {
	CoverageID string
	Status     string
	IsCanceled bool
	EndDate    *string
}

// SerialsWithCoverage returns the distinct serials that have coverage rows.
func (db *DB) SerialsWithCoverage(ctx context.Context) ([]string, error) {
	var serials []string
	start := time.Now()
	err := db.withReconnect(ctx, func() error {
		rows, err := db.conn.QueryContext(ctx,
			`SELECT DISTINCT serial_number FROM coverage ORDER BY serial_number`)
		if err != nil {
			return err
		}
		defer closeQuietly(rows)

		serials = serials[:0]
		for rows.Next() {
			var s string
			if err := rows.Scan(&s); err != nil {
				return err
			}
			serials = append(serials, s)
		}
		return rows.Err()
	})
	metrics.ObserveDBQuery("serials_with_coverage", start, err)
	if err != nil {
		return nil, fmt.Errorf("serials with coverage: %w", err)
	}
	return serials, nil
}

// ListCoverageBySerial returns a serial's coverage rows ordered by end date
// descending, missing end dates last (they sort as the epoch).
func (db *DB) ListCoverageBySerial(ctx context.Context, serial string) ([]CoverageRow, error) {
	var out []CoverageRow
	start := time.Now()
	err := db.withReconnect(ctx, func() error {
		rows, err := db.conn.QueryContext(ctx, `
			SELECT coverage_id, status, is_canceled, end_date
			FROM coverage
			WHERE serial_number = ?
			ORDER BY COALESCE(end_date, '1970-01-01') DESC`, serial)
		if err != nil {
			return err
		}
		defer closeQuietly(rows)

		out = out[:0]
		for rows.Next() {
			var r CoverageRow
			var status sql.NullString
			var endDate sql.NullString
			if err := rows.Scan(&r.CoverageID, &status, &r.IsCanceled, &endDate); err != nil {
				return err
			}
			r.Status = status.String
			if endDate.Valid {
				v := endDate.String
				r.EndDate = &v
			}
			out = append(out, r)
		}
		return rows.Err()
	})
	metrics.ObserveDBQuery("list_coverage_by_serial", start, err)
	if err != nil {
		return nil, fmt.Errorf("list coverage for %s: %w", serial, err)
	}
	return out, nil
}

// ResetSerialClassification clears is_primary and coverage_status for all of
// a serial's rows before reclassification.
func (db *DB) ResetSerialClassification(ctx context.Context, serial string) error {
	start := time.Now()
	err := db.withReconnect(ctx, func() error {
		_, err := db.conn.ExecContext(ctx,
			`UPDATE coverage SET is_primary = FALSE, coverage_status = NULL WHERE serial_number = ?`,
			serial)
		return err
	})
	metrics.ObserveDBQuery("reset_classification", start, err)
	if err != nil {
		return fmt.Errorf("reset classification for %s: %w", serial, err)
	}
	return nil
}

// MarkPrimary marks one row primary with its derived coverage status.
func (db *DB) MarkPrimary(ctx context.Context, coverageID, coverageStatus string) error {
	start := time.Now()
	err := db.withReconnect(ctx, func() error {
		_, err := db.conn.ExecContext(ctx,
			`UPDATE coverage SET is_primary = TRUE, coverage_status = ? WHERE coverage_id = ?`,
			coverageStatus, coverageID)
		return err
	})
	metrics.ObserveDBQuery("mark_primary", start, err)
	if err != nil {
		return fmt.Errorf("mark primary %s: %w", coverageID, err)
	}
	return nil
}

// CoverageStats counts primary rows by derived status plus devices with no
// coverage at all.
func (db *DB) CoverageStats(ctx context.Context) (*models.CoverageStats, error) {
	stats := &models.CoverageStats{}
	start := time.Now()
	err := db.withReconnect(ctx, func() error {
		rows, err := db.conn.QueryContext(ctx, `
			SELECT coverage_status, COUNT(*)
			FROM coverage
			WHERE is_primary = TRUE
			GROUP BY coverage_status`)
		if err != nil {
			return err
		}
		defer closeQuietly(rows)

		stats.Active, stats.ExpiringSoon, stats.Inactive = 0, 0, 0
		for rows.Next() {
			var status sql.NullString
			var count int
			if err := rows.Scan(&status, &count); err != nil {
				return err
			}
			switch status.String {
			case models.CoverageStatusActive:
				stats.Active = count
			case models.CoverageStatusExpiringSoon:
				stats.ExpiringSoon = count
			case models.CoverageStatusInactive:
				stats.Inactive = count
			}
		}
		if err := rows.Err(); err != nil {
			return err
		}

		if err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM devices`).Scan(&stats.TotalDevices); err != nil {
			return err
		}
		return db.conn.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM devices d
			WHERE NOT EXISTS (SELECT 1 FROM coverage c WHERE c.serial_number = d.serial_number)`,
		).Scan(&stats.Uncovered)
	})
	metrics.ObserveDBQuery("coverage_stats", start, err)
	if err != nil {
		return nil, fmt.Errorf("coverage stats: %w", err)
	}
	return stats, nil
}
