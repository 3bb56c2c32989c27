// FleetCare - AppleCare Coverage Sync for Managed Device Fleets
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fleetcare

package database

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/tomtom215/fleetcare/internal/config"
	"github.com/tomtom215/fleetcare/internal/models"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(&config.DatabaseConfig{
		Path:      filepath.Join(t.TempDir(), "test.duckdb"),
		MaxMemory: "256MB",
		Threads:   1,
	})
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Errorf("close database: %v", err)
		}
	})
	return db
}

func strPtr(s string) *string { return &s }

func testRecord(coverageID, serial string, endDate *string) *models.CoverageRecord {
	return &models.CoverageRecord{
		CoverageID:      coverageID,
		SerialNumber:    serial,
		Description:     "AppleCare+ for Mac",
		Status:          "ACTIVE",
		AgreementNumber: "AGR-" + coverageID,
		PaymentType:     "UPFRONT",
		EndDate:         endDate,
		Device: models.DeviceInfo{
			Model:     "MacBook Pro 14",
			MDMServer: "mdm.example.com",
		},
		LastFetched: time.Now().UTC(),
	}
}

func TestUpsertCoverageInsertAndUpdate(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	rec := testRecord("cov-1", "C02XL0GYJGH5", strPtr("2027-01-15"))
	if err := db.UpsertCoverage(ctx, rec); err != nil {
		t.Fatalf("insert: %v", err)
	}

	rec.Description = "AppleCare+ renewed"
	if err := db.UpsertCoverage(ctx, rec); err != nil {
		t.Fatalf("update: %v", err)
	}

	rows, err := db.ListCoverageBySerial(ctx, "C02XL0GYJGH5")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row after upsert, got %d", len(rows))
	}
	if rows[0].CoverageID != "cov-1" {
		t.Errorf("coverage id = %q", rows[0].CoverageID)
	}
}

func TestListCoverageOrdering(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	// Latest end date first; missing end date sorts last.
	records := []*models.CoverageRecord{
		testRecord("cov-old", "SER12345", strPtr("2025-06-01")),
		testRecord("cov-new", "SER12345", strPtr("2027-06-01")),
		testRecord("cov-nodate", "SER12345", nil),
	}
	for _, rec := range records {
		if err := db.UpsertCoverage(ctx, rec); err != nil {
			t.Fatalf("upsert %s: %v", rec.CoverageID, err)
		}
	}

	rows, err := db.ListCoverageBySerial(ctx, "SER12345")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}
	want := []string{"cov-new", "cov-old", "cov-nodate"}
	for i, id := range want {
		if rows[i].CoverageID != id {
			t.Errorf("row %d = %q, want %q", i, rows[i].CoverageID, id)
		}
	}
}

func TestResetAndMarkPrimary(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if err := db.UpsertCoverage(ctx, testRecord("cov-1", "SER12345", strPtr("2027-06-01"))); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := db.MarkPrimary(ctx, "cov-1", models.CoverageStatusActive); err != nil {
		t.Fatalf("mark primary: %v", err)
	}

	stats, err := db.CoverageStats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Active != 1 {
		t.Errorf("active = %d, want 1", stats.Active)
	}

	if err := db.ResetSerialClassification(ctx, "SER12345"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	stats, err = db.CoverageStats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Active != 0 {
		t.Errorf("active after reset = %d, want 0", stats.Active)
	}
}

func TestListSerialsExcludeExisting(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	for _, serial := range []string{"AAA11111", "BBB22222", "CCC33333"} {
		if err := db.UpsertDevice(ctx, serial, "acme-group", "acme-client"); err != nil {
			t.Fatalf("upsert device: %v", err)
		}
	}
	if err := db.UpsertCoverage(ctx, testRecord("cov-1", "BBB22222", strPtr("2027-01-01"))); err != nil {
		t.Fatalf("upsert coverage: %v", err)
	}

	all, err := db.ListSerials(ctx, false)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("all serials = %d, want 3", len(all))
	}

	fresh, err := db.ListSerials(ctx, true)
	if err != nil {
		t.Fatalf("list excluding existing: %v", err)
	}
	if len(fresh) != 2 {
		t.Fatalf("uncovered serials = %d, want 2", len(fresh))
	}
	for _, s := range fresh {
		if s == "BBB22222" {
			t.Error("covered serial should be excluded")
		}
	}

	count, err := db.CountSerials(ctx)
	if err != nil || count != 3 {
		t.Errorf("count = %d err = %v, want 3", count, err)
	}
}

func TestDeviceOrg(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if err := db.UpsertDevice(ctx, "SER12345", "acme-group-1", "acme-client-9"); err != nil {
		t.Fatalf("upsert device: %v", err)
	}

	mgk, cid, err := db.DeviceOrg(ctx, "SER12345")
	if err != nil {
		t.Fatalf("device org: %v", err)
	}
	if mgk != "acme-group-1" || cid != "acme-client-9" {
		t.Errorf("got %q/%q", mgk, cid)
	}

	if _, _, err := db.DeviceOrg(ctx, "MISSING1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
