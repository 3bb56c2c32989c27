// FleetCare - AppleCare Coverage Sync for Managed Device Fleets
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fleetcare

package sync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tomtom215/fleetcare/internal/config"
	"github.com/tomtom215/fleetcare/internal/models"
)

type fakeStore struct {
	records []*models.CoverageRecord
	err     error
}

func (f *fakeStore) UpsertCoverage(_ context.Context, rec *models.CoverageRecord) error {
	if f.err != nil {
		return f.err
	}
	f.records = append(f.records, rec)
	return nil
}

// seededClient returns a client whose token manager already holds a token so
// no exchange happens.
func seededClient(store CoverageStore) (*Client, *TokenManager) {
	cfg := testSyncConfig()
	tm := NewTokenManager(cfg, "http://127.0.0.1:0")
	tm.cache["default"] = &cachedToken{token: "test-token", expiresAt: time.Now().Add(time.Hour)}
	return NewClient(cfg, tm, store), tm
}

func testOrg(apiURL string) *config.OrgSettings {
	return &config.OrgSettings{
		APIURL:          apiURL,
		ClientAssertion: "aaa.bbb.ccc",
		RateLimit:       40,
	}
}

// vendorHandler serves the device, assigned-server and coverage endpoints for
// any serial.
func vendorHandler(t *testing.T) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("authorization = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")

		switch {
		case strings.HasSuffix(r.URL.Path, "/appleCareCoverage"):
			parts := strings.Split(r.URL.Path, "/")
			serial := parts[len(parts)-2]
			fmt.Fprintf(w, `{"data":[{"id":"cov-%s","attributes":{
				"description":"AppleCare+ for Mac","status":"ACTIVE",
				"agreementNumber":"AGR-1","paymentType":"UPFRONT",
				"isRenewable":true,"isCanceled":false,
				"startDateTime":"2025-01-15T00:00:00Z",
				"endDateTime":"2028-01-15T00:00:00Z",
				"updatedDateTime":"2026-08-01T12:00:00Z"}}]}`, serial)
		case strings.HasSuffix(r.URL.Path, "/assignedServer"):
			fmt.Fprint(w, `{"data":{"attributes":{"serverName":"Main MDM"}}}`)
		case strings.HasPrefix(r.URL.Path, "/orgDevices/"):
			serial := strings.TrimPrefix(r.URL.Path, "/orgDevices/")
			fmt.Fprintf(w, `{"data":{"id":"dev-%s","attributes":{
				"serialNumber":"%s","deviceModel":"MacBook Pro 14",
				"partNumber":"Z15G","productFamily":"Mac","productType":"MacBook Pro",
				"color":"Space Gray","deviceCapacity":"512GB","status":"ASSIGNED",
				"orderNumber":"ORD-1","orderDateTime":"2025-01-10T00:00:00Z",
				"addedToOrgDateTime":"2025-01-12T00:00:00Z",
				"wifiMacAddress":"AA:BB:CC:DD:EE:01",
				"bluetoothMacAddress":"AA:BB:CC:DD:EE:02"}}}`, serial, serial)
		default:
			http.NotFound(w, r)
		}
	})
}

func newVendorServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(vendorHandler(t))
}

func TestSyncDeviceSuccess(t *testing.T) {
	srv := httptest.NewServer(vendorHandler(t))
	defer srv.Close()

	store := &fakeStore{}
	client, _ := seededClient(store)

	res, err := client.SyncDevice(context.Background(), "SER12345", testOrg(srv.URL))
	if err != nil {
		t.Fatalf("SyncDevice: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success, got %q", res.Message)
	}
	if res.APICallsMade != 3 {
		t.Errorf("api calls = %d, want 3", res.APICallsMade)
	}
	if res.Records != 1 || len(store.records) != 1 {
		t.Fatalf("records = %d, stored %d, want 1", res.Records, len(store.records))
	}

	rec := store.records[0]
	if rec.CoverageID != "cov-SER12345" {
		t.Errorf("coverage id = %q", rec.CoverageID)
	}
	if rec.Device.MDMServer != "Main MDM" {
		t.Errorf("mdm server = %q", rec.Device.MDMServer)
	}
	if rec.EndDate == nil || *rec.EndDate != "2028-01-15" {
		t.Errorf("end date = %v, want 2028-01-15", rec.EndDate)
	}
	if rec.Device.Model != "MacBook Pro 14" {
		t.Errorf("device model = %q", rec.Device.Model)
	}
}

func TestSyncDeviceNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	client, _ := seededClient(&fakeStore{})
	res, err := client.SyncDevice(context.Background(), "MISSING99", testOrg(srv.URL))
	if err != nil {
		t.Fatalf("SyncDevice: %v", err)
	}
	if res.Message != "skip: device not found" || !res.Skipped() {
		t.Errorf("message = %q, skipped = %v", res.Message, res.Skipped())
	}
	if res.APICallsMade != 1 {
		t.Errorf("api calls = %d, want 1", res.APICallsMade)
	}
}

func TestSyncDeviceNoCoverage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/appleCareCoverage"):
			http.NotFound(w, r)
		case strings.HasSuffix(r.URL.Path, "/assignedServer"):
			fmt.Fprint(w, `{"data":{"attributes":{"serverName":"Main MDM"}}}`)
		default:
			fmt.Fprint(w, `{"data":{"id":"dev-1","attributes":{"serialNumber":"SER12345"}}}`)
		}
	}))
	defer srv.Close()

	client, _ := seededClient(&fakeStore{})
	res, err := client.SyncDevice(context.Background(), "SER12345", testOrg(srv.URL))
	if err != nil {
		t.Fatalf("SyncDevice: %v", err)
	}
	if res.Message != "skip: no coverage" || !res.Skipped() {
		t.Errorf("message = %q, skipped = %v", res.Message, res.Skipped())
	}
	if res.APICallsMade != 3 {
		t.Errorf("api calls = %d, want 3", res.APICallsMade)
	}
}

func TestSyncDeviceEmptyCoverageData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/appleCareCoverage"):
			fmt.Fprint(w, `{"data":[]}`)
		case strings.HasSuffix(r.URL.Path, "/assignedServer"):
			fmt.Fprint(w, `{"data":{"attributes":{"serverName":""}}}`)
		default:
			fmt.Fprint(w, `{"data":{"id":"dev-1","attributes":{"serialNumber":"SER12345"}}}`)
		}
	}))
	defer srv.Close()

	client, _ := seededClient(&fakeStore{})
	res, err := client.SyncDevice(context.Background(), "SER12345", testOrg(srv.URL))
	if err != nil {
		t.Fatalf("SyncDevice: %v", err)
	}
	if res.Message != "skip: no coverage data" {
		t.Errorf("message = %q", res.Message)
	}
}

func TestSyncDeviceLookupErrorStillFetchesCoverage(t *testing.T) {
	// A failing device lookup loses the hardware attributes but must not
	// abort the coverage fetch.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/appleCareCoverage"):
			fmt.Fprint(w, `{"data":[{"id":"cov-1","attributes":{
				"status":"ACTIVE","endDateTime":"2028-01-15T00:00:00Z"}}]}`)
		case strings.HasSuffix(r.URL.Path, "/assignedServer"):
			t.Error("assigned server must not be looked up without a device id")
		default:
			http.Error(w, "upstream error", http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	store := &fakeStore{}
	client, _ := seededClient(store)
	res, err := client.SyncDevice(context.Background(), "SER12345", testOrg(srv.URL))
	if err != nil {
		t.Fatalf("SyncDevice: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success, got %q", res.Message)
	}
	if res.APICallsMade != 2 {
		t.Errorf("api calls = %d, want 2 (no assigned-server call)", res.APICallsMade)
	}
	if res.Records != 1 || len(store.records) != 1 {
		t.Fatalf("records = %d, stored %d, want 1", res.Records, len(store.records))
	}
	if got := store.records[0].Device; got.Model != "" || got.MDMServer != "" {
		t.Errorf("device attributes should be empty, got %+v", got)
	}
}

func TestSyncDeviceRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "60")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client, _ := seededClient(&fakeStore{})
	res, err := client.SyncDevice(context.Background(), "SER12345", testOrg(srv.URL))
	if err != nil {
		t.Fatalf("SyncDevice: %v", err)
	}
	if res.RetryAfter != 60*time.Second {
		t.Errorf("retry after = %s, want 60s", res.RetryAfter)
	}
	if res.Success {
		t.Error("rate limited result must not be success")
	}
}

func TestSyncDeviceTokenRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	client, tm := seededClient(&fakeStore{})
	_, err := client.SyncDevice(context.Background(), "SER12345", testOrg(srv.URL))
	if !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}

	tm.mu.Lock()
	_, cached := tm.cache["default"]
	tm.mu.Unlock()
	if cached {
		t.Error("rejected token should have been invalidated")
	}
}
