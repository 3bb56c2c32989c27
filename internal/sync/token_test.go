// FleetCare - AppleCare Coverage Sync for Managed Device Fleets
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fleetcare

package sync

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tomtom215/fleetcare/internal/config"
)

func testSyncConfig() *config.SyncConfig {
	return &config.SyncConfig{
		HeartbeatInterval: 15 * time.Second,
		StallTimeout:      time.Hour,
		SessionMaxAge:     2 * time.Hour,
		DeviceRetries:     3,
		RetryAfterDefault: 30 * time.Second,
		RetryAfterCap:     300 * time.Second,
		TokenSpacing:      0,
		ClientTimeout:     5 * time.Second,
	}
}

// makeAssertion builds an unsigned JWT carrying the given sub claim. Only the
// structure matters; signatures are never verified locally.
func makeAssertion(sub string) string {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"ES256","typ":"JWT"}`))
	claims := base64.RawURLEncoding.EncodeToString([]byte(fmt.Sprintf(`{"sub":%q}`, sub)))
	return header + "." + claims + ".sig"
}

func TestSanitizeAssertion(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"clean passthrough", "aaa.bbb.ccc", "aaa.bbb.ccc"},
		{"surrounding whitespace", "  aaa.bbb.ccc\n", "aaa.bbb.ccc"},
		{"surrounding quotes", `"aaa.bbb.ccc"`, "aaa.bbb.ccc"},
		{"single quotes", "'aaa.bbb.ccc'", "aaa.bbb.ccc"},
		{"embedded line wraps", "aaa.bb\nb.c cc", "aaa.bbb.ccc"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SanitizeAssertion(tt.in); got != tt.want {
				t.Errorf("SanitizeAssertion(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestValidateAssertion(t *testing.T) {
	tests := []struct {
		name      string
		assertion string
		wantErr   bool
	}{
		{"valid", "aaa.bbb.ccc", false},
		{"two segments", "aaa.bbb", true},
		{"four segments", "a.b.c.d", true},
		{"empty segment", "aaa..ccc", true},
		{"empty", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateAssertion(tt.assertion)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateAssertion(%q) error = %v, wantErr %v", tt.assertion, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidAssertion) {
				t.Errorf("error should wrap ErrInvalidAssertion, got %v", err)
			}
		})
	}
}

func TestScopeForURL(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"https://api-business.apple.com/v1", scopeBusiness},
		{"https://api-school.apple.com/v1", scopeSchool},
		{"https://example.com", scopeBusiness},
	}

	for _, tt := range tests {
		if got := ScopeForURL(tt.url); got != tt.want {
			t.Errorf("ScopeForURL(%q) = %q, want %q", tt.url, got, tt.want)
		}
	}
}

func TestClientIDFromAssertion(t *testing.T) {
	id, err := ClientIDFromAssertion(makeAssertion("BUSINESSAPI.abc-123"))
	if err != nil {
		t.Fatalf("ClientIDFromAssertion: %v", err)
	}
	if id != "BUSINESSAPI.abc-123" {
		t.Errorf("client id = %q", id)
	}

	if _, err := ClientIDFromAssertion("not-a-jwt"); err == nil {
		t.Error("expected error for malformed assertion")
	}
}

func TestTokenExchangeAndCache(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if got := r.Form.Get("grant_type"); got != "client_credentials" {
			t.Errorf("grant_type = %q", got)
		}
		if got := r.Form.Get("client_id"); got != "BUSINESSAPI.abc" {
			t.Errorf("client_id = %q", got)
		}
		if got := r.Form.Get("scope"); got != scopeBusiness {
			t.Errorf("scope = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"tok-1","token_type":"Bearer","expires_in":3600}`)
	}))
	defer srv.Close()

	tm := NewTokenManager(testSyncConfig(), srv.URL)
	org := &config.OrgSettings{
		APIURL:          "https://api-business.apple.com/v1",
		ClientAssertion: makeAssertion("BUSINESSAPI.abc"),
		RateLimit:       40,
	}

	tok, err := tm.Token(context.Background(), org)
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if tok != "tok-1" {
		t.Errorf("token = %q", tok)
	}

	// Second call should be served from cache.
	if _, err := tm.Token(context.Background(), org); err != nil {
		t.Fatalf("cached Token: %v", err)
	}
	if n := requests.Load(); n != 1 {
		t.Errorf("token endpoint hit %d times, want 1", n)
	}

	// Invalidate forces a fresh exchange.
	tm.Invalidate(org)
	if _, err := tm.Token(context.Background(), org); err != nil {
		t.Fatalf("Token after invalidate: %v", err)
	}
	if n := requests.Load(); n != 2 {
		t.Errorf("token endpoint hit %d times, want 2", n)
	}
}

func TestTokenCachedWithoutExpiresIn(t *testing.T) {
	// Some token responses omit expires_in; the token must still be cached
	// for the run instead of re-exchanging per device.
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"tok-1","token_type":"Bearer"}`)
	}))
	defer srv.Close()

	tm := NewTokenManager(testSyncConfig(), srv.URL)
	org := &config.OrgSettings{
		APIURL:          "https://api-business.apple.com/v1",
		ClientAssertion: makeAssertion("BUSINESSAPI.abc"),
		RateLimit:       40,
	}

	for i := 0; i < 3; i++ {
		tok, err := tm.Token(context.Background(), org)
		if err != nil {
			t.Fatalf("Token call %d: %v", i+1, err)
		}
		if tok != "tok-1" {
			t.Errorf("token = %q", tok)
		}
	}
	if n := requests.Load(); n != 1 {
		t.Errorf("token endpoint hit %d times, want 1", n)
	}
}

func TestTokenExchangeRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "60")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	tm := NewTokenManager(testSyncConfig(), srv.URL)
	org := &config.OrgSettings{
		APIURL:          "https://api-business.apple.com/v1",
		ClientAssertion: makeAssertion("BUSINESSAPI.abc"),
		RateLimit:       40,
	}

	_, err := tm.Token(context.Background(), org)
	rle, ok := AsRateLimited(err)
	if !ok {
		t.Fatalf("expected RateLimitedError, got %v", err)
	}
	if rle.RetryAfter != 60*time.Second {
		t.Errorf("retry after = %s, want 60s", rle.RetryAfter)
	}
}

func TestTokenExchangeRejectsBadAssertion(t *testing.T) {
	tm := NewTokenManager(testSyncConfig(), "http://127.0.0.1:0")
	org := &config.OrgSettings{
		APIURL:          "https://api-business.apple.com/v1",
		ClientAssertion: "not-a-jwt",
		RateLimit:       40,
	}

	if _, err := tm.Token(context.Background(), org); !errors.Is(err, ErrInvalidAssertion) {
		t.Errorf("expected ErrInvalidAssertion, got %v", err)
	}
}
