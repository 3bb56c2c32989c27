// FleetCare - AppleCare Coverage Sync for Managed Device Fleets
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fleetcare

package config

import "testing"

func TestOrgPrefix(t *testing.T) {
	tests := []struct {
		name            string
		machineGroupKey string
		clientID        string
		want            string
	}{
		{"machine group key preferred", "acme-group-1", "other-client", "ACME"},
		{"client id fallback", "", "contoso-mbp-042", "CONTOSO"},
		{"no hyphen uses whole value", "lab", "", "LAB"},
		{"already uppercase", "ACME-1", "", "ACME"},
		{"both empty", "", "", ""},
		{"leading hyphen yields empty prefix", "-oops", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := OrgPrefix(tt.machineGroupKey, tt.clientID); got != tt.want {
				t.Errorf("OrgPrefix(%q, %q) = %q, want %q", tt.machineGroupKey, tt.clientID, got, tt.want)
			}
		})
	}
}

func TestResolveOrgOverrides(t *testing.T) {
	envs := map[string]string{
		"ACME_APPLECARE_API_URL":          "https://api-business.apple.com/v1",
		"ACME_APPLECARE_CLIENT_ASSERTION": "org-assertion",
		"ACME_APPLECARE_RATE_LIMIT":       "20",
	}
	r := NewResolverWithLookup(AppleCareConfig{
		APIURL:          "https://api-business.apple.com/default",
		ClientAssertion: "default-assertion",
		RateLimit:       40,
	}, func(k string) string { return envs[k] })

	got := r.Resolve("acme-group", "")
	if got == nil {
		t.Fatal("expected settings, got nil")
	}
	if got.APIURL != "https://api-business.apple.com/v1" {
		t.Errorf("APIURL = %q", got.APIURL)
	}
	if got.ClientAssertion != "org-assertion" {
		t.Errorf("ClientAssertion = %q", got.ClientAssertion)
	}
	if got.RateLimit != 20 {
		t.Errorf("RateLimit = %d, want 20", got.RateLimit)
	}
	if got.Prefix != "ACME" {
		t.Errorf("Prefix = %q, want ACME", got.Prefix)
	}
}

func TestResolveClientIDPrefixFallback(t *testing.T) {
	// Only the client-id org has credentials configured; the machine-group
	// prefix must not shadow it.
	envs := map[string]string{
		"ACME_APPLECARE_API_URL":          "https://api-business.apple.com/v1",
		"ACME_APPLECARE_CLIENT_ASSERTION": "acme-assertion",
		"ACME_APPLECARE_RATE_LIMIT":       "25",
	}
	r := NewResolverWithLookup(AppleCareConfig{}, func(k string) string { return envs[k] })

	got := r.Resolve("sales-team", "acme-123")
	if got == nil {
		t.Fatal("expected settings via client-id prefix, got nil")
	}
	if got.APIURL != "https://api-business.apple.com/v1" {
		t.Errorf("APIURL = %q", got.APIURL)
	}
	if got.ClientAssertion != "acme-assertion" {
		t.Errorf("ClientAssertion = %q", got.ClientAssertion)
	}
	if got.RateLimit != 25 {
		t.Errorf("RateLimit = %d, want 25", got.RateLimit)
	}
	if got.Prefix != "ACME" {
		t.Errorf("Prefix = %q, want ACME", got.Prefix)
	}
}

func TestResolveGroupPrefixFillsBeforeClientID(t *testing.T) {
	// The group prefix supplies the URL; the client-id prefix supplies only
	// the still-missing assertion.
	envs := map[string]string{
		"SALES_APPLECARE_API_URL":         "https://api-business.apple.com/sales",
		"ACME_APPLECARE_API_URL":          "https://api-business.apple.com/acme",
		"ACME_APPLECARE_CLIENT_ASSERTION": "acme-assertion",
	}
	r := NewResolverWithLookup(AppleCareConfig{}, func(k string) string { return envs[k] })

	got := r.Resolve("sales-team", "acme-123")
	if got == nil {
		t.Fatal("expected settings, got nil")
	}
	if got.APIURL != "https://api-business.apple.com/sales" {
		t.Errorf("APIURL = %q, want the group org's URL", got.APIURL)
	}
	if got.ClientAssertion != "acme-assertion" {
		t.Errorf("ClientAssertion = %q", got.ClientAssertion)
	}
}

func TestResolveFallsBackToDefaults(t *testing.T) {
	r := NewResolverWithLookup(AppleCareConfig{
		APIURL:          "https://api-business.apple.com/v1",
		ClientAssertion: "default-assertion",
		RateLimit:       40,
	}, func(string) string { return "" })

	got := r.Resolve("unknown-org", "")
	if got == nil {
		t.Fatal("expected default settings, got nil")
	}
	if got.APIURL != "https://api-business.apple.com/v1" || got.ClientAssertion != "default-assertion" {
		t.Errorf("unexpected fallback: %+v", got)
	}
	if got.RateLimit != 40 {
		t.Errorf("RateLimit = %d, want 40", got.RateLimit)
	}
}

func TestResolvePartialOverrideKeepsDefaults(t *testing.T) {
	envs := map[string]string{
		"ACME_APPLECARE_RATE_LIMIT": "not-a-number",
	}
	r := NewResolverWithLookup(AppleCareConfig{
		APIURL:          "https://api-business.apple.com/v1",
		ClientAssertion: "default-assertion",
	}, func(k string) string { return envs[k] })

	got := r.Resolve("acme-1", "")
	if got == nil {
		t.Fatal("expected settings, got nil")
	}
	// Unparseable rate limit falls back to the default.
	if got.RateLimit != DefaultRateLimit {
		t.Errorf("RateLimit = %d, want %d", got.RateLimit, DefaultRateLimit)
	}
}

func TestResolveReturnsNilWithoutCredentials(t *testing.T) {
	r := NewResolverWithLookup(AppleCareConfig{}, func(string) string { return "" })
	if got := r.Resolve("acme-1", ""); got != nil {
		t.Errorf("expected nil settings, got %+v", got)
	}

	// URL without assertion is still unusable.
	envs := map[string]string{"ACME_APPLECARE_API_URL": "https://api-business.apple.com/v1"}
	r = NewResolverWithLookup(AppleCareConfig{}, func(k string) string { return envs[k] })
	if got := r.Resolve("acme-1", ""); got != nil {
		t.Errorf("expected nil settings without assertion, got %+v", got)
	}
}
