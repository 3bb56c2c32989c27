// FleetCare - AppleCare Coverage Sync for Managed Device Fleets
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fleetcare

package sync

import (
	"testing"
	"time"
)

func TestParseRetryAfter(t *testing.T) {
	def := 30 * time.Second
	cap := 300 * time.Second

	tests := []struct {
		name   string
		header string
		want   time.Duration
	}{
		{"empty uses default", "", 30 * time.Second},
		{"seconds", "60", 60 * time.Second},
		{"zero seconds", "0", 0},
		{"capped", "900", 300 * time.Second},
		{"garbage uses default", "soon", 30 * time.Second},
		{"negative clamps to zero", "-5", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseRetryAfter(tt.header, def, cap)
			if got != tt.want {
				t.Errorf("parseRetryAfter(%q) = %s, want %s", tt.header, got, tt.want)
			}
		})
	}
}

func TestParseRetryAfterHTTPDate(t *testing.T) {
	at := time.Now().Add(90 * time.Second).UTC()
	got := parseRetryAfter(at.Format(time.RFC1123), 30*time.Second, 300*time.Second)
	if got < 80*time.Second || got > 91*time.Second {
		t.Errorf("parseRetryAfter(http date) = %s, want ~90s", got)
	}
}

func TestNormalizeDate(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
		nil_ bool
	}{
		{"empty", "", "", true},
		{"whitespace", "  ", "", true},
		{"datetime truncated", "2027-01-15T00:00:00Z", "2027-01-15", false},
		{"date passes through", "2027-01-15", "2027-01-15", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := normalizeDate(tt.in)
			if tt.nil_ {
				if got != nil {
					t.Errorf("normalizeDate(%q) = %q, want nil", tt.in, *got)
				}
				return
			}
			if got == nil || *got != tt.want {
				t.Errorf("normalizeDate(%q) = %v, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestValidSerial(t *testing.T) {
	tests := []struct {
		serial string
		want   bool
	}{
		{"C02XL0GYJGH5", true},
		{"SER12345", true},
		{"SHORT", false},
		{"", false},
		{"   C02XL0GYJGH5   ", true},
	}

	for _, tt := range tests {
		if got := validSerial(tt.serial); got != tt.want {
			t.Errorf("validSerial(%q) = %v, want %v", tt.serial, got, tt.want)
		}
	}
}
