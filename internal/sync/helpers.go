// FleetCare - AppleCare Coverage Sync for Managed Device Fleets
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fleetcare

package sync

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// parseRetryAfter interprets a Retry-After header as either delta-seconds or
// an HTTP date. Missing or unparseable values fall back to def; the result is
// clamped to [0, cap].
func parseRetryAfter(header string, def, cap time.Duration) time.Duration {
	d := def
	header = strings.TrimSpace(header)
	if header != "" {
		if secs, err := strconv.Atoi(header); err == nil {
			d = time.Duration(secs) * time.Second
		} else if at, err := http.ParseTime(header); err == nil {
			d = time.Until(at)
		}
	}
	if d < 0 {
		d = 0
	}
	if cap > 0 && d > cap {
		d = cap
	}
	return d
}

// normalizeDate reduces a vendor date-time string to its YYYY-MM-DD prefix so
// stored dates compare chronologically as text. Nil for empty input.
func normalizeDate(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if len(s) > 10 {
		s = s[:10]
	}
	return &s
}

// elapsedPrefix renders the run's elapsed time as MM:SS for progress output.
func elapsedPrefix(start time.Time) string {
	d := time.Since(start)
	if d < 0 {
		d = 0
	}
	return fmt.Sprintf("%02d:%02d", int(d.Minutes()), int(d.Seconds())%60)
}

// validSerial filters out placeholder serials the MDM sometimes reports.
func validSerial(serial string) bool {
	return len(strings.TrimSpace(serial)) >= 8
}
