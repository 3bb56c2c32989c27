// FleetCare - AppleCare Coverage Sync for Managed Device Fleets
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fleetcare

package sync

import (
	"errors"
	"fmt"
	"time"
)

// ErrTokenExpired is returned when the vendor API rejects the access token.
// A run hitting this aborts with progress preserved; the next run exchanges
// a fresh token and resumes.
var ErrTokenExpired = errors.New("vendor access token rejected")

// ErrInvalidAssertion is returned before any network call when the configured
// client assertion is not a structurally valid JWT.
var ErrInvalidAssertion = errors.New("client assertion is not a valid JWT")

// ErrStopped is returned when a run ends because a stop was requested.
var ErrStopped = errors.New("sync stopped")

// RateLimitedError reports a vendor 429 with the wait the vendor asked for.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited by vendor API, retry after %s", e.RetryAfter)
}

// AsRateLimited unwraps err into a RateLimitedError if it is one.
func AsRateLimited(err error) (*RateLimitedError, bool) {
	var rle *RateLimitedError
	if errors.As(err, &rle) {
		return rle, true
	}
	return nil, false
}
