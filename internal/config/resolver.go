// FleetCare - AppleCare Coverage Sync for Managed Device Fleets
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fleetcare

package config

import (
	"os"
	"strconv"
	"strings"
)

// OrgSettings is the AppleCare API configuration resolved for one org.
type OrgSettings struct {
	// Prefix is the org identifier the settings were resolved under.
	Prefix string

	APIURL          string
	ClientAssertion string
	RateLimit       int
}

// Resolver resolves per-org AppleCare settings from prefixed environment
// variables, falling back to the global defaults.
//
// The org prefix is derived from the device's machine-group key when present,
// otherwise from its client identifier: the substring before the first '-',
// uppercased. Settings are read from {PREFIX}_APPLECARE_API_URL,
// {PREFIX}_APPLECARE_CLIENT_ASSERTION and {PREFIX}_APPLECARE_RATE_LIMIT.
type Resolver struct {
	defaults AppleCareConfig

	// lookup is os.Getenv in production; injectable for tests.
	lookup func(string) string
}

// NewResolver creates a resolver backed by the process environment.
func NewResolver(defaults AppleCareConfig) *Resolver {
	return &Resolver{
		defaults: defaults,
		lookup:   os.Getenv,
	}
}

// NewResolverWithLookup creates a resolver with a custom variable lookup.
func NewResolverWithLookup(defaults AppleCareConfig, lookup func(string) string) *Resolver {
	if lookup == nil {
		lookup = os.Getenv
	}
	return &Resolver{defaults: defaults, lookup: lookup}
}

// OrgPrefix derives the org prefix for a device. The machine-group key is
// tried first, then the client identifier. Empty when neither is set.
func OrgPrefix(machineGroupKey, clientID string) string {
	if p := prefixOf(machineGroupKey); p != "" {
		return p
	}
	return prefixOf(clientID)
}

func prefixOf(source string) string {
	if source == "" {
		return ""
	}
	if i := strings.Index(source, "-"); i >= 0 {
		source = source[:i]
	}
	return strings.ToUpper(source)
}

// Resolve returns the AppleCare settings for a device, or nil when neither
// the org environment nor the global defaults yield a usable configuration
// (both URL and assertion are required). The machine-group prefix is
// consulted first; when it leaves the URL or assertion unset, the client-id
// prefix fills what is still missing, and the global defaults cover the
// rest. Devices resolving to nil are skipped without any API call.
func (r *Resolver) Resolve(machineGroupKey, clientID string) *OrgSettings {
	settings := &OrgSettings{RateLimit: r.defaults.RateLimit}
	if settings.RateLimit <= 0 {
		settings.RateLimit = DefaultRateLimit
	}

	tried := ""
	for _, source := range []string{machineGroupKey, clientID} {
		prefix := prefixOf(source)
		if prefix == "" || prefix == tried {
			continue
		}
		if settings.APIURL != "" && settings.ClientAssertion != "" {
			break
		}
		tried = prefix
		if settings.Prefix == "" {
			settings.Prefix = prefix
		}

		contributed := false
		if settings.APIURL == "" {
			if v := r.lookup(prefix + "_APPLECARE_API_URL"); v != "" {
				settings.APIURL = v
				contributed = true
			}
		}
		if settings.ClientAssertion == "" {
			if v := r.lookup(prefix + "_APPLECARE_CLIENT_ASSERTION"); v != "" {
				settings.ClientAssertion = v
				contributed = true
			}
		}
		if v := r.lookup(prefix + "_APPLECARE_RATE_LIMIT"); v != "" {
			if limit, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && limit > 0 {
				settings.RateLimit = limit
			}
		}
		// The prefix that supplied credentials names the org; it keys the
		// token cache and rate window.
		if contributed {
			settings.Prefix = prefix
		}
	}

	if settings.APIURL == "" {
		settings.APIURL = r.defaults.APIURL
	}
	if settings.ClientAssertion == "" {
		settings.ClientAssertion = r.defaults.ClientAssertion
	}
	if settings.APIURL == "" || settings.ClientAssertion == "" {
		return nil
	}
	return settings
}
