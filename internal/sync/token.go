// FleetCare - AppleCare Coverage Sync for Managed Device Fleets
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fleetcare

package sync

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/tomtom215/fleetcare/internal/config"
	"github.com/tomtom215/fleetcare/internal/logging"
	"github.com/tomtom215/fleetcare/internal/metrics"
)

const (
	assertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

	scopeBusiness = "business.api"
	scopeSchool   = "school.api"

	// tokenExpiryMargin is subtracted from the vendor's expires_in so a token
	// is never handed out moments before it lapses mid-device.
	tokenExpiryMargin = 60 * time.Second
)

// TokenManager exchanges pre-signed client assertions for access tokens,
// caching one token per org. Exchanges are spaced apart and wrapped in a
// circuit breaker so a broken assertion cannot hammer the token endpoint.
type TokenManager struct {
	cfg      *config.SyncConfig
	tokenURL string
	client   *http.Client

	mu    sync.Mutex
	cache map[string]*cachedToken

	pace    *rate.Limiter
	breaker *gobreaker.CircuitBreaker[string]

	now func() time.Time
}

type cachedToken struct {
	token     string
	expiresAt time.Time
}

// NewTokenManager creates a token manager for the given token endpoint.
func NewTokenManager(cfg *config.SyncConfig, tokenURL string) *TokenManager {
	paceRate := rate.Inf
	if cfg.TokenSpacing > 0 {
		paceRate = rate.Every(cfg.TokenSpacing)
	}

	breaker := gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
		Name:        "applecare-token",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     2 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("token circuit breaker state change")
		},
	})

	return &TokenManager{
		cfg:      cfg,
		tokenURL: tokenURL,
		client:   &http.Client{Timeout: cfg.ClientTimeout},
		cache:    make(map[string]*cachedToken),
		pace:     rate.NewLimiter(paceRate, 1),
		breaker:  breaker,
		now:      time.Now,
	}
}

// SanitizeAssertion normalizes an assertion pasted into an env var: strips
// surrounding quotes and all whitespace, including embedded line breaks from
// wrapped copies.
func SanitizeAssertion(raw string) string {
	s := strings.TrimSpace(raw)
	s = strings.Trim(s, `"'`)
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}

// ValidateAssertion checks the assertion is three non-empty dot-separated
// segments before any network call is spent on it.
func ValidateAssertion(assertion string) error {
	parts := strings.Split(assertion, ".")
	if len(parts) != 3 {
		return fmt.Errorf("%w: expected 3 segments, got %d", ErrInvalidAssertion, len(parts))
	}
	for _, p := range parts {
		if p == "" {
			return fmt.Errorf("%w: empty segment", ErrInvalidAssertion)
		}
	}
	return nil
}

// ClientIDFromAssertion extracts the OAuth client_id from the assertion's sub
// claim. The signature is not verified; Apple signs and validates it, we only
// need the identifier inside.
func ClientIDFromAssertion(assertion string) (string, error) {
	token, _, err := jwt.NewParser().ParseUnverified(assertion, jwt.MapClaims{})
	if err != nil {
		return "", fmt.Errorf("parse client assertion: %w", err)
	}
	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", fmt.Errorf("client assertion has no sub claim")
	}
	return sub, nil
}

// ScopeForURL picks the OAuth scope matching the API host: school.api for
// Apple School Manager endpoints, business.api otherwise.
func ScopeForURL(apiURL string) string {
	if strings.Contains(apiURL, "api-school") {
		return scopeSchool
	}
	return scopeBusiness
}

// Token returns a valid access token for the org, exchanging the org's client
// assertion when the cached token is missing or near expiry.
func (tm *TokenManager) Token(ctx context.Context, org *config.OrgSettings) (string, error) {
	key := tm.cacheKey(org)

	tm.mu.Lock()
	if cached, ok := tm.cache[key]; ok && tm.now().Before(cached.expiresAt) {
		token := cached.token
		tm.mu.Unlock()
		return token, nil
	}
	tm.mu.Unlock()

	return tm.exchange(ctx, key, org)
}

// Invalidate drops the org's cached token, forcing a fresh exchange. Called
// when the vendor answers 401.
func (tm *TokenManager) Invalidate(org *config.OrgSettings) {
	tm.mu.Lock()
	delete(tm.cache, tm.cacheKey(org))
	tm.mu.Unlock()
}

// Pregenerate warms the cache for an org ahead of a run so the first device
// does not pay the exchange latency. Attempts a few times and gives up
// quietly; the run will exchange on demand anyway.
func (tm *TokenManager) Pregenerate(ctx context.Context, org *config.OrgSettings) {
	const attempts = 3
	for i := 1; i <= attempts; i++ {
		_, err := tm.Token(ctx, org)
		if err == nil {
			logging.Info().Str("org", org.Prefix).Msg("access token pre-generated")
			return
		}
		if i == attempts {
			logging.Warn().Err(err).Str("org", org.Prefix).Msg("token pre-generation failed")
			return
		}
		wait := time.Second
		if rle, ok := AsRateLimited(err); ok {
			wait = rle.RetryAfter
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (tm *TokenManager) cacheKey(org *config.OrgSettings) string {
	if org.Prefix != "" {
		return org.Prefix
	}
	return "default"
}

func (tm *TokenManager) exchange(ctx context.Context, key string, org *config.OrgSettings) (string, error) {
	assertion := SanitizeAssertion(org.ClientAssertion)
	if err := ValidateAssertion(assertion); err != nil {
		metrics.TokenExchanges.WithLabelValues("error").Inc()
		return "", err
	}
	clientID, err := ClientIDFromAssertion(assertion)
	if err != nil {
		metrics.TokenExchanges.WithLabelValues("error").Inc()
		return "", err
	}

	// Space exchanges apart; Apple rate limits its token endpoint separately
	// from the device API.
	if err := tm.pace.Wait(ctx); err != nil {
		return "", err
	}

	token, err := tm.breaker.Execute(func() (string, error) {
		return tm.doExchange(ctx, key, clientID, assertion, ScopeForURL(org.APIURL))
	})
	if err != nil {
		return "", err
	}
	return token, nil
}

func (tm *TokenManager) doExchange(ctx context.Context, key, clientID, assertion, scope string) (string, error) {
	form := url.Values{
		"grant_type":            {"client_credentials"},
		"client_id":             {clientID},
		"client_assertion_type": {assertionType},
		"client_assertion":      {assertion},
		"scope":                 {scope},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tm.tokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := tm.client.Do(req)
	if err != nil {
		metrics.TokenExchanges.WithLabelValues("error").Inc()
		return "", fmt.Errorf("token exchange: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK:
		// handled below
	case resp.StatusCode == http.StatusTooManyRequests:
		metrics.TokenExchanges.WithLabelValues("rate_limited").Inc()
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"),
			tm.cfg.RetryAfterDefault, tm.cfg.RetryAfterCap)
		return "", &RateLimitedError{RetryAfter: retryAfter}
	default:
		metrics.TokenExchanges.WithLabelValues("error").Inc()
		body := readBodyForError(resp.Body)
		return "", fmt.Errorf("token exchange returned %d: %s", resp.StatusCode, body)
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&payload); err != nil {
		metrics.TokenExchanges.WithLabelValues("error").Inc()
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if payload.AccessToken == "" {
		metrics.TokenExchanges.WithLabelValues("error").Inc()
		return "", fmt.Errorf("token response missing access_token")
	}

	ttl := time.Duration(payload.ExpiresIn) * time.Second
	if ttl > tokenExpiryMargin {
		ttl -= tokenExpiryMargin
	} else {
		// Missing or unusably short expires_in; assume a run-length
		// lifetime rather than re-exchanging for every device.
		ttl = time.Hour
	}

	tm.mu.Lock()
	tm.cache[key] = &cachedToken{
		token:     payload.AccessToken,
		expiresAt: tm.now().Add(ttl),
	}
	tm.mu.Unlock()

	metrics.TokenExchanges.WithLabelValues("success").Inc()
	logging.Debug().Str("org", key).Str("scope", scope).Dur("ttl", ttl).Msg("access token exchanged")
	return payload.AccessToken, nil
}

// readBodyForError returns a bounded slice of the response body for error
// messages.
func readBodyForError(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 64<<10))
	if err != nil || len(data) == 0 {
		return "(no body)"
	}
	return strings.TrimSpace(string(data))
}
