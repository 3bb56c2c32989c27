// FleetCare - AppleCare Coverage Sync for Managed Device Fleets
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fleetcare

package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/fleetcare/internal/config"
	"github.com/tomtom215/fleetcare/internal/logging"
	"github.com/tomtom215/fleetcare/internal/metrics"
	"github.com/tomtom215/fleetcare/internal/models"
)

// CallsPerDevice is the number of vendor API calls a device sync makes at
// most: device lookup, assigned MDM server, coverage. The rate limiter
// budgets with this figure.
const CallsPerDevice = 3

const (
	transportRetries    = 3
	transportRetryDelay = 500 * time.Millisecond
)

// CoverageStore is the slice of the database the client writes through.
type CoverageStore interface {
	UpsertCoverage(ctx context.Context, rec *models.CoverageRecord) error
}

// Client fetches a device's AppleCare coverage from the vendor API and writes
// the records through the coverage store.
type Client struct {
	cfg    *config.SyncConfig
	tokens *TokenManager
	store  CoverageStore
	http   *http.Client
}

// NewClient creates a vendor API client.
func NewClient(cfg *config.SyncConfig, tokens *TokenManager, store CoverageStore) *Client {
	return &Client{
		cfg:    cfg,
		tokens: tokens,
		store:  store,
		http:   &http.Client{Timeout: cfg.ClientTimeout},
	}
}

// Vendor response shapes (JSON:API style).
type orgDeviceResponse struct {
	Data struct {
		ID         string `json:"id"`
		Attributes struct {
			SerialNumber            string `json:"serialNumber"`
			DeviceModel             string `json:"deviceModel"`
			PartNumber              string `json:"partNumber"`
			ProductFamily           string `json:"productFamily"`
			ProductType             string `json:"productType"`
			Color                   string `json:"color"`
			DeviceCapacity          string `json:"deviceCapacity"`
			Status                  string `json:"status"`
			PurchaseSourceType      string `json:"purchaseSourceType"`
			PurchaseSourceID        string `json:"purchaseSourceId"`
			OrderNumber             string `json:"orderNumber"`
			OrderDateTime           string `json:"orderDateTime"`
			AddedToOrgDateTime      string `json:"addedToOrgDateTime"`
			ReleasedFromOrgDateTime string `json:"releasedFromOrgDateTime"`
			WifiMacAddress          string `json:"wifiMacAddress"`
			BluetoothMacAddress     string `json:"bluetoothMacAddress"`
			EthernetMacAddress      string `json:"ethernetMacAddress"`
		} `json:"attributes"`
	} `json:"data"`
}

type assignedServerResponse struct {
	Data struct {
		Attributes struct {
			ServerName string `json:"serverName"`
		} `json:"attributes"`
	} `json:"data"`
}

type coverageResponse struct {
	Data []struct {
		ID         string `json:"id"`
		Attributes struct {
			Description     string `json:"description"`
			Status          string `json:"status"`
			AgreementNumber string `json:"agreementNumber"`
			PaymentType     string `json:"paymentType"`
			IsRenewable     bool   `json:"isRenewable"`
			IsCanceled      bool   `json:"isCanceled"`
			StartDateTime   string `json:"startDateTime"`
			EndDateTime     string `json:"endDateTime"`
			CancelDateTime  string `json:"cancelDateTime"`
			UpdatedDateTime string `json:"updatedDateTime"`
		} `json:"attributes"`
	} `json:"data"`
}

// SyncDevice runs the call sequence for one serial and stores the coverage
// rows. The returned result always carries the number of API calls actually
// made so the caller can charge the rate window. A 429 sets RetryAfter on the
// result; the caller owns the retry policy. The only error cases are token
// rejection (ErrTokenExpired) and storage failures.
func (c *Client) SyncDevice(ctx context.Context, serial string, org *config.OrgSettings) (*models.DeviceResult, error) {
	result := &models.DeviceResult{}

	token, err := c.tokens.Token(ctx, org)
	if err != nil {
		if rle, ok := AsRateLimited(err); ok {
			result.Message = "token endpoint rate limited"
			result.RetryAfter = rle.RetryAfter
			return result, nil
		}
		result.Message = fmt.Sprintf("token exchange failed: %v", err)
		return result, nil
	}

	base := strings.TrimRight(org.APIURL, "/")

	// Device lookup. The device ID and hardware attributes enrich the
	// coverage rows stored below; a failed lookup only loses those
	// attributes, coverage is still fetched.
	var device models.DeviceInfo
	var devResp orgDeviceResponse
	status, retryAfter, err := c.getJSON(ctx, token, "org_device",
		base+"/orgDevices/"+serial, &devResp)
	result.APICallsMade++
	switch {
	case err != nil:
		result.Message = fmt.Sprintf("device lookup failed: %v", err)
		return result, nil
	case status == http.StatusUnauthorized:
		c.tokens.Invalidate(org)
		return result, ErrTokenExpired
	case status == http.StatusTooManyRequests:
		metrics.VendorRateLimited.Inc()
		result.Message = "rate limited by vendor API"
		result.RetryAfter = parseRetryAfter(retryAfter, c.cfg.RetryAfterDefault, c.cfg.RetryAfterCap)
		return result, nil
	case status == http.StatusNotFound:
		result.Message = "skip: device not found"
		return result, nil
	case status == http.StatusOK:
		device = deviceInfoFrom(&devResp)
	default:
		logging.Warn().Str("serial", serial).Int("status", status).
			Msg("device lookup failed, continuing to fetch coverage")
	}

	// Assigned MDM server is best-effort; a failure here only loses one
	// column.
	if devResp.Data.ID != "" {
		var srvResp assignedServerResponse
		status, retryAfter, err = c.getJSON(ctx, token, "assigned_server",
			base+"/orgDevices/"+devResp.Data.ID+"/assignedServer", &srvResp)
		result.APICallsMade++
		switch {
		case err == nil && status == http.StatusOK:
			device.MDMServer = srvResp.Data.Attributes.ServerName
		case status == http.StatusUnauthorized:
			c.tokens.Invalidate(org)
			return result, ErrTokenExpired
		case status == http.StatusTooManyRequests:
			metrics.VendorRateLimited.Inc()
			result.Message = "rate limited by vendor API"
			result.RetryAfter = parseRetryAfter(retryAfter, c.cfg.RetryAfterDefault, c.cfg.RetryAfterCap)
			return result, nil
		default:
			logging.Debug().Str("serial", serial).Int("status", status).Err(err).
				Msg("assigned server lookup skipped")
		}
	}

	// Coverage.
	var covResp coverageResponse
	status, retryAfter, err = c.getJSON(ctx, token, "coverage",
		base+"/orgDevices/"+serial+"/appleCareCoverage", &covResp)
	result.APICallsMade++
	switch {
	case err != nil:
		result.Message = fmt.Sprintf("coverage lookup failed: %v", err)
		return result, nil
	case status == http.StatusUnauthorized:
		c.tokens.Invalidate(org)
		return result, ErrTokenExpired
	case status == http.StatusTooManyRequests:
		metrics.VendorRateLimited.Inc()
		result.Message = "rate limited by vendor API"
		result.RetryAfter = parseRetryAfter(retryAfter, c.cfg.RetryAfterDefault, c.cfg.RetryAfterCap)
		return result, nil
	case status == http.StatusNotFound:
		result.Message = "skip: no coverage"
		return result, nil
	case status != http.StatusOK:
		result.Message = fmt.Sprintf("coverage lookup returned %d", status)
		return result, nil
	}

	if len(covResp.Data) == 0 {
		result.Message = "skip: no coverage data"
		return result, nil
	}

	now := time.Now().UTC()
	for _, item := range covResp.Data {
		if item.ID == "" {
			continue
		}
		rec := &models.CoverageRecord{
			CoverageID:      item.ID,
			SerialNumber:    serial,
			Description:     item.Attributes.Description,
			Status:          item.Attributes.Status,
			AgreementNumber: item.Attributes.AgreementNumber,
			PaymentType:     item.Attributes.PaymentType,
			IsRenewable:     item.Attributes.IsRenewable,
			IsCanceled:      item.Attributes.IsCanceled,
			StartDate:       normalizeDate(item.Attributes.StartDateTime),
			EndDate:         normalizeDate(item.Attributes.EndDateTime),
			CancelDate:      normalizeDate(item.Attributes.CancelDateTime),
			Device:          device,
			LastUpdated:     item.Attributes.UpdatedDateTime,
			LastFetched:     now,
		}
		if err := c.store.UpsertCoverage(ctx, rec); err != nil {
			result.Message = fmt.Sprintf("stored %d of %d coverage records", result.Records, len(covResp.Data))
			return result, fmt.Errorf("store coverage for %s: %w", serial, err)
		}
		result.Records++
	}

	result.Success = true
	result.Message = fmt.Sprintf("synced %d coverage records", result.Records)
	return result, nil
}

func deviceInfoFrom(resp *orgDeviceResponse) models.DeviceInfo {
	a := resp.Data.Attributes
	return models.DeviceInfo{
		DeviceID:                resp.Data.ID,
		Model:                   a.DeviceModel,
		PartNumber:              a.PartNumber,
		ProductFamily:           a.ProductFamily,
		ProductType:             a.ProductType,
		Color:                   a.Color,
		Capacity:                a.DeviceCapacity,
		AssignmentStatus:        a.Status,
		PurchaseSourceType:      a.PurchaseSourceType,
		PurchaseSourceID:        a.PurchaseSourceID,
		OrderNumber:             a.OrderNumber,
		OrderDateTime:           a.OrderDateTime,
		AddedToOrgDateTime:      a.AddedToOrgDateTime,
		ReleasedFromOrgDateTime: a.ReleasedFromOrgDateTime,
		WifiMAC:                 a.WifiMacAddress,
		BluetoothMAC:            a.BluetoothMacAddress,
		EthernetMAC:             a.EthernetMacAddress,
	}
}

// getJSON performs one authenticated GET, decoding the body into out on 200.
// Transient transport failures are retried in place since they do not consume
// vendor quota. Returns the status code and the Retry-After header value.
func (c *Client) getJSON(ctx context.Context, token, endpoint, url string, out interface{}) (int, string, error) {
	start := time.Now()

	var lastErr error
	for attempt := 1; attempt <= transportRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return 0, "", fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			if isRetryableTransport(err) && attempt < transportRetries && ctx.Err() == nil {
				logging.Debug().Err(err).Str("endpoint", endpoint).Int("attempt", attempt).
					Msg("retrying vendor call after transport error")
				select {
				case <-time.After(transportRetryDelay):
					continue
				case <-ctx.Done():
					return 0, "", ctx.Err()
				}
			}
			return 0, "", lastErr
		}

		metrics.ObserveVendorCall(endpoint, resp.StatusCode, start)
		retryAfter := resp.Header.Get("Retry-After")

		if resp.StatusCode != http.StatusOK {
			// Drain for connection reuse; the callers only need the code.
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
			_ = resp.Body.Close()
			return resp.StatusCode, retryAfter, nil
		}

		err = json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(out)
		_ = resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("decode response: %w", err)
			if attempt < transportRetries && ctx.Err() == nil {
				select {
				case <-time.After(transportRetryDelay):
					continue
				case <-ctx.Done():
					return 0, "", ctx.Err()
				}
			}
			return resp.StatusCode, retryAfter, lastErr
		}
		return resp.StatusCode, retryAfter, nil
	}
	return 0, "", lastErr
}

// isRetryableTransport matches transport failures worth a local retry, like
// the truncated chunked responses the vendor API produces under load.
func isRetryableTransport(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	msg := err.Error()
	for _, s := range []string{
		"malformed chunked encoding",
		"unexpected EOF",
		"connection reset",
		"broken pipe",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
