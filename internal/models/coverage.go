// FleetCare - AppleCare Coverage Sync for Managed Device Fleets
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fleetcare

// Package models defines the core data types shared across FleetCare packages.
package models

import "time"

// Coverage status values derived by the classifier for primary rows.
const (
	CoverageStatusActive       = "active"
	CoverageStatusExpiringSoon = "expiring_soon"
	CoverageStatusInactive     = "inactive"
)

// ExpiringSoonWindow is how close to the end date a still-active agreement
// is reported as expiring_soon.
const ExpiringSoonWindow = 30 * 24 * time.Hour

// DeviceInfo holds the device attributes returned by the vendor device lookup.
// All fields are optional; a device lookup failure leaves the struct zero-valued
// and the coverage rows are stored without device attributes.
type DeviceInfo struct {
	DeviceID               string `json:"device_id,omitempty"`
	Model                  string `json:"device_model,omitempty"`
	PartNumber             string `json:"part_number,omitempty"`
	ProductFamily          string `json:"product_family,omitempty"`
	ProductType            string `json:"product_type,omitempty"`
	Color                  string `json:"color,omitempty"`
	Capacity               string `json:"device_capacity,omitempty"`
	AssignmentStatus       string `json:"device_assignment_status,omitempty"`
	PurchaseSourceType     string `json:"purchase_source_type,omitempty"`
	PurchaseSourceID       string `json:"purchase_source_id,omitempty"`
	OrderNumber            string `json:"order_number,omitempty"`
	OrderDateTime          string `json:"order_date,omitempty"`
	AddedToOrgDateTime     string `json:"added_to_org_date,omitempty"`
	ReleasedFromOrgDateTime string `json:"released_from_org_date,omitempty"`
	WifiMAC                string `json:"wifi_mac_address,omitempty"`
	BluetoothMAC           string `json:"bluetooth_mac_address,omitempty"`
	EthernetMAC            string `json:"ethernet_mac_address,omitempty"`
	MDMServer              string `json:"mdm_server,omitempty"`
}

// CoverageRecord is one AppleCare agreement for a device, merged with the
// device attributes fetched in the same pass. Records are keyed by the
// vendor-assigned coverage ID.
type CoverageRecord struct {
	CoverageID      string  `json:"id"`
	SerialNumber    string  `json:"serial_number"`
	Description     string  `json:"description,omitempty"`
	Status          string  `json:"status,omitempty"`
	AgreementNumber string  `json:"agreement_number,omitempty"`
	PaymentType     string  `json:"payment_type,omitempty"`
	IsRenewable     bool    `json:"is_renewable"`
	IsCanceled      bool    `json:"is_canceled"`
	StartDate       *string `json:"start_date,omitempty"`
	EndDate         *string `json:"end_date,omitempty"`
	CancelDate      *string `json:"cancel_date,omitempty"`

	Device DeviceInfo `json:"device"`

	IsPrimary      bool    `json:"is_primary"`
	CoverageStatus *string `json:"coverage_status,omitempty"`

	LastUpdated string    `json:"last_updated,omitempty"`
	LastFetched time.Time `json:"last_fetched"`
}

// CoverageStats summarizes primary coverage rows by derived status.
type CoverageStats struct {
	Active       int `json:"active"`
	ExpiringSoon int `json:"expiring_soon"`
	Inactive     int `json:"inactive"`
	Uncovered    int `json:"uncovered"`
	TotalDevices int `json:"total_devices"`
}
