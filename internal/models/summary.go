package models

import (
	"time"

	"github.com/google/uuid"
)

// DailyUserSummary is the per-user representative record for one date:
// the earliest check-in-class event and the latest check-out-class event.
// A nil slot means that side has nothing (new) to forward.
type DailyUserSummary struct {
	UserID         string     `json:"user_id"`
	Name           string     `json:"name"`
	ExternalUserID int64      `json:"external_user_id"`
	Date           string     `json:"date"`
	DeviceID       *uuid.UUID `json:"device_id,omitempty"`
	DeviceSerial   string     `json:"device_serial"`
	FirstCheckin   *time.Time `json:"first_checkin,omitempty"`
	FirstCheckinID int64      `json:"first_checkin_id,omitempty"`
	LastCheckout   *time.Time `json:"last_checkout,omitempty"`
	LastCheckoutID int64      `json:"last_checkout_id,omitempty"`
	TotalCheckins  int        `json:"total_checkins"`
	TotalCheckouts int        `json:"total_checkouts"`
}

// SyncRunResult summarizes one reconciliation run for operators.
type SyncRunResult struct {
	DatesProcessed []string `json:"dates_processed"`
	Count          int      `json:"count"`
	SyncedRecords  int      `json:"synced_records"`
	Errors         []string `json:"errors,omitempty"`
}

// SyncStats counts stored events by sync status.
type SyncStats struct {
	Pending int `json:"pending"`
	Synced  int `json:"synced"`
	Skipped int `json:"skipped"`
	Error   int `json:"error"`
	Total   int `json:"total"`
}

// ErrorGroup collects error records sharing one upstream error code.
type ErrorGroup struct {
	Count         int                `json:"count"`
	SampleMessage string             `json:"sample_message"`
	Records       []*AttendanceEvent `json:"records"`
}

// ErrorReport is the operator view of failed records, including events past
// the automatic-retry ceiling.
type ErrorReport struct {
	TotalErrorRecords int                    `json:"total_error_records"`
	Groups            map[string]*ErrorGroup `json:"error_groups"`
	Stats             *SyncStats             `json:"sync_statistics"`
}

// CaptureStatus reports live workers and accumulated health per device.
type CaptureStatus struct {
	ActiveDevices []uuid.UUID                      `json:"active_devices"`
	MaxConcurrent int                              `json:"max_concurrent_devices"`
	DeviceStats   map[uuid.UUID]*DeviceHealthStats `json:"device_stats"`
}

// StartAllReport itemizes a fleet-wide capture start.
type StartAllReport struct {
	Started  []uuid.UUID `json:"started"`
	Rejected []uuid.UUID `json:"rejected"`
	Skipped  []uuid.UUID `json:"skipped"`
}
