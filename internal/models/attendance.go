package models

import (
	"time"

	"github.com/google/uuid"
)

type SyncStatus string

const (
	SyncPending SyncStatus = "pending"
	SyncSynced  SyncStatus = "synced"
	SyncSkipped SyncStatus = "skipped"
	SyncError   SyncStatus = "error"
)

// Action codes reported by terminals.
const (
	ActionCheckIn       = 0
	ActionCheckOut      = 1
	ActionBreakStart    = 2
	ActionBreakEnd      = 3
	ActionOvertimeStart = 4
	ActionOvertimeEnd   = 5

	// StatusUndefined is sent by push devices that do not track punch
	// direction; the action is then derived from the user's previous
	// event of the day.
	StatusUndefined = 255
)

// Verify method codes.
const (
	MethodPassword    = 0
	MethodFingerprint = 1
	MethodCard        = 2
	MethodFace        = 15
)

// AttendanceEvent is one raw punch from a terminal. Events are append-only;
// only the sync fields are ever mutated, and only by the sync engine.
// (user_id, device_id, timestamp, method, action) uniquely identifies an
// event: re-ingesting the same tuple is absorbed, never duplicated.
type AttendanceEvent struct {
	ID             int64      `json:"id"`
	UserID         string     `json:"user_id"`
	DeviceID       uuid.UUID  `json:"device_id"`
	SerialNumber   string     `json:"serial_number"`
	Timestamp      time.Time  `json:"timestamp"`
	Method         int        `json:"method"`
	Action         int        `json:"action"`
	OriginalStatus int        `json:"original_status"`
	RawPayload     []byte     `json:"raw_payload,omitempty"`
	SyncStatus     SyncStatus `json:"sync_status"`
	SyncedAt       *time.Time `json:"synced_at,omitempty"`
	ErrorCode      *string    `json:"error_code,omitempty"`
	ErrorMessage   *string    `json:"error_message,omitempty"`
	ErrorCount     int        `json:"error_count"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Date returns the event's calendar date in YYYY-MM-DD form.
func (e *AttendanceEvent) Date() string {
	return e.Timestamp.Format("2006-01-02")
}
