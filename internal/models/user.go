package models

import (
	"time"

	"github.com/google/uuid"
)

// User is a person known to a terminal, keyed by the PIN the device reports.
// ExternalUserID links the person to the upstream system; events for users
// without one are never forwarded.
type User struct {
	ID             uuid.UUID  `json:"id"`
	UserID         string     `json:"user_id"`
	Name           string     `json:"name"`
	DeviceID       *uuid.UUID `json:"device_id,omitempty"`
	SerialNumber   string     `json:"serial_number"`
	ExternalUserID int64      `json:"external_user_id"`
	Privilege      int        `json:"privilege"`
	GroupID        int        `json:"group_id"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      *time.Time `json:"updated_at,omitempty"`
}
