package models

import (
	"time"

	"github.com/google/uuid"
)

type DeviceType string

const (
	DeviceTypePull DeviceType = "pull"
	DeviceTypePush DeviceType = "push"
)

// Device is a row from the device registry. Pull devices are provisioned with
// a reachable address; push devices are auto-registered from their first
// iclock request and carry no usable address.
type Device struct {
	ID           uuid.UUID  `json:"id"`
	Name         string     `json:"name"`
	IP           string     `json:"ip"`
	Port         int        `json:"port"`
	Password     int        `json:"-"`
	Timeout      int        `json:"timeout"` // seconds
	RetryCount   int        `json:"retry_count"`
	RetryDelay   int        `json:"retry_delay"`   // seconds
	PingInterval int        `json:"ping_interval"` // seconds
	ForceUDP     bool       `json:"force_udp"`
	DeviceType   DeviceType `json:"device_type"`
	SerialNumber string     `json:"serial_number"`
	IsActive     bool       `json:"is_active"`
	PushMeta     *PushMeta  `json:"push_meta,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    *time.Time `json:"updated_at,omitempty"`
}

// PushMeta holds protocol details a push device announces when it first
// contacts the server.
type PushMeta struct {
	PushVersion  string    `json:"push_version,omitempty"`
	Options      string    `json:"options,omitempty"`
	Language     string    `json:"language,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`
}

// DeviceHealthStats accumulates per-device capture health for the process
// lifetime.
type DeviceHealthStats struct {
	DeviceID       uuid.UUID  `json:"device_id"`
	Connections    int        `json:"connections"`
	Disconnections int        `json:"disconnections"`
	Errors         int        `json:"errors"`
	LastConnected  *time.Time `json:"last_connected,omitempty"`
	LastError      *LastError `json:"last_error,omitempty"`
}

type LastError struct {
	Time    time.Time `json:"time"`
	Message string    `json:"message"`
}

// Healthy reports whether the historical error rate stays under 50%.
// Informational only; never used in start/stop decisions.
func (s *DeviceHealthStats) Healthy() bool {
	conns := s.Connections
	if conns < 1 {
		conns = 1
	}
	return float64(s.Errors)/float64(conns) < 0.5
}
